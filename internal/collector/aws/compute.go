package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	ekstypes "github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/yairfalse/cartograph/pkg/resource"
)

// collectEC2 collects EC2 instances with every private, public and IPv6
// address across their interfaces.
func (c *collectors) collectEC2(ctx context.Context, region string) ([]resource.Resource, error) {
	client := c.clients(region).EC2
	var resources []resource.Resource
	var nextToken *string

	for {
		output, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}

		for _, reservation := range output.Reservations {
			for _, instance := range reservation.Instances {
				resources = append(resources, convertInstance(region, aws.ToString(reservation.OwnerId), instance))
			}
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return resources, nil
}

func convertInstance(region, owner string, instance ec2types.Instance) resource.Resource {
	id := aws.ToString(instance.InstanceId)
	r := resource.New(resource.ServiceEC2, region, ec2ARN(region, owner, "instance", id), nameTag(instance.Tags, id))
	r.Tags = ec2Tags(instance.Tags)

	addIPs(&r, instance.PrivateIpAddress, instance.PublicIpAddress)
	for _, eni := range instance.NetworkInterfaces {
		for _, addr := range eni.PrivateIpAddresses {
			addIPs(&r, addr.PrivateIpAddress)
			if addr.Association != nil {
				addIPs(&r, addr.Association.PublicIp)
			}
		}
		for _, v6 := range eni.Ipv6Addresses {
			addIPs(&r, v6.Ipv6Address)
		}
	}

	r.Details["instance_id"] = id
	r.Details["instance_type"] = string(instance.InstanceType)
	if instance.State != nil {
		r.Details["state"] = string(instance.State.Name)
	}
	if instance.Placement != nil {
		r.Details["az"] = aws.ToString(instance.Placement.AvailabilityZone)
	}
	r.Details["vpc_id"] = aws.ToString(instance.VpcId)
	r.Details["subnet_id"] = aws.ToString(instance.SubnetId)
	return r
}

// collectEIPs collects Elastic IPs (no pagination).
func (c *collectors) collectEIPs(ctx context.Context, region string) ([]resource.Resource, error) {
	account, err := c.account(ctx)
	if err != nil {
		return nil, err
	}

	output, err := c.clients(region).EC2.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{})
	if err != nil {
		return nil, fmt.Errorf("describe addresses: %w", err)
	}

	resources := make([]resource.Resource, 0, len(output.Addresses))
	for _, addr := range output.Addresses {
		id := aws.ToString(addr.AllocationId)
		if id == "" {
			id = aws.ToString(addr.PublicIp)
		}
		r := resource.New(resource.ServiceEIP, region, ec2ARN(region, account, "elastic-ip", id), nameTag(addr.Tags, aws.ToString(addr.PublicIp)))
		r.Tags = ec2Tags(addr.Tags)
		addIPs(&r, addr.PublicIp, addr.PrivateIpAddress)
		r.Details["allocation_id"] = aws.ToString(addr.AllocationId)
		r.Details["instance_id"] = aws.ToString(addr.InstanceId)
		r.Details["network_interface_id"] = aws.ToString(addr.NetworkInterfaceId)
		r.Details["domain"] = string(addr.Domain)
		r.Details["attached"] = addr.AssociationId != nil
		resources = append(resources, r)
	}

	return resources, nil
}

// collectNATGateways collects NAT gateways.
func (c *collectors) collectNATGateways(ctx context.Context, region string) ([]resource.Resource, error) {
	account, err := c.account(ctx)
	if err != nil {
		return nil, err
	}

	client := c.clients(region).EC2
	var resources []resource.Resource
	var nextToken *string

	for {
		output, err := client.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe nat gateways: %w", err)
		}

		for _, nat := range output.NatGateways {
			id := aws.ToString(nat.NatGatewayId)
			r := resource.New(resource.ServiceNATGateway, region, ec2ARN(region, account, "natgateway", id), nameTag(nat.Tags, id))
			r.Tags = ec2Tags(nat.Tags)
			for _, a := range nat.NatGatewayAddresses {
				addIPs(&r, a.PublicIp, a.PrivateIp)
			}
			r.Details["state"] = string(nat.State)
			r.Details["connectivity"] = string(nat.ConnectivityType)
			r.Details["vpc_id"] = aws.ToString(nat.VpcId)
			r.Details["subnet_id"] = aws.ToString(nat.SubnetId)
			resources = append(resources, r)
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return resources, nil
}

// collectENIs collects network interfaces. They catch addresses owned by
// services that expose no IPs of their own, such as RDS or Lambda in a VPC.
func (c *collectors) collectENIs(ctx context.Context, region string) ([]resource.Resource, error) {
	client := c.clients(region).EC2
	var resources []resource.Resource
	var nextToken *string

	for {
		output, err := client.DescribeNetworkInterfaces(ctx, &ec2.DescribeNetworkInterfacesInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe network interfaces: %w", err)
		}

		for _, eni := range output.NetworkInterfaces {
			resources = append(resources, convertENI(region, eni))
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return resources, nil
}

func convertENI(region string, eni ec2types.NetworkInterface) resource.Resource {
	id := aws.ToString(eni.NetworkInterfaceId)
	name := nameTag(eni.TagSet, "")
	if name == "" {
		name = aws.ToString(eni.Description)
	}
	if name == "" {
		name = id
	}

	r := resource.New(resource.ServiceENI, region, ec2ARN(region, aws.ToString(eni.OwnerId), "network-interface", id), name)
	r.Tags = ec2Tags(eni.TagSet)
	for _, addr := range eni.PrivateIpAddresses {
		addIPs(&r, addr.PrivateIpAddress)
		if addr.Association != nil {
			addIPs(&r, addr.Association.PublicIp)
		}
	}
	for _, v6 := range eni.Ipv6Addresses {
		addIPs(&r, v6.Ipv6Address)
	}

	r.Details["interface_type"] = string(eni.InterfaceType)
	r.Details["status"] = string(eni.Status)
	r.Details["description"] = aws.ToString(eni.Description)
	r.Details["vpc_id"] = aws.ToString(eni.VpcId)
	r.Details["subnet_id"] = aws.ToString(eni.SubnetId)
	r.Details["requester_id"] = aws.ToString(eni.RequesterId)
	if eni.Attachment != nil {
		r.Details["instance_id"] = aws.ToString(eni.Attachment.InstanceId)
	}
	return r
}

// collectASGs collects Auto Scaling Groups.
func (c *collectors) collectASGs(ctx context.Context, region string) ([]resource.Resource, error) {
	client := c.clients(region).AutoScaling
	var resources []resource.Resource
	var nextToken *string

	for {
		output, err := client.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe auto scaling groups: %w", err)
		}

		for _, asg := range output.AutoScalingGroups {
			resources = append(resources, convertASG(region, asg))
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return resources, nil
}

func convertASG(region string, asg asgtypes.AutoScalingGroup) resource.Resource {
	r := resource.New(resource.ServiceASG, region, aws.ToString(asg.AutoScalingGroupARN), aws.ToString(asg.AutoScalingGroupName))
	for _, tag := range asg.Tags {
		r.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	r.Details["min_size"] = int(aws.ToInt32(asg.MinSize))
	r.Details["max_size"] = int(aws.ToInt32(asg.MaxSize))
	r.Details["desired"] = int(aws.ToInt32(asg.DesiredCapacity))
	r.Details["instances"] = len(asg.Instances)
	return r
}

// collectLambda collects Lambda functions.
func (c *collectors) collectLambda(ctx context.Context, region string) ([]resource.Resource, error) {
	client := c.clients(region).Lambda
	var resources []resource.Resource
	var marker *string

	for {
		output, err := client.ListFunctions(ctx, &lambda.ListFunctionsInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("list functions: %w", err)
		}

		for _, fn := range output.Functions {
			resources = append(resources, convertFunction(region, fn))
		}

		if output.NextMarker == nil {
			break
		}
		marker = output.NextMarker
	}

	return resources, nil
}

func convertFunction(region string, fn lambdatypes.FunctionConfiguration) resource.Resource {
	r := resource.New(resource.ServiceLambda, region, aws.ToString(fn.FunctionArn), aws.ToString(fn.FunctionName))
	r.Details["runtime"] = string(fn.Runtime)
	r.Details["memory_mb"] = int(aws.ToInt32(fn.MemorySize))
	r.Details["timeout_sec"] = int(aws.ToInt32(fn.Timeout))
	r.Details["state"] = string(fn.State)
	if fn.VpcConfig != nil {
		r.Details["vpc_id"] = aws.ToString(fn.VpcConfig.VpcId)
	}
	return r
}

// collectECS collects ECS clusters.
func (c *collectors) collectECS(ctx context.Context, region string) ([]resource.Resource, error) {
	client := c.clients(region).ECS
	var clusterArns []string
	var nextToken *string

	for {
		listOutput, err := client.ListClusters(ctx, &ecs.ListClustersInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("list clusters: %w", err)
		}
		clusterArns = append(clusterArns, listOutput.ClusterArns...)

		if listOutput.NextToken == nil {
			break
		}
		nextToken = listOutput.NextToken
	}

	// DescribeClusters accepts at most 100 clusters per call
	var resources []resource.Resource
	const batchSize = 100
	for i := 0; i < len(clusterArns); i += batchSize {
		end := min(i+batchSize, len(clusterArns))

		descOutput, err := client.DescribeClusters(ctx, &ecs.DescribeClustersInput{
			Clusters: clusterArns[i:end],
			Include:  []ecstypes.ClusterField{ecstypes.ClusterFieldTags},
		})
		if err != nil {
			return nil, fmt.Errorf("describe clusters: %w", err)
		}

		for _, cluster := range descOutput.Clusters {
			r := resource.New(resource.ServiceECS, region, aws.ToString(cluster.ClusterArn), aws.ToString(cluster.ClusterName))
			for _, tag := range cluster.Tags {
				r.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
			}
			r.Details["status"] = aws.ToString(cluster.Status)
			r.Details["services"] = int(cluster.ActiveServicesCount)
			r.Details["tasks_running"] = int(cluster.RunningTasksCount)
			r.Details["tasks_pending"] = int(cluster.PendingTasksCount)
			resources = append(resources, r)
		}
	}

	return resources, nil
}

// collectEKS collects EKS clusters. Pods are collected separately.
func (c *collectors) collectEKS(ctx context.Context, region string) ([]resource.Resource, error) {
	client := c.clients(region).EKS

	names, err := listEKSClusters(ctx, client)
	if err != nil {
		return nil, err
	}

	resources := make([]resource.Resource, 0, len(names))
	for _, name := range names {
		out, err := client.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(name)})
		if err != nil {
			return nil, fmt.Errorf("describe cluster %s: %w", name, err)
		}
		if out.Cluster == nil {
			continue
		}
		resources = append(resources, convertEKSCluster(region, out.Cluster))
	}

	return resources, nil
}

func listEKSClusters(ctx context.Context, client EKSAPI) ([]string, error) {
	var names []string
	var nextToken *string

	for {
		output, err := client.ListClusters(ctx, &eks.ListClustersInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("list clusters: %w", err)
		}
		names = append(names, output.Clusters...)

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return names, nil
}

func convertEKSCluster(region string, cluster *ekstypes.Cluster) resource.Resource {
	r := resource.New(resource.ServiceEKS, region, aws.ToString(cluster.Arn), aws.ToString(cluster.Name))
	for k, v := range cluster.Tags {
		r.Tags[k] = v
	}
	r.Details["status"] = string(cluster.Status)
	r.Details["version"] = aws.ToString(cluster.Version)
	r.Details["endpoint"] = aws.ToString(cluster.Endpoint)
	if cluster.ResourcesVpcConfig != nil {
		r.Details["vpc_id"] = aws.ToString(cluster.ResourcesVpcConfig.VpcId)
	}
	return r
}

package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/elasticache"
	ectypes "github.com/aws/aws-sdk-go-v2/service/elasticache/types"
	"github.com/aws/aws-sdk-go-v2/service/memorydb"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/redshift"
	redshifttypes "github.com/aws/aws-sdk-go-v2/service/redshift/types"

	"github.com/yairfalse/cartograph/pkg/resource"
)

// collectRDS collects RDS instances. Endpoints are hostnames, so no IPs;
// the instance's ENI carries its address.
func (c *collectors) collectRDS(ctx context.Context, region string) ([]resource.Resource, error) {
	client := c.clients(region).RDS
	var resources []resource.Resource
	var marker *string

	for {
		output, err := client.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("describe db instances: %w", err)
		}

		for _, instance := range output.DBInstances {
			resources = append(resources, convertDBInstance(region, instance))
		}

		if output.Marker == nil {
			break
		}
		marker = output.Marker
	}

	return resources, nil
}

func convertDBInstance(region string, instance rdstypes.DBInstance) resource.Resource {
	r := resource.New(resource.ServiceRDS, region, aws.ToString(instance.DBInstanceArn), aws.ToString(instance.DBInstanceIdentifier))
	for _, tag := range instance.TagList {
		r.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	r.Details["engine"] = aws.ToString(instance.Engine)
	r.Details["engine_version"] = aws.ToString(instance.EngineVersion)
	r.Details["instance_class"] = aws.ToString(instance.DBInstanceClass)
	r.Details["status"] = aws.ToString(instance.DBInstanceStatus)
	r.Details["publicly_accessible"] = aws.ToBool(instance.PubliclyAccessible)
	if instance.Endpoint != nil {
		r.Details["endpoint"] = aws.ToString(instance.Endpoint.Address)
		r.Details["port"] = int(aws.ToInt32(instance.Endpoint.Port))
	}
	return r
}

// collectDynamoDB collects DynamoDB tables with their tags.
func (c *collectors) collectDynamoDB(ctx context.Context, region string) ([]resource.Resource, error) {
	client := c.clients(region).DynamoDB
	var names []string
	var lastKey *string

	for {
		output, err := client.ListTables(ctx, &dynamodb.ListTablesInput{ExclusiveStartTableName: lastKey})
		if err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}
		names = append(names, output.TableNames...)

		if output.LastEvaluatedTableName == nil {
			break
		}
		lastKey = output.LastEvaluatedTableName
	}

	resources := make([]resource.Resource, 0, len(names))
	for _, name := range names {
		desc, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
		if err != nil {
			return nil, fmt.Errorf("describe table %s: %w", name, err)
		}
		if desc.Table == nil {
			continue
		}
		r := convertTable(region, desc.Table)

		tags, err := dynamoTags(ctx, client, r.ARN)
		if err != nil {
			return nil, err
		}
		r.Tags = tags
		resources = append(resources, r)
	}

	return resources, nil
}

func convertTable(region string, table *ddbtypes.TableDescription) resource.Resource {
	r := resource.New(resource.ServiceDynamoDB, region, aws.ToString(table.TableArn), aws.ToString(table.TableName))
	r.Details["status"] = string(table.TableStatus)
	r.Details["item_count"] = aws.ToInt64(table.ItemCount)
	r.Details["table_size_bytes"] = aws.ToInt64(table.TableSizeBytes)
	if table.BillingModeSummary != nil {
		r.Details["billing_mode"] = string(table.BillingModeSummary.BillingMode)
	}
	return r
}

func dynamoTags(ctx context.Context, client DynamoDBAPI, arn string) (map[string]string, error) {
	tags := make(map[string]string)
	if arn == "" {
		return tags, nil
	}
	var nextToken *string

	for {
		out, err := client.ListTagsOfResource(ctx, &dynamodb.ListTagsOfResourceInput{ResourceArn: aws.String(arn), NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("list tags of %s: %w", arn, err)
		}
		for _, t := range out.Tags {
			tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	return tags, nil
}

// collectElastiCache collects cache clusters with node endpoints.
func (c *collectors) collectElastiCache(ctx context.Context, region string) ([]resource.Resource, error) {
	client := c.clients(region).ElastiCache
	var resources []resource.Resource
	var marker *string

	for {
		output, err := client.DescribeCacheClusters(ctx, &elasticache.DescribeCacheClustersInput{
			Marker:            marker,
			ShowCacheNodeInfo: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("describe cache clusters: %w", err)
		}

		for _, cluster := range output.CacheClusters {
			resources = append(resources, convertCacheCluster(region, cluster))
		}

		if output.Marker == nil {
			break
		}
		marker = output.Marker
	}

	return resources, nil
}

func convertCacheCluster(region string, cluster ectypes.CacheCluster) resource.Resource {
	r := resource.New(resource.ServiceElastiCache, region, aws.ToString(cluster.ARN), aws.ToString(cluster.CacheClusterId))
	r.Details["engine"] = aws.ToString(cluster.Engine)
	r.Details["engine_version"] = aws.ToString(cluster.EngineVersion)
	r.Details["cache_node_type"] = aws.ToString(cluster.CacheNodeType)
	r.Details["status"] = aws.ToString(cluster.CacheClusterStatus)
	r.Details["nodes"] = int(aws.ToInt32(cluster.NumCacheNodes))
	if rg := aws.ToString(cluster.ReplicationGroupId); rg != "" {
		r.Details["replication_group"] = rg
	}

	var endpoints []string
	for _, node := range cluster.CacheNodes {
		if node.Endpoint != nil {
			endpoints = append(endpoints, aws.ToString(node.Endpoint.Address))
		}
	}
	if len(endpoints) > 0 {
		r.Details["node_endpoints"] = strings.Join(endpoints, ",")
	}
	return r
}

// collectRedshift collects Redshift clusters with leader and compute node
// addresses.
func (c *collectors) collectRedshift(ctx context.Context, region string) ([]resource.Resource, error) {
	account, err := c.account(ctx)
	if err != nil {
		return nil, err
	}

	client := c.clients(region).Redshift
	var resources []resource.Resource
	var marker *string

	for {
		output, err := client.DescribeClusters(ctx, &redshift.DescribeClustersInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("describe clusters: %w", err)
		}

		for _, cluster := range output.Clusters {
			resources = append(resources, convertRedshiftCluster(region, account, cluster))
		}

		if output.Marker == nil {
			break
		}
		marker = output.Marker
	}

	return resources, nil
}

func convertRedshiftCluster(region, account string, cluster redshifttypes.Cluster) resource.Resource {
	id := aws.ToString(cluster.ClusterIdentifier)
	arn := fmt.Sprintf("arn:aws:redshift:%s:%s:cluster:%s", region, account, id)
	r := resource.New(resource.ServiceRedshift, region, arn, id)
	for _, tag := range cluster.Tags {
		r.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	for _, node := range cluster.ClusterNodes {
		addIPs(&r, node.PrivateIPAddress, node.PublicIPAddress)
	}
	r.Details["status"] = aws.ToString(cluster.ClusterStatus)
	r.Details["node_type"] = aws.ToString(cluster.NodeType)
	r.Details["nodes"] = int(aws.ToInt32(cluster.NumberOfNodes))
	r.Details["publicly_accessible"] = aws.ToBool(cluster.PubliclyAccessible)
	r.Details["vpc_id"] = aws.ToString(cluster.VpcId)
	if cluster.Endpoint != nil {
		r.Details["endpoint"] = aws.ToString(cluster.Endpoint.Address)
	}
	return r
}

// collectMemoryDB collects MemoryDB clusters.
func (c *collectors) collectMemoryDB(ctx context.Context, region string) ([]resource.Resource, error) {
	client := c.clients(region).MemoryDB
	var resources []resource.Resource
	var nextToken *string

	for {
		output, err := client.DescribeClusters(ctx, &memorydb.DescribeClustersInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe clusters: %w", err)
		}

		for _, cluster := range output.Clusters {
			r := resource.New(resource.ServiceMemoryDB, region, aws.ToString(cluster.ARN), aws.ToString(cluster.Name))
			r.Details["status"] = aws.ToString(cluster.Status)
			r.Details["node_type"] = aws.ToString(cluster.NodeType)
			r.Details["engine_version"] = aws.ToString(cluster.EngineVersion)
			r.Details["shards"] = int(aws.ToInt32(cluster.NumberOfShards))
			if cluster.ClusterEndpoint != nil {
				r.Details["endpoint"] = aws.ToString(cluster.ClusterEndpoint.Address)
			}
			resources = append(resources, r)
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return resources, nil
}

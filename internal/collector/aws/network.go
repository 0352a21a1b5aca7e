package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cartograph/pkg/resource"
)

// elbTagBatch is the DescribeTags limit on resource ARNs per call.
const elbTagBatch = 20

// collectELBs collects ELBv2 load balancers. Network load balancers expose
// per-AZ addresses; application load balancers only a DNS name.
func (c *collectors) collectELBs(ctx context.Context, region string) ([]resource.Resource, error) {
	client := c.clients(region).ELB
	var lbs []elbtypes.LoadBalancer
	var marker *string

	for {
		output, err := client.DescribeLoadBalancers(ctx, &elb.DescribeLoadBalancersInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("describe load balancers: %w", err)
		}
		lbs = append(lbs, output.LoadBalancers...)

		if output.NextMarker == nil {
			break
		}
		marker = output.NextMarker
	}

	tags, err := elbTags(ctx, client, lbs)
	if err != nil {
		return nil, err
	}

	resources := make([]resource.Resource, 0, len(lbs))
	for _, lb := range lbs {
		arn := aws.ToString(lb.LoadBalancerArn)
		r := resource.New(resource.ServiceELB, region, arn, aws.ToString(lb.LoadBalancerName))
		if t, ok := tags[arn]; ok {
			r.Tags = t
		}
		for _, az := range lb.AvailabilityZones {
			for _, addr := range az.LoadBalancerAddresses {
				addIPs(&r, addr.IpAddress, addr.PrivateIPv4Address, addr.IPv6Address)
			}
		}
		r.Details["dns_name"] = aws.ToString(lb.DNSName)
		r.Details["type"] = string(lb.Type)
		r.Details["scheme"] = string(lb.Scheme)
		r.Details["vpc_id"] = aws.ToString(lb.VpcId)
		if lb.State != nil {
			r.Details["state"] = string(lb.State.Code)
		}
		resources = append(resources, r)
	}

	return resources, nil
}

func elbTags(ctx context.Context, client ELBAPI, lbs []elbtypes.LoadBalancer) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(lbs))

	for i := 0; i < len(lbs); i += elbTagBatch {
		end := min(i+elbTagBatch, len(lbs))
		arns := make([]string, 0, end-i)
		for _, lb := range lbs[i:end] {
			if arn := aws.ToString(lb.LoadBalancerArn); arn != "" {
				arns = append(arns, arn)
			}
		}
		if len(arns) == 0 {
			continue
		}

		desc, err := client.DescribeTags(ctx, &elb.DescribeTagsInput{ResourceArns: arns})
		if err != nil {
			return nil, fmt.Errorf("describe tags: %w", err)
		}
		for _, td := range desc.TagDescriptions {
			tags := make(map[string]string, len(td.Tags))
			for _, t := range td.Tags {
				tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
			}
			out[aws.ToString(td.ResourceArn)] = tags
		}
	}

	return out, nil
}

// collectRoute53 collects hosted zones. Route53 is global: the region
// argument only selects the endpoint.
func (c *collectors) collectRoute53(ctx context.Context, region string) ([]resource.Resource, error) {
	client := c.clients(region).Route53
	var resources []resource.Resource
	var marker *string

	for {
		output, err := client.ListHostedZones(ctx, &route53.ListHostedZonesInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("list hosted zones: %w", err)
		}

		for _, zone := range output.HostedZones {
			r := convertHostedZone(zone)
			tags, err := zoneTags(ctx, client, lastSegment(aws.ToString(zone.Id), "/"))
			if err != nil {
				log.Warn().Err(err).Str("zone", r.ARN).Msg("could not get hosted zone tags")
				r.MarkIncomplete("tags")
			}
			r.Tags = tags
			resources = append(resources, r)
		}

		if !output.IsTruncated {
			break
		}
		marker = output.NextMarker
	}

	return resources, nil
}

func convertHostedZone(zone r53types.HostedZone) resource.Resource {
	id := lastSegment(aws.ToString(zone.Id), "/")
	r := resource.New(resource.ServiceRoute53, resource.GlobalRegion, "arn:aws:route53:::hostedzone/"+id, aws.ToString(zone.Name))
	private := false
	if zone.Config != nil {
		private = zone.Config.PrivateZone
		if comment := aws.ToString(zone.Config.Comment); comment != "" {
			r.Details["comment"] = comment
		}
	}
	r.Details["zone_id"] = id
	r.Details["private_zone"] = private
	r.Details["record_count"] = aws.ToInt64(zone.ResourceRecordSetCount)
	return r
}

// zoneTags fetches tags for one zone. On failure it returns empty tags
// with the error; the caller keeps the zone and marks it incomplete.
func zoneTags(ctx context.Context, client Route53API, zoneID string) (map[string]string, error) {
	tags := make(map[string]string)
	if zoneID == "" {
		return tags, nil
	}

	out, err := client.ListTagsForResource(ctx, &route53.ListTagsForResourceInput{
		ResourceType: r53types.TagResourceTypeHostedzone,
		ResourceId:   aws.String(zoneID),
	})
	if err != nil {
		return tags, fmt.Errorf("list tags for zone %s: %w", zoneID, err)
	}
	if out.ResourceTagSet != nil {
		for _, t := range out.ResourceTagSet.Tags {
			tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
	}
	return tags, nil
}

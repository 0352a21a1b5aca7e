package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/yairfalse/cartograph/pkg/resource"
)

// collectIAMRoles collects IAM roles. IAM is global.
func (c *collectors) collectIAMRoles(ctx context.Context, region string) ([]resource.Resource, error) {
	client := c.clients(region).IAM
	var resources []resource.Resource
	var marker *string

	for {
		output, err := client.ListRoles(ctx, &iam.ListRolesInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("list roles: %w", err)
		}

		for _, role := range output.Roles {
			r := resource.New(resource.ServiceIAMRole, resource.GlobalRegion, aws.ToString(role.Arn), aws.ToString(role.RoleName))
			r.Details["path"] = aws.ToString(role.Path)
			if role.Description != nil {
				r.Details["description"] = aws.ToString(role.Description)
			}
			resources = append(resources, r)
		}

		if !output.IsTruncated {
			break
		}
		marker = output.Marker
	}

	return resources, nil
}

// collectKMS collects KMS keys, named by their first alias when one exists.
func (c *collectors) collectKMS(ctx context.Context, region string) ([]resource.Resource, error) {
	client := c.clients(region).KMS

	aliases, err := kmsAliases(ctx, client)
	if err != nil {
		return nil, err
	}

	var resources []resource.Resource
	var marker *string
	for {
		output, err := client.ListKeys(ctx, &kms.ListKeysInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("list keys: %w", err)
		}

		for _, key := range output.Keys {
			id := aws.ToString(key.KeyId)
			name := id
			if alias, ok := aliases[id]; ok {
				name = alias
			}
			r := resource.New(resource.ServiceKMS, region, aws.ToString(key.KeyArn), name)
			r.Details["key_id"] = id
			resources = append(resources, r)
		}

		if !output.Truncated {
			break
		}
		marker = output.NextMarker
	}

	return resources, nil
}

func kmsAliases(ctx context.Context, client KMSAPI) (map[string]string, error) {
	aliases := make(map[string]string)
	var marker *string

	for {
		output, err := client.ListAliases(ctx, &kms.ListAliasesInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("list aliases: %w", err)
		}
		for _, a := range output.Aliases {
			target := aws.ToString(a.TargetKeyId)
			if target == "" {
				continue
			}
			if _, seen := aliases[target]; !seen {
				aliases[target] = strings.TrimPrefix(aws.ToString(a.AliasName), "alias/")
			}
		}
		if !output.Truncated {
			break
		}
		marker = output.NextMarker
	}

	return aliases, nil
}

// collectCloudTrail collects trails homed in the region. Shadow copies of
// multi-region trails are excluded so each trail is stored once.
func (c *collectors) collectCloudTrail(ctx context.Context, region string) ([]resource.Resource, error) {
	output, err := c.clients(region).CloudTrail.DescribeTrails(ctx, &cloudtrail.DescribeTrailsInput{
		IncludeShadowTrails: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("describe trails: %w", err)
	}

	resources := make([]resource.Resource, 0, len(output.TrailList))
	for _, trail := range output.TrailList {
		r := resource.New(resource.ServiceCloudTrail, region, aws.ToString(trail.TrailARN), aws.ToString(trail.Name))
		r.Details["s3_bucket"] = aws.ToString(trail.S3BucketName)
		r.Details["home_region"] = aws.ToString(trail.HomeRegion)
		r.Details["multi_region"] = aws.ToBool(trail.IsMultiRegionTrail)
		resources = append(resources, r)
	}

	return resources, nil
}

// collectSQS collects SQS queues. ListQueues returns URLs only; the ARN is
// derived from the URL.
func (c *collectors) collectSQS(ctx context.Context, region string) ([]resource.Resource, error) {
	client := c.clients(region).SQS
	var resources []resource.Resource
	var nextToken *string

	for {
		output, err := client.ListQueues(ctx, &sqs.ListQueuesInput{NextToken: nextToken, MaxResults: aws.Int32(1000)})
		if err != nil {
			return nil, fmt.Errorf("list queues: %w", err)
		}

		for _, queueURL := range output.QueueUrls {
			account, name := parseQueueURL(queueURL)
			arn := queueURL
			if account != "" && name != "" {
				arn = fmt.Sprintf("arn:aws:sqs:%s:%s:%s", region, account, name)
			}
			r := resource.New(resource.ServiceSQS, region, arn, name)
			r.Details["url"] = queueURL
			resources = append(resources, r)
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return resources, nil
}

// parseQueueURL splits https://sqs.<region>.amazonaws.com/<account>/<name>.
func parseQueueURL(queueURL string) (account, name string) {
	u, err := url.Parse(queueURL)
	if err != nil {
		return "", lastSegment(queueURL, "/")
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 {
		return "", lastSegment(queueURL, "/")
	}
	return parts[0], parts[1]
}

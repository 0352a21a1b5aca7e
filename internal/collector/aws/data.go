package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/yairfalse/cartograph/pkg/resource"
)

// collectS3 collects S3 buckets. The bucket list is global.
func (c *collectors) collectS3(ctx context.Context, region string) ([]resource.Resource, error) {
	output, err := c.clients(region).S3.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	resources := make([]resource.Resource, 0, len(output.Buckets))
	for _, bucket := range output.Buckets {
		name := aws.ToString(bucket.Name)
		r := resource.New(resource.ServiceS3, resource.GlobalRegion, "arn:aws:s3:::"+name, name)
		if bucket.CreationDate != nil {
			r.Details["created"] = bucket.CreationDate.UTC().Format("2006-01-02")
		}
		resources = append(resources, r)
	}

	return resources, nil
}

// collectECR collects ECR repositories.
func (c *collectors) collectECR(ctx context.Context, region string) ([]resource.Resource, error) {
	client := c.clients(region).ECR
	var resources []resource.Resource
	var nextToken *string

	for {
		output, err := client.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe repositories: %w", err)
		}

		for _, repo := range output.Repositories {
			r := resource.New(resource.ServiceECR, region, aws.ToString(repo.RepositoryArn), aws.ToString(repo.RepositoryName))
			r.Details["uri"] = aws.ToString(repo.RepositoryUri)
			r.Details["tag_mutability"] = string(repo.ImageTagMutability)
			resources = append(resources, r)
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return resources, nil
}

// collectLogGroups collects CloudWatch log groups.
func (c *collectors) collectLogGroups(ctx context.Context, region string) ([]resource.Resource, error) {
	client := c.clients(region).CloudWatchLogs
	var resources []resource.Resource
	var nextToken *string

	for {
		output, err := client.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe log groups: %w", err)
		}

		for _, lg := range output.LogGroups {
			arn := strings.TrimSuffix(aws.ToString(lg.Arn), ":*")
			r := resource.New(resource.ServiceCloudWatchLogs, region, arn, aws.ToString(lg.LogGroupName))
			r.Details["retention_days"] = int(aws.ToInt32(lg.RetentionInDays))
			r.Details["stored_bytes"] = aws.ToInt64(lg.StoredBytes)
			resources = append(resources, r)
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return resources, nil
}

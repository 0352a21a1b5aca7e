// Package aws implements the AWS collectors for Cartograph.
package aws

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/elasticache"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/memorydb"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/redshift"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cartograph/internal/collector"
	"github.com/yairfalse/cartograph/internal/fault"
)

// AllRegions is the region argument that expands to every enabled region.
const AllRegions = "all"

// fallbackRegions is used when DescribeRegions is unavailable.
var fallbackRegions = []string{
	"af-south-1", "ap-east-1", "ap-northeast-1", "ap-northeast-2", "ap-northeast-3",
	"ap-south-1", "ap-south-2", "ap-southeast-1", "ap-southeast-2", "ap-southeast-3",
	"ap-southeast-4", "ca-central-1", "ca-west-1", "eu-central-1", "eu-central-2",
	"eu-north-1", "eu-south-1", "eu-south-2", "eu-west-1", "eu-west-2", "eu-west-3",
	"il-central-1", "me-central-1", "me-south-1", "sa-east-1",
	"us-east-1", "us-east-2", "us-west-1", "us-west-2",
}

// Session holds the credentials for one profile and hands out per-region
// client bundles. Clients are created on first use and released by Close.
type Session struct {
	profile    string
	base       aws.Config
	sts        STSAPI
	newClients func(cfg aws.Config) *Clients

	mu       sync.Mutex
	regions  map[string]*Clients
	account  string
	released bool
}

// NewSession loads the shared AWS configuration for profile. The SDK's own
// retryer is disabled: retries belong to the orchestrator.
func NewSession(ctx context.Context, profile string) (*Session, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(collector.ReferenceRegion),
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fault.Auth("load aws config", err)
	}

	return &Session{
		profile:    profile,
		base:       cfg,
		sts:        sts.NewFromConfig(cfg),
		newClients: newClients,
		regions:    make(map[string]*Clients),
	}, nil
}

func newClients(cfg aws.Config) *Clients {
	return &Clients{
		EC2:            ec2.NewFromConfig(cfg),
		ELB:            elasticloadbalancingv2.NewFromConfig(cfg),
		Route53:        route53.NewFromConfig(cfg),
		RDS:            rds.NewFromConfig(cfg),
		DynamoDB:       dynamodb.NewFromConfig(cfg),
		ElastiCache:    elasticache.NewFromConfig(cfg),
		Redshift:       redshift.NewFromConfig(cfg),
		MemoryDB:       memorydb.NewFromConfig(cfg),
		EKS:            eks.NewFromConfig(cfg),
		ECS:            ecs.NewFromConfig(cfg),
		AutoScaling:    autoscaling.NewFromConfig(cfg),
		Lambda:         lambda.NewFromConfig(cfg),
		S3:             s3.NewFromConfig(cfg),
		ECR:            ecr.NewFromConfig(cfg),
		CloudWatchLogs: cloudwatchlogs.NewFromConfig(cfg),
		IAM:            iam.NewFromConfig(cfg),
		KMS:            kms.NewFromConfig(cfg),
		CloudTrail:     cloudtrail.NewFromConfig(cfg),
		SQS:            sqs.NewFromConfig(cfg),
	}
}

// Profile returns the credential profile, empty for the default chain.
func (s *Session) Profile() string {
	return s.profile
}

// Clients returns the client bundle for region, creating it on first use.
func (s *Session) Clients(region string) *Clients {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.regions[region]; ok {
		return c
	}
	cfg := s.base.Copy()
	cfg.Region = region
	c := s.newClients(cfg)
	s.regions[region] = c
	return c
}

// AccountID resolves the caller's account through STS. A successful answer
// is cached for the life of the session.
func (s *Session) AccountID(ctx context.Context) (string, error) {
	s.mu.Lock()
	cached := s.account
	s.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	out, err := s.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", Classify("get caller identity", err)
	}
	account := aws.ToString(out.Account)
	if account == "" {
		return "", fault.Malformed("get caller identity", fmt.Errorf("empty account id"))
	}

	s.mu.Lock()
	s.account = account
	s.mu.Unlock()
	return account, nil
}

// Regions expands the requested region list. "all" resolves to the
// account's enabled regions, or a built-in list when DescribeRegions fails.
func (s *Session) Regions(ctx context.Context, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return nil, fmt.Errorf("no regions requested")
	}
	if !wantsAll(requested) {
		return dedupe(requested), nil
	}

	out, err := s.Clients(collector.ReferenceRegion).EC2.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Msg("describe regions failed, using built-in region list")
		return append([]string(nil), fallbackRegions...), nil
	}

	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		if name := aws.ToString(r.RegionName); name != "" {
			regions = append(regions, name)
		}
	}
	if len(regions) == 0 {
		return append([]string(nil), fallbackRegions...), nil
	}
	sort.Strings(regions)
	return regions, nil
}

func wantsAll(requested []string) bool {
	for _, r := range requested {
		if r == AllRegions {
			return true
		}
	}
	return false
}

func dedupe(regions []string) []string {
	seen := make(map[string]bool, len(regions))
	out := make([]string, 0, len(regions))
	for _, r := range regions {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// Close drops every cached client bundle and closes idle connections of
// the shared HTTP client. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil
	}
	s.released = true
	s.regions = make(map[string]*Clients)

	if c, ok := s.base.HTTPClient.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
	log.Debug().Str("profile", s.profile).Msg("aws session released")
	return nil
}

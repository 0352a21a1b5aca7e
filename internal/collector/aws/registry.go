package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/cartograph/internal/collector"
	"github.com/yairfalse/cartograph/pkg/resource"
)

// Options configures the AWS collector set.
type Options struct {
	// EKSClusters limits pod collection to the named clusters. Empty means
	// every cluster discovered in the region.
	EKSClusters []string
	// Kube builds Kubernetes clients for pod collection. Nil uses the aws
	// CLI as an exec credential plugin.
	Kube KubeFactory
}

// collectors holds what every collection function needs: a client bundle
// per region and the account for synthesized ARNs.
type collectors struct {
	clients     func(region string) *Clients
	account     func(ctx context.Context) (string, error)
	profile     string
	eksClusters []string
	kube        KubeFactory
}

// NewRegistry registers every AWS collector against s. The registry owns
// the session and releases it on Close.
func NewRegistry(s *Session, opts Options) *collector.Registry {
	c := &collectors{
		clients:     s.Clients,
		account:     s.AccountID,
		profile:     s.Profile(),
		eksClusters: opts.EKSClusters,
		kube:        opts.Kube,
	}
	if c.kube == nil {
		c.kube = execKubeFactory(c.profile)
	}

	reg := collector.NewRegistry(c.all()...)
	reg.Own(s)
	return reg
}

func (c *collectors) all() []collector.Collector {
	return []collector.Collector{
		classified(resource.ServiceEC2, false, c.collectEC2),
		classified(resource.ServiceEIP, false, c.collectEIPs),
		classified(resource.ServiceNATGateway, false, c.collectNATGateways),
		classified(resource.ServiceENI, false, c.collectENIs),
		classified(resource.ServiceELB, false, c.collectELBs),
		classified(resource.ServiceRoute53, true, c.collectRoute53),
		classified(resource.ServiceRDS, false, c.collectRDS),
		classified(resource.ServiceDynamoDB, false, c.collectDynamoDB),
		classified(resource.ServiceElastiCache, false, c.collectElastiCache),
		classified(resource.ServiceRedshift, false, c.collectRedshift),
		classified(resource.ServiceMemoryDB, false, c.collectMemoryDB),
		classified(resource.ServiceEKS, false, c.collectEKS),
		classified(resource.ServiceEKSPod, false, c.collectEKSPods),
		classified(resource.ServiceECS, false, c.collectECS),
		classified(resource.ServiceASG, false, c.collectASGs),
		classified(resource.ServiceLambda, false, c.collectLambda),
		classified(resource.ServiceS3, true, c.collectS3),
		classified(resource.ServiceECR, false, c.collectECR),
		classified(resource.ServiceCloudWatchLogs, false, c.collectLogGroups),
		classified(resource.ServiceIAMRole, true, c.collectIAMRoles),
		classified(resource.ServiceKMS, false, c.collectKMS),
		classified(resource.ServiceCloudTrail, false, c.collectCloudTrail),
		classified(resource.ServiceSQS, false, c.collectSQS),
	}
}

// classified wraps fn so every error leaving the collector carries a
// fault kind.
func classified(service resource.Service, global bool, fn collector.Func) collector.Collector {
	return collector.New(service, global, func(ctx context.Context, region string) ([]resource.Resource, error) {
		out, err := fn(ctx, region)
		if err != nil {
			return nil, Classify(string(service), err)
		}
		return out, nil
	})
}

// ec2ARN synthesizes an ARN for EC2 resource types that lack one.
func ec2ARN(region, account, kind, id string) string {
	return fmt.Sprintf("arn:aws:ec2:%s:%s:%s/%s", region, account, kind, id)
}

// ec2Tags flattens EC2 tags.
func ec2Tags(tags []ec2types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

// nameTag returns the Name tag, or fallback when absent.
func nameTag(tags []ec2types.Tag, fallback string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == "Name" && aws.ToString(t.Value) != "" {
			return aws.ToString(t.Value)
		}
	}
	return fallback
}

// lastSegment returns the part of s after the final sep.
func lastSegment(s, sep string) string {
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[i+len(sep):]
	}
	return s
}

// addIPs appends every non-nil address.
func addIPs(r *resource.Resource, ips ...*string) {
	for _, ip := range ips {
		r.AddIP(aws.ToString(ip))
	}
}

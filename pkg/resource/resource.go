// Package resource defines the canonical resource model for Cartograph.
package resource

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// GlobalRegion is the region literal stored for region-independent services.
const GlobalRegion = "global"

// Service identifies the originating cloud service of a resource.
type Service string

// Supported services. The set is closed: every collector maps to exactly one.
const (
	ServiceEC2            Service = "ec2"
	ServiceEIP            Service = "eip"
	ServiceNATGateway     Service = "nat_gateway"
	ServiceENI            Service = "eni"
	ServiceELB            Service = "elb"
	ServiceRDS            Service = "rds"
	ServiceDynamoDB       Service = "dynamodb"
	ServiceElastiCache    Service = "elasticache"
	ServiceRedshift       Service = "redshift"
	ServiceMemoryDB       Service = "memorydb"
	ServiceEKS            Service = "eks"
	ServiceEKSPod         Service = "eks_pod"
	ServiceECS            Service = "ecs"
	ServiceASG            Service = "asg"
	ServiceLambda         Service = "lambda"
	ServiceRoute53        Service = "route53"
	ServiceS3             Service = "s3"
	ServiceECR            Service = "ecr"
	ServiceCloudWatchLogs Service = "cloudwatch_logs"
	ServiceIAMRole        Service = "iam_role"
	ServiceKMS            Service = "kms"
	ServiceCloudTrail     Service = "cloudtrail"
	ServiceSQS            Service = "sqs"
)

// Services returns every supported service in stable order.
func Services() []Service {
	return []Service{
		ServiceEC2, ServiceEIP, ServiceNATGateway, ServiceENI, ServiceELB,
		ServiceRDS, ServiceDynamoDB, ServiceElastiCache, ServiceRedshift, ServiceMemoryDB,
		ServiceEKS, ServiceEKSPod, ServiceECS, ServiceASG, ServiceLambda,
		ServiceRoute53, ServiceS3, ServiceECR, ServiceCloudWatchLogs,
		ServiceIAMRole, ServiceKMS, ServiceCloudTrail, ServiceSQS,
	}
}

// aliases accepts the resource-type spellings used by older inventories.
var aliases = map[string]Service{
	"ec2:instance":        ServiceEC2,
	"elbv2":               ServiceELB,
	"elbv2:loadbalancer":  ServiceELB,
	"rds:db_instance":     ServiceRDS,
	"dynamodb:table":      ServiceDynamoDB,
	"elasticache:cluster": ServiceElastiCache,
	"eks:pod":             ServiceEKSPod,
	"route53:hostedzone":  ServiceRoute53,
	"s3:bucket":           ServiceS3,
	"iam":                 ServiceIAMRole,
	"logs":                ServiceCloudWatchLogs,
}

// ParseService resolves a service name or alias. Unknown names are returned
// verbatim so that filters on them simply match nothing.
func ParseService(name string) Service {
	name = strings.ToLower(strings.TrimSpace(name))
	if s, ok := aliases[name]; ok {
		return s
	}
	return Service(name)
}

// Known reports whether s is one of the supported services.
func (s Service) Known() bool {
	for _, known := range Services() {
		if s == known {
			return true
		}
	}
	return false
}

// Identity uniquely identifies a resource row.
type Identity struct {
	Service Service `json:"service"`
	Region  string  `json:"region"`
	ARN     string  `json:"arn"`
}

// Key returns the storage key for the identity.
// NUL cannot appear in any of the components.
func (id Identity) Key() string {
	return string(id.Service) + "\x00" + id.Region + "\x00" + id.ARN
}

// Less orders identities lexicographically by service, region, then ARN.
func (id Identity) Less(other Identity) bool {
	if id.Service != other.Service {
		return id.Service < other.Service
	}
	if id.Region != other.Region {
		return id.Region < other.Region
	}
	return id.ARN < other.ARN
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s/%s", id.Service, id.Region, id.ARN)
}

// ParseKey is the inverse of Identity.Key.
func ParseKey(key string) (Identity, error) {
	parts := strings.SplitN(key, "\x00", 3)
	if len(parts) != 3 {
		return Identity{}, fmt.Errorf("malformed identity key %q", key)
	}
	return Identity{Service: Service(parts[0]), Region: parts[1], ARN: parts[2]}, nil
}

// Resource is a cloud resource in canonical form.
type Resource struct {
	Service     Service           `json:"service" validate:"required"`
	Region      string            `json:"region" validate:"required"`
	ARN         string            `json:"arn" validate:"required"`
	Name        string            `json:"name"`
	IPs         []string          `json:"ips"`
	Tags        map[string]string `json:"tags"`
	Details     map[string]any    `json:"details"`
	CollectedAt time.Time         `json:"collected_at"`
}

// New creates a resource with empty tag and detail maps.
func New(service Service, region, arn, name string) Resource {
	return Resource{
		Service: service,
		Region:  region,
		ARN:     arn,
		Name:    name,
		IPs:     []string{},
		Tags:    make(map[string]string),
		Details: make(map[string]any),
	}
}

// Identity returns the resource's identity triple.
func (r Resource) Identity() Identity {
	return Identity{Service: r.Service, Region: r.Region, ARN: r.ARN}
}

// DetailIncomplete is the detail key listing the parts of a record its
// collector could not fetch.
const DetailIncomplete = "incomplete"

// MarkIncomplete notes that part of the record, such as its tags, could
// not be collected. The record is still stored.
func (r *Resource) MarkIncomplete(part string) {
	if r.Details == nil {
		r.Details = make(map[string]any)
	}
	parts, _ := r.Details[DetailIncomplete].([]string)
	r.Details[DetailIncomplete] = append(parts, part)
}

// Incomplete reports whether a collector marked the record incomplete.
func (r Resource) Incomplete() bool {
	_, ok := r.Details[DetailIncomplete]
	return ok
}

// AddIP appends ip unless it is empty. Parsing happens in Normalize.
func (r *Resource) AddIP(ip string) {
	if ip == "" {
		return
	}
	r.IPs = append(r.IPs, ip)
}

var validate = validator.New()

// Validate checks that the identity fields are populated.
func (r Resource) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid resource %s: %w", r.Identity(), err)
	}
	return nil
}

// Normalize returns a copy that satisfies the storage invariants: non-nil
// maps, a populated name, and a sorted, deduplicated set of canonical IPs.
// It also reports IP strings that could not be parsed.
func (r Resource) Normalize() (Resource, []string) {
	out := r
	out.Service = Service(strings.TrimSpace(string(r.Service)))
	out.Region = strings.TrimSpace(r.Region)
	out.ARN = strings.TrimSpace(r.ARN)
	if strings.TrimSpace(out.Name) == "" {
		out.Name = out.ARN
	}

	out.Tags = make(map[string]string, len(r.Tags))
	for k, v := range r.Tags {
		out.Tags[k] = v
	}
	out.Details = make(map[string]any, len(r.Details))
	for k, v := range r.Details {
		out.Details[k] = v
	}

	ips, invalid := NormalizeIPs(r.IPs)
	out.IPs = ips
	return out, invalid
}

// NormalizeIPs parses, canonicalizes, deduplicates, and sorts IP strings.
func NormalizeIPs(ips []string) (valid []string, invalid []string) {
	seen := make(map[netip.Addr]struct{}, len(ips))
	addrs := make([]netip.Addr, 0, len(ips))
	for _, raw := range ips {
		addr, err := ParseIP(raw)
		if err != nil {
			invalid = append(invalid, raw)
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })

	valid = make([]string, len(addrs))
	for i, a := range addrs {
		valid[i] = a.String()
	}
	return valid, invalid
}

// ParseIP parses an IP literal, unmapping IPv4-in-IPv6 and dropping zones.
func ParseIP(raw string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse ip %q: %w", raw, err)
	}
	return addr.Unmap().WithZone(""), nil
}

// IsPublic reports whether the address is globally routable.
func IsPublic(ip string) bool {
	addr, err := ParseIP(ip)
	if err != nil {
		return false
	}
	return addr.IsGlobalUnicast() && !addr.IsPrivate() && !isDocumentation(addr)
}

var documentationPrefixes = []netip.Prefix{
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("2001:db8::/32"),
}

func isDocumentation(addr netip.Addr) bool {
	for _, p := range documentationPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

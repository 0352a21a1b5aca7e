// Package identify maps an IP address back to the resources holding it.
package identify

import (
	"context"
	"fmt"

	"github.com/yairfalse/cartograph/internal/fault"
	"github.com/yairfalse/cartograph/pkg/resource"
)

// Lookup is the store capability identify needs.
type Lookup interface {
	LookupByIP(ctx context.Context, ip string) ([]resource.Resource, error)
}

// Result is the answer for one IP. An empty Matches is a valid answer
// meaning the IP is unknown.
type Result struct {
	IP        string              `json:"ip"`
	Public    bool                `json:"public"`
	Matches   []resource.Resource `json:"matches"`
	Ambiguous bool                `json:"ambiguous"`
}

// Found reports whether any resource holds the IP.
func (r Result) Found() bool {
	return len(r.Matches) > 0
}

// Note explains the result in one sentence.
func (r Result) Note() string {
	switch {
	case !r.Found():
		return fmt.Sprintf("no resource known for %s", r.IP)
	case r.Ambiguous:
		return fmt.Sprintf("%s is held by %d resources; addresses can be shared (load balancer nodes) or reused over time", r.IP, len(r.Matches))
	default:
		return fmt.Sprintf("%s belongs to %s", r.IP, r.Matches[0].Identity())
	}
}

// Identify resolves ip against the store. The literal is canonicalized
// first, so ::ffff:10.0.0.5 finds 10.0.0.5.
func Identify(ctx context.Context, l Lookup, ip string) (Result, error) {
	addr, err := resource.ParseIP(ip)
	if err != nil {
		return Result{}, fault.Malformed("identify", err)
	}

	canonical := addr.String()
	matches, err := l.LookupByIP(ctx, canonical)
	if err != nil {
		return Result{}, fmt.Errorf("lookup %s: %w", canonical, err)
	}
	if matches == nil {
		matches = []resource.Resource{}
	}

	return Result{
		IP:        canonical,
		Public:    resource.IsPublic(canonical),
		Matches:   matches,
		Ambiguous: len(matches) > 1,
	}, nil
}

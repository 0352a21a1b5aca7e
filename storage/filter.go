package storage

import (
	"time"

	"github.com/yairfalse/cartograph/internal/filter"
	"github.com/yairfalse/cartograph/pkg/resource"
)

// Filter restricts reads to a set of services and regions. An empty set
// means no restriction on that dimension. Tags narrows further; nil keeps
// everything.
type Filter struct {
	Services []resource.Service
	Regions  []string
	Tags     *filter.Filter
}

// Matches reports whether r passes every dimension of the filter.
func (f Filter) Matches(r resource.Resource) bool {
	return f.matchesService(r.Service) && f.matchesRegion(r.Region) && f.Tags.Matches(r)
}

func (f Filter) matchesService(s resource.Service) bool {
	if len(f.Services) == 0 {
		return true
	}
	for _, want := range f.Services {
		if want == s {
			return true
		}
	}
	return false
}

func (f Filter) matchesRegion(region string) bool {
	if len(f.Regions) == 0 {
		return true
	}
	for _, want := range f.Regions {
		if want == region {
			return true
		}
	}
	return false
}

// prefixes returns the key prefixes worth scanning. nil means a full scan.
func (f Filter) prefixes() [][]byte {
	if len(f.Services) == 0 {
		return nil
	}
	seen := make(map[resource.Service]bool, len(f.Services))
	out := make([][]byte, 0, len(f.Services))
	for _, s := range f.Services {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, []byte(string(s)+"\x00"))
	}
	return out
}

// PruneResult summarizes an explicit prune.
type PruneResult struct {
	Removed []resource.Identity `json:"removed"`
	Before  time.Time           `json:"before"`
}

// Stats describes store contents.
type Stats struct {
	Resources int                      `json:"resources"`
	IPs       int                      `json:"ips"`
	ByService map[resource.Service]int `json:"by_service"`
	ByRegion  map[string]int           `json:"by_region"`
	Newest    time.Time                `json:"newest,omitempty"`
	Oldest    time.Time                `json:"oldest,omitempty"`
}

// IPEntry pairs an IP with its representative resource for export.
type IPEntry struct {
	IP       string
	Resource resource.Resource
	// Shared counts the resources holding the IP, including the representative.
	Shared int
}

// Package filter selects resources by their AWS tags.
package filter

import (
	"fmt"
	"strings"

	"github.com/yairfalse/cartograph/pkg/resource"
)

// Filter keeps resources carrying every include tag and none of the exclude
// tags. A nil Filter keeps everything.
type Filter struct {
	includeTags map[string]string
	excludeTags map[string]string
}

// New creates a Filter from tag maps. Either map may be nil.
func New(includeTags, excludeTags map[string]string) *Filter {
	return &Filter{
		includeTags: includeTags,
		excludeTags: excludeTags,
	}
}

// Parse builds a Filter from "key=value" pairs. A pair without "=" matches
// the key with an empty value. Comma separated lists are split.
func Parse(include, exclude []string) (*Filter, error) {
	in, err := parsePairs(include)
	if err != nil {
		return nil, err
	}
	ex, err := parsePairs(exclude)
	if err != nil {
		return nil, err
	}
	return New(in, ex), nil
}

func parsePairs(values []string) (map[string]string, error) {
	var out map[string]string
	for _, v := range values {
		for _, pair := range strings.Split(v, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			key, value, _ := strings.Cut(pair, "=")
			key = strings.TrimSpace(key)
			if key == "" {
				return nil, fmt.Errorf("invalid tag filter %q: empty key", pair)
			}
			if out == nil {
				out = make(map[string]string)
			}
			out[key] = strings.TrimSpace(value)
		}
	}
	return out, nil
}

// Matches returns true if the resource passes the tag filters.
func (f *Filter) Matches(r resource.Resource) bool {
	if f == nil {
		return true
	}

	// every include tag must match
	for k, v := range f.includeTags {
		got, ok := r.Tags[k]
		if !ok || got != v {
			return false
		}
	}

	// any exclude tag drops the resource
	for k, v := range f.excludeTags {
		if got, ok := r.Tags[k]; ok && got == v {
			return false
		}
	}

	return true
}

// Apply returns only resources that pass the filter.
func (f *Filter) Apply(resources []resource.Resource) []resource.Resource {
	if f.IsEmpty() {
		return resources
	}

	filtered := make([]resource.Resource, 0, len(resources))
	for _, r := range resources {
		if f.Matches(r) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// IsEmpty returns true if no tag filters are configured.
func (f *Filter) IsEmpty() bool {
	return f == nil || (len(f.includeTags) == 0 && len(f.excludeTags) == 0)
}

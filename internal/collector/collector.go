// Package collector defines the contract every service collector implements.
package collector

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/yairfalse/cartograph/pkg/resource"
)

// ReferenceRegion is the region used to call global services.
const ReferenceRegion = "us-east-1"

// Collector retrieves and normalizes resources of one service.
//
// Collect is called once per requested region for regional collectors and
// exactly once, with ReferenceRegion, for global collectors. It must be
// read-only against the remote side and return either the full result for
// the region or a single error. An empty result is not an error.
type Collector interface {
	Service() resource.Service
	Global() bool
	Collect(ctx context.Context, region string) ([]resource.Resource, error)
}

// Func is the signature of a collection function.
type Func func(ctx context.Context, region string) ([]resource.Resource, error)

type funcCollector struct {
	service resource.Service
	global  bool
	fn      Func
}

// New adapts fn into a Collector.
func New(service resource.Service, global bool, fn Func) Collector {
	return &funcCollector{service: service, global: global, fn: fn}
}

func (c *funcCollector) Service() resource.Service { return c.service }
func (c *funcCollector) Global() bool              { return c.global }

func (c *funcCollector) Collect(ctx context.Context, region string) ([]resource.Resource, error) {
	return c.fn(ctx, region)
}

// Regions returns the regions c must be invoked for.
func Regions(c Collector, requested []string) []string {
	if c.Global() {
		return []string{ReferenceRegion}
	}
	return requested
}

// Source supplies collectors for a run and owns the remote handles they use.
// Close releases those handles.
type Source interface {
	Collectors() []Collector
	Close() error
}

// Registry holds collectors keyed by service.
type Registry struct {
	mu         sync.RWMutex
	collectors map[resource.Service]Collector
	handles    []io.Closer
}

// NewRegistry creates a registry with the given collectors.
func NewRegistry(cs ...Collector) *Registry {
	r := &Registry{collectors: make(map[resource.Service]Collector)}
	for _, c := range cs {
		r.Register(c)
	}
	return r
}

// Register adds c, replacing any collector for the same service.
func (r *Registry) Register(c Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[c.Service()] = c
}

// Own ties the lifetime of h to the registry. Close releases it.
func (r *Registry) Own(h io.Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = append(r.handles, h)
}

// Get returns the collector for a service.
func (r *Registry) Get(s resource.Service) (Collector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collectors[s]
	return c, ok
}

// Collectors returns all collectors ordered by service.
func (r *Registry) Collectors() []Collector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Collector, 0, len(r.collectors))
	for _, c := range r.collectors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service() < out[j].Service() })
	return out
}

// Services returns the registered services in order.
func (r *Registry) Services() []resource.Service {
	cs := r.Collectors()
	out := make([]resource.Service, len(cs))
	for i, c := range cs {
		out[i] = c.Service()
	}
	return out
}

// Select returns a registry restricted to the given services, sharing this
// registry's handles. Services with no collector are reported as unknown.
func (r *Registry) Select(services []resource.Service) (*Registry, []resource.Service) {
	sub := NewRegistry()
	var unknown []resource.Service
	for _, s := range services {
		c, ok := r.Get(s)
		if !ok {
			unknown = append(unknown, s)
			continue
		}
		sub.Register(c)
	}
	r.mu.RLock()
	sub.handles = append(sub.handles, r.handles...)
	r.mu.RUnlock()
	return sub, unknown
}

// Close releases every owned handle.
func (r *Registry) Close() error {
	r.mu.Lock()
	handles := r.handles
	r.handles = nil
	r.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

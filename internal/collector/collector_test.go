package collector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cartograph/pkg/resource"
)

type countingCloser struct {
	closed int
	err    error
}

func (c *countingCloser) Close() error {
	c.closed++
	return c.err
}

func stub(service resource.Service, global bool) Collector {
	return New(service, global, func(_ context.Context, region string) ([]resource.Resource, error) {
		return []resource.Resource{resource.New(service, region, "arn:"+region, "")}, nil
	})
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(stub(resource.ServiceEC2, false))

	got, ok := r.Get(resource.ServiceEC2)
	require.True(t, ok)
	assert.Equal(t, resource.ServiceEC2, got.Service())

	_, ok = r.Get(resource.ServiceRDS)
	assert.False(t, ok)
}

func TestRegistry_CollectorsOrdered(t *testing.T) {
	r := NewRegistry(
		stub(resource.ServiceRoute53, true),
		stub(resource.ServiceEC2, false),
		stub(resource.ServiceELB, false),
	)

	assert.Equal(t, []resource.Service{resource.ServiceEC2, resource.ServiceELB, resource.ServiceRoute53}, r.Services())
}

func TestRegistry_RegisterOverwrites(t *testing.T) {
	r := NewRegistry(stub(resource.ServiceEC2, false), stub(resource.ServiceEC2, true))

	assert.Len(t, r.Collectors(), 1)
	c, _ := r.Get(resource.ServiceEC2)
	assert.True(t, c.Global())
}

func TestRegistry_Select(t *testing.T) {
	h := &countingCloser{}
	r := NewRegistry(stub(resource.ServiceEC2, false), stub(resource.ServiceRDS, false))
	r.Own(h)

	sub, unknown := r.Select([]resource.Service{resource.ServiceRDS, "nope"})

	assert.Equal(t, []resource.Service{resource.ServiceRDS}, sub.Services())
	assert.Equal(t, []resource.Service{"nope"}, unknown)

	require.NoError(t, sub.Close())
	assert.Equal(t, 1, h.closed)
}

func TestRegistry_CloseReleasesOnce(t *testing.T) {
	h := &countingCloser{err: errors.New("already closed")}
	r := NewRegistry()
	r.Own(h)

	assert.Error(t, r.Close())
	assert.NoError(t, r.Close())
	assert.Equal(t, 1, h.closed)
}

func TestRegions(t *testing.T) {
	requested := []string{"us-west-2", "eu-west-1"}

	assert.Equal(t, requested, Regions(stub(resource.ServiceEC2, false), requested))
	assert.Equal(t, []string{ReferenceRegion}, Regions(stub(resource.ServiceS3, true), requested))
}

func TestFuncCollector(t *testing.T) {
	c := stub(resource.ServiceEC2, false)

	got, err := c.Collect(context.Background(), "us-west-2")

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "us-west-2", got[0].Region)
}

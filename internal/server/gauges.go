package server

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/cartograph/storage"
)

// StatsReader is the slice of the store the inventory gauges observe.
type StatsReader interface {
	Stats(ctx context.Context) (storage.Stats, error)
}

// InventoryGauges exposes store contents as observable gauges. Values are
// read from the store on every collection, so a rescan by a separate
// inventory process shows up without restarting the server.
type InventoryGauges struct {
	reader StatsReader
	now    func() time.Time

	resources      metric.Int64ObservableGauge
	regionResource metric.Int64ObservableGauge
	ips            metric.Int64ObservableGauge
	oldestAge      metric.Float64ObservableGauge

	registration metric.Registration
}

// RegisterInventoryGauges creates the gauges on meter and registers a single
// callback that fills them from one Stats read.
func RegisterInventoryGauges(meter metric.Meter, reader StatsReader) (*InventoryGauges, error) {
	g := &InventoryGauges{reader: reader, now: time.Now}

	var err error
	g.resources, err = meter.Int64ObservableGauge(
		"cartograph.inventory.resources",
		metric.WithDescription("Inventoried resources by service"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create resources gauge: %w", err)
	}

	g.regionResource, err = meter.Int64ObservableGauge(
		"cartograph.inventory.region.resources",
		metric.WithDescription("Inventoried resources by region"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create region resources gauge: %w", err)
	}

	g.ips, err = meter.Int64ObservableGauge(
		"cartograph.inventory.ips",
		metric.WithDescription("Unique IP addresses in the index"),
		metric.WithUnit("{address}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ips gauge: %w", err)
	}

	g.oldestAge, err = meter.Float64ObservableGauge(
		"cartograph.inventory.oldest_collection_age",
		metric.WithDescription("Age of the least recently collected resource"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create oldest age gauge: %w", err)
	}

	g.registration, err = meter.RegisterCallback(g.observe, g.resources, g.regionResource, g.ips, g.oldestAge)
	if err != nil {
		return nil, fmt.Errorf("register inventory callback: %w", err)
	}
	return g, nil
}

func (g *InventoryGauges) observe(ctx context.Context, o metric.Observer) error {
	stats, err := g.reader.Stats(ctx)
	if err != nil {
		return fmt.Errorf("read inventory stats: %w", err)
	}

	for service, n := range stats.ByService {
		o.ObserveInt64(g.resources, int64(n), metric.WithAttributes(attribute.String("service", string(service))))
	}
	for region, n := range stats.ByRegion {
		o.ObserveInt64(g.regionResource, int64(n), metric.WithAttributes(attribute.String("cloud.region", region)))
	}
	o.ObserveInt64(g.ips, int64(stats.IPs))

	if !stats.Oldest.IsZero() {
		o.ObserveFloat64(g.oldestAge, g.now().Sub(stats.Oldest).Seconds())
	}
	return nil
}

// Unregister stops observing the store.
func (g *InventoryGauges) Unregister() error {
	if g.registration == nil {
		return nil
	}
	return g.registration.Unregister()
}

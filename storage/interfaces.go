package storage

import (
	"context"
	"time"

	"github.com/yairfalse/cartograph/pkg/resource"
)

// Writer persists collected resources. Upsert is the only write primitive
// an inventory run uses.
type Writer interface {
	Upsert(ctx context.Context, r resource.Resource) error
	UpsertBatch(ctx context.Context, resources []resource.Resource) error
	RecordRun(ctx context.Context, summary any) error
}

// Reader serves filtered and IP-indexed reads
type Reader interface {
	Query(ctx context.Context, filter Filter) ([]resource.Resource, error)
	LookupByIP(ctx context.Context, ip string) ([]resource.Resource, error)
	AllIPs(ctx context.Context) ([]IPEntry, error)
	Stats(ctx context.Context) (Stats, error)
}

// Pruner removes stale rows on explicit request.
type Pruner interface {
	Prune(ctx context.Context, filter Filter, before time.Time) (PruneResult, error)
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Close() error
}

// Storage is the complete storage interface combining all capabilities
type Storage interface {
	Writer
	Reader
	Pruner
	Lifecycle
}

var _ Storage = (*Store)(nil)

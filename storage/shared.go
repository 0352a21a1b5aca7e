package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yairfalse/cartograph/internal/fault"
	"github.com/yairfalse/cartograph/pkg/resource"
)

// ErrReadOnly is returned when a write reaches a read-only handle.
var ErrReadOnly = errors.New("inventory store opened read-only")

// Shared is a Storage that holds the bbolt file lock only for the duration
// of each call. A long-running serve and an inventory run in another
// process can then share one file: readers wait at most for one write
// transaction, never for a whole run.
//
// Within a process, writes are serialized and reads share the file.
type Shared struct {
	path string
	opts Options
	mu   sync.RWMutex
}

// OpenShared prepares a per-call handle on path. A writable handle creates
// the file and its buckets up front; a read-only one fails with
// ErrNotInitialized when no inventory exists yet.
func OpenShared(path string, opts Options) (*Shared, error) {
	s, err := Open(path, opts)
	if err != nil {
		return nil, err
	}
	if err := s.Close(); err != nil {
		return nil, fault.Store("close store", err)
	}
	return &Shared{path: path, opts: opts}, nil
}

// Path returns the file backing the store.
func (h *Shared) Path() string {
	return h.path
}

// Close is a no-op; no lock is held between calls.
func (h *Shared) Close() error {
	return nil
}

func (h *Shared) read(ctx context.Context, fn func(*Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, err := Open(h.path, Options{ReadOnly: true, Timeout: h.opts.Timeout})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return fn(s)
}

func (h *Shared) write(ctx context.Context, fn func(*Store) error) error {
	if h.opts.ReadOnly {
		return fault.Store("write", ErrReadOnly)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	s, err := Open(h.path, Options{Timeout: h.opts.Timeout})
	if err != nil {
		return err
	}
	err = fn(s)
	if cerr := s.Close(); cerr != nil && err == nil {
		err = fault.Store("close store", cerr)
	}
	return err
}

// Upsert opens the file for writing, upserts r and releases the lock.
func (h *Shared) Upsert(ctx context.Context, r resource.Resource) error {
	return h.UpsertBatch(ctx, []resource.Resource{r})
}

// UpsertBatch writes resources in one transaction under a short-lived lock.
func (h *Shared) UpsertBatch(ctx context.Context, resources []resource.Resource) error {
	return h.write(ctx, func(s *Store) error { return s.UpsertBatch(ctx, resources) })
}

// RecordRun stores the latest run summary under a short-lived lock.
func (h *Shared) RecordRun(ctx context.Context, summary any) error {
	return h.write(ctx, func(s *Store) error { return s.RecordRun(ctx, summary) })
}

// Prune deletes stale rows under a short-lived lock.
func (h *Shared) Prune(ctx context.Context, filter Filter, before time.Time) (PruneResult, error) {
	var out PruneResult
	err := h.write(ctx, func(s *Store) error {
		var err error
		out, err = s.Prune(ctx, filter, before)
		return err
	})
	return out, err
}

// Query reads matching resources under a shared lock.
func (h *Shared) Query(ctx context.Context, filter Filter) ([]resource.Resource, error) {
	var out []resource.Resource
	err := h.read(ctx, func(s *Store) error {
		var err error
		out, err = s.Query(ctx, filter)
		return err
	})
	return out, err
}

// LookupByIP reads the holders of ip under a shared lock.
func (h *Shared) LookupByIP(ctx context.Context, ip string) ([]resource.Resource, error) {
	var out []resource.Resource
	err := h.read(ctx, func(s *Store) error {
		var err error
		out, err = s.LookupByIP(ctx, ip)
		return err
	})
	return out, err
}

// AllIPs reads the IP index under a shared lock.
func (h *Shared) AllIPs(ctx context.Context) ([]IPEntry, error) {
	var out []IPEntry
	err := h.read(ctx, func(s *Store) error {
		var err error
		out, err = s.AllIPs(ctx)
		return err
	})
	return out, err
}

// Stats reads store counts under a shared lock.
func (h *Shared) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := h.read(ctx, func(s *Store) error {
		var err error
		out, err = s.Stats(ctx)
		return err
	})
	return out, err
}

// LastRun decodes the latest run summary under a shared lock.
func (h *Shared) LastRun(ctx context.Context, out any) (bool, error) {
	var ok bool
	err := h.read(ctx, func(s *Store) error {
		var err error
		ok, err = s.LastRun(ctx, out)
		return err
	})
	return ok, err
}

var _ Storage = (*Shared)(nil)

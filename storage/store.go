// Package storage persists canonical resources and their IP index in bbolt.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/cartograph/internal/fault"
	"github.com/yairfalse/cartograph/internal/telemetry"
	"github.com/yairfalse/cartograph/pkg/resource"
)

// Bucket names in bbolt
var (
	bucketResources = []byte("resources")
	bucketIPs       = []byte("ip_index")
	bucketMeta      = []byte("meta")
)

const (
	schemaVersion = "1"
	keySchema     = "schema_version"
	keyLastRun    = "last_run"
)

// ErrNotInitialized is returned when a read-only store has no inventory yet.
var ErrNotInitialized = errors.New("inventory store not initialized; run inventory first")

// Options configures how the store file is opened.
type Options struct {
	// ReadOnly opens the file with a shared lock so several readers can
	// coexist. The file must already exist.
	ReadOnly bool
	// Timeout bounds the wait for the file lock.
	Timeout time.Duration
}

// Store is a durable, upsert-only resource store with an IP index.
//
// Writes are serialized by bbolt's single writer lock; readers run in
// MVCC read transactions and never observe a partially applied upsert.
type Store struct {
	db     *bbolt.DB
	path   string
	logger *telemetry.Logger
}

// Open opens or creates the store at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}

	if opts.ReadOnly {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, fault.Store("open store", fmt.Errorf("%s: %w", path, ErrNotInitialized))
			}
			return nil, fault.Store("open store", err)
		}
	} else if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fault.Store("create store directory", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: opts.Timeout, ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, fault.Store("open store", fmt.Errorf("%s: %w", path, err))
	}

	if !opts.ReadOnly {
		if err := initBuckets(db); err != nil {
			_ = db.Close()
			return nil, fault.Store("initialize store", err)
		}
	}

	return &Store{db: db, path: path, logger: telemetry.NewLogger("storage")}, nil
}

func initBuckets(db *bbolt.DB) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketResources, bucketIPs, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get([]byte(keySchema)); v != nil && string(v) != schemaVersion {
			return fmt.Errorf("unsupported schema version %q", v)
		}
		return meta.Put([]byte(keySchema), []byte(schemaVersion))
	})
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts r or replaces the mutable fields of the existing row with
// the same identity, reconciling the IP index in the same transaction.
func (s *Store) Upsert(ctx context.Context, r resource.Resource) error {
	return s.UpsertBatch(ctx, []resource.Resource{r})
}

// UpsertBatch upserts all resources in one transaction: either every row is
// written or none is.
func (s *Store) UpsertBatch(ctx context.Context, resources []resource.Resource) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rows := make([]resource.Resource, 0, len(resources))
	for _, r := range resources {
		n, _ := r.Normalize()
		if err := n.Validate(); err != nil {
			return fault.Malformed("upsert", err)
		}
		rows = append(rows, n)
	}

	s.logger.LogBatchOperation(ctx, "upsert", len(rows))

	err := s.db.Update(func(tx *bbolt.Tx) error {
		res := tx.Bucket(bucketResources)
		idx := tx.Bucket(bucketIPs)
		for _, r := range rows {
			if err := upsertRow(res, idx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.LogStorageError(ctx, "upsert", err)
		return fault.Store("upsert", err)
	}
	return nil
}

func upsertRow(res, idx *bbolt.Bucket, r resource.Resource) error {
	key := r.Identity().Key()

	if prev := res.Get([]byte(key)); prev != nil {
		var old resource.Resource
		if err := json.Unmarshal(prev, &old); err != nil {
			return fmt.Errorf("decode %s: %w", r.Identity(), err)
		}
		for _, ip := range old.IPs {
			if err := idx.Delete(ipKey(ip, key)); err != nil {
				return fmt.Errorf("unindex %s: %w", ip, err)
			}
		}
	}

	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode %s: %w", r.Identity(), err)
	}
	if err := res.Put([]byte(key), value); err != nil {
		return fmt.Errorf("put %s: %w", r.Identity(), err)
	}

	for _, ip := range r.IPs {
		if err := idx.Put(ipKey(ip, key), []byte{}); err != nil {
			return fmt.Errorf("index %s: %w", ip, err)
		}
	}
	return nil
}

func deleteRow(res, idx *bbolt.Bucket, key []byte, r resource.Resource) error {
	for _, ip := range r.IPs {
		if err := idx.Delete(ipKey(ip, string(key))); err != nil {
			return fmt.Errorf("unindex %s: %w", ip, err)
		}
	}
	return res.Delete(key)
}

// RecordRun stores a summary of the latest inventory run.
func (s *Store) RecordRun(ctx context.Context, summary any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode run summary: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(keyLastRun), value)
	})
	if err != nil {
		return fault.Store("record run", err)
	}
	return nil
}

// LastRun decodes the latest run summary into out. It reports false when
// no run has been recorded.
func (s *Store) LastRun(ctx context.Context, out any) (bool, error) {
	var raw []byte
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return nil
		}
		if v := meta.Get([]byte(keyLastRun)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode run summary: %w", err)
	}
	return true, nil
}

// view runs fn in a read transaction after checking ctx.
func (s *Store) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.View(fn); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fault.Store("read", err)
	}
	return nil
}

func decode(v []byte) (resource.Resource, error) {
	var r resource.Resource
	if err := json.Unmarshal(v, &r); err != nil {
		return r, fmt.Errorf("decode resource: %w", err)
	}
	if r.Tags == nil {
		r.Tags = map[string]string{}
	}
	if r.Details == nil {
		r.Details = map[string]any{}
	}
	if r.IPs == nil {
		r.IPs = []string{}
	}
	return r, nil
}

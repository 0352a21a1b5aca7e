package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/cartograph/internal/fault"
	"github.com/yairfalse/cartograph/pkg/resource"
)

// checkEvery is how many rows a scan visits between context checks.
const checkEvery = 256

// resourceLess orders query results by service, region, name, then ARN.
func resourceLess(a, b resource.Resource) bool {
	if a.Service != b.Service {
		return a.Service < b.Service
	}
	if a.Region != b.Region {
		return a.Region < b.Region
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.ARN < b.ARN
}

func ipKey(ip, identityKey string) []byte {
	return []byte(ip + "\x00" + identityKey)
}

func splitIPKey(k []byte) (ip, identityKey string, err error) {
	i := bytes.IndexByte(k, 0)
	if i < 0 {
		return "", "", fmt.Errorf("malformed ip index key %q", k)
	}
	return string(k[:i]), string(k[i+1:]), nil
}

// Query returns every resource passing filter in stable order.
func (s *Store) Query(ctx context.Context, filter Filter) ([]resource.Resource, error) {
	tree := btree.NewG[resource.Resource](32, resourceLess)

	err := s.view(ctx, func(tx *bbolt.Tx) error {
		res := tx.Bucket(bucketResources)
		if res == nil {
			return nil
		}
		return scan(ctx, res, filter.prefixes(), func(_, v []byte) error {
			r, err := decode(v)
			if err != nil {
				return err
			}
			if filter.Matches(r) {
				tree.ReplaceOrInsert(r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	out := make([]resource.Resource, 0, tree.Len())
	tree.Ascend(func(r resource.Resource) bool {
		out = append(out, r)
		return true
	})
	return out, nil
}

// scan visits every key under the given prefixes, or the whole bucket when
// prefixes is nil.
func scan(ctx context.Context, b *bbolt.Bucket, prefixes [][]byte, fn func(k, v []byte) error) error {
	c := b.Cursor()
	n := 0
	visit := func(k, v []byte) error {
		n++
		if n%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		return fn(k, v)
	}

	if prefixes == nil {
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := visit(k, v); err != nil {
				return err
			}
		}
		return nil
	}

	for _, prefix := range prefixes {
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := visit(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// LookupByIP returns every resource currently holding ip, ordered by
// identity. An unmatched IP yields an empty slice.
func (s *Store) LookupByIP(ctx context.Context, ip string) ([]resource.Resource, error) {
	addr, err := resource.ParseIP(ip)
	if err != nil {
		return nil, fault.Malformed("lookup ip", err)
	}
	prefix := []byte(addr.String() + "\x00")

	out := []resource.Resource{}
	err = s.view(ctx, func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketIPs)
		res := tx.Bucket(bucketResources)
		if idx == nil || res == nil {
			return nil
		}
		c := idx.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			_, key, err := splitIPKey(k)
			if err != nil {
				return err
			}
			v := res.Get([]byte(key))
			if v == nil {
				return fmt.Errorf("ip index references missing resource %q", strings.ReplaceAll(key, "\x00", "/"))
			}
			r, err := decode(v)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Identity().Less(out[j].Identity()) })
	return out, nil
}

// AllIPs enumerates each indexed IP once, in numeric order, with the
// resource whose identity sorts first as its representative.
func (s *Store) AllIPs(ctx context.Context) ([]IPEntry, error) {
	type item struct {
		addr  netip.Addr
		entry IPEntry
	}
	tree := btree.NewG[item](32, func(a, b item) bool { return a.addr.Less(b.addr) })

	err := s.view(ctx, func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketIPs)
		res := tx.Bucket(bucketResources)
		if idx == nil || res == nil {
			return nil
		}

		// Index keys sort by ip, then identity key, so the first key seen
		// for an ip is its smallest identity.
		var current *item
		flush := func() {
			if current != nil {
				tree.ReplaceOrInsert(*current)
				current = nil
			}
		}

		err := scan(ctx, idx, nil, func(k, _ []byte) error {
			ip, key, err := splitIPKey(k)
			if err != nil {
				return err
			}
			if current != nil && current.entry.IP == ip {
				current.entry.Shared++
				return nil
			}
			flush()

			addr, err := netip.ParseAddr(ip)
			if err != nil {
				return fmt.Errorf("ip index holds invalid address %q: %w", ip, err)
			}
			v := res.Get([]byte(key))
			if v == nil {
				return fmt.Errorf("ip index references missing resource for %s", ip)
			}
			r, err := decode(v)
			if err != nil {
				return err
			}
			current = &item{addr: addr, entry: IPEntry{IP: ip, Resource: r, Shared: 1}}
			return nil
		})
		flush()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]IPEntry, 0, tree.Len())
	tree.Ascend(func(it item) bool {
		out = append(out, it.entry)
		return true
	})
	return out, nil
}

// Prune deletes resources passing filter whose collected_at predates
// before, together with their IP index entries. It is never invoked by an
// inventory run.
func (s *Store) Prune(ctx context.Context, filter Filter, before time.Time) (PruneResult, error) {
	result := PruneResult{Removed: []resource.Identity{}, Before: before}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if before.IsZero() {
		return result, fault.Malformed("prune", fmt.Errorf("cutoff time is required"))
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		res := tx.Bucket(bucketResources)
		idx := tx.Bucket(bucketIPs)

		type victim struct {
			key []byte
			r   resource.Resource
		}
		var victims []victim
		err := scan(ctx, res, filter.prefixes(), func(k, v []byte) error {
			r, err := decode(v)
			if err != nil {
				return err
			}
			if filter.Matches(r) && r.CollectedAt.Before(before) {
				victims = append(victims, victim{key: append([]byte(nil), k...), r: r})
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Deleting while iterating a bbolt cursor skips keys.
		for _, v := range victims {
			if err := deleteRow(res, idx, v.key, v.r); err != nil {
				return err
			}
			result.Removed = append(result.Removed, v.r.Identity())
		}
		return nil
	})
	if err != nil {
		result.Removed = []resource.Identity{}
		if ctx.Err() != nil {
			return result, err
		}
		s.logger.LogStorageError(ctx, "prune", err)
		return result, fault.Store("prune", err)
	}

	s.logger.LogBatchOperation(ctx, "prune", len(result.Removed))
	return result, nil
}

// Stats counts resources and indexed IPs.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		ByService: make(map[resource.Service]int),
		ByRegion:  make(map[string]int),
	}

	err := s.view(ctx, func(tx *bbolt.Tx) error {
		res := tx.Bucket(bucketResources)
		idx := tx.Bucket(bucketIPs)
		if res == nil || idx == nil {
			return nil
		}

		err := scan(ctx, res, nil, func(_, v []byte) error {
			r, err := decode(v)
			if err != nil {
				return err
			}
			stats.Resources++
			stats.ByService[r.Service]++
			stats.ByRegion[r.Region]++
			if r.CollectedAt.After(stats.Newest) {
				stats.Newest = r.CollectedAt
			}
			if stats.Oldest.IsZero() || r.CollectedAt.Before(stats.Oldest) {
				stats.Oldest = r.CollectedAt
			}
			return nil
		})
		if err != nil {
			return err
		}

		last := ""
		return scan(ctx, idx, nil, func(k, _ []byte) error {
			ip, _, err := splitIPKey(k)
			if err != nil {
				return err
			}
			if ip != last {
				stats.IPs++
				last = ip
			}
			return nil
		})
	})
	return stats, err
}

// Package memory is the in-memory value store of the DHT. Entries are not
// expired on read; the refresh loop enumerates them by age to republish and
// culls the ones past the horizon.
package memory

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/LumeraProtocol/ledgernode/p2p/kademlia/domain"
)

type entry struct {
	key        []byte
	value      domain.Value
	insertedAt time.Time
	// breaks insertedAt ties in insertion order
	seq uint64
}

// Store is a concurrency-safe key digest -> value map
type Store struct {
	mu      sync.RWMutex
	clock   clock.Clock
	entries map[string]*entry
	seq     uint64
}

// NewStore returns an empty store reading time from clk (wall clock if nil).
func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{clock: clk, entries: make(map[string]*entry)}
}

// Store overwrites the value of key and resets its age.
func (s *Store) Store(_ context.Context, key []byte, value domain.Value) error {
	if err := value.Validate(); err != nil {
		return err
	}
	v := value
	if v.Kind == domain.KindBytes {
		v.Bytes = append([]byte(nil), value.Bytes...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.entries[string(key)] = &entry{
		key:        append([]byte(nil), key...),
		value:      v,
		insertedAt: s.clock.Now(),
		seq:        s.seq,
	}
	return nil
}

// Retrieve returns the value of key.
func (s *Store) Retrieve(_ context.Context, key []byte) (domain.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[string(key)]
	if !ok {
		return domain.Value{}, false
	}
	return e.value, true
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key []byte) {
	s.mu.Lock()
	delete(s.entries, string(key))
	s.mu.Unlock()
}

// IterateOlderThan yields, oldest first, every entry for which
// now - insertedAt >= age. The set is captured when iteration starts, so the
// consumer may write to the store while iterating.
func (s *Store) IterateOlderThan(age time.Duration) iter.Seq2[[]byte, domain.Value] {
	return func(yield func([]byte, domain.Value) bool) {
		for _, e := range s.olderThan(age) {
			if !yield(e.key, e.value) {
				return
			}
		}
	}
}

func (s *Store) olderThan(age time.Duration) []entry {
	s.mu.RLock()
	now := s.clock.Now()
	out := make([]entry, 0, len(s.entries))
	for _, e := range s.entries {
		if now.Sub(e.insertedAt) >= age {
			out = append(out, *e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].insertedAt.Equal(out[j].insertedAt) {
			return out[i].insertedAt.Before(out[j].insertedAt)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Cull drops entries older than horizon.
func (s *Store) Cull(horizon time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	n := 0
	for k, e := range s.entries {
		if now.Sub(e.insertedAt) > horizon {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Count returns the number of entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stats returns the entry count and the age of the oldest entry.
func (s *Store) Stats(_ context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest time.Time
	size := 0
	for _, e := range s.entries {
		if oldest.IsZero() || e.insertedAt.Before(oldest) {
			oldest = e.insertedAt
		}
		size += len(e.key) + len(e.value.Str) + len(e.value.Bytes)
	}
	stats := map[string]interface{}{
		"record_count": len(s.entries),
		"approx_bytes": size,
	}
	if !oldest.IsZero() {
		stats["oldest_age"] = s.clock.Since(oldest).String()
	}
	return stats, nil
}

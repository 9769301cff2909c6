// Package memory provides a volatile persistence.Store. Rows do not survive a
// restart; the queue semantics are otherwise the same as the sqlite store.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Chichichkin/telemetry-agent/internal/logging"
	"github.com/Chichichkin/telemetry-agent/internal/persistence"
)

type row struct {
	id      int64
	log     *logging.Log
	pending bool
}

type Store struct {
	mu     sync.Mutex
	nextID int64
	groups map[string][]*row
	index  map[int64]string
}

var _ persistence.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		groups: make(map[string][]*row),
		index:  make(map[int64]string),
	}
}

func (s *Store) PutLog(_ context.Context, group string, log *logging.Log) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	r := &row{id: s.nextID, log: log.Clone()}
	s.groups[group] = append(s.groups[group], r)
	s.index[r.id] = group
	return r.id, nil
}

func (s *Store) NextBatch(_ context.Context, group string, limit int) (*persistence.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := &persistence.Batch{ID: uuid.New(), Group: group}
	for _, r := range s.groups[group] {
		if len(batch.IDs) >= limit {
			break
		}
		if r.pending {
			continue
		}
		r.pending = true
		batch.IDs = append(batch.IDs, r.id)
		batch.Logs = append(batch.Logs, r.log.Clone())
	}
	return batch, nil
}

func (s *Store) Delete(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]map[int64]struct{})
	for _, id := range ids {
		group, ok := s.index[id]
		if !ok {
			continue
		}
		if drop[group] == nil {
			drop[group] = make(map[int64]struct{})
		}
		drop[group][id] = struct{}{}
		delete(s.index, id)
	}

	for group, set := range drop {
		rows := s.groups[group]
		kept := rows[:0]
		for _, r := range rows {
			if _, gone := set[r.id]; !gone {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(s.groups, group)
			continue
		}
		s.groups[group] = kept
	}
	return nil
}

func (s *Store) ClearPending(_ context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.groups[group] {
		r.pending = false
	}
	return nil
}

func (s *Store) ClearPendingAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rows := range s.groups {
		for _, r := range rows {
			r.pending = false
		}
	}
	return nil
}

func (s *Store) Clear(_ context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.groups[group] {
		delete(s.index, r.id)
	}
	delete(s.groups, group)
	return nil
}

func (s *Store) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.groups = make(map[string][]*row)
	s.index = make(map[int64]string)
	return nil
}

func (s *Store) Count(_ context.Context, group string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups[group]), nil
}

// Pending returns the number of rows of the group currently marked pending.
func (s *Store) Pending(group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.groups[group] {
		if r.pending {
			n++
		}
	}
	return n
}

func (s *Store) Close() error { return nil }

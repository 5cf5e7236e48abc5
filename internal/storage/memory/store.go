// Package memory is an in-process sink and checkpoint store for tests and dry runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"ledgerstream/internal/domain"
	"ledgerstream/internal/storage"
)

type Store struct {
	mu          sync.Mutex
	records     map[string]storage.SinkRecord
	writes      int
	checkpoints map[string]domain.Checkpoint
	delay       time.Duration
	failOn      func(storage.SinkRecord) error
}

func NewStore() *Store {
	return &Store{records: map[string]storage.SinkRecord{}, checkpoints: map[string]domain.Checkpoint{}}
}

// WithDelay makes every upsert wait d or until ctx is done.
func (s *Store) WithDelay(d time.Duration) *Store {
	s.delay = d
	return s
}

// FailWhen makes Upsert return the error produced by fn, if any.
func (s *Store) FailWhen(fn func(storage.SinkRecord) error) *Store {
	s.failOn = fn
	return s
}

func (s *Store) Upsert(ctx context.Context, rec storage.SinkRecord) error {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failOn != nil {
		if err := s.failOn(rec); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key.String()] = rec
	s.writes++
	return nil
}

func (s *Store) Get(key storage.Key) (storage.SinkRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key.String()]
	return rec, ok
}

// Records returns all stored records ordered by key.
func (s *Store) Records() []storage.SinkRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]storage.SinkRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.records[k])
	}
	return out
}

// Writes counts successful upserts, including overwrites.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Store) GetCheckpoint(_ context.Context, shardID string) (domain.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[shardID]
	return cp, ok, nil
}

func (s *Store) PutCheckpoint(_ context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.checkpoints[cp.ShardID] = cp
	return nil
}

// Package memory provides an in-process results store for development and tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/cory-johannsen/jigsaw/internal/game/result"
)

// ErrRecordNotFound is returned when a record lookup yields no results.
var ErrRecordNotFound = errors.New("record not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("results store closed")

// ResultsStore keeps records in memory. Records are lost on process exit.
// All methods are safe for concurrent use.
type ResultsStore struct {
	mu      sync.RWMutex
	records map[int64]result.Entry
	nextID  int64
	closed  bool
}

// NewResultsStore creates an empty store.
func NewResultsStore() *ResultsStore {
	return &ResultsStore{records: make(map[int64]result.Entry), nextID: 1}
}

// AddRecord stores e and returns its identifier.
//
// Postcondition: Returns a positive, strictly increasing id, or ErrClosed.
func (s *ResultsStore) AddRecord(_ context.Context, e result.Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	id := s.nextID
	s.nextID++
	s.records[id] = e
	return id, nil
}

// Record returns the record with the given id.
//
// Postcondition: Returns the Entry or ErrRecordNotFound.
func (s *ResultsStore) Record(_ context.Context, id int64) (result.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[id]
	if !ok {
		return result.Entry{}, ErrRecordNotFound
	}
	return e, nil
}

// TopRecords returns at most result.TopLimit records in leaderboard order.
func (s *ResultsStore) TopRecords(_ context.Context) ([]result.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	all := make([]result.Entry, 0, len(s.records))
	for _, e := range s.records {
		all = append(all, e)
	}
	return result.Top(all), nil
}

// Len returns the number of stored records.
func (s *ResultsStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close marks the store closed. It is idempotent.
func (s *ResultsStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

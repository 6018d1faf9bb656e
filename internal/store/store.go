// Package store provides storage backends for CallPipe call records.
//
// Only call outcomes are persisted. Conversation transcripts live in memory
// for the duration of a call and are never written to storage.
package store

import (
	"sync"

	"github.com/BTreeMap/CallPipe/internal/models"
)

// Store is the call record persistence interface.
type Store interface {
	AddCallRecord(record models.CallRecord) error
	GetCallRecords() ([]models.CallRecord, error)
	GetCallRecord(callID string) (*models.CallRecord, error)
	Close() error
}

// InMemoryStore is a simple in-memory store for call records.
type InMemoryStore struct {
	mu      sync.Mutex
	records []models.CallRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) AddCallRecord(r models.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].CallID == r.CallID {
			s.records[i] = r
			return nil
		}
	}
	s.records = append(s.records, r)
	return nil
}

func (s *InMemoryStore) GetCallRecords() ([]models.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CallRecord, len(s.records))
	copy(out, s.records)
	return out, nil
}

func (s *InMemoryStore) GetCallRecord(callID string) (*models.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].CallID == callID {
			r := s.records[i]
			return &r, nil
		}
	}
	return nil, models.ErrCallNotFound
}

func (s *InMemoryStore) Close() error {
	return nil
}

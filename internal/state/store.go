package state

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Store persists flow state between HTTP round-trips.
type Store interface {
	Get(id string) (*FlowState, error)
	Put(f *FlowState) error
	Delete(id string)
}

// MemoryStore is a mutex-guarded in-memory Store. Flows are kept in their
// serialized form so the JSON round-trip is exercised on every access.
type MemoryStore struct {
	mu    sync.RWMutex
	flows map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flows: make(map[string][]byte)}
}

func (s *MemoryStore) Get(id string) (*FlowState, error) {
	s.mu.RLock()
	data, ok := s.flows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var f FlowState
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode flow state %s: %w", id, err)
	}
	return &f, nil
}

func (s *MemoryStore) Put(f *FlowState) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode flow state %s: %w", f.ID, err)
	}
	s.mu.Lock()
	s.flows[f.ID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	delete(s.flows, id)
	s.mu.Unlock()
}

// Package storage implements the abstract key→bytes substrate every
// other subsystem persists through: put/get/delete/exists, prefix
// listing, JSON typed helpers, and atomic compare-and-swap.
package storage

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"

	"github.com/icn-network/icn-node/internal/icnerr"
)

// Store is the key→bytes substrate every subsystem persists through.
// Implementations must serialize per-key writes: once a Put returns, a
// subsequent Get for that key observes it.
type Store interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Exists(key []byte) (bool, error)
	// List returns keys with the given prefix in ascending order.
	List(prefix []byte) ([][]byte, error)
	// CAS atomically replaces key's value with newValue only if the
	// current value equals expected (nil expected means "key absent").
	CAS(key []byte, expected, newValue []byte) (bool, error)
	Close() error
}

// PutJSON marshals v and stores it under key.
func PutJSON(s Store, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return icnerr.Wrap(icnerr.Storage, "marshal value", err)
	}
	if err := s.Put(key, raw); err != nil {
		return err
	}
	return nil
}

// GetJSON loads the value under key and unmarshals it into v.
func GetJSON(s Store, key []byte, v any) error {
	raw, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return icnerr.Wrap(icnerr.Storage, "unmarshal value", err)
	}
	return nil
}

// MemoryStore is an in-process Store backed by a map under a single
// RWMutex. It backs tests and the --mem node mode.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), value...)
	m.data[string(key)] = cp
	return nil
}

func (m *MemoryStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, icnerr.New(icnerr.NotFound, "key not found")
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemoryStore) Exists(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *MemoryStore) List(prefix []byte) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out [][]byte
	for k := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			out = append(out, []byte(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out, nil
}

func (m *MemoryStore) CAS(key, expected, newValue []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[string(key)]
	if expected == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || !bytes.Equal(cur, expected) {
			return false, nil
		}
	}
	m.data[string(key)] = append([]byte(nil), newValue...)
	return true, nil
}

func (m *MemoryStore) Close() error { return nil }

package storage

import (
	"sync"
)

// MemoryStore keeps state in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	keys      map[string]AuthKeyRecord
	salts     map[string][]SaltRecord
	highWater map[string]int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:      make(map[string]AuthKeyRecord),
		salts:     make(map[string][]SaltRecord),
		highWater: make(map[string]int64),
	}
}

// LoadAuthKey implements Store.
func (m *MemoryStore) LoadAuthKey(endpoint string) (*AuthKeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keys[endpoint]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Key = append([]byte(nil), rec.Key...)
	return &rec, nil
}

// SaveAuthKey implements Store.
func (m *MemoryStore) SaveAuthKey(endpoint string, rec *AuthKeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.Key = append([]byte(nil), rec.Key...)
	m.keys[endpoint] = cp
	return nil
}

// DeleteAuthKey implements Store.
func (m *MemoryStore) DeleteAuthKey(endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, endpoint)
	return nil
}

// LoadSalts implements Store.
func (m *MemoryStore) LoadSalts(endpoint string) ([]SaltRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SaltRecord(nil), m.salts[endpoint]...), nil
}

// SaveSalts implements Store.
func (m *MemoryStore) SaveSalts(endpoint string, salts []SaltRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.salts[endpoint] = append([]SaltRecord(nil), salts...)
	return nil
}

// LoadHighWater implements Store.
func (m *MemoryStore) LoadHighWater(endpoint string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highWater[endpoint], nil
}

// SaveHighWater implements Store.
func (m *MemoryStore) SaveHighWater(endpoint string, msgID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msgID > m.highWater[endpoint] {
		m.highWater[endpoint] = msgID
	}
	return nil
}

// Forget implements Store.
func (m *MemoryStore) Forget(endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, endpoint)
	delete(m.salts, endpoint)
	delete(m.highWater, endpoint)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

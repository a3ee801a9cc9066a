package sessionstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory keeps sessions in process memory. It suits stdio and in-process servers, or a
// single HTTP replica.
type Memory struct {
	mu      sync.Mutex
	entries map[uuid.UUID]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	data    []byte
	written time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory(ttl time.Duration, opts ...Option) *Memory {
	cfg := applyOptions(opts)
	return &Memory{
		entries: make(map[uuid.UUID]memoryEntry),
		ttl:     ttlOrDefault(ttl),
		now:     cfg.now,
	}
}

// Read implements mcp.SessionStore.
func (m *Memory) Read(_ context.Context, id uuid.UUID) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, false, nil
	}
	if m.expired(e) {
		delete(m.entries, id)
		return nil, false, nil
	}
	data := make([]byte, len(e.data))
	copy(data, e.data)
	return data, true, nil
}

// Write implements mcp.SessionStore.
func (m *Memory) Write(_ context.Context, id uuid.UUID, data []byte) error {
	stored := make([]byte, len(data))
	copy(stored, data)

	m.mu.Lock()
	m.entries[id] = memoryEntry{data: stored, written: m.now()}
	m.mu.Unlock()
	return nil
}

// Destroy implements mcp.SessionStore.
func (m *Memory) Destroy(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

// Exists implements mcp.SessionStore.
func (m *Memory) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	_, ok, err := m.Read(ctx, id)
	return ok, err
}

// GC implements mcp.SessionStore.
func (m *Memory) GC(context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted []uuid.UUID
	for id, e := range m.entries {
		if m.expired(e) {
			delete(m.entries, id)
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

// Len returns the number of stored sessions, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) expired(e memoryEntry) bool {
	return m.now().Sub(e.written) > m.ttl
}

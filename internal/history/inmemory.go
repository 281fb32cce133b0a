package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps the logs in process, capped per session to bound
// memory on long-lived kiosks.
type InMemoryStore struct {
	mu       sync.RWMutex
	cap      int
	switches map[string][]PersonaSwitchRecord
	calls    map[string][]FunctionCallRecord
}

func NewInMemoryStore(cap int) *InMemoryStore {
	if cap <= 0 {
		cap = 1000
	}
	return &InMemoryStore{
		cap:      cap,
		switches: make(map[string][]PersonaSwitchRecord),
		calls:    make(map[string][]FunctionCallRecord),
	}
}

func (s *InMemoryStore) SaveSwitch(_ context.Context, record PersonaSwitchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	arr := append(s.switches[record.SessionID], record)
	if over := len(arr) - s.cap; over > 0 {
		arr = append(arr[:0:0], arr[over:]...)
	}
	s.switches[record.SessionID] = arr
	return nil
}

func (s *InMemoryStore) SwitchesFor(_ context.Context, sessionID string, limit int) ([]PersonaSwitchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.switches[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]PersonaSwitchRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) SaveCall(_ context.Context, record FunctionCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	arr := append(s.calls[record.SessionID], record)
	if over := len(arr) - s.cap; over > 0 {
		arr = append(arr[:0:0], arr[over:]...)
	}
	s.calls[record.SessionID] = arr
	return nil
}

func (s *InMemoryStore) CallsFor(_ context.Context, sessionID string, limit int) ([]FunctionCallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.calls[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]FunctionCallRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) CallCount(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.calls[sessionID]), nil
}

func (s *InMemoryStore) Close() error { return nil }

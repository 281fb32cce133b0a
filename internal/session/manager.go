package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("session not found")
	ErrTerminal   = errors.New("session is in a terminal state")
	ErrTransition = errors.New("illegal state transition")
)

// Manager owns all session records for one engine instance.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Record
	idleTimeout time.Duration
	convCap     int
	onExpire    func(*Record)
}

func NewManager(idleTimeout time.Duration, conversationCap int) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	if conversationCap <= 0 {
		conversationCap = 200
	}
	return &Manager{
		sessions:    make(map[string]*Record),
		idleTimeout: idleTimeout,
		convCap:     conversationCap,
	}
}

// SetExpireHook registers the callback run when the janitor terminates an
// idle session. The hook runs outside the manager lock.
func (m *Manager) SetExpireHook(hook func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(personaID, voiceID string) *Record {
	now := time.Now().UTC()
	r := &Record{
		ID:             uuid.NewString(),
		PersonaID:      personaID,
		VoiceID:        voiceID,
		Status:         StatusCreating,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[r.ID] = r
	return clone(r)
}

func (m *Manager) Get(sessionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(r *Record) error {
		r.LastActivityAt = time.Now().UTC()
		return nil
	})
}

// SetState moves a session between live states. Terminal states are only
// reachable through Terminate and Fail.
func (m *Manager) SetState(sessionID string, next Status) error {
	return m.update(sessionID, func(r *Record) error {
		if r.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, r.Status)
		}
		if !legalTransition(r.Status, next) {
			return fmt.Errorf("%w: %s -> %s", ErrTransition, r.Status, next)
		}
		r.Status = next
		r.LastActivityAt = time.Now().UTC()
		return nil
	})
}

func legalTransition(from, to Status) bool {
	switch to {
	case StatusActive:
		return from == StatusCreating || from == StatusListening || from == StatusSpeaking || from == StatusActive
	case StatusListening, StatusSpeaking:
		return from.Connected()
	default:
		return false
	}
}

// SetPersona flips the active persona after a completed switch.
func (m *Manager) SetPersona(sessionID, personaID, voiceID string) error {
	return m.update(sessionID, func(r *Record) error {
		if r.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, r.Status)
		}
		r.PersonaID = personaID
		r.VoiceID = voiceID
		r.Counters.Switches++
		r.LastActivityAt = time.Now().UTC()
		return nil
	})
}

func (m *Manager) SetExpiresAt(sessionID string, at time.Time) error {
	return m.update(sessionID, func(r *Record) error {
		r.ExpiresAt = at
		return nil
	})
}

func (m *Manager) CountReconnect(sessionID string) error {
	return m.update(sessionID, func(r *Record) error {
		r.Counters.Reconnects++
		return nil
	})
}

func (m *Manager) CountInbound(sessionID string) error {
	return m.update(sessionID, func(r *Record) error {
		r.Counters.InboundMessages++
		r.LastActivityAt = time.Now().UTC()
		return nil
	})
}

func (m *Manager) CountFunctionCall(sessionID string) error {
	return m.update(sessionID, func(r *Record) error {
		r.Counters.FunctionCalls++
		r.LastActivityAt = time.Now().UTC()
		return nil
	})
}

// AppendConversation records a transcript entry, keeping the log capped.
func (m *Manager) AppendConversation(sessionID string, entry ConversationEntry) error {
	return m.update(sessionID, func(r *Record) error {
		if entry.At.IsZero() {
			entry.At = time.Now().UTC()
		}
		r.Conversation = append(r.Conversation, entry)
		if over := len(r.Conversation) - m.convCap; over > 0 {
			r.Conversation = append(r.Conversation[:0:0], r.Conversation[over:]...)
		}
		r.LastActivityAt = time.Now().UTC()
		return nil
	})
}

// Terminate is idempotent: terminating an already-terminal session keeps the
// first reason.
func (m *Manager) Terminate(sessionID, reason string) (*Record, error) {
	var out *Record
	err := m.update(sessionID, func(r *Record) error {
		if !r.Status.Terminal() {
			r.Status = StatusTerminated
			r.Reason = reason
			r.LastActivityAt = time.Now().UTC()
		}
		out = clone(r)
		return nil
	})
	return out, err
}

// Fail marks the session with the terminal error state.
func (m *Manager) Fail(sessionID, reason string) (*Record, error) {
	var out *Record
	err := m.update(sessionID, func(r *Record) error {
		if !r.Status.Terminal() {
			r.Status = StatusError
			r.Reason = reason
			r.LastActivityAt = time.Now().UTC()
		}
		out = clone(r)
		return nil
	})
	return out, err
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, r := range m.sessions {
		if !r.Status.Terminal() {
			count++
		}
	}
	return count
}

// StartJanitor terminates idle sessions in the background until ctx ends.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle()
			}
		}
	}()
}

func (m *Manager) expireIdle() {
	now := time.Now().UTC()
	var expired []*Record

	m.mu.Lock()
	for _, r := range m.sessions {
		if r.Status.Terminal() {
			continue
		}
		if now.Sub(r.LastActivityAt) < m.idleTimeout {
			continue
		}
		r.Status = StatusTerminated
		r.Reason = ReasonTimeout
		r.LastActivityAt = now
		expired = append(expired, clone(r))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, r := range expired {
			hook(r)
		}
	}
}

func (m *Manager) update(sessionID string, fn func(*Record) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	return fn(r)
}

func clone(r *Record) *Record {
	c := *r
	c.Conversation = append([]ConversationEntry(nil), r.Conversation...)
	return &c
}

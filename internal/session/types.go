package session

import "time"

type Status string

const (
	StatusCreating   Status = "creating"
	StatusActive     Status = "active"
	StatusListening  Status = "listening"
	StatusSpeaking   Status = "speaking"
	StatusTerminated Status = "terminated"
	StatusError      Status = "error"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusTerminated || s == StatusError
}

// Connected reports whether the session currently holds a live transport.
func (s Status) Connected() bool {
	switch s {
	case StatusActive, StatusListening, StatusSpeaking:
		return true
	default:
		return false
	}
}

// Termination reasons. "expired" is asynchronous credential expiry, distinct
// from caller-initiated teardown.
const (
	ReasonExpired    = "expired"
	ReasonShutdown   = "shutdown"
	ReasonTimeout    = "timeout"
	ReasonUserAction = "user_action"
)

type ConversationEntry struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Counters are per-session running totals kept on the record itself; the
// append-only switch and call logs live in the history store.
type Counters struct {
	InboundMessages int `json:"inbound_messages"`
	FunctionCalls   int `json:"function_calls"`
	Switches        int `json:"switches"`
	Reconnects      int `json:"reconnects"`
}

type Record struct {
	ID             string              `json:"session_id"`
	PersonaID      string              `json:"persona_id"`
	VoiceID        string              `json:"voice_id"`
	Status         Status              `json:"status"`
	Reason         string              `json:"reason,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	LastActivityAt time.Time           `json:"last_activity_at"`
	ExpiresAt      time.Time           `json:"expires_at,omitempty"`
	Conversation   []ConversationEntry `json:"conversation,omitempty"`
	Counters       Counters            `json:"counters"`
}

// CreateRequest defines the payload for creating a new session.
type CreateRequest struct {
	PersonaID string `json:"persona_id"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID      string    `json:"session_id"`
	Status         Status    `json:"status"`
	PersonaID      string    `json:"persona_id"`
	VoiceID        string    `json:"voice_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	IdleTTLMS      int64     `json:"idle_ttl_ms"`
}

package history

import (
	"context"
	"time"
)

// Strategy records how a persona switch was executed.
type Strategy string

const (
	StrategyInPlace   Strategy = "IN_PLACE"
	StrategyReconnect Strategy = "RECONNECT"
)

// PersonaSwitchRecord is one append-only entry in a session's switch log.
// Both successful and failed switches are recorded.
type PersonaSwitchRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	FromPersona string    `json:"from_persona"`
	ToPersona   string    `json:"to_persona"`
	Reason      string    `json:"reason"`
	Strategy    Strategy  `json:"strategy"`
	Succeeded   bool      `json:"succeeded"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// FunctionCallRecord is one append-only entry in a session's call log.
type FunctionCallRecord struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	CallID          string    `json:"call_id"`
	FunctionName    string    `json:"function_name"`
	Arguments       string    `json:"arguments"`
	Result          string    `json:"result,omitempty"`
	Success         bool      `json:"success"`
	ErrorCode       string    `json:"error_code,omitempty"`
	ExecutionTimeMS float64   `json:"execution_time_ms"`
	PersonaID       string    `json:"persona_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store persists the append-only switch and call logs.
type Store interface {
	SaveSwitch(ctx context.Context, record PersonaSwitchRecord) error
	SwitchesFor(ctx context.Context, sessionID string, limit int) ([]PersonaSwitchRecord, error)
	SaveCall(ctx context.Context, record FunctionCallRecord) error
	CallsFor(ctx context.Context, sessionID string, limit int) ([]FunctionCallRecord, error)
	CallCount(ctx context.Context, sessionID string) (int, error)
	Close() error
}

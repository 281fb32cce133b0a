package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists switch and call logs in PostgreSQL, for kiosks that
// need the audit trail to survive restarts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS persona_switches (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			from_persona TEXT NOT NULL,
			to_persona TEXT NOT NULL,
			reason TEXT NOT NULL,
			strategy TEXT NOT NULL,
			succeeded BOOLEAN NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_persona_switches_session ON persona_switches (session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS function_calls (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			function_name TEXT NOT NULL,
			arguments TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			success BOOLEAN NOT NULL,
			error_code TEXT NOT NULL DEFAULT '',
			execution_time_ms DOUBLE PRECISION NOT NULL,
			persona_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_function_calls_session ON function_calls (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSwitch(ctx context.Context, record PersonaSwitchRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO persona_switches (id, session_id, from_persona, to_persona, reason, strategy, succeeded, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.ID,
		record.SessionID,
		record.FromPersona,
		record.ToPersona,
		record.Reason,
		string(record.Strategy),
		record.Succeeded,
		record.Error,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save switch: %w", err)
	}
	return nil
}

func (s *PostgresStore) SwitchesFor(ctx context.Context, sessionID string, limit int) ([]PersonaSwitchRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, from_persona, to_persona, reason, strategy, succeeded, error, created_at
		 FROM persona_switches WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query switches: %w", err)
	}
	defer rows.Close()

	var out []PersonaSwitchRecord
	for rows.Next() {
		var r PersonaSwitchRecord
		var strategy string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.FromPersona, &r.ToPersona, &r.Reason, &strategy, &r.Succeeded, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan switch: %w", err)
		}
		r.Strategy = Strategy(strategy)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Oldest first, matching the in-memory store.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) SaveCall(ctx context.Context, record FunctionCallRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO function_calls (id, session_id, call_id, function_name, arguments, result, success, error_code, execution_time_ms, persona_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		record.ID,
		record.SessionID,
		record.CallID,
		record.FunctionName,
		record.Arguments,
		record.Result,
		record.Success,
		record.ErrorCode,
		record.ExecutionTimeMS,
		record.PersonaID,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save call: %w", err)
	}
	return nil
}

func (s *PostgresStore) CallsFor(ctx context.Context, sessionID string, limit int) ([]FunctionCallRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, call_id, function_name, arguments, result, success, error_code, execution_time_ms, persona_id, created_at
		 FROM function_calls WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var out []FunctionCallRecord
	for rows.Next() {
		var r FunctionCallRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.CallID, &r.FunctionName, &r.Arguments, &r.Result, &r.Success, &r.ErrorCode, &r.ExecutionTimeMS, &r.PersonaID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) CallCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM function_calls WHERE session_id=$1`,
		sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count calls: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

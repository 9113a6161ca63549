package calllog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/voicerelay/internal/session"
)

// Postgres persists call metrics in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_metrics (
			call_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL DEFAULT '',
			final_state TEXT NOT NULL DEFAULT '',
			end_reason TEXT NOT NULL DEFAULT '',
			fallback_triggered BOOLEAN NOT NULL DEFAULT FALSE,
			fallback_reason TEXT NOT NULL DEFAULT '',
			chunks_received BIGINT NOT NULL DEFAULT 0,
			chunks_sent BIGINT NOT NULL DEFAULT 0,
			buffer_underruns BIGINT NOT NULL DEFAULT 0,
			buffer_overruns BIGINT NOT NULL DEFAULT 0,
			interruptions INTEGER NOT NULL DEFAULT 0,
			reconnects INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			metrics JSONB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_metrics_started ON call_metrics (started_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *Postgres) LogCall(ctx context.Context, m session.CallMetrics) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode call metrics: %w", err)
	}
	var endedAt any
	if !m.EndedAt.IsZero() {
		endedAt = m.EndedAt
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO call_metrics (call_id, provider, final_state, end_reason, fallback_triggered, fallback_reason,
			chunks_received, chunks_sent, buffer_underruns, buffer_overruns, interruptions, reconnects,
			started_at, ended_at, metrics)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (call_id) DO UPDATE SET
			final_state = EXCLUDED.final_state,
			end_reason = EXCLUDED.end_reason,
			ended_at = EXCLUDED.ended_at,
			metrics = EXCLUDED.metrics`,
		m.CallID,
		m.Provider,
		m.FinalState,
		m.EndReason,
		m.FallbackTriggered,
		m.FallbackReason,
		int64(m.ChunksReceived),
		int64(m.ChunksSent),
		int64(m.BufferUnderruns),
		int64(m.BufferOverruns),
		m.Interruptions,
		m.Reconnects,
		m.StartedAt,
		endedAt,
		raw,
	)
	if err != nil {
		return fmt.Errorf("log call metrics: %w", err)
	}
	return nil
}

func (s *Postgres) Recent(ctx context.Context, limit int) ([]session.CallMetrics, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT metrics FROM call_metrics ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	items := make([]session.CallMetrics, 0, limit)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		var m session.CallMetrics
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode call row: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}
	return items, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

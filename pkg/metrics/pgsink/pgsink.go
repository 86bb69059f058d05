// Package pgsink persists folded usage summaries to PostgreSQL. The core
// runtime keeps no state of its own; this sink is the caller-owned
// aggregation layer for billing and capacity dashboards.
package pgsink

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cadenza-ai/cadenza/pkg/metrics"
)

// Store writes usage rows over a pgx connection pool. Safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and ensures the usage tables
// exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgsink: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgsink: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgsink: ping: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS usage_snapshots (
	id                    BIGSERIAL PRIMARY KEY,
	worker_id             TEXT        NOT NULL,
	job_id                TEXT        NOT NULL,
	recorded_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	llm_prompt_tokens     BIGINT      NOT NULL,
	llm_completion_tokens BIGINT      NOT NULL,
	tts_characters        BIGINT      NOT NULL,
	stt_audio_seconds     DOUBLE PRECISION NOT NULL,
	realtime_input_tokens  BIGINT     NOT NULL DEFAULT 0,
	realtime_output_tokens BIGINT     NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS usage_by_model (
	snapshot_id       BIGINT NOT NULL REFERENCES usage_snapshots(id) ON DELETE CASCADE,
	model             TEXT   NOT NULL,
	prompt_tokens     BIGINT NOT NULL,
	completion_tokens BIGINT NOT NULL,
	PRIMARY KEY (snapshot_id, model)
);
CREATE INDEX IF NOT EXISTS usage_snapshots_job_idx ON usage_snapshots (job_id, recorded_at);`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("pgsink: migrate: %w", err)
	}
	return nil
}

// WriteSnapshot persists one folded usage summary with its per-model
// breakdown.
func (s *Store) WriteSnapshot(ctx context.Context, workerID, jobID string, sum metrics.UsageSummary, byModel map[string]metrics.ModelUsage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgsink: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var snapshotID int64
	err = tx.QueryRow(ctx, `
INSERT INTO usage_snapshots
	(worker_id, job_id, llm_prompt_tokens, llm_completion_tokens, tts_characters,
	 stt_audio_seconds, realtime_input_tokens, realtime_output_tokens)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`,
		workerID, jobID,
		sum.LLMPromptTokens, sum.LLMCompletionTokens, sum.TTSCharactersCount,
		sum.STTAudioDurationSeconds, sum.RealtimeInputTokens, sum.RealtimeOutputTokens,
	).Scan(&snapshotID)
	if err != nil {
		return fmt.Errorf("pgsink: insert snapshot: %w", err)
	}

	for model, usage := range byModel {
		if _, err := tx.Exec(ctx, `
INSERT INTO usage_by_model (snapshot_id, model, prompt_tokens, completion_tokens)
VALUES ($1, $2, $3, $4)`,
			snapshotID, model, usage.PromptTokens, usage.CompletionTokens,
		); err != nil {
			return fmt.Errorf("pgsink: insert model usage: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// FlushLoop periodically snapshots the collector until ctx ends, writing a
// final snapshot on the way out.
func (s *Store) FlushLoop(ctx context.Context, workerID, jobID string, collector *metrics.UsageCollector, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.WriteSnapshot(ctx, workerID, jobID, collector.Summary(), collector.ByModel())
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.WriteSnapshot(flushCtx, workerID, jobID, collector.Summary(), collector.ByModel())
			cancel()
			return
		}
	}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

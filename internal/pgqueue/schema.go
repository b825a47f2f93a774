package pgqueue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationLockID serializes concurrent migrations from several processes.
const migrationLockID = 0x6f72636871

const notifyChannel = "orchq_done"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orchq_items (
		scope             TEXT        NOT NULL,
		fingerprint       TEXT        NOT NULL,
		definition        JSONB       NOT NULL,
		extra             JSONB,
		priority          BIGINT      NOT NULL,
		status            TEXT        NOT NULL,
		lease_holder      TEXT        NOT NULL DEFAULT '',
		last_heartbeat_ms BIGINT      NOT NULL DEFAULT 0,
		created_at_ms     BIGINT      NOT NULL,
		seq               BIGSERIAL,
		attempts          INTEGER     NOT NULL DEFAULT 0,
		orphan_timeout_ms BIGINT      NOT NULL,
		PRIMARY KEY (scope, fingerprint)
	)`,
	`CREATE INDEX IF NOT EXISTS orchq_items_pending
		ON orchq_items (scope, priority DESC, created_at_ms, seq)
		WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS orchq_items_deadline
		ON orchq_items (scope, (last_heartbeat_ms + orphan_timeout_ms))
		WHERE status = 'active'`,
	`CREATE TABLE IF NOT EXISTS orchq_results (
		scope       TEXT   NOT NULL,
		fingerprint TEXT   NOT NULL,
		outcome     JSONB  NOT NULL,
		expires_ms  BIGINT NOT NULL,
		PRIMARY KEY (scope, fingerprint)
	)`,
	`CREATE INDEX IF NOT EXISTS orchq_results_expiry ON orchq_results (scope, expires_ms)`,
	`CREATE SEQUENCE IF NOT EXISTS orchq_processing_seq`,
}

// Migrate creates the queue tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLockID)); err != nil {
			return err
		}
		for _, stmt := range schema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		return nil
	})
}

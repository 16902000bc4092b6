package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Schema contains all table definitions and migrations, applied in order.
// Amounts are unsigned 256-bit integers, which fit NUMERIC(78,0).
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_nodes (
		address TEXT PRIMARY KEY,
		slot INTEGER NOT NULL CHECK (slot >= 0),
		staked_amount NUMERIC(78,0) NOT NULL CHECK (staked_amount >= 0),
		registration_time BIGINT NOT NULL,
		last_reward_time BIGINT NOT NULL,
		reputation SMALLINT NOT NULL CHECK (reputation BETWEEN 0 AND 200),
		is_active BOOLEAN NOT NULL,
		ip_address TEXT NOT NULL,
		uptime BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_ledger_nodes_slot ON ledger_nodes(slot)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_nodes_active ON ledger_nodes(is_active)`,

	// Single-row aggregates
	`CREATE TABLE IF NOT EXISTS ledger_totals (
		id SMALLINT PRIMARY KEY CHECK (id = 1),
		total_nodes INTEGER NOT NULL,
		total_staked NUMERIC(78,0) NOT NULL,
		reward_pool NUMERIC(78,0) NOT NULL,
		event_seq BIGINT NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	`INSERT INTO ledger_totals (id, total_nodes, total_staked, reward_pool, event_seq)
		VALUES (1, 0, 0, 0, 0) ON CONFLICT (id) DO NOTHING`,

	// Append-only audit trail of committed events
	`CREATE TABLE IF NOT EXISTS ledger_events (
		seq BIGINT PRIMARY KEY,
		event_type TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		amount NUMERIC(78,0),
		descriptor TEXT NOT NULL DEFAULT '',
		reputation SMALLINT NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT false,
		event_time BIGINT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_ledger_events_address ON ledger_events(address, seq)`,

	// Funding accounts that attached value is collected from
	`CREATE TABLE IF NOT EXISTS ledger_balances (
		address TEXT PRIMARY KEY,
		balance NUMERIC(78,0) NOT NULL CHECK (balance >= 0),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	// Payout outbox, written with the transition and drained after commit
	`CREATE TABLE IF NOT EXISTS ledger_payouts (
		id TEXT PRIMARY KEY,
		seq BIGINT NOT NULL,
		recipient TEXT NOT NULL,
		amount NUMERIC(78,0) NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		sent_at TIMESTAMP WITH TIME ZONE
	)`,

	`CREATE INDEX IF NOT EXISTS idx_ledger_payouts_pending ON ledger_payouts(seq) WHERE sent_at IS NULL`,
}

// InitSchema applies every migration not yet recorded in schema_versions
func InitSchema(ctx context.Context, db Database) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS schema_versions (
				version INTEGER PRIMARY KEY,
				applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			)
		`)
		if err != nil {
			return fmt.Errorf("failed to create schema versions table: %w", err)
		}

		var currentVersion int
		err = tx.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&currentVersion)
		if err != nil {
			return fmt.Errorf("failed to get current schema version: %w", err)
		}

		for version, migration := range Schema {
			version++ // 1-based versioning
			if version > currentVersion {
				if _, err := tx.Exec(ctx, migration); err != nil {
					return fmt.Errorf("failed to apply migration %d: %w", version, err)
				}
				if _, err := tx.Exec(ctx, "INSERT INTO schema_versions (version) VALUES ($1)", version); err != nil {
					return fmt.Errorf("failed to record migration %d: %w", version, err)
				}
			}
		}

		return nil
	})
}

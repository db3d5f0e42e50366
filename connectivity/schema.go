package connectivity

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema defines the llm_routes table. One row per phase.
//
// Strategies:
//   - "local": in-process Handler registered via RegisterLocal.
//   - "http":  remote gateway via HTTPFactory.
//   - "noop":  phase disabled; calls fail with ErrRouteDisabled.
//
// Any write bumps PRAGMA data_version, which Watch polls.
const Schema = `
CREATE TABLE IF NOT EXISTS llm_routes (
    phase      TEXT PRIMARY KEY,
    strategy   TEXT NOT NULL CHECK(strategy IN ('local', 'http', 'noop')),
    endpoint   TEXT,
    provider   TEXT,
    model      TEXT,
    config     TEXT DEFAULT '{}',
    updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
`

// Init creates the llm_routes table if it doesn't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// UpsertRoute writes a route row. The next Watch tick picks it up.
func UpsertRoute(ctx context.Context, db *sql.DB, rt Route) error {
	cfg := string(rt.Config)
	if cfg == "" {
		cfg = "{}"
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO llm_routes (phase, strategy, endpoint, provider, model, config)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(phase) DO UPDATE SET
		   strategy = excluded.strategy,
		   endpoint = excluded.endpoint,
		   provider = excluded.provider,
		   model = excluded.model,
		   config = excluded.config,
		   updated_at = strftime('%s', 'now')`,
		rt.Phase, rt.Strategy, rt.Endpoint, rt.Provider, rt.Model, cfg)
	if err != nil {
		return fmt.Errorf("connectivity: upsert route %s: %w", rt.Phase, err)
	}
	return nil
}

package db

import "context"

// Schema creates the ledger tables. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS rollout_runs (
    id              TEXT PRIMARY KEY,
    input1          TEXT NOT NULL,
    input2          TEXT NOT NULL,
    destination     TEXT NOT NULL,
    init_time       TIMESTAMPTZ NOT NULL,
    status          TEXT NOT NULL CHECK (status IN ('running', 'succeeded', 'failed')),
    steps_completed INTEGER NOT NULL DEFAULT 0,
    failed_step     INTEGER,
    failed_stage    TEXT,
    error           TEXT,
    started_at      TIMESTAMPTZ NOT NULL,
    finished_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS rollout_steps (
    run_id     TEXT NOT NULL REFERENCES rollout_runs (id) ON DELETE CASCADE,
    step       INTEGER NOT NULL,
    stage      TEXT NOT NULL,
    valid_time TIMESTAMPTZ NOT NULL,
    location   TEXT NOT NULL,
    size_bytes BIGINT NOT NULL,
    digest     TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (run_id, step)
);

CREATE INDEX IF NOT EXISTS idx_rollout_runs_status ON rollout_runs (status, started_at);
`

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, db DBTX) error {
	_, err := db.Exec(ctx, Schema)
	return err
}

package postgres

import (
	"context"
	"fmt"
)

// schema is the full DDL, idempotent so startup can apply it unconditionally.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                 TEXT PRIMARY KEY,
    name               TEXT NOT NULL,
    status             TEXT NOT NULL,
    retry_count        INT NOT NULL DEFAULT 0,
    next_retry_at      TIMESTAMPTZ,
    completion_result  TEXT NOT NULL DEFAULT '',
    completion_failure TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status, created_at DESC);

CREATE TABLE IF NOT EXISTS tasks (
    id            TEXT NOT NULL,
    job_id        TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    name          TEXT NOT NULL,
    needs         TEXT[] NOT NULL DEFAULT '{}',
    agent_type    TEXT NOT NULL,
    run_cmd       TEXT NOT NULL DEFAULT '',
    queue         TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    attempt       INT NOT NULL DEFAULT 1,
    gate          TEXT NOT NULL DEFAULT '',
    var           TEXT NOT NULL DEFAULT '',
    output        BYTEA,
    result        TEXT NOT NULL DEFAULT '',
    failure       TEXT NOT NULL DEFAULT '',
    next_retry_at TIMESTAMPTZ,
    wake_at       TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (job_id, name)
);
CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status, created_at);

CREATE TABLE IF NOT EXISTS journal_entries (
    job_id          TEXT NOT NULL,
    task_name       TEXT NOT NULL,
    attempt         INT NOT NULL,
    entry_index     INT NOT NULL,
    op_type         TEXT NOT NULL,
    op_name         TEXT NOT NULL DEFAULT '',
    flags           SMALLINT NOT NULL DEFAULT 0,
    input           BYTEA,
    output          BYTEA,
    failure_code    TEXT NOT NULL DEFAULT '',
    failure_message TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at    TIMESTAMPTZ,
    PRIMARY KEY (job_id, task_name, attempt, entry_index),
    FOREIGN KEY (job_id, task_name) REFERENCES tasks (job_id, name) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS awakeables (
    id          TEXT PRIMARY KEY,
    job_id      TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    task_name   TEXT NOT NULL,
    entry_index INT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'PENDING',
    payload     BYTEA,
    timeout_at  TIMESTAMPTZ,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    resolved_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS awakeables_pending_timeout_idx
    ON awakeables (timeout_at) WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS awakeables_job_idx ON awakeables (job_id, created_at DESC);

CREATE TABLE IF NOT EXISTS entities (
    name     TEXT PRIMARY KEY,
    type     TEXT NOT NULL,
    handlers JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS object_state (
    entity TEXT NOT NULL,
    key    TEXT NOT NULL,
    field  TEXT NOT NULL,
    value  BYTEA,
    PRIMARY KEY (entity, key, field)
);

CREATE TABLE IF NOT EXISTS object_locks (
    entity      TEXT NOT NULL,
    key         TEXT NOT NULL,
    holder      TEXT NOT NULL,
    acquired_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (entity, key)
);

CREATE TABLE IF NOT EXISTS workflow_runs (
    entity       TEXT NOT NULL,
    workflow_id  TEXT NOT NULL,
    status       TEXT NOT NULL,
    result       BYTEA,
    holder       TEXT NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at TIMESTAMPTZ,
    PRIMARY KEY (entity, workflow_id)
);

CREATE TABLE IF NOT EXISTS workers (
    id             TEXT PRIMARY KEY,
    capabilities   TEXT[] NOT NULL DEFAULT '{}',
    max_slots      INT NOT NULL DEFAULT 1,
    active_slots   INT NOT NULL DEFAULT 0,
    last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT now(),
    registered_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS queue_tasks (
    job_id       TEXT NOT NULL,
    task_name    TEXT NOT NULL,
    queue        TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'QUEUED',
    claimed_by   TEXT NOT NULL DEFAULT '',
    heartbeat_at TIMESTAMPTZ,
    enqueued_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (job_id, task_name),
    FOREIGN KEY (job_id, task_name) REFERENCES tasks (job_id, name) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS queue_tasks_poll_idx
    ON queue_tasks (queue, enqueued_at) WHERE status = 'QUEUED';

CREATE TABLE IF NOT EXISTS events (
    id         BIGSERIAL PRIMARY KEY,
    job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    task_name  TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL,
    old_state  TEXT NOT NULL,
    new_state  TEXT NOT NULL,
    reason     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS events_job_idx ON events (job_id, id DESC);
`

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("op=store.migrate: %w", err)
	}
	return nil
}

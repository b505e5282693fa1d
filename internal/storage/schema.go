package storage

// schema creates the artifact tables the orchestrator writes. The
// operational data itself (sites, incidents, backups) lives in tables
// owned by the provisioning system; we only ever purge those by name.
const schema = `
CREATE TABLE IF NOT EXISTS retention_policy (
    id            TEXT PRIMARY KEY,
    table_name    TEXT NOT NULL UNIQUE,
    retention_days INTEGER NOT NULL CHECK (retention_days >= 1),
    enabled       BOOLEAN NOT NULL DEFAULT TRUE,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS purge_audit (
    id             TEXT PRIMARY KEY,
    table_name     TEXT NOT NULL,
    records_purged BIGINT NOT NULL,
    cutoff_date    TIMESTAMPTZ NOT NULL,
    dry_run        BOOLEAN NOT NULL,
    risk_level     TEXT NOT NULL,
    backup_id      TEXT,
    executed_by    TEXT NOT NULL,
    reason         TEXT,
    executed_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_purge_audit_table ON purge_audit(table_name);
CREATE INDEX IF NOT EXISTS idx_purge_audit_executed ON purge_audit(executed_at);

CREATE TABLE IF NOT EXISTS purge_backup (
    id         TEXT PRIMARY KEY,
    purge_id   TEXT NOT NULL,
    table_name TEXT NOT NULL,
    row_data   JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_purge_backup_purge ON purge_backup(purge_id);

CREATE TABLE IF NOT EXISTS audit_event (
    id          TEXT PRIMARY KEY,
    actor       TEXT NOT NULL,
    action      TEXT NOT NULL,
    resource    TEXT NOT NULL,
    resource_id TEXT,
    details     JSONB,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_event_created ON audit_event(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_event_action ON audit_event(action);
`

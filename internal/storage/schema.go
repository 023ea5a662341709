package storage

const schema = `
-- Subscriptions table
CREATE TABLE IF NOT EXISTS subscriptions (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    webhook_url TEXT NOT NULL DEFAULT '',
    secret TEXT NOT NULL DEFAULT '',
    signature_header TEXT NOT NULL DEFAULT '',
    display_name TEXT NOT NULL DEFAULT '',
    service_tag TEXT NOT NULL DEFAULT '',
    prompt TEXT NOT NULL DEFAULT '',
    gate_expr TEXT NOT NULL DEFAULT '',
    summary_expr TEXT NOT NULL DEFAULT '',
    one_shot INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'paused')),
    created_at TEXT NOT NULL,
    event_count INTEGER NOT NULL DEFAULT 0 CHECK(event_count >= 0)
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_session ON subscriptions(session_id);

-- Event audit log
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL,
    received_at TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '',
    verification_result TEXT NOT NULL CHECK(verification_result IN ('accepted', 'rejected')),
    injected INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (subscription_id) REFERENCES subscriptions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_events_subscription ON events(subscription_id);
CREATE INDEX IF NOT EXISTS idx_events_received ON events(received_at);

-- Queued deliveries awaiting a session to reappear
CREATE TABLE IF NOT EXISTS queued_events (
    id TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    framed_payload TEXT NOT NULL,
    enqueued_at TEXT NOT NULL,
    FOREIGN KEY (subscription_id) REFERENCES subscriptions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_queued_session ON queued_events(session_id, enqueued_at);

-- Applied schema migrations
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

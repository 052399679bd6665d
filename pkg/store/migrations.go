package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "memories: versioned facts with decay telemetry",
		SQL: `
CREATE TABLE memories (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    content        TEXT NOT NULL,
    category       TEXT NOT NULL CHECK (category IN ('fact', 'preference', 'event', 'relationship', 'insight')),
    memory_type    TEXT NOT NULL DEFAULT 'regular' CHECK (memory_type IN ('regular', 'static_profile', 'derived', 'superseded')),
    importance     INTEGER NOT NULL DEFAULT 5 CHECK (importance BETWEEN 1 AND 10),
    confidence     REAL NOT NULL DEFAULT 1.0,
    is_latest      INTEGER NOT NULL DEFAULT 1,
    document_date  INTEGER NOT NULL,
    event_date     INTEGER,

    prominence     REAL NOT NULL DEFAULT 1.0,
    last_accessed  INTEGER,
    access_count   INTEGER NOT NULL DEFAULT 0,
    archived_at    INTEGER,

    source_chunk   TEXT,
    embedding      BLOB,
    metadata       TEXT,

    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE INDEX idx_memories_user       ON memories(user_id, is_latest);
CREATE INDEX idx_memories_category   ON memories(user_id, category);
CREATE INDEX idx_memories_prominence ON memories(prominence DESC);
CREATE INDEX idx_memories_docdate    ON memories(document_date);
`,
	},
	{
		Version:     2,
		Description: "memory_relations: directed edges between entries",
		SQL: `
CREATE TABLE memory_relations (
    source_id      TEXT NOT NULL,
    target_id      TEXT NOT NULL,
    relation_type  TEXT NOT NULL CHECK (relation_type IN ('UPDATES', 'EXTENDS', 'DERIVES', 'RELATED')),
    confidence     REAL NOT NULL DEFAULT 1.0,
    created_at     INTEGER NOT NULL,

    PRIMARY KEY (source_id, target_id, relation_type),
    FOREIGN KEY (source_id) REFERENCES memories(id) ON DELETE CASCADE,
    FOREIGN KEY (target_id) REFERENCES memories(id) ON DELETE CASCADE
);

CREATE INDEX idx_relations_target ON memory_relations(target_id, relation_type);
`,
	},
	{
		Version:     3,
		Description: "scheduled_items: proactive triggers",
		SQL: `
CREATE TABLE scheduled_items (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    session_id       TEXT,
    source           TEXT NOT NULL CHECK (source IN ('agent', 'user')),
    type             TEXT NOT NULL,
    message          TEXT NOT NULL DEFAULT '',
    context          TEXT,
    dedup_key        TEXT,
    trigger_at       INTEGER NOT NULL,
    status           TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'fired', 'acted', 'dismissed', 'expired')),
    fired_at         INTEGER,
    source_memory_id TEXT,
    created_at       INTEGER NOT NULL
);

CREATE INDEX idx_scheduled_user_status ON scheduled_items(user_id, status, trigger_at);
CREATE INDEX idx_scheduled_due         ON scheduled_items(status, trigger_at);
CREATE INDEX idx_scheduled_dedup       ON scheduled_items(user_id, dedup_key);
`,
	},
	{
		Version:     4,
		Description: "sessions: conversational history",
		SQL: `
CREATE TABLE sessions (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    started_at     INTEGER NOT NULL,
    last_active_at INTEGER NOT NULL,
    ended_at       INTEGER,
    message_count  INTEGER NOT NULL DEFAULT 0,
    summarized     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_sessions_user    ON sessions(user_id, started_at DESC);
CREATE INDEX idx_sessions_active  ON sessions(last_active_at);

CREATE TABLE session_messages (
    id                INTEGER PRIMARY KEY,
    session_id        TEXT NOT NULL,
    user_id           TEXT NOT NULL,
    role              TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    content           TEXT NOT NULL,
    valence           REAL,
    arousal           REAL,
    affect_confidence REAL,
    created_at        INTEGER NOT NULL,

    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX idx_messages_session ON session_messages(session_id, created_at);
CREATE INDEX idx_messages_user    ON session_messages(user_id, created_at);

CREATE TABLE session_summaries (
    session_id  TEXT PRIMARY KEY,
    user_id     TEXT NOT NULL,
    summary     TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE INDEX idx_summaries_created ON session_summaries(created_at);
`,
	},
	{
		Version:     5,
		Description: "behavioral_patterns: per-user inferred signals",
		SQL: `
CREATE TABLE behavioral_patterns (
    user_id           TEXT PRIMARY KEY,
    trust_score       REAL,
    proactiveness     TEXT,
    data              TEXT NOT NULL DEFAULT '{}',
    updated_at        INTEGER NOT NULL
);
`,
	},
	{
		Version:     6,
		Description: "goals: deadline-bearing user goals",
		SQL: `
CREATE TABLE goals (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    title         TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed', 'abandoned')),
    parent_id     TEXT,
    due_date      INTEGER,
    created_at    INTEGER NOT NULL,
    completed_at  INTEGER,

    FOREIGN KEY (parent_id) REFERENCES goals(id) ON DELETE SET NULL
);

CREATE INDEX idx_goals_due ON goals(status, due_date);
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_versions (version, description) VALUES (?, ?)", m.Version, m.Description); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (db *DB) SchemaVersion() (int, error) {
	var v int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&v)
	return v, err
}

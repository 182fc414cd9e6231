// Package storage implements the persistent tier on embedded SQLite:
// embedding cache rows, conversation state and its dependents, and
// intervention tasks. Every write path is a single transaction.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the embedded store handle shared by the typed stores.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// migrations. Path ":memory:" yields an ephemeral store for tests.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite serializes writers; a single writer connection avoids
	// SQLITE_BUSY churn under concurrent load.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying handle.
func (db *DB) Close() error { return db.conn.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS embeddings (
	content_hash     TEXT PRIMARY KEY,
	vector           BLOB NOT NULL,
	model_id         TEXT NOT NULL,
	content_preview  TEXT,
	token_count      INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL,
	last_accessed_at TIMESTAMP NOT NULL,
	access_count     INTEGER NOT NULL DEFAULT 0,
	kind             TEXT,
	chunk_ordinal    INTEGER,
	doc_path         TEXT
);
CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model_id);
CREATE INDEX IF NOT EXISTS idx_embeddings_last_accessed ON embeddings(last_accessed_at);
CREATE INDEX IF NOT EXISTS idx_embeddings_access_count ON embeddings(access_count);
CREATE INDEX IF NOT EXISTS idx_embeddings_doc_path ON embeddings(doc_path);

CREATE TABLE IF NOT EXISTS conversation_states (
	conversation_id TEXT PRIMARY KEY,
	state           TEXT NOT NULL,
	archived        INTEGER NOT NULL DEFAULT 0,
	last_updated    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_states_updated ON conversation_states(last_updated);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversation_states(conversation_id),
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	token_count     INTEGER NOT NULL,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);

CREATE TABLE IF NOT EXISTS message_relevance (
	message_id      TEXT PRIMARY KEY REFERENCES messages(id),
	conversation_id TEXT NOT NULL REFERENCES conversation_states(conversation_id),
	relevance       TEXT NOT NULL,
	last_updated    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_relevance_conversation ON message_relevance(conversation_id);
CREATE INDEX IF NOT EXISTS idx_message_relevance_updated ON message_relevance(last_updated);

CREATE TABLE IF NOT EXISTS topics (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversation_states(conversation_id),
	topic           TEXT NOT NULL,
	last_mention    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_topics_conversation ON topics(conversation_id);
CREATE INDEX IF NOT EXISTS idx_topics_last_mention ON topics(last_mention);

CREATE TABLE IF NOT EXISTS summaries (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversation_states(conversation_id),
	summary         TEXT NOT NULL,
	covered_key     TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	UNIQUE(conversation_id, covered_key)
);
CREATE INDEX IF NOT EXISTS idx_summaries_conversation ON summaries(conversation_id);

CREATE TABLE IF NOT EXISTS topic_transitions (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversation_states(conversation_id),
	transition      TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_conversation ON topic_transitions(conversation_id);

CREATE TABLE IF NOT EXISTS memory_metrics (
	conversation_id TEXT NOT NULL REFERENCES conversation_states(conversation_id),
	metrics         TEXT NOT NULL,
	sampled_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_metrics_conversation ON memory_metrics(conversation_id);

CREATE TABLE IF NOT EXISTS conversation_archives (
	conversation_id TEXT PRIMARY KEY REFERENCES conversation_states(conversation_id),
	archive         TEXT NOT NULL,
	archived_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS intervention_tasks (
	id         TEXT PRIMARY KEY,
	task       TEXT NOT NULL,
	priority   TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_intervention_status ON intervention_tasks(status);
CREATE INDEX IF NOT EXISTS idx_intervention_created ON intervention_tasks(created_at);
`

func (db *DB) migrate() error {
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

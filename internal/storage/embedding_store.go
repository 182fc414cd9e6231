package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"rag-core/pkg/types"
)

// EmbeddingStore is the persistent tier of the embedding cache. Reads touch
// the access counters in the same transaction so counters never drift from
// what callers observed.
type EmbeddingStore struct {
	db *DB
}

// NewEmbeddingStore creates an EmbeddingStore over an open database.
func NewEmbeddingStore(db *DB) *EmbeddingStore {
	return &EmbeddingStore{db: db}
}

// Get fetches an entry by cache key and records the access. A missing key
// returns types.ErrCacheMiss.
func (s *EmbeddingStore) Get(ctx context.Context, key string) (*types.EmbeddingEntry, error) {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := scanEntry(tx.QueryRowContext(ctx, `
		SELECT content_hash, vector, model_id, content_preview, token_count,
		       created_at, last_accessed_at, access_count, kind, chunk_ordinal, doc_path
		FROM embeddings WHERE content_hash = ?`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrCacheMiss
		}
		return nil, fmt.Errorf("query embedding %s: %w", key, err)
	}

	entry.Touch(time.Now().UTC())
	if _, err := tx.ExecContext(ctx, `
		UPDATE embeddings SET last_accessed_at = ?, access_count = ? WHERE content_hash = ?`,
		entry.LastAccessedAt, entry.AccessCount, key); err != nil {
		return nil, fmt.Errorf("touch embedding %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit read tx: %w", err)
	}
	return entry, nil
}

// Put upserts an entry (write-through from tier 1). The whole write is one
// transaction so a cancelled put leaves no half-written row.
func (s *EmbeddingStore) Put(ctx context.Context, key string, entry *types.EmbeddingEntry) error {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ordinal interface{}
	if entry.ChunkOrdinal != nil {
		ordinal = *entry.ChunkOrdinal
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO embeddings (content_hash, vector, model_id, content_preview, token_count,
		                        created_at, last_accessed_at, access_count, kind, chunk_ordinal, doc_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			vector = excluded.vector,
			model_id = excluded.model_id,
			content_preview = excluded.content_preview,
			token_count = excluded.token_count,
			last_accessed_at = excluded.last_accessed_at,
			kind = excluded.kind,
			chunk_ordinal = excluded.chunk_ordinal,
			doc_path = excluded.doc_path`,
		key, encodeVector(entry.Vector), entry.ModelID, entry.ContentPreview, entry.TokenCount,
		entry.CreatedAt, entry.LastAccessedAt, entry.AccessCount, string(entry.Kind), ordinal, entry.DocPath,
	); err != nil {
		return types.NewError(types.ErrorCodePersistence, fmt.Sprintf("persist embedding %s", key), err)
	}

	if err := tx.Commit(); err != nil {
		return types.NewError(types.ErrorCodePersistence, "commit embedding write", err)
	}
	return nil
}

// Delete removes an entry.
func (s *EmbeddingStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.conn.ExecContext(ctx, `DELETE FROM embeddings WHERE content_hash = ?`, key); err != nil {
		return types.NewError(types.ErrorCodePersistence, fmt.Sprintf("delete embedding %s", key), err)
	}
	return nil
}

// TopAccessed returns the most popular entries for warm-up, ordered by
// access count then recency.
func (s *EmbeddingStore) TopAccessed(ctx context.Context, minAccess int64, limit int) ([]*types.EmbeddingEntry, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT content_hash, vector, model_id, content_preview, token_count,
		       created_at, last_accessed_at, access_count, kind, chunk_ordinal, doc_path
		FROM embeddings
		WHERE access_count >= ?
		ORDER BY access_count DESC, last_accessed_at DESC
		LIMIT ?`, minAccess, limit)
	if err != nil {
		return nil, fmt.Errorf("query top-accessed embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectEntries(rows)
}

// ByDocPath returns entries for one document's chunks, for per-document
// warm-up.
func (s *EmbeddingStore) ByDocPath(ctx context.Context, docPath string, limit int) ([]*types.EmbeddingEntry, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT content_hash, vector, model_id, content_preview, token_count,
		       created_at, last_accessed_at, access_count, kind, chunk_ordinal, doc_path
		FROM embeddings
		WHERE doc_path = ?
		ORDER BY chunk_ordinal ASC
		LIMIT ?`, docPath, limit)
	if err != nil {
		return nil, fmt.Errorf("query embeddings for %s: %w", docPath, err)
	}
	defer func() { _ = rows.Close() }()
	return collectEntries(rows)
}

// Count returns the number of persisted entries.
func (s *EmbeddingStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*types.EmbeddingEntry, error) {
	var (
		entry   types.EmbeddingEntry
		vector  []byte
		kind    sql.NullString
		ordinal sql.NullInt64
		docPath sql.NullString
		preview sql.NullString
	)
	if err := row.Scan(&entry.ContentHash, &vector, &entry.ModelID, &preview, &entry.TokenCount,
		&entry.CreatedAt, &entry.LastAccessedAt, &entry.AccessCount, &kind, &ordinal, &docPath); err != nil {
		return nil, err
	}
	entry.Vector = decodeVector(vector)
	entry.ContentPreview = preview.String
	entry.Kind = types.ChunkKind(kind.String)
	entry.DocPath = docPath.String
	if ordinal.Valid {
		o := int(ordinal.Int64)
		entry.ChunkOrdinal = &o
	}
	return &entry, nil
}

func collectEntries(rows *sql.Rows) ([]*types.EmbeddingEntry, error) {
	var out []*types.EmbeddingEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan embedding row: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// encodeVector packs float32s little-endian so vectors round-trip
// binary-equal.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

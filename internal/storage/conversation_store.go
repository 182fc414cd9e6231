package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"rag-core/pkg/types"
)

// ConversationWrite is one atomic mutation of a conversation: the state
// record plus every dependent row the mutation touches.
type ConversationWrite struct {
	State       *types.ConversationState
	Messages    []*types.Message
	Relevance   []*types.MessageRelevance
	Topics      []*types.ConversationTopic
	Summaries   []*types.ConversationSummary
	Transitions []*types.TopicTransition
	Metrics     *types.MemoryMetrics
	Archive     *types.ConversationArchive
}

// ConversationStore persists conversation state and its dependents. Every
// Apply is a single transaction.
type ConversationStore struct {
	db *DB
}

// NewConversationStore creates a ConversationStore over an open database.
func NewConversationStore(db *DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// Apply writes the whole mutation atomically. Summary inserts are idempotent
// per covered message-set: duplicates are ignored.
func (s *ConversationStore) Apply(ctx context.Context, w *ConversationWrite) error {
	if w.State == nil {
		return errors.New("conversation write requires a state record")
	}

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.NewError(types.ErrorCodePersistence, "begin conversation tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	convID := w.State.ConversationID

	stateJSON, err := json.Marshal(w.State)
	if err != nil {
		return fmt.Errorf("marshal conversation state: %w", err)
	}
	archived := 0
	if w.State.Archived {
		archived = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_states (conversation_id, state, archived, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			state = excluded.state, archived = excluded.archived, last_updated = excluded.last_updated`,
		convID, stateJSON, archived, now); err != nil {
		return types.NewError(types.ErrorCodePersistence, "persist conversation state", err)
	}

	for _, m := range w.Messages {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages (id, conversation_id, role, content, token_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, convID, string(m.Role), m.Content, m.TokenCount, m.CreatedAt); err != nil {
			return types.NewError(types.ErrorCodePersistence, "persist message", err)
		}
	}

	for _, r := range w.Relevance {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal relevance: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_relevance (message_id, conversation_id, relevance, last_updated)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(message_id) DO UPDATE SET relevance = excluded.relevance, last_updated = excluded.last_updated`,
			r.MessageID, convID, data, now); err != nil {
			return types.NewError(types.ErrorCodePersistence, "persist message relevance", err)
		}
	}

	for _, t := range w.Topics {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal topic: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO topics (id, conversation_id, topic, last_mention)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET topic = excluded.topic, last_mention = excluded.last_mention`,
			t.ID, convID, data, t.LastMention); err != nil {
			return types.NewError(types.ErrorCodePersistence, "persist topic", err)
		}
	}

	for _, sum := range w.Summaries {
		data, err := json.Marshal(sum)
		if err != nil {
			return fmt.Errorf("marshal summary: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO summaries (id, conversation_id, summary, covered_key, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			sum.ID, convID, data, coveredKey(sum.CoveredMessageIDs), sum.CreatedAt); err != nil {
			return types.NewError(types.ErrorCodePersistence, "persist summary", err)
		}
	}

	for _, tr := range w.Transitions {
		data, err := json.Marshal(tr)
		if err != nil {
			return fmt.Errorf("marshal transition: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO topic_transitions (id, conversation_id, transition, created_at)
			VALUES (?, ?, ?, ?)`,
			tr.ID, convID, data, tr.CreatedAt); err != nil {
			return types.NewError(types.ErrorCodePersistence, "persist topic transition", err)
		}
	}

	if w.Metrics != nil {
		data, err := json.Marshal(w.Metrics)
		if err != nil {
			return fmt.Errorf("marshal memory metrics: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_metrics (conversation_id, metrics, sampled_at) VALUES (?, ?, ?)`,
			convID, data, w.Metrics.SampledAt); err != nil {
			return types.NewError(types.ErrorCodePersistence, "persist memory metrics", err)
		}
	}

	if w.Archive != nil {
		data, err := json.Marshal(w.Archive)
		if err != nil {
			return fmt.Errorf("marshal conversation archive: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_archives (conversation_id, archive, archived_at)
			VALUES (?, ?, ?)`,
			convID, data, w.Archive.ArchivedAt); err != nil {
			return types.NewError(types.ErrorCodePersistence, "persist conversation archive", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return types.NewError(types.ErrorCodePersistence, "commit conversation tx", err)
	}
	return nil
}

// LoadState fetches a conversation state; missing conversations return
// (nil, nil).
func (s *ConversationStore) LoadState(ctx context.Context, conversationID string) (*types.ConversationState, error) {
	var data []byte
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT state FROM conversation_states WHERE conversation_id = ?`, conversationID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	var state types.ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", conversationID, err)
	}
	return &state, nil
}

// LoadMessages fetches messages by id, preserving the requested order.
func (s *ConversationStore) LoadMessages(ctx context.Context, ids []string) ([]types.Message, error) {
	out := make([]types.Message, 0, len(ids))
	for _, id := range ids {
		var m types.Message
		var role string
		err := s.db.conn.QueryRowContext(ctx, `
			SELECT id, conversation_id, role, content, token_count, created_at
			FROM messages WHERE id = ?`, id).
			Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.TokenCount, &m.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load message %s: %w", id, err)
		}
		m.Role = types.MessageRole(role)
		out = append(out, m)
	}
	return out, nil
}

// LoadRelevance fetches every relevance record of a conversation.
func (s *ConversationStore) LoadRelevance(ctx context.Context, conversationID string) (map[string]*types.MessageRelevance, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT relevance FROM message_relevance WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load relevance for %s: %w", conversationID, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]*types.MessageRelevance)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan relevance row: %w", err)
		}
		var r types.MessageRelevance
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode relevance row: %w", err)
		}
		out[r.MessageID] = &r
	}
	return out, rows.Err()
}

// LoadTopics fetches every topic of a conversation, most recent first.
func (s *ConversationStore) LoadTopics(ctx context.Context, conversationID string) ([]*types.ConversationTopic, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT topic FROM topics WHERE conversation_id = ? ORDER BY last_mention DESC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load topics for %s: %w", conversationID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.ConversationTopic
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan topic row: %w", err)
		}
		var t types.ConversationTopic
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("decode topic row: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// LoadSummaries fetches a conversation's summaries, most recent first.
func (s *ConversationStore) LoadSummaries(ctx context.Context, conversationID string, limit int) ([]*types.ConversationSummary, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT summary FROM summaries WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("load summaries for %s: %w", conversationID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.ConversationSummary
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		var sum types.ConversationSummary
		if err := json.Unmarshal(data, &sum); err != nil {
			return nil, fmt.Errorf("decode summary row: %w", err)
		}
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// coveredKey derives the idempotence key for a summary's message-set: the
// same set always yields the same key regardless of order.
func coveredKey(messageIDs []string) string {
	sorted := make([]string, len(messageIDs))
	copy(sorted, messageIDs)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "|")))
	return hex.EncodeToString(sum[:])
}

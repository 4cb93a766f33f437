// Package store persists the latest known state of every chat message.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/leonletto/tldrer/internal/metrics"
	"github.com/leonletto/tldrer/internal/schema"
	"github.com/leonletto/tldrer/internal/types"
)

// DefaultLimit caps GetMessages when the window sets no limit.
const DefaultLimit = 250

// Window narrows GetMessages. Since and Before are exclusive bounds; zero
// means unbounded.
type Window struct {
	Since  int64
	Before int64
	Limit  int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Store is the message store. Writes are serialized; reads run concurrently.
type Store struct {
	db      *DB
	mu      sync.Mutex
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// Open opens (creating and migrating as needed) the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := schema.OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := schema.Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return New(db, opts...), nil
}

// New wraps an already-migrated database.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: NewDB(db), log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Apply mutates the store according to the event kind. The whole mutation
// runs in one transaction; on failure nothing is changed.
func (s *Store) Apply(ctx context.Context, ev types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		switch e := ev.(type) {
		case types.NewMessage:
			return upsertMessage(ctx, tx, e)
		case types.Edit:
			return upsertMessage(ctx, tx, e.NewMessage)
		case types.ReactionAdd:
			return applyReactionAdd(ctx, tx, e)
		case types.ReactionRemove:
			return applyReactionRemove(ctx, tx, e)
		case types.RemoteDelete:
			return applyRemoteDelete(ctx, tx, e)
		default:
			return fmt.Errorf("unsupported event %T", ev)
		}
	})
	if err != nil {
		s.metrics.StoreFailure()
		s.log.Error().Err(err).Str("kind", string(ev.Kind())).
			Int64("timestamp", ev.EventHeader().Timestamp).Msg("Store mutation rolled back")
		return fmt.Errorf("apply %s: %w", ev.Kind(), err)
	}
	s.metrics.EventApplied(string(ev.Kind()))
	return nil
}

// upsertMessage replaces any row with the same timestamp.
func upsertMessage(ctx context.Context, tx *sql.Tx, m types.NewMessage) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages (
			timestamp, source_number, source_name, conversation_number, message,
			from_self, from_bot, quote_id, quote_text, reaction_emoji,
			reaction_target, attachments_info
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)
	`,
		m.Timestamp,
		m.SenderID,
		m.SenderName,
		m.ConversationID,
		nullString(m.Text),
		boolToInt(m.FromSelf),
		boolToInt(m.FromBot),
		nullInt64(m.QuoteID),
		nullString(m.QuoteText),
		nullString(m.AttachmentsSummary),
	)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// applyReactionAdd keeps at most one reaction per sender per target.
func applyReactionAdd(ctx context.Context, tx *sql.Tx, r types.ReactionAdd) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE reaction_target = ? AND source_number = ?`,
		r.TargetTimestamp, r.SenderID)
	if err != nil {
		return fmt.Errorf("delete previous reaction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages (
			timestamp, source_number, source_name, conversation_number, message,
			from_self, from_bot, quote_id, quote_text, reaction_emoji,
			reaction_target, attachments_info
		) VALUES (?, ?, ?, ?, NULL, ?, ?, NULL, NULL, ?, ?, NULL)
	`,
		r.Timestamp,
		r.SenderID,
		r.SenderName,
		r.ConversationID,
		boolToInt(r.FromSelf),
		boolToInt(r.FromBot),
		r.Emoji,
		r.TargetTimestamp,
	)
	if err != nil {
		return fmt.Errorf("insert reaction: %w", err)
	}
	return nil
}

func applyReactionRemove(ctx context.Context, tx *sql.Tx, r types.ReactionRemove) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE reaction_target = ? AND reaction_emoji = ? AND source_number = ?`,
		r.TargetTimestamp, r.Emoji, r.SenderID)
	if err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	return nil
}

func applyRemoteDelete(ctx context.Context, tx *sql.Tx, d types.RemoteDelete) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE timestamp = ?`, d.TargetTimestamp)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT timestamp, source_number, source_name, conversation_number, message,
		from_self, from_bot, quote_id, quote_text, reaction_emoji,
		reaction_target, attachments_info
	FROM messages`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*types.StoredMessage, error) {
	var (
		m              types.StoredMessage
		text, qText    sql.NullString
		emoji, attach  sql.NullString
		quoteID, react sql.NullInt64
		fromSelf, bot  int
	)
	if err := row.Scan(
		&m.Timestamp, &m.SenderID, &m.SenderName, &m.ConversationID, &text,
		&fromSelf, &bot, &quoteID, &qText, &emoji, &react, &attach,
	); err != nil {
		return nil, err
	}
	m.Text = stringPtr(text)
	m.FromSelf = fromSelf != 0
	m.FromBot = bot != 0
	m.QuoteID = int64Ptr(quoteID)
	m.QuoteText = stringPtr(qText)
	m.ReactionEmoji = stringPtr(emoji)
	m.ReactionTarget = int64Ptr(react)
	m.AttachmentsSummary = stringPtr(attach)
	return &m, nil
}

// Get returns the row stored under ts, or nil when there is none.
func (s *Store) Get(ctx context.Context, ts int64) (*types.StoredMessage, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, selectColumns+` WHERE timestamp = ?`, ts))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", ts, err)
	}
	return m, nil
}

// GetMessages returns up to w.Limit of the most recent rows in the window,
// oldest first.
func (s *Store) GetMessages(ctx context.Context, conversationID string, w Window) ([]types.StoredMessage, error) {
	limit := w.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	where := []string{"conversation_number = ?"}
	args := []any{conversationID}
	if w.Before != 0 {
		where = append(where, "timestamp < ?")
		args = append(args, w.Before)
	}
	if w.Since != 0 {
		where = append(where, "timestamp > ?")
		args = append(args, w.Since)
	}
	args = append(args, limit)

	query := selectColumns + " WHERE " + strings.Join(where, " AND ") + " ORDER BY timestamp DESC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// GetLastMessage returns the most recent non-reaction row sent by senderID
// in the conversation before the given time (zero means now), or nil.
func (s *Store) GetLastMessage(ctx context.Context, conversationID, senderID string, before int64) (*types.StoredMessage, error) {
	query := selectColumns + ` WHERE conversation_number = ? AND source_number = ? AND reaction_target IS NULL`
	args := []any{conversationID, senderID}
	if before != 0 {
		query += ` AND timestamp < ?`
		args = append(args, before)
	}
	query += ` ORDER BY timestamp DESC LIMIT 1`

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last message: %w", err)
	}
	return m, nil
}

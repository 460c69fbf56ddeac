package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/spotter/internal/domain"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name         string
	numberedArgs bool
	isUnique     func(error) bool
	retryable    func(error) bool
	maxRetries   int
}

// rebind rewrites ? placeholders to $n for backends that need numbered arguments.
func (d dialect) rebind(query string) string {
	if !d.numberedArgs {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Repository over database/sql for SQLite and PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		is_online BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen_at BIGINT NOT NULL DEFAULT 0,
		presence_seq BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_low TEXT NOT NULL,
		user_high TEXT NOT NULL,
		pair_key TEXT NOT NULL UNIQUE,
		last_message_id TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_user_low ON conversations(user_low)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_user_high ON conversations(user_high)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		sender_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		media_url TEXT NOT NULL DEFAULT '',
		is_delivered BOOLEAN NOT NULL DEFAULT FALSE,
		delivered_at BIGINT,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		read_at BIGINT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_recipient_read ON messages(recipient_id, is_read)`,
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := withRetry(ctx, s.dialect, op, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
		return err
	})
	return res, err
}

// inTx runs fn in a transaction, retrying the whole transaction while the backend is busy.
func (s *SQLStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return withRetry(ctx, s.dialect, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetUser retrieves a user by their user ID.
func (s *SQLStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, display_name, avatar_url, is_online,
		       last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, s.dialect.rebind(query), userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(
		&user.UserID, &user.DisplayName, &user.AvatarURL, &user.IsOnline,
		&lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = fromMillis(lastSeen)
	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updatedAt)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, display_name, avatar_url, is_online, last_seen_at, presence_seq, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		display_name = excluded.display_name,
		avatar_url = excluded.avatar_url,
		updated_at = excluded.updated_at`

	now := time.Now()
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.exec(ctx, "upsert user", query,
		user.UserID, user.DisplayName, user.AvatarURL, user.IsOnline,
		millis(user.LastSeenAt), millis(createdAt), millis(now),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdatePresence writes presence fields guarded by the presence sequence.
func (s *SQLStore) UpdatePresence(ctx context.Context, userID string, online bool, lastSeen time.Time, seq int64) (bool, error) {
	query := `
		UPDATE users SET is_online = ?, last_seen_at = ?, presence_seq = ?, updated_at = ?
		WHERE user_id = ? AND presence_seq < ?`

	result, err := s.exec(ctx, "update presence", query,
		online, millis(lastSeen), seq, millis(time.Now()), userID, seq)
	if err != nil {
		return false, fmt.Errorf("update presence: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Debug("UpdatePresence skipped stale or unknown user", "user_id", userID, "seq", seq)
	}
	return rows > 0, nil
}

// ListCounterparts returns every user sharing a conversation with userID.
func (s *SQLStore) ListCounterparts(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT user_high FROM conversations WHERE user_low = ?
		UNION
		SELECT user_low FROM conversations WHERE user_high = ?`

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), userID, userID)
	if err != nil {
		return nil, fmt.Errorf("query counterparts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close counterpart rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan counterpart row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counterparts: %w", err)
	}
	return ids, nil
}

// CreateConversation inserts a conversation; the pair key is unique.
func (s *SQLStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	query := `
	INSERT INTO conversations (id, user_low, user_high, pair_key, last_message_id, is_active, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.exec(ctx, "create conversation", query,
		conv.ID, conv.Participants[0], conv.Participants[1], conv.PairKey(),
		nullString(conv.LastMessageID), conv.IsActive,
		millis(conv.CreatedAt), millis(conv.UpdatedAt),
	)
	if err != nil {
		if s.dialect.isUnique(err) {
			return fmt.Errorf("create conversation %s: %w", conv.PairKey(), domain.ErrStorageConflict)
		}
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

const conversationColumns = `id, user_low, user_high, last_message_id, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var lastMessageID sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(
		&conv.ID, &conv.Participants[0], &conv.Participants[1],
		&lastMessageID, &conv.IsActive, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	conv.LastMessageID = lastMessageID.String
	conv.CreatedAt = fromMillis(createdAt)
	conv.UpdatedAt = fromMillis(updatedAt)
	return &conv, nil
}

func (s *SQLStore) getConversationBy(ctx context.Context, column, value string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE ` + column + ` = ?`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, s.dialect.rebind(query), value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation by id.
func (s *SQLStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	return s.getConversationBy(ctx, "id", conversationID)
}

// FindConversationByPair retrieves a conversation by its pair key.
func (s *SQLStore) FindConversationByPair(ctx context.Context, pairKey string) (*domain.Conversation, error) {
	return s.getConversationBy(ctx, "pair_key", pairKey)
}

// SetConversationActive flips the active flag of a conversation.
func (s *SQLStore) SetConversationActive(ctx context.Context, conversationID string, active bool, at time.Time) error {
	query := `UPDATE conversations SET is_active = ?, updated_at = ? WHERE id = ?`
	result, err := s.exec(ctx, "set conversation active", query, active, millis(at), conversationID)
	if err != nil {
		return fmt.Errorf("set conversation active: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}
	return nil
}

// ListConversations returns the user's active conversations with last message and unread count.
func (s *SQLStore) ListConversations(ctx context.Context, userID string) ([]domain.ConversationListing, error) {
	query := `
		SELECT c.id, c.user_low, c.user_high, c.last_message_id, c.is_active, c.created_at, c.updated_at,
		       m.id, m.conversation_id, m.sender_id, m.recipient_id, m.content, m.type, m.media_url,
		       m.is_delivered, m.delivered_at, m.is_read, m.read_at, m.created_at,
		       (SELECT COUNT(*) FROM messages u
		         WHERE u.conversation_id = c.id AND u.recipient_id = ? AND u.is_read = ?) AS unread
		FROM conversations c
		LEFT JOIN messages m ON m.id = c.last_message_id
		WHERE (c.user_low = ? OR c.user_high = ?) AND c.is_active = ?
		ORDER BY c.updated_at DESC, c.id DESC`

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), userID, false, userID, userID, true)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var out []domain.ConversationListing
	for rows.Next() {
		var conv domain.Conversation
		var lastMessageID sql.NullString
		var createdAt, updatedAt int64
		var (
			mID, mConv, mSender, mRecipient, mContent, mType, mMedia sql.NullString
			mDelivered, mRead                                        sql.NullBool
			mDeliveredAt, mReadAt, mCreatedAt                        sql.NullInt64
			unread                                                   int
		)

		if err := rows.Scan(
			&conv.ID, &conv.Participants[0], &conv.Participants[1],
			&lastMessageID, &conv.IsActive, &createdAt, &updatedAt,
			&mID, &mConv, &mSender, &mRecipient, &mContent, &mType, &mMedia,
			&mDelivered, &mDeliveredAt, &mRead, &mReadAt, &mCreatedAt,
			&unread,
		); err != nil {
			return nil, fmt.Errorf("scan conversation listing: %w", err)
		}

		conv.LastMessageID = lastMessageID.String
		conv.CreatedAt = fromMillis(createdAt)
		conv.UpdatedAt = fromMillis(updatedAt)
		if mID.Valid {
			conv.LastMessage = &domain.Message{
				ID:             mID.String,
				ConversationID: mConv.String,
				SenderID:       mSender.String,
				RecipientID:    mRecipient.String,
				Content:        mContent.String,
				Type:           domain.MessageType(mType.String),
				MediaURL:       mMedia.String,
				IsDelivered:    mDelivered.Bool,
				DeliveredAt:    fromNullMillis(mDeliveredAt),
				IsRead:         mRead.Bool,
				ReadAt:         fromNullMillis(mReadAt),
				CreatedAt:      fromMillis(mCreatedAt.Int64),
			}
		}
		out = append(out, domain.ConversationListing{Conversation: &conv, UnreadCount: unread})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

const messageColumns = `id, conversation_id, sender_id, recipient_id, content, type, media_url,
	is_delivered, delivered_at, is_read, read_at, created_at`

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var msgType string
	var deliveredAt, readAt sql.NullInt64
	var createdAt int64

	if err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.RecipientID,
		&msg.Content, &msgType, &msg.MediaURL,
		&msg.IsDelivered, &deliveredAt, &msg.IsRead, &readAt, &createdAt,
	); err != nil {
		return nil, err
	}
	msg.Type = domain.MessageType(msgType)
	msg.DeliveredAt = fromNullMillis(deliveredAt)
	msg.ReadAt = fromNullMillis(readAt)
	msg.CreatedAt = fromMillis(createdAt)
	return &msg, nil
}

// InsertMessage stores the message and advances the conversation pointer in one transaction.
func (s *SQLStore) InsertMessage(ctx context.Context, msg *domain.Message) error {
	insert := `
	INSERT INTO messages (` + messageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	// A message committed after a newer one must not move the pointer backwards.
	advance := `UPDATE conversations SET last_message_id = ?, updated_at = ? WHERE id = ? AND updated_at <= ?`

	err := s.inTx(ctx, "insert message", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(insert),
			msg.ID, msg.ConversationID, msg.SenderID, msg.RecipientID,
			msg.Content, string(msg.Type), msg.MediaURL,
			msg.IsDelivered, nullMillis(msg.DeliveredAt), msg.IsRead, nullMillis(msg.ReadAt),
			millis(msg.CreatedAt),
		); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.dialect.rebind(advance),
			msg.ID, millis(msg.CreatedAt), msg.ConversationID, millis(msg.CreatedAt))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n > 0 {
			return nil
		}
		var exists int
		err = tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT COUNT(*) FROM conversations WHERE id = ?`),
			msg.ConversationID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("conversation %s: %w", msg.ConversationID, domain.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by id.
func (s *SQLStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, s.dialect.rebind(query), messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	return msg, nil
}

// DeleteMessage removes a message and recomputes the conversation pointer in one transaction.
func (s *SQLStore) DeleteMessage(ctx context.Context, messageID string) error {
	err := s.inTx(ctx, "delete message", func(tx *sql.Tx) error {
		var conversationID string
		err := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT conversation_id FROM messages WHERE id = ?`), messageID).
			Scan(&conversationID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM messages WHERE id = ?`), messageID); err != nil {
			return err
		}

		var latest sql.NullString
		err = tx.QueryRowContext(ctx, s.dialect.rebind(`
			SELECT id FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC LIMIT 1`), conversationID).Scan(&latest)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var pointer any
		if latest.Valid {
			pointer = latest.String
		}
		_, err = tx.ExecContext(ctx, s.dialect.rebind(`UPDATE conversations SET last_message_id = ? WHERE id = ?`),
			pointer, conversationID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// ListMessages returns a newest-first page of a conversation's messages.
func (s *SQLStore) ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var out []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// MarkRead marks the reader's unread messages in a conversation as read in one statement.
func (s *SQLStore) MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	query := `
		UPDATE messages SET is_read = ?, read_at = ?
		WHERE conversation_id = ? AND recipient_id = ? AND is_read = ?`

	result, err := s.exec(ctx, "mark read", query, true, millis(at), conversationID, readerID, false)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return rows, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle and exposes the narrow contracts the realtime
// core depends on: identity lookup, durable conversation membership, message
// persistence and read receipts.
type Store struct {
	db *sql.DB
}

// User represents a row in the users table. IDs are opaque UUID strings.
type User struct {
	ID           string
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Message is a persisted chat message. DeletedAt marks soft deletion.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	ParentID       string
	CreatedAt      time.Time
	DeletedAt      *time.Time
}

// Attachment references an uploaded object stored outside this database.
type Attachment struct {
	Bucket    string
	Path      string
	MimeType  string
	SizeBytes int64
}

// ErrUserExists is returned when attempting to insert a duplicate username.
var ErrUserExists = errors.New("user already exists")

// ErrConversationNotFound is returned for operations against an unknown id.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrMessageNotFound is returned when an edit or delete matches no live
// message owned by the caller.
var ErrMessageNotFound = errors.New("message not found")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "carechat.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=foreign_keys=ON", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			parent_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			deleted_at DATETIME,
			FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			bucket TEXT NOT NULL DEFAULT 'chat-attachments',
			path TEXT NOT NULL,
			mime_type TEXT,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS message_reads (
			message_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			read_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (message_id, user_id),
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_members_user ON conversation_members(user_id);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateUser inserts a new user. ErrUserExists is returned on conflicts.
func (s *Store) CreateUser(ctx context.Context, username string, passwordHash []byte) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, password_hash) VALUES(?, ?, ?)`, id, username, passwordHash)
	if err != nil {
		if isConstraintError(err) {
			return "", ErrUserExists
		}
		return "", err
	}
	return id, nil
}

// GetUserByUsername fetches a user by username. Missing users yield (nil, nil).
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetUserByID fetches a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// CreateConversation inserts a conversation and its initial members in one
// transaction.
func (s *Store) CreateConversation(ctx context.Context, title string, memberIDs []string) (string, error) {
	id := uuid.NewString()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `INSERT INTO conversations(id, title) VALUES(?, ?)`, id, title); err != nil {
		return "", err
	}
	for _, userID := range memberIDs {
		if _, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO conversation_members(conversation_id, user_id) VALUES(?, ?)`, id, userID); err != nil {
			return "", err
		}
	}
	if err = tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// ConversationExists reports whether the id refers to a known conversation.
func (s *Store) ConversationExists(ctx context.Context, conversationID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM conversations WHERE id = ?`, conversationID)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// AddMember records durable membership; idempotent.
func (s *Store) AddMember(ctx context.Context, conversationID, userID string) error {
	exists, err := s.ConversationExists(ctx, conversationID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrConversationNotFound
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversation_members(conversation_id, user_id) VALUES(?, ?)`,
		conversationID, userID)
	return err
}

// RemoveMember deletes the membership row; idempotent.
func (s *Store) RemoveMember(ctx context.Context, conversationID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_members WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID)
	return err
}

// IsMember reports whether the user belongs to the conversation.
func (s *Store) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM conversation_members WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListMembers returns the user ids belonging to the conversation.
func (s *Store) ListMembers(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = ? ORDER BY user_id`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

// ConversationsFor returns every conversation the user is a member of.
func (s *Store) ConversationsFor(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id FROM conversation_members WHERE user_id = ? ORDER BY conversation_id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

// SaveMessage persists a message and its attachment references atomically and
// returns the stored row. Fan-out must only happen after this succeeds.
func (s *Store) SaveMessage(ctx context.Context, conversationID, senderID, body, parentID string, attachments []Attachment) (*Message, error) {
	message := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		ParentID:       parentID,
		CreatedAt:      time.Now().UTC(),
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO messages(id, conversation_id, sender_id, body, parent_id, created_at) VALUES(?, ?, ?, ?, NULLIF(?, ''), ?)`,
		message.ID, conversationID, senderID, body, parentID, message.CreatedAt); err != nil {
		return nil, err
	}
	for _, att := range attachments {
		bucket := att.Bucket
		if bucket == "" {
			bucket = "chat-attachments"
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO attachments(message_id, bucket, path, mime_type, size_bytes) VALUES(?, ?, ?, ?, ?)`,
			message.ID, bucket, att.Path, att.MimeType, att.SizeBytes); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return message, nil
}

// MarkConversationRead records read receipts for every message in the
// conversation that was authored by someone else and not yet read by this
// user. Returns how many messages were newly marked.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID, userID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO message_reads(message_id, user_id)
		SELECT m.id, ?
		FROM messages m
		WHERE m.conversation_id = ?
		  AND m.sender_id <> ?
		  AND m.deleted_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?
		  )
	`, userID, conversationID, userID, userID)
	if err != nil {
		return 0, err
	}
	marked, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(marked), nil
}

// CountUnread returns the number of live messages in the conversation that
// were authored by others and carry no read receipt from this user. An empty
// conversation counts as zero.
func (s *Store) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1)
		FROM messages m
		WHERE m.conversation_id = ?
		  AND m.sender_id <> ?
		  AND m.deleted_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?
		  )
	`, conversationID, userID, userID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateMessage replaces the body of a live message. Only the sender may edit
// their own messages; anything else yields ErrMessageNotFound. The updated
// row is returned for broadcasting.
func (s *Store) UpdateMessage(ctx context.Context, conversationID, messageID, senderID, body string) (*Message, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET body = ?
		WHERE id = ? AND conversation_id = ? AND sender_id = ? AND deleted_at IS NULL
	`, body, messageID, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrMessageNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, sender_id, body, COALESCE(parent_id, ''), created_at
		 FROM messages WHERE id = ?`, messageID)
	var message Message
	if err := row.Scan(&message.ID, &message.ConversationID, &message.SenderID,
		&message.Body, &message.ParentID, &message.CreatedAt); err != nil {
		return nil, err
	}
	return &message, nil
}

// SoftDeleteMessage marks a message as deleted without removing the row, so
// unread tallies and history views skip it. Only the sender may delete their
// own messages; a non-match yields ErrMessageNotFound.
func (s *Store) SoftDeleteMessage(ctx context.Context, conversationID, messageID, senderID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET deleted_at = CURRENT_TIMESTAMP
		WHERE id = ? AND conversation_id = ? AND sender_id = ? AND deleted_at IS NULL
	`, messageID, conversationID, senderID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteConstraintCode
	}
	return false
}

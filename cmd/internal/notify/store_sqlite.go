package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS notifications (
  id           TEXT PRIMARY KEY,
  recipient_id TEXT NOT NULL,
  kind         TEXT NOT NULL,
  message      TEXT NOT NULL,
  payload      TEXT,
  sender_id    TEXT NOT NULL DEFAULT '',
  sender_name  TEXT NOT NULL DEFAULT '',
  is_read      INTEGER NOT NULL DEFAULT 0,
  created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient_created
  ON notifications (recipient_id, created_at DESC);
`

// SQLiteStore is a single-node Store backed by a local SQLite file.
// It owns its *sql.DB.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and applies the schema.
// Use ":memory:" for an ephemeral database.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("notify: empty sqlite dsn")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("notify: open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection also keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("notify: apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Add inserts n; an existing id is left untouched.
func (s *SQLiteStore) Add(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	var payload any
	if len(n.Payload) > 0 {
		payload = string(n.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notifications (id, recipient_id, kind, message, payload, sender_id, sender_name, is_read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.RecipientID, string(n.Kind), n.Message, payload, n.SenderID, n.SenderName, boolToInt(n.IsRead), n.CreatedAt.UnixMilli(),
	)
	return err
}

// List returns recipientID's notifications, newest first.
func (s *SQLiteStore) List(ctx context.Context, recipientID string) ([]Notification, error) {
	if strings.TrimSpace(recipientID) == "" {
		return nil, invalid("notify.SQLiteStore.List", "missing recipient")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient_id, kind, message, payload, sender_id, sender_name, is_read, created_at
		   FROM notifications
		  WHERE recipient_id = ?
		  ORDER BY created_at DESC, id DESC`,
		recipientID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Notification, 0, 16)
	for rows.Next() {
		var (
			n       Notification
			kind    string
			payload sql.NullString
			isRead  int
			created int64
		)
		if err := rows.Scan(&n.ID, &n.RecipientID, &kind, &n.Message, &payload, &n.SenderID, &n.SenderName, &isRead, &created); err != nil {
			return nil, err
		}
		n.Kind = Kind(kind)
		if payload.Valid {
			n.Payload = []byte(payload.String)
		}
		n.IsRead = isRead != 0
		n.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead flags id as read.
func (s *SQLiteStore) MarkRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res, "notify.SQLiteStore.MarkRead", id)
}

// Delete removes id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res, "notify.SQLiteStore.Delete", id)
}

func requireAffected(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(op, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

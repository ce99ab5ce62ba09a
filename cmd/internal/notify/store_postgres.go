package notify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL table <schema>.notifications.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "relay").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("notify: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("notify: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("notify: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Add inserts n; an existing id is left untouched.
func (s *PostgresStore) Add(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	payload := n.Payload
	if len(payload) == 0 {
		payload = []byte("null")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (id, recipient_id, kind, message, payload, sender_id, sender_name, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		n.ID, n.RecipientID, string(n.Kind), n.Message, string(payload), n.SenderID, n.SenderName, n.IsRead, n.CreatedAt,
	)
	return err
}

// List returns recipientID's notifications, newest first.
func (s *PostgresStore) List(ctx context.Context, recipientID string) ([]Notification, error) {
	if strings.TrimSpace(recipientID) == "" {
		return nil, invalid("notify.PostgresStore.List", "missing recipient")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, recipient_id, kind, message, payload::text, sender_id, sender_name, is_read, created_at
		   FROM `+s.table()+`
		  WHERE recipient_id = $1
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
			payload string
		)
		if err := rows.Scan(&n.ID, &n.RecipientID, &kind, &n.Message, &payload, &n.SenderID, &n.SenderName, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Kind = Kind(kind)
		if payload != "" && payload != "null" {
			n.Payload = []byte(payload)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead flags id as read.
func (s *PostgresStore) MarkRead(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+s.table()+` SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("notify.PostgresStore.MarkRead", id)
	}
	return nil
}

// Delete removes id.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("notify.PostgresStore.Delete", id)
	}
	return nil
}

// EnsureSchema creates <schema>.notifications if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	table := s.table()
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  recipient_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  message TEXT NOT NULL,
  payload JSONB NULL,
  sender_id TEXT NOT NULL DEFAULT '',
  sender_name TEXT NOT NULL DEFAULT '',
  is_read BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL,

  CONSTRAINT chk_notifications_kind CHECK (kind IN ('like', 'comment', 'reply', 'message'))
);

CREATE INDEX IF NOT EXISTS %s ON %s (recipient_id, created_at DESC);
`, pgx.Identifier{s.schema}.Sanitize(), table, pgx.Identifier{"idx_notifications_recipient_created"}.Sanitize(), table)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) table() string { return pgIdent(s.schema, "notifications") }

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

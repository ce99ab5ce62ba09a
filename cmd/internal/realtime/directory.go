package realtime

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Directory resolves display names for users the broker has not seen join.
// It is owned by the external user-profile service.
type Directory interface {
	// DisplayName returns "" with a nil error when the user is unknown.
	DisplayName(ctx context.Context, userID string) (string, error)
}

// StaticDirectory is a fixed in-memory Directory.
type StaticDirectory map[string]string

// DisplayName implements Directory.
func (d StaticDirectory) DisplayName(_ context.Context, userID string) (string, error) {
	return d[userID], nil
}

// PostgresDirectory reads display names from <schema>.users(id, display_name).
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// DirectoryOption configures PostgresDirectory behavior.
type DirectoryOption func(*PostgresDirectory) error

// WithDirectorySchema sets the DB schema holding the users table (default: "relay").
func WithDirectorySchema(schema string) DirectoryOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a Directory backed by PostgreSQL.
// The pool is owned by the caller.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...DirectoryOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return d, nil
}

// DisplayName implements Directory.
func (d *PostgresDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	if d == nil || d.pool == nil {
		return "", errors.New("realtime: nil directory")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var name *string
	err := d.pool.QueryRow(ctx,
		`SELECT display_name FROM `+pgIdent(d.schema, "users")+` WHERE id = $1`,
		userID,
	).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if name == nil {
		return "", nil
	}
	return strings.TrimSpace(*name), nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

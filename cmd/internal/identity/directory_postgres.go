package identity

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads the platform's users table. It is read-only:
// account lifecycle belongs to the platform, not to Harbor.
//
// Ownership model: the directory does NOT own the pgx pool.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// DirectoryOption configures PostgresDirectory behavior.
type DirectoryOption func(*PostgresDirectory) error

// WithDirectorySchema sets the DB schema (default: "harbor").
func WithDirectorySchema(schema string) DirectoryOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("identity: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("identity: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a Directory backed by PostgreSQL.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...DirectoryOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{
		pool:   pool,
		schema: "harbor",
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
		return nil, errors.New("identity: nil pool")
	}
	return d, nil
}

// Lookup returns the user for id, or ErrUnknownUser.
func (d *PostgresDirectory) Lookup(ctx context.Context, id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, ErrUnknownUser
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	users := pgIdent(d.schema, "users")

	var u User
	err := d.pool.QueryRow(ctx,
		`SELECT id, display_name, role FROM `+users+` WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.DisplayName, &u.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUnknownUser
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// ListAdmins returns admin-capable users ordered by id.
func (d *PostgresDirectory) ListAdmins(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	users := pgIdent(d.schema, "users")

	rows, err := d.pool.Query(ctx,
		`SELECT id, display_name, role
		   FROM `+users+`
		  WHERE role = ANY($1)
		  ORDER BY id`,
		[]string{RoleAdmin, RoleSuperadmin},
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]User, 0, 8)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Role); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

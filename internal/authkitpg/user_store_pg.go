package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tyemirov/dreamboard/internal/authkit"
)

const userColumns = `id, username, email, password_hash, refresh_token_digest, role, photo, created_at`

const (
	usernameConstraint = "users_username_key"
	emailConstraint    = "users_email_key"
)

// PostgresUserStore persists users in PostgreSQL through pgx.
type PostgresUserStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresUserStore constructs a Postgres store. Run Migrate first.
func NewPostgresUserStore(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool, now: time.Now}
}

func (store *PostgresUserStore) FindByField(ctx context.Context, field authkit.UserField, value string) (authkit.User, error) {
	var query string
	switch field {
	case authkit.FieldUsername:
		query = `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	case authkit.FieldEmail:
		query = `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	default:
		return authkit.User{}, fmt.Errorf("user_store.field.%s: %w", field, authkit.ErrUnsupportedField)
	}
	user, err := store.queryOne(ctx, query, value)
	if err != nil {
		return authkit.User{}, fmt.Errorf("user_store.find.%s.pgx: %w", field, err)
	}
	return user, nil
}

func (store *PostgresUserStore) FindByID(ctx context.Context, userID string) (authkit.User, error) {
	user, err := store.queryOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	if err != nil {
		return authkit.User{}, fmt.Errorf("user_store.find.id.pgx: %w", err)
	}
	return user, nil
}

func (store *PostgresUserStore) Create(ctx context.Context, user authkit.User) (authkit.User, error) {
	prepared := user.WithDefaults(store.now())
	_, err := store.pool.Exec(ctx, `
INSERT INTO users (id, username, email, password_hash, refresh_token_digest, role, photo, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, prepared.ID, prepared.Username, prepared.Email, prepared.PasswordHash, prepared.RefreshTokenDigest, prepared.Role, prepared.Photo, prepared.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			switch pgErr.ConstraintName {
			case usernameConstraint:
				return authkit.User{}, fmt.Errorf("user_store.create.pgx: %w", authkit.ErrDuplicateUsername)
			case emailConstraint:
				return authkit.User{}, fmt.Errorf("user_store.create.pgx: %w", authkit.ErrDuplicateEmail)
			}
		}
		return authkit.User{}, fmt.Errorf("user_store.create.pgx: %w", err)
	}
	return prepared, nil
}

func (store *PostgresUserStore) UpdateRefreshToken(ctx context.Context, userID string, digest *string) error {
	tag, err := store.pool.Exec(ctx, `UPDATE users SET refresh_token_digest = $2 WHERE id = $1`, userID, digest)
	if err != nil {
		return fmt.Errorf("user_store.update_refresh.pgx: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user_store.update_refresh.pgx: %w", authkit.ErrUserNotFound)
	}
	return nil
}

func (store *PostgresUserStore) queryOne(ctx context.Context, query string, argument string) (authkit.User, error) {
	rows, _ := store.pool.Query(ctx, query, argument)
	user, err := pgx.CollectOneRow(rows, rowToUser)
	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, pgx.ErrNoRows):
		return authkit.User{}, authkit.ErrUserNotFound
	default:
		return authkit.User{}, err
	}
}

func rowToUser(row pgx.CollectableRow) (authkit.User, error) {
	var user authkit.User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.RefreshTokenDigest, &user.Role, &user.Photo, &user.CreatedAt)
	user.CreatedAt = user.CreatedAt.UTC()
	return user, err
}

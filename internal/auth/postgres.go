package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresUserStore persists users in the users table created by
// db.EnsureSchema.
type PostgresUserStore struct {
	pool *pgxpool.Pool
}

func NewPostgresUserStore(pool *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool}
}

func (s *PostgresUserStore) CreateUser(ctx context.Context, user User) error {
	if s.pool == nil {
		return errors.New("auth: postgres pool is nil")
	}

	const query = `INSERT INTO users (id, username, email, password_hash, created_at, updated_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`

	_, err := s.pool.Exec(ctx, query,
		user.ID,
		user.Username,
		strings.TrimSpace(user.Email),
		user.PasswordHash,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "email") {
				return ErrEmailExists
			}
			return ErrUserExists
		}
		return fmt.Errorf("insert user: %w", err)
	}

	return nil
}

func (s *PostgresUserStore) UserByIdentifier(ctx context.Context, identifier string) (*User, error) {
	const query = `SELECT id, username, COALESCE(email, ''), password_hash, created_at, updated_at
FROM users
WHERE LOWER(username) = LOWER($1) OR LOWER(email) = LOWER($1)`

	return s.queryUser(ctx, query, identifier)
}

func (s *PostgresUserStore) UserByID(ctx context.Context, id string) (*User, error) {
	const query = `SELECT id, username, COALESCE(email, ''), password_hash, created_at, updated_at
FROM users
WHERE id = $1`

	return s.queryUser(ctx, query, id)
}

func (s *PostgresUserStore) TouchUser(ctx context.Context, id string, updatedAt time.Time) error {
	if s.pool == nil {
		return errors.New("auth: postgres pool is nil")
	}

	if _, err := s.pool.Exec(ctx, "UPDATE users SET updated_at = $2 WHERE id = $1", id, updatedAt); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}

	return nil
}

func (s *PostgresUserStore) queryUser(ctx context.Context, query string, arg any) (*User, error) {
	if s.pool == nil {
		return nil, errors.New("auth: postgres pool is nil")
	}

	var user User
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &user, nil
}

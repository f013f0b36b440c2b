package db

import (
	"context"
	"fmt"
	"time"

	"github.com/andrew-d/transitroutes/internal/norm"
)

// User is the type of a user in the database. Users are keyed by their
// normalized email address.
type User struct {
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// GetUserByEmail retrieves a user from the database by email. It returns an
// error wrapping ErrNotFound if there is no such user.
func (tx *Tx) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT email, password_hash, created_at FROM users WHERE email = ?",
		norm.Email(email),
	)
	var (
		user      User
		createdMs int64
	)
	if err := row.Scan(&user.Email, &user.PasswordHash, &createdMs); err != nil {
		return nil, notFound("user", err)
	}
	user.CreatedAt = time.UnixMilli(createdMs)
	return &user, nil
}

// PutUser adds a user to the database. It returns an error wrapping
// ErrConflict if a user with the same email already exists.
func (tx *Tx) PutUser(ctx context.Context, user *User) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO users (email, password_hash, created_at) VALUES (?, ?, ?)",
		norm.Email(user.Email),
		user.PasswordHash,
		user.CreatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("inserting user: %w", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

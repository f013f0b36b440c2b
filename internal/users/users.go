// Package users is the credential store: it registers accounts and verifies
// sign-in attempts.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andrew-d/transitroutes/internal/db"
	"github.com/andrew-d/transitroutes/internal/norm"
	"github.com/andrew-d/transitroutes/pwhash"
)

var (
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid password")
)

// Identity is what a successful sign-in proves.
type Identity struct {
	Email string
}

// Store registers and verifies users.
type Store struct {
	db      *db.DB
	hasher  *pwhash.Hasher
	log     *slog.Logger
	timeNow func() time.Time
}

// NewStore returns a Store backed by database, hashing new passwords with
// hasher.
func NewStore(log *slog.Logger, database *db.DB, hasher *pwhash.Hasher) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		db:      database,
		hasher:  hasher,
		log:     log,
		timeNow: time.Now,
	}
}

// Register creates a user. It returns ErrDuplicateEmail if the (normalized)
// email is already taken.
func (s *Store) Register(ctx context.Context, email, password string) error {
	email = norm.Email(email)

	// Hash outside the transaction; it's slow and holds the write lock
	// otherwise.
	hash := s.hasher.HashString(password)

	err := s.db.Write(ctx, func(tx *db.Tx) error {
		_, err := tx.GetUserByEmail(ctx, email)
		switch {
		case err == nil:
			return ErrDuplicateEmail
		case !errors.Is(err, db.ErrNotFound):
			return err
		}
		return tx.PutUser(ctx, &db.User{
			Email:        email,
			PasswordHash: hash,
			CreatedAt:    s.timeNow(),
		})
	})
	if errors.Is(err, db.ErrConflict) {
		// Lost a race with a concurrent registration.
		err = ErrDuplicateEmail
	}
	if err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			return err
		}
		return fmt.Errorf("registering user: %w", err)
	}

	s.log.Info("registered user", "email", email)
	return nil
}

// Verify checks an email and password. It returns ErrUserNotFound if there
// is no such user and ErrInvalidCredentials if the password is wrong.
func (s *Store) Verify(ctx context.Context, email, password string) (*Identity, error) {
	var user *db.User
	err := s.db.Read(ctx, func(tx *db.Tx) (err error) {
		user, err = tx.GetUserByEmail(ctx, email)
		return err
	})
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrUserNotFound
	} else if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	if err := s.hasher.Check(password, user.PasswordHash); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Identity{Email: user.Email}, nil
}

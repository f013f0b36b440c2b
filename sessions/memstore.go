package sessions

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// TokenKey returns the key under which a store should index the session for
// token. Stores key by a hash so that the raw token never has to be used for
// lookups, e.g. in a database index.
func TokenKey(token string) string {
	hash := blake3.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

type memStoreEntry[T any] struct {
	data   T
	expiry time.Time
	token  string
}

// MemStore is an in-memory session store, mostly useful for tests. It is safe
// for concurrent use.
//
// All methods that take or return a value of type T will perform a shallow
// copy of the type into the provided input or output parameters.
type MemStore[T any] struct {
	mu       sync.RWMutex
	sessions map[string]memStoreEntry[T]
	timeNow  func() time.Time
}

var _ Store[struct{}] = (*MemStore[struct{}])(nil)

// NewMemStore returns a new MemStore instance.
func NewMemStore[T any]() *MemStore[T] {
	return &MemStore[T]{
		sessions: make(map[string]memStoreEntry[T]),
		timeNow:  time.Now,
	}
}

// Find implements the Store interface.
func (ms *MemStore[T]) Find(_ context.Context, token string, into *T) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	e, ok := ms.sessions[TokenKey(token)]
	if !ok || e.token != token || e.expiry.Before(ms.timeNow()) {
		return ErrNotFound
	}
	*into = e.data
	return nil
}

// Delete implements the Store interface.
func (ms *MemStore[T]) Delete(_ context.Context, token string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sessions, TokenKey(token))
	return nil
}

// Commit implements the Store interface.
func (ms *MemStore[T]) Commit(_ context.Context, token string, d *T, expiry time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sessions[TokenKey(token)] = memStoreEntry[T]{
		data:   *d,
		expiry: expiry,
		token:  token,
	}
	return nil
}

// List implements the Store interface.
func (ms *MemStore[T]) List(_ context.Context) (map[string]T, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	tokens := make(map[string]T, len(ms.sessions))
	now := ms.timeNow()
	for _, e := range ms.sessions {
		if e.expiry.Before(now) {
			continue
		}
		tokens[e.token] = e.data
	}
	return tokens, nil
}

// CleanExpired removes all expired sessions from the store and returns how
// many were removed. It is the responsibility of the user of the store to
// call this method periodically.
func (ms *MemStore[T]) CleanExpired() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var n int
	now := ms.timeNow()
	for key, e := range ms.sessions {
		if e.expiry.Before(now) {
			delete(ms.sessions, key)
			n++
		}
	}
	return n
}

package tokenstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store intended for tests and single-run CLI
// sessions.
type MemoryStore struct {
	mutex    sync.Mutex
	token    Token
	hasToken bool
	remember RememberMe
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Write atomically replaces the snapshot after validating the token.
func (store *MemoryStore) Write(ctx context.Context, token Token, remember RememberMe) error {
	if err := token.Validate(); err != nil {
		return fmt.Errorf("token_store.write: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.token = token
	store.hasToken = true
	store.remember = remember
	if !remember.Enabled {
		store.remember.Email = ""
	}
	return nil
}

// Read returns a snapshot copy of the stored token.
func (store *MemoryStore) Read(ctx context.Context) (Token, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if !store.hasToken {
		return Token{}, fmt.Errorf("token_store.read: %w", ErrNoToken)
	}
	return store.token, nil
}

// RememberedEmail returns the remember-me state.
func (store *MemoryStore) RememberedEmail(ctx context.Context) (string, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.remember.Email, store.remember.Enabled, nil
}

// Clear drops the token, retaining the remembered email only while
// remember-me is enabled.
func (store *MemoryStore) Clear(ctx context.Context) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.token = Token{}
	store.hasToken = false
	if !store.remember.Enabled {
		store.remember = RememberMe{}
	}
	return nil
}

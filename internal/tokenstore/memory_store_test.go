package tokenstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func validTestToken() Token {
	return Token{
		AccessToken:  "A1",
		RefreshToken: "R1",
		TokenType:    "Bearer",
		ExpiresAt:    time.Unix(1700003600, 0).UTC(),
	}
}

func TestMemoryStoreWriteRejectsPartialTokenAndKeepsPriorState(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	if err := store.Write(context.Background(), validTestToken(), RememberMe{}); err != nil {
		t.Fatalf("write error: %v", err)
	}

	invalid := Token{AccessToken: "A2"}
	if err := store.Write(context.Background(), invalid, RememberMe{}); err == nil {
		t.Fatalf("expected error writing partial token")
	}

	current, readErr := store.Read(context.Background())
	if readErr != nil {
		t.Fatalf("read error: %v", readErr)
	}
	if current.AccessToken != "A1" {
		t.Fatalf("prior token should survive a failed write, got %s", current.AccessToken)
	}
}

func TestMemoryStoreReadEmpty(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	if _, err := store.Read(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestMemoryStoreClearHonorsRememberMe(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	remember := RememberMe{Enabled: true, Email: "a@b.com"}
	if err := store.Write(context.Background(), validTestToken(), remember); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("clear error: %v", err)
	}

	if _, err := store.Read(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken after clear, got %v", err)
	}
	email, enabled, rememberErr := store.RememberedEmail(context.Background())
	if rememberErr != nil {
		t.Fatalf("remembered email error: %v", rememberErr)
	}
	if !enabled || email != "a@b.com" {
		t.Fatalf("remembered email should survive clear while enabled, got %q enabled=%v", email, enabled)
	}
}

func TestMemoryStoreClearDropsEmailWhenNotRemembered(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	if err := store.Write(context.Background(), validTestToken(), RememberMe{Enabled: false, Email: "a@b.com"}); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("clear error: %v", err)
	}
	email, enabled, rememberErr := store.RememberedEmail(context.Background())
	if rememberErr != nil {
		t.Fatalf("remembered email error: %v", rememberErr)
	}
	if enabled || email != "" {
		t.Fatalf("email must be dropped when remember-me is off, got %q enabled=%v", email, enabled)
	}
}

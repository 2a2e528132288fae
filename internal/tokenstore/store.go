package tokenstore

import "context"

// Store persists the session token snapshot together with the remember-me
// preference. Writes replace the whole snapshot atomically; a reader never
// observes an access token without its expiry. A failed write leaves the
// prior snapshot intact.
type Store interface {
	// Write atomically replaces the stored token and remember-me flag.
	// Invalid tokens are rejected before anything is touched.
	Write(ctx context.Context, token Token, remember RememberMe) error
	// Read returns the stored token, or ErrNoToken when none is present.
	Read(ctx context.Context) (Token, error)
	// RememberedEmail returns the opted-in email and whether remember-me
	// is enabled.
	RememberedEmail(ctx context.Context) (string, bool, error)
	// Clear removes the token. The remembered email survives only while
	// remember-me is enabled.
	Clear(ctx context.Context) error
}

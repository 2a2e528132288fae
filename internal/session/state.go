package session

// State is the session lifecycle phase.
type State string

const (
	// StateAnonymous means no credentials are held.
	StateAnonymous State = "anonymous"
	// StateAuthenticating means a login call is in flight.
	StateAuthenticating State = "authenticating"
	// StateAuthenticated means a token is held and usable.
	StateAuthenticated State = "authenticated"
	// StateRefreshing means a single-flight refresh is in progress.
	StateRefreshing State = "refreshing"
	// StateLoggedOut is the terminal state of an explicit logout; the next
	// login transitions back through Anonymous.
	StateLoggedOut State = "logged_out"
)

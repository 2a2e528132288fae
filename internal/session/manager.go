package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tyemirov/tadmin/internal/apierror"
	"github.com/tyemirov/tadmin/internal/rbac"
	"github.com/tyemirov/tadmin/internal/tokenstore"
	"go.uber.org/zap"
)

// AuthAPI is the transport used for the three authentication endpoints.
// Implementations must not retry login calls; credential failures are not
// transient.
type AuthAPI interface {
	Login(ctx context.Context, email string, password string) (tokenstore.Grant, error)
	Refresh(ctx context.Context, refreshToken string) (tokenstore.Grant, error)
	Logout(ctx context.Context, refreshToken string) error
}

// Credentials carry a login request.
type Credentials struct {
	Email      string
	Password   string
	RememberMe bool
}

// Session is the snapshot returned by a successful login.
type Session struct {
	Identity Identity
	Token    tokenstore.Token
}

// Config tunes a Manager. Zero values select defaults.
type Config struct {
	Clock          tokenstore.Clock
	Logger         *zap.Logger
	ExpirySkew     time.Duration
	RefreshTimeout time.Duration
}

const defaultRefreshTimeout = 30 * time.Second

var (
	// ErrClosed indicates the manager has been disposed.
	ErrClosed = errors.New("session.closed")

	errNilStore  = errors.New("session.nil_store")
	errNilAPI    = errors.New("session.nil_api")
	errNilEngine = errors.New("session.nil_engine")
)

// Manager orchestrates the session lifecycle over a TokenStore. It is the
// only component allowed to mutate the stored token, and it owns the
// single-flight refresh guarantee: however many callers observe an expired
// token at once, exactly one refresh request reaches the backend.
type Manager struct {
	store          tokenstore.Store
	api            AuthAPI
	engine         *rbac.Engine
	clock          tokenstore.Clock
	logger         *zap.Logger
	expirySkew     time.Duration
	refreshTimeout time.Duration

	mutex          sync.Mutex
	state          State
	identity       Identity
	effective      rbac.PermissionSet
	inflight       *refreshHandle
	subscribers    map[int]chan State
	nextSubscriber int
	closed         bool
}

// The guarded in-flight refresh handle. The first caller creates it and
// spawns the refresh; everyone waits on done. Token and err are written
// before done is closed, which is the happens-before edge that makes the
// stored token visible to every waiter.
type refreshHandle struct {
	done  chan struct{}
	token tokenstore.Token
	err   error
}

func (handle *refreshHandle) wait(ctx context.Context) (tokenstore.Token, error) {
	select {
	case <-ctx.Done():
		return tokenstore.Token{}, fmt.Errorf("session.refresh.canceled: %w", ctx.Err())
	case <-handle.done:
		return handle.token, handle.err
	}
}

// NewManager constructs a Manager with an explicit lifecycle; tests and
// tenants instantiate isolated sessions instead of sharing process state.
func NewManager(store tokenstore.Store, api AuthAPI, engine *rbac.Engine, configuration Config) (*Manager, error) {
	if store == nil {
		return nil, errNilStore
	}
	if api == nil {
		return nil, errNilAPI
	}
	if engine == nil {
		return nil, errNilEngine
	}
	clock := configuration.Clock
	if clock == nil {
		clock = tokenstore.NewSystemClock()
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	expirySkew := configuration.ExpirySkew
	if expirySkew <= 0 {
		expirySkew = tokenstore.DefaultExpirySkew
	}
	refreshTimeout := configuration.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = defaultRefreshTimeout
	}
	return &Manager{
		store:          store,
		api:            api,
		engine:         engine,
		clock:          clock,
		logger:         logger,
		expirySkew:     expirySkew,
		refreshTimeout: refreshTimeout,
		state:          StateAnonymous,
		subscribers:    make(map[int]chan State),
	}, nil
}

// Login exchanges credentials for a token, persists it, and computes the
// session's effective permissions. Credential failures surface immediately
// and are never retried.
func (manager *Manager) Login(ctx context.Context, credentials Credentials) (Session, error) {
	manager.mutex.Lock()
	if manager.closed {
		manager.mutex.Unlock()
		return Session{}, ErrClosed
	}
	manager.setStateLocked(StateAuthenticating)
	manager.mutex.Unlock()

	grant, loginErr := manager.api.Login(ctx, credentials.Email, credentials.Password)
	if loginErr != nil {
		manager.logger.Warn("login rejected",
			zap.String("code", "session.login.rejected"),
			zap.Error(loginErr))
		manager.resetToAnonymous()
		return Session{}, fmt.Errorf("session.login: %w", loginErr)
	}

	token, tokenErr := tokenstore.TokenFromGrant(manager.clock, grant)
	if tokenErr != nil {
		manager.resetToAnonymous()
		return Session{}, fmt.Errorf("session.login: %w", tokenErr)
	}
	identity, identityErr := decodeIdentity(token.AccessToken)
	if identityErr != nil {
		manager.resetToAnonymous()
		return Session{}, fmt.Errorf("session.login: %w", identityErr)
	}

	remember := tokenstore.RememberMe{Enabled: credentials.RememberMe}
	if credentials.RememberMe {
		remember.Email = credentials.Email
	}
	if writeErr := manager.store.Write(ctx, token, remember); writeErr != nil {
		manager.resetToAnonymous()
		return Session{}, fmt.Errorf("session.login: %w", writeErr)
	}

	effective := manager.engine.EffectivePermissions(identity.Roles, identity.DirectPermissions)

	manager.mutex.Lock()
	manager.identity = identity
	manager.effective = effective
	manager.setStateLocked(StateAuthenticated)
	manager.mutex.Unlock()

	manager.logger.Info("session established",
		zap.String("code", "session.login.ok"),
		zap.String("user_id", identity.UserID),
		zap.Int("roles", len(identity.Roles)))

	return Session{Identity: identity, Token: token}, nil
}

// Logout clears the session. Safe to call with no active session; the
// remembered email survives when the user opted in.
func (manager *Manager) Logout(ctx context.Context) error {
	current, readErr := manager.store.Read(ctx)
	if readErr == nil && current.RefreshToken != "" {
		if revokeErr := manager.api.Logout(ctx, current.RefreshToken); revokeErr != nil {
			manager.logger.Warn("server-side logout failed",
				zap.String("code", "session.logout.revoke_failed"),
				zap.Error(revokeErr))
		}
	}
	if clearErr := manager.store.Clear(ctx); clearErr != nil {
		return fmt.Errorf("session.logout: %w", clearErr)
	}

	manager.mutex.Lock()
	manager.identity = Identity{}
	manager.effective = nil
	manager.setStateLocked(StateLoggedOut)
	manager.mutex.Unlock()
	return nil
}

// Refresh exchanges the refresh token for a fresh grant. Concurrent callers
// join the in-flight operation instead of issuing duplicate requests; many
// backends invalidate a refresh token on first use, so duplicates silently
// log users out.
func (manager *Manager) Refresh(ctx context.Context) (tokenstore.Token, error) {
	manager.mutex.Lock()
	if manager.closed {
		manager.mutex.Unlock()
		return tokenstore.Token{}, ErrClosed
	}
	if handle := manager.inflight; handle != nil {
		manager.mutex.Unlock()
		manager.logger.Debug("joining in-flight refresh",
			zap.String("code", "session.refresh.joined"))
		return handle.wait(ctx)
	}
	handle := &refreshHandle{done: make(chan struct{})}
	manager.inflight = handle
	previousState := manager.state
	manager.setStateLocked(StateRefreshing)
	manager.mutex.Unlock()

	// The operation runs detached from the first caller's context so its
	// cancellation cannot strand the other waiters; each waiter still
	// honors its own context while waiting.
	go manager.runRefresh(context.WithoutCancel(ctx), handle, previousState)

	return handle.wait(ctx)
}

func (manager *Manager) runRefresh(ctx context.Context, handle *refreshHandle, previousState State) {
	ctx, cancel := context.WithTimeout(ctx, manager.refreshTimeout)
	defer cancel()

	current, readErr := manager.store.Read(ctx)
	if readErr != nil || current.RefreshToken == "" {
		manager.expireSession(ctx)
		manager.finishRefresh(handle, tokenstore.Token{},
			apierror.New(apierror.KindSessionExpired, 0, "no refresh token held").Wrap(readErr))
		return
	}

	grant, refreshErr := manager.api.Refresh(ctx, current.RefreshToken)
	if refreshErr != nil {
		if errors.Is(refreshErr, apierror.ErrAuth) || errors.Is(refreshErr, apierror.ErrValidation) {
			// The refresh token itself was rejected; nothing recoverable
			// remains in this session.
			manager.logger.Warn("refresh token rejected",
				zap.String("code", "session.refresh.rejected"),
				zap.Error(refreshErr))
			manager.expireSession(ctx)
			manager.finishRefresh(handle, tokenstore.Token{},
				apierror.New(apierror.KindSessionExpired, 0, "refresh token rejected").Wrap(refreshErr))
			return
		}
		manager.logger.Warn("refresh attempt failed",
			zap.String("code", "session.refresh.transient"),
			zap.Error(refreshErr))
		manager.restoreState(previousState)
		manager.finishRefresh(handle, tokenstore.Token{}, fmt.Errorf("session.refresh: %w", refreshErr))
		return
	}

	token, tokenErr := tokenstore.TokenFromGrant(manager.clock, grant)
	if tokenErr != nil {
		manager.restoreState(previousState)
		manager.finishRefresh(handle, tokenstore.Token{}, fmt.Errorf("session.refresh: %w", tokenErr))
		return
	}
	identity, identityErr := decodeIdentity(token.AccessToken)
	if identityErr != nil {
		manager.restoreState(previousState)
		manager.finishRefresh(handle, tokenstore.Token{}, fmt.Errorf("session.refresh: %w", identityErr))
		return
	}

	rememberedEmail, rememberEnabled, _ := manager.store.RememberedEmail(ctx)
	remember := tokenstore.RememberMe{Enabled: rememberEnabled, Email: rememberedEmail}
	if writeErr := manager.store.Write(ctx, token, remember); writeErr != nil {
		manager.restoreState(previousState)
		manager.finishRefresh(handle, tokenstore.Token{}, fmt.Errorf("session.refresh: %w", writeErr))
		return
	}

	effective := manager.engine.EffectivePermissions(identity.Roles, identity.DirectPermissions)

	manager.mutex.Lock()
	manager.identity = identity
	manager.effective = effective
	manager.setStateLocked(StateAuthenticated)
	manager.mutex.Unlock()

	manager.logger.Info("session refreshed",
		zap.String("code", "session.refresh.ok"),
		zap.Time("expires_at", token.ExpiresAt))

	manager.finishRefresh(handle, token, nil)
}

// finishRefresh publishes the outcome and clears the in-flight handle under
// the lock, so the next expiry starts a fresh operation.
func (manager *Manager) finishRefresh(handle *refreshHandle, token tokenstore.Token, err error) {
	manager.mutex.Lock()
	manager.inflight = nil
	manager.mutex.Unlock()
	handle.token = token
	handle.err = err
	close(handle.done)
}

// ValidToken returns the stored token while it still has useful life within
// the expiry skew; otherwise it triggers (or joins) a refresh and returns
// its outcome.
func (manager *Manager) ValidToken(ctx context.Context) (tokenstore.Token, error) {
	current, readErr := manager.store.Read(ctx)
	if readErr != nil {
		if errors.Is(readErr, tokenstore.ErrNoToken) {
			return tokenstore.Token{}, apierror.New(apierror.KindSessionExpired, 0, "no session").Wrap(readErr)
		}
		return tokenstore.Token{}, fmt.Errorf("session.valid_token: %w", readErr)
	}
	if !current.IsExpired(manager.clock, manager.expirySkew) {
		return current, nil
	}
	return manager.Refresh(ctx)
}

// Restore rehydrates the session from a previously persisted token, e.g. at
// process start. The token is refreshed first when it has already expired.
func (manager *Manager) Restore(ctx context.Context) (Session, error) {
	token, tokenErr := manager.ValidToken(ctx)
	if tokenErr != nil {
		return Session{}, tokenErr
	}
	identity, identityErr := decodeIdentity(token.AccessToken)
	if identityErr != nil {
		return Session{}, fmt.Errorf("session.restore: %w", identityErr)
	}
	effective := manager.engine.EffectivePermissions(identity.Roles, identity.DirectPermissions)

	manager.mutex.Lock()
	manager.identity = identity
	manager.effective = effective
	manager.setStateLocked(StateAuthenticated)
	manager.mutex.Unlock()

	return Session{Identity: identity, Token: token}, nil
}

// Invalidate drops the session without a server round-trip. The API client
// calls this when a request still sees 401 after a successful refresh.
func (manager *Manager) Invalidate(ctx context.Context) error {
	manager.expireSession(ctx)
	return nil
}

func (manager *Manager) expireSession(ctx context.Context) {
	if clearErr := manager.store.Clear(ctx); clearErr != nil {
		manager.logger.Error("failed to clear expired session",
			zap.String("code", "session.expire.clear_failed"),
			zap.Error(clearErr))
	}
	manager.mutex.Lock()
	manager.identity = Identity{}
	manager.effective = nil
	manager.setStateLocked(StateAnonymous)
	manager.mutex.Unlock()
}

func (manager *Manager) resetToAnonymous() {
	manager.mutex.Lock()
	manager.setStateLocked(StateAnonymous)
	manager.mutex.Unlock()
}

func (manager *Manager) restoreState(state State) {
	manager.mutex.Lock()
	manager.setStateLocked(state)
	manager.mutex.Unlock()
}

// State returns the current lifecycle phase.
func (manager *Manager) State() State {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.state
}

// Identity returns a snapshot of the authenticated user.
func (manager *Manager) Identity() Identity {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	identity := manager.identity
	identity.Roles = append([]rbac.Role(nil), manager.identity.Roles...)
	identity.DirectPermissions = append([]rbac.Permission(nil), manager.identity.DirectPermissions...)
	return identity
}

// Permissions returns the session's effective permission set. The set is
// computed on login and refresh and treated as immutable in between.
func (manager *Manager) Permissions() rbac.PermissionSet {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	snapshot := make(rbac.PermissionSet, len(manager.effective))
	for permission := range manager.effective {
		snapshot[permission] = struct{}{}
	}
	return snapshot
}

// Roles returns a snapshot of the held roles.
func (manager *Manager) Roles() []rbac.Role {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return append([]rbac.Role(nil), manager.identity.Roles...)
}

// HasPermission checks one permission against the effective set.
func (manager *Manager) HasPermission(required rbac.Permission) bool {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	return manager.effective.Has(required)
}

// HasRole checks the required roles against the held roles, honoring
// hierarchy inheritance.
func (manager *Manager) HasRole(required ...rbac.Role) bool {
	manager.mutex.Lock()
	held := append([]rbac.Role(nil), manager.identity.Roles...)
	manager.mutex.Unlock()
	return manager.engine.HasRole(held, required...)
}

// HasAccess evaluates a composite access check for the current session.
func (manager *Manager) HasAccess(check rbac.AccessCheck) bool {
	manager.mutex.Lock()
	held := append([]rbac.Role(nil), manager.identity.Roles...)
	direct := append([]rbac.Permission(nil), manager.identity.DirectPermissions...)
	manager.mutex.Unlock()
	return manager.engine.HasAccess(held, direct, check)
}

// Subscribe registers a state-transition listener. The channel is buffered;
// a slow subscriber misses transitions rather than blocking the session.
// The returned cancel function must be called when done.
func (manager *Manager) Subscribe() (<-chan State, func()) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	identifier := manager.nextSubscriber
	manager.nextSubscriber++
	channel := make(chan State, 8)
	manager.subscribers[identifier] = channel
	return channel, func() {
		manager.mutex.Lock()
		defer manager.mutex.Unlock()
		if existing, ok := manager.subscribers[identifier]; ok {
			delete(manager.subscribers, identifier)
			close(existing)
		}
	}
}

// Close disposes the manager and releases all subscribers.
func (manager *Manager) Close() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if manager.closed {
		return
	}
	manager.closed = true
	for identifier, channel := range manager.subscribers {
		delete(manager.subscribers, identifier)
		close(channel)
	}
}

func (manager *Manager) setStateLocked(next State) {
	if manager.state == next {
		return
	}
	manager.state = next
	for _, channel := range manager.subscribers {
		select {
		case channel <- next:
		default:
		}
	}
}

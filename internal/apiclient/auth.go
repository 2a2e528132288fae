package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tyemirov/tadmin/internal/apierror"
	"github.com/tyemirov/tadmin/internal/tokenstore"
	"go.uber.org/zap"
)

// AuthTransport speaks the three authentication endpoints directly, with no
// retries: a rejected credential is not transient, and a failed refresh is
// judged by the session manager, not replayed here.
type AuthTransport struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAuthTransport builds the transport the session manager authenticates
// through.
func NewAuthTransport(baseURL string, httpClient *http.Client, logger *zap.Logger) (*AuthTransport, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errEmptyBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthTransport{baseURL: trimmed, httpClient: httpClient, logger: logger}, nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login exchanges credentials for a token grant.
func (transport *AuthTransport) Login(ctx context.Context, email string, password string) (tokenstore.Grant, error) {
	return transport.postForGrant(ctx, "/auth/login", loginRequest{Email: email, Password: password})
}

// Refresh exchanges a refresh token for a rotated grant. Refresh tokens are
// single use; the previous one is dead once this call reaches the backend.
func (transport *AuthTransport) Refresh(ctx context.Context, refreshToken string) (tokenstore.Grant, error) {
	return transport.postForGrant(ctx, "/auth/refresh", refreshRequest{RefreshToken: refreshToken})
}

// Logout revokes the refresh token server-side.
func (transport *AuthTransport) Logout(ctx context.Context, refreshToken string) error {
	statusCode, body, err := transport.post(ctx, "/auth/logout", refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return err
	}
	if statusCode < 200 || statusCode >= 300 {
		return apierror.FromResponse(statusCode, body)
	}
	return nil
}

func (transport *AuthTransport) postForGrant(ctx context.Context, path string, payload any) (tokenstore.Grant, error) {
	statusCode, body, err := transport.post(ctx, path, payload)
	if err != nil {
		return tokenstore.Grant{}, err
	}
	if statusCode < 200 || statusCode >= 300 {
		apiErr := apierror.FromResponse(statusCode, body)
		transport.logger.Debug("auth endpoint rejected request",
			zap.String("code", "apiclient.auth.rejected"),
			zap.String("path", path),
			zap.Int("status", statusCode))
		return tokenstore.Grant{}, apiErr
	}
	var grant tokenstore.Grant
	if decodeErr := json.Unmarshal(body, &grant); decodeErr != nil {
		return tokenstore.Grant{}, fmt.Errorf("apiclient.auth.decode_grant: %w", decodeErr)
	}
	return grant, nil
}

func (transport *AuthTransport) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		return 0, nil, fmt.Errorf("apiclient.auth.encode: %w", encodeErr)
	}
	request, buildErr := http.NewRequestWithContext(ctx, http.MethodPost, transport.baseURL+path, bytes.NewReader(encoded))
	if buildErr != nil {
		return 0, nil, fmt.Errorf("apiclient.auth.build_request: %w", buildErr)
	}
	request.Header.Set("Content-Type", "application/json")
	response, doErr := transport.httpClient.Do(request)
	if doErr != nil {
		return 0, nil, apierror.New(apierror.KindNetwork, 0, "auth endpoint unreachable").Wrap(doErr)
	}
	defer func() { _ = response.Body.Close() }()
	body, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return 0, nil, apierror.New(apierror.KindNetwork, 0, "auth response truncated").Wrap(readErr)
	}
	return response.StatusCode, body, nil
}

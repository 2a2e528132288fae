package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/tadmin/internal/apierror"
	"github.com/tyemirov/tadmin/internal/tokenstore"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TokenSession is the slice of the session manager the client depends on.
// All token mutation stays behind the session manager; the client never
// writes the store directly.
type TokenSession interface {
	ValidToken(ctx context.Context) (tokenstore.Token, error)
	Refresh(ctx context.Context) (tokenstore.Token, error)
	Invalidate(ctx context.Context) error
}

// Config tunes a Client. Zero values select defaults.
type Config struct {
	BaseURL     string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// JitterFraction spreads retry delays symmetrically (0.2 means ±20%).
	JitterFraction float64
	// CSRFTokenProvider, when set, marks the session as cookie-based
	// secure mode: its value is attached as X-CSRF-Token on
	// state-changing verbs.
	CSRFTokenProvider func() string
	// RequestsPerSecond enables client-side pacing when positive.
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
	Logger            *zap.Logger
	Metrics           MetricsRecorder
}

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 250 * time.Millisecond
	defaultMaxDelay    = 8 * time.Second
	defaultJitter      = 0.2
)

var (
	errEmptyBaseURL = errors.New("apiclient.empty_base_url")
	errNilSession   = errors.New("apiclient.nil_session")
)

// RequestOptions carry the per-request knobs.
type RequestOptions struct {
	// Body is JSON-encoded when non-nil.
	Body any
	// Out, when non-nil, receives the decoded 2xx JSON body.
	Out     any
	Query   url.Values
	Headers http.Header
	// IdempotencyKey is attached unchanged to every retry of this logical
	// request so the backend can deduplicate its effect.
	IdempotencyKey string
	// EnsureIdempotencyKey generates a key for state-changing requests
	// that did not bring their own.
	EnsureIdempotencyKey bool
}

// Response is the terminal outcome of a successful request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client issues authenticated requests with retry, backoff, and
// refresh-once-on-401 semantics.
type Client struct {
	session        TokenSession
	baseURL        string
	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	jitterFraction float64
	csrfProvider   func() string
	limiter        *rate.Limiter
	httpClient     *http.Client
	logger         *zap.Logger
	metrics        MetricsRecorder
}

// New constructs a Client bound to one session manager instance; consumers
// receive it as an explicit dependency rather than a shared global.
func New(session TokenSession, configuration Config) (*Client, error) {
	if session == nil {
		return nil, errNilSession
	}
	baseURL := strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/")
	if baseURL == "" {
		return nil, errEmptyBaseURL
	}
	maxAttempts := configuration.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseDelay := configuration.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := configuration.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	jitterFraction := configuration.JitterFraction
	if jitterFraction <= 0 {
		jitterFraction = defaultJitter
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := configuration.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	var limiter *rate.Limiter
	if configuration.RequestsPerSecond > 0 {
		burst := configuration.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(configuration.RequestsPerSecond), burst)
	}
	return &Client{
		session:        session,
		baseURL:        baseURL,
		maxAttempts:    maxAttempts,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
		jitterFraction: jitterFraction,
		csrfProvider:   configuration.CSRFTokenProvider,
		limiter:        limiter,
		httpClient:     httpClient,
		logger:         logger,
		metrics:        metrics,
	}, nil
}

// Get issues a GET request.
func (client *Client) Get(ctx context.Context, path string, options RequestOptions) (*Response, error) {
	return client.Request(ctx, http.MethodGet, path, options)
}

// Post issues a POST request.
func (client *Client) Post(ctx context.Context, path string, options RequestOptions) (*Response, error) {
	return client.Request(ctx, http.MethodPost, path, options)
}

// Request runs the retry loop for one logical request. Transient failures
// (transport errors, 5xx, 429) are retried with exponential backoff and
// jitter up to MaxAttempts; the first 401 triggers exactly one refresh and
// one replay; deterministic 4xx responses surface immediately.
func (client *Client) Request(ctx context.Context, method string, path string, options RequestOptions) (*Response, error) {
	bodyBytes, encodeErr := encodeBody(options.Body)
	if encodeErr != nil {
		return nil, fmt.Errorf("apiclient.encode_body: %w", encodeErr)
	}

	idempotencyKey := options.IdempotencyKey
	if idempotencyKey == "" && options.EnsureIdempotencyKey && isStateChanging(method) {
		idempotencyKey = uuid.NewString()
	}

	attempts := 0
	refreshed := false
	var lastTransportErr error
	var lastStatus int

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("apiclient.canceled: %w", err)
		}
		if client.limiter != nil {
			client.metrics.Increment(MetricRateLimitedWait)
			if err := client.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("apiclient.canceled: %w", err)
			}
		}

		token, tokenErr := client.session.ValidToken(ctx)
		if tokenErr != nil {
			if errors.Is(tokenErr, apierror.ErrSessionExpired) {
				client.metrics.Increment(MetricSessionExpired)
			}
			return nil, tokenErr
		}

		request, buildErr := client.buildRequest(ctx, method, path, options, bodyBytes, token, idempotencyKey)
		if buildErr != nil {
			return nil, buildErr
		}

		attempts++
		client.metrics.Increment(MetricRequestAttempt)

		response, doErr := client.httpClient.Do(request)
		if doErr != nil {
			lastTransportErr = doErr
			lastStatus = 0
			if attempts >= client.maxAttempts {
				break
			}
			if err := client.backoff(ctx, attempts, nil); err != nil {
				return nil, err
			}
			continue
		}

		responseBody, readErr := io.ReadAll(response.Body)
		_ = response.Body.Close()
		if readErr != nil {
			lastTransportErr = readErr
			lastStatus = 0
			if attempts >= client.maxAttempts {
				break
			}
			if err := client.backoff(ctx, attempts, nil); err != nil {
				return nil, err
			}
			continue
		}

		statusCode := response.StatusCode
		switch {
		case statusCode >= 200 && statusCode < 300:
			if options.Out != nil && len(responseBody) > 0 {
				if decodeErr := json.Unmarshal(responseBody, options.Out); decodeErr != nil {
					return nil, fmt.Errorf("apiclient.decode_body: %w", decodeErr)
				}
			}
			return &Response{StatusCode: statusCode, Header: response.Header, Body: responseBody}, nil

		case statusCode == http.StatusUnauthorized:
			if refreshed {
				// A 401 with a freshly-refreshed token is a hard
				// authentication failure; looping would hammer the
				// backend with a dead session.
				client.metrics.Increment(MetricSessionExpired)
				client.logger.Warn("second 401 after refresh",
					zap.String("code", "apiclient.double_401"),
					zap.String("method", method),
					zap.String("path", path))
				_ = client.session.Invalidate(ctx)
				return nil, apierror.New(apierror.KindSessionExpired, statusCode, "authentication rejected after refresh").WithAttempts(attempts)
			}
			refreshed = true
			client.metrics.Increment(MetricRefreshTriggered)
			client.logger.Debug("401 received, refreshing once",
				zap.String("code", "apiclient.refresh_once"),
				zap.String("method", method),
				zap.String("path", path))
			if _, refreshErr := client.session.Refresh(ctx); refreshErr != nil {
				return nil, refreshErr
			}
			// The refresh-and-replay cycle is separate from the transient
			// retry budget; the 401 attempt does not count against it.
			attempts--
			continue

		case apierror.Retryable(statusCode):
			lastStatus = statusCode
			lastTransportErr = nil
			if attempts >= client.maxAttempts {
				break
			}
			var serverDelay *time.Duration
			if statusCode == http.StatusTooManyRequests {
				if delay, ok := retryAfterDelay(response.Header, time.Now()); ok {
					serverDelay = &delay
				}
			}
			if err := client.backoff(ctx, attempts, serverDelay); err != nil {
				return nil, err
			}
			continue

		default:
			return nil, apierror.FromResponse(statusCode, responseBody).WithAttempts(attempts)
		}

		break
	}

	switch {
	case lastStatus == http.StatusTooManyRequests:
		return nil, apierror.New(apierror.KindRateLimited, lastStatus, "rate limited, retries exhausted").WithAttempts(attempts)
	case lastStatus >= 500:
		return nil, apierror.New(apierror.KindServer, lastStatus, "server error, retries exhausted").WithAttempts(attempts)
	default:
		return nil, apierror.New(apierror.KindNetwork, 0, "transport failure, retries exhausted").Wrap(lastTransportErr).WithAttempts(attempts)
	}
}

func (client *Client) backoff(ctx context.Context, attemptsSoFar int, serverDelay *time.Duration) error {
	client.metrics.Increment(MetricRequestRetry)
	delay := retryDelay(client.baseDelay, client.maxDelay, attemptsSoFar-1, client.jitterFraction)
	if serverDelay != nil {
		delay = *serverDelay
	}
	client.logger.Debug("retrying after backoff",
		zap.String("code", "apiclient.backoff"),
		zap.Duration("delay", delay),
		zap.Int("attempts", attemptsSoFar))
	if err := sleepContext(ctx, delay); err != nil {
		return fmt.Errorf("apiclient.canceled: %w", err)
	}
	return nil
}

func (client *Client) buildRequest(ctx context.Context, method string, path string, options RequestOptions, bodyBytes []byte, token tokenstore.Token, idempotencyKey string) (*http.Request, error) {
	target := client.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(options.Query) > 0 {
		target = target + "?" + options.Query.Encode()
	}
	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}
	request, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("apiclient.build_request: %w", err)
	}
	for name, values := range options.Headers {
		for _, value := range values {
			request.Header.Add(name, value)
		}
	}
	if bodyBytes != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	request.Header.Set("Authorization", tokenType+" "+token.AccessToken)
	if idempotencyKey != "" {
		request.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if client.csrfProvider != nil && isStateChanging(method) {
		if csrfToken := client.csrfProvider(); csrfToken != "" {
			request.Header.Set("X-CSRF-Token", csrfToken)
		}
	}
	return request, nil
}

func encodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	return json.Marshal(body)
}

func isStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

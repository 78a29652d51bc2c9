package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Retry and backoff defaults.
const (
	DefaultMaxRetries = 3
	DefaultUserAgent  = "thumbphoto/0.1"
	DefaultTimeout    = 30 * time.Second

	baseBackoff    = 1 * time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// Header names.
const (
	headerRequestID       = "request-id"
	headerClientRequestID = "client-request-id"
	headerRetryAfter      = "Retry-After"
)

// TokenSource provides OAuth2 bearer tokens. Defined at the consumer
// (graph package) per Go convention "accept interfaces, return structs";
// auth.TokenProvider satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client is an HTTP client for the Azure AD Graph API. Every attempt builds
// a fresh request and sets the bearer token on it, so a Client is safe for
// concurrent use.
type Client struct {
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
	userAgent  string
	maxRetries int
	limiter    *RateLimiter

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// WithMaxRetries bounds retries for 5xx responses and network errors.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = max(n, 0) }
}

// WithRateLimiter replaces the default limiter.
func WithRateLimiter(l *RateLimiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// NewClient creates a Graph API client. A nil httpClient gets one with
// DefaultTimeout.
func NewClient(httpClient *http.Client, token TokenSource, logger *slog.Logger, opts ...ClientOption) *Client {
	if token == nil {
		panic("graph: NewClient called with nil TokenSource")
	}

	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	c := &Client{
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		userAgent:  DefaultUserAgent,
		maxRetries: DefaultMaxRetries,
		limiter:    NewRateLimiter(DefaultRequestsPerSecond, DefaultBurst),
		sleepFunc:  timeSleep,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Do executes an HTTP request against rawURL. body may be nil; it is
// rewound before each retry. The caller is responsible for closing the
// response body on success.
func (c *Client) Do(ctx context.Context, method, rawURL string, body io.ReadSeeker) (*http.Response, error) {
	return c.DoWithHeaders(ctx, method, rawURL, body, nil)
}

// DoWithHeaders is Do with extra request headers (e.g. Content-Type).
func (c *Client) DoWithHeaders(
	ctx context.Context, method, rawURL string, body io.ReadSeeker, headers http.Header,
) (*http.Response, error) {
	var attempt int

	for {
		if err := rewindBody(body); err != nil {
			return nil, err
		}

		if err := c.limiter.Wait(ctx, c.sleepFunc); err != nil {
			return nil, fmt.Errorf("graph: request canceled: %w", err)
		}

		clientReqID := uuid.NewString()

		resp, err := c.doOnce(ctx, method, rawURL, body, headers, clientReqID)
		if err != nil {
			// Context cancellation and token failures are not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("graph: request canceled: %w", ctx.Err())
			}

			var permErr *permanentError
			if errors.As(err, &permErr) {
				return nil, permErr.err
			}

			if attempt < c.maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("client_request_id", clientReqID),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("graph: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("graph: %s failed after %d retries: %w", method, c.maxRetries, err)
		}

		// 2xx: success.
		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.Int("status", resp.StatusCode),
				slog.String("request_id", resp.Header.Get(headerRequestID)),
				slog.String("client_request_id", clientReqID),
			)

			return resp, nil
		}

		// Read and close body for error responses.
		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		reqID := resp.Header.Get(headerRequestID)

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := c.limiter.Throttled(resp.Header.Get(headerRetryAfter))
			c.logger.Warn("throttled by server",
				slog.String("method", method),
				slog.Duration("retry_after", wait),
				slog.String("request_id", reqID),
				slog.String("client_request_id", clientReqID),
			)
		}

		if isRetryable(resp.StatusCode) && attempt < c.maxRetries {
			backoff := c.calcBackoff(attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
				slog.String("request_id", reqID),
				slog.String("client_request_id", clientReqID),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("graph: request canceled: %w", err)
			}

			attempt++

			continue
		}

		graphErr := &GraphError{
			StatusCode:      resp.StatusCode,
			RequestID:       reqID,
			ClientRequestID: clientReqID,
			Message:         string(errBody),
			Err:             classifyStatus(resp.StatusCode),
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
				slog.String("client_request_id", clientReqID),
			)
		}

		return nil, graphErr
	}
}

// permanentError marks a doOnce failure that happened before anything was
// sent (token acquisition, request construction). Do returns it unwrapped
// instead of retrying.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(
	ctx context.Context, method, rawURL string, body io.Reader, headers http.Header, clientReqID string,
) (*http.Response, error) {
	tok, err := c.token.Token(ctx)
	if err != nil {
		return nil, &permanentError{err: err}
	}

	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, &permanentError{err: fmt.Errorf("graph: creating request: %w", err)}
	}

	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(headerClientRequestID, clientReqID)
	req.Header.Set("return-client-request-id", "true")

	return c.httpClient.Do(req)
}

// rewindBody seeks body back to the start before an attempt.
func rewindBody(body io.ReadSeeker) error {
	if body == nil {
		return nil
	}

	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("graph: rewinding request body: %w", err)
	}

	return nil
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

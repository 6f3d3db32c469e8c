package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/retention/backend/internal/domain/integration"
)

// StatusError is a non-2xx platform response
type StatusError struct {
	Platform   integration.PlatformType
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Platform.DisplayName(), e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Platform.DisplayName(), e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed when retried.
// Only 429 and 5xx qualify.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Unwrap maps rejected credentials to ErrConnection
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return integration.ErrConnection
	}
	return nil
}

// ---------------------------------------------------------------------------
// Run deadline
// ---------------------------------------------------------------------------

// WithRunDeadline derives the context a connector fetches under. When the
// timeout elapses the context is cancelled with ErrSyncTimeout as its cause.
func WithRunDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, timeout, integration.ErrSyncTimeout)
}

// IsRunTimeout reports whether ctx was cancelled by its run deadline
func IsRunTimeout(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), integration.ErrSyncTimeout)
}

// ---------------------------------------------------------------------------
// Shared connector plumbing
// ---------------------------------------------------------------------------

// Option configures a connector
type Option func(*base)

// WithClock sets the clock used to stamp results
func WithClock(c clock.PassiveClock) Option {
	return func(b *base) { b.clock = c }
}

// WithHTTPClient replaces the HTTP client built from Config
func WithHTTPClient(c *http.Client) Option {
	return func(b *base) { b.httpClient = c }
}

// withRetryBase shortens the backoff, used by tests
func withRetryBase(d time.Duration) Option {
	return func(b *base) { b.retryBase = d }
}

// base carries what every connector shares: config, rate limiter, retry
// policy and clock.
type base struct {
	platform   integration.PlatformType
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	retryBase  time.Duration
	clock      clock.PassiveClock
	logger     *zap.Logger
}

func newBase(platform integration.PlatformType, cfg Config, logger *zap.Logger, opts ...Option) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := base{
		platform:  platform,
		cfg:       cfg,
		retryBase: 500 * time.Millisecond,
		clock:     clock.RealClock{},
		logger:    logger.With(zap.String("platform", platform.String())),
	}
	for _, opt := range opts {
		opt(&b)
	}
	if b.httpClient == nil {
		b.httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := int(cfg.RateLimit)
	if burst < 1 {
		burst = 1
	}
	b.limiter = rate.NewLimiter(limit, burst)
	return b
}

// retry runs op under the connector's rate limit and backoff policy.
// Errors that are not transient stop the retry loop immediately.
func retry[T any](ctx context.Context, b *base, op func() (T, error)) (T, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.retryBase
	eb.MaxInterval = 30 * b.retryBase

	return backoff.Retry(ctx, func() (T, error) {
		var zero T
		if err := b.limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		v, err := op()
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, backoff.Permanent(err)
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(b.cfg.MaxRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.logger.Warn("Retrying platform request",
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
}

// requestOptions decorates an outgoing request
type requestOptions struct {
	client *http.Client
	header http.Header
	user   string
	pass   string
}

// do issues an HTTP request with retries and returns the response body
func (b *base) do(ctx context.Context, method, url string, body []byte, ro requestOptions) ([]byte, error) {
	client := ro.client
	if client == nil {
		client = b.httpClient
	}

	return retry(ctx, b, func() ([]byte, error) {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rdr)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%s: failed to create request: %w", b.platform.DisplayName(), err))
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, vs := range ro.header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if ro.user != "" || ro.pass != "" {
			req.SetBasicAuth(ro.user, ro.pass)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return nil, fmt.Errorf("%s: failed to read response: %w", b.platform.DisplayName(), err)
		}
		if resp.StatusCode >= 300 {
			se := &StatusError{Platform: b.platform, StatusCode: resp.StatusCode, Message: truncate(string(data), 200)}
			if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 && se.Temporary() {
				return nil, fmt.Errorf("%w%w", se, backoff.RetryAfter(secs))
			}
			return nil, se
		}
		return data, nil
	})
}

// finish ends a fetch loop. A run deadline becomes a run-level timeout
// failure with the partial result; any other fault is returned alongside
// the partial result.
func (b *base) finish(ctx context.Context, rb *integration.ResultBuilder, creds integration.Credentials, err error) (*integration.SyncResult, error) {
	switch {
	case err == nil:
		return rb.Build(b.clock.Now()), nil
	case IsRunTimeout(ctx):
		rb.Abort(fmt.Sprintf("%s after %d records", integration.ErrSyncTimeout.Error(), rb.Fetched()))
		b.logger.Warn("Sync timed out", zap.Int("fetched", rb.Fetched()))
		return rb.Build(b.clock.Now()), nil
	case ctx.Err() != nil:
		rb.Abort("sync cancelled")
		return rb.Build(b.clock.Now()), fmt.Errorf("%s: fetch cancelled: %w", b.platform.DisplayName(), ctx.Err())
	default:
		msg := creds.Redact(err.Error())
		rb.Abort(msg)
		return rb.Build(b.clock.Now()), fmt.Errorf("%w: %s", integration.ErrConnection, msg)
	}
}

// connectionError converts a failed connection check into ErrConnection
func (b *base) connectionError(creds integration.Credentials, err error) error {
	return fmt.Errorf("%w: %s", integration.ErrConnection, creds.Redact(err.Error()))
}

// pageLimit returns the page size for the next request under MaxRecords
func (b *base) pageLimit(opts integration.SyncOptions, fetched int) int {
	size := b.cfg.PageSize
	if opts.MaxRecords > 0 {
		if left := opts.MaxRecords - fetched; left < size {
			size = left
		}
	}
	return size
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// requireCredential returns a credential or ErrMissingConfiguration
func requireCredential(i *integration.Integration, key string) (string, error) {
	v := i.Credentials.Get(key)
	if v == "" {
		return "", fmt.Errorf("%w: credential %q", integration.ErrMissingConfiguration, key)
	}
	return v, nil
}

package connector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retention/backend/internal/domain/integration"
)

func TestConfig_Validate(t *testing.T) {
	cfg := Config{MaxRetries: -1, RateLimit: -5}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultHTTPTimeout, cfg.HTTPTimeout)
	assert.Equal(t, DefaultPageSize, cfg.PageSize)
	assert.Zero(t, cfg.MaxRetries)
	assert.Zero(t, cfg.RateLimit)

	assert.ErrorIs(t, (&Config{}).requireBaseURL(), ErrConfigMissingBaseURL)
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		code      int
		temporary bool
		conn      bool
	}{
		{http.StatusBadRequest, false, false},
		{http.StatusUnauthorized, false, true},
		{http.StatusForbidden, false, true},
		{http.StatusNotFound, false, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusServiceUnavailable, true, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			err := &StatusError{Platform: integration.PlatformHubSpot, StatusCode: tt.code}
			assert.Equal(t, tt.temporary, err.Temporary())
			assert.Equal(t, tt.conn, errors.Is(err, integration.ErrConnection))
			assert.Contains(t, err.Error(), "HubSpot")
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "  ok  ", 10, "ok"},
		{"ascii", "abcdef", 3, "abc..."},
		{"inside two byte rune", "héllo", 2, "h..."},
		{"inside three byte rune", "日本語", 4, "日..."},
		{"on rune boundary", "日本語", 6, "日本..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}

	body := strings.Repeat("ошибка ", 60)
	assert.True(t, utf8.ValidString(truncate(body, 200)))
}

func TestBase_DoRetries(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		wantErr      bool
		wantAttempts int32
	}{
		{"success first try", []int{200}, false, 1},
		{"server error then success", []int{500, 503, 200}, false, 3},
		{"rate limited then success", []int{429, 200}, false, 2},
		{"bad request not retried", []int{400, 200}, true, 1},
		{"unauthorized not retried", []int{401, 200}, true, 1},
		{"retries exhausted", []int{500, 500, 500, 500}, true, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := attempts.Add(1)
				w.WriteHeader(tt.statuses[n-1])
				_, _ = w.Write([]byte(`{"ok":true}`))
			}))
			defer srv.Close()

			b := newBase(integration.PlatformHubSpot, testConfig(srv.URL), testLogger(), testOptions()...)
			body, err := b.do(context.Background(), http.MethodGet, srv.URL, nil, requestOptions{})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.JSONEq(t, `{"ok":true}`, string(body))
			}
			assert.Equal(t, tt.wantAttempts, attempts.Load())
		})
	}
}

func TestBase_DoSendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "u", user)
		assert.Equal(t, "p", pass)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "v", r.Header.Get("X-Test"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := newBase(integration.PlatformMailchimp, testConfig(srv.URL), testLogger(), testOptions()...)
	_, err := b.do(context.Background(), http.MethodPost, srv.URL, []byte(`{}`), requestOptions{
		user:   "u",
		pass:   "p",
		header: http.Header{"X-Test": []string{"v"}},
	})
	require.NoError(t, err)
}

func TestWithRunDeadline(t *testing.T) {
	t.Run("timeout cause", func(t *testing.T) {
		ctx, cancel := WithRunDeadline(context.Background(), time.Millisecond)
		defer cancel()
		<-ctx.Done()
		assert.True(t, IsRunTimeout(ctx))
	})

	t.Run("parent cancellation is not a timeout", func(t *testing.T) {
		parent, cancelParent := context.WithCancel(context.Background())
		ctx, cancel := WithRunDeadline(parent, time.Hour)
		defer cancel()
		cancelParent()
		<-ctx.Done()
		assert.False(t, IsRunTimeout(ctx))
	})

	t.Run("no timeout", func(t *testing.T) {
		ctx, cancel := WithRunDeadline(context.Background(), 0)
		_, hasDeadline := ctx.Deadline()
		assert.False(t, hasDeadline)
		cancel()
		assert.False(t, IsRunTimeout(ctx))
	})
}

func TestBase_Finish(t *testing.T) {
	b := newBase(integration.PlatformStripe, testConfig(""), testLogger())
	creds := integration.Credentials{"secret_key": "sk_test_supersecret"}

	t.Run("network fault returns partial result and error", func(t *testing.T) {
		rb := integration.NewResultBuilder(time.Now())
		rb.Skip()
		res, err := b.finish(context.Background(), rb, creds, errors.New("dial sk_test_supersecret: refused"))
		require.Error(t, err)
		assert.ErrorIs(t, err, integration.ErrConnection)
		assert.NotContains(t, err.Error(), "sk_test_supersecret")
		assert.False(t, res.Success)
		assert.Equal(t, 1, res.Fetched)
		require.Len(t, res.Failures, 1)
		assert.Empty(t, res.Failures[0].ExternalID)
		assert.NotContains(t, res.Failures[0].Reason, "sk_test_supersecret")
	})

	t.Run("timeout returns partial result without error", func(t *testing.T) {
		ctx, cancel := WithRunDeadline(context.Background(), time.Millisecond)
		defer cancel()
		<-ctx.Done()

		rb := integration.NewResultBuilder(time.Now())
		res, err := b.finish(ctx, rb, creds, context.DeadlineExceeded)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.True(t, res.Aborted)
		assert.Zero(t, res.Failed)
		require.Len(t, res.Failures, 1)
		assert.Contains(t, res.Failures[0].Reason, integration.ErrSyncTimeout.Error())
	})
}

func TestBase_PageLimit(t *testing.T) {
	b := newBase(integration.PlatformStripe, Config{PageSize: 100}, testLogger())
	assert.Equal(t, 100, b.pageLimit(integration.SyncOptions{}, 0))
	assert.Equal(t, 100, b.pageLimit(integration.SyncOptions{MaxRecords: 500}, 0))
	assert.Equal(t, 30, b.pageLimit(integration.SyncOptions{MaxRecords: 250}, 220))
}

package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/retention/backend/internal/infrastructure/config"
)

// fakeS3 is a minimal path-style S3 endpoint
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	buckets map[string]bool
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	f := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}, buckets: map[string]bool{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		path := r.URL.Path
		isBucket := len(path) > 1 && !strings.Contains(path[1:], "/")
		switch {
		case isBucket && r.Method == http.MethodHead:
			if !f.buckets[path] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
		case isBucket && r.Method == http.MethodPut:
			f.buckets[path] = true
		case r.Method == http.MethodPut:
			body, err := io.ReadAll(r.Body)
			assert.NoError(t, err)
			f.objects[path] = body
			f.types[path] = r.Header.Get("Content-Type")
			w.Header().Set("ETag", `"etag"`)
		case r.Method == http.MethodHead:
			if _, ok := f.objects[path]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
		case r.Method == http.MethodDelete:
			delete(f.objects, path)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func newTestStorage(t *testing.T, endpoint string) *S3ObjectStorage {
	t.Helper()
	s, err := NewS3ObjectStorage(context.Background(), &config.StorageConfig{
		Endpoint:        endpoint,
		Region:          "us-east-1",
		Bucket:          "reports",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		UsePathStyle:    true,
	}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return s
}

func TestNewS3ObjectStorage_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.StorageConfig
		wantErr string
	}{
		{"nil config", nil, "configuration is required"},
		{"missing bucket", &config.StorageConfig{}, "bucket is required"},
		{"half static credentials", &config.StorageConfig{Bucket: "b", AccessKeyID: "k"}, "must be set together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewS3ObjectStorage(context.Background(), tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("valid config", func(t *testing.T) {
		s := newTestStorage(t, "localhost:9000")
		assert.Equal(t, "reports", s.Bucket())
	})
}

func TestS3ObjectStorage_UploadExistsDelete(t *testing.T) {
	fake, srv := newFakeS3(t)
	s := newTestStorage(t, srv.URL)
	ctx := context.Background()
	key := "sync-reports/t/i/run.json"

	require.NoError(t, s.Upload(ctx, key, []byte(`{"failed":1}`), "application/json"))

	fake.mu.Lock()
	assert.Contains(t, string(fake.objects["/reports/"+key]), `{"failed":1}`)
	assert.Equal(t, "application/json", fake.types["/reports/"+key])
	fake.mu.Unlock()

	exists, err := s.ObjectExists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.DeleteObject(ctx, key))

	exists, err = s.ObjectExists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestS3ObjectStorage_EnsureBucket(t *testing.T) {
	fake, srv := newFakeS3(t)
	s := newTestStorage(t, srv.URL)

	require.NoError(t, s.EnsureBucket(context.Background()))
	fake.mu.Lock()
	assert.True(t, fake.buckets["/reports"])
	fake.mu.Unlock()

	require.NoError(t, s.EnsureBucket(context.Background()), "existing bucket is accepted")
}

func TestS3ObjectStorage_RequiresKey(t *testing.T) {
	s := newTestStorage(t, "http://127.0.0.1:1")
	ctx := context.Background()

	assert.ErrorIs(t, s.Upload(ctx, "", nil, "application/json"), ErrStorageKeyRequired)
	assert.ErrorIs(t, s.DeleteObject(ctx, ""), ErrStorageKeyRequired)
	_, err := s.ObjectExists(ctx, "")
	assert.ErrorIs(t, err, ErrStorageKeyRequired)
}

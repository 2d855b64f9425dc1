package objectstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 accepts path-style PUT and HEAD requests for a single bucket.
type fakeS3 struct {
	bucket string
	deny   bool

	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodHead:
		if r.URL.Path == "/"+f.bucket || r.URL.Path == "/"+f.bucket+"/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case http.MethodPut:
		if f.deny {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.objects[r.URL.Path] = body
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		f.mu.Unlock()
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestUploader(t *testing.T, f *fakeS3, prefix string) *Uploader {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	u, err := NewUploader(Config{
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "testsecret",
		Region:          "us-east-1",
		Bucket:          f.bucket,
		Prefix:          prefix,
	})
	require.NoError(t, err)
	return u
}

func writeStaged(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "run-u1.jsonl")
	require.NoError(t, os.WriteFile(p, []byte(`{"id":"a","content":"hi","structData":{}}`+"\n"), 0o600))
	return p
}

func TestObjectName(t *testing.T) {
	u := &Uploader{prefix: "staging"}
	assert.Equal(t, "staging/u1/documents.jsonl", u.ObjectName("u1", "documents.jsonl"))
	u = &Uploader{}
	assert.Equal(t, "u1/documents.jsonl", u.ObjectName("u1", "documents.jsonl"))
	assert.Equal(t, "user@example.com/documents.jsonl", u.ObjectName("user@example.com", "documents.jsonl"))
}

func TestObjectNameKeepsTenantsApart(t *testing.T) {
	u := &Uploader{prefix: "batches"}
	keys := []string{"u1", "u1/", "./u1", "u2/../u1", "../batches/u1", "../../etc", ".", "..", "%2E", "u1%2F"}

	seen := make(map[string]string, len(keys))
	for _, key := range keys {
		name := u.ObjectName(key, "documents.jsonl")
		require.True(t, strings.HasPrefix(name, "batches/"), "%q -> %q", key, name)
		assert.Equal(t, name, path.Clean(name), "%q -> %q has dot segments", key, name)
		assert.Equal(t, 3, len(strings.Split(name, "/")), "%q -> %q", key, name)
		if other, dup := seen[name]; dup {
			t.Fatalf("tenants %q and %q both map to %q", other, key, name)
		}
		seen[name] = key
	}
}

func TestUploadSeparatesLookalikeTenants(t *testing.T) {
	f := newFakeS3("test-bucket")
	u := newTestUploader(t, f, "runs")
	p := writeStaged(t)

	first, err := u.Upload(context.Background(), p, "documents.jsonl", "u1")
	require.NoError(t, err)
	second, err := u.Upload(context.Background(), p, "documents.jsonl", "u2/../u1")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Len(t, f.objects, 2)
}

func TestUploadRequiresTenant(t *testing.T) {
	u := newTestUploader(t, newFakeS3("test-bucket"), "")
	_, err := u.Upload(context.Background(), writeStaged(t), "documents.jsonl", "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestUpload(t *testing.T) {
	f := newFakeS3("staging-bucket")
	u := newTestUploader(t, f, "runs")

	loc, err := u.Upload(context.Background(), writeStaged(t), "documents.jsonl", "u1")
	require.NoError(t, err)
	assert.Equal(t, "gs://staging-bucket/runs/u1/documents.jsonl", loc)

	f.mu.Lock()
	defer f.mu.Unlock()
	key := "/staging-bucket/runs/u1/documents.jsonl"
	require.Contains(t, f.objects, key)
	assert.Contains(t, string(f.objects[key]), `"content":"hi"`)
	assert.Equal(t, contentTypeNDJSON, f.types[key])
}

func TestUploadOverwrites(t *testing.T) {
	f := newFakeS3("test-bucket")
	u := newTestUploader(t, f, "")
	p := writeStaged(t)

	first, err := u.Upload(context.Background(), p, "documents.jsonl", "u1")
	require.NoError(t, err)
	second, err := u.Upload(context.Background(), p, "documents.jsonl", "u1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, f.objects, 1)
}

func TestUploadDenied(t *testing.T) {
	f := newFakeS3("test-bucket")
	f.deny = true
	u := newTestUploader(t, f, "")

	_, err := u.Upload(context.Background(), writeStaged(t), "documents.jsonl", "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUpload)
	assert.Equal(t, http.StatusBadGateway, apperrors.HTTPStatusCode(err))
}

func TestUploadMissingFile(t *testing.T) {
	u := newTestUploader(t, newFakeS3("test-bucket"), "")
	_, err := u.Upload(context.Background(), filepath.Join(t.TempDir(), "gone.jsonl"), "documents.jsonl", "u1")
	assert.ErrorIs(t, err, apperrors.ErrUpload)
}

func TestPing(t *testing.T) {
	u := newTestUploader(t, newFakeS3("present"), "")
	assert.NoError(t, u.Ping(context.Background()))

	missing := newFakeS3("present")
	srv := httptest.NewServer(missing)
	defer srv.Close()
	other, err := NewUploader(Config{Endpoint: srv.URL, Region: "us-east-1", Bucket: "absent"})
	require.NoError(t, err)
	assert.Error(t, other.Ping(context.Background()))
}

func TestNewUploaderRequiresBucket(t *testing.T) {
	_, err := NewUploader(Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}

package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/catalogd/internal/storage"
)

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	t.Cleanup(server.Close)
	bucket := "catalogd-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	return server, Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         "catalog",
		Insecure:       true,
		ForcePathStyle: true,
		CustomCreds:    credentials.NewStaticV4("test", "test", ""),
	}
}

func TestS3StoreObjectLifecycle(t *testing.T) {
	_, cfg := setupFakeS3(t)
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := store.GetObject(ctx, "context.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	payload := []byte(`{"queue":["musts"]}`)
	info, err := store.PutObject(ctx, "context.json", bytes.NewReader(payload), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.ETag == "" {
		t.Fatalf("expected etag")
	}
	res, err := store.GetObject(ctx, "context.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := io.ReadAll(res.Reader)
	res.Reader.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("unexpected payload %s", data)
	}
	stat, err := store.StatObject(ctx, "context.json")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if stat.Size != int64(len(payload)) {
		t.Fatalf("unexpected size %d", stat.Size)
	}
	if err := store.DeleteObject(ctx, "context.json", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteObject(ctx, "context.json", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if err := store.DeleteObject(ctx, "context.json", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore not found delete: %v", err)
	}
}

func TestS3StorePrefixesObjects(t *testing.T) {
	_, cfg := setupFakeS3(t)
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.PutObject(ctx, "admin/context.json", strings.NewReader("{}"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Client().StatObject(ctx, cfg.Bucket, "catalog/admin/context.json", minio.StatObjectOptions{}); err != nil {
		t.Fatalf("expected prefixed object: %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"deadline", context.DeadlineExceeded, true},
		{"timeout", fakeTimeoutErr{}, true},
		{"conn reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"server error", minio.ErrorResponse{StatusCode: http.StatusInternalServerError}, true},
		{"throttled", minio.ErrorResponse{StatusCode: http.StatusTooManyRequests}, true},
		{"forbidden", minio.ErrorResponse{StatusCode: http.StatusForbidden}, false},
		{"plain", errors.New("nope"), false},
	}
	for _, tc := range tests {
		if got := isRetryable(tc.err); got != tc.want {
			t.Errorf("%s: isRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

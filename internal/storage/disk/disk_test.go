package disk

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/catalogd/internal/storage"
)

func TestDiskObjectLifecycle(t *testing.T) {
	root := t.TempDir()
	store, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := store.GetObject(ctx, "admin/context.json"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	info, err := store.PutObject(ctx, "admin/context.json", strings.NewReader(`{"queue":[]}`), storage.PutObjectOptions{
		ContentType: storage.ContentTypeJSON,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if len(info.ETag) != 64 {
		t.Fatalf("expected sha256 etag, got %q", info.ETag)
	}
	if _, err := os.Stat(filepath.Join(root, "objects", "admin", "context.json")); err != nil {
		t.Fatalf("expected object file: %v", err)
	}
	res, err := store.GetObject(ctx, "admin/context.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(res.Reader)
	res.Reader.Close()
	if string(data) != `{"queue":[]}` {
		t.Fatalf("unexpected payload %q", data)
	}
	if res.Info.ETag != info.ETag || res.Info.ContentType != storage.ContentTypeJSON {
		t.Fatalf("sidecar mismatch: %+v", res.Info)
	}
	if err := store.DeleteObject(ctx, "admin/context.json", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteObject(ctx, "admin/context.json", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.DeleteObject(ctx, "admin/context.json", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore not found: %v", err)
	}
}

func TestDiskRejectsEscapingKeys(t *testing.T) {
	store, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if _, err := store.PutObject(ctx, "../../etc/passwd", strings.NewReader("x"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	p, _ := store.dataPath("../../etc/passwd")
	if !strings.HasPrefix(p, filepath.Join(store.Root(), "objects")) {
		t.Fatalf("key escaped root: %s", p)
	}
	if _, err := store.PutObject(ctx, "run.lock.info.json", strings.NewReader("x"), storage.PutObjectOptions{}); err == nil {
		t.Fatalf("expected sidecar-shaped key to be rejected")
	}
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error")
	}
}

package logging

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"pkt.systems/catalogd/internal/storage"
	"pkt.systems/catalogd/internal/storage/memory"
)

func TestWrapPassesThrough(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	wrapped := Wrap(inner, nil, "storage.test")
	if _, err := wrapped.PutObject(ctx, "run.lock", strings.NewReader("{}"), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON}); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := wrapped.GetObject(ctx, "run.lock")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(res.Reader)
	res.Reader.Close()
	if string(data) != "{}" {
		t.Fatalf("unexpected payload %q", data)
	}
	if _, err := wrapped.StatObject(ctx, "run.lock"); err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := wrapped.DeleteObject(ctx, "run.lock", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := wrapped.GetObject(ctx, "run.lock"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := wrapped.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestWrapNilInner(t *testing.T) {
	if Wrap(nil, nil, "x") != nil {
		t.Fatal("expected nil")
	}
}

package retry_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"pkt.systems/catalogd/internal/storage"
	"pkt.systems/catalogd/internal/storage/retry"
	"pkt.systems/pslog"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.now.Add(d)
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
}

type stubBackend struct {
	getErrs  []error
	getCalls int

	putErrs   []error
	putCalls  int
	putBodies []string
}

func (s *stubBackend) GetObject(ctx context.Context, key string) (*storage.GetObjectResult, error) {
	s.getCalls++
	if err := pop(&s.getErrs); err != nil {
		return nil, err
	}
	return &storage.GetObjectResult{
		Reader: io.NopCloser(strings.NewReader("{}")),
		Info:   &storage.ObjectInfo{Key: key},
	}, nil
}

func (s *stubBackend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	s.putCalls++
	data, _ := io.ReadAll(body)
	s.putBodies = append(s.putBodies, string(data))
	if err := pop(&s.putErrs); err != nil {
		return nil, err
	}
	return &storage.ObjectInfo{Key: key, ETag: "etag"}, nil
}

func (s *stubBackend) DeleteObject(context.Context, string, storage.DeleteObjectOptions) error {
	return nil
}

func (s *stubBackend) StatObject(_ context.Context, key string) (*storage.ObjectInfo, error) {
	return &storage.ObjectInfo{Key: key}, nil
}

func (s *stubBackend) Ping(context.Context) error { return nil }
func (s *stubBackend) Close() error               { return nil }

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func TestWrapReturnsNilOnNilInner(t *testing.T) {
	t.Parallel()

	if retry.Wrap(nil, pslog.NoopLogger(), &fakeClock{}, retry.Config{}) != nil {
		t.Fatal("expected nil backend")
	}
}

func TestGetObjectRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	back := &stubBackend{getErrs: []error{
		storage.NewTransientError(errors.New("503")),
		storage.NewTransientError(errors.New("503")),
	}}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, retry.Config{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    15 * time.Millisecond,
		Multiplier:  2,
	})
	res, err := wrapped.GetObject(context.Background(), "context.json")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	res.Reader.Close()
	if back.getCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", back.getCalls)
	}
	want := []time.Duration{10 * time.Millisecond, 15 * time.Millisecond}
	if len(fc.sleeps) != len(want) {
		t.Fatalf("expected sleeps %v, got %v", want, fc.sleeps)
	}
	for i := range want {
		if fc.sleeps[i] != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, fc.sleeps[i], want[i])
		}
	}
}

func TestGetObjectStopsOnNonTransientError(t *testing.T) {
	t.Parallel()

	back := &stubBackend{getErrs: []error{storage.ErrNotFound}}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, nil, fc, retry.Config{MaxAttempts: 4})
	if _, err := wrapped.GetObject(context.Background(), "run.lock"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if back.getCalls != 1 || len(fc.sleeps) != 0 {
		t.Fatalf("expected a single attempt, got calls=%d sleeps=%d", back.getCalls, len(fc.sleeps))
	}
}

func TestGetObjectGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	transient := storage.NewTransientError(errors.New("timeout"))
	back := &stubBackend{getErrs: []error{transient, transient, transient}}
	wrapped := retry.Wrap(back, nil, &fakeClock{}, retry.Config{MaxAttempts: 2})
	if _, err := wrapped.GetObject(context.Background(), "k"); !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if back.getCalls != 2 {
		t.Fatalf("expected 2 attempts, got %d", back.getCalls)
	}
}

func TestGetObjectRespectsCancellation(t *testing.T) {
	t.Parallel()

	back := &stubBackend{getErrs: []error{storage.NewTransientError(errors.New("503"))}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	wrapped := retry.Wrap(back, nil, &fakeClock{}, retry.Config{MaxAttempts: 3})
	if _, err := wrapped.GetObject(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPutObjectRewindsSeekableBody(t *testing.T) {
	t.Parallel()

	back := &stubBackend{putErrs: []error{storage.NewTransientError(errors.New("503"))}}
	wrapped := retry.Wrap(back, nil, &fakeClock{}, retry.Config{MaxAttempts: 3})
	info, err := wrapped.PutObject(context.Background(), "context.json", bytes.NewReader([]byte("payload")), storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if info == nil || info.ETag == "" {
		t.Fatalf("expected object info, got %#v", info)
	}
	if len(back.putBodies) != 2 || back.putBodies[1] != "payload" {
		t.Fatalf("unexpected bodies %#v", back.putBodies)
	}
}

func TestPutObjectFailsFastForStreamingBody(t *testing.T) {
	t.Parallel()

	back := &stubBackend{putErrs: []error{storage.NewTransientError(errors.New("503"))}}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, nil, fc, retry.Config{MaxAttempts: 3})
	body := io.MultiReader(strings.NewReader("payload"))
	if _, err := wrapped.PutObject(context.Background(), "context.json", body, storage.PutObjectOptions{}); !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if back.putCalls != 1 || len(fc.sleeps) != 0 {
		t.Fatalf("expected fail fast, calls=%d sleeps=%d", back.putCalls, len(fc.sleeps))
	}
}

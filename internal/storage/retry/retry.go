// Package retry wraps a storage.Backend and retries transient failures with
// exponential backoff. It is the only retry loop between catalogd and its blob
// store; the lease and context layers never retry on their own.
package retry

import (
	"context"
	"io"
	"time"

	"pkt.systems/catalogd/internal/clock"
	"pkt.systems/catalogd/internal/storage"
	"pkt.systems/pslog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		clock:  clock.Or(clk),
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) GetObject(ctx context.Context, key string) (*storage.GetObjectResult, error) {
	var res *storage.GetObjectResult
	err := b.withRetry(ctx, "get_object", key, true, func(ctx context.Context) error {
		var err error
		res, err = b.inner.GetObject(ctx, key)
		return err
	})
	return res, err
}

// PutObject only retries when body can be rewound.
func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	seeker, replayable := body.(io.Seeker)
	var info *storage.ObjectInfo
	first := true
	err := b.withRetry(ctx, "put_object", key, replayable, func(ctx context.Context) error {
		if !first {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
		first = false
		var err error
		info, err = b.inner.PutObject(ctx, key, body, opts)
		return err
	})
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	return b.withRetry(ctx, "delete_object", key, true, func(ctx context.Context) error {
		return b.inner.DeleteObject(ctx, key, opts)
	})
}

func (b *backend) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	var info *storage.ObjectInfo
	err := b.withRetry(ctx, "stat_object", key, true, func(ctx context.Context) error {
		var err error
		info, err = b.inner.StatObject(ctx, key)
		return err
	})
	return info, err
}

func (b *backend) Ping(ctx context.Context) error {
	return b.inner.Ping(ctx)
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, key string, retryable bool, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	if attempts <= 1 || !retryable {
		return fn(ctx)
	}
	delay := b.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		b.clock.Sleep(delay)
		next := time.Duration(float64(delay) * b.cfg.Multiplier)
		if next > b.cfg.MaxDelay {
			next = b.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}

// Package logging decorates a storage.Backend with spans and debug logs.
package logging

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/catalogd/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with tracing and trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/catalogd/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op, key string) (context.Context, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "catalogd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("catalogd.storage.operation", op),
		attribute.String("catalogd.storage.key", key),
		attribute.String("catalogd.sys", b.sys),
	)
	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	logger.Trace("storage."+op+".begin", "key", key)
	return ctx, logger, func(err error) {
		defer span.End()
		elapsed := time.Since(begin)
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
			logger.Debug("storage."+op+".success", "key", key, "elapsed", elapsed)
		case errors.Is(err, storage.ErrNotFound):
			span.SetStatus(codes.Ok, "not_found")
			logger.Trace("storage."+op+".not_found", "key", key, "elapsed", elapsed)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "key", key, "error", err, "elapsed", elapsed)
		}
	}
}

func (b *backend) GetObject(ctx context.Context, key string) (*storage.GetObjectResult, error) {
	ctx, _, finish := b.start(ctx, "get_object", key)
	res, err := b.inner.GetObject(ctx, key)
	finish(err)
	return res, err
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, logger, finish := b.start(ctx, "put_object", key)
	logger.Trace("storage.put_object.options", "key", key, "content_type", opts.ContentType, "public_read", opts.PublicRead)
	info, err := b.inner.PutObject(ctx, key, body, opts)
	finish(err)
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	ctx, _, finish := b.start(ctx, "delete_object", key)
	err := b.inner.DeleteObject(ctx, key, opts)
	finish(err)
	return err
}

func (b *backend) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	ctx, _, finish := b.start(ctx, "stat_object", key)
	info, err := b.inner.StatObject(ctx, key)
	finish(err)
	return info, err
}

func (b *backend) Ping(ctx context.Context) error {
	ctx, _, finish := b.start(ctx, "ping", "")
	err := b.inner.Ping(ctx)
	finish(err)
	return err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

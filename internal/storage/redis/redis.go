// Package redis implements storage.Backend on Redis. Each object is a hash
// holding the payload and its metadata, so a read returns payload and ETag
// from one round trip.
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/catalogd/internal/storage"
)

// Config selects the Redis server and key prefix.
type Config struct {
	URL    string
	Prefix string
}

// Store implements storage.Backend on a Redis client.
type Store struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

const (
	fieldPayload     = "payload"
	fieldETag        = "etag"
	fieldContentType = "content_type"
	fieldPublic      = "public_read"
	fieldUpdated     = "updated_unix_nano"
)

// New parses cfg.URL (redis:// or rediss://), connects and pings the server.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("redis: url is required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client goredis.UniversalClient, prefix string) *Store {
	prefix = strings.Trim(prefix, ":/ ")
	if prefix == "" {
		prefix = "catalogd"
	}
	return &Store{client: client, prefix: prefix, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) redisKey(key string) string {
	return s.prefix + ":" + strings.TrimPrefix(key, "/")
}

// GetObject reads the hash stored for key.
func (s *Store) GetObject(ctx context.Context, key string) (*storage.GetObjectResult, error) {
	fields, err := s.client.HGetAll(ctx, s.redisKey(key)).Result()
	if err != nil {
		return nil, wrapError(err, "redis: hgetall")
	}
	payload, ok := fields[fieldPayload]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.GetObjectResult{
		Reader: io.NopCloser(strings.NewReader(payload)),
		Info:   infoFromFields(key, fields),
	}, nil
}

// PutObject replaces the hash for key.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("redis: read body: %w", err)
	}
	sum := sha256.Sum256(payload)
	now := s.now()
	fields := map[string]any{
		fieldPayload:     payload,
		fieldETag:        hex.EncodeToString(sum[:]),
		fieldContentType: opts.ContentType,
		fieldPublic:      strconv.FormatBool(opts.PublicRead),
		fieldUpdated:     strconv.FormatInt(now.UnixNano(), 10),
	}
	rkey := s.redisKey(key)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, rkey)
		pipe.HSet(ctx, rkey, fields)
		return nil
	})
	if err != nil {
		return nil, wrapError(err, "redis: hset")
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         fields[fieldETag].(string),
		Size:         int64(len(payload)),
		LastModified: now,
		ContentType:  opts.ContentType,
	}, nil
}

// DeleteObject removes the hash for key.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	n, err := s.client.Del(ctx, s.redisKey(key)).Result()
	if err != nil {
		return wrapError(err, "redis: del")
	}
	if n == 0 && !opts.IgnoreNotFound {
		return storage.ErrNotFound
	}
	return nil
}

// StatObject returns metadata for key. Records are small, so the size is
// taken from the stored payload.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	rkey := s.redisKey(key)
	values, err := s.client.HMGet(ctx, rkey, fieldETag, fieldContentType, fieldUpdated, fieldPayload).Result()
	if err != nil {
		return nil, wrapError(err, "redis: hmget")
	}
	if values[0] == nil {
		return nil, storage.ErrNotFound
	}
	fields := map[string]string{}
	for i, name := range []string{fieldETag, fieldContentType, fieldUpdated} {
		if v, ok := values[i].(string); ok {
			fields[name] = v
		}
	}
	info := infoFromFields(key, fields)
	if payload, ok := values[3].(string); ok {
		info.Size = int64(len(payload))
	}
	return info, nil
}

// IsPublic reports the public-read flag recorded for key.
func (s *Store) IsPublic(ctx context.Context, key string) (bool, error) {
	v, err := s.client.HGet(ctx, s.redisKey(key), fieldPublic).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, wrapError(err, "redis: hget")
	}
	return strconv.ParseBool(v)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrapError(err, "redis: ping")
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func infoFromFields(key string, fields map[string]string) *storage.ObjectInfo {
	info := &storage.ObjectInfo{
		Key:         key,
		ETag:        fields[fieldETag],
		ContentType: fields[fieldContentType],
		Size:        int64(len(fields[fieldPayload])),
	}
	if raw := fields[fieldUpdated]; raw != "" {
		if nanos, err := strconv.ParseInt(raw, 10, 64); err == nil {
			info.LastModified = time.Unix(0, nanos).UTC()
		}
	}
	return info
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) ||
		strings.HasPrefix(err.Error(), "LOADING") {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

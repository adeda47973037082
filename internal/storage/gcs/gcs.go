// Package gcs implements storage.Backend on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	gcstorage "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"pkt.systems/catalogd/internal/storage"
)

// Config selects the bucket and optional emulator endpoint.
type Config struct {
	Bucket string
	Prefix string
	// Endpoint overrides the API endpoint (for example a fake-gcs-server
	// emulator). Credentials are skipped when it is set.
	Endpoint string
	// CredentialsFile points at a service account JSON file. When empty,
	// application default credentials are used.
	CredentialsFile string
}

// Store implements storage.Backend backed by a GCS bucket.
type Store struct {
	client *gcstorage.Client
	bucket string
	prefix string
}

// New creates a GCS client.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("gcs: bucket is required")
	}
	var opts []option.ClientOption
	switch {
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: create client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *Store) objectName(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *Store) object(key string) *gcstorage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.objectName(key))
}

// GetObject opens a reader on key.
func (s *Store) GetObject(ctx context.Context, key string) (*storage.GetObjectResult, error) {
	reader, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcstorage.ErrObjectNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapError(err, "gcs: new reader")
	}
	return &storage.GetObjectResult{
		Reader: reader,
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         strconv.FormatInt(reader.Attrs.Generation, 10),
			Size:         reader.Attrs.Size,
			LastModified: reader.Attrs.LastModified,
			ContentType:  reader.Attrs.ContentType,
		},
	}, nil
}

// PutObject uploads body. PublicRead maps to the publicRead predefined ACL.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	w := s.object(key).NewWriter(ctx)
	w.ContentType = opts.ContentType
	w.CacheControl = opts.CacheControl
	if opts.PublicRead {
		w.PredefinedACL = "publicRead"
	}
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return nil, wrapError(err, "gcs: write")
	}
	if err := w.Close(); err != nil {
		return nil, wrapError(err, "gcs: close writer")
	}
	return attrsToInfo(key, w.Attrs()), nil
}

// DeleteObject removes key.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	if err := s.object(key).Delete(ctx); err != nil {
		if errors.Is(err, gcstorage.ErrObjectNotExist) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return wrapError(err, "gcs: delete")
	}
	return nil
}

// StatObject reads object attributes.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	attrs, err := s.object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcstorage.ErrObjectNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapError(err, "gcs: attrs")
	}
	return attrsToInfo(key, attrs), nil
}

// Ping reads bucket attributes.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return wrapError(err, "gcs: bucket attrs")
	}
	return nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func attrsToInfo(key string, attrs *gcstorage.ObjectAttrs) *storage.ObjectInfo {
	if attrs == nil {
		return &storage.ObjectInfo{Key: key}
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         strconv.FormatInt(attrs.Generation, 10),
		Size:         attrs.Size,
		LastModified: attrs.Updated,
		ContentType:  attrs.ContentType,
	}
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code >= http.StatusInternalServerError || apiErr.Code == http.StatusTooManyRequests || apiErr.Code == http.StatusRequestTimeout {
			return storage.NewTransientError(wrapped)
		}
		return wrapped
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

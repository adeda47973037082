// Package storage defines the blob-store contract catalogd coordinates
// through. Backends expose plain get/put/delete/stat; no compare-and-swap is
// assumed anywhere above this package.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Content types written by catalogd.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

// ErrNotFound indicates the requested key is missing.
var ErrNotFound = errors.New("storage: not found")

// ObjectInfo describes a stored blob.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions controls how a blob is written.
type PutObjectOptions struct {
	ContentType string
	// PublicRead asks the backend to make the blob readable without
	// credentials. Backends without object ACLs ignore it.
	PublicRead   bool
	CacheControl string
}

// DeleteObjectOptions controls delete semantics.
type DeleteObjectOptions struct {
	IgnoreNotFound bool
}

// GetObjectResult carries the payload reader and its metadata. Callers must
// close Reader.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// Backend is the primitive key/value blob store. Keys are already normalized
// by the caller (see NormalizeKey).
type Backend interface {
	GetObject(ctx context.Context, key string) (*GetObjectResult, error)
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error
	StatObject(ctx context.Context, key string) (*ObjectInfo, error)
	Ping(ctx context.Context) error
	Close() error
}

type transientError struct {
	err error
}

func (e transientError) Error() string {
	return e.err.Error()
}

func (e transientError) Unwrap() error {
	return e.err
}

// NewTransientError marks err as retryable by the retry wrapper.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked by NewTransientError.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// Exists reports whether key is present.
func Exists(ctx context.Context, backend Backend, key string) (bool, error) {
	_, err := backend.StatObject(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Package disk implements storage.Backend on a local directory tree. Each
// object is a file under <root>/objects with a JSON sidecar holding its ETag
// and content type; writes go through a temp file and rename.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/catalogd/internal/storage"
	"pkt.systems/pslog"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	Now  func() time.Time
}

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root      string
	objectDir string
	tmpDir    string
	now       func() time.Time
}

type infoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	PublicRead    bool   `json:"public_read,omitempty"`
	CacheControl  string `json:"cache_control,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix"`
}

const infoSuffix = ".info.json"

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	objectDir := filepath.Join(root, "objects")
	tmpDir := filepath.Join(root, "tmp")
	for _, dir := range []string{objectDir, tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return &Store{root: root, objectDir: objectDir, tmpDir: tmpDir, now: cfg.Now}, nil
}

// Root returns the directory the store writes under.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) dataPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: object key required")
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || strings.HasSuffix(clean, infoSuffix) {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return filepath.Join(s.objectDir, filepath.FromSlash(clean)), nil
}

// GetObject opens the file stored for key.
func (s *Store) GetObject(ctx context.Context, key string) (*storage.GetObjectResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pslog.LoggerFromContext(ctx).Trace("disk.get_object.begin", "key", key)
	info, err := s.StatObject(ctx, key)
	if err != nil {
		return nil, err
	}
	dataPath, _ := s.dataPath(key)
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	return &storage.GetObjectResult{Reader: f, Info: info}, nil
}

// PutObject writes body atomically.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := pslog.LoggerFromContext(ctx)
	dataPath, err := s.dataPath(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	tmp, err := os.CreateTemp(s.tmpDir, "object-*")
	if err != nil {
		return nil, fmt.Errorf("disk: create temp object for %q: %w", key, err)
	}
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	etag := hex.EncodeToString(hasher.Sum(nil))
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: rename object %q: %w", key, err)
	}
	now := s.now().UTC()
	record := infoRecord{
		ETag:          etag,
		ContentType:   opts.ContentType,
		PublicRead:    opts.PublicRead,
		CacheControl:  opts.CacheControl,
		UpdatedAtUnix: now.Unix(),
	}
	if err := s.writeInfo(dataPath, record); err != nil {
		return nil, err
	}
	logger.Debug("disk.put_object.success", "key", key, "size", written, "etag", etag)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         written,
		LastModified: now,
		ContentType:  opts.ContentType,
	}, nil
}

func (s *Store) writeInfo(dataPath string, record infoRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("disk: encode object info: %w", err)
	}
	tmp, err := os.CreateTemp(s.tmpDir, "info-*")
	if err != nil {
		return fmt.Errorf("disk: create temp info: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("disk: write object info: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("disk: close object info: %w", err)
	}
	if err := os.Rename(tmp.Name(), dataPath+infoSuffix); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("disk: rename object info: %w", err)
	}
	return nil
}

// DeleteObject removes the object and its sidecar.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dataPath, err := s.dataPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dataPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	if err := os.Remove(dataPath + infoSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object info %q: %w", key, err)
	}
	return nil
}

// StatObject combines the file's stat with its sidecar.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dataPath, err := s.dataPath(key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	info := &storage.ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		LastModified: fi.ModTime().UTC(),
	}
	payload, err := os.ReadFile(dataPath + infoSuffix)
	switch {
	case err == nil:
		var record infoRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("disk: decode object info %q: %w", key, err)
		}
		info.ETag = record.ETag
		info.ContentType = record.ContentType
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("disk: read object info %q: %w", key, err)
	}
	return info, nil
}

// Ping verifies the root directory is still present.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(s.objectDir); err != nil {
		return fmt.Errorf("disk: stat root: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"pkt.systems/catalogd/internal/core"
)

// ReadJSON decodes the blob at key into v. found is false when the key does
// not exist. Decoding failures are returned as STORE_READ_FAILED so callers
// can treat corrupt records like missing ones when that is the safer choice.
func ReadJSON(ctx context.Context, backend Backend, key string, v any) (found bool, err error) {
	normalized, err := NormalizeKey(key)
	if err != nil {
		return false, err
	}
	res, err := backend.GetObject(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, core.Wrap(core.CodeStoreReadFailed, "get object", err, "key", normalized)
	}
	defer res.Reader.Close()
	if err := json.NewDecoder(res.Reader).Decode(v); err != nil {
		return true, core.Wrap(core.CodeStoreReadFailed, "decode json", err, "key", normalized)
	}
	return true, nil
}

// WriteJSON encodes v and writes it to key.
func WriteJSON(ctx context.Context, backend Backend, key string, v any, opts PutObjectOptions) error {
	normalized, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return core.Wrap(core.CodeStoreWriteFailed, "encode json", err, "key", normalized)
	}
	if opts.ContentType == "" {
		opts.ContentType = ContentTypeJSON
	}
	if _, err := backend.PutObject(ctx, normalized, bytes.NewReader(payload), opts); err != nil {
		return core.Wrap(core.CodeStoreWriteFailed, "put object", err, "key", normalized)
	}
	return nil
}

// Delete removes key, treating a missing key as success.
func Delete(ctx context.Context, backend Backend, key string) error {
	normalized, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	if err := backend.DeleteObject(ctx, normalized, DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		return core.Wrap(core.CodeStoreWriteFailed, "delete object", err, "key", normalized)
	}
	return nil
}

// Package correlation carries the request id of an HTTP request through the
// job it triggers.
package correlation

import (
	"context"
	"strings"

	"pkt.systems/catalogd/internal/ids"
)

// MaxIDLength is the longest caller-supplied request id that is honoured.
const MaxIDLength = 128

// EnvVar is set on pipeline commands to the triggering request id.
const EnvVar = "CATALOGD_REQUEST_ID"

type contextKey struct{}

// WithID returns ctx carrying id. Invalid ids leave ctx unchanged.
func WithID(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the request id stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize validates an external request id: printable ASCII, at most
// MaxIDLength characters.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Resolve returns the caller's id when acceptable and a fresh one otherwise.
func Resolve(header string) string {
	if id, ok := Normalize(header); ok {
		return id
	}
	return ids.RequestID()
}

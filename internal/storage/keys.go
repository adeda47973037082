package storage

import (
	"strings"

	"pkt.systems/catalogd/internal/core"
)

// NormalizeKey cleans a logical key: surrounding whitespace and slashes are
// trimmed and repeated slashes collapse. Empty keys and "." or ".." segments
// are rejected with INVALID_KEY.
func NormalizeKey(key string) (string, error) {
	trimmed := strings.Trim(strings.TrimSpace(key), "/")
	if trimmed == "" {
		return "", core.New(core.CodeInvalidKey, "key is empty", "key", key)
	}
	parts := strings.Split(trimmed, "/")
	kept := parts[:0]
	for _, part := range parts {
		switch part {
		case "":
			continue
		case ".", "..":
			return "", core.New(core.CodeInvalidKey, "relative path segment", "key", key)
		}
		if strings.ContainsAny(part, "\\\x00") {
			return "", core.New(core.CodeInvalidKey, "illegal character", "key", key)
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "/"), nil
}

// JoinKey joins a prefix and key and normalizes the result.
func JoinKey(prefix, key string) (string, error) {
	if strings.TrimSpace(prefix) == "" {
		return NormalizeKey(key)
	}
	return NormalizeKey(prefix + "/" + key)
}

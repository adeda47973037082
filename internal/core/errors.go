// Package core defines the tagged error kinds shared by the lease, context and
// orchestration layers.
package core

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Error codes. They are part of the HTTP contract and must stay stable.
const (
	CodeLockNotAcquired             = "LOCK_NOT_ACQUIRED"
	CodeAdminLockNotAcquired        = "ADMIN_LOCK_NOT_ACQUIRED"
	CodeAdminOpLockNotAcquired      = "ADMIN_OP_LOCK_NOT_ACQUIRED"
	CodeOperationBlockedByAdminLock = "OPERATION_BLOCKED_ADMIN_LOCK"
	CodeContextNotLoaded            = "CONTEXT_NOT_LOADED"
	CodeContextSuspended            = "CONTEXT_SUSPENDED"
	CodeInvalidKey                  = "INVALID_KEY"
	CodeStoreReadFailed             = "STORE_READ_FAILED"
	CodeStoreWriteFailed            = "STORE_WRITE_FAILED"
	CodeUnexpected                  = "UNEXPECTED_ERROR"
)

// Failure is a tagged error. Context carries structured detail such as the
// offending key or the operation name; Cause is the wrapped underlying error.
type Failure struct {
	Code       string
	Detail     string
	Context    map[string]string
	Cause      error
	HTTPStatus int // optional hint for HTTP adapters
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(f.Code)
	if f.Detail != "" {
		b.WriteString(": ")
		b.WriteString(f.Detail)
	}
	if len(f.Context) > 0 {
		keys := make([]string, 0, len(f.Context))
		for k := range f.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, f.Context[k])
		}
		b.WriteString(")")
	}
	if f.Cause != nil {
		b.WriteString(": ")
		b.WriteString(f.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (f *Failure) Unwrap() error {
	return f.Cause
}

// Status returns the HTTP status hint, defaulting per code.
func (f *Failure) Status() int {
	if f.HTTPStatus != 0 {
		return f.HTTPStatus
	}
	switch f.Code {
	case CodeLockNotAcquired, CodeAdminLockNotAcquired, CodeAdminOpLockNotAcquired, CodeOperationBlockedByAdminLock:
		return http.StatusConflict
	case CodeContextSuspended:
		return http.StatusServiceUnavailable
	case CodeInvalidKey:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// New builds a Failure with optional key/value context pairs.
func New(code, detail string, kv ...string) *Failure {
	f := &Failure{Code: code, Detail: detail}
	if len(kv) > 1 {
		f.Context = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			f.Context[kv[i]] = kv[i+1]
		}
	}
	return f
}

// Wrap attaches cause to a new Failure.
func Wrap(code, detail string, cause error, kv ...string) *Failure {
	f := New(code, detail, kv...)
	f.Cause = cause
	return f
}

// Unexpected tags an untyped error. Errors already carrying a Failure are
// returned unchanged.
func Unexpected(err error, detail string) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	return Wrap(CodeUnexpected, detail, err)
}

// KindOf returns the code of the first Failure in err's chain, or "" when err
// carries none.
func KindOf(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// IsKind reports whether err carries a Failure with the given code.
func IsKind(err error, code string) bool {
	return err != nil && KindOf(err) == code
}

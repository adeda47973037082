package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestFailureErrorIncludesContextAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(CodeStoreWriteFailed, "put object", cause, "key", "run.lock", "op", "put")
	msg := err.Error()
	for _, want := range []string{"STORE_WRITE_FAILED", "put object", "key=run.lock", "op=put", "boom"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to unwrap")
	}
}

func TestKindOfThroughWrapping(t *testing.T) {
	base := New(CodeContextSuspended, "context suspended")
	wrapped := fmt.Errorf("resolve: %w", base)
	if !IsKind(wrapped, CodeContextSuspended) {
		t.Fatalf("expected suspended kind, got %q", KindOf(wrapped))
	}
	if IsKind(nil, CodeContextSuspended) {
		t.Fatalf("nil must not match")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no kind")
	}
}

func TestUnexpectedKeepsTaggedErrors(t *testing.T) {
	tagged := New(CodeInvalidKey, "bad key")
	if got := Unexpected(tagged, "ignored"); got != error(tagged) {
		t.Fatalf("expected tagged error to pass through")
	}
	plain := errors.New("oops")
	got := Unexpected(plain, "dispatch")
	if KindOf(got) != CodeUnexpected || !errors.Is(got, plain) {
		t.Fatalf("expected unexpected wrapper, got %v", got)
	}
	if Unexpected(nil, "x") != nil {
		t.Fatalf("nil stays nil")
	}
}

func TestFailureStatusDefaults(t *testing.T) {
	cases := map[string]int{
		CodeLockNotAcquired:        http.StatusConflict,
		CodeContextSuspended:       http.StatusServiceUnavailable,
		CodeInvalidKey:             http.StatusBadRequest,
		CodeStoreReadFailed:        http.StatusInternalServerError,
		CodeAdminOpLockNotAcquired: http.StatusConflict,
	}
	for code, want := range cases {
		if got := New(code, "").Status(); got != want {
			t.Errorf("%s: status %d, want %d", code, got, want)
		}
	}
	f := New(CodeUnexpected, "")
	f.HTTPStatus = http.StatusTeapot
	if f.Status() != http.StatusTeapot {
		t.Fatalf("explicit status should win")
	}
}

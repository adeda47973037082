package azure

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/catalogd/internal/storage"
)

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Container: "c"}); err == nil {
		t.Fatal("expected account error")
	}
	if _, err := New(Config{Account: "a"}); err == nil {
		t.Fatal("expected container error")
	}
	if _, err := New(Config{Account: "a", Container: "c", Endpoint: "http://127.0.0.1:1"}); err == nil {
		t.Fatal("expected credential error")
	}
}

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=2024&sig=abc")
	if err != nil {
		t.Fatalf("appendSASToken: %v", err)
	}
	if got != "https://acct.blob.core.windows.net?sv=2024&sig=abc" {
		t.Fatalf("unexpected endpoint %q", got)
	}
	got, err = appendSASToken("https://acct.blob.core.windows.net?comp=list", "sig=abc")
	if err != nil || got != "https://acct.blob.core.windows.net?comp=list&sig=abc" {
		t.Fatalf("unexpected endpoint %q (%v)", got, err)
	}
}

func TestBlobNamePrefix(t *testing.T) {
	s := &Store{prefix: "catalog"}
	if got := s.blobName("/status.json"); got != "catalog/status.json" {
		t.Fatalf("unexpected blob name %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	notFound := &azcore.ResponseError{StatusCode: http.StatusNotFound}
	if !isNotFound(notFound) {
		t.Fatal("expected not found")
	}
	exists := &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}
	if !isContainerExists(exists) {
		t.Fatal("expected container exists")
	}
	if !storage.IsTransient(wrapError(&azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}, "azure")) {
		t.Fatal("expected 503 to be transient")
	}
	if storage.IsTransient(wrapError(&azcore.ResponseError{StatusCode: http.StatusForbidden}, "azure")) {
		t.Fatal("expected 403 to be permanent")
	}
	if !storage.IsTransient(wrapError(context.DeadlineExceeded, "azure")) {
		t.Fatal("expected deadline to be transient")
	}
	if storage.IsTransient(wrapError(errors.New("x"), "azure")) {
		t.Fatal("plain error should be permanent")
	}
}

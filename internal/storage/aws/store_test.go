package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/catalogd/internal/storage"
)

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Region: "eu-north-1"}); err == nil {
		t.Fatal("expected bucket error")
	}
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatal("expected region error")
	}
}

func TestObjectKeyHonoursPrefix(t *testing.T) {
	s := &Store{cfg: Config{Prefix: "catalog"}}
	if got := s.objectKey("/admin/context.json"); got != "catalog/admin/context.json" {
		t.Fatalf("unexpected key %q", got)
	}
	s.cfg.Prefix = ""
	if got := s.objectKey("run.lock"); got != "run.lock" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestEndpointURL(t *testing.T) {
	cases := []struct {
		in       string
		insecure bool
		want     string
	}{
		{"s3.local:9000", true, "http://s3.local:9000"},
		{"s3.local", false, "https://s3.local"},
		{"http://x", false, "http://x"},
	}
	for _, tc := range cases {
		if got := endpointURL(tc.in, tc.insecure); got != tc.want {
			t.Errorf("endpointURL(%q, %v) = %q, want %q", tc.in, tc.insecure, got, tc.want)
		}
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}) {
		t.Fatal("expected NoSuchKey to be not found")
	}
	if !isNotFound(&types.NoSuchKey{}) {
		t.Fatal("expected typed NoSuchKey to be not found")
	}
	if isNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}) {
		t.Fatal("access denied is not a miss")
	}
	if isNotFound(nil) {
		t.Fatal("nil is not a miss")
	}
}

func TestWrapErrorMarksDeadlineTransient(t *testing.T) {
	if !storage.IsTransient(wrapError(context.DeadlineExceeded, "aws: get")) {
		t.Fatal("expected transient")
	}
	err := wrapError(errors.New("denied"), "aws: get")
	if storage.IsTransient(err) {
		t.Fatal("expected permanent")
	}
}

func TestApplySSE(t *testing.T) {
	input := &s3.PutObjectInput{}
	applySSE(input, "kms", "key-1")
	if input.ServerSideEncryption != types.ServerSideEncryptionAwsKms || input.SSEKMSKeyId == nil || *input.SSEKMSKeyId != "key-1" {
		t.Fatalf("unexpected sse %+v", input)
	}
}

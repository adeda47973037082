package ids_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"pkt.systems/catalogd/internal/ids"
)

func TestRequestIDIsUUIDv7(t *testing.T) {
	t.Parallel()

	parsed, err := uuid.Parse(ids.RequestID())
	if err != nil {
		t.Fatalf("uuid.Parse: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
}

func TestAdminTokenIsRandomUUID(t *testing.T) {
	t.Parallel()

	a, b := ids.AdminToken(), ids.AdminToken()
	if a == b {
		t.Fatal("expected distinct tokens")
	}
	parsed, err := uuid.Parse(a)
	if err != nil {
		t.Fatalf("uuid.Parse: %v", err)
	}
	if parsed.Version() != 4 {
		t.Fatalf("expected version 4, got %d", parsed.Version())
	}
}

func TestDeploymentIDCarriesXID(t *testing.T) {
	t.Parallel()

	id := ids.DeploymentID()
	raw, ok := strings.CutPrefix(id, "catalogd-")
	if !ok {
		t.Fatalf("missing prefix in %q", id)
	}
	if _, err := xid.FromString(raw); err != nil {
		t.Fatalf("xid.FromString(%q): %v", raw, err)
	}
}

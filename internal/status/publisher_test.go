package status

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"pkt.systems/catalogd/api"
	"pkt.systems/catalogd/internal/clock"
	"pkt.systems/catalogd/internal/lease"
	"pkt.systems/catalogd/internal/storage/memory"
)

func TestSyncFollowsLeases(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	clk := clock.NewManual(time.Date(2025, 6, 1, 10, 0, 0, 500, time.UTC))
	leases := lease.NewManager(lease.Config{
		Backend:  backend,
		Owner:    "n",
		Clock:    clk,
		Timeouts: lease.StaticTimeouts{Run: time.Minute, Admin: time.Hour},
	})
	p := New(Config{Backend: backend, Leases: leases, Clock: clk})

	read := func() api.StatusDocument {
		t.Helper()
		raw, ok := backend.Raw(DefaultKey)
		if !ok {
			t.Fatalf("status document missing")
		}
		var doc api.StatusDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return doc
	}

	if err := p.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if doc := read(); doc.Status != Idle || !doc.UpdatedAt.Equal(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected doc %+v", doc)
	}
	if !backend.IsPublic(DefaultKey) {
		t.Fatalf("status must be public-read")
	}

	leases.AcquireRun(ctx)
	p.Sync(ctx)
	if doc := read(); doc.Status != Busy {
		t.Fatalf("expected busy with run lease, got %+v", doc)
	}

	clk.Advance(2 * time.Minute)
	p.Sync(ctx)
	if doc := read(); doc.Status != Idle {
		t.Fatalf("expired run lease should read idle, got %+v", doc)
	}

	if res, err := leases.AcquireAdmin(ctx); err != nil || !res.Acquired {
		t.Fatalf("admin: %+v %v", res, err)
	}
	if got, _ := p.Compute(ctx); got != Busy {
		t.Fatalf("admin lease should read busy, got %s", got)
	}
	doc, found, err := p.Read(ctx)
	if err != nil || !found || doc.Status != Idle {
		t.Fatalf("read returns last published doc: %+v %v %v", doc, found, err)
	}
}

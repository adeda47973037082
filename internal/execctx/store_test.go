package execctx

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"pkt.systems/catalogd/internal/clock"
	"pkt.systems/catalogd/internal/core"
	"pkt.systems/catalogd/internal/lease"
	"pkt.systems/catalogd/internal/storage"
	"pkt.systems/catalogd/internal/storage/memory"
)

func newLoaded(t *testing.T, scope Scope) (*Store, *memory.Store) {
	t.Helper()
	backend := memory.New()
	s := NewStore(Config{Backend: backend, Scope: scope, NonQueueable: []string{"scrape"}})
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return s, backend
}

func TestQueueDedupAndFIFO(t *testing.T) {
	s, _ := newLoaded(t, Run)

	for i, want := range []bool{true, false} {
		ok, err := s.Enqueue("musts")
		if err != nil || ok != want {
			t.Fatalf("enqueue #%d = %v, %v", i, ok, err)
		}
	}
	if ok, _ := s.Enqueue("nte"); !ok {
		t.Fatalf("enqueue nte failed")
	}
	snap, _ := s.Snapshot()
	if len(snap.Queue) != 2 || !snap.InQueue["musts"] || !snap.InQueue["nte"] {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	for _, want := range []string{"musts", "nte"} {
		fromQueue, kind, err := s.ResolveNext("incoming")
		if err != nil || !fromQueue || kind != want {
			t.Fatalf("resolve = %v %q %v, want %q", fromQueue, kind, err, want)
		}
	}
	fromQueue, kind, err := s.ResolveNext("incoming")
	if err != nil || fromQueue || kind != "incoming" {
		t.Fatalf("empty resolve = %v %q %v", fromQueue, kind, err)
	}
	snap, _ = s.Snapshot()
	if len(snap.InQueue) != 0 {
		t.Fatalf("membership not cleared: %+v", snap.InQueue)
	}
}

func TestNonQueueableKind(t *testing.T) {
	s, _ := newLoaded(t, Run)
	ok, err := s.Enqueue("scrape")
	if err != nil || ok {
		t.Fatalf("scrape must not be queueable: %v %v", ok, err)
	}
}

func TestCircuitBreaker(t *testing.T) {
	s, _ := newLoaded(t, Run)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		tripped, err := s.RecordFailure(ctx, 3)
		if err != nil || tripped {
			t.Fatalf("failure #%d: tripped=%v err=%v", i, tripped, err)
		}
	}
	tripped, err := s.RecordFailure(ctx, 3)
	if err != nil || !tripped {
		t.Fatalf("third failure should trip: %v %v", tripped, err)
	}
	snap, _ := s.Snapshot()
	if snap.ErrorCount != 0 || !snap.Suspended {
		t.Fatalf("unexpected breaker state %+v", snap)
	}

	if _, err := s.Enqueue("musts"); !core.IsKind(err, core.CodeContextSuspended) {
		t.Fatalf("enqueue while suspended: %v", err)
	}
	if _, _, err := s.ResolveNext("musts"); !core.IsKind(err, core.CodeContextSuspended) {
		t.Fatalf("resolve while suspended: %v", err)
	}
	if _, err := s.RecordFailure(ctx, 3); !core.IsKind(err, core.CodeContextSuspended) {
		t.Fatalf("failure while suspended: %v", err)
	}
	if err := s.RecordSuccess(); !core.IsKind(err, core.CodeContextSuspended) {
		t.Fatalf("success while suspended: %v", err)
	}
	if err := s.ClearQueue(); !core.IsKind(err, core.CodeContextSuspended) {
		t.Fatalf("run scope clear while suspended: %v", err)
	}
	if err := s.ResetFailureCount(); !core.IsKind(err, core.CodeContextSuspended) {
		t.Fatalf("run scope reset while suspended: %v", err)
	}

	if err := s.Unsuspend(); err != nil {
		t.Fatalf("unsuspend: %v", err)
	}
	if ok, err := s.Enqueue("musts"); err != nil || !ok {
		t.Fatalf("enqueue after unsuspend: %v %v", ok, err)
	}
}

func TestRecordSuccessFloorsAtZero(t *testing.T) {
	s, _ := newLoaded(t, Run)
	if _, err := s.RecordFailure(context.Background(), 5); err != nil {
		t.Fatalf("failure: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.RecordSuccess(); err != nil {
			t.Fatalf("success: %v", err)
		}
	}
	snap, _ := s.Snapshot()
	if snap.ErrorCount != 0 {
		t.Fatalf("error count = %d", snap.ErrorCount)
	}
}

func TestAdminScopeRepairsWhileSuspended(t *testing.T) {
	for _, scope := range []Scope{Admin, Repair(Run)} {
		s, _ := newLoaded(t, scope)
		if err := s.Suspend(); err != nil {
			t.Fatalf("%s suspend: %v", scope.Name, err)
		}
		if err := s.ClearQueue(); err != nil {
			t.Fatalf("%s clear: %v", scope.Name, err)
		}
		if err := s.ResetFailureCount(); err != nil {
			t.Fatalf("%s reset: %v", scope.Name, err)
		}
		if _, err := s.Enqueue("musts"); !core.IsKind(err, core.CodeContextSuspended) {
			t.Fatalf("%s enqueue while suspended: %v", scope.Name, err)
		}
	}
	if r := Repair(Run); r.Key != Run.Key || r.Name != "run.repair" {
		t.Fatalf("unexpected repair scope %+v", r)
	}
}

func TestOperationsRequireLoad(t *testing.T) {
	s := NewStore(Config{Backend: memory.New(), Scope: Run})
	if _, err := s.Enqueue("musts"); !core.IsKind(err, core.CodeContextNotLoaded) {
		t.Fatalf("expected CONTEXT_NOT_LOADED, got %v", err)
	}
	if _, err := s.Snapshot(); !core.IsKind(err, core.CodeContextNotLoaded) {
		t.Fatalf("expected CONTEXT_NOT_LOADED, got %v", err)
	}
	if err := s.Publish(context.Background()); err != nil {
		t.Fatalf("publish when unloaded should be a no-op: %v", err)
	}
	s.Detach()
	s.Detach()
}

func TestPublishPersistsAndDetaches(t *testing.T) {
	ctx := context.Background()
	s, backend := newLoaded(t, Admin)
	if ok, _ := s.Enqueue("musts"); !ok {
		t.Fatalf("enqueue failed")
	}
	if err := s.Publish(ctx); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if s.Loaded() {
		t.Fatalf("publish should detach")
	}
	raw, ok := backend.Raw("admin/context.json")
	if !ok || !strings.Contains(string(raw), `"queue":["musts"]`) {
		t.Fatalf("unexpected persisted payload %s", raw)
	}
	if _, ok := backend.Raw("context.json"); ok {
		t.Fatalf("admin scope must not touch the run key")
	}

	again := NewStore(Config{Backend: backend, Scope: Admin})
	if err := again.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	snap, _ := again.Snapshot()
	if len(snap.Queue) != 1 || !snap.InQueue["musts"] {
		t.Fatalf("reloaded snapshot %+v", snap)
	}
}

func TestDetachDiscardsMutations(t *testing.T) {
	ctx := context.Background()
	s, backend := newLoaded(t, Run)
	s.Enqueue("musts")
	s.Detach()
	if _, ok := backend.Raw("context.json"); ok {
		t.Fatalf("detach must not persist")
	}
	if err := s.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap, _ := s.Snapshot()
	if len(snap.Queue) != 0 {
		t.Fatalf("mutations leaked: %+v", snap)
	}
}

func TestLoadNormalizesSnapshot(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	payload := `{"queue":["musts","musts","nte"],"in_queue":{"scrape":false},"error_count":-2,"suspended":false}`
	if _, err := backend.PutObject(ctx, "context.json", strings.NewReader(payload), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s := NewStore(Config{Backend: backend, Scope: Run})
	if err := s.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap, _ := s.Snapshot()
	if len(snap.Queue) != 2 || snap.ErrorCount != 0 || len(snap.InQueue) != 2 {
		t.Fatalf("unexpected normalized snapshot %+v", snap)
	}
}

func TestLoadCorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	backend.PutObject(ctx, "context.json", strings.NewReader("nope"), storage.PutObjectOptions{})
	s := NewStore(Config{Backend: backend, Scope: Run})
	if err := s.Load(ctx); !core.IsKind(err, core.CodeStoreReadFailed) {
		t.Fatalf("expected STORE_READ_FAILED, got %v", err)
	}
	if s.Loaded() {
		t.Fatalf("store should stay unloaded")
	}
}

func TestPublishGuardRejects(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	mgr := lease.NewManager(lease.Config{Backend: backend, Owner: "n", Clock: clock.NewManual(time.Unix(0, 0))})
	s := NewStore(Config{Backend: backend, Scope: Run, Guard: mgr.RunGuard()})
	if err := s.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	s.Enqueue("musts")
	if err := s.Publish(ctx); !core.IsKind(err, core.CodeLockNotAcquired) {
		t.Fatalf("expected LOCK_NOT_ACQUIRED, got %v", err)
	}
	if _, ok := backend.Raw("context.json"); ok {
		t.Fatalf("rejected publish must not write")
	}
	if ok, err := mgr.AcquireRun(ctx); err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	if err := s.Publish(ctx); err != nil {
		t.Fatalf("publish under lease: %v", err)
	}
}

func TestPublishStoreFailure(t *testing.T) {
	ctx := context.Background()
	s := NewStore(Config{Backend: failingBackend{memory.New()}, Scope: Run})
	if err := s.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := s.Publish(ctx); !core.IsKind(err, core.CodeStoreWriteFailed) {
		t.Fatalf("expected STORE_WRITE_FAILED, got %v", err)
	}
}

type failingBackend struct {
	*memory.Store
}

func (failingBackend) PutObject(context.Context, string, io.Reader, storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	return nil, errors.New("disk full")
}

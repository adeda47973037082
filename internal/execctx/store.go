// Package execctx holds the execution context store: a checkout/commit
// wrapper around the persisted request queue and circuit breaker.
//
// Load reads the persisted snapshot into an original and a working copy.
// Mutations touch only the working copy. Publish promotes working to
// original, writes it and detaches; Detach discards both copies. There is
// no merge step, so concurrent publishers overwrite each other.
package execctx

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/catalogd/internal/core"
	"pkt.systems/catalogd/internal/lease"
	"pkt.systems/catalogd/internal/storage"
	"pkt.systems/catalogd/internal/svcfields"
)

// Config wires a Store.
type Config struct {
	Backend storage.Backend
	Scope   Scope
	// Guard is checked before every publish. Nil disables the check.
	Guard lease.Guard
	// NonQueueable lists request kinds Enqueue always rejects.
	NonQueueable []string
	Logger       pslog.Logger
}

// Store is one scope's execution context. It is safe for concurrent use, but
// the loaded state is shared by every caller of the same Store.
type Store struct {
	backend      storage.Backend
	scope        Scope
	guard        lease.Guard
	nonQueueable map[string]bool
	logger       pslog.Logger
	trips        metric.Int64Counter

	mu       sync.Mutex
	loaded   bool
	original *ExecutionContext
	working  *ExecutionContext
}

// NewStore builds a Store for cfg.Scope.
func NewStore(cfg Config) *Store {
	nq := make(map[string]bool, len(cfg.NonQueueable))
	for _, kind := range cfg.NonQueueable {
		nq[kind] = true
	}
	trips, _ := otel.Meter("pkt.systems/catalogd/execctx").Int64Counter(
		"catalogd.context.breaker_trips",
		metric.WithDescription("Number of times the failure circuit breaker suspended a context"),
	)
	return &Store{
		backend:      cfg.Backend,
		scope:        cfg.Scope,
		guard:        cfg.Guard,
		nonQueueable: nq,
		logger:       svcfields.WithSubsystem(cfg.Logger, svcfields.Subsystem("context", cfg.Scope.Name)),
		trips:        trips,
	}
}

// Scope returns the scope the store was built for.
func (s *Store) Scope() Scope {
	return s.scope
}

// Load reads the persisted snapshot unless one is already loaded. A missing
// snapshot yields the default context.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	snapshot := NewExecutionContext()
	found, err := storage.ReadJSON(ctx, s.backend, s.scope.Key, snapshot)
	if err != nil {
		s.logger.Error("context.load.failed", "key", s.scope.Key, "error", err)
		return err
	}
	if !found {
		snapshot = NewExecutionContext()
	}
	snapshot.normalize()
	s.original = snapshot
	s.working = snapshot.Clone()
	s.loaded = true
	s.logger.Debug("context.loaded", "found", found, "queue_len", len(snapshot.Queue), "error_count", snapshot.ErrorCount, "suspended", snapshot.Suspended)
	return nil
}

// Loaded reports whether a snapshot is checked out.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Snapshot returns a copy of the working context.
func (s *Store) Snapshot() (ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLoaded("snapshot"); err != nil {
		return ExecutionContext{}, err
	}
	return *s.working.Clone(), nil
}

func (s *Store) requireLoaded(op string) error {
	if !s.loaded || s.working == nil {
		return core.New(core.CodeContextNotLoaded, "context is not loaded", "scope", s.scope.Name, "op", op)
	}
	return nil
}

func (s *Store) requireActive(op string) error {
	if err := s.requireLoaded(op); err != nil {
		return err
	}
	if s.working.Suspended {
		return core.New(core.CodeContextSuspended, "context is suspended", "scope", s.scope.Name, "op", op)
	}
	return nil
}

func (s *Store) requireRepairable(op string) error {
	if s.scope.AllowRepairWhileSuspended {
		return s.requireLoaded(op)
	}
	return s.requireActive(op)
}

// Enqueue appends kind to the queue. It returns false for non-queueable
// kinds and for kinds already queued.
func (s *Store) Enqueue(kind string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActive("enqueue"); err != nil {
		return false, err
	}
	if s.nonQueueable[kind] {
		return false, nil
	}
	return s.working.enqueue(kind), nil
}

// ResolveNext pops the queue head when there is one; otherwise it returns
// incoming unchanged with fromQueue false.
func (s *Store) ResolveNext(incoming string) (fromQueue bool, kind string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActive("resolve_next"); err != nil {
		return false, "", err
	}
	if next, ok := s.working.dequeue(); ok {
		return true, next, nil
	}
	return false, incoming, nil
}

// RecordFailure counts a server-class failure and reports whether it
// tripped the breaker.
func (s *Store) RecordFailure(ctx context.Context, maxErrors int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActive("record_failure"); err != nil {
		return false, err
	}
	tripped := s.working.markFailure(maxErrors)
	if tripped {
		s.logger.Warn("context.suspended", "reason", "max_errors", "max_errors", maxErrors)
		if s.trips != nil {
			s.trips.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", s.scope.Name)))
		}
	}
	return tripped, nil
}

// RecordSuccess credits one success against the error count.
func (s *Store) RecordSuccess() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActive("record_success"); err != nil {
		return err
	}
	s.working.markSuccess()
	return nil
}

// ClearQueue empties the queue.
func (s *Store) ClearQueue() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireRepairable("clear_queue"); err != nil {
		return err
	}
	s.working.clearQueue()
	return nil
}

// ResetFailureCount sets the error count to zero.
func (s *Store) ResetFailureCount() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireRepairable("reset_failure_count"); err != nil {
		return err
	}
	s.working.ErrorCount = 0
	return nil
}

// Suspend opens the breaker.
func (s *Store) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLoaded("suspend"); err != nil {
		return err
	}
	s.working.Suspended = true
	return nil
}

// Unsuspend closes the breaker.
func (s *Store) Unsuspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireLoaded("unsuspend"); err != nil {
		return err
	}
	s.working.Suspended = false
	return nil
}

// Publish writes the working copy and detaches. It is a no-op when nothing
// is loaded. When the guard rejects the write nothing is persisted and the
// state stays loaded for the caller to detach.
func (s *Store) Publish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded || s.working == nil {
		return nil
	}
	if s.guard != nil {
		if err := s.guard.CheckWrite(ctx); err != nil {
			s.logger.Warn("context.publish.rejected", "key", s.scope.Key, "error", err)
			return err
		}
	}
	s.original = s.working.Clone()
	if err := storage.WriteJSON(ctx, s.backend, s.scope.Key, s.original, storage.PutObjectOptions{ContentType: storage.ContentTypeJSON}); err != nil {
		s.logger.Error("context.publish.failed", "key", s.scope.Key, "error", err)
		return err
	}
	s.logger.Debug("context.published", "key", s.scope.Key, "queue_len", len(s.original.Queue), "error_count", s.original.ErrorCount, "suspended", s.original.Suspended)
	s.detachLocked()
	return nil
}

// Detach discards the loaded state. It is always safe to call.
func (s *Store) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked()
}

func (s *Store) detachLocked() {
	s.original = nil
	s.working = nil
	s.loaded = false
}

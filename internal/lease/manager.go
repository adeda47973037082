// Package lease implements time-bounded locks over a plain blob store.
//
// Three leases cooperate: the run lease guards automatic job execution, the
// admin lease guards an operator session and issues a token, and the admin
// operation lease serializes mutating admin actions and is only valid while
// the admin lease that issued its holder token is still active.
//
// Leases are read, compared against the clock and written back. The store
// offers no compare-and-swap, so two processes can both observe an absent
// lease and both write one; the last write wins. Generous timeouts keep this
// window rare, but it is not closed.
package lease

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/catalogd/internal/clock"
	"pkt.systems/catalogd/internal/ids"
	"pkt.systems/catalogd/internal/storage"
	"pkt.systems/catalogd/internal/svcfields"
)

// Timeouts supplies lease durations. It is consulted on every acquisition so
// runtime setting changes apply to the next lease.
type Timeouts interface {
	RunLockTimeout() time.Duration
	AdminLockTimeout() time.Duration
}

// StaticTimeouts is a fixed Timeouts implementation.
type StaticTimeouts struct {
	Run   time.Duration
	Admin time.Duration
}

// RunLockTimeout returns the run lease duration.
func (s StaticTimeouts) RunLockTimeout() time.Duration { return s.Run }

// AdminLockTimeout returns the admin lease duration.
func (s StaticTimeouts) AdminLockTimeout() time.Duration { return s.Admin }

// Config wires a Manager.
type Config struct {
	Backend  storage.Backend
	Owner    string
	Timeouts Timeouts
	Keys     Keys
	Clock    clock.Clock
	Logger   pslog.Logger
	// NewToken generates admin tokens; defaults to random UUIDs.
	NewToken func() string
}

// Manager implements the run, admin and admin operation leases.
type Manager struct {
	backend  storage.Backend
	owner    string
	timeouts Timeouts
	keys     Keys
	clock    clock.Clock
	logger   pslog.Logger
	newToken func() string
	acquires metric.Int64Counter

	// runMu serializes in-process run acquire/release so the held flag and
	// the stored lease change together.
	runMu   sync.Mutex
	runHeld bool
}

// NewManager builds a Manager. The run-held flag starts false; ownership is
// never inherited from a previous process.
func NewManager(cfg Config) *Manager {
	if cfg.Timeouts == nil {
		cfg.Timeouts = StaticTimeouts{Run: 3 * time.Hour, Admin: 6 * time.Hour}
	}
	if cfg.Keys == (Keys{}) {
		cfg.Keys = DefaultKeys
	}
	if cfg.NewToken == nil {
		cfg.NewToken = ids.AdminToken
	}
	counter, _ := otel.Meter("pkt.systems/catalogd/lease").Int64Counter(
		"catalogd.lease.acquire",
		metric.WithDescription("Lease acquisition attempts by lease kind and outcome"),
	)
	return &Manager{
		backend:  cfg.Backend,
		owner:    cfg.Owner,
		timeouts: cfg.Timeouts,
		keys:     cfg.Keys,
		clock:    clock.Or(cfg.Clock),
		logger:   svcfields.WithSubsystem(cfg.Logger, "lease"),
		newToken: cfg.NewToken,
		acquires: counter,
	}
}

// Owner returns the deployment identity stamped on run and admin leases.
func (m *Manager) Owner() string {
	return m.owner
}

func (m *Manager) record(ctx context.Context, kind string, ok bool) {
	if m.acquires == nil {
		return
	}
	outcome := "denied"
	if ok {
		outcome = "acquired"
	}
	m.acquires.Add(ctx, 1, metric.WithAttributes(
		attribute.String("lease", kind),
		attribute.String("outcome", outcome),
	))
}

// RunHeld reports the in-process ownership flag.
func (m *Manager) RunHeld() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.runHeld
}

// AcquireRun takes the run lease. It fails while an admin lease is active,
// returns true without touching the store when this process already holds
// the lease, and otherwise writes a fresh lease unless a live one exists.
func (m *Manager) AcquireRun(ctx context.Context) (bool, error) {
	admin, err := m.load(ctx, m.keys.Admin)
	if err != nil {
		return false, err
	}
	if admin != nil {
		m.logger.Info("lease.run.blocked_by_admin", "admin_owner", admin.Owner)
		m.record(ctx, "run", false)
		return false, nil
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.runHeld {
		return true, nil
	}
	current, err := m.load(ctx, m.keys.Run)
	if err != nil {
		return false, err
	}
	if current != nil {
		m.logger.Info("lease.run.busy", "owner", current.Owner, "expires_at", current.ExpiresAt)
		m.record(ctx, "run", false)
		return false, nil
	}
	now := m.clock.Now()
	rec := Record{
		Owner:      m.owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.timeouts.RunLockTimeout()),
	}
	if err := m.store(ctx, m.keys.Run, rec); err != nil {
		return false, err
	}
	m.runHeld = true
	m.logger.Info("lease.run.acquired", "owner", m.owner, "expires_at", rec.ExpiresAt)
	m.record(ctx, "run", true)
	return true, nil
}

// ReleaseRun deletes the run lease when this process holds it. Ownership is
// not re-checked against the store before the delete.
func (m *Manager) ReleaseRun(ctx context.Context) (bool, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.runHeld {
		return true, nil
	}
	if err := m.delete(ctx, m.keys.Run); err != nil {
		return false, err
	}
	m.runHeld = false
	m.logger.Info("lease.run.released", "owner", m.owner)
	return true, nil
}

// RunStatus returns the public view of the run lease.
func (m *Manager) RunStatus(ctx context.Context) (Status, error) {
	rec, err := m.load(ctx, m.keys.Run)
	if err != nil {
		return Status{}, err
	}
	return statusOf(rec), nil
}

// RunActive reports whether any process holds a live run lease.
func (m *Manager) RunActive(ctx context.Context) (bool, error) {
	rec, err := m.load(ctx, m.keys.Run)
	return rec != nil, err
}

// AdminAcquireResult is returned by AcquireAdmin.
type AdminAcquireResult struct {
	Acquired bool   `json:"acquired"`
	Token    string `json:"token,omitempty"`
	Status   Status `json:"status"`
}

// AcquireAdmin opens an operator session. The run lease is deliberately not
// consulted: an admin lease may be granted while a job runs, and the job's
// next guarded write will then fail.
func (m *Manager) AcquireAdmin(ctx context.Context) (AdminAcquireResult, error) {
	current, err := m.load(ctx, m.keys.Admin)
	if err != nil {
		return AdminAcquireResult{}, err
	}
	if current != nil {
		m.record(ctx, "admin", false)
		return AdminAcquireResult{Acquired: false, Status: statusOf(current)}, nil
	}
	now := m.clock.Now()
	rec := Record{
		Owner:      m.owner,
		Token:      m.newToken(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.timeouts.AdminLockTimeout()),
	}
	if err := m.store(ctx, m.keys.Admin, rec); err != nil {
		return AdminAcquireResult{}, err
	}
	m.logger.Info("lease.admin.acquired", "owner", m.owner, "expires_at", rec.ExpiresAt)
	m.record(ctx, "admin", true)
	return AdminAcquireResult{Acquired: true, Token: rec.Token, Status: statusOf(&rec)}, nil
}

// matchAdmin returns the live admin lease if token matches it.
func (m *Manager) matchAdmin(ctx context.Context, token string) (*Record, error) {
	if token == "" {
		return nil, nil
	}
	rec, err := m.load(ctx, m.keys.Admin)
	if err != nil || rec == nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(rec.Token), []byte(token)) != 1 {
		return nil, nil
	}
	return rec, nil
}

// ValidateAdminToken reports whether token belongs to the live admin lease.
func (m *Manager) ValidateAdminToken(ctx context.Context, token string) (bool, error) {
	rec, err := m.matchAdmin(ctx, token)
	return rec != nil, err
}

// ReleaseAdmin ends the operator session. It fails for an invalid token and
// while an operation lease is still active.
func (m *Manager) ReleaseAdmin(ctx context.Context, token string) (bool, error) {
	rec, err := m.matchAdmin(ctx, token)
	if err != nil || rec == nil {
		return false, err
	}
	op, err := m.activeOp(ctx)
	if err != nil {
		return false, err
	}
	if op != nil {
		m.logger.Info("lease.admin.release_blocked", "reason", "operation_in_progress")
		return false, nil
	}
	if err := m.delete(ctx, m.keys.Admin); err != nil {
		return false, err
	}
	if err := m.delete(ctx, m.keys.Op); err != nil {
		return false, err
	}
	m.logger.Info("lease.admin.released", "owner", rec.Owner)
	return true, nil
}

// AdminStatus returns the public view of the admin lease.
func (m *Manager) AdminStatus(ctx context.Context) (Status, error) {
	rec, err := m.load(ctx, m.keys.Admin)
	if err != nil {
		return Status{}, err
	}
	return statusOf(rec), nil
}

// AdminActive reports whether a live admin lease exists.
func (m *Manager) AdminActive(ctx context.Context) (bool, error) {
	rec, err := m.load(ctx, m.keys.Admin)
	return rec != nil, err
}

// activeOp returns the operation lease only when it is live and anchored to
// the live admin lease. A dangling or mismatched operation lease is deleted.
func (m *Manager) activeOp(ctx context.Context) (*Record, error) {
	op, err := m.load(ctx, m.keys.Op)
	if err != nil || op == nil {
		return nil, err
	}
	admin, err := m.load(ctx, m.keys.Admin)
	if err != nil {
		return nil, err
	}
	if admin == nil || admin.Token != op.HolderToken {
		m.logger.Debug("lease.op.orphaned", "admin_active", admin != nil)
		return nil, m.delete(ctx, m.keys.Op)
	}
	return op, nil
}

// OpActive reports whether a valid operation lease exists.
func (m *Manager) OpActive(ctx context.Context) (bool, error) {
	op, err := m.activeOp(ctx)
	return op != nil, err
}

// AcquireOpLock takes the operation lease for the admin session identified
// by token.
func (m *Manager) AcquireOpLock(ctx context.Context, token string) (bool, error) {
	admin, err := m.matchAdmin(ctx, token)
	if err != nil || admin == nil {
		m.record(ctx, "admin_op", false)
		return false, err
	}
	op, err := m.activeOp(ctx)
	if err != nil {
		return false, err
	}
	if op != nil {
		m.record(ctx, "admin_op", false)
		return false, nil
	}
	now := m.clock.Now()
	rec := Record{
		HolderToken: token,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(m.timeouts.AdminLockTimeout()),
	}
	if err := m.store(ctx, m.keys.Op, rec); err != nil {
		return false, err
	}
	m.record(ctx, "admin_op", true)
	return true, nil
}

// ReleaseOpLock deletes the operation lease when its holder token equals
// token. A missing lease counts as released.
func (m *Manager) ReleaseOpLock(ctx context.Context, token string) (bool, error) {
	var rec Record
	found, err := storage.ReadJSON(ctx, m.backend, m.keys.Op, &rec)
	switch {
	case err != nil && !found:
		return false, err
	case !found:
		return true, nil
	case err != nil:
		// Unreadable lease has no holder to protect.
		return true, m.delete(ctx, m.keys.Op)
	}
	if subtle.ConstantTimeCompare([]byte(rec.HolderToken), []byte(token)) != 1 {
		return false, nil
	}
	if err := m.delete(ctx, m.keys.Op); err != nil {
		return false, err
	}
	return true, nil
}

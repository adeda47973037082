package lease

import (
	"context"

	"pkt.systems/catalogd/internal/core"
)

// Guard checks, immediately before a persistent write, that the caller still
// holds the lease the write is scoped to.
type Guard interface {
	CheckWrite(ctx context.Context) error
}

// GuardFunc adapts a function to Guard.
type GuardFunc func(ctx context.Context) error

// CheckWrite calls f.
func (f GuardFunc) CheckWrite(ctx context.Context) error { return f(ctx) }

// RunGuard requires the in-process run lease and no active admin lease.
func (m *Manager) RunGuard() Guard {
	return GuardFunc(func(ctx context.Context) error {
		if !m.RunHeld() {
			return core.New(core.CodeLockNotAcquired, "run lock not held by this process", "owner", m.owner)
		}
		admin, err := m.AdminActive(ctx)
		if err != nil {
			return err
		}
		if admin {
			return core.New(core.CodeOperationBlockedByAdminLock, "admin lock active")
		}
		return nil
	})
}

// AdminGuard requires a live admin lease and a live operation lease anchored
// to it.
func (m *Manager) AdminGuard() Guard {
	return GuardFunc(func(ctx context.Context) error {
		admin, err := m.AdminActive(ctx)
		if err != nil {
			return err
		}
		if !admin {
			return core.New(core.CodeAdminLockNotAcquired, "admin lock not active")
		}
		op, err := m.OpActive(ctx)
		if err != nil {
			return err
		}
		if !op {
			return core.New(core.CodeAdminOpLockNotAcquired, "admin operation lock not held")
		}
		return nil
	})
}

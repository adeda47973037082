package lease

import (
	"context"
	"time"

	"pkt.systems/catalogd/internal/storage"
)

// Record is the JSON document persisted for every lease kind.
type Record struct {
	Owner       string    `json:"owner,omitempty"`
	Token       string    `json:"token,omitempty"`
	HolderToken string    `json:"holder_token,omitempty"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Active reports whether r exists and now is strictly before its expiry.
func (r *Record) Active(now time.Time) bool {
	return r != nil && now.Before(r.ExpiresAt)
}

// Status is the public view of a lease. Tokens are never exposed.
type Status struct {
	Active     bool       `json:"active"`
	Owner      string     `json:"owner,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func statusOf(r *Record) Status {
	if r == nil {
		return Status{Active: false}
	}
	acquired, expires := r.AcquiredAt, r.ExpiresAt
	return Status{Active: true, Owner: r.Owner, AcquiredAt: &acquired, ExpiresAt: &expires}
}

// Keys names the blobs holding each lease.
type Keys struct {
	Run   string
	Admin string
	Op    string
}

// DefaultKeys is the standard key layout.
var DefaultKeys = Keys{
	Run:   "run.lock",
	Admin: "admin.lock",
	Op:    "admin.oplock",
}

// load reads the lease at key and lazily reclaims it. Missing, corrupt and
// expired records are all reported as nil; corrupt and expired ones are
// deleted on the way out.
func (m *Manager) load(ctx context.Context, key string) (*Record, error) {
	var rec Record
	found, err := storage.ReadJSON(ctx, m.backend, key, &rec)
	if err != nil {
		if !found {
			return nil, err
		}
		m.logger.Warn("lease.corrupt", "key", key, "error", err)
		return nil, m.delete(ctx, key)
	}
	if !found {
		return nil, nil
	}
	if !rec.Active(m.clock.Now()) {
		m.logger.Debug("lease.expired.reclaim", "key", key, "owner", rec.Owner, "expires_at", rec.ExpiresAt)
		return nil, m.delete(ctx, key)
	}
	return &rec, nil
}

func (m *Manager) store(ctx context.Context, key string, rec Record) error {
	return storage.WriteJSON(ctx, m.backend, key, rec, storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
}

func (m *Manager) delete(ctx context.Context, key string) error {
	return storage.Delete(ctx, m.backend, key)
}

// Package status publishes the public busy/idle document.
package status

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/catalogd/api"
	"pkt.systems/catalogd/internal/clock"
	"pkt.systems/catalogd/internal/lease"
	"pkt.systems/catalogd/internal/storage"
	"pkt.systems/catalogd/internal/svcfields"
)

// Status values.
const (
	Busy = "busy"
	Idle = "idle"
)

// DefaultKey is where the document lives.
const DefaultKey = "status.json"

// Config wires a Publisher.
type Config struct {
	Backend storage.Backend
	Leases  *lease.Manager
	Key     string
	Clock   clock.Clock
	Logger  pslog.Logger
}

// Publisher derives status from lease state and writes it publicly readable.
type Publisher struct {
	backend storage.Backend
	leases  *lease.Manager
	key     string
	clock   clock.Clock
	logger  pslog.Logger
}

// New builds a Publisher.
func New(cfg Config) *Publisher {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	return &Publisher{
		backend: cfg.Backend,
		leases:  cfg.Leases,
		key:     cfg.Key,
		clock:   clock.Or(cfg.Clock),
		logger:  svcfields.WithSubsystem(cfg.Logger, "status"),
	}
}

// Compute returns busy when a run or admin lease is active.
func (p *Publisher) Compute(ctx context.Context) (string, error) {
	run, err := p.leases.RunActive(ctx)
	if err != nil {
		return "", err
	}
	if run {
		return Busy, nil
	}
	admin, err := p.leases.AdminActive(ctx)
	if err != nil {
		return "", err
	}
	if admin {
		return Busy, nil
	}
	return Idle, nil
}

// Publish writes value with the current time.
func (p *Publisher) Publish(ctx context.Context, value string) error {
	doc := api.StatusDocument{
		Status:    value,
		UpdatedAt: p.clock.Now().UTC().Truncate(time.Second),
	}
	err := storage.WriteJSON(ctx, p.backend, p.key, doc, storage.PutObjectOptions{
		ContentType:  storage.ContentTypeJSON,
		PublicRead:   true,
		CacheControl: "no-cache",
	})
	if err != nil {
		svcfields.FromContext(ctx, p.logger).Warn("status.publish.error", "status", value, "error", err)
		return err
	}
	p.logger.Debug("status.published", "status", value)
	return nil
}

// Sync computes and publishes the status.
func (p *Publisher) Sync(ctx context.Context) error {
	value, err := p.Compute(ctx)
	if err != nil {
		svcfields.FromContext(ctx, p.logger).Warn("status.compute.error", "error", err)
		return err
	}
	return p.Publish(ctx, value)
}

// Read returns the last published document.
func (p *Publisher) Read(ctx context.Context) (api.StatusDocument, bool, error) {
	var doc api.StatusDocument
	found, err := storage.ReadJSON(ctx, p.backend, p.key, &doc)
	return doc, found && err == nil, err
}

// Package admin is the operator entry point: lock lifecycle, context repair
// and runtime settings. Mutating actions require the admin lease token and
// run under the admin operation lease.
package admin

import (
	"context"
	"errors"
	"net/http"

	"pkt.systems/pslog"

	"pkt.systems/catalogd/api"
	"pkt.systems/catalogd/internal/core"
	"pkt.systems/catalogd/internal/execctx"
	"pkt.systems/catalogd/internal/lease"
	"pkt.systems/catalogd/internal/storage"
	"pkt.systems/catalogd/internal/svcfields"
)

// StatusSyncer republishes the busy/idle document after lease changes.
type StatusSyncer interface {
	Sync(ctx context.Context) error
}

// Config wires an Orchestrator.
type Config struct {
	Leases       *lease.Manager
	Backend      storage.Backend
	Settings     *Settings
	Status       StatusSyncer
	NonQueueable []string
	Logger       pslog.Logger
}

// Orchestrator dispatches admin actions.
type Orchestrator struct {
	leases       *lease.Manager
	backend      storage.Backend
	settings     *Settings
	status       StatusSyncer
	nonQueueable []string
	logger       pslog.Logger
}

// New builds an Orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		leases:       cfg.Leases,
		backend:      cfg.Backend,
		settings:     cfg.Settings,
		status:       cfg.Status,
		nonQueueable: cfg.NonQueueable,
		logger:       svcfields.WithSubsystem(cfg.Logger, "admin"),
	}
}

// Mutating reports whether action needs the admin token and operation lease.
func Mutating(action string) bool {
	switch action {
	case api.ActionContextClearQueue, api.ActionContextResetFailures, api.ActionContextUnsuspend, api.ActionSettingsSet:
		return true
	}
	return false
}

func ok(action, message string, data map[string]any) (api.AdminResponse, int) {
	return api.AdminResponse{Action: action, Status: api.AdminStatusSuccess, Message: message, Data: data}, http.StatusOK
}

func partial(action, message string, data map[string]any) (api.AdminResponse, int) {
	return api.AdminResponse{Action: action, Status: api.AdminStatusPartial, Message: message, Data: data}, http.StatusMultiStatus
}

func failed(action, message string, code int, data map[string]any) (api.AdminResponse, int) {
	return api.AdminResponse{Action: action, Status: api.AdminStatusFailed, Message: message, Data: data}, code
}

// Handle runs one admin action. token is the admin lease token presented by
// the caller, possibly empty. Errors never escape: they become FAILED
// envelopes.
func (o *Orchestrator) Handle(ctx context.Context, action string, payload map[string]any, token string) (api.AdminResponse, int) {
	logger := svcfields.FromContext(ctx, o.logger).With("action", action)
	if !Mutating(action) {
		resp, code, err := o.dispatch(ctx, action, payload, token, logger)
		if err != nil {
			return o.errorResponse(action, err, logger)
		}
		return resp, code
	}

	valid, err := o.leases.ValidateAdminToken(ctx, token)
	if err != nil {
		return o.errorResponse(action, err, logger)
	}
	if !valid {
		return failed(action, "Valid admin lock token is required for mutating actions.", http.StatusConflict, nil)
	}
	acquired, err := o.leases.AcquireOpLock(ctx, token)
	if err != nil {
		return o.errorResponse(action, err, logger)
	}
	if !acquired {
		return failed(action, "Another admin operation is in progress.", http.StatusConflict, nil)
	}
	defer func() {
		if released, err := o.leases.ReleaseOpLock(ctx, token); err != nil || !released {
			logger.Error("admin.oplock.release_failed", "released", released, "error", err)
		}
	}()
	resp, code, err := o.dispatch(ctx, action, payload, token, logger)
	if err != nil {
		return o.errorResponse(action, err, logger)
	}
	return resp, code
}

func (o *Orchestrator) errorResponse(action string, err error, logger pslog.Logger) (api.AdminResponse, int) {
	logger.Error("admin.action.failed", "error", err)
	var failure *core.Failure
	if errors.As(err, &failure) {
		return failed(action, "Admin action failed.", failure.Status(), map[string]any{"error": failure.Code})
	}
	return failed(action, "Admin action failed.", http.StatusInternalServerError, map[string]any{"error": core.CodeUnexpected})
}

func (o *Orchestrator) dispatch(ctx context.Context, action string, payload map[string]any, token string, logger pslog.Logger) (api.AdminResponse, int, error) {
	switch action {
	case api.ActionAdminLockAcquire:
		return o.lockAcquire(ctx, action, logger)
	case api.ActionAdminLockRelease:
		return o.lockRelease(ctx, action, token, logger)
	case api.ActionAdminLockStatus:
		return o.lockStatus(ctx, action)
	case api.ActionContextGet:
		return o.contextGet(ctx, action, payload)
	case api.ActionContextClearQueue:
		return o.contextMutate(ctx, action, payload, "Context queue cleared.", (*execctx.Store).ClearQueue)
	case api.ActionContextResetFailures:
		return o.contextMutate(ctx, action, payload, "Context failure count reset.", (*execctx.Store).ResetFailureCount)
	case api.ActionContextUnsuspend:
		return o.contextMutate(ctx, action, payload, "Context unsuspended.", (*execctx.Store).Unsuspend)
	case api.ActionSettingsGet:
		resp, code := ok(action, "Settings fetched.", map[string]any{"settings": o.settings.Public()})
		return resp, code, nil
	case api.ActionSettingsSet:
		return o.settingsSet(action, payload, logger)
	}
	resp, code := failed(action, "Unsupported admin action.", http.StatusBadRequest, nil)
	return resp, code, nil
}

func (o *Orchestrator) lockAcquire(ctx context.Context, action string, logger pslog.Logger) (api.AdminResponse, int, error) {
	res, err := o.leases.AcquireAdmin(ctx)
	if err != nil {
		return api.AdminResponse{}, 0, err
	}
	if !res.Acquired {
		resp, code := failed(action, "Admin lock is already active.", http.StatusConflict, map[string]any{"lock": res.Status})
		return resp, code, nil
	}
	o.syncStatus(ctx, logger)
	resp, code := ok(action, "Admin lock acquired.", map[string]any{"lock_token": res.Token, "lock": res.Status})
	return resp, code, nil
}

func (o *Orchestrator) lockRelease(ctx context.Context, action, token string, logger pslog.Logger) (api.AdminResponse, int, error) {
	valid, err := o.leases.ValidateAdminToken(ctx, token)
	if err != nil {
		return api.AdminResponse{}, 0, err
	}
	if !valid {
		resp, code := failed(action, "Valid admin lock token is required to release lock.", http.StatusConflict, nil)
		return resp, code, nil
	}
	busy, err := o.leases.OpActive(ctx)
	if err != nil {
		return api.AdminResponse{}, 0, err
	}
	if busy {
		resp, code := failed(action, "Cannot release admin lock while an admin operation is in progress.", http.StatusConflict, nil)
		return resp, code, nil
	}
	released, err := o.leases.ReleaseAdmin(ctx, token)
	if err != nil {
		return api.AdminResponse{}, 0, err
	}
	st, err := o.leases.AdminStatus(ctx)
	if err != nil {
		return api.AdminResponse{}, 0, err
	}
	if !released {
		resp, code := failed(action, "Admin lock release failed.", http.StatusConflict, map[string]any{"lock": st})
		return resp, code, nil
	}
	o.syncStatus(ctx, logger)
	resp, code := ok(action, "Admin lock released.", map[string]any{"lock": st})
	return resp, code, nil
}

func (o *Orchestrator) lockStatus(ctx context.Context, action string) (api.AdminResponse, int, error) {
	adminStatus, err := o.leases.AdminStatus(ctx)
	if err != nil {
		return api.AdminResponse{}, 0, err
	}
	runStatus, err := o.leases.RunStatus(ctx)
	if err != nil {
		return api.AdminResponse{}, 0, err
	}
	resp, code := ok(action, "Admin lock status fetched.", map[string]any{"lock": adminStatus, "run_lock": runStatus})
	return resp, code, nil
}

// contextStore opens a per-request store for the target named in payload.
func (o *Orchestrator) contextStore(payload map[string]any) *execctx.Store {
	scope := execctx.Admin
	if target, _ := payload["target"].(string); target == execctx.Run.Name {
		scope = execctx.Repair(execctx.Run)
	}
	return execctx.NewStore(execctx.Config{
		Backend:      o.backend,
		Scope:        scope,
		Guard:        o.leases.AdminGuard(),
		NonQueueable: o.nonQueueable,
		Logger:       o.logger,
	})
}

func (o *Orchestrator) contextGet(ctx context.Context, action string, payload map[string]any) (api.AdminResponse, int, error) {
	store := o.contextStore(payload)
	defer store.Detach()
	if err := store.Load(ctx); err != nil {
		return api.AdminResponse{}, 0, err
	}
	snap, err := store.Snapshot()
	if err != nil {
		return api.AdminResponse{}, 0, err
	}
	resp, code := ok(action, "Context fetched.", map[string]any{"context": snap, "target": store.Scope().Name})
	return resp, code, nil
}

func (o *Orchestrator) contextMutate(ctx context.Context, action string, payload map[string]any, message string, mutate func(*execctx.Store) error) (api.AdminResponse, int, error) {
	store := o.contextStore(payload)
	defer store.Detach()
	if err := store.Load(ctx); err != nil {
		return api.AdminResponse{}, 0, err
	}
	if err := mutate(store); err != nil {
		return api.AdminResponse{}, 0, err
	}
	if err := store.Publish(ctx); err != nil {
		return api.AdminResponse{}, 0, err
	}
	resp, code := ok(action, message, map[string]any{"target": store.Scope().Name})
	return resp, code, nil
}

func (o *Orchestrator) settingsSet(action string, payload map[string]any, logger pslog.Logger) (api.AdminResponse, int, error) {
	updates, _ := payload["updates"].(map[string]any)
	if len(updates) == 0 {
		resp, code := ok(action, "No updates provided.", map[string]any{
			"results": map[string]api.SettingResult{}, "applied_count": 0, "failed_count": 0,
		})
		return resp, code, nil
	}
	results, applied, failedCount, err := o.settings.Apply(updates)
	if err != nil {
		return api.AdminResponse{}, 0, err
	}
	data := map[string]any{"results": results, "applied_count": applied, "failed_count": failedCount}
	logger.Info("admin.settings.set", "applied", applied, "failed", failedCount)
	var (
		resp api.AdminResponse
		code int
	)
	switch {
	case failedCount == 0:
		resp, code = ok(action, "All setting updates applied.", data)
	case applied > 0:
		resp, code = partial(action, "Some setting updates failed.", data)
	default:
		resp, code = failed(action, "No setting updates were applied.", http.StatusBadRequest, data)
	}
	return resp, code, nil
}

func (o *Orchestrator) syncStatus(ctx context.Context, logger pslog.Logger) {
	if o.status == nil {
		return
	}
	if err := o.status.Sync(ctx); err != nil {
		logger.Warn("admin.status.sync_failed", "error", err)
	}
}

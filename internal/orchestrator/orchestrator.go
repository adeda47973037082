// Package orchestrator is the automatic entry point: it takes the run lease,
// drains the queue one request at a time, dispatches to a pipeline and
// feeds the outcome into the circuit breaker.
package orchestrator

import (
	"context"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/catalogd/api"
	"pkt.systems/catalogd/internal/core"
	"pkt.systems/catalogd/internal/execctx"
	"pkt.systems/catalogd/internal/lease"
	"pkt.systems/catalogd/internal/pipeline"
	"pkt.systems/catalogd/internal/svcfields"
)

// Settings supplies the breaker threshold; it is read once per invocation.
type Settings interface {
	MaxErrors() int
}

// StatusSyncer republishes the busy/idle document after lease changes.
type StatusSyncer interface {
	Sync(ctx context.Context) error
}

// RootFunc builds the static metadata returned for the root kind.
type RootFunc func(ctx context.Context) api.RootResponse

// Config wires an Orchestrator.
type Config struct {
	Leases    *lease.Manager
	Context   *execctx.Store
	Pipelines *pipeline.Registry
	Settings  Settings
	Status    StatusSyncer
	Root      RootFunc
	Logger    pslog.Logger
}

// Result is the body and HTTP status of one invocation.
type Result struct {
	Body       any
	HTTPStatus int
}

// Orchestrator handles request kinds. One instance per process.
type Orchestrator struct {
	leases    *lease.Manager
	context   *execctx.Store
	pipelines *pipeline.Registry
	settings  Settings
	status    StatusSyncer
	root      RootFunc
	logger    pslog.Logger
	requests  metric.Int64Counter

	// gateMu guards gate and orders entry (acquire, raise, load) against
	// exit (lower, publish, release). While gate is raised an invocation in
	// this process owns the loaded run context and later arrivals queue
	// into it.
	gateMu sync.Mutex
	gate   bool
}

// New builds an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Pipelines == nil {
		cfg.Pipelines = pipeline.NewRegistry()
	}
	counter, _ := otel.Meter("pkt.systems/catalogd/orchestrator").Int64Counter(
		"catalogd.requests",
		metric.WithDescription("Orchestrated requests by kind and response status"),
	)
	return &Orchestrator{
		leases:    cfg.Leases,
		context:   cfg.Context,
		pipelines: cfg.Pipelines,
		settings:  cfg.Settings,
		status:    cfg.Status,
		root:      cfg.Root,
		logger:    svcfields.WithSubsystem(cfg.Logger, "orchestrator"),
		requests:  counter,
	}
}

// Handle runs one request of the given kind. It never blocks waiting for the
// run lease. Jobs are not cancelled when ctx is; they run to completion.
func (o *Orchestrator) Handle(ctx context.Context, kind string) Result {
	logger := svcfields.FromContext(ctx, o.logger).With("kind", kind)
	if kind == pipeline.KindRoot {
		var body api.RootResponse
		if o.root != nil {
			body = o.root(ctx)
		}
		return Result{Body: body, HTTPStatus: http.StatusOK}
	}
	ctx = context.WithoutCancel(ctx)
	res := o.handle(ctx, kind, logger)
	if o.requests != nil {
		status := ""
		if body, ok := res.Body.(api.RequestResponse); ok {
			status = body.Status
		}
		o.requests.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		))
	}
	return res
}

func respond(kind, status, message string, code int) Result {
	return Result{
		Body:       api.RequestResponse{RequestType: kind, Status: status, Message: message},
		HTTPStatus: code,
	}
}

func (o *Orchestrator) handle(ctx context.Context, kind string, logger pslog.Logger) Result {
	res, entered := o.enter(ctx, kind, logger)
	if !entered {
		return res
	}
	var (
		dispatched bool
		outcome    int
	)
	defer func() {
		o.exit(ctx, dispatched, outcome, logger)
	}()
	if res.HTTPStatus != 0 {
		return res
	}

	fromQueue, next, err := o.context.ResolveNext(kind)
	if err != nil {
		return o.failure(kind, err, logger)
	}
	if fromQueue {
		logger.Info("orchestrator.dequeued", "next", next)
	}
	p, ok := o.pipelines.Lookup(next)
	if !ok {
		return respond(next, api.RequestStatusUnsupported, "Request type is not supported", http.StatusNotImplemented)
	}
	out, err := pipeline.Execute(ctx, p, logger)
	dispatched = true
	if err != nil {
		outcome = http.StatusInternalServerError
		logger.Error("orchestrator.pipeline.error", "next", next, "error", err)
		return respond(next, api.RequestStatusError, "Failed to handle request", outcome)
	}
	outcome = out.HTTPStatus
	body := api.RequestResponse{
		RequestType: next,
		Status:      out.Status,
		Message:     out.Message,
		Extra:       out.Extra,
	}
	if fromQueue {
		if body.Extra == nil {
			body.Extra = map[string]any{}
		}
		body.Extra["from_queue"] = true
	}
	return Result{Body: body, HTTPStatus: out.HTTPStatus}
}

// enter takes the run lease and loads the run context. entered is true when
// exit must run; a non-zero res.HTTPStatus is the response to return.
func (o *Orchestrator) enter(ctx context.Context, kind string, logger pslog.Logger) (res Result, entered bool) {
	o.gateMu.Lock()
	defer o.gateMu.Unlock()

	acquired, err := o.leases.AcquireRun(ctx)
	if err != nil {
		logger.Error("orchestrator.lease.error", "error", err)
		return respond(kind, api.RequestStatusError, "Failed to acquire run lock", http.StatusInternalServerError), false
	}
	if !acquired || o.gate {
		if !o.gate {
			return respond(kind, api.RequestStatusBusy, "System is busy processing another request", http.StatusServiceUnavailable), false
		}
		return o.enqueue(kind, logger), false
	}

	o.gate = true
	o.syncStatus(ctx, logger)
	if err := o.context.Load(ctx); err != nil {
		logger.Error("orchestrator.context.load_failed", "error", err)
		return respond(kind, api.RequestStatusError, "Failed to load context", http.StatusInternalServerError), true
	}
	return Result{}, true
}

func (o *Orchestrator) enqueue(kind string, logger pslog.Logger) Result {
	queued, err := o.context.Enqueue(kind)
	if err != nil {
		return o.failure(kind, err, logger)
	}
	if !queued {
		return respond(kind, api.RequestStatusQueueFailed, "Either queue is not supported for this request type or the request is already in the queue", http.StatusServiceUnavailable)
	}
	logger.Info("orchestrator.queued")
	return respond(kind, api.RequestStatusQueued, "Request queued", http.StatusAccepted)
}

func (o *Orchestrator) failure(kind string, err error, logger pslog.Logger) Result {
	if core.IsKind(err, core.CodeContextSuspended) {
		logger.Warn("orchestrator.context.suspended")
		return respond(kind, api.RequestStatusSuspended, "Context is suspended due to excessive errors", http.StatusServiceUnavailable)
	}
	logger.Error("orchestrator.error", "error", err)
	return respond(kind, api.RequestStatusError, "Failed to handle request", http.StatusInternalServerError)
}

// exit feeds the outcome to the breaker, publishes the context and releases
// the lease. Failures are logged and never replace the primary result.
func (o *Orchestrator) exit(ctx context.Context, dispatched bool, outcome int, logger pslog.Logger) {
	o.gateMu.Lock()
	o.gate = false
	if dispatched && o.context.Loaded() {
		var err error
		if outcome >= http.StatusInternalServerError {
			var tripped bool
			tripped, err = o.context.RecordFailure(ctx, o.maxErrors())
			if tripped {
				logger.Warn("orchestrator.breaker.tripped", "max_errors", o.maxErrors())
			}
		} else {
			err = o.context.RecordSuccess()
		}
		if err != nil {
			logger.Error("orchestrator.breaker.update_failed", "error", err)
		}
	}
	if err := o.context.Publish(ctx); err != nil {
		logger.Error("orchestrator.context.publish_failed", "error", err)
	}
	o.context.Detach()
	if released, err := o.leases.ReleaseRun(ctx); err != nil || !released {
		logger.Error("orchestrator.lease.release_failed", "released", released, "error", err)
	}
	o.gateMu.Unlock()
	o.syncStatus(ctx, logger)
}

func (o *Orchestrator) maxErrors() int {
	if o.settings == nil {
		return 3
	}
	return o.settings.MaxErrors()
}

func (o *Orchestrator) syncStatus(ctx context.Context, logger pslog.Logger) {
	if o.status == nil {
		return
	}
	if err := o.status.Sync(ctx); err != nil {
		logger.Warn("orchestrator.status.sync_failed", "error", err)
	}
}

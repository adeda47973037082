package catalogd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/catalogd/api"
	"pkt.systems/catalogd/internal/admin"
	"pkt.systems/catalogd/internal/clock"
	"pkt.systems/catalogd/internal/execctx"
	"pkt.systems/catalogd/internal/httpapi"
	"pkt.systems/catalogd/internal/lease"
	"pkt.systems/catalogd/internal/orchestrator"
	"pkt.systems/catalogd/internal/pipeline"
	"pkt.systems/catalogd/internal/status"
	"pkt.systems/catalogd/internal/storage"
	loggingbackend "pkt.systems/catalogd/internal/storage/logging"
	"pkt.systems/catalogd/internal/storage/retry"
	"pkt.systems/catalogd/internal/svcfields"
	"pkt.systems/catalogd/internal/version"
)

// Version reports the running catalogd version.
func Version() string {
	return version.Current()
}

// Server wraps the HTTP server, storage backend and the coordination
// components built on top of it.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	backend   storage.Backend
	clock     clock.Clock
	leases    *lease.Manager
	settings  *admin.Settings
	status    *status.Publisher
	requests  *orchestrator.Orchestrator
	admin     *admin.Orchestrator
	pipelines *pipeline.Registry
	httpSrv   *http.Server
	telemetry *telemetry

	mu           sync.Mutex
	listener     net.Listener
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
	watchCancel  context.CancelFunc
	watchDone    chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger    pslog.Logger
	Backend   storage.Backend
	Clock     clock.Clock
	Pipelines map[string]pipeline.Pipeline
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithPipeline registers p for kind, replacing any configured command.
func WithPipeline(kind string, p pipeline.Pipeline) Option {
	return func(o *options) {
		if o.Pipelines == nil {
			o.Pipelines = make(map[string]pipeline.Pipeline)
		}
		o.Pipelines[kind] = p
	}
}

// NewServer constructs a catalogd server according to cfg.
// Example:
//
//	cfg := catalogd.Config{Store: "mem://", Listen: ":8080", AdminSecret: "s3cret"}
//	srv, err := catalogd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := clock.Or(o.Clock)
	ctx := context.Background()

	tel, err := setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
		ServiceVersion: cfg.AppVersion,
		Instance:       cfg.LockOwner,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Server, error) {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}

	backend := o.Backend
	if backend == nil {
		backend, err = openBackend(ctx, cfg)
		if err != nil {
			return fail(err)
		}
	}
	backend = retry.Wrap(backend, svcfields.WithSubsystem(logger, "storage.retry"), serverClock, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	backend = loggingbackend.Wrap(backend, logger, "storage.backend")

	settings, err := admin.NewSettings(admin.Values{
		AppName:          cfg.AppName,
		AppDescription:   cfg.AppDescription,
		AppVersion:       cfg.AppVersion,
		AdminEmail:       cfg.AdminEmail,
		LogLevel:         cfg.LogLevel,
		RunLockTimeout:   cfg.RunLockTimeout,
		AdminLockTimeout: cfg.AdminLockTimeout,
		MaxErrors:        cfg.MaxErrors,
		AdminSecret:      cfg.AdminSecret,
		LockOwnerID:      cfg.LockOwner,
	}, cfg.SettingsFile, svcfields.WithSubsystem(logger, "admin.settings"))
	if err != nil {
		_ = backend.Close()
		return fail(err)
	}
	if settings.AdminSecret() == "" {
		logger.Warn("admin.secret.unset", "detail", "POST /admin answers 503 until ADMIN_SECRET is configured")
	}

	leases := lease.NewManager(lease.Config{
		Backend:  backend,
		Owner:    settings.Snapshot().LockOwnerID,
		Timeouts: settings,
		Clock:    serverClock,
		Logger:   logger,
	})
	publisher := status.New(status.Config{
		Backend: backend,
		Key:     cfg.StatusKey,
		Leases:  leases,
		Clock:   serverClock,
		Logger:  logger,
	})

	registry := pipeline.NewRegistry()
	for _, spec := range cfg.Pipelines {
		cmd, err := pipeline.ParseCommandSpec(spec)
		if err != nil {
			_ = backend.Close()
			return fail(fmt.Errorf("config: %w", err))
		}
		cmd.Dir = cfg.PipelineDir
		cmd.Logger = logger
		registry.Register(cmd.Kind, cmd)
	}
	for kind, p := range o.Pipelines {
		registry.Register(kind, p)
	}

	runContext := execctx.NewStore(execctx.Config{
		Backend:      backend,
		Scope:        execctx.Run,
		Guard:        leases.RunGuard(),
		NonQueueable: []string{pipeline.KindScrape},
		Logger:       logger,
	})

	s := &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server"),
		backend:   backend,
		clock:     serverClock,
		leases:    leases,
		settings:  settings,
		status:    publisher,
		pipelines: registry,
		telemetry: tel,
		readyCh:   make(chan struct{}),
	}
	s.requests = orchestrator.New(orchestrator.Config{
		Leases:    leases,
		Context:   runContext,
		Pipelines: registry,
		Settings:  settings,
		Status:    publisher,
		Root:      s.root,
		Logger:    logger,
	})
	s.admin = admin.New(admin.Config{
		Leases:       leases,
		Backend:      backend,
		Settings:     settings,
		Status:       publisher,
		NonQueueable: []string{pipeline.KindScrape},
		Logger:       logger,
	})
	settings.OnChange(func(v admin.Values) {
		s.logger.Info("settings.applied",
			"run_lock_timeout", v.RunLockTimeout,
			"admin_lock_timeout", v.AdminLockTimeout,
			"max_errors", v.MaxErrors,
			"log_level", v.LogLevel,
		)
	})

	handler := httpapi.New(httpapi.Config{
		Requests:       s.requests,
		Admin:          s.admin,
		Settings:       settings,
		Leases:         leases,
		Status:         publisher,
		Backend:        backend,
		Limiter:        httpapi.NewRateLimiter(cfg.AdminRateLimit, cfg.AdminRateBurst, serverClock),
		Clock:          serverClock,
		Logger:         logger,
		TracingEnabled: tel.tracingEnabled(),
		MaxAdminBody:   cfg.AdminMaxBodyBytes,
	})
	mux := http.NewServeMux()
	handler.Register(mux)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s, nil
}

func (s *Server) root(ctx context.Context) api.RootResponse {
	v := s.settings.Snapshot()
	state := "unknown"
	doc, found, err := s.status.Read(ctx)
	if err != nil {
		s.logger.Warn("status.read.failed", "error", err)
	} else if found {
		state = doc.Status
	}
	endpoints := map[string]string{
		"status": "GET /status",
		"admin":  "POST /admin",
	}
	for _, kind := range s.pipelines.Kinds() {
		endpoints[kind] = "GET /run/" + kind
	}
	endpoints[pipeline.KindScrape] = "GET /run-scrape"
	endpoints[pipeline.KindMusts] = "GET /run-musts"
	return api.RootResponse{
		Name:        v.AppName,
		Description: v.AppDescription,
		Version:     v.AppVersion,
		Contact:     v.AdminEmail,
		Status:      state,
		Endpoints:   endpoints,
	}
}

// Handler returns the HTTP handler so catalogd can be mounted inside an
// existing server.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start publishes the initial status document, starts watching the settings
// file and serves requests until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	return s.Serve(ln)
}

// Serve runs the server on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return http.ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	syncCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := s.status.Sync(syncCtx); err != nil {
		s.logger.Warn("status.startup_sync.failed", "error", err)
	}
	cancel()
	s.startSettingsWatch()
	s.signalReady()
	s.logger.Info("listening", "address", ln.Addr().String(), "owner", s.leases.Owner(), "store", s.cfg.Store)

	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

func (s *Server) startSettingsWatch() {
	if s.settings.Path() == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.watchCancel = cancel
	s.watchDone = done
	s.mu.Unlock()
	go func() {
		defer close(done)
		if err := s.settings.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("settings.watch.failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server. In-flight jobs run to completion
// unless ctx expires first; their leases then lapse at their timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	watchCancel, watchDone := s.watchCancel, s.watchDone
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if watchCancel != nil {
		watchCancel()
		<-watchDone
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	telemetryCtx := ctx
	if telemetryCtx.Err() != nil {
		var cancel context.CancelFunc
		telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
		errs = append(errs, err)
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is serving or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error that ended Serve, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in the background and returns it together with
// a stop function. Cancelling ctx also stops the server.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("catalogd: server stopped before becoming ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}

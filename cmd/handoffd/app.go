package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/handoffkernel/commbus"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/agents"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/api"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/artifacts"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/grpc"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/lock"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/logging"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/natsbus"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/rest"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/store"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/validation"
)

const (
	emitterBuffer     = 1024
	queryTimeout      = 5 * time.Second
	natsFlushInterval = 5 * time.Second

	breakerThreshold = 5
	breakerReset     = 30 * time.Second
)

// backend is what the kernel needs from a store driver, plus the artifact
// side used by validation.
type backend interface {
	kernel.Store
	artifacts.Resolver
	artifacts.Writer
	Ping(ctx context.Context) error
	Close() error
}

// app holds the wired daemon.
type app struct {
	cfg         *config.Config
	logger      *logging.Logger
	kernel      *kernel.Kernel
	service     *api.Service
	broadcaster *observability.Broadcaster
	emitter     *observability.Emitter
	bus         *commbus.InMemoryCommBus
	artifacts   *artifacts.CachedResolver
	nats        *natsbus.Client
	grpcServer  *grpc.GracefulServer
	httpServer  *rest.Server
}

// newApp builds every component named in cfg. Components are closed by
// app.shutdown in reverse order of construction.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	var closers []kernel.Option
	// Close what was opened when a later step fails.
	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()
	addCloser := func(name string, fn func(context.Context) error) {
		closers = append(closers, kernel.WithCloser(name, fn))
		undo = append(undo, func() { _ = fn(context.Background()) })
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	addCloser("store", func(context.Context) error { return st.Close() })

	locker, err := openLocker(cfg.Lock, logger)
	if err != nil {
		return nil, err
	}
	if c, ok := locker.(interface{ Close() error }); ok {
		addCloser("lock", func(context.Context) error { return c.Close() })
	}

	registry, err := agents.FromSpecs(cfg.Agents)
	if err != nil {
		return nil, fmt.Errorf("agents: %w", err)
	}

	cached, err := artifacts.NewCachedResolver(st, cfg.Cache)
	if err != nil {
		return nil, err
	}
	a.artifacts = cached
	addCloser("artifact_cache", func(context.Context) error { cached.Close(); return nil })
	if err := seedArtifacts(ctx, cached, st, cfg.Artifacts); err != nil {
		return nil, err
	}

	validator := validation.NewEngine(
		validation.WithArtifactResolver(cached),
		validation.WithCapabilityDirectory(registry),
		validation.WithQualityPolicy(cfg.Quality),
	)

	// Sinks are registered before Start; the emitter is closed before the
	// bus and the NATS connection it delivers to.
	a.emitter = observability.NewEmitter(logger, emitterBuffer)
	a.emitter.AddSink(observability.NewLogSink(logger))
	a.broadcaster = observability.NewBroadcaster()
	a.emitter.AddSink(a.broadcaster)

	a.bus = commbus.NewInMemoryCommBus(logger, queryTimeout)
	a.bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))
	a.bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(logger, breakerThreshold, breakerReset, nil))
	a.emitter.AddSink(commbus.NewRecordSink(a.bus))
	if err := a.bus.RegisterHandler("NotifySupervisors", a.notifySupervisors); err != nil {
		return nil, err
	}
	stopRelay := commbus.NewSupervisorRelay(a.bus, cfg.Supervisors, logger).Start()
	addCloser("supervisor_relay", func(context.Context) error { stopRelay(); return nil })

	if cfg.NATS.Enabled {
		if err := a.connectNATS(ctx, addCloser); err != nil {
			return nil, err
		}
	}

	opts := []kernel.Option{
		kernel.WithLogger(logger),
		kernel.WithStore(st),
		kernel.WithLocker(locker),
		kernel.WithMatcher(registry),
		kernel.WithValidator(validator),
		kernel.WithEmitter(a.emitter),
	}

	if cfg.Telemetry.Enabled {
		shutdownTracer, err := observability.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint, cfg.Telemetry.Environment)
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
		addCloser("tracer", shutdownTracer)
		opts = append(opts, kernel.WithTracer(observability.Tracer()))
	}

	a.emitter.Start()
	addCloser("emitter", a.emitter.Close)

	a.kernel = kernel.New(&cfg.Core, append(opts, closers...)...)
	for _, g := range cfg.Graphs {
		if err := a.kernel.RegisterGraph(g); err != nil {
			return nil, fmt.Errorf("register graph %s: %w", g.Name, err)
		}
	}
	if err := commbus.RegisterStatusQuery(a.bus, a.kernel); err != nil {
		return nil, err
	}
	if err := commbus.RegisterHealthQuery(a.bus, a.healthChecks(st, locker)); err != nil {
		return nil, err
	}

	a.service = api.NewService(a.kernel)
	a.grpcServer = grpc.NewGracefulServer(
		grpc.NewHandoffServer(a.service, a.broadcaster, logger),
		cfg.Server.GRPCAddr,
		logger,
	)
	a.httpServer = rest.NewServer(cfg.Server.HTTPAddr, &rest.Handlers{
		Service:     a.service,
		Broadcaster: a.broadcaster,
		Logger:      logger,
		RateLimit:   rest.RateLimit{
			RPS:   cfg.Server.RateLimitRPS,
			Burst: cfg.Server.RateLimitBurst,
		},
	})

	logger.Info("handoffd_configured",
		"store", cfg.Store.Driver,
		"lock", cfg.Lock.Driver,
		"agents", len(cfg.Agents),
		"graphs", len(cfg.Graphs),
		"nats", cfg.NATS.Enabled,
		"telemetry", cfg.Telemetry.Enabled,
	)
	return a, nil
}

func openStore(cfg config.StoreConfig) (backend, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func openLocker(cfg config.LockConfig, logger *logging.Logger) (kernel.Locker, error) {
	switch cfg.Driver {
	case "redis":
		l, err := lock.NewRedisLocker(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("lock: %w", err)
		}
		return l, nil
	default:
		return lock.NewMemoryLocker(), nil
	}
}

func seedArtifacts(ctx context.Context, cache *artifacts.CachedResolver, w artifacts.Writer, specs []config.ArtifactSpec) error {
	for _, s := range specs {
		a := handoff.Artifact{
			ID:         s.ID,
			Type:       s.Type,
			Name:       s.Name,
			Location:   s.Location,
			Version:    s.Version,
			SizeBytes:  s.SizeBytes,
			FieldCount: s.FieldCount,
		}
		if err := cache.PutArtifact(ctx, w, a); err != nil {
			return fmt.Errorf("seed artifact %s: %w", s.ID, err)
		}
	}
	return nil
}

func (a *app) connectNATS(ctx context.Context, addCloser func(string, func(context.Context) error)) error {
	url := a.cfg.NATS.URL
	if a.cfg.NATS.Embedded {
		srv, err := natsbus.NewServer(a.cfg.NATS)
		if err != nil {
			return err
		}
		addCloser("nats_server", func(context.Context) error { srv.Close(); return nil })
		url = srv.ClientURL()
		a.logger.Info("nats_embedded_started", "url", url)
	}

	client, err := natsbus.Connect(url, "handoffd", a.logger)
	if err != nil {
		return err
	}
	a.nats = client
	addCloser("nats", func(context.Context) error {
		_ = client.Flush()
		client.Close()
		return nil
	})

	if a.cfg.NATS.Stream != "" {
		if _, err := client.EnsureStream(ctx, a.cfg.NATS.Stream, a.cfg.NATS.Retention); err != nil {
			return err
		}
	}
	a.emitter.AddSink(natsbus.NewSink(client))
	return nil
}

// healthChecks checks the components reachable over the network or disk.
func (a *app) healthChecks(st backend, locker kernel.Locker) map[string]commbus.HealthCheck {
	checks := map[string]commbus.HealthCheck{"store": st.Ping}
	if p, ok := locker.(interface{ Ping(context.Context) error }); ok {
		checks["lock"] = p.Ping
	}
	if a.nats != nil {
		checks["nats"] = func(context.Context) error {
			if !a.nats.Connected() {
				return errors.New("nats: not connected")
			}
			return nil
		}
	}
	return checks
}

func (a *app) notifySupervisors(_ context.Context, msg commbus.Message) (any, error) {
	n, ok := msg.(*commbus.NotifySupervisors)
	if !ok {
		return nil, fmt.Errorf("notify supervisors: unexpected message %s", commbus.GetMessageType(msg))
	}
	a.logger.Warn("supervisors_notified",
		"supervisors", n.Supervisors,
		"exception_id", n.ExceptionID,
		"workflow_id", n.WorkflowID,
		"summary", n.Summary,
	)
	return nil, nil
}

// run serves gRPC and HTTP until ctx is cancelled or a server fails.
// grpcLis and httpLis may be nil to listen on the configured addresses.
func (a *app) run(ctx context.Context, grpcLis, httpLis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	timeout := a.cfg.Server.ShutdownTimeout

	g.Go(func() error {
		var errCh <-chan error
		var err error
		if grpcLis != nil {
			errCh = a.grpcServer.Serve(grpcLis)
		} else if errCh, err = a.grpcServer.StartBackground(); err != nil {
			return fmt.Errorf("grpc: %w", err)
		}
		select {
		case <-gctx.Done():
			a.grpcServer.ShutdownWithTimeout(timeout)
			return nil
		case err, ok := <-errCh:
			if ok && err != nil {
				return fmt.Errorf("grpc: %w", err)
			}
			return nil
		}
	})

	g.Go(func() error {
		if httpLis != nil {
			return a.httpServer.Serve(gctx, httpLis, timeout)
		}
		return a.httpServer.Start(gctx, timeout)
	})

	if a.nats != nil {
		g.Go(func() error {
			t := time.NewTicker(natsFlushInterval)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					if err := a.nats.Flush(); err != nil {
						a.logger.Warn("nats_flush_failed", "error", err.Error())
					}
				}
			}
		})
	}

	a.logger.Info("handoffd_ready", "grpc_addr", a.cfg.Server.GRPCAddr, "http_addr", a.cfg.Server.HTTPAddr)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// shutdown flushes pending records and closes every component.
func (a *app) shutdown(ctx context.Context) error {
	if err := a.emitter.Flush(ctx); err != nil {
		a.logger.Warn("emitter_flush_failed", "error", err.Error())
	}
	return a.kernel.Shutdown(ctx)
}

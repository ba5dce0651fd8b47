package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/dojo/internal/api"
	"github.com/felixgeelhaar/dojo/internal/catalog"
	"github.com/felixgeelhaar/dojo/internal/config"
	"github.com/felixgeelhaar/dojo/internal/domain"
	mcpserver "github.com/felixgeelhaar/dojo/internal/mcp"
	"github.com/felixgeelhaar/dojo/internal/notify"
	"github.com/felixgeelhaar/dojo/internal/pipeline"
	"github.com/felixgeelhaar/dojo/internal/progress"
	"github.com/felixgeelhaar/dojo/internal/queue"
	"github.com/felixgeelhaar/dojo/internal/repository"
	"github.com/felixgeelhaar/dojo/internal/runner"
	"github.com/felixgeelhaar/dojo/internal/sandbox"
	"github.com/felixgeelhaar/dojo/internal/scheduler"
	"github.com/felixgeelhaar/dojo/internal/storage/postgres"
	"github.com/felixgeelhaar/dojo/internal/storage/sqlite"
	"github.com/felixgeelhaar/dojo/internal/telemetry"
)

// submissionStore is what the pool and the acceptance refresher need from
// the submission table.
type submissionStore interface {
	runner.SubmissionStore
	catalog.AcceptanceSource
}

// stores bundles the selected persistence backend.
type stores struct {
	submissions submissionStore
	progress    progress.Store
	revisions   scheduler.Store
	checks      map[string]api.Pinger
	closers     []func() error
}

func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// openStorage connects to and migrates the configured backend.
func openStorage(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		db, err := repository.Open(cfg.Storage.DatabaseURL)
		if err != nil {
			pg.Close()
			return nil, err
		}
		repo := repository.NewSubmissionRepository(db)
		return &stores{
			submissions: repo,
			progress:    pg,
			revisions:   pg,
			checks:      map[string]api.Pinger{"postgres": pg, "submissions": repo},
			closers:     []func() error{func() error { pg.Close(); return nil }, db.Close},
		}, nil

	default:
		path := cfg.Storage.Path
		if path == "" {
			dir, err := config.Dir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "dojo.db")
		}
		db, err := sqlite.Open(path)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		slog.Info("sqlite storage ready", "path", path)
		return &stores{
			submissions: sqlite.NewSubmissionStore(db),
			progress:    sqlite.NewProgressStore(db),
			revisions:   sqlite.NewRevisionStore(db),
			checks:      map[string]api.Pinger{"database": db},
			closers:     []func() error{db.Close},
		}, nil
	}
}

// app owns every long-lived component of the daemon.
type app struct {
	cfg       *config.Config
	store     *stores
	catalog   *catalog.Catalog
	sandbox   sandbox.Sandbox
	pool      *runner.Pool
	analyzer  *progress.Analyzer
	scheduler *scheduler.Scheduler
	pipeline  *pipeline.Pipeline
	relay     *runner.Relay
	refresher *catalog.AcceptanceRefresher
	hub       *notify.Hub

	publisher runner.Publisher
	memBus    *queue.MemoryBus
	amqpConn  *queue.Connection
	consumer  *queue.Consumer
	fanout    *notify.RedisFanout

	tracing telemetry.Shutdown
	closers []func() error
}

// newApp builds the component graph. traceOut receives stdout-exporter
// spans; nil means stdout.
func newApp(ctx context.Context, cfg *config.Config, traceOut io.Writer) (*app, error) {
	a := &app{cfg: cfg, tracing: func(context.Context) error { return nil }}
	if err := a.build(ctx, traceOut); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, traceOut io.Writer) error {
	cfg := a.cfg

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     Version,
		SampleRatio: cfg.Tracing.SampleRatio,
		Writer:      traceOut,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	a.tracing = shutdown

	a.catalog, err = catalog.Load(catalog.NewLoader(cfg.Catalog.Path))
	if err != nil {
		return fmt.Errorf("load problems: %w", err)
	}
	slog.Info("problem catalog loaded", "path", cfg.Catalog.Path, "problems", a.catalog.Len())

	a.store, err = openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.store.Close)

	if err := a.buildSandbox(); err != nil {
		return err
	}

	a.scheduler = scheduler.New(scheduler.Policy{
		InitialEase:     cfg.Scheduler.InitialEase,
		MinEase:         cfg.Scheduler.MinEase,
		EaseBonus:       cfg.Scheduler.EaseBonus,
		EasePenalty:     cfg.Scheduler.EasePenalty,
		MasteryInterval: cfg.Scheduler.MasteryInterval,
		MasteryStreak:   cfg.Scheduler.MasteryStreak,
	}, a.store.revisions, a.store.progress, a.catalog)
	a.analyzer = progress.NewAnalyzer(progress.Config{
		MinFailureRate: cfg.Analyzer.MinFailureRate,
		MinAttempted:   cfg.Analyzer.MinAttempted,
		AbandonAfter:   cfg.Analyzer.AbandonAfter,
		RevisionLimit:  cfg.Analyzer.RevisionLimit,
	}, a.store.progress, a.catalog, a.scheduler)
	a.pipeline = pipeline.New(a.analyzer, a.scheduler)

	if err := a.buildBroker(); err != nil {
		return err
	}

	events := domain.NewEventDispatcher()
	a.hub = notify.NewHub(cfg.Notify.Buffer)
	if err := a.buildNotify(ctx, events); err != nil {
		return err
	}

	a.pool = runner.NewPool(runner.Config{
		Workers:           cfg.Pool.Workers,
		QueueCapacity:     cfg.Pool.QueueCapacity,
		FastThreshold:     cfg.Pool.FastThreshold,
		FastWeight:        cfg.Pool.FastWeight,
		SlowWeight:        cfg.Pool.SlowWeight,
		InfraRetries:      cfg.Pool.InfraRetries,
		RetryInitialDelay: cfg.Pool.RetryInitialDelay,
		RetryMaxDelay:     cfg.Pool.RetryMaxDelay,
		MaxSourceBytes:    cfg.Pool.MaxSourceBytes,
	}, a.catalog, a.sandbox, a.store.submissions, a.publisher, runner.WithEvents(events))

	a.relay = runner.NewRelay(a.store.submissions, a.publisher, cfg.Broker.RelayInterval,
		slog.Default().With("component", "relay"))
	a.refresher = catalog.NewAcceptanceRefresher(a.catalog, a.store.submissions, cfg.Catalog.AcceptanceRefresh)
	return nil
}

func (a *app) buildSandbox() error {
	sc := a.cfg.Sandbox
	cfg := sandbox.Config{
		CompileTimeout:  sc.CompileTimeout,
		KillGrace:       sc.KillGrace,
		PollInterval:    sc.PollInterval,
		OutputLimit:     sc.OutputLimit,
		ScratchRoot:     sc.ScratchRoot,
		IsolateNetwork:  sc.IsolateNetwork,
		AllowUnconfined: sc.AllowUnconfined,
		CPULimit:        sc.CPULimit,
		PidsLimit:       sc.PidsLimit,
	}

	switch sc.Executor {
	case "docker":
		sb, err := sandbox.NewDockerSandbox(cfg, sandbox.DefaultLanguages())
		if err != nil {
			return fmt.Errorf("docker sandbox: %w", err)
		}
		a.sandbox = sb
		a.closers = append(a.closers, sb.Close)
	default:
		sb, err := sandbox.NewProcessSandbox(cfg, sandbox.DefaultLanguages())
		if err != nil {
			return fmt.Errorf("process sandbox: %w", err)
		}
		a.sandbox = sb
	}
	slog.Info("sandbox ready", "executor", sc.Executor, "isolate_network", sc.IsolateNetwork)
	return nil
}

func (a *app) buildBroker() error {
	bc := a.cfg.Broker
	switch bc.Driver {
	case "rabbitmq":
		conn, err := queue.NewConnection(bc.URL)
		if err != nil {
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
		a.amqpConn = conn
		a.closers = append(a.closers, conn.Close)
		a.publisher = queue.NewProducer(conn)
		a.consumer = queue.NewConsumer(conn, a.pipeline.Handle, queue.ConsumerConfig{
			Workers:    bc.Workers,
			Prefetch:   bc.Prefetch,
			RetryDelay: bc.RetryDelay,
		})
		a.store.checks["broker"] = api.PingFunc(func(context.Context) error {
			if !conn.IsConnected() {
				return errors.New("rabbitmq disconnected")
			}
			return nil
		})
	default:
		a.memBus = queue.NewMemoryBus(bc.Buffer, bc.RetryDelay)
		a.memBus.OnDelivered(a.store.submissions.MarkPublished)
		a.publisher = a.memBus
	}
	return nil
}

func (a *app) buildNotify(ctx context.Context, events *domain.EventDispatcher) error {
	nc := a.cfg.Notify
	if nc.Driver != "redis" {
		notify.Bridge(events, a.hub.Broadcast)
		return nil
	}

	fanout, err := notify.NewRedisFanout(ctx, nc.RedisAddr, nc.Channel)
	if err != nil {
		return err
	}
	a.fanout = fanout
	a.closers = append(a.closers, fanout.Close)
	a.store.checks["redis"] = fanout
	notify.Bridge(events, func(e domain.SubmissionEvent) {
		pubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := fanout.Publish(pubCtx, e); err != nil {
			slog.Warn("publish status change to redis", "submission_id", e.SubmissionID, "error", err)
		}
	})
	return nil
}

// start recovers interrupted submissions and launches background work on g.
func (a *app) start(ctx context.Context, g *errgroup.Group) error {
	n, err := a.pool.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover submissions: %w", err)
	}
	if n > 0 {
		slog.Info("re-enqueued interrupted submissions", "count", n)
	}

	if a.consumer != nil {
		if err := a.consumer.Start(ctx); err != nil {
			return fmt.Errorf("start consumer: %w", err)
		}
	} else {
		a.memBus.Start(ctx, a.pipeline.Handle)
	}

	if a.fanout != nil {
		if err := a.fanout.Forward(ctx, a.hub.Broadcast); err != nil {
			return err
		}
	}

	a.pool.Start(ctx)
	g.Go(func() error { return a.relay.Run(ctx) })
	g.Go(func() error { return a.refresher.Run(ctx) })
	return nil
}

// stop halts workers and consumers. Submissions still running are left for
// Recover on the next start.
func (a *app) stop() {
	a.pool.Stop()
	if a.consumer != nil {
		a.consumer.Stop()
	}
	if a.memBus != nil {
		a.memBus.Stop()
	}
}

// Serve runs the HTTP API until ctx is cancelled.
func (a *app) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if err := a.start(gctx, g); err != nil {
		return err
	}
	defer a.stop()

	router := api.NewRouter(api.Deps{
		Judge:    a.pool,
		Progress: a.analyzer,
		Revision: a.scheduler,
		Catalog:  a.catalog,
		Events:   a.hub,
		Checks:   a.store.checks,
	}, api.Options{
		AdminToken:           a.cfg.Server.AdminToken,
		SubmitRatePerMinute:  a.cfg.Server.SubmitRatePerMinute,
		DefaultRevisionLimit: a.cfg.Analyzer.RevisionLimit,
		Tracing:              a.cfg.Tracing.Enabled,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		slog.Info("dojod listening", "addr", srv.Addr, "version", Version)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// ServeMCP serves MCP tools on stdio, or on httpAddr when set, with the
// judge running in-process.
func (a *app) ServeMCP(ctx context.Context, httpAddr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if err := a.start(gctx, g); err != nil {
		return err
	}
	defer a.stop()

	srv := mcpserver.NewServer(mcpserver.Config{
		Version:  Version,
		Judge:    a.pool,
		Progress: a.analyzer,
		Revision: a.scheduler,
	})

	g.Go(func() error {
		// Stdio ends when the client closes stdin; take the workers down too.
		defer cancel()
		var err error
		if httpAddr != "" {
			slog.Info("mcp listening", "addr", httpAddr)
			err = srv.ServeHTTP(gctx, httpAddr)
		} else {
			err = srv.ServeStdio(gctx)
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	return g.Wait()
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.tracing(ctx))
	}
	return errors.Join(errs...)
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/control"
	"github.com/mtzanidakis/orkestra/internal/dispatcher"
	"github.com/mtzanidakis/orkestra/internal/events"
	"github.com/mtzanidakis/orkestra/internal/metrics"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
	"github.com/mtzanidakis/orkestra/internal/registry"
	"github.com/mtzanidakis/orkestra/internal/scheduler"
	"github.com/mtzanidakis/orkestra/internal/store"
	"github.com/mtzanidakis/orkestra/internal/telegram"
	"github.com/mtzanidakis/orkestra/internal/vault"
	"github.com/mtzanidakis/orkestra/internal/web"
	"github.com/mtzanidakis/orkestra/internal/workflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func runServe() error {
	// A missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var level slog.LevelVar
	level.Set(cfg.Logging.SlogLevel())
	setupLogger(cfg.Logging, &level)
	slog.Info("starting orkestra", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.TraceStdout {
		shutdown, err := initTracer()
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer shutdown(context.Background())
	}
	mp := sdkmetric.NewMeterProvider()
	defer mp.Shutdown(context.Background())
	otel.SetMeterProvider(mp)
	inst, err := metrics.NewInstruments(mp)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	var storeOpts []store.Option
	if cfg.Vault.Passphrase != "" {
		v, err := vault.New(cfg.Vault.Passphrase)
		if err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
		storeOpts = append(storeOpts, store.WithSealer(v))
		slog.Info("store encryption enabled")
	}
	db, err := store.Open(cfg.Store, storeOpts...)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()
	slog.Info("nats started", "url", bus.ClientURL(), "embedded", bus.Embedded())

	// In-process sinks are appended below, before anything can emit.
	publisher := events.NewPublisher(client, 0)
	sinks := events.Fanout{publisher}
	evBus := events.NewBus(&sinks)

	policy, err := dispatcher.PolicyByName(cfg.Dispatcher.Policy, cfg.Dispatcher.Seed)
	if err != nil {
		return err
	}
	disp := dispatcher.New(db, evBus, policy,
		dispatcher.WithNotifier(dispatcher.NewNATSNotifier(client)),
		dispatcher.WithInstruments(inst),
		dispatcher.WithPollInterval(cfg.Dispatcher.PollInterval),
	)
	engine := workflow.New(db, evBus,
		workflow.WithCompensator(workflow.NewNotifyCompensator(client)),
		workflow.WithInstruments(inst),
		workflow.WithPollInterval(cfg.Engine.PollInterval),
	)
	svc := control.New(db, evBus,
		control.WithDispatcher(disp),
		control.WithLauncher(engine),
		control.WithNoticer(client),
		control.WithInstruments(inst),
		control.WithDefaultMaxRetries(cfg.Dispatcher.DefaultMaxRetries),
		control.WithHeartbeatTimeout(cfg.Agents.HeartbeatTimeout),
	)
	sched := scheduler.New(db, svc, cfg.Scheduler)
	reaper := control.NewReaper(svc, cfg.Agents.HeartbeatTimeout, cfg.Agents.ReapInterval)
	reporter := metrics.NewReporter(db, evBus, cfg.Metrics.Interval)
	sinks = append(sinks, disp, engine, sched)

	if cfg.Telegram.Token != "" {
		notifier, err := telegram.NewNotifier(cfg.Telegram, svc)
		if err != nil {
			return fmt.Errorf("init telegram notifier: %w", err)
		}
		sinks = append(sinks, notifier)
		go notifier.Run(ctx)
		go func() {
			if err := notifier.Listen(ctx); err != nil {
				slog.Error("telegram listener stopped", "error", err)
			}
		}()
		slog.Info("telegram notifier started")
	} else {
		slog.Warn("telegram token not set, notifier disabled")
	}

	go publisher.Run(ctx)
	fleet := registry.New(svc, cfg.Fleet)
	if _, err := fleet.Sync(ctx); err != nil {
		return fmt.Errorf("sync agent fleet: %w", err)
	}
	if _, err := svc.ServeIPC(client); err != nil {
		return fmt.Errorf("subscribe ipc: %w", err)
	}
	go disp.Start(ctx)
	go engine.Start(ctx)
	go sched.Start(ctx)
	go reaper.Start(ctx)
	go reporter.Start(ctx)
	slog.Info("orchestration started", "policy", policy.Name())

	if cfg.Web.Enabled {
		srv := web.NewServer(svc, cfg.Web, version)
		if err := srv.SubscribeEvents(client); err != nil {
			return fmt.Errorf("subscribe events: %w", err)
		}
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			slog.Info("shutting down", "signal", sig)
			break
		}
		next, err := config.Load()
		if err != nil {
			slog.Error("config reload failed", "error", err)
			continue
		}
		reload(cfg, next, reloadTargets{
			level:      &level,
			dispatcher: disp,
			engine:     engine,
			service:    svc,
			scheduler:  sched,
			reaper:     reaper,
			reporter:   reporter,
			fleet:      fleet,
		})
		cfg = next
	}
	cancel()
	return nil
}

type reloadTargets struct {
	level      *slog.LevelVar
	dispatcher *dispatcher.Dispatcher
	engine     *workflow.Engine
	service    *control.Service
	scheduler  *scheduler.Scheduler
	reaper     *control.Reaper
	reporter   *metrics.Reporter
	fleet      *registry.Registry
}

// reload applies the hot-reloadable parts of a new config.
func reload(old, next *config.Config, t reloadTargets) {
	d := config.Diff(old, next)
	for _, field := range d.NonReloadable {
		slog.Warn("config change needs a restart", "field", field)
	}
	if !d.HasChanges() {
		slog.Info("config reloaded, nothing to apply")
		return
	}
	if d.LogLevelChanged {
		t.level.Set(d.NewLogging.SlogLevel())
	}
	if d.DispatcherChanged {
		if p, err := dispatcher.PolicyByName(d.NewDispatcher.Policy, d.NewDispatcher.Seed); err != nil {
			slog.Error("keeping dispatch policy", "error", err)
		} else {
			t.dispatcher.SetPolicy(p)
		}
		t.dispatcher.SetPollInterval(d.NewDispatcher.PollInterval)
		t.service.SetDefaultMaxRetries(d.NewDispatcher.DefaultMaxRetries)
	}
	if d.EngineChanged {
		t.engine.SetPollInterval(d.NewEngine.PollInterval)
	}
	if d.SchedulerChanged {
		t.scheduler.UpdateConfig(d.NewScheduler.PollInterval)
	}
	if d.AgentsChanged {
		t.reaper.SetTimeout(d.NewAgents.HeartbeatTimeout)
	}
	if d.MetricsChanged {
		t.reporter.SetInterval(d.NewMetrics.Interval)
	}
	if d.FleetChanged {
		t.fleet.Replace(d.NewFleet)
		if _, err := t.fleet.Sync(context.Background()); err != nil {
			slog.Error("agent fleet sync failed", "error", err)
		}
	}
	slog.Info("config reloaded")
}

func setupLogger(cfg config.LoggingConfig, level *slog.LevelVar) {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// initTracer exports spans to stdout.
func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/signalsfoundry/trackcast/internal/broker"
	"github.com/signalsfoundry/trackcast/internal/config"
	"github.com/signalsfoundry/trackcast/internal/control"
	"github.com/signalsfoundry/trackcast/internal/ingest"
	"github.com/signalsfoundry/trackcast/internal/logging"
	"github.com/signalsfoundry/trackcast/internal/observability"
	"github.com/signalsfoundry/trackcast/internal/publisher"
	"github.com/signalsfoundry/trackcast/internal/sim"
	"github.com/signalsfoundry/trackcast/internal/sim/state"
	"github.com/signalsfoundry/trackcast/internal/store"
	"github.com/signalsfoundry/trackcast/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	httpAddr := flag.String("http-addr", "", "HTTP address for control, /metrics and /ws (overrides config)")
	grpcAddr := flag.String("grpc-addr", "", "gRPC health address (overrides config)")
	seed := flag.Uint64("seed", 0, "Simulation seed; 0 keeps the configured value")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trackcast: %v\n", err)
		os.Exit(2)
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	if *grpcAddr != "" {
		cfg.GRPC.Addr = *grpcAddr
	}
	if *seed != 0 {
		cfg.Simulation.Seed = *seed
	}

	log := logging.New(cfg.Logging.LoggerConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpLis, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		log.Error(ctx, "failed to listen for HTTP", logging.String("addr", cfg.HTTP.Addr), logging.Err(err))
		os.Exit(1)
	}
	var grpcLis net.Listener
	if cfg.GRPC.Addr != "" {
		if grpcLis, err = net.Listen("tcp", cfg.GRPC.Addr); err != nil {
			log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.GRPC.Addr), logging.Err(err))
			os.Exit(1)
		}
	}

	if err := run(ctx, cfg, log, httpLis, grpcLis); err != nil {
		log.Error(ctx, "trackcast exited with error", logging.Err(err))
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled. grpcLis may
// be nil to disable the health server.
func run(ctx context.Context, cfg config.Config, log logging.Logger, httpLis, grpcLis net.Listener) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// The merger and the durable dedup index must cut days in the same zone.
	loc, err := cfg.Ingest.Location()
	if err != nil {
		return err
	}
	persist, err := openStore(ctx, cfg.Store, loc, log, collector)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := persist.close(closeCtx); err != nil {
			log.Warn(closeCtx, "store close failed", logging.Err(err))
		}
	}()

	registry := state.NewTrackRegistry(
		state.WithLogger(log),
		state.WithMetricsRecorder(collector),
	)
	hub := broker.New(cfg.Broker,
		broker.WithLogger(log),
		broker.WithMetricsRecorder(collector),
	)
	pub := publisher.New(hub,
		publisher.WithLogger(log),
		publisher.WithMetricsRecorder(collector),
	)
	hub.AddListener(func(ev broker.LifecycleEvent) {
		pub.ConnectionStats(ctx, publisher.ConnectionStats{
			TotalConnections: ev.Count,
			Change:           string(ev.Kind),
		})
	})

	engine, err := sim.NewEngine(registry, pub, cfg.Simulation.Params,
		sim.WithStore(persist.tracks),
		sim.WithLogger(log),
		sim.WithMetricsRecorder(collector),
	)
	if err != nil {
		return fmt.Errorf("init simulation: %w", err)
	}

	merger := ingest.NewMerger(registry, pub,
		ingest.WithStore(persist.tracks),
		ingest.WithLogger(log),
		ingest.WithMetricsRecorder(collector),
		ingest.WithLocation(loc),
		ingest.WithSeenCacheSize(cfg.Ingest.SeenCacheSize),
	)
	runner := ingest.NewRunner(ingestSource(cfg.Ingest), merger,
		ingest.WithInterval(cfg.Ingest.Interval),
		ingest.WithRunnerLogger(log),
		ingest.WithStatusPublisher(pub),
	)

	health := control.NewHealth()
	ws := transport.NewHandler(hub,
		transport.WithLogger(log),
		transport.WithPingInterval(cfg.Transport.PingInterval),
		transport.WithWriteWait(cfg.Transport.WriteWait),
	)
	ctrlOpts := []control.Option{
		control.WithIngest(runner),
		control.WithWebSocket(ws),
		control.WithMetricsHandler(collector.Handler()),
		control.WithMetricsRecorder(collector),
		control.WithHealth(health),
		control.WithConfigView(cfg.Redacted()),
		control.WithAllowedOrigins(cfg.HTTP.AllowedOrigins),
		control.WithTopics(broker.TopicTracks, broker.TopicAlerts, broker.TopicSystem),
		control.WithLogger(log),
	}
	if persist.check != nil {
		ctrlOpts = append(ctrlOpts, control.WithCheck("store", persist.check))
	}
	ctrl := control.NewServer(ctx, engine, registry, hub, ctrlOpts...)

	httpSrv := &http.Server{
		Handler:           ctrl.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		log.Info(ctx, "serving HTTP control surface", logging.String("addr", httpLis.Addr().String()))
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcSrv *grpc.Server
	if grpcLis != nil {
		grpcSrv = control.NewGRPCServer(health, log, collector.UnaryServerInterceptor())
		go func() {
			log.Info(ctx, "serving gRPC health", logging.String("addr", grpcLis.Addr().String()))
			if err := grpcSrv.Serve(grpcLis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	go func() {
		if err := hub.Run(ctx); err != nil {
			log.Error(ctx, "broker sweeper exited", logging.Err(err))
		}
	}()

	if cfg.Simulation.Autostart {
		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("start simulation: %w", err)
		}
		health.SetSimulationRunning(true)
	}
	if cfg.Ingest.Autostart {
		if err := runner.Start(ctx); err != nil {
			return fmt.Errorf("start ingest: %w", err)
		}
	}
	log.Info(ctx, "trackcast ready",
		logging.Bool("simulation", engine.Running()),
		logging.Bool("ingest", runner.Running()),
		logging.String("store", cfg.Store.Driver),
		logging.Any("health_checks", ctrl.CheckNames()),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	log.Info(context.Background(), "shutting down")
	engine.Stop()
	runner.Stop()
	health.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "http shutdown failed", logging.Err(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	return runErr
}

// persistence bundles the configured store with its lifecycle hooks.
type persistence struct {
	tracks store.TrackStore
	check  control.Checker
	close  func(ctx context.Context) error
}

func openStore(ctx context.Context, cfg config.StoreConfig, loc *time.Location, log logging.Logger, metrics store.MetricsRecorder) (persistence, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return persistence{}, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info(ctx, "persisting tracks to sqlite", logging.String("path", cfg.SQLitePath))
		return writeBehind(db, db, db.Close, cfg, log, metrics), nil
	case config.StoreRedis:
		rs := store.NewRedisTrackStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL,
			store.WithDayLocation(loc),
		)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rs.Ping(pingCtx); err != nil {
			_ = rs.Close()
			return persistence{}, fmt.Errorf("connect redis store: %w", err)
		}
		log.Info(ctx, "persisting tracks to redis", logging.String("addr", cfg.RedisAddr))
		return writeBehind(rs, rs, rs.Close, cfg, log, metrics), nil
	default:
		return persistence{
			tracks: store.Noop{},
			close:  func(context.Context) error { return nil },
		}, nil
	}
}

func writeBehind(next store.TrackStore, check control.Checker, closeFn func() error, cfg config.StoreConfig, log logging.Logger, metrics store.MetricsRecorder) persistence {
	wb := store.NewWriteBehind(next, cfg.QueueSize,
		store.WithWriteLogger(log),
		store.WithStoreMetrics(metrics),
	)
	wb.Start()
	return persistence{
		tracks: wb,
		check:  check,
		close: func(ctx context.Context) error {
			return errors.Join(wb.Close(ctx), closeFn())
		},
	}
}

func ingestSource(cfg config.IngestConfig) ingest.Source {
	switch {
	case cfg.URL != "":
		return ingest.NewHTTPSource(cfg.URL, cfg.Timeout)
	case cfg.File != "":
		return ingest.FileSource{Path: cfg.File}
	default:
		return nil
	}
}

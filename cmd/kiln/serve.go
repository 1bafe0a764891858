package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/bundle"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/events"
	"github.com/seantiz/kiln/internal/isolate"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/pool"
	"github.com/seantiz/kiln/internal/store"
)

func serveCmd(cfg *config.Config) *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = config.ParseLogLevel(logLevel)
			}
			return serve(cmd.Context(), *cfg)
		},
	}
	bindServeFlags(cmd.Flags(), cfg, &logLevel)
	return cmd
}

// bindServeFlags registers flags defaulting to, and writing into, cfg.
func bindServeFlags(f *pflag.FlagSet, cfg *config.Config, logLevel *string) {
	f.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	f.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	f.StringVar(logLevel, "log-level", cfg.LogLevel.String(), "log level (debug, info, warn, error)")
	f.StringVar(&cfg.MainServicePath, "main-service", cfg.MainServicePath, "service run as the main worker")
	f.StringVar(&cfg.EventsServicePath, "events-service", cfg.EventsServicePath, "service receiving worker events")
	f.StringVar(&cfg.ServicesDir, "services-dir", cfg.ServicesDir, "directory of services routed by name when no main service is set")
	f.StringVar(&cfg.ImportMapPath, "import-map", cfg.ImportMapPath, "import map JSON file")
	f.BoolVar(&cfg.NoModuleCache, "no-module-cache", cfg.NoModuleCache, "bundle services on every boot")
	f.StringVar(&cfg.Engine, "engine", cfg.Engine, "default isolate engine")
	f.IntVar(&cfg.MaxConns, "max-conns", cfg.MaxConns, "maximum concurrent HTTP connections (0 for no limit)")

	d := &cfg.UserDefaults
	f.IntVar(&d.MemoryLimitMB, "memory-limit-mb", d.MemoryLimitMB, "user worker heap limit")
	f.Int64Var(&d.WorkerTimeoutMS, "worker-timeout-ms", d.WorkerTimeoutMS, "user worker wall-clock limit (0 disables)")
	f.Int64Var(&d.CPUTimeThresholdMS, "cpu-time-threshold-ms", d.CPUTimeThresholdMS, "CPU time between CPU alarms (0 disables)")
	f.Int64Var(&d.CPUBurstIntervalMS, "cpu-burst-interval-ms", d.CPUBurstIntervalMS, "minimum spacing of counted CPU bursts")
	f.IntVar(&d.MaxCPUBursts, "max-cpu-bursts", d.MaxCPUBursts, "CPU bursts allowed before termination")
	f.Uint64Var(&d.LowMemoryMultiplier, "low-memory-multiplier", d.LowMemoryMultiplier, "heap grace factor applied near the memory limit")
	f.IntVar(&d.MaxHeapGraceExtensions, "max-heap-grace-extensions", d.MaxHeapGraceExtensions, "heap grace extensions allowed (0 for unlimited)")
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kiln: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"engine", cfg.Engine,
		"main_service", cfg.MainServicePath,
		"services_dir", cfg.ServicesDir,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	engines := isolate.NewRegistry()
	engines.Register(isolate.EngineName, isolate.EngineCapabilities, isolate.NewFactory())

	broker := events.NewBroker()
	storeSink := events.NewStoreSink(db, logger)
	defer storeSink.Close()

	// The events worker is itself a pool member, so its sink is attached
	// once the pool exists.
	var forward atomic.Pointer[events.WorkerSink]
	sink := events.Multi(
		events.LogSink{Logger: logger},
		events.MetricsSink{},
		broker,
		storeSink,
		events.SinkFunc(func(ev model.WorkerEvent) {
			if s := forward.Load(); s != nil {
				s.Publish(ev)
			}
		}),
	)

	p := pool.New(pool.Config{
		Engines:       engines,
		Bundler:       bundle.New(),
		Events:        sink,
		Logger:        logger,
		DefaultEngine: cfg.Engine,
		Defaults:      cfg.WorkerDefaults(),
	})
	defer p.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.EventsServicePath != "" {
		key, err := p.CreateWorker(ctx, pool.CreateOptions{
			Kind:        model.KindEvents,
			ServicePath: cfg.EventsServicePath,
		})
		if err != nil {
			return fmt.Errorf("boot events worker: %w", err)
		}
		forward.Store(events.NewWorkerSink(p, key, logger))
		defer func() {
			if s := forward.Swap(nil); s != nil {
				s.Close()
			}
		}()
	}

	var main *pool.CreateOptions
	if cfg.MainServicePath != "" {
		main = &pool.CreateOptions{Kind: model.KindMain, ServicePath: cfg.MainServicePath}
		if _, err := p.CreateWorker(ctx, *main); err != nil {
			return fmt.Errorf("boot main worker: %w", err)
		}
	}

	srv := api.NewServer(api.Options{
		Addr:        cfg.ListenAddr,
		MaxConns:    cfg.MaxConns,
		AdminSecret: cfg.AdminJWTSecret,
		Main:        main,
		ServicesDir: cfg.ServicesDir,
	}, p, db, engines, broker, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		// Ends live event streams so graceful shutdown does not wait on them.
		<-gctx.Done()
		broker.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("kiln: stopped")
	return nil
}

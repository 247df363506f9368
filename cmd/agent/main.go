package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/Chichichkin/logship/internal/config"
	"github.com/Chichichkin/logship/internal/server"
	"github.com/Chichichkin/logship/internal/tailer"
	"github.com/Chichichkin/logship/pkg/logging"
	"github.com/Chichichkin/logship/pkg/logging/batch"
	"github.com/Chichichkin/logship/pkg/logging/consumer"
	"github.com/Chichichkin/logship/pkg/logging/datagram"
	"github.com/Chichichkin/logship/pkg/logging/metrics"
)

// shipper is what both consumer variants offer beyond logging.Consumer.
type shipper interface {
	logging.Consumer
	Stats() consumer.Stats
	Wait(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "", "path to config file (default: logship.yaml in . or /etc/logship)")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	if *printConfig {
		out, err := cfg.Dump()
		if err != nil {
			slog.Error("failed to render config", "err", err)
			os.Exit(1)
		}
		fmt.Print(string(out))
		return
	}

	logger, level := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, logger, func(updated *config.Config) {
				updated.Log.ApplyLevel(level)
				logger.Info("log level updated", "level", level.Level().String())
			})
			if err != nil {
				logger.Error("config watcher stopped", "err", err)
			}
		}()
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("agent failed", "err", err)
		os.Exit(1)
	}
	logger.Info("agent stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ship, format := buildShipper(cfg, logger)
	dlog := logging.NewLogger(ship)

	tail := tailer.New(tailer.Config{
		Root:           cfg.Tail.Root,
		ScanInterval:   cfg.Tail.ScanInterval,
		IdleTimeout:    cfg.Tail.IdleTimeout,
		Workers:        cfg.Tail.Workers,
		QueueSize:      cfg.Tail.QueueSize,
		NodeName:       cfg.Tail.NodeName,
		Format:         format,
		FromStart:      cfg.Tail.FromStart,
		ReportInterval: 30 * time.Second,
	}, dlog, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	consumerMetrics := metrics.NewCollector("logship")
	consumerMetrics.Add(ship)
	registry.MustRegister(consumerMetrics)
	registerTailerMetrics(registry, tail)

	srv := server.New(server.Config{
		Addr:      cfg.Metrics.ListenAddr,
		Subsystem: "logship_agent",
		Registry:  registry,
		Logger:    logger,
	})

	if err := dlog.Start(logging.StartOptions{Daemon: cfg.Daemon}); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return tail.Run(gctx) })
	srv.SetReady(true)

	logger.Info("agent started",
		"transport", cfg.Transport, "root", cfg.Tail.Root, "metrics_addr", cfg.Metrics.ListenAddr)

	err := g.Wait()
	stopShipper(dlog, ship, cfg.ShutdownTimeout, logger)
	return err
}

func buildShipper(cfg *config.Config, logger *slog.Logger) (shipper, tailer.Format) {
	if cfg.Transport == config.TransportUDP {
		return datagram.New(cfg.TargetHost, cfg.TargetPort,
			datagram.WithBufferSize(cfg.BufferSize),
			datagram.WithPollInterval(cfg.PollInterval),
			datagram.WithWriteTimeout(cfg.Timeout),
			datagram.WithLogger(logger),
		), tailer.FormatLine
	}

	return batch.New(cfg.TargetURL,
		batch.WithBufferSize(cfg.BufferSize),
		batch.WithBatchSize(cfg.BatchSize),
		batch.WithTimeout(cfg.Timeout),
		batch.WithPollInterval(cfg.PollInterval),
		batch.WithLogger(logger),
	), tailer.FormatRecord
}

// stopShipper drains the queue and escalates to a forced stop when draining
// takes longer than timeout.
func stopShipper(dlog *logging.Logger, ship shipper, timeout time.Duration, logger *slog.Logger) {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		dlog.Stop(logging.StopOptions{})
		_ = ship.Wait(context.Background())
	}()

	select {
	case <-stopped:
		logger.Info("consumer drained", "state", ship.Stats().State.String())
	case <-time.After(timeout):
		logger.Warn("drain timed out, forcing stop", "timeout", timeout, "queued", ship.Stats().QueueDepth)
		dlog.Stop(logging.StopOptions{Force: true})
		<-stopped
	}
}

func registerTailerMetrics(registry *prometheus.Registry, tail *tailer.Tailer) {
	stamp := func(pick func(m *tailer.Metrics) int) func() float64 {
		return func() float64 {
			m := tail.Metrics().GetMetricsStamp()
			return float64(pick(&m))
		}
	}

	registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "logship", Subsystem: "tailer", Name: "lines_read_total",
			Help: "Lines read from followed files",
		}, stamp(func(m *tailer.Metrics) int { return m.LinesRead })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "logship", Subsystem: "tailer", Name: "files_discovered_total",
			Help: "Distinct log files found under the root",
		}, stamp(func(m *tailer.Metrics) int { return m.FilesDiscovered })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "logship", Subsystem: "tailer", Name: "files_failed_total",
			Help: "Files that could not be followed",
		}, stamp(func(m *tailer.Metrics) int { return m.FilesFailed })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "logship", Subsystem: "tailer", Name: "workers_busy",
			Help: "Workers currently following a file",
		}, stamp(func(m *tailer.Metrics) int { return m.WorkersBusy })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "logship", Subsystem: "tailer", Name: "queued_files",
			Help: "Files waiting for a free worker",
		}, stamp(func(m *tailer.Metrics) int { return m.QueuedFiles })),
	)
}

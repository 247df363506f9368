package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Chichichkin/logship/internal/collector"
	"github.com/Chichichkin/logship/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: logship.yaml in . or /etc/logship)")
	flag.Parse()

	cfg, err := config.Read(*configPath)
	if err == nil {
		err = cfg.ValidateCollector()
	}
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, _ := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	c := collector.New(collector.Config{
		HTTPAddr: cfg.Collector.HTTPAddr,
		UDPAddr:  cfg.Collector.UDPAddr,
		Path:     cfg.Collector.Path,
	}, registry, logger)

	httpAddr, udpAddr, err := c.Listen()
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}
	logger.Info("collector listening", "http", httpAddr, "udp", udpAddr, "path", cfg.Collector.Path)

	if err := c.Run(ctx); err != nil {
		logger.Error("collector failed", "err", err)
		os.Exit(1)
	}

	stats := c.Stats()
	logger.Info("collector stopped",
		"requests", stats.Requests, "records", stats.Records,
		"rejected", stats.Rejected, "datagrams", stats.Datagrams)
}

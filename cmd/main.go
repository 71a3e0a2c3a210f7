// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/spurringworld/pipy/pkg/admin"
	"github.com/spurringworld/pipy/pkg/config"
	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/health"
	"github.com/spurringworld/pipy/pkg/metrics"
	"github.com/spurringworld/pipy/pkg/netio"
)

// Config is the daemon environment configuration.
type Config struct {
	AdminAddr       string        `env:"ADMIN_ADDR" envDefault:":9901"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON         bool          `env:"LOG_JSON" envDefault:"true"`
	ReusePort       bool          `env:"REUSE_PORT" envDefault:"false"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	MetricsNS       string        `env:"METRICS_NAMESPACE" envDefault:"pipy"`
}

const envPrefix = "PIPY_"

func main() {
	var configFile string

	root := &cobra.Command{
		Use:   "pipy",
		Short: "Programmable network proxy engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
	}
	root.Flags().StringVarP(&configFile, "config", "c", "", "pipeline configuration file (YAML)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}

	met := metrics.New(cfg.MetricsNS)
	checker := health.NewChecker(0)

	adm := admin.New(cfg.AdminAddr, met, checker, nil)

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	sink := io.MultiWriter(os.Stdout, adm.LogWriter())
	var handler slog.Handler
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(sink, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	netio.SetReusePort(cfg.ReusePort)

	loop := engine.New(logger)
	conf := config.New(loop, met, logger)
	if configFile != "" {
		if err := conf.LoadFile(configFile); err != nil {
			return err
		}
	}
	applied, err := conf.Apply()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := loop.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	g.Go(func() error { return adm.Run(ctx) })

	for _, l := range applied.Listeners {
		l := l
		g.Go(func() error { return l.Start(ctx) })
	}
	for _, t := range applied.Tasks {
		t := t
		loop.Post(t.Start)
	}
	for _, r := range applied.Readers {
		if err := r.Start(); err != nil {
			cancel()
			return err
		}
	}

	logger.Info("engine started",
		slog.Int("listeners", len(applied.Listeners)),
		slog.Int("tasks", len(applied.Tasks)),
		slog.Int("readers", len(applied.Readers)))

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	for _, l := range applied.Listeners {
		l.Shutdown()
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("shutdown timeout exceeded, exiting")
		return nil
	}
}

// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

// heaven-chat-worker is the messaging sidecar. A host application
// spawns it, writes newline-delimited JSON requests to its stdin, and
// reads response and event frames from its stdout. Diagnostics go to
// stderr as structured logs; stdout carries protocol frames only.
//
// The worker holds no keys. Operations that need a signature emit a
// sign-request event and park until the host answers with a
// signing.resolve request. EOF on stdin means the host exited: the
// worker disconnects, persists local state, and exits 0.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/techno-hippies/dotheaven-sub017/chat"
	"github.com/techno-hippies/dotheaven-sub017/devnet"
	"github.com/techno-hippies/dotheaven-sub017/dispatch"
	"github.com/techno-hippies/dotheaven-sub017/lib/config"
	"github.com/techno-hippies/dotheaven-sub017/lib/process"
	"github.com/techno-hippies/dotheaven-sub017/lib/version"
	"github.com/techno-hippies/dotheaven-sub017/signing"
	"github.com/techno-hippies/dotheaven-sub017/store"
	"github.com/techno-hippies/dotheaven-sub017/wire"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("heaven-chat-worker", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	dataDir := flags.String("data-dir", "", "directory for per-identity databases and the master key")
	env := flags.String("env", "", "network environment: local, dev, or production")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, or error")
	showVersion := flags.Bool("version", false, "print the version and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if *showVersion {
		fmt.Printf("heaven-chat-worker %s\n", version.Info())
		return nil
	}

	// Precedence: flags over file, file over defaults. The environment
	// flag is resolved inside FromFlags so its per-environment override
	// block applies; the remaining flags are leaf values.
	cfg, err := config.FromFlags(*configPath, *env)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager, err := store.NewManager(store.Config{
		DataDir: cfg.DataDir,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer manager.Close()

	writer := wire.NewWriter(os.Stdout)

	remote, err := signing.New(signing.Config{
		Emitter: writer,
		Timeout: cfg.SignTimeoutDuration(),
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	service, err := chat.NewService(chat.Config{
		Factory:            connectorFactory(cfg, manager, logger),
		Signing:            remote,
		Emitter:            writer,
		Store:              manager,
		Logger:             logger,
		HistoryLimit:       cfg.HistoryLimit,
		DefaultEnvironment: string(cfg.Environment),
	})
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Reader:     os.Stdin,
		Writer:     writer,
		Routes:     dispatch.Routes(service, remote),
		Disconnect: service.Disconnect,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	logger.Info("worker starting",
		"version", version.Short(),
		"environment", cfg.Environment,
		"data_dir", cfg.DataDir,
		"sign_timeout", cfg.SignTimeoutDuration(),
	)

	if err := dispatcher.Run(ctx); err != nil {
		// A signal is a clean shutdown: the dispatcher has already
		// disconnected and drained.
		if errors.Is(err, context.Canceled) {
			logger.Info("worker stopped on signal")
			return nil
		}
		return err
	}
	logger.Info("worker stopped on stdin close")
	return nil
}

// connectorFactory maps environment names to transports. The local
// hub is built on first use so a worker pointed at a hosted
// environment never allocates one; dev and production have no linked
// transport in this build and fail init with a descriptive error.
func connectorFactory(cfg *config.Config, manager *store.Manager, logger *slog.Logger) chat.ConnectorFactory {
	hub := sync.OnceValues(func() (*devnet.Network, error) {
		return devnet.NewNetwork(devnet.Config{
			Store:        manager,
			StreamBuffer: cfg.StreamBuffer,
			Logger:       logger,
		})
	})

	return func(env string) (chat.Connector, error) {
		switch config.Environment(env) {
		case config.Local:
			network, err := hub()
			if err != nil {
				return nil, err
			}
			return network.Connector(), nil
		case config.Dev, config.Production:
			return nil, fmt.Errorf("environment %q has no transport in this build", env)
		default:
			return nil, fmt.Errorf("unknown environment %q (want local, dev, or production)", env)
		}
	}
}

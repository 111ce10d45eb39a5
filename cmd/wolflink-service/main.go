// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

// wolflink-service runs the account linking service: the session
// registry, the WhatsApp wire adapter, the credential vault, and the
// HTTP API on a single listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/wolfbot-labs/wolflink/connlog"
	"github.com/wolfbot-labs/wolflink/lib/clock"
	"github.com/wolfbot-labs/wolflink/lib/config"
	"github.com/wolfbot-labs/wolflink/lib/version"
	"github.com/wolfbot-labs/wolflink/linking"
	"github.com/wolfbot-labs/wolflink/transport"
	"github.com/wolfbot-labs/wolflink/vault"
	"github.com/wolfbot-labs/wolflink/whatsapp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		showVersion bool
		configPath  string
		listen      string
	)
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.StringVar(&configPath, "config", "", "config file path (default: $"+config.EnvVar+")")
	flag.StringVar(&listen, "listen", "", "override the configured listen address")
	flag.Parse()

	if showVersion {
		fmt.Printf("wolflink-service %s\n", version.Info())
		return nil
	}

	cfg := config.Default()
	var err error
	switch {
	case configPath != "":
		cfg, err = config.LoadFile(configPath)
	case os.Getenv(config.EnvVar) != "":
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root, err := vault.NewRoot(filepath.Join(cfg.DataDir, "sessions"), cfg.VaultKey(), logger)
	if err != nil {
		return err
	}
	if cfg.VaultKey() == nil {
		logger.Warn("vault key not configured, credential blobs are stored unsealed")
	}

	history, err := connlog.Open(connlog.Config{
		Path:   filepath.Join(cfg.DataDir, "connlog.db"),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := history.Close(); err != nil {
			logger.Error("closing connection log", "error", err)
		}
	}()

	registry, err := linking.NewRegistry(linking.RegistryConfig{
		Dialer: whatsapp.NewDialer(whatsapp.DialerConfig{
			Logger:     logger,
			DeviceName: "Wolflink",
		}),
		Stores: func(sessionID string) (linking.CredentialStore, error) {
			return root.Open(sessionID)
		},
		Clock:    clock.Real(),
		Logger:   logger,
		Recorder: history,
		Settings: settingsFromConfig(cfg),
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	server := transport.NewServer(transport.ServerConfig{
		Address: cfg.Listen,
		Handler: transport.NewHandler(transport.HandlerConfig{
			Registry: registry,
			History:  history,
			Clock:    clock.Real(),
			Logger:   logger,
		}),
		Logger: logger,
	})

	logger.Info("wolflink service starting",
		"version", version.Info(),
		"listen", cfg.Listen,
		"data_dir", cfg.DataDir,
	)
	return server.Serve(ctx)
}

func settingsFromConfig(cfg config.Config) linking.Settings {
	return linking.Settings{
		MaxRetries:       cfg.Retry.MaxRetries,
		PairingSettle:    cfg.Retry.PairingSettle.Std(),
		BackoffStep:      cfg.Retry.BackoffStep.Std(),
		BackoffCap:       cfg.Retry.BackoffCap.Std(),
		FailedTTL:        cfg.Retry.FailedTTL.Std(),
		PipelineSettle:   cfg.Pipeline.Settle.Std(),
		MessageGap:       cfg.Pipeline.MessageGap.Std(),
		FinalDelay:       cfg.Pipeline.Final.Std(),
		GroupInvite:      cfg.Link.GroupInvite,
		ChannelJID:       cfg.Link.ChannelJID,
		CredentialPrefix: cfg.Link.CredentialPrefix,
		Confirmation:     cfg.Link.Confirmation,
	}
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

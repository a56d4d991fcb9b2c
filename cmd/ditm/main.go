package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/splintermail/ditm/internal/config"
	"github.com/splintermail/ditm/internal/ditm"
	"github.com/splintermail/ditm/internal/keytool"
	"github.com/splintermail/ditm/internal/logging"
	"github.com/splintermail/ditm/internal/metrics"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	// Load TLS configuration if certificates are specified
	var tlsConfig *tls.Config
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading TLS certificate: %v\n", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
		}
		logger.Info("TLS configured",
			slog.String("cert", cfg.TLS.CertFile),
			slog.String("min_version", cfg.TLS.MinVersion))
	}

	// Set up metrics collector
	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	// Confirm device registration up front, outside the POP3 session
	// loop, before any listener starts (spec.md §4.7.1).
	kt, err := keytool.New(cfg.Device.Dir, cfg.Device.KeyBits)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading device key tool: %v\n", err)
		os.Exit(1)
	}
	if kt.DidKeyGen() {
		confirmed, err := ditm.ConfirmDeviceRegistration(os.Stdin, os.Stdout, kt.NewPeerCount())
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading device registration confirmation: %v\n", err)
			os.Exit(1)
		}
		if !confirmed {
			fmt.Fprintln(os.Stderr, "device registration declined, exiting")
			os.Exit(1)
		}
	}

	// Create server
	srv, err := ditm.New(ditm.Config{
		Cfg:       &cfg,
		TLSConfig: tlsConfig,
		Logger:    logger,
		Metrics:   collector,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	// Start metrics server if enabled
	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server started", "address", cfg.Metrics.Address, "path", cfg.Metrics.Path)
	}

	logger.Info("starting ditm", "hostname", cfg.Hostname, "listeners", len(cfg.Listeners))

	// Run server
	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("ditm stopped")
}

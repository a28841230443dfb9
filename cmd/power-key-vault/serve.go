// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	powervault "github.com/water4699/power-key-vault"
	"github.com/water4699/power-key-vault/fhe"
	"github.com/water4699/power-key-vault/internal/config"
)

func serveRun(_ *cobra.Command, _ []string, cfg *config.Config) {
	logger := commonRun()

	// Parse shutdown timeout
	shutdownTimeout := 30 * time.Second // Default timeout
	if cfg.ShutdownTimeout != "" {
		var err error
		shutdownTimeout, err = time.ParseDuration(cfg.ShutdownTimeout)
		if err != nil {
			slog.Error(fmt.Sprintf("invalid shutdown timeout: %s", err))
			os.Exit(1)
		}
	}

	opts := []powervault.ConfigOptionFunc{
		powervault.WithLogger(logger),
		powervault.WithDatabasePath(cfg.DatabasePath),
		powervault.WithNetwork(cfg.Network),
		powervault.WithOwner(fhe.Address(cfg.Owner)),
		powervault.WithValueCap(cfg.ValueCap),
		powervault.WithValueScale(cfg.ValueScale),
		powervault.WithGrantDurationDays(cfg.GrantDurationDays),
		powervault.WithRunMode(string(cfg.RunMode)),
		powervault.WithShutdownTimeout(shutdownTimeout),
		powervault.WithTracing(cfg.Tracing),
		powervault.WithTracingStdout(cfg.TracingStdout),
		// Enable metrics with default prometheus registry
		powervault.WithPrometheusRegistry(prometheus.DefaultRegisterer),
	}
	if cfg.ContractAddress != "" {
		opts = append(
			opts,
			powervault.WithDeployment(
				cfg.Network,
				fhe.Address(cfg.ContractAddress),
			),
		)
	}

	n, err := powervault.New(powervault.NewConfig(opts...))
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}

	// Metrics listener
	http.Handle("/metrics", promhttp.Handler())
	logger.Info(
		"serving prometheus metrics on "+fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		"component", "node",
	)
	metricsServer := &http.Server{
		Addr: fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error(
				fmt.Sprintf("failed to start metrics listener: %s", err),
				"component", "node",
			)
			os.Exit(1)
		}
	}()

	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	// Run node in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- n.Run()
	}()

	// Wait for signal or error
	select {
	case <-signalCtx.Done():
		logger.Info("signal received, initiating graceful shutdown")

		// Shutdown metrics server
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}

		// Shutdown node
		if err := n.Stop(); err != nil {
			logger.Error("node shutdown error", "error", err)
			os.Exit(1)
		}
	case err := <-errChan:
		if err != nil {
			slog.Error(err.Error())
			os.Exit(1)
		}
	}
}

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run as a node",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				slog.Error("no config found in context")
				os.Exit(1)
			}
			serveRun(cmd, args, cfg)
		},
	}
	return cmd
}

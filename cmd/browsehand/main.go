// Copyright 2025 Tom Barlow
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
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/browsehand/browsehand/internal/bridge"
	"github.com/browsehand/browsehand/internal/config"
	"github.com/browsehand/browsehand/internal/export"
	"github.com/browsehand/browsehand/internal/log"
	"github.com/browsehand/browsehand/internal/mcpserver"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	rootCmd := newRootCommand()
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		listenAddr string
		outputDir  string
	)

	cmd := &cobra.Command{
		Use:   "browsehand",
		Short: "MCP bridge between a tool-calling agent and a live browser tab",
		Long: `browsehand serves MCP tools over stdio and relays browser operations
to a Chrome extension over a local WebSocket. The extension connects to
ws://<listen-addr>/ws; tool calls are correlated with extension replies
and bounded by per-operation timeouts.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, listenAddr, outputDir)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "path to config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "extension WebSocket listen address (overrides config)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "directory for CSV/JSON exports (overrides config)")

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("browsehand %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	}
}

// runServe wires the bridge and serves MCP until stdin closes. A
// listener bind failure is the one fatal startup error; everything else
// is recovered into tool results.
func runServe(ctx context.Context, configPath, listenAddr, outputDir string) error {
	logger := log.New(log.FromEnv())

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if outputDir != "" {
		cfg.OutputDir = outputDir
	}

	promReg := prometheus.NewRegistry()
	metrics := bridge.NewMetrics(promReg)

	registry := bridge.NewRegistry()
	correlator := bridge.NewCorrelator(registry, log.WithComponent(logger, "correlator"), metrics)

	wsServer := bridge.NewServer(&bridge.ServerConfig{
		Addr:         cfg.ListenAddr,
		Logger:       log.WithComponent(logger, "listener"),
		Metrics:      metrics,
		PromRegistry: promReg,
	}, registry, correlator)

	if err := wsServer.Start(ctx); err != nil {
		return fmt.Errorf("start extension listener on %s: %w", cfg.ListenAddr, err)
	}
	logger.Info("extension endpoint ready",
		"addr", cfg.ListenAddr,
		"version", version)

	mcpSrv, err := mcpserver.NewServer(mcpserver.ServerConfig{
		Version:    version,
		Dispatcher: bridge.NewBridge(correlator, registry),
		Writer:     export.NewWriter(cfg.OutputDir),
		Config:     cfg,
		Logger:     log.WithComponent(logger, "mcp"),
	})
	if err != nil {
		return err
	}

	// Blocks until the stdio transport closes.
	serveErr := mcpSrv.Run(ctx)

	correlator.Close()
	if err := wsServer.Shutdown(context.Background()); err != nil && err != bridge.ErrServerClosed {
		logger.Warn("listener shutdown", "error", err)
	}

	return serveErr
}

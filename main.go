// cmdquery - ask an LLM for the right shell command, streamed live.
//
// Copyright (c) 2025 kiraTheresa
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	appconfig "github.com/kiraTheresa/AI-command-line-query-tool/internal/config"
	"github.com/kiraTheresa/AI-command-line-query-tool/internal/leaderboard"
	"github.com/kiraTheresa/AI-command-line-query-tool/internal/query"
	"github.com/kiraTheresa/AI-command-line-query-tool/internal/server"
	"github.com/kiraTheresa/AI-command-line-query-tool/internal/store"
	"github.com/kiraTheresa/AI-command-line-query-tool/internal/upstream"
)

// Version information (set at build time)
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// shutdownTimeout bounds graceful shutdown; SSE streams past it are cut.
const shutdownTimeout = 10 * time.Second

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default ~/.cmdquery/config.toml)")
		port        = flag.Int("port", 0, "port to listen on (overrides config)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("cmdquery %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath, *port); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the pipeline and serves until interrupted.
func run(configPath string, portOverride int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if portOverride != 0 {
		cfg.Server.Port = portOverride
	}

	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return err
	}

	st, err := store.New(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	ranker := leaderboard.NewRanker(st)

	orch := buildOrchestrator(cfg, st, ranker)
	if !orch.IsConfigured() {
		log.Printf("UPSTREAM_NOT_CONFIGURED | set CMDQUERY_API_KEY or upstream.api_key")
	}

	srv := server.NewServer(cfg.Server.Port, orch, st, ranker)
	srv.WithDefaultMode(upstream.ParseMode(cfg.Upstream.DefaultMode))
	if cfg.Server.AuthToken != "" {
		srv.WithAuth(&server.AuthConfig{Enabled: true, BearerToken: cfg.Server.AuthToken})
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		cors := server.DefaultCORSConfig()
		cors.AllowedOrigins = cfg.Server.AllowedOrigins
		srv.WithCORS(cors)
	}

	// Hot reload: swap the upstream side when the config file changes.
	// Port, auth, and CORS changes still need a restart.
	if watchPath := resolveWatchPath(configPath); watchPath != "" {
		watcher, err := appconfig.NewWatcher(watchPath, func(next *appconfig.Config) {
			srv.SetOrchestrator(buildOrchestrator(next, st, ranker))
		})
		if err != nil {
			log.Printf("CONFIG_WATCH_UNAVAILABLE | error=%v", err)
		} else {
			if err := watcher.Watch(); err != nil {
				log.Printf("CONFIG_WATCH_UNAVAILABLE | error=%v", err)
			}
			defer watcher.Close()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("SIGNAL_RECEIVED | signal=%s", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// loadConfig loads from the explicit path when given, else the default
// search order.
func loadConfig(path string) (*appconfig.Config, error) {
	if path != "" {
		return appconfig.LoadFromPath(path)
	}

	cfg, err := appconfig.Load()
	if cfg == nil {
		return nil, err
	}
	if err != nil {
		// A broken config file falls back to defaults with a warning.
		log.Printf("CONFIG_LOAD_WARNING | error=%v", err)
	}
	return cfg, nil
}

// resolveWatchPath picks the config file to watch for hot reload.
func resolveWatchPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	path, err := appconfig.ConfigPathTOML()
	if err != nil {
		return ""
	}
	return path
}

// buildOrchestrator constructs the query pipeline from a config snapshot.
func buildOrchestrator(cfg *appconfig.Config, st *store.Store, ranker *leaderboard.Ranker) *query.Orchestrator {
	client := upstream.NewClient(cfg.Upstream.APIKey).
		WithBaseURL(cfg.Upstream.BaseURL).
		WithModel(cfg.Upstream.Model).
		WithMaxTokens(cfg.Upstream.MaxTokens)

	return query.New(client, st, ranker)
}

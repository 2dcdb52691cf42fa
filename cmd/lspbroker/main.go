// Command lspbroker runs the LSP multiplexer as an MCP server over
// stdio by default, or as a one-shot CLI tool invoker via the `cli`
// subcommand.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codewright/lspbroker/internal/config"
	"github.com/codewright/lspbroker/internal/manager"
	"github.com/codewright/lspbroker/internal/project"
	"github.com/codewright/lspbroker/internal/registry"
	"github.com/codewright/lspbroker/internal/selfupdate"
	"github.com/codewright/lspbroker/internal/tools"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println("lspbroker", version)
		os.Exit(0)
	}

	if len(os.Args) >= 2 && os.Args[1] == "cli" {
		os.Exit(runCLI(os.Args[2:]))
	}

	logger := slog.Default()
	srv, mgr, err := buildServer(logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go startBackgroundSweeps(ctx, mgr, logger)
	go checkForUpdate(ctx, logger)

	runErr := srv.MCPServer().Run(ctx, &mcp.StdioTransport{})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mgr.ShutdownAll(shutdownCtx); err != nil {
		logger.Warn("shutdown_all reported errors", "error", err)
	}
	if runErr != nil {
		logger.Error("server exited with error", "error", runErr)
		os.Exit(1)
	}
}

// buildServer wires config → registry → project detector → manager →
// tool bus adapter, the same composition order the teacher uses
// (store → tools) generalized to this broker's own layers.
func buildServer(logger *slog.Logger) (*tools.Server, *manager.Manager, error) {
	if os.Getenv("PROJECT_DIR") == "" && os.Getenv("ROOT_DIR") == "" {
		return nil, nil, fmt.Errorf("PROJECT_DIR or ROOT_DIR must be set")
	}
	cfg := config.FromEnv()

	reg := registry.New()
	if err := config.ApplyRegistryOverride(reg); err != nil {
		return nil, nil, fmt.Errorf("apply registry override: %w", err)
	}

	detector := project.New(cfg.RootDir, reg, logger)
	mgr := manager.New(cfg, reg, detector, logger)
	srv := tools.NewServer(mgr)
	return srv, mgr, nil
}

// startBackgroundSweeps runs the idle-server reaper and resource
// sampling loops, grounded on the teacher's internal/watcher adaptive
// ticker (here on a fixed interval, since the broker's sweep has no
// per-project adaptive backoff to model).
func startBackgroundSweeps(ctx context.Context, mgr *manager.Manager, logger *slog.Logger) {
	mgr.StartResourceMonitoring(ctx)
	defer mgr.StopResourceMonitoring()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stopped, err := mgr.ShutdownIdleServers(ctx)
			if err != nil {
				logger.Warn("idle sweep reported errors", "error", err)
			}
			if len(stopped) > 0 {
				logger.Info("shut down idle servers", "projects", stopped)
			}
		}
	}
}

// checkForUpdate performs a one-shot best-effort version check against
// this repository's own release feed.
func checkForUpdate(ctx context.Context, logger *slog.Logger) {
	release, err := selfupdate.FetchLatestRelease(ctx)
	if err != nil {
		logger.Debug("update check failed", "error", err)
		return
	}
	latest := release.LatestVersion()
	if latest == "" || version == "dev" {
		return
	}
	if selfupdate.CompareVersions(latest, version) > 0 {
		logger.Info("newer release available", "current", version, "latest", latest)
	}
}

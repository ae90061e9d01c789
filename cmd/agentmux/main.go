// Package main is the entry point for the agentmux binary.
// agentmux is a session supervisor that brokers between a tool-protocol
// control plane on stdio and agent CLI subprocesses, forwarding their
// approval requests to the operator and tracking session state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/mcptools"
	"github.com/agentmux/agentmux/internal/process"
	"github.com/agentmux/agentmux/internal/supervisor"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting agentmux",
		zap.String("family", cfg.Supervisor.Family),
		zap.String("cli_path", cfg.Supervisor.CLIPath),
		zap.Int("max_sessions", cfg.Supervisor.MaxSessions))

	policy, err := policyForFamily(cfg.Supervisor)
	if err != nil {
		log.Fatal("invalid agent family", zap.Error(err))
	}

	mgr, err := supervisor.New(cfg.Supervisor, policy, log)
	if err != nil {
		log.Fatal("failed to create session manager", zap.Error(err))
	}

	tools := mcptools.New(mgr, log)

	// SIGINT/SIGTERM cancels the stdio serve loop; EOF on stdin ends it too.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := tools.ServeStdio(ctx)
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		log.Error("tool server stopped with error", zap.Error(serveErr))
	}

	log.Info("shutting down agentmux...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Error("error during shutdown", zap.Error(err))
	}
	log.Info("agentmux stopped")
}

// policyForFamily selects the spawn policy for the configured agent family.
func policyForFamily(cfg config.SupervisorConfig) (process.SpawnPolicy, error) {
	switch cfg.Family {
	case "claude":
		return &process.ClaudePolicy{IndexPath: cfg.SessionIndexPath}, nil
	case "exec":
		return &process.ExecPolicy{IndexPath: cfg.SessionIndexPath}, nil
	default:
		return nil, fmt.Errorf("unsupported agent family %q", cfg.Family)
	}
}

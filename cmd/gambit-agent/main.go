package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/castlelab/gambit/internal/agent"
	"github.com/castlelab/gambit/internal/common/config"
	"github.com/castlelab/gambit/internal/ratchet"
	"github.com/castlelab/gambit/internal/transport"
	"github.com/castlelab/gambit/pkg/logger"
	"github.com/castlelab/gambit/pkg/trace"
	"github.com/castlelab/gambit/pkg/version"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of gambit-agent",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gambit-agent version %s\n", version.Get())
		},
	}

	rootCmd = &cobra.Command{
		Use:   "gambit-agent",
		Short: "Gambit chess self-play agent",
		Long:  `Gambit chess agent opens encrypted MCP sessions against a gambit-server and relays games between two AI engines`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", "gambit-agent.yaml", "path to configuration file")
	rootCmd.AddCommand(versionCmd)
}

func run() {
	cfg, cfgPath, err := config.LoadConfig[config.AgentConfig](configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration from %s: %v", cfgPath, err)
	}
	if err := config.ValidateAgentConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration %s: %v", cfgPath, err)
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	lg.Info("starting gambit-agent",
		zap.String("version", version.Get()),
		zap.String("config", cfgPath),
		zap.String("server", cfg.Transport.URL),
		zap.String("encryption_backend", cfg.Encryption.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
		if err != nil {
			lg.Fatal("failed to initialize tracing", zap.Error(err))
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				lg.Warn("tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	crypto, err := ratchet.NewService(&cfg.Encryption, nil, cfg.Auth.Token, lg)
	if err != nil {
		lg.Fatal("failed to build encryption service", zap.Error(err))
	}
	mgr, err := transport.NewManager(&cfg.Transport, crypto, nil, lg)
	if err != nil {
		lg.Fatal("failed to build connection manager", zap.Error(err))
	}
	if cfg.Auth.Token != "" {
		mgr.WithBearer(cfg.Auth.Token)
	}
	defer func() {
		if err := mgr.Shutdown(); err != nil {
			lg.Error("connection teardown failed", zap.Error(err))
		}
	}()

	orch := agent.NewOrchestrator(mgr, cfg, lg)
	if err := orch.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			lg.Info("run interrupted", zap.Int("games_completed", orch.Completed()))
			return
		}
		lg.Fatal("self-play run failed", zap.Error(err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

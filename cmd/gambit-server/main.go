package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/castlelab/gambit/internal/common/config"
	"github.com/castlelab/gambit/internal/server"
	"github.com/castlelab/gambit/pkg/logger"
	"github.com/castlelab/gambit/pkg/trace"
	"github.com/castlelab/gambit/pkg/version"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of gambit-server",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gambit-server version %s\n", version.Get())
		},
	}

	rootCmd = &cobra.Command{
		Use:   "gambit-server",
		Short: "Gambit chess MCP server",
		Long:  `Gambit chess MCP server hosts encrypted game sessions for remote agents`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", "gambit-server.yaml", "path to configuration file")
	rootCmd.AddCommand(versionCmd)
}

func run() {
	cfg, cfgPath, err := config.LoadConfig[config.ServerConfig](configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration from %s: %v", cfgPath, err)
	}
	if err := config.ValidateServerConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration %s: %v", cfgPath, err)
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	lg.Info("starting gambit-server",
		zap.String("version", version.Get()),
		zap.String("config", cfgPath))

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

	gin.SetMode(gin.ReleaseMode)
	srv, err := server.NewServer(cfg, lg)
	if err != nil {
		lg.Fatal("failed to build server", zap.Error(err))
	}
	if err := srv.Start(); err != nil {
		lg.Fatal("failed to start server", zap.Error(err))
	}

	<-ctx.Done()
	lg.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("server shutdown failed", zap.Error(err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

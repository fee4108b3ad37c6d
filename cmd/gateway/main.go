package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/microgate/gateway/internal/config"
	"github.com/microgate/gateway/internal/gateway"
	"github.com/microgate/gateway/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("API Gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if v := os.Getenv("CONFIG_FILE"); v != "" {
		*configPath = v
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := gateway.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start gateway: %v\n", err)
		os.Exit(1)
	}

	logging.Info("starting gateway",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("discovery", cfg.Discovery.Type),
		zap.String("addr", cfg.Server.Addr()))

	// SIGHUP reloads the route table without a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := server.ReloadRoutes(); err != nil {
				logging.Error("route reload failed", zap.Error(err))
			}
		}
	}()

	if err := server.Run(ctx); err != nil {
		logging.Error("gateway exited with error", zap.Error(err))
		os.Exit(1)
	}
}

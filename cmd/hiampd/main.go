package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hiamp-dev/hiamp/internal/config"
	"github.com/hiamp-dev/hiamp/internal/gateway"
	pkgLogger "github.com/hiamp-dev/hiamp/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to config (default: $HOME/.hiamp/config.json)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides config")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config from %s: %v\n", cfgPath, err)
		fmt.Fprintf(os.Stderr, "Create a config file or specify --config path\n")
		os.Exit(1)
	}

	level := cfg.Settings.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	out := os.Stdout
	pkgLogger.SetGlobalLoggerWithConsoleWriter(pkgLogger.LogLevel(level), out)
	logger := pkgLogger.NewLoggerWithConsoleWriter(pkgLogger.LogLevel(level), out)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create gateway: %v\n", err)
		os.Exit(1)
	}
	defer gw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	fmt.Println("hiampd gateway starting...")
	fmt.Printf("  Owner: %s\n", cfg.Identity.Owner)
	if cfg.Discord.Enabled {
		fmt.Println("  Discord: enabled")
	}
	if cfg.Issues.Enabled {
		fmt.Printf("  Issues: enabled, heartbeat every %s\n", cfg.Issues.PollInterval)
	}
	if cfg.Settings.KillSwitch {
		fmt.Println("  Kill switch: ENGAGED, outbound sends blocked")
	}
	fmt.Println()

	if err := gw.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "Gateway error: %v\n", err)
		os.Exit(1)
	}
}

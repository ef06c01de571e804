package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/abduljabar5/zikrlink/internal/ble"
	"github.com/abduljabar5/zikrlink/internal/config"
	"github.com/abduljabar5/zikrlink/internal/ring"
	"github.com/abduljabar5/zikrlink/internal/server"
)

// tapLogger is the default tap sink: every forwarded increment lands in
// the log, so headless deployments keep a devotional trail even with no
// UI attached.
type tapLogger struct{}

func (tapLogger) OnTapIncrement(delta int) {
	slog.Info("[TAP] increment", "delta", delta)
}

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/zikrlink/config.yaml)")
	listen := flag.String("listen", "", "listen address override, e.g. 127.0.0.1:9737")
	writeConfig := flag.Bool("write-config", false, "write a default config file if none exists, then exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("writing default config: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
		} else {
			fmt.Println("Wrote default config to", path)
		}
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	adapter := ble.NewPlatformAdapter()
	manager := ring.NewManager(adapter, tapLogger{}, cfg.RingOptions())
	defer manager.Close()

	srv := server.New(manager, cfg.Server.Listen)
	manager.OnChange(srv.Publish)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("[MAIN] shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("[MAIN] http shutdown", "error", err)
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("http server: %v", err)
		}
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== zikrlinkd ===")
	fmt.Printf("  Listen:    %s\n", cfg.Server.Listen)
	fmt.Printf("  Service:   %s\n", cfg.Ring.ServiceUUID)
	fmt.Printf("  Prefixes:  %s\n", strings.Join(cfg.Ring.NamePrefixes, ", "))
	fmt.Printf("  Reconnect: %d attempts from %s\n", cfg.Reconnect.MaxAttempts, time.Duration(cfg.Reconnect.BaseDelay))
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("=================")
}

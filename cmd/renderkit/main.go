// Package main implements the unified renderkit binary.
// It runs the cache service daemon: a collection of persistent caches whose
// connections are handed to client processes over a unix socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/renderkit/renderkit/internal/app"
	"github.com/renderkit/renderkit/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		cacheDir    string
		socketPath  string
		footprintMB int
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&cacheDir, "cache-dir", "", "Directory holding the cache files")
	flag.StringVar(&socketPath, "socket", "", "Unix socket for handing out cache connections")
	flag.IntVar(&footprintMB, "target-footprint-mb", 0, "Combined cache footprint target in megabytes")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "renderkit - cross-process cache service\n\n")
		fmt.Fprintf(os.Stderr, "Usage: renderkit [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  renderkit --data-dir /data/renderkit\n")
		fmt.Fprintf(os.Stderr, "  renderkit --config /etc/renderkit/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  RENDERKIT_DATA_DIR                 Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  RENDERKIT_CACHE_DIR                Cache file directory\n")
		fmt.Fprintf(os.Stderr, "  RENDERKIT_CACHE_SOCKET_PATH        Unix socket path\n")
		fmt.Fprintf(os.Stderr, "  RENDERKIT_CACHE_TARGET_FOOTPRINT_MB  Footprint target\n")
		fmt.Fprintf(os.Stderr, "  RENDERKIT_ARCHIVE_TYPE             Archive type (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("renderkit version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, cacheDir, socketPath, footprintMB)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, cacheDir, socketPath string, footprintMB int) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Command line flags have the highest priority
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if cacheDir != "" {
		cfg.Cache.Dir = cacheDir
	}
	if socketPath != "" {
		cfg.Cache.SocketPath = socketPath
	}
	if footprintMB > 0 {
		cfg.Cache.TargetFootprintMB = footprintMB
	}
	cfg.Mode = config.ModeCache

	return cfg, nil
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("renderkit cache service")
	log.Printf("Configuration:")
	log.Printf("  Data Dir:  %s", cfg.DataDir)
	log.Printf("  Cache Dir: %s", cfg.Cache.Dir)
	log.Printf("  Socket:    %s", cfg.Cache.SocketPath)
	log.Printf("  Footprint: %dMB", cfg.Cache.TargetFootprintMB)
	if cfg.Archive.Enabled {
		log.Printf("  Archive:   %s", cfg.Archive.Type)
	}
}

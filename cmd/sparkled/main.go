// sparkled is the device daemon: it accepts deployments over the TLS
// control channel, supervises application processes and serves them through
// the virtual-host gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sparkle/internal/config"
	"sparkle/internal/daemon"
	"sparkle/pkg/log"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	configPath := flag.String("config", "/etc/sparkle/config.json", "Path to configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sparkled %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log.Init(cfg.LogLevel)
	log.Info("Starting sparkled", "version", version, "device", cfg.DeviceName, "config", *configPath)

	d, err := daemon.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize daemon: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	watcher := config.NewWatcher(*configPath, d.Reload)
	watcher.Start(ctx)
	defer watcher.Stop()

	if err := d.Run(ctx); err != nil {
		log.Fatalf("Daemon failed: %v", err)
	}
	log.Info("Shutdown complete")
}

// Ambulink daemon - serves the dispatch console state over HTTP
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ambulink/ambulink/internal/api"
	"github.com/ambulink/ambulink/internal/config"
	"github.com/ambulink/ambulink/internal/console"
	"github.com/ambulink/ambulink/internal/core"
	"github.com/ambulink/ambulink/internal/export"
	"github.com/ambulink/ambulink/internal/logging"
	"github.com/ambulink/ambulink/internal/metrics"
	"github.com/ambulink/ambulink/internal/mirror"
	"github.com/ambulink/ambulink/internal/mirror/postgres"
	"github.com/ambulink/ambulink/internal/storage"
	"github.com/ambulink/ambulink/internal/tabs"
)

var (
	configPath string
	dataDir    string
	addr       string
	hostTabs   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ambulink",
		Short: "Ambulink - dispatch console state and sync daemon",
		RunE:  runDaemon,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (.json, .yaml)")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	rootCmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	rootCmd.Flags().BoolVar(&hostTabs, "host-tabs", false, "run the cross-process hub in this process")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if addr != "" {
		cfg.API.Addr = addr
	}
	if cmd.Flags().Changed("host-tabs") {
		cfg.Tabs.Host = hostTabs
	}
	return cfg, nil
}

func openRemote(ctx context.Context, cfg *config.Config, log *logging.Logger) (mirror.Remote, func(), error) {
	switch {
	case cfg.Mirror.PostgresDSN != "":
		remote, err := postgres.Open(ctx, cfg.Mirror.PostgresDSN, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to mirror: %w", err)
		}
		return remote, remote.Close, nil
	case cfg.Mirror.Memory:
		return mirror.NewMemoryRemote(), func() {}, nil
	default:
		return nil, func() {}, nil
	}
}

func openSink(ctx context.Context, cfg *config.Config) (export.Sink, error) {
	if cfg.Export.S3.Bucket != "" {
		return export.NewS3Sink(ctx, cfg.Export.S3)
	}
	return export.FileSink{Root: cfg.ExportDir()}, nil
}

func mirrorSlices(names []string) ([]core.SliceName, error) {
	out := make([]core.SliceName, 0, len(names))
	for _, name := range names {
		slice, err := core.ParseSlice(name)
		if err != nil {
			return nil, err
		}
		out = append(out, slice)
	}
	return out, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	log := logging.Default()

	fmt.Println("🚑 Starting Ambulink...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open database
	db, err := storage.Open(storage.Config{
		Path:   cfg.DBPath(),
		Driver: cfg.Storage.Driver,
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	remote, closeRemote, err := openRemote(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRemote()
	if remote == nil {
		fmt.Println("📴 No mirror configured - running local-only")
	} else {
		fmt.Println("✅ Mirror configured")
	}

	sink, err := openSink(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to configure archive: %w", err)
	}

	slices, err := mirrorSlices(cfg.Mirror.Slices)
	if err != nil {
		return err
	}

	// Cross-process relay
	tabsURL := cfg.Tabs.URL
	var hub *tabs.Hub
	if cfg.Tabs.Host {
		hubCfg := tabs.DefaultHubConfig()
		hubCfg.ListenAddr = cfg.Tabs.Listen
		hubCfg.Logger = log
		hub = tabs.NewHub(hubCfg)
		if err := hub.Start(); err != nil {
			return fmt.Errorf("failed to start tabs hub: %w", err)
		}
		if tabsURL == "" {
			tabsURL = "ws://" + cfg.Tabs.Listen + hubCfg.Path
		}
		fmt.Printf("🔁 Tabs hub on %s\n", cfg.Tabs.Listen)
	}

	m := metrics.New()
	c, err := console.Open(ctx, console.Options{
		Node:           cfg.Node,
		DB:             db,
		QuotaBytes:     cfg.Storage.QuotaBytes,
		Remote:         remote,
		MirrorSlices:   slices,
		PushTimeout:    cfg.Mirror.PushTimeout.Std(),
		TabsURL:        tabsURL,
		ProbeInterval:  cfg.Intervals.Probe.Std(),
		ResyncInterval: cfg.Intervals.Resync.Std(),
		RetryInterval:  cfg.Intervals.Retry.Std(),
		Archive:        sink,
		Metrics:        m,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("failed to open console: %w", err)
	}
	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start console: %w", err)
	}

	server := api.New(api.Config{
		Addr:           cfg.API.Addr,
		Console:        c,
		AllowedOrigins: cfg.API.AllowedOrigins,
		Logger:         log,
	})

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\n🛑 Shutting down...")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		server.Stop(shutdownCtx)
		c.Stop()
		if hub != nil {
			hub.Stop()
		}
		cancel()
	}()

	// Start server (blocks)
	fmt.Printf("🌐 Console API on %s\n", cfg.API.Addr)
	return server.Start()
}

package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/control"
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "indexer",
	Short: "Stylus CacheManager event indexer",
	Long: `Indexer ingests CacheManager events from Arbitrum-family chains, stores each
event exactly once and keeps the derived cache occupancy in sync with the chain.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the indexer until interrupted",
	Args:  cobra.NoArgs,
	Run:   runIndexer,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
}

// loadConfig reads .env and the config file, then installs the logger.
func loadConfig() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
	return cfg
}

// openWatcher builds a watcher for one-shot commands: no ops server, chains
// persisted, nothing started.
func openWatcher(ctx context.Context) *control.Watcher {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Warn("No database configured, command runs against empty in-memory storage")
	}

	controlCfg := control.ConfigFrom(cfg)
	controlCfg.DisableServer = true

	w, err := control.NewWatcher(controlCfg)
	if err != nil {
		slog.Error("Failed to initialize indexer", "error", err)
		os.Exit(1)
	}
	if err := w.Prepare(ctx); err != nil {
		w.Close()
		slog.Error("Failed to prepare chains", "error", err)
		os.Exit(1)
	}
	return w
}

func runIndexer(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	app, err := control.NewWatcher(control.ConfigFrom(cfg))
	if err != nil {
		slog.Error("Failed to initialize indexer", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		app.Close()
		slog.Error("Failed to start indexer", "error", err)
		os.Exit(1)
	}

	slog.Info("Indexer started", "config", cfgPath, "chains", len(cfg.Chains))

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("Indexer stopped gracefully")
}

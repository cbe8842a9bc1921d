package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/log"
	"github.com/taskgraph/taskgraph/pkg/metrics"
	"github.com/taskgraph/taskgraph/pkg/server"
	"github.com/taskgraph/taskgraph/pkg/storage"
	"github.com/taskgraph/taskgraph/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes.
const (
	exitOK      = 0
	exitRuntime = 1
	exitBadCLI  = 2
	exitConfig  = 3
	exitDBOpen  = 4
)

var (
	flagConfig      string
	flagDatabase    string
	flagVerbose     bool
	flagMetricsAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitBadCLI)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskgraph",
	Short: "Taskgraph - persistent multi-agent task coordination server",
	Long: `Taskgraph is an embedded, persistent task scheduler that lets
multiple concurrent workers cooperate on a shared DAG of tasks:
atomic claiming, tag affinity, advisory file coordination, gate
checks, full-text search, and portable snapshots, served over
line-delimited JSON-RPC on stdio.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Taskgraph version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&flagDatabase, "database", "", "Database file path (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Optional Prometheus scrape listener address")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level := log.InfoLevel
	if flagVerbose {
		level = log.DebugLevel
	}
	cfg := log.Config{
		Level:      level,
		JSONOutput: true,
	}
	// Stdout carries the protocol, so logs go to stderr unless a log
	// directory is configured.
	if dir := os.Getenv("TASK_GRAPH_LOG_DIR"); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err == nil {
			if f, err := os.OpenFile(filepath.Join(dir, "server.log"),
				os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
				cfg.Output = f
			}
		}
	}
	log.Init(cfg)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the stdio JSON-RPC server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		os.Exit(run())
		return nil
	},
}

func run() int {
	logger := log.WithComponent("main")

	configPath := flagConfig
	if configPath == "" {
		configPath = os.Getenv("TASK_GRAPH_CONFIG_PATH")
	}

	cfg, err := config.NewManager(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load configuration")
		return exitConfig
	}

	dbPath := flagDatabase
	if dbPath == "" {
		dbPath = os.Getenv("TASK_GRAPH_DB_PATH")
	}
	if dbPath == "" {
		dbPath = cfg.Current().Server.DBPath
	}

	db, err := storage.Open(dbPath)
	if err != nil {
		logger.Error().Err(err).Str("path", dbPath).Msg("Failed to open database")
		return exitDBOpen
	}
	defer db.Close()

	metrics.Init()
	if flagMetricsAddr != "" {
		go func() {
			if err := metrics.Serve(flagMetricsAddr); err != nil {
				logger.Error().Err(err).Msg("Metrics listener failed")
			}
		}()
	}

	dispatcher := server.NewDispatcher(cfg, db)
	dispatcher.MediaDir = mediaDir(cfg.Current())
	dispatcher.Broker.Start()
	defer dispatcher.Broker.Stop()

	reaper := worker.NewReaper(dispatcher.Workers, cfg.Current)
	reaper.Start()
	defer reaper.Stop()

	if err := cfg.StartWatching(); err != nil {
		logger.Warn().Err(err).Msg("Config watcher unavailable")
	}
	defer cfg.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGHUP reloads config; SIGINT/SIGTERM shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				if err := cfg.Reload(); err != nil {
					logger.Warn().Err(err).Msg("Config reload failed")
				}
			default:
				logger.Info().Str("signal", sig.String()).Msg("Shutting down")
				cancel()
				return
			}
		}
	}()

	srv := server.NewServer(dispatcher, server.ServerInfo{
		Name:    "taskgraph",
		Version: Version,
	})
	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("Server terminated")
		return exitRuntime
	}
	return exitOK
}

func mediaDir(snap *config.Snapshot) string {
	if dir := os.Getenv("TASK_GRAPH_MEDIA_DIR"); dir != "" {
		return dir
	}
	return snap.Server.MediaDir
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/schaermu/gitmirrord/internal/autocommit"
	"github.com/schaermu/gitmirrord/internal/config"
	"github.com/schaermu/gitmirrord/internal/git"
	"github.com/schaermu/gitmirrord/internal/mirror"
	"github.com/schaermu/gitmirrord/internal/sync"
	"github.com/schaermu/gitmirrord/internal/watch"
	"github.com/schaermu/gitmirrord/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gitmirrord",
	Short: "Mirror watched paths into a Git repository and push every change",
	Long: `gitmirrord watches a set of files and directories and mirrors every change
into a Git working tree, then stages, commits and pushes it to a remote.

It runs as a long-lived daemon (watch) or as a oneshot snapshot (sync), for
example from a systemd timer.`,
	SilenceUsage: true,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the configured paths and autocommit every change",
	Long: `Watch subscribes to filesystem notifications for every configured path,
debounces bursts of changes, applies them to the repository working tree and
records each burst as one commit that is pushed to the configured remote.

When serve.enabled is set, a small HTTP server exposes GET /status and a
signed POST /sync that forces a full snapshot.`,
	RunE: runWatch,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Snapshot the watched paths once, commit and push",
	Long: `Sync copies every watched path into the repository working tree, then
stages, commits and pushes once and exits. The snapshot never deletes files
from the working tree.`,
	RunE: runSync,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gitmirrord %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/gitmirrord/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	watchCmd.Flags().BoolVar(&dryRun, "dry-run", false, "log mirror and commit steps without executing them")

	// Add commands
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
}

// pipeline holds the components shared by watch and sync
type pipeline struct {
	mirror *mirror.Mirror
	repo   git.Repository
	tx     *autocommit.Transaction
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closeLog, err := bootstrap()
	if err != nil {
		return err
	}
	defer closeLog()

	p, err := newPipeline(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	defer func() {
		_ = p.repo.Close()
	}()

	// Subscribe before the initial snapshot so no change falls in between
	watcher, err := watch.NewFSWatcher(watch.Options{
		Roots:   cfg.Watch.Paths,
		Exclude: []string{cfg.Repository.Path},
		Ignore:  cfg.Ignored,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	defer func() {
		_ = watcher.Close()
	}()

	debouncer := watch.NewDebouncer(watcher, cfg.Sync.Debounce, logger)
	engine := sync.NewEngine(p.mirror, p.tx, debouncer, logger, sync.Options{
		InitialSync: cfg.InitialSyncEnabled(),
		DryRun:      dryRun,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})

	if cfg.Serve.Enabled {
		server, err := webhook.NewServer(cfg, engine, logger)
		if err != nil {
			cancel()
			_ = g.Wait()
			logger.Error("startup failed", "error", err)
			return err
		}
		g.Go(func() error {
			return server.Start(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("gitmirrord stopped", "error", err)
		return err
	}
	logger.Info("gitmirrord stopped")
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, logger, closeLog, err := bootstrap()
	if err != nil {
		return err
	}
	defer closeLog()

	p, err := newPipeline(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}
	defer func() {
		_ = p.repo.Close()
	}()

	engine := sync.NewEngine(p.mirror, p.tx, nil, logger, sync.Options{DryRun: dryRun})

	logger.Info("starting sync operation")
	if err := engine.RunOnce(ctx); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	return nil
}

// bootstrap loads the configuration and builds the final logger
func bootstrap() (*config.Config, *slog.Logger, func(), error) {
	logger := setupLogger(os.Stdout)

	cfg, err := loadConfig(logger)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	out, closeLog := logOutput(cfg)
	return cfg, setupLogger(out), closeLog, nil
}

// newPipeline opens the repository and wires mirror and transaction
func newPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pipeline, error) {
	roots := make([]mirror.Root, 0, len(cfg.Watch.Paths))
	for _, path := range cfg.Watch.Paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", watch.ErrWatchSetup, err)
		}
		roots = append(roots, mirror.Root{Path: path, IsDir: info.IsDir()})
	}

	mapper, err := mirror.NewMapper(cfg.Repository.Path, roots)
	if err != nil {
		return nil, err
	}

	repo, err := git.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	logger.Info("repository opened",
		"path", repo.Root(),
		"backend", cfg.Repository.Backend,
		"remote", cfg.Repository.Remote,
		"refspec", cfg.Repository.RefSpec,
		"auth", cfg.AuthMethod())

	tx := autocommit.New(repo, autocommit.Options{
		Remote:        cfg.Repository.Remote,
		RefSpec:       cfg.Repository.RefSpec,
		AuthorName:    cfg.Commit.AuthorName,
		AuthorEmail:   cfg.Commit.AuthorEmail,
		MessagePrefix: cfg.Commit.MessagePrefix,
	}, logger)

	m := mirror.New(afero.NewOsFs(), mapper, mirror.WithIgnore(cfg.Ignored))
	for _, c := range m.Collisions() {
		logger.Warn("watched paths share a repository path, the last write wins",
			"file_root", c.FileRoot,
			"path", c.Path,
			"dest", c.Dest)
	}

	return &pipeline{
		mirror: m,
		repo:   repo,
		tx:     tx,
	}, nil
}

func setupLogger(w io.Writer) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// logOutput returns a rotating log file when log.file is set, else stdout
func logOutput(cfg *config.Config) (io.Writer, func()) {
	if cfg.Log.File == "" {
		return os.Stdout, func() {}
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}
	return lj, func() {
		_ = lj.Close()
	}
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "gitmirrord", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"watch_paths", len(cfg.Watch.Paths),
		"repository", cfg.Repository.Path,
		"backend", cfg.Repository.Backend,
		"debounce", cfg.Sync.Debounce,
		"serve", cfg.Serve.Enabled)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}

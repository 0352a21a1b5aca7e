package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/cartograph/internal/config"
	"github.com/yairfalse/cartograph/internal/telemetry"
	"github.com/yairfalse/cartograph/storage"
)

var (
	version = "0.1.0"

	configPath string
	dbPath     string
	debug      bool

	// cfg is loaded before any subcommand runs.
	cfg = config.Default()

	rootCmd = &cobra.Command{
		Use:   "cartograph",
		Short: "AWS inventory with IP reverse lookup",
		Long: `Cartograph - AWS inventory with IP reverse lookup

Cartograph walks every supported AWS service across your regions, keeps
the result in a local inventory file, and answers "which resource owns
this IP?" from it. Rescans upsert; nothing is deleted unless you prune.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Cartograph {{.Version}}
`)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Inventory database file (default: cartograph.db next to the executable)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = loaded

	level := cfg.Log.Level
	if debug {
		level = "debug"
	}
	return setupLogging(cmd.ErrOrStderr(), level)
}

func setupLogging(w io.Writer, level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)

	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	log.Logger = log.Output(console)
	telemetry.Output = console
	return nil
}

// resolveDBPath applies --db, then the config file, then the default
// location next to the executable.
func resolveDBPath() (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	if cfg.Store.Path != "" {
		return cfg.Store.Path, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	return filepath.Join(filepath.Dir(exe), config.DefaultStoreFile), nil
}

// openStore prepares the inventory file. The file lock is taken per call,
// so serve, query and a running inventory can share one file. Read-only
// handles fail if no inventory has been taken yet.
func openStore(readOnly bool) (*storage.Shared, error) {
	path, err := resolveDBPath()
	if err != nil {
		return nil, err
	}
	s, err := storage.OpenShared(path, storage.Options{ReadOnly: readOnly})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", path).Bool("read_only", readOnly).Msg("opened inventory")
	return s, nil
}

// startTelemetry installs the OTEL providers. The returned stop function
// flushes exporters with a bounded wait.
func startTelemetry(ctx context.Context) (*telemetry.Provider, func(), error) {
	p, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}
	stop := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown")
		}
	}
	return p, stop, nil
}

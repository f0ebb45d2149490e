// Package cmd builds the command line of a bot binary: run the bot, apply
// migrations, print the version.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/m3rciful/taxibot/core/buildinfo"
	coreconfig "github.com/m3rciful/taxibot/core/config"
	"github.com/m3rciful/taxibot/core/logger"
	coretelegram "github.com/m3rciful/taxibot/core/telegram"
)

// ConfigCarrier exposes the embedded core configuration.
type ConfigCarrier interface {
	CoreConfig() *coreconfig.Config
}

// TelegramApp builds the run options of the bot once infrastructure is ready.
type TelegramApp interface {
	TelegramRunOptions() (coretelegram.RunOptions, error)
}

// Options wires the application into the command line.
type Options struct {
	Name              string
	ConfigEnvVar      string
	DefaultConfigPath string

	LoadConfig func(path string) (ConfigCarrier, error)
	Bootstrap  func(ctx context.Context, cfg ConfigCarrier) (TelegramApp, error)
	// Migrate applies migrations and returns; nil leaves out the migrate command.
	Migrate func(ctx context.Context, cfg ConfigCarrier) error

	ShutdownLogger func() error
	Run            func(ctx context.Context, opts coretelegram.RunOptions) error
}

// Execute runs the command line with a context cancelled on SIGINT or SIGTERM.
func Execute(opts Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewCommand(opts).ExecuteContext(ctx)
}

// NewCommand returns the root command. Without a subcommand it runs the bot.
func NewCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "bot"
	}
	if opts.ConfigEnvVar == "" {
		opts.ConfigEnvVar = "CONFIG_PATH"
	}
	if opts.ShutdownLogger == nil {
		opts.ShutdownLogger = logger.Shutdown
	}
	if opts.Run == nil {
		opts.Run = coretelegram.Run
	}

	configPath := os.Getenv(opts.ConfigEnvVar)
	if configPath == "" {
		configPath = opts.DefaultConfigPath
	}

	root := &cobra.Command{
		Use:          opts.Name,
		Short:        "Run the " + opts.Name + " Telegram bot",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context(), opts, configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", configPath,
		"path to the YAML config (env "+opts.ConfigEnvVar+")")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the bot until interrupted",
		Args:  cobra.NoArgs,
		RunE:  root.RunE,
	}
	version := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s (commit %s, built %s)\n", opts.Name, buildinfo.Version, buildinfo.Commit, buildinfo.Date)
		},
	}
	root.AddCommand(run, version)

	if opts.Migrate != nil {
		root.AddCommand(&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending database migrations and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(opts, configPath)
				if err != nil {
					return err
				}
				defer shutdownLogger(opts)
				return opts.Migrate(cmd.Context(), cfg)
			},
		})
	}
	return root
}

func loadConfig(opts Options, path string) (ConfigCarrier, error) {
	if opts.LoadConfig == nil {
		return nil, errors.New("cmd: LoadConfig is required")
	}
	if path == "" {
		return nil, fmt.Errorf("cmd: no config path, set --config or %s", opts.ConfigEnvVar)
	}
	cfg, err := opts.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("cmd: load config %s: %w", path, err)
	}
	if cfg == nil || cfg.CoreConfig() == nil {
		return nil, errors.New("cmd: config has no core section")
	}
	return cfg, nil
}

func shutdownLogger(opts Options) {
	if err := opts.ShutdownLogger(); err != nil {
		fmt.Fprintf(os.Stderr, "logger shutdown: %v\n", err)
	}
}

// runBot bootstraps the application and blocks in the Telegram runtime.
// The ready and shutdown events wrap the application hooks.
func runBot(ctx context.Context, opts Options, path string) error {
	if opts.Bootstrap == nil {
		return errors.New("cmd: Bootstrap is required")
	}
	cfg, err := loadConfig(opts, path)
	if err != nil {
		return err
	}
	defer shutdownLogger(opts)

	startedAt := time.Now()
	app, err := opts.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("cmd: bootstrap: %w", err)
	}

	runOpts, err := app.TelegramRunOptions()
	if err != nil {
		return fmt.Errorf("cmd: telegram options: %w", err)
	}

	onStart, onStop := runOpts.OnStart, runOpts.OnStop
	runOpts.OnStart = func(ctx context.Context, rt coretelegram.Runtime) error {
		if onStart != nil {
			if err := onStart(ctx, rt); err != nil {
				return err
			}
		}
		logger.Info(ctx, logger.CompApp, "ready",
			slog.String("status", "ok"),
			slog.String("version", buildinfo.Version),
			slog.Duration("startup", logger.Took(startedAt)),
		)
		return nil
	}
	runOpts.OnStop = func(ctx context.Context, rt coretelegram.Runtime) error {
		began := time.Now()
		var err error
		if onStop != nil {
			err = onStop(ctx, rt)
		}
		logger.Info(ctx, logger.CompApp, "shutdown",
			slog.String("status", logger.Status(err)),
			slog.Duration("duration", logger.Took(began)),
		)
		return err
	}
	return opts.Run(ctx, runOpts)
}

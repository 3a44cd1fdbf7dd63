// Package cli provides the tickwatch command-line interface.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tickwatch/internal/config"
	"tickwatch/internal/logging"
	"tickwatch/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-01"
)

// skipConfig marks commands that run without a loaded configuration.
const skipConfig = "skip-config"

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Store  store.DataStore

	configDir     string
	configureLogs bool
}

// RootOption configures the root command.
type RootOption func(*App)

// WithConfiguredLogging replaces the bootstrap logger with one built from the
// [log] section once the configuration is loaded.
func WithConfiguredLogging() RootOption {
	return func(app *App) { app.configureLogs = true }
}

// NewRootCmd creates the root command for the CLI. Configuration is loaded
// after flag parsing so --config applies.
func NewRootCmd(logger zerolog.Logger, opts ...RootOption) *cobra.Command {
	app := &App{Logger: logger}
	for _, opt := range opts {
		opt(app)
	}

	rootCmd := &cobra.Command{
		Use:   "tickwatch",
		Short: "Price and social alert monitor with voice, SMS and Telegram delivery",
		Long: `tickwatch watches exchange price feeds and social accounts, evaluates
user alerts and delivers triggered alerts by phone call, SMS or Telegram.

Run 'tickwatch config init' to create configuration templates, then
'tickwatch serve' to start the monitor.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			app.configDir, _ = cmd.Flags().GetString("config")
			if app.configDir == "" {
				app.configDir = config.DefaultConfigDir()
			}
			if cmd.Annotations[skipConfig] == "true" {
				return nil
			}
			cfg, err := config.Load(app.configDir)
			if err != nil {
				return err
			}
			app.Config = cfg
			if app.configureLogs {
				app.Logger = logging.NewLoggerWithConfig(logConfig(cfg.Log, debug))
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if app.Store != nil {
				err := app.Store.Close()
				app.Store = nil
				return err
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/tickwatch)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newAlertsCmd(app))
	rootCmd.AddCommand(newRecipientsCmd(app))
	rootCmd.AddCommand(newUsageCmd(app))
	rootCmd.AddCommand(newDeliveriesCmd(app))

	return rootCmd
}

func logConfig(c config.LogConfig, debug bool) logging.LogConfig {
	lc := logging.LogConfig{
		Level:      c.Level,
		Console:    c.Console,
		File:       c.File && c.FilePath != "",
		FilePath:   c.FilePath,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
	}
	if debug {
		lc.Level = "debug"
	}
	return lc
}

// openStore opens the configured store once per invocation.
func (app *App) openStore() (store.DataStore, error) {
	if app.Store != nil {
		return app.Store, nil
	}
	st, err := store.NewSQLiteStore(app.Config.Store.Path)
	if err != nil {
		return nil, err
	}
	app.Store = st
	app.Logger.Debug().Str("path", app.Config.Store.Path).Msg("SQLite store opened")
	return st, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("tickwatch v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "Create, view and validate the configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:         "init",
		Short:       "Write config.toml and credentials.toml templates",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			created, err := config.WriteTemplates(app.configDir)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"dir": app.configDir, "created": created})
			}
			if len(created) == 0 {
				output.Warning("Configuration already exists in %s", app.configDir)
				return nil
			}
			for _, path := range created {
				output.Success("✓ Created %s", path)
			}
			output.Dim("Fill in credentials.toml before running 'tickwatch serve'.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				redacted := *app.Config
				redacted.Credentials = config.Credentials{}
				return output.JSON(redacted)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration directory path",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": app.configDir})
			}
			output.Println(app.configDir)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load already validated; reaching here means the files are valid.
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Server")
	output.Printf("  Address:         %s\n", cfg.Server.Addr)
	output.Printf("  Store:           %s\n", cfg.Store.Path)
	output.Println()

	output.Bold("Feeds")
	output.Printf("  Binance:         %v %v\n", cfg.Feeds.Binance.Enabled, cfg.Feeds.Binance.Symbols)
	output.Printf("  OKX:             %v %v\n", cfg.Feeds.OKX.Enabled, cfg.Feeds.OKX.Symbols)
	output.Printf("  Backoff:         %s → %s (x%.1f, %d attempts)\n",
		cfg.Feeds.Connection.InitialBackoff, cfg.Feeds.Connection.MaxBackoff,
		cfg.Feeds.Connection.Multiplier, cfg.Feeds.Connection.MaxAttempts)
	output.Println()

	output.Bold("Governance")
	output.Printf("  Calls:           %d/day, %d/min, cooldown %s\n", cfg.Governor.Call.DailyCap, cfg.Governor.Call.PerMinute, cfg.Governor.Call.Cooldown)
	output.Printf("  SMS:             %d/day, %d/min, cooldown %s\n", cfg.Governor.SMS.DailyCap, cfg.Governor.SMS.PerMinute, cfg.Governor.SMS.Cooldown)
	output.Printf("  Risk threshold:  %d (block %s)\n", cfg.Governor.RiskThreshold, cfg.Governor.BlockDuration)
	output.Printf("  Identities:      %d (%s)\n", len(cfg.Sender.Identities), cfg.Sender.Strategy)
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:         %v\n", cfg.Notifications.Enabled)
	output.Printf("  Telegram:        %v\n", cfg.Notifications.Telegram)
	output.Printf("  SMS fallback:    %v\n", cfg.Dispatcher.FallbackEnabled)
	output.Printf("  Social polling:  %v (%d accounts)\n", cfg.Social.Enabled, len(cfg.Social.Feeds))
}

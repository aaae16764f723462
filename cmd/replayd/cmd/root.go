// Package cmd implements the CLI commands for replayd.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/replayd/internal/config"
	"github.com/jmylchreest/replayd/internal/observability"
	"github.com/jmylchreest/replayd/internal/version"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// logCloser releases the rotating log file, if one is configured.
var logCloser io.Closer

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "replayd",
	Short:   "Instant replay capture daemon",
	Version: version.Short(),
	Long: `replayd continuously captures the screen and system audio, encodes them
with a hardware H.264 encoder and Opus, and keeps the most recent window in
memory. Saving a clip writes that window to an MP4 or MPEG-TS file.

Clips can be saved over HTTP, over gRPC, with "replayd save", or by sending
SIGUSR1 to the daemon.`,
	SilenceUsage: true,
	// PersistentPreRunE and PersistentPostRun are set in init() to avoid an
	// initialization cycle.
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return initLogging(cmd)
	}
	rootCmd.PersistentPostRun = func(_ *cobra.Command, _ []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	}

	// Global flags. They are not bound to viper: a flag only overrides the
	// config file and environment when it was set explicitly.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml, ~/.config/replayd/config.yaml or /etc/replayd/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

// loadConfig reads the configuration and applies explicitly set global flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}

	return cfg, nil
}

// initLogging configures the default slog logger.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format), only if explicitly provided
//  2. Environment variables (REPLAYD_LOGGING_LEVEL, REPLAYD_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults (info, text)
func initLogging(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, closer := observability.NewLogger(cfg.Logging)
	logger = logger.With(slog.String("app", version.ApplicationName))
	slog.SetDefault(logger)
	logCloser = closer

	return nil
}

// changedString returns the flag value when it was set explicitly.
func changedString(flags *pflag.FlagSet, name string) (string, bool) {
	if !flags.Changed(name) {
		return "", false
	}
	v, err := flags.GetString(name)
	return v, err == nil
}

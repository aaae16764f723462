package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/replayd/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing replayd configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the configuration in YAML format, after applying the config file and
environment. Secrets are redacted. With --defaults only built-in defaults are
shown, which makes a starting point for a config file:

  replayd config dump --defaults > config.yaml

Configuration can be set via:
  - Config file (./config.yaml, ~/.config/replayd/config.yaml, /etc/replayd/config.yaml)
  - Environment variables (REPLAYD_CAPTURE_WINDOW, REPLAYD_SERVER_PORT, etc.)
  - Command-line flags (for some options)

Environment variables use the REPLAYD_ prefix and underscores for nesting.
Example: capture.window -> REPLAYD_CAPTURE_WINDOW`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)

	configDumpCmd.Flags().Bool("defaults", false, "dump built-in defaults, ignoring config files")
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	defaults, _ := cmd.Flags().GetBool("defaults")

	var cfg *config.Config
	var err error
	if defaults {
		cfg, err = config.Defaults()
	} else {
		cfg, err = loadConfig(cmd)
	}
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# replayd configuration")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 30s, 5m, 1h, 7d")
	fmt.Fprintln(out, "# Size format: 512MiB, 1GB")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out)
	_, err = out.Write(data)
	return err
}

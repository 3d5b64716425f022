package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/prismcast/prismcast/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the built-in default configuration in YAML format. Config files,
environment variables and flags are not applied to the dump.

Redirect the output to a file to create a configuration template:

  prismcast config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml in ., /etc/prismcast, $HOME/.prismcast)
  - Environment variables with the PRISMCAST_ prefix and underscores for
    nesting (server.port -> PRISMCAST_SERVER_PORT)
  - The --config flag`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	config.SetDefaults(v)

	out, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

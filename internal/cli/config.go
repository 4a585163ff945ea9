package cli

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/chain-sleuth/sleuth/internal/daemon"
	"github.com/spf13/cobra"
)

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := daemon.LoadConfig()
		if err != nil {
			return err
		}
		cfg.Analysis.APIKey = redact(cfg.Analysis.APIKey)
		cfg.Contract.RelayerAPIKey = redact(cfg.Contract.RelayerAPIKey)
		fmt.Printf("# %s\n", daemon.ConfigPath())
		return toml.NewEncoder(os.Stdout).Encode(cfg)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := daemon.ConfigPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := daemon.SaveConfig(daemon.DefaultConfig()); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

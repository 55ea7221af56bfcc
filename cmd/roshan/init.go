package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initAPIKey string

func init() {
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "Gateway API key")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <gateway-url>",
	Short: "Store gateway settings in ~/.roshan/config.toml",
	Long:  "Initialize the Roshan CLI by storing the gateway URL (and optionally the API key) in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Gateway.URL = args[0]
		if initAPIKey != "" {
			cfg.Gateway.APIKey = initAPIKey
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Gateway settings saved to %s\n", path)
		return nil
	},
}

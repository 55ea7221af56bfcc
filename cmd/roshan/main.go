package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.roshan/config.toml.
type Config struct {
	Gateway ConfigGateway `toml:"gateway"`
	Client  ConfigClient  `toml:"client"`
}

// ConfigGateway holds the hosted-service endpoint settings.
type ConfigGateway struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// ConfigClient holds local client preferences.
type ConfigClient struct {
	DefaultGroup    string `toml:"default_group"`
	MessagesPerPage int    `toml:"messages_per_page"`
	UsersPerPage    int    `toml:"users_per_page"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.roshan, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".roshan")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// statePath returns the full path to the local session database.
func statePath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.db"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "gateway.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. gateway.url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "gateway":
		switch field {
		case "url":
			cfg.Gateway.URL = value
		case "api_key":
			cfg.Gateway.APIKey = value
		default:
			return fmt.Errorf("unknown field %q in section [gateway]", field)
		}
	case "client":
		switch field {
		case "default_group":
			cfg.Client.DefaultGroup = value
		case "messages_per_page":
			n, err := parsePositive(value)
			if err != nil {
				return err
			}
			cfg.Client.MessagesPerPage = n
		case "users_per_page":
			n, err := parsePositive(value)
			if err != nil {
				return err
			}
			cfg.Client.UsersPerPage = n
		default:
			return fmt.Errorf("unknown field %q in section [client]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: gateway, client)", section)
	}
	return nil
}

func parsePositive(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("value must be a positive integer, got %q", s)
	}
	return n, nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "roshan",
	Short: "Roshan chat CLI",
	Long:  "Command-line client for a Roshan chat gateway.\nLog in, send messages, manage groups and users, and watch live traffic.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

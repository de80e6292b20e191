// Package syftbox provides access to a SyftBox client workspace: the
// client configuration file, the datasite directory layout, and helpers
// for publishing files into a datasite.
package syftbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ConfigPathEnv overrides the default location of the client config
// file.
const ConfigPathEnv = "SYFTBOX_CLIENT_CONFIG_PATH"

// defaultConfigRelPath is the config location relative to the user's
// home directory.
const defaultConfigRelPath = ".syftbox/config.json"

// DefaultServerURL is assumed when the config names no server.
const DefaultServerURL = "https://syftbox.net"

// Config mirrors the SyftBox client's config.json.
type Config struct {
	DataDir   string `json:"data_dir" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
	ServerURL string `json:"server_url,omitempty" validate:"omitempty,url"`
	ClientURL string `json:"client_url,omitempty" validate:"omitempty,url"`
}

// DefaultConfigPath returns the config file location: the
// SYFTBOX_CLIENT_CONFIG_PATH environment variable when set, otherwise
// ~/.syftbox/config.json.
func DefaultConfigPath() string {
	if p := os.Getenv(ConfigPathEnv); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigRelPath
	}
	return filepath.Join(home, defaultConfigRelPath)
}

// LoadConfig reads and validates a client config. An empty path loads
// from DefaultConfigPath; a missing server_url falls back to
// DefaultServerURL.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read syftbox config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse syftbox config: %w", err)
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config's struct tags and reports failures as
// readable field messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				switch e.Tag() {
				case "required":
					msgs = append(msgs, fmt.Sprintf("%s is required", e.Namespace()))
				case "email":
					msgs = append(msgs, fmt.Sprintf("%s must be a valid email", e.Namespace()))
				case "url":
					msgs = append(msgs, fmt.Sprintf("%s must be a valid URL", e.Namespace()))
				default:
					msgs = append(msgs, fmt.Sprintf("%s failed validation: %s", e.Namespace(), e.Tag()))
				}
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// Save writes the config as indented JSON, creating parent directories
// as needed. The file is written 0600 since workspace configs may sit
// next to credentials.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal syftbox config: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write syftbox config: %w", err)
	}
	return nil
}

// Copyright (c) 2026 Keywarden Team
// Keywarden - subscription key lifecycle & panel reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config provides configuration loading, merging, and persistence
// helpers for Keywarden. It uses Viper for file/env/flag parsing and exposes
// utility functions to read/write configuration files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the application configuration as persisted in keywarden.yaml.
// The tags keep the viper keys and the written YAML in sync.
type Config struct {
	Database struct {
		Type string `mapstructure:"type" yaml:"type"`
		Dsn  string `mapstructure:"dsn" yaml:"dsn"`
	} `mapstructure:"database" yaml:"database"`
	Language string `mapstructure:"language" yaml:"language"`
	Backup   struct {
		Dir  string `mapstructure:"dir" yaml:"dir"`
		Keep int    `mapstructure:"keep" yaml:"keep"`
	} `mapstructure:"backup" yaml:"backup"`
	Scheduler struct {
		TickSeconds         int `mapstructure:"tick_seconds" yaml:"tick_seconds"`
		Concurrency         int `mapstructure:"concurrency" yaml:"concurrency"`
		ProbeIntervalHours  int `mapstructure:"probe_interval_hours" yaml:"probe_interval_hours"`
		ProbeTimeoutSeconds int `mapstructure:"probe_timeout_seconds" yaml:"probe_timeout_seconds"`
	} `mapstructure:"scheduler" yaml:"scheduler"`
}

// GetConfigPath returns the full path for the configuration file.
func GetConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "Keywarden")
		default: // Linux, macOS, etc.
			configDir = "/etc/keywarden"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "keywarden")
	}

	return filepath.Join(configDir, "keywarden.yaml"), nil
}

// LoadConfig resolves configuration for a command: defaults first, then the
// first keywarden.yaml found on the search path (or an explicit --config
// file), then KEYWARDEN_* environment variables, then bound command flags.
//
// When no config file exists the returned config is still fully resolved
// from the remaining sources, and the error is viper.ConfigFileNotFoundError
// so callers can treat it as a first run and persist defaults.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, explicitPath *string) (T, error) {
	var c T
	var notFound error
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("keywarden")
	v.SetConfigType("yaml")

	// An explicit config file from the --config flag has the highest
	// precedence for file-based configuration.
	if explicitPath != nil {
		v.SetConfigFile(*explicitPath)
	}

	if userConfigPath, err := GetConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := GetConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file only gets reported after the rest of the
		// pipeline ran; anything else aborts.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return c, err
		}
		notFound = err
	}

	mergeLegacyConfig(v)

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix("keywarden")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return c, err
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}

	return c, notFound
}

// mergeLegacyConfig merges a `.keywarden.yaml` from the current directory if
// one exists. Early deployments used the dotfile name.
func mergeLegacyConfig(v *viper.Viper) {
	legacyConfigFile := ".keywarden.yaml"
	if _, err := os.Stat(legacyConfigFile); err == nil {
		v.SetConfigFile(legacyConfigFile)
		// A malformed legacy file should not break startup.
		_ = v.MergeInConfig()
		v.SetConfigFile("")
	}
}

// WriteConfigFile persists the configuration to the standard location.
func WriteConfigFile[T any](c *T, system bool) error {
	path, err := GetConfigPath(system)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}

	// 0600 because the DSN and panel credentials may contain secrets.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}

	return nil
}

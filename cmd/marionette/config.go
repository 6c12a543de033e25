package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/marionette/pkg/chatclient"
)

// fileConfig is the on-disk YAML shape. Everything is optional; flags win
// over file values and defaults fill the rest.
type fileConfig struct {
	GatewayURL string   `yaml:"gateway_url"`
	Token      string   `yaml:"token"`
	Scopes     []string `yaml:"scopes"`

	StorePath string `yaml:"store_path"`

	SendTimeoutSec    int `yaml:"send_timeout_seconds"`
	HistoryTimeoutSec int `yaml:"history_timeout_seconds"`
	HistoryLimit      int `yaml:"history_limit"`

	MaxAutoConnectAttempts int `yaml:"max_auto_connect_attempts"`
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".marionette", "config.yaml")
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "marionette.db"
	}
	return filepath.Join(home, ".marionette", "state.db")
}

// loadFileConfig reads the YAML config. Missing or malformed files yield an
// empty config, never an error.
func loadFileConfig(path string) fileConfig {
	cfg := fileConfig{}
	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("component", "cli").Str("path", path).Msg("could not read config file")
		}
		return fileConfig{}
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Warn().Err(err).Str("component", "cli").Str("path", path).Msg("malformed config file, using defaults")
		return fileConfig{}
	}
	return cfg
}

func (c fileConfig) runtimeConfig(flagURL, flagToken string) chatclient.Config {
	cfg := chatclient.DefaultConfig()
	cfg.GatewayURL = c.GatewayURL
	if flagURL != "" {
		cfg.GatewayURL = flagURL
	}
	cfg.Token = c.Token
	if flagToken != "" {
		cfg.Token = flagToken
	}
	cfg.Scopes = c.Scopes
	if c.SendTimeoutSec > 0 {
		cfg.SendTimeout = time.Duration(c.SendTimeoutSec) * time.Second
	}
	if c.HistoryTimeoutSec > 0 {
		cfg.HistoryTimeout = time.Duration(c.HistoryTimeoutSec) * time.Second
	}
	if c.HistoryLimit > 0 {
		cfg.HistoryLimit = c.HistoryLimit
	}
	if c.MaxAutoConnectAttempts > 0 {
		cfg.MaxAutoConnectAttempts = c.MaxAutoConnectAttempts
	}
	return cfg
}

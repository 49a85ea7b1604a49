package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envConfigDir      = "OPSDECK_CONFIG_DEFAULT_PATH"
	defaultConfigName = "config.yaml"
)

// Load resolves configuration with precedence defaults < config file <
// OPSDECK_* env vars, and returns the config file path that was used.
// A missing config file is not an error: a default one is written so the
// operator has something to edit.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	seedDefaults(v, cfg)

	v.SetEnvPrefix("OPSDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := configPath(explicitPath)
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return cfg, path, fmt.Errorf("read config: %w", err)
		}
		materializeDefaults(logger, v, path, cfg)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, path, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, path, nil
}

func seedDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("history_path", cfg.HistoryPath)
	v.SetDefault("shutdown_timeout", cfg.ShutdownTimeout)
	v.SetDefault("backend.url", cfg.Backend.URL)
	v.SetDefault("backend.realtime_url", cfg.Backend.RealtimeURL)
	v.SetDefault("backend.api_key", cfg.Backend.APIKey)
	v.SetDefault("backend.email", cfg.Backend.Email)
	v.SetDefault("backend.password", cfg.Backend.Password)
	v.SetDefault("calls.reject_busy", cfg.Calls.RejectBusy)
	v.SetDefault("calls.ring_timeout", cfg.Calls.RingTimeout)
	v.SetDefault("calls.ice_servers", cfg.Calls.ICEServers)
}

// materializeDefaults writes a starter config file and re-reads it so a
// first run and every later run go through the same code path. Failures
// here are logged, not fatal: the defaults already seeded into v apply.
func materializeDefaults(logger *zerolog.Logger, v *viper.Viper, path string, cfg Config) {
	if err := writeConfigFile(path, cfg); err != nil {
		if logger != nil {
			logger.Warn().Err(err).Str("path", path).Msg("failed to write default config")
		}
		return
	}
	if logger != nil {
		logger.Info().Str("path", path).Msg("created default config")
	}
	if err := v.ReadInConfig(); err != nil && logger != nil {
		logger.Warn().Err(err).Str("path", path).Msg("failed to read config after writing default")
	}
}

// configPath picks the config file location: the explicit flag wins, then
// the OPSDECK_CONFIG_DEFAULT_PATH directory, then the working directory.
func configPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}
	if dir := os.Getenv(envConfigDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err == nil {
			return filepath.Join(dir, defaultConfigName)
		}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeConfigFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

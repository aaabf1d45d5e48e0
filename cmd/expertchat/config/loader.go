// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvPort         = "EXPERTCHAT_PORT"
	EnvDBPath       = "EXPERTCHAT_DB_PATH"
	EnvMasterKey    = "EXPERTCHAT_MASTER_KEY"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// DefaultPath returns ~/.expertchat/expertchat.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".expertchat", "expertchat.yaml"), nil
}

// Load reads the config at path, creating it with DefaultConfig when it
// does not exist.
//
// # Description
//
// Fields missing from the file keep their default values. Environment
// overrides are applied after parsing and "~" is expanded in every path.
// The result is validated.
//
// # Inputs
//
//   - path: Config file. Empty means DefaultPath().
//
// # Outputs
//
//   - Config: Effective configuration.
//   - error: Unreadable or invalid file.
func Load(path string) (Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		path = p
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		slog.Info("First run detected, creating the config", "path", path)
		if err := createDefault(path); err != nil {
			return Config{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	return parse(data, os.Getenv)
}

// parse decodes data over the defaults and applies overrides from getenv.
func parse(data []byte, getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse the config: %w", err)
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Jobs.JournalDir = expandPath(cfg.Jobs.JournalDir)
	cfg.Security.MasterKeyFile = expandPath(cfg.Security.MasterKeyFile)
	cfg.Logging.Dir = expandPath(cfg.Logging.Dir)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Server.Port = port
	}
	if v := strings.TrimSpace(getenv(EnvDBPath)); v != "" {
		cfg.Database.Path = v
	}
	if v := getenv(EnvMasterKey); v != "" {
		cfg.Security.MasterKey = v
	}
	if v := strings.TrimSpace(getenv(EnvOTLPEndpoint)); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	return nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Database.Path == "":
		return errors.New("database.path is required")
	case c.LLM.DefaultModel == "":
		return errors.New("llm.default_model is required")
	case c.LLM.Temperature < 0 || c.LLM.Temperature > 2:
		return fmt.Errorf("llm.temperature %.2f out of range [0, 2]", c.LLM.Temperature)
	}
	switch c.Telemetry.TraceExporter {
	case "otlp", "stdout", "none", "":
	default:
		return fmt.Errorf("telemetry.trace_exporter %q is not one of otlp, stdout, none", c.Telemetry.TraceExporter)
	}
	switch c.Telemetry.MetricsExporter {
	case "prometheus", "stdout", "none", "":
	default:
		return fmt.Errorf("telemetry.metrics_exporter %q is not one of prometheus, stdout, none", c.Telemetry.MetricsExporter)
	}
	for token, user := range c.Auth.Tokens {
		if strings.TrimSpace(token) == "" || strings.TrimSpace(user) == "" {
			return errors.New("auth.tokens entries need a token and a user id")
		}
	}
	return nil
}

// MasterKeyBytes returns the credential sealing secret.
//
// # Description
//
// EXPERTCHAT_MASTER_KEY wins when set. Otherwise the key is read from
// Security.MasterKeyFile; a missing file is created with 32 random bytes,
// hex encoded, mode 0600.
func (c Config) MasterKeyBytes() ([]byte, error) {
	if c.Security.MasterKey != "" {
		return []byte(c.Security.MasterKey), nil
	}
	path := c.Security.MasterKeyFile
	if path == "" {
		return nil, fmt.Errorf("no master key: set %s or security.master_key_file", EnvMasterKey)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
		data = []byte(hex.EncodeToString(raw))
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create master key dir: %w", err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, fmt.Errorf("write master key: %w", err)
		}
		slog.Info("Generated a new master key", "path", path)
		return data, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read master key: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return nil, fmt.Errorf("master key file %s is empty", path)
	}
	return []byte(key), nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the ExpertChat service configuration.
//
// # Description
//
// Configuration lives in one YAML file, by default
// ~/.expertchat/expertchat.yaml, created with defaults on first run. A few
// environment variables override file values so containers can run
// without a config file edit. Watch reloads the file on change; only the
// fallback backend, default model and log level take effect without a
// restart.
package config

import (
	"time"
)

// Config is the root of expertchat.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Context   ContextConfig   `yaml:"context"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Security  SecurityConfig  `yaml:"security"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig holds the process-wide upstream defaults.
type LLMConfig struct {
	// DefaultModel is used when neither the expert nor the conversation
	// names one.
	DefaultModel string `yaml:"default_model"`

	// Fallback is the backend used when no configured backend applies.
	Fallback FallbackBackend `yaml:"fallback"`

	Temperature float32 `yaml:"temperature"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// FallbackBackend is an OpenAI-compatible endpoint. APIKey may be empty
// for local servers.
type FallbackBackend struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key,omitempty"`
	OrgID   string `yaml:"org_id,omitempty"`
}

type ContextConfig struct {
	HistoryWindow     int `yaml:"history_window"`
	MemoryLimit       int `yaml:"memory_limit"`
	DocumentCharLimit int `yaml:"document_char_limit"`
}

type JobsConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	JobTimeout    time.Duration `yaml:"job_timeout"`

	// JournalDir holds the badger journal of pending jobs. Empty disables
	// the journal.
	JournalDir string        `yaml:"journal_dir"`
	JournalTTL time.Duration `yaml:"journal_ttl"`
}

// SecurityConfig controls credential sealing. The master key is read from
// EXPERTCHAT_MASTER_KEY when set, otherwise from MasterKeyFile.
type SecurityConfig struct {
	MasterKeyFile string        `yaml:"master_key_file"`
	KeyCacheTTL   time.Duration `yaml:"key_cache_ttl"`
	Argon2        Argon2Config  `yaml:"argon2"`

	// MasterKey is never read from or written to the file.
	MasterKey string `yaml:"-"`
}

type Argon2Config struct {
	Time      uint32 `yaml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
}

// AuthConfig maps bearer tokens to user ids. An empty map runs the
// service for a single local user with no authentication.
type AuthConfig struct {
	Tokens map[string]string `yaml:"tokens,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// TelemetryConfig selects exporters. TraceExporter is otlp, stdout or
// none; MetricsExporter is prometheus, stdout or none.
type TelemetryConfig struct {
	TraceExporter   string `yaml:"trace_exporter"`
	OTLPEndpoint    string `yaml:"otlp_endpoint"`
	MetricsExporter string `yaml:"metrics_exporter"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            12210,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{Path: "~/.expertchat/expertchat.db"},
		LLM: LLMConfig{
			DefaultModel:   "llama3",
			Fallback:       FallbackBackend{BaseURL: "http://localhost:11434"},
			Temperature:    0.7,
			RequestTimeout: 120 * time.Second,
		},
		Context: ContextConfig{
			HistoryWindow:     30,
			MemoryLimit:       10,
			DocumentCharLimit: 8000,
		},
		Jobs: JobsConfig{
			Workers:       2,
			QueueSize:     64,
			RatePerSecond: 2,
			JobTimeout:    2 * time.Minute,
			JournalDir:    "~/.expertchat/jobs",
			JournalTTL:    time.Hour,
		},
		Security: SecurityConfig{
			MasterKeyFile: "~/.expertchat/master.key",
			KeyCacheTTL:   10 * time.Minute,
			Argon2:        Argon2Config{Time: 2, MemoryKiB: 19 * 1024, Threads: 1},
		},
		Logging: LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			TraceExporter:   "none",
			OTLPEndpoint:    "localhost:4317",
			MetricsExporter: "prometheus",
		},
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads grokysis configuration from YAML with GROKYSIS_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

// Config is the complete grokysis configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Searchfox SearchfoxConfig `yaml:"searchfox"`
	KB        KBConfig        `yaml:"kb"`
	Doodle    DoodleConfig    `yaml:"doodle"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP server started by "grokysis serve".
type ServerConfig struct {
	Listen          string        `yaml:"listen" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	GinMode         string        `yaml:"gin_mode" validate:"oneof=debug release test"`
}

// SearchfoxConfig selects the searchfox instance and tree, and bounds the
// client with a rate limit, a response cache and a request timeout.
type SearchfoxConfig struct {
	BaseURL           string        `yaml:"base_url" validate:"required,url"`
	Tree              string        `yaml:"tree" validate:"required"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
	CacheSize         int           `yaml:"cache_size" validate:"gte=0"`
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
}

// KBConfig tunes the knowledge base.
type KBConfig struct {
	// EdgeSanityLimit caps the neighbor count followed by a hop bump.
	EdgeSanityLimit int `yaml:"edge_sanity_limit" validate:"gte=0"`
}

// DoodleConfig bounds call-graph traversal and identifier resolution.
type DoodleConfig struct {
	MaxBranching int `yaml:"max_branching" validate:"gte=0"`
	Concurrency  int `yaml:"concurrency" validate:"gte=0,lte=256"`
}

// StorageConfig locates the badger session store.
type StorageConfig struct {
	// DataDir holds the session database. Empty keeps sessions in memory.
	DataDir    string        `yaml:"data_dir"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// LoggingConfig maps onto logging.Config. An empty Dir disables file
// logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
	Dir    string `yaml:"dir"`
}

// TelemetryConfig picks the OpenTelemetry trace and metric exporters.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	Environment    string `yaml:"environment"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:8642",
			ShutdownTimeout: 10 * time.Second,
			GinMode:         "release",
		},
		Searchfox: SearchfoxConfig{
			BaseURL:           "https://searchfox.org",
			Tree:              "mozilla-central",
			RequestsPerSecond: 8,
			Burst:             4,
			CacheSize:         512,
			Timeout:           30 * time.Second,
		},
		KB:     KBConfig{EdgeSanityLimit: 32},
		Doodle: DoodleConfig{MaxBranching: 12, Concurrency: 8},
		Storage: StorageConfig{
			GCInterval: 10 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", Format: "auto"},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
			Environment:    "development",
		},
	}
}

// Load reads path over the defaults, applies the environment and
// validates the result. An empty path skips the file.
//
// Outputs:
//
//	Config - The effective configuration.
//	error - Read or parse failure, or ErrInvalidConfig.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from GROKYSIS_* variables found by lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("GROKYSIS_LISTEN", &cfg.Server.Listen)
	str("GROKYSIS_GIN_MODE", &cfg.Server.GinMode)
	str("GROKYSIS_SEARCHFOX_URL", &cfg.Searchfox.BaseURL)
	str("GROKYSIS_TREE", &cfg.Searchfox.Tree)
	str("GROKYSIS_DATA_DIR", &cfg.Storage.DataDir)
	str("GROKYSIS_LOG_LEVEL", &cfg.Logging.Level)
	str("GROKYSIS_LOG_FORMAT", &cfg.Logging.Format)
	str("GROKYSIS_LOG_DIR", &cfg.Logging.Dir)
	str("GROKYSIS_TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("GROKYSIS_METRIC_EXPORTER", &cfg.Telemetry.MetricExporter)
	str("GROKYSIS_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("GROKYSIS_ENV", &cfg.Telemetry.Environment)

	if v, ok := lookup("GROKYSIS_RPS"); ok && v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: GROKYSIS_RPS: %v", ErrInvalidConfig, err)
		}
		cfg.Searchfox.RequestsPerSecond = rps
	}
	if v, ok := lookup("GROKYSIS_MAX_BRANCHING"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: GROKYSIS_MAX_BRANCHING: %v", ErrInvalidConfig, err)
		}
		cfg.Doodle.MaxBranching = n
	}
	return nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q (value %v)", ErrInvalidConfig, fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// WriteDefault writes the defaults to path, creating its directory.
// An existing file is left untouched.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the mlcore YAML configuration.
//
// The file lives at ~/.mlcore/mlcore.yaml unless a path is given and is
// created with defaults on first run. MLCORE_* environment variables
// override individual fields after the file is read.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath returns ~/.mlcore/mlcore.yaml.
func DefaultPath() string {
	return filepath.Join(baseDir(), "mlcore.yaml")
}

// Load reads the config at path, creating it with defaults if missing.
//
// # Inputs
//
//   - path: Config file. Empty means DefaultPath().
//
// # Outputs
//
//   - MLCoreConfig: File values over defaults, then env overrides.
//   - error: Unreadable or invalid file, or a failed validation.
func Load(path string) (MLCoreConfig, error) {
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Info("First run detected, creating the config", "path", path)
		if err := createDefault(path); err != nil {
			return MLCoreConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return MLCoreConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}

	// Fields missing from the file keep their defaults.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return MLCoreConfig{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}

	applyEnv(&cfg)
	cfg.Cache.Dir = expandPath(cfg.Cache.Dir)
	cfg.Assets.Dir = expandPath(cfg.Assets.Dir)
	cfg.Logging.Dir = expandPath(cfg.Logging.Dir)
	cfg.Server.ImageDir = expandPath(cfg.Server.ImageDir)

	if err := cfg.Validate(); err != nil {
		return MLCoreConfig{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks values that would otherwise fail late.
func (c MLCoreConfig) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Cache.Dir == "" {
		errs = append(errs, errors.New("cache.dir is required"))
	}
	if c.Assets.Dir == "" {
		errs = append(errs, errors.New("assets.dir is required"))
	}
	if ext := c.Assets.DefaultExtension; ext != "" && !strings.HasPrefix(ext, ".") {
		errs = append(errs, fmt.Errorf("assets.default_extension %q must start with a dot", ext))
	}
	if c.Generation.MaxTokens < 1 {
		errs = append(errs, errors.New("generation.max_tokens must be at least 1"))
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		errs = append(errs, errors.New("generation.temperature must be between 0 and 2"))
	}
	if c.Generation.Llama.Port < 0 || c.Generation.Llama.Port > 65535 {
		errs = append(errs, fmt.Errorf("generation.llama.port %d out of range", c.Generation.Llama.Port))
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout":
	case "otlp":
		if c.Telemetry.Endpoint == "" {
			errs = append(errs, errors.New("telemetry.endpoint is required for the otlp exporter"))
		}
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter %q is not one of none, stdout, otlp", c.Telemetry.Exporter))
	}
	return errors.Join(errs...)
}

// applyEnv overlays MLCORE_* variables.
func applyEnv(c *MLCoreConfig) {
	c.Server.Port = getEnvInt("MLCORE_PORT", c.Server.Port)
	c.Server.APIKey = getEnvString("MLCORE_API_KEY", c.Server.APIKey)
	c.Server.ImageDir = getEnvString("MLCORE_IMAGE_DIR", c.Server.ImageDir)
	c.Cache.Dir = getEnvString("MLCORE_CACHE_DIR", c.Cache.Dir)
	c.Assets.Dir = getEnvString("MLCORE_ASSETS_DIR", c.Assets.Dir)
	c.Download.Timeout = getEnvDuration("MLCORE_DOWNLOAD_TIMEOUT", c.Download.Timeout)
	c.Generation.DefaultModel = getEnvString("MLCORE_DEFAULT_MODEL", c.Generation.DefaultModel)
	c.Generation.Llama.Binary = getEnvString("MLCORE_LLAMA_BINARY", c.Generation.Llama.Binary)
	c.Generation.Llama.Port = getEnvInt("MLCORE_LLAMA_PORT", c.Generation.Llama.Port)
	c.Classification.Ollama.BaseURL = getEnvString("MLCORE_OLLAMA_URL", c.Classification.Ollama.BaseURL)
	c.Classification.Ollama.Model = getEnvString("MLCORE_OLLAMA_MODEL", c.Classification.Ollama.Model)
	c.Telemetry.Exporter = getEnvString("MLCORE_OTEL_EXPORTER", c.Telemetry.Exporter)
	c.Telemetry.Endpoint = getEnvString("MLCORE_OTEL_ENDPOINT", c.Telemetry.Endpoint)
	c.Logging.Level = getEnvString("MLCORE_LOG_LEVEL", c.Logging.Level)
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration parses values like "45m".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

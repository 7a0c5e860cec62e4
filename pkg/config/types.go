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
	"os"
	"path/filepath"
	"time"
)

// MLCoreConfig is the on-disk configuration of the mlcore service and CLI.
type MLCoreConfig struct {
	Server         ServerConfig         `yaml:"server"`
	Cache          CacheConfig          `yaml:"cache"`
	Assets         AssetsConfig         `yaml:"assets"`
	Download       DownloadConfig       `yaml:"download"`
	Generation     GenerationConfig     `yaml:"generation"`
	Classification ClassificationConfig `yaml:"classification"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Logging        LoggingConfig        `yaml:"logging"`
}

type ServerConfig struct {
	Port int `yaml:"port"` // e.g. 12230

	// APIKey guards /v1 when set. Prefer MLCORE_API_KEY over the file.
	APIKey string `yaml:"api_key,omitempty"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// ImageDir is the only directory /v1/classify may read imagePath from.
	// Empty disables imagePath over HTTP; clients send base64Image instead.
	ImageDir string `yaml:"image_dir,omitempty"`
}

type CacheConfig struct {
	Dir string `yaml:"dir"`

	// Index enables the badger size/sha256 integrity index.
	Index bool `yaml:"index"`
}

type AssetsConfig struct {
	Dir              string `yaml:"dir"`
	DefaultExtension string `yaml:"default_extension"` // e.g. ".gguf"

	// Watch reloads classifiers when files in Dir change.
	Watch bool `yaml:"watch"`
}

type DownloadConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`

	// GCSDefaultCredentials lets tokenless gs:// fetches use Application
	// Default Credentials.
	GCSDefaultCredentials bool `yaml:"gcs_default_credentials"`
}

type GenerationConfig struct {
	// DefaultModel is the bundled model used when a request names none.
	DefaultModel string `yaml:"default_model"`

	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TopK        int     `yaml:"top_k"`
	RandomSeed  int     `yaml:"random_seed"`

	// Warmup starts loading the default model when the server starts.
	Warmup bool `yaml:"warmup"`

	Llama LlamaConfig `yaml:"llama"`
}

type LlamaConfig struct {
	Binary         string        `yaml:"binary"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"` // 0 picks a free port
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	ExtraArgs      []string      `yaml:"extra_args,omitempty"`
}

type ClassificationConfig struct {
	// CustomManifest is the prototype model file name inside the assets dir.
	CustomManifest string `yaml:"custom_manifest"`

	Ollama OllamaConfig `yaml:"ollama"`
}

type OllamaConfig struct {
	Enabled    bool     `yaml:"enabled"`
	BaseURL    string   `yaml:"base_url"`
	Model      string   `yaml:"model"`
	MinVersion string   `yaml:"min_version"`
	Labels     []string `yaml:"labels,omitempty"`
}

type TelemetryConfig struct {
	// Exporter is "none", "stdout" or "otlp".
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// baseDir is ~/.mlcore, or ./.mlcore when the home directory is unknown.
func baseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mlcore"
	}
	return filepath.Join(home, ".mlcore")
}

func DefaultConfig() MLCoreConfig {
	base := baseDir()
	return MLCoreConfig{
		Server: ServerConfig{
			Port:            12230,
			ShutdownTimeout: 15 * time.Second,
		},
		Cache: CacheConfig{
			Dir:   filepath.Join(base, "cache"),
			Index: true,
		},
		Assets: AssetsConfig{
			Dir:              filepath.Join(base, "assets"),
			DefaultExtension: ".gguf",
			Watch:            true,
		},
		Download: DownloadConfig{
			Timeout:   30 * time.Minute,
			UserAgent: "AleutianEdge/1.0",
		},
		Generation: GenerationConfig{
			DefaultModel: "model",
			MaxTokens:    100,
			Temperature:  0.7,
			TopK:         40,
			RandomSeed:   101,
			Llama: LlamaConfig{
				Binary:         "llama-server",
				Host:           "127.0.0.1",
				StartupTimeout: 2 * time.Minute,
			},
		},
		Classification: ClassificationConfig{
			CustomManifest: "custom_classifier.yaml",
			Ollama: OllamaConfig{
				Enabled:    true,
				BaseURL:    "http://localhost:11434",
				Model:      "llava",
				MinVersion: "0.1.30",
			},
		},
		Telemetry: TelemetryConfig{Exporter: "none"},
		Logging:   LoggingConfig{Level: "info", Dir: filepath.Join(base, "logs")},
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llamacpp implements generation.Engine on top of a managed
// llama-server process.
//
// # Description
//
// NewEngine starts `llama-server -m <model>` bound to loopback, polls its
// /health endpoint until the model is loaded, and then sends prompts to the
// OpenAI-compatible /v1/completions endpoint. Sampling parameters are fixed
// on the server command line at construction.
package llamacpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianEdge/services/mlcore/datatypes"
	"github.com/AleutianAI/AleutianEdge/services/mlcore/generation"
	"github.com/sashabaranov/go-openai"
)

const (
	DefaultBinary         = "llama-server"
	DefaultHost           = "127.0.0.1"
	DefaultStartupTimeout = 2 * time.Minute
	DefaultHealthInterval = 100 * time.Millisecond
	stopGracePeriod       = 5 * time.Second
)

// =============================================================================
// Process launching
// =============================================================================

// Process is a running server process.
type Process interface {
	// Done is closed when the process exits.
	Done() <-chan struct{}

	// Stop terminates the process and waits for it to exit.
	Stop() error
}

// Launcher starts server processes. ExecLauncher is the real one.
type Launcher interface {
	Launch(ctx context.Context, binary string, args []string) (Process, error)
}

// ExecLauncher runs the binary with os/exec. Output, when non-nil, receives
// the server's stdout and stderr.
type ExecLauncher struct {
	Output io.Writer
}

// Launch starts the process. It is not tied to ctx: the server must outlive
// the call that started it.
func (l ExecLauncher) Launch(_ context.Context, binary string, args []string) (Process, error) {
	cmd := exec.Command(binary, args...)
	out := l.Output
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", binary, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

// Stop sends SIGTERM, then SIGKILL after a grace period.
func (p *execProcess) Stop() error {
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.done:
		case <-time.After(stopGracePeriod):
			_ = p.cmd.Process.Kill()
			<-p.done
		}
	})
	return nil
}

// =============================================================================
// Factory
// =============================================================================

// Config configures the engine factory.
type Config struct {
	// BinaryPath is the llama-server executable. Default "llama-server".
	BinaryPath string

	// Host is the bind address. Default 127.0.0.1.
	Host string

	// Port is the listen port. Zero picks a free port.
	Port int

	// ExtraArgs are appended to the generated command line.
	ExtraArgs []string

	StartupTimeout time.Duration
	HealthInterval time.Duration

	// Launcher defaults to ExecLauncher{}.
	Launcher Launcher

	// HTTPClient is used for health checks and completions.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Factory implements generation.EngineFactory.
type Factory struct {
	cfg Config
}

var _ generation.EngineFactory = (*Factory)(nil)

// NewFactory fills defaults and returns a Factory.
func NewFactory(cfg Config) *Factory {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = DefaultBinary
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.Launcher == nil {
		cfg.Launcher = ExecLauncher{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Factory{cfg: cfg}
}

// NewEngine launches a server for modelPath and waits for it to load.
//
// # Description
//
// This is the long blocking step of session initialization. The process is
// stopped if it fails to become healthy within StartupTimeout, exits early,
// or ctx ends first.
//
// # Inputs
//
//   - ctx: Bounds the health wait.
//   - modelPath: Local model file.
//   - params: Sampling parameters, fixed for the engine's lifetime.
//
// # Outputs
//
//   - generation.Engine: A ready engine. Close stops the server.
//   - error: Launch, early-exit or startup timeout failure.
func (f *Factory) NewEngine(ctx context.Context, modelPath string, params datatypes.GenerationParams) (generation.Engine, error) {
	port := f.cfg.Port
	if port == 0 {
		p, err := freePort(f.cfg.Host)
		if err != nil {
			return nil, err
		}
		port = p
	}

	args := append(BuildArgs(modelPath, f.cfg.Host, port, params), f.cfg.ExtraArgs...)
	f.cfg.Logger.Info("starting llama-server",
		"binary", f.cfg.BinaryPath,
		"model", modelPath,
		"port", port)

	proc, err := f.cfg.Launcher.Launch(ctx, f.cfg.BinaryPath, args)
	if err != nil {
		return nil, err
	}

	baseURL := "http://" + net.JoinHostPort(f.cfg.Host, strconv.Itoa(port))
	start := time.Now()
	if err := f.waitHealthy(ctx, proc, baseURL); err != nil {
		_ = proc.Stop()
		return nil, err
	}
	f.cfg.Logger.Info("llama-server ready",
		"model", modelPath,
		"duration_ms", time.Since(start).Milliseconds())

	oc := openai.DefaultConfig("")
	oc.BaseURL = baseURL + "/v1"
	oc.HTTPClient = f.cfg.HTTPClient

	return &Engine{
		client: openai.NewClientWithConfig(oc),
		model:  filepath.Base(modelPath),
		params: params,
		proc:   proc,
	}, nil
}

// waitHealthy polls /health until it returns 200.
func (f *Factory) waitHealthy(parent context.Context, proc Process, baseURL string) error {
	ctx, cancel := context.WithTimeout(parent, f.cfg.StartupTimeout)
	defer cancel()

	ticker := time.NewTicker(f.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		if f.healthy(ctx, baseURL) {
			return nil
		}
		select {
		case <-proc.Done():
			return errors.New("llama-server exited before the model finished loading")
		case <-ctx.Done():
			if parent.Err() != nil {
				return parent.Err()
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("llama-server did not become ready within %v", f.cfg.StartupTimeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *Factory) healthy(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := f.cfg.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// BuildArgs returns the llama-server command line for a model and params.
// Unset params fall back to the datatypes defaults.
func BuildArgs(modelPath, host string, port int, params datatypes.GenerationParams) []string {
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = datatypes.DefaultMaxTokens
	}
	temp := datatypes.DefaultTemperature
	if params.Temperature != nil {
		temp = *params.Temperature
	}
	topK := datatypes.DefaultTopK
	if params.TopK != nil {
		topK = *params.TopK
	}
	seed := datatypes.DefaultRandomSeed
	if params.RandomSeed != nil {
		seed = *params.RandomSeed
	}

	args := []string{
		"-m", modelPath,
		"--host", host,
		"--port", strconv.Itoa(port),
		"-n", strconv.Itoa(maxTokens),
		"--temp", strconv.FormatFloat(temp, 'f', -1, 64),
		"--top-k", strconv.Itoa(topK),
		"--seed", strconv.Itoa(seed),
	}
	if params.TopP != nil {
		args = append(args, "--top-p", strconv.FormatFloat(*params.TopP, 'f', -1, 64))
	}
	return args
}

func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("failed to allocate a port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// =============================================================================
// Engine
// =============================================================================

// Engine is a loaded model served by one llama-server process.
type Engine struct {
	client *openai.Client
	model  string
	params datatypes.GenerationParams
	proc   Process

	closeOnce sync.Once
	closeErr  error
}

var _ generation.Engine = (*Engine)(nil)

// Generate sends prompt to /v1/completions and returns the first choice.
func (e *Engine) Generate(ctx context.Context, prompt string) (string, error) {
	select {
	case <-e.proc.Done():
		return "", errors.New("llama-server is not running")
	default:
	}

	// A zero temperature is dropped from the request body; the server then
	// uses its --temp launch value, which BuildArgs set from the same params.
	req := openai.CompletionRequest{
		Model:     e.model,
		Prompt:    prompt,
		MaxTokens: e.params.MaxTokens,
		Seed:      e.params.RandomSeed,
	}
	if e.params.Temperature != nil {
		req.Temperature = float32(*e.params.Temperature)
	}
	if e.params.TopP != nil {
		req.TopP = float32(*e.params.TopP)
	}

	resp, err := e.client.CreateCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Text, nil
}

// Close stops the server process. It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.proc.Stop()
	})
	return e.closeErr
}

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the single YAML file read from the config directory.
const ConfigFileName = "vespid.yaml"

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Load vespid.yaml from configDir (optional; skipped when absent)
//  3. Expand environment variables ({{.VAR}} template syntax)
//  4. Merge YAML over defaults (set values win)
//  5. Apply environment-variable overrides for deployment knobs
//  6. Validate the result
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := DefaultConfig()
	cfg.configDir = configDir

	loaded, err := loadYAML(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if loaded != nil {
		if err := mergeConfig(cfg, loaded); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"run_queue", cfg.Queue.RunQueueName,
		"continuation_queue", cfg.Queue.ContinuationQueueName,
		"gateway_selection", cfg.Gateway.Selection,
		"llm_provider", cfg.LLM.Provider)

	return cfg, nil
}

// loadYAML reads and parses vespid.yaml, returning nil when the file does
// not exist. Environment variables are expanded before parsing.
func loadYAML(configDir string) (*Config, error) {
	path := filepath.Join(configDir, ConfigFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No configuration file, using defaults", "path", path)
			return nil, nil
		}
		return nil, NewLoadError(ConfigFileName, err)
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// Note: ExpandEnv passes through original data on parse/execution
	// errors, allowing the YAML parser to handle the content (or fail with
	// a clearer error message).
	data = ExpandEnv(data)

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, NewLoadError(ConfigFileName, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	return &loaded, nil
}

// mergeConfig merges the loaded YAML sections over the defaults. Only
// sections present in the file are touched; within a section, set values
// override.
func mergeConfig(dst, src *Config) error {
	sections := []struct {
		name string
		dst  any
		src  any
	}{
		{"queue", dst.Queue, src.Queue},
		{"gateway", dst.Gateway, src.Gateway},
		{"workflow", dst.Workflow, src.Workflow},
		{"agent", dst.Agent, src.Agent},
		{"llm", dst.LLM, src.LLM},
		{"masking", dst.Masking, src.Masking},
		{"retention", dst.Retention, src.Retention},
	}
	for _, s := range sections {
		if isNilPtr(s.src) {
			continue
		}
		if err := mergo.Merge(s.dst, s.src, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge %s config: %w", s.name, err)
		}
	}
	return nil
}

func isNilPtr(v any) bool {
	switch p := v.(type) {
	case *QueueConfig:
		return p == nil
	case *GatewayConfig:
		return p == nil
	case *WorkflowConfig:
		return p == nil
	case *AgentConfig:
		return p == nil
	case *LLMConfig:
		return p == nil
	case *MaskingConfig:
		return p == nil
	case *RetentionConfig:
		return p == nil
	default:
		return v == nil
	}
}

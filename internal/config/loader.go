package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"llamagate/internal/common/fsutil"
)

// EnvPrefix prefixes every environment override, e.g. LLAMAGATE_MODEL_PATH.
const EnvPrefix = "llamagate"

// Config holds runtime parameters for the service.
type Config struct {
	Addr   string       `json:"addr" yaml:"addr" toml:"addr" envconfig:"addr"`
	Model  ModelConfig  `json:"model" yaml:"model" toml:"model" envconfig:"model"`
	Engine EngineConfig `json:"engine" yaml:"engine" toml:"engine" envconfig:"engine"`
	Limits LimitsConfig `json:"limits" yaml:"limits" toml:"limits" envconfig:"limits"`
	HTTP   HTTPConfig   `json:"http" yaml:"http" toml:"http" envconfig:"http"`
	Log    LogConfig    `json:"log" yaml:"log" toml:"log" envconfig:"log"`
}

// ModelConfig describes the one model this gateway serves.
type ModelConfig struct {
	// ID is the name reported by /status; defaults to the file name.
	ID          string `json:"id" yaml:"id" toml:"id" envconfig:"id"`
	Path        string `json:"path" yaml:"path" toml:"path" envconfig:"path"`
	Threads     int    `json:"threads" yaml:"threads" toml:"threads" envconfig:"threads"`
	ContextSize int    `json:"context_size" yaml:"context_size" toml:"context_size" envconfig:"context_size"`
	// MaxContextSize caps ContextSize.
	MaxContextSize int `json:"max_context_size" yaml:"max_context_size" toml:"max_context_size" envconfig:"max_context_size"`
}

// EngineConfig selects and tunes the llama.cpp integration.
type EngineConfig struct {
	Kind         string   `json:"kind" yaml:"kind" toml:"kind" envconfig:"kind"`
	Binary       string   `json:"binary" yaml:"binary" toml:"binary" envconfig:"binary"`
	ExtraArgs    []string `json:"extra_args" yaml:"extra_args" toml:"extra_args" envconfig:"extra_args"`
	Host         string   `json:"host" yaml:"host" toml:"host" envconfig:"host"`
	PortStart    int      `json:"port_start" yaml:"port_start" toml:"port_start" envconfig:"port_start"`
	PortEnd      int      `json:"port_end" yaml:"port_end" toml:"port_end" envconfig:"port_end"`
	ReadyTimeout Duration `json:"ready_timeout" yaml:"ready_timeout" toml:"ready_timeout" envconfig:"ready_timeout"`
	StopGrace    Duration `json:"stop_grace" yaml:"stop_grace" toml:"stop_grace" envconfig:"stop_grace"`
}

// LimitsConfig bounds admission, execution time and request size.
type LimitsConfig struct {
	MaxConcurrent      int      `json:"max_concurrent" yaml:"max_concurrent" toml:"max_concurrent" envconfig:"max_concurrent"`
	QueueDepth         int      `json:"queue_depth" yaml:"queue_depth" toml:"queue_depth" envconfig:"queue_depth"`
	GenerationTimeout  Duration `json:"generation_timeout" yaml:"generation_timeout" toml:"generation_timeout" envconfig:"generation_timeout"`
	QueueWaitTimeout   Duration `json:"queue_wait_timeout" yaml:"queue_wait_timeout" toml:"queue_wait_timeout" envconfig:"queue_wait_timeout"`
	KillGrace          Duration `json:"kill_grace" yaml:"kill_grace" toml:"kill_grace" envconfig:"kill_grace"`
	MaxPromptChars     int      `json:"max_prompt_chars" yaml:"max_prompt_chars" toml:"max_prompt_chars" envconfig:"max_prompt_chars"`
	MaxTokensCeiling   int      `json:"max_tokens_ceiling" yaml:"max_tokens_ceiling" toml:"max_tokens_ceiling" envconfig:"max_tokens_ceiling"`
	DefaultMaxTokens   int      `json:"default_max_tokens" yaml:"default_max_tokens" toml:"default_max_tokens" envconfig:"default_max_tokens"`
	DefaultTemperature float64  `json:"default_temperature" yaml:"default_temperature" toml:"default_temperature" envconfig:"default_temperature"`
	MaxTemperature     float64  `json:"max_temperature" yaml:"max_temperature" toml:"max_temperature" envconfig:"max_temperature"`
	DefaultTopP        float64  `json:"default_top_p" yaml:"default_top_p" toml:"default_top_p" envconfig:"default_top_p"`
	RepeatPenalty      float64  `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty" envconfig:"repeat_penalty"`
	// Code-mode sampling defaults; 0 falls back to the chat value.
	CodeMaxTokens      int      `json:"code_max_tokens" yaml:"code_max_tokens" toml:"code_max_tokens" envconfig:"code_max_tokens"`
	CodeTemperature    float64  `json:"code_temperature" yaml:"code_temperature" toml:"code_temperature" envconfig:"code_temperature"`
	CodeTopP           float64  `json:"code_top_p" yaml:"code_top_p" toml:"code_top_p" envconfig:"code_top_p"`
	CodeRepeatPenalty  float64  `json:"code_repeat_penalty" yaml:"code_repeat_penalty" toml:"code_repeat_penalty" envconfig:"code_repeat_penalty"`
}

// HTTPConfig tunes the web tier.
type HTTPConfig struct {
	MaxBodyBytes      int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes" envconfig:"max_body_bytes"`
	ReadHeaderTimeout Duration `json:"read_header_timeout" yaml:"read_header_timeout" toml:"read_header_timeout" envconfig:"read_header_timeout"`
	ShutdownTimeout   Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout" envconfig:"shutdown_timeout"`
	CORSEnabled       bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled" envconfig:"cors_enabled"`
	CORSOrigins       []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins" envconfig:"cors_origins"`
	CORSMethods       []string `json:"cors_methods" yaml:"cors_methods" toml:"cors_methods" envconfig:"cors_methods"`
	CORSHeaders       []string `json:"cors_headers" yaml:"cors_headers" toml:"cors_headers" envconfig:"cors_headers"`
}

// LogConfig selects log level, format and an optional rotated file.
type LogConfig struct {
	Level      string `json:"level" yaml:"level" toml:"level" envconfig:"level"`
	Format     string `json:"format" yaml:"format" toml:"format" envconfig:"format"`
	File       string `json:"file" yaml:"file" toml:"file" envconfig:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb" envconfig:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" toml:"max_backups" envconfig:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" toml:"max_age_days" envconfig:"max_age_days"`
}

// Defaults returns a complete configuration. Engine settings follow the
// llama-cli invocation the service was first deployed with.
func Defaults() Config {
	return Config{
		Addr: ":8080",
		Model: ModelConfig{
			ContextSize:    4096,
			MaxContextSize: 32768,
		},
		Engine: EngineConfig{
			Kind:         "cli",
			Host:         "127.0.0.1",
			ReadyTimeout: Seconds(120),
			StopGrace:    Seconds(5),
		},
		Limits: LimitsConfig{
			MaxConcurrent:      1,
			QueueDepth:         4,
			GenerationTimeout:  Seconds(300),
			QueueWaitTimeout:   Seconds(60),
			KillGrace:          Seconds(5),
			MaxPromptChars:     8000,
			MaxTokensCeiling:   768,
			DefaultMaxTokens:   768,
			DefaultTemperature: 0.2,
			MaxTemperature:     2.0,
			DefaultTopP:        0.95,
			RepeatPenalty:      1.1,
			CodeMaxTokens:      768,
			CodeTemperature:    0.3,
			CodeTopP:           0.9,
			CodeRepeatPenalty:  1.05,
		},
		HTTP: HTTPConfig{
			MaxBodyBytes:      1 << 20,
			ReadHeaderTimeout: Seconds(10),
			ShutdownTimeout:   Seconds(30),
			CORSMethods:       []string{"GET", "POST", "OPTIONS"},
			CORSHeaders:       []string{"Content-Type", "Authorization"},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads a configuration file based on its extension on top of Defaults.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv loads envFiles into the process environment (existing variables
// win; missing files are skipped) and then applies LLAMAGATE_* overrides.
func ApplyEnv(cfg *Config, envFiles ...string) error {
	for _, f := range envFiles {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// Resolve builds the effective configuration: defaults, then the file at path
// (optional), then the environment. The result is validated.
func Resolve(path string, envFiles ...string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return cfg, err
		}
	}
	if err := ApplyEnv(&cfg, envFiles...); err != nil {
		return cfg, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Engine.Kind = strings.ToLower(strings.TrimSpace(c.Engine.Kind))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Model.Path = strings.TrimSpace(c.Model.Path)
	if p, err := fsutil.ExpandHome(c.Model.Path); err == nil {
		c.Model.Path = p
	}
	if c.Model.ID == "" && c.Model.Path != "" {
		c.Model.ID = strings.TrimSuffix(filepath.Base(c.Model.Path), filepath.Ext(c.Model.Path))
	}
}

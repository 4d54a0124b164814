package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"llamagate/internal/arbiter"
	"llamagate/internal/engine"
	"llamagate/internal/validate"
)

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if strings.TrimSpace(c.Addr) == "" {
		add("addr is required")
	}
	if c.Model.Path == "" {
		add("model.path is required")
	}
	if c.Model.Threads < 0 {
		add("model.threads must be >= 0 (0 = all CPUs)")
	}
	if c.Model.ContextSize <= 0 {
		add("model.context_size must be > 0")
	} else if c.Model.MaxContextSize > 0 && c.Model.ContextSize > c.Model.MaxContextSize {
		add("model.context_size %d exceeds model.max_context_size %d", c.Model.ContextSize, c.Model.MaxContextSize)
	}

	switch c.Engine.Kind {
	case engine.KindCLI, engine.KindServer, engine.KindInproc:
	default:
		add("engine.kind must be one of cli, server, inproc (got %q)", c.Engine.Kind)
	}
	if c.Engine.PortStart < 0 || c.Engine.PortEnd < 0 || c.Engine.PortEnd > 65535 || (c.Engine.PortEnd > 0 && c.Engine.PortEnd < c.Engine.PortStart) {
		add("engine.port_start/port_end must form a valid port range")
	}

	l := c.Limits
	if l.MaxConcurrent < 1 {
		add("limits.max_concurrent must be >= 1")
	}
	if l.QueueDepth < 0 {
		add("limits.queue_depth must be >= 0")
	}
	if l.GenerationTimeout.Duration <= 0 {
		add("limits.generation_timeout must be > 0")
	}
	if l.QueueWaitTimeout.Duration <= 0 {
		add("limits.queue_wait_timeout must be > 0")
	}
	if l.KillGrace.Duration <= 0 {
		add("limits.kill_grace must be > 0")
	}
	if err := c.Bounds().Check(); err != nil {
		add("limits: %v", err)
	}

	if c.HTTP.MaxBodyBytes <= 0 {
		add("http.max_body_bytes must be > 0")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		add("log.level %q is not a valid level", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format must be json or console")
	}

	if len(errs) > 0 {
		return errors.New("invalid config: " + strings.Join(errs, "; "))
	}
	return nil
}

// Bounds returns the request validation bounds.
func (c Config) Bounds() validate.Bounds {
	l := c.Limits
	return validate.Bounds{
		MaxPromptChars:     l.MaxPromptChars,
		MaxTokensCeiling:   l.MaxTokensCeiling,
		DefaultMaxTokens:   l.DefaultMaxTokens,
		DefaultTemperature: l.DefaultTemperature,
		MaxTemperature:     l.MaxTemperature,
		DefaultTopP:        l.DefaultTopP,
		RepeatPenalty:      l.RepeatPenalty,
		DefaultSeed:        -1,
		Code: validate.Sampling{
			MaxTokens:     l.CodeMaxTokens,
			Temperature:   l.CodeTemperature,
			TopP:          l.CodeTopP,
			RepeatPenalty: l.CodeRepeatPenalty,
		},
	}
}

// ArbiterConfig returns the admission and timeout settings.
func (c Config) ArbiterConfig() arbiter.Config {
	return arbiter.Config{
		MaxQueueDepth:     c.Limits.QueueDepth,
		GenerationTimeout: c.Limits.GenerationTimeout.Duration,
		QueueWaitTimeout:  c.Limits.QueueWaitTimeout.Duration,
		KillGrace:         c.Limits.KillGrace.Duration,
	}
}

// EngineOptions returns the engine construction options.
func (c Config) EngineOptions(log zerolog.Logger) engine.Options {
	return engine.Options{
		Binary:       c.Engine.Binary,
		ExtraArgs:    append([]string(nil), c.Engine.ExtraArgs...),
		Host:         c.Engine.Host,
		PortStart:    c.Engine.PortStart,
		PortEnd:      c.Engine.PortEnd,
		ReadyTimeout: c.Engine.ReadyTimeout.Duration,
		StopGrace:    c.Engine.StopGrace.Duration,
		Logger:       log,
	}
}

// EngineSpec returns the session spec for the configured model.
func (c Config) EngineSpec() engine.Spec {
	return engine.Spec{
		ModelPath:   c.Model.Path,
		Threads:     c.Model.Threads,
		ContextSize: c.Model.ContextSize,
	}
}

// Package validate turns untrusted wire requests into bounded engine requests.
// It accepts or rejects; it never trims, truncates or rewrites the prompt.
package validate

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"llamagate/internal/engine"
	"llamagate/pkg/types"
)

// Generation modes.
const (
	ModeChat = "chat"
	ModeCode = "code"
)

// ViolationEmptyPrompt is reported for a missing or whitespace-only prompt.
const ViolationEmptyPrompt = "empty prompt"

// Bounds are the limits applied to every request.
type Bounds struct {
	MaxPromptChars     int
	MaxTokensCeiling   int
	DefaultMaxTokens   int
	DefaultTemperature float64
	MaxTemperature     float64
	DefaultTopP        float64
	RepeatPenalty      float64
	// DefaultSeed is used when the request carries none; -1 lets the engine choose.
	DefaultSeed int64
	// Code replaces the sampling defaults in code mode. Zero fields fall back
	// to the chat defaults above.
	Code Sampling
}

// Sampling is a set of per-mode defaults for fields a request omits.
type Sampling struct {
	MaxTokens     int
	Temperature   float64
	TopP          float64
	RepeatPenalty float64
}

// DefaultCodeSampling follows the settings code generation was first run
// with. The original 2048-token budget is capped to the default ceiling.
func DefaultCodeSampling() Sampling {
	return Sampling{MaxTokens: 768, Temperature: 0.3, TopP: 0.9, RepeatPenalty: 1.05}
}

// DefaultBounds mirrors the llama-cli settings the gateway was first deployed with.
func DefaultBounds() Bounds {
	return Bounds{
		MaxPromptChars:     8000,
		MaxTokensCeiling:   768,
		DefaultMaxTokens:   768,
		DefaultTemperature: 0.2,
		MaxTemperature:     2.0,
		DefaultTopP:        0.95,
		RepeatPenalty:      1.1,
		DefaultSeed:        -1,
		Code:               DefaultCodeSampling(),
	}
}

// codeDefaults resolves the code-mode sampling against the chat defaults.
func (b Bounds) codeDefaults() Sampling {
	s := b.Code
	if s.MaxTokens == 0 {
		s.MaxTokens = b.DefaultMaxTokens
	}
	if s.Temperature == 0 {
		s.Temperature = b.DefaultTemperature
	}
	if s.TopP == 0 {
		s.TopP = b.DefaultTopP
	}
	if s.RepeatPenalty == 0 {
		s.RepeatPenalty = b.RepeatPenalty
	}
	return s
}

// Check reports inconsistent bounds.
func (b Bounds) Check() error {
	var errs []string
	if b.MaxPromptChars < 1 {
		errs = append(errs, "max_prompt_chars must be >= 1")
	}
	if b.MaxTokensCeiling < 1 {
		errs = append(errs, "max_tokens_ceiling must be >= 1")
	}
	if b.DefaultMaxTokens < 1 || b.DefaultMaxTokens > b.MaxTokensCeiling {
		errs = append(errs, "default_max_tokens must be within [1, max_tokens_ceiling]")
	}
	if b.MaxTemperature < 0 {
		errs = append(errs, "max_temperature must be >= 0")
	}
	if b.DefaultTemperature < 0 || b.DefaultTemperature > b.MaxTemperature {
		errs = append(errs, "default_temperature must be within [0, max_temperature]")
	}
	if b.DefaultTopP <= 0 || b.DefaultTopP > 1 {
		errs = append(errs, "default_top_p must be within (0, 1]")
	}
	if b.RepeatPenalty <= 0 {
		errs = append(errs, "repeat_penalty must be > 0")
	}
	if b.DefaultSeed < -1 {
		errs = append(errs, "default_seed must be >= -1")
	}
	if c := b.Code; c.MaxTokens < 0 || c.MaxTokens > b.MaxTokensCeiling {
		errs = append(errs, "code_max_tokens must be within [1, max_tokens_ceiling]")
	}
	if c := b.Code; c.Temperature < 0 || c.Temperature > b.MaxTemperature {
		errs = append(errs, "code_temperature must be within [0, max_temperature]")
	}
	if c := b.Code; c.TopP < 0 || c.TopP > 1 {
		errs = append(errs, "code_top_p must be within (0, 1]")
	}
	if b.Code.RepeatPenalty < 0 {
		errs = append(errs, "code_repeat_penalty must be > 0")
	}
	if len(errs) > 0 {
		return errors.New("invalid bounds: " + strings.Join(errs, "; "))
	}
	return nil
}

// InvalidInputError lists every constraint a request violated.
type InvalidInputError struct {
	Violations []string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + strings.Join(e.Violations, "; ")
}

// IsInvalidInput reports whether err is (or wraps) an *InvalidInputError.
func IsInvalidInput(err error) bool {
	var e *InvalidInputError
	return errors.As(err, &e)
}

// Info carries facts about an accepted request that callers may surface.
type Info struct {
	Mode string
	// ThreadsIgnored is set when the request asked for a thread count.
	ThreadsIgnored bool
}

// Validator checks requests against fixed Bounds. It is stateless and safe for
// concurrent use.
type Validator struct {
	b Bounds
}

// New returns a Validator for b.
func New(b Bounds) (*Validator, error) {
	if err := b.Check(); err != nil {
		return nil, err
	}
	return &Validator{b: b}, nil
}

// Bounds returns the limits in effect.
func (v *Validator) Bounds() Bounds { return v.b }

// Validate returns the engine request for r, or an *InvalidInputError naming
// every violation.
func (v *Validator) Validate(r types.GenerateRequest) (engine.Request, Info, error) {
	var bad []string
	add := func(format string, args ...any) { bad = append(bad, fmt.Sprintf(format, args...)) }

	switch {
	case !utf8.ValidString(r.Prompt):
		add("prompt is not valid UTF-8")
	case strings.TrimSpace(r.Prompt) == "":
		bad = append(bad, ViolationEmptyPrompt)
	default:
		if strings.ContainsRune(r.Prompt, 0) {
			add("prompt contains NUL bytes")
		}
		if n := utf8.RuneCountInString(r.Prompt); n > v.b.MaxPromptChars {
			add("prompt is %d characters, limit is %d", n, v.b.MaxPromptChars)
		}
	}

	info := Info{Mode: ModeChat, ThreadsIgnored: r.Threads != nil}
	switch m := strings.ToLower(strings.TrimSpace(r.Mode)); m {
	case "", ModeChat:
	case ModeCode:
		info.Mode = ModeCode
	default:
		add("unknown mode %q", r.Mode)
	}

	out := engine.Request{
		Prompt:        r.Prompt,
		MaxTokens:     v.b.DefaultMaxTokens,
		Temperature:   v.b.DefaultTemperature,
		TopP:          v.b.DefaultTopP,
		RepeatPenalty: v.b.RepeatPenalty,
		Seed:          v.b.DefaultSeed,
	}
	if info.Mode == ModeCode {
		c := v.b.codeDefaults()
		out.MaxTokens, out.Temperature, out.TopP, out.RepeatPenalty = c.MaxTokens, c.Temperature, c.TopP, c.RepeatPenalty
	}
	if r.MaxTokens != nil {
		if *r.MaxTokens < 1 || *r.MaxTokens > v.b.MaxTokensCeiling {
			add("max_tokens must be within [1, %d]", v.b.MaxTokensCeiling)
		}
		out.MaxTokens = *r.MaxTokens
	}
	if r.Temperature != nil {
		t := *r.Temperature
		if t != t || t < 0 || t > v.b.MaxTemperature {
			add("temperature must be within [0, %g]", v.b.MaxTemperature)
		}
		out.Temperature = t
	}
	if r.TopP != nil {
		p := *r.TopP
		if p != p || p <= 0 || p > 1 {
			add("top_p must be within (0, 1]")
		}
		out.TopP = p
	}
	if r.Seed != nil {
		if *r.Seed < -1 {
			add("seed must be >= -1")
		}
		out.Seed = *r.Seed
	}

	if len(bad) > 0 {
		return engine.Request{}, Info{}, &InvalidInputError{Violations: bad}
	}
	return out, info, nil
}

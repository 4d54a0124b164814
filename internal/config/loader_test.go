package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `addr: :9999
model:
  path: /m/qwen.gguf
  threads: 8
limits:
  queue_depth: 2
  generation_timeout: 90s
  kill_grace: 3
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.Model.Path != "/m/qwen.gguf" || cfg.Model.Threads != 8 || cfg.Limits.QueueDepth != 2 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Limits.GenerationTimeout.Duration != 90*time.Second || cfg.Limits.KillGrace.Duration != 3*time.Second {
		t.Fatalf("durations: %v %v", cfg.Limits.GenerationTimeout, cfg.Limits.KillGrace)
	}
	// untouched keys keep defaults
	if cfg.Model.ContextSize != 4096 || cfg.Limits.MaxConcurrent != 1 {
		t.Fatalf("defaults lost: %+v", cfg.Model)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","model":{"path":"/m"},"limits":{"queue_wait_timeout":"2m","kill_grace":7}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.Model.Path != "/m" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Limits.QueueWaitTimeout.Duration != 2*time.Minute || cfg.Limits.KillGrace.Duration != 7*time.Second {
		t.Fatalf("durations: %v %v", cfg.Limits.QueueWaitTimeout, cfg.Limits.KillGrace)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\n[model]\npath=\"/x\"\ncontext_size=2048\n[engine]\nkind=\"server\"\n[limits]\ngeneration_timeout=\"45s\"\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.Model.Path != "/x" || cfg.Model.ContextSize != 2048 || cfg.Engine.Kind != "server" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Limits.GenerationTimeout.Duration != 45*time.Second {
		t.Fatalf("generation_timeout=%v", cfg.Limits.GenerationTimeout)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	p = writeTempFile(t, d, "bad-duration.yaml", "limits:\n  kill_grace: soon\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestDefaultsNeedOnlyAModel(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error without model.path")
	}
	cfg.Model.Path = "/m/model.gguf"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestExpandHome(t *testing.T) {
	// Set a deterministic HOME for the duration of this test so we never skip.
	origHome, hadHome := os.LookupEnv("HOME")
	origUserProfile, hadUserProfile := os.LookupEnv("USERPROFILE")
	t.Cleanup(func() {
		if hadHome {
			_ = os.Setenv("HOME", origHome)
		} else {
			_ = os.Unsetenv("HOME")
		}
		if hadUserProfile {
			_ = os.Setenv("USERPROFILE", origUserProfile)
		} else {
			_ = os.Unsetenv("USERPROFILE")
		}
	})

	home := t.TempDir()
	// Configure both env vars for cross-platform behavior of os.UserHomeDir.
	_ = os.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		_ = os.Setenv("USERPROFILE", home)
	}
	// raw path unaffected
	if got, err := ExpandHome("/tmp"); err != nil || got != "/tmp" {
		t.Fatalf("got %q err=%v", got, err)
	}
	// empty path
	if got, err := ExpandHome(""); err != nil || got != "" {
		t.Fatalf("got %q err=%v", got, err)
	}
	// ~ expansion
	p, err := ExpandHome("~")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if p != home {
		t.Fatalf("expected %q, got %q", home, p)
	}
	// ~/subdir
	sub := "test-sub"
	exp, err := ExpandHome("~/" + sub)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if runtime.GOOS == "windows" {
		if filepath.Base(exp) != sub {
			t.Fatalf("unexpected expanded path: %q", exp)
		}
	} else {
		expected := filepath.Join(home, sub)
		if exp != expected {
			t.Fatalf("expected %q, got %q", expected, exp)
		}
	}
}

func TestSizeMB(t *testing.T) {
	d := t.TempDir()
	p := filepath.Join(d, "small.bin")
	if err := os.WriteFile(p, []byte("abc"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	mb, err := SizeMB(p)
	if err != nil || mb != 1 {
		t.Fatalf("SizeMB=%d err=%v, want 1", mb, err)
	}
	if _, err := SizeMB(d); err == nil {
		t.Fatalf("expected error for directory")
	}
	if _, err := SizeMB(filepath.Join(d, "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestFindExecutable(t *testing.T) {
	d := t.TempDir()
	bin := filepath.Join(d, "llama-cli")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got, err := FindExecutable(bin, "llama-cli"); err != nil || got != bin {
		t.Fatalf("explicit: got %q err=%v", got, err)
	}
	if got, err := FindExecutable("", "definitely-not-on-path-xyz", filepath.Join(d, "nope"), bin); err != nil || got != bin {
		t.Fatalf("candidates: got %q err=%v", got, err)
	}
	if _, err := FindExecutable(filepath.Join(d, "missing"), "llama-cli"); err == nil {
		t.Fatalf("expected error for missing explicit path")
	}
	if _, err := FindExecutable(d, "llama-cli"); err == nil {
		t.Fatalf("expected error for directory")
	}
}

func TestAbsPath(t *testing.T) {
	if _, err := AbsPath("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
	got, err := AbsPath("/tmp/../tmp/x.gguf")
	if err != nil || got != filepath.Clean("/tmp/x.gguf") {
		t.Fatalf("got %q err=%v", got, err)
	}
}

package fsutil

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// AbsPath expands '~' and returns an absolute, cleaned path.
func AbsPath(path string) (string, error) {
	p, err := ExpandHome(strings.TrimSpace(path))
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", errors.New("empty path")
	}
	return filepath.Abs(p)
}

// PathExists checks if the given path exists.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// SizeMB returns the size of a regular file in whole megabytes, at least 1.
func SizeMB(path string) (int, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	mb := int(fi.Size() / (1024 * 1024))
	if mb <= 0 {
		mb = 1
	}
	return mb, nil
}

// FindExecutable resolves an engine binary. An explicit path wins; otherwise
// the candidates are tried in order and finally $PATH is searched for name.
func FindExecutable(explicit, name string, candidates ...string) (string, error) {
	if s := strings.TrimSpace(explicit); s != "" {
		p, err := ExpandHome(s)
		if err != nil {
			return "", err
		}
		if strings.ContainsRune(p, filepath.Separator) {
			if fi, err := os.Stat(p); err != nil || fi.IsDir() {
				return "", fmt.Errorf("executable not found or not a file: %s", p)
			}
			return p, nil
		}
		return exec.LookPath(p)
	}
	for _, c := range candidates {
		p, err := ExpandHome(c)
		if err != nil {
			continue
		}
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	if name == "" {
		return "", errors.New("no executable name given")
	}
	return exec.LookPath(name)
}

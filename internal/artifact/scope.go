// Package artifact holds request-scoped scratch files and publishes result
// images to callers.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Scope is a per-request temporary directory. Close removes it and
// everything written under it; it is safe to call more than once.
type Scope struct {
	dir  string
	once sync.Once
	err  error
}

// NewScope creates a fresh directory under base (os.TempDir when empty).
func NewScope(base, prefix string) (*Scope, error) {
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return nil, err
		}
	}
	if prefix == "" {
		prefix = "relightd-"
	}
	dir, err := os.MkdirTemp(base, prefix)
	if err != nil {
		return nil, err
	}
	return &Scope{dir: dir}, nil
}

// Dir returns the directory path.
func (s *Scope) Dir() string { return s.dir }

// Write stores b as name inside the scope and returns the full path. Names
// are reduced to their base element.
func (s *Scope) Write(name string, b []byte) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	p := filepath.Join(s.dir, base)
	if err := os.WriteFile(p, b, 0o600); err != nil {
		return "", err
	}
	return p, nil
}

func (s *Scope) Close() error {
	s.once.Do(func() { s.err = os.RemoveAll(s.dir) })
	return s.err
}

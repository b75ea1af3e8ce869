package analyzer

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrInterpreterNotFound is returned when no candidate interpreter is
// usable. Callers must report it before attempting any spawn.
var ErrInterpreterNotFound = errors.New("no usable python interpreter found")

// DefaultCandidates is the probe order for the analyzer interpreter:
// project-local virtualenv first, then platform-standard install
// locations, then the bare command name as a last resort.
func DefaultCandidates(baseDir string) []string {
	return []string{
		filepath.Join(baseDir, ".venv", "bin", "python"),
		"/opt/homebrew/bin/python3",
		"/usr/local/bin/python3",
		"/usr/bin/python3",
		"python3",
	}
}

// Resolver picks the first usable interpreter from an ordered candidate
// list. Resolution is deterministic for a fixed filesystem state.
type Resolver struct {
	candidates   []string
	probeTimeout time.Duration
}

// NewResolver builds a resolver over the given candidates.
func NewResolver(candidates []string) *Resolver {
	return &Resolver{
		candidates:   candidates,
		probeTimeout: 3 * time.Second,
	}
}

// Resolve returns the first candidate that is an executable file or, for a
// bare command name, one the OS can actually run to report its version.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	for _, candidate := range r.candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if strings.ContainsRune(candidate, os.PathSeparator) {
			if isExecutable(candidate) {
				return candidate, nil
			}
			continue
		}
		if r.probeCommand(ctx, candidate) {
			return candidate, nil
		}
	}
	return "", ErrInterpreterNotFound
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

// probeCommand verifies a bare command name by running "<name> --version".
func (r *Resolver) probeCommand(ctx context.Context, name string) bool {
	if _, err := exec.LookPath(name); err != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	return exec.CommandContext(probeCtx, name, "--version").Run() == nil
}

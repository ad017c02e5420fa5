// Package vcs materializes a project's source into a build working directory.
//
// Each backend implements Adapter. Failures are reported as *CheckoutError
// carrying the backend's diagnostic text unchanged, so callers can tell a
// broken checkout apart from a failing build step.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"buildplane/internal/store"
)

// Adapter checks out or updates source into workDir and returns the revision now checked out.
// branch may be empty, meaning the backend's default.
type Adapter interface {
	Materialize(ctx context.Context, source, branch, workDir string) (string, error)
}

// CheckoutError is a failed materialize. Output is the backend's diagnostic text, verbatim.
type CheckoutError struct {
	Backend string
	Output  string
	Err     error
}

func (e *CheckoutError) Error() string {
	out := strings.TrimSpace(e.Output)
	switch {
	case out != "" && e.Err != nil:
		return fmt.Sprintf("%s checkout failed: %v: %s", e.Backend, e.Err, out)
	case out != "":
		return fmt.Sprintf("%s checkout failed: %s", e.Backend, out)
	default:
		return fmt.Sprintf("%s checkout failed: %v", e.Backend, e.Err)
	}
}

func (e *CheckoutError) Unwrap() error { return e.Err }

// Diagnostic is the text to show the user for a failed checkout.
func (e *CheckoutError) Diagnostic() string {
	if e.Output != "" {
		return e.Output
	}
	if e.Err != nil {
		return e.Err.Error() + "\n"
	}
	return ""
}

// ErrUnsupported is returned by Registry.Get for an unknown VCS type.
var ErrUnsupported = errors.New("unsupported vcs type")

// Registry maps VCS types to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[store.VCSType]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[store.VCSType]Adapter)}
}

// DefaultRegistry returns a registry with every built-in backend.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(store.VCSGit, NewGit())
	r.Register(store.VCSGoGit, NewGoGit())
	r.Register(store.VCSSVN, NewSVN())
	return r
}

// Register adds or replaces the adapter for t.
func (r *Registry) Register(t store.VCSType, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[t] = a
}

// Get returns the adapter for t.
func (r *Registry) Get(t store.VCSType) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[t]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupported, t)
	}
	return a, nil
}

// Supports reports whether t has a registered adapter.
func (r *Registry) Supports(t store.VCSType) bool {
	_, err := r.Get(t)
	return err == nil
}

// isLocalPath reports whether source names a directory on this host
// rather than a URL or an scp-style "host:path" remote.
func isLocalPath(source string) bool {
	if strings.Contains(source, "://") {
		return false
	}
	if i := strings.Index(source, ":"); i > 0 {
		host := source[:i]
		if !strings.ContainsAny(host, `/\`) && len(host) > 1 {
			return false
		}
	}
	return true
}

// checkLocalSource fails the way git traditionally does when a local source
// directory is missing: it cannot switch into the repository's parent.
func checkLocalSource(backend, source string) error {
	if !isLocalPath(source) {
		return nil
	}
	if _, err := os.Stat(source); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return &CheckoutError{Backend: backend, Output: fmt.Sprintf("fatal: %v\n", err), Err: err}
	}

	dir := filepath.Dir(filepath.Clean(source))
	if dir == "." {
		dir = source
	}
	return &CheckoutError{
		Backend: backend,
		Output:  fmt.Sprintf("fatal: Could not switch to '%s': No such file or directory\n", dir),
		Err:     os.ErrNotExist,
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
)

// SVN materializes sources with the svn command line client.
// A non-empty branch is a path below the source URL, e.g. "trunk" or "branches/1.x".
type SVN struct {
	Binary string
}

// NewSVN returns an SVN adapter using the svn found on PATH.
func NewSVN() *SVN {
	return &SVN{Binary: "svn"}
}

// Materialize checks out source into workDir, or updates an existing working copy.
func (s *SVN) Materialize(ctx context.Context, source, branch, workDir string) (string, error) {
	url, err := svnURL(source, branch)
	if err != nil {
		return "", &CheckoutError{Backend: "svn", Err: err}
	}

	dir, err := filepath.Abs(workDir)
	if err != nil {
		return "", &CheckoutError{Backend: "svn", Err: err}
	}

	if isDir(filepath.Join(dir, ".svn")) {
		if _, err := s.run(ctx, "update", "--non-interactive", "--quiet", dir); err != nil {
			return "", err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return "", &CheckoutError{Backend: "svn", Err: err}
		}
		if _, err := s.run(ctx, "checkout", "--non-interactive", "--quiet", url, dir); err != nil {
			return "", err
		}
	}

	out, err := s.run(ctx, "info", "--show-item", "revision", dir)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func svnURL(source, branch string) (string, error) {
	url := source
	if isLocalPath(source) {
		abs, err := filepath.Abs(source)
		if err != nil {
			return "", err
		}
		url = "file://" + filepath.ToSlash(abs)
	}
	if branch != "" {
		url = strings.TrimSuffix(url, "/") + "/" + path.Clean(strings.TrimPrefix(branch, "/"))
	}
	return url, nil
}

func (s *SVN) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, s.Binary, args...)
	cmd.Env = append(os.Environ(), "LC_ALL=C")

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), &CheckoutError{
			Backend: "svn",
			Output:  out.String(),
			Err:     fmt.Errorf("svn %s: %w", args[0], err),
		}
	}
	return out.String(), nil
}

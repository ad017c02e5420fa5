package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Git materializes sources with the git command line client.
type Git struct {
	Binary string
}

// NewGit returns a Git adapter using the git found on PATH.
func NewGit() *Git {
	return &Git{Binary: "git"}
}

// Materialize clones source into workDir, or fetches and hard-resets an existing clone.
func (g *Git) Materialize(ctx context.Context, source, branch, workDir string) (string, error) {
	if err := checkLocalSource("git", source); err != nil {
		return "", err
	}

	dir, err := filepath.Abs(workDir)
	if err != nil {
		return "", &CheckoutError{Backend: "git", Err: err}
	}

	if isDir(filepath.Join(dir, ".git")) {
		if err := g.update(ctx, branch, dir); err != nil {
			return "", err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return "", &CheckoutError{Backend: "git", Err: err}
		}
		args := []string{"clone", "--quiet"}
		if branch != "" {
			args = append(args, "--branch", branch)
		}
		args = append(args, "--", source, dir)
		if _, err := g.run(ctx, "", args...); err != nil {
			return "", err
		}
	}

	out, err := g.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) update(ctx context.Context, branch, dir string) error {
	ref := branch
	if ref == "" {
		ref = "HEAD"
	}
	if _, err := g.run(ctx, dir, "fetch", "--quiet", "origin", ref); err != nil {
		return err
	}
	if _, err := g.run(ctx, dir, "reset", "--hard", "--quiet", "FETCH_HEAD"); err != nil {
		return err
	}
	_, err := g.run(ctx, dir, "clean", "-fdx", "--quiet")
	return err
}

// run executes git and returns its combined output. A failure keeps the output verbatim.
func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.Binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), &CheckoutError{
			Backend: "git",
			Output:  out.String(),
			Err:     fmt.Errorf("git %s: %w", args[0], err),
		}
	}
	return out.String(), nil
}

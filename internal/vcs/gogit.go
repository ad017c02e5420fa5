package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// GoGit materializes git sources in-process with go-git. Workers need no git binary
// for remote sources.
type GoGit struct{}

// NewGoGit returns a go-git adapter.
func NewGoGit() *GoGit {
	return &GoGit{}
}

// Materialize clones source into workDir, or pulls an existing clone.
func (g *GoGit) Materialize(ctx context.Context, source, branch, workDir string) (string, error) {
	if err := checkLocalSource("gogit", source); err != nil {
		return "", err
	}

	var progress bytes.Buffer
	var repo *git.Repository
	var err error

	if isDir(filepath.Join(workDir, ".git")) {
		repo, err = g.pull(ctx, branch, workDir, &progress)
	} else {
		repo, err = g.clone(ctx, source, branch, workDir, &progress)
	}
	if err != nil {
		return "", &CheckoutError{Backend: "gogit", Output: diagnostic(&progress, err), Err: err}
	}

	head, err := repo.Head()
	if err != nil {
		return "", &CheckoutError{Backend: "gogit", Output: diagnostic(&progress, err), Err: err}
	}
	return head.Hash().String(), nil
}

func (g *GoGit) clone(ctx context.Context, source, branch, workDir string, progress *bytes.Buffer) (*git.Repository, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}
	opts := &git.CloneOptions{
		URL:      source,
		Progress: progress,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}
	return git.PlainCloneContext(ctx, workDir, false, opts)
}

func (g *GoGit) pull(ctx context.Context, branch, workDir string, progress *bytes.Buffer) (*git.Repository, error) {
	repo, err := git.PlainOpen(workDir)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}

	opts := &git.PullOptions{
		RemoteName: "origin",
		Progress:   progress,
		Force:      true,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}
	if err := wt.PullContext(ctx, opts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, err
	}
	return repo, nil
}

func diagnostic(progress *bytes.Buffer, err error) string {
	return progress.String() + fmt.Sprintf("fatal: %v\n", err)
}

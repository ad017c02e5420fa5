// Package runtime provides the Runtime interface for step execution backends.
package runtime

import (
	"context"
	"io"
)

// Runtime defines the interface for executing a single build step.
// Implementations include raw process execution, Docker and Kubernetes.
type Runtime interface {
	// Start begins execution of a command and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a command.
type StartOptions struct {
	// Image is used by container runtimes and ignored by ExecRuntime.
	Image   string
	Command []string
	Env     map[string]string
	// WorkDir is the host directory holding the checked out source.
	// Container runtimes mount it at WorkspacePath.
	WorkDir string
}

// WorkspacePath is where container runtimes mount the build working directory.
const WorkspacePath = "/workspace"

// ExitResult is the outcome of a finished command.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents a running command.
type Handle interface {
	// Wait blocks until the command completes and returns its exit status.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop forcefully terminates the command.
	Stop(ctx context.Context) error

	// StreamLogs returns a reader for the combined stdout/stderr.
	// The reader reaches EOF once the command has exited.
	StreamLogs(ctx context.Context) (io.ReadCloser, error)
}

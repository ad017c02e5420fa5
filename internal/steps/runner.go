// Package steps runs a project's ordered shell steps inside a build working directory.
package steps

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"buildplane/internal/worker/runtime"
)

// StepResult is the outcome of one executed command.
type StepResult struct {
	Command  string
	ExitCode int
	Output   string
}

// Result is the outcome of a whole step sequence.
type Result struct {
	// Failed is true when a step exited non-zero.
	Failed bool
	// Output is the combined log of every executed step, in order.
	Output string
	// FailedAt is the index of the failing step, or -1.
	FailedAt int
	Steps    []StepResult
}

// Runner executes steps one at a time on a Runtime, stopping at the first failure.
type Runner struct {
	runtime runtime.Runtime
	image   string
	shell   string
	env     map[string]string
}

// Option configures a Runner.
type Option func(*Runner)

// WithImage sets the container image used by container runtimes.
func WithImage(image string) Option {
	return func(r *Runner) { r.image = image }
}

// WithShell overrides the shell used to interpret each step (default "sh").
func WithShell(shell string) Option {
	return func(r *Runner) { r.shell = shell }
}

// WithEnv adds environment variables to every step.
func WithEnv(env map[string]string) Option {
	return func(r *Runner) {
		for k, v := range env {
			r.env[k] = v
		}
	}
}

// NewRunner creates a Runner on top of rt.
func NewRunner(rt runtime.Runtime, opts ...Option) *Runner {
	r := &Runner{runtime: rt, shell: "sh", env: make(map[string]string)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes steps in workDir. A non-zero exit is reported in the Result;
// an error is returned only when a step could not be executed at all.
// The returned Result holds the output collected up to that point in both cases.
func (r *Runner) Run(ctx context.Context, steps []string, workDir string, env map[string]string) (Result, error) {
	res := Result{FailedAt: -1}
	var combined bytes.Buffer

	stepEnv := make(map[string]string, len(r.env)+len(env))
	for k, v := range r.env {
		stepEnv[k] = v
	}
	for k, v := range env {
		stepEnv[k] = v
	}

	for i, step := range steps {
		fmt.Fprintf(&combined, "$ %s\n", step)

		sr, err := r.runStep(ctx, step, workDir, stepEnv)
		combined.WriteString(sr.Output)
		res.Steps = append(res.Steps, sr)
		res.Output = combined.String()
		if err != nil {
			return res, fmt.Errorf("step %d (%s): %w", i+1, step, err)
		}

		if sr.ExitCode != 0 {
			if sr.Output != "" && sr.Output[len(sr.Output)-1] != '\n' {
				combined.WriteByte('\n')
			}
			fmt.Fprintf(&combined, "exit status %d\n", sr.ExitCode)
			res.Output = combined.String()
			res.Failed = true
			res.FailedAt = i
			return res, nil
		}
	}

	res.Output = combined.String()
	return res, nil
}

func (r *Runner) runStep(ctx context.Context, step, workDir string, env map[string]string) (StepResult, error) {
	sr := StepResult{Command: step, ExitCode: -1}

	handle, err := r.runtime.Start(ctx, runtime.StartOptions{
		Image:   r.image,
		Command: []string{r.shell, "-c", step},
		Env:     env,
		WorkDir: workDir,
	})
	if err != nil {
		return sr, err
	}
	defer func() {
		if err := handle.Stop(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to clean up step", "step", step, "error", err)
		}
	}()

	var out bytes.Buffer
	logsDone := make(chan error, 1)
	logs, err := handle.StreamLogs(ctx)
	if err != nil {
		return sr, fmt.Errorf("failed to stream logs: %w", err)
	}
	go func() {
		_, err := io.Copy(&out, logs)
		logsDone <- err
	}()

	result, err := handle.Wait(ctx)
	copyErr := <-logsDone
	logs.Close()
	sr.Output = out.String()
	if err != nil {
		return sr, err
	}
	if copyErr != nil {
		slog.Warn("step output may be incomplete", "step", step, "error", copyErr)
	}

	sr.ExitCode = result.ExitCode
	if result.Error != nil && result.ExitCode == 0 {
		return sr, result.Error
	}
	return sr, nil
}

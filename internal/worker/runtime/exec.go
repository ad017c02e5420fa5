package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// ExecRuntime implements the Runtime interface using raw OS processes on the worker host.
type ExecRuntime struct {
	// WorkDir is used when StartOptions.WorkDir is empty.
	WorkDir string
}

// ExecHandle is a running OS process.
type ExecHandle struct {
	cmd  *exec.Cmd
	logs *logBuffer
	done chan struct{}
	err  error
}

// NewExecRuntime creates a new process-based runtime.
func NewExecRuntime(workDir string) *ExecRuntime {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "buildplane", "runner")
	}
	return &ExecRuntime{WorkDir: workDir}
}

// Start implements Runtime.Start using os/exec.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}
	if opts.Image != "" {
		log.Printf("exec runtime ignores image %s", opts.Image)
	}

	dir := opts.WorkDir
	if dir == "" {
		dir = e.WorkDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir %s: %w", dir, err)
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	buf := newLogBuffer()
	cmd.Stdout = buf
	cmd.Stderr = buf
	// Background children may keep the output pipe open after the step exits.
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", opts.Command[0], err)
	}

	h := &ExecHandle{cmd: cmd, logs: buf, done: make(chan struct{})}
	go func() {
		h.err = cmd.Wait()
		buf.Close()
		close(h.done)
	}()
	return h, nil
}

// Wait implements Handle.Wait. A cancelled context kills the process.
func (h *ExecHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		_ = h.cmd.Process.Kill()
		<-h.done
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}

	if h.err == nil || errors.Is(h.err, exec.ErrWaitDelay) {
		return ExitResult{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(h.err, &exitErr) {
		return ExitResult{ExitCode: exitErr.ExitCode()}, nil
	}
	return ExitResult{ExitCode: -1, Error: h.err}, h.err
}

// Stop sends SIGTERM and kills the process if it has not exited when ctx ends.
func (h *ExecHandle) Stop(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	grace := time.NewTimer(5 * time.Second)
	defer grace.Stop()

	select {
	case <-h.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-h.done
	return nil
}

// StreamLogs implements Handle.StreamLogs. Each call reads the output from the start.
func (h *ExecHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return h.logs.NewReader(ctx), nil
}

// logBuffer collects process output and lets any number of readers follow it.
// Writers never block on readers.
type logBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	closed bool
}

func newLogBuffer() *logBuffer {
	b := &logBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
	b.cond.Broadcast()
	return len(p), nil
}

func (b *logBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

func (b *logBuffer) NewReader(ctx context.Context) io.ReadCloser {
	r := &logReader{buf: b, ctx: ctx}
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.cond.Broadcast()
	})
	r.stop = stop
	return r
}

type logReader struct {
	buf    *logBuffer
	ctx    context.Context
	off    int
	stop   func() bool
	closed bool
}

func (r *logReader) Read(p []byte) (int, error) {
	b := r.buf
	b.mu.Lock()
	defer b.mu.Unlock()

	for r.off >= len(b.data) && !b.closed && !r.closed && r.ctx.Err() == nil {
		b.cond.Wait()
	}
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	if r.off < len(b.data) {
		n := copy(p, b.data[r.off:])
		r.off += n
		return n, nil
	}
	if err := r.ctx.Err(); err != nil && !b.closed {
		return 0, err
	}
	return 0, io.EOF
}

func (r *logReader) Close() error {
	r.stop()
	r.buf.mu.Lock()
	r.closed = true
	r.buf.mu.Unlock()
	r.buf.cond.Broadcast()
	return nil
}

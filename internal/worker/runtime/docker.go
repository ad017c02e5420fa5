package runtime

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime implements the Runtime interface using the Docker SDK.
// The build working directory is bind-mounted into the container.
type DockerRuntime struct {
	client *client.Client
}

// DockerHandle represents a running container.
type DockerHandle struct {
	client      *client.Client
	containerID string
}

func mapToEnvList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)
	return env
}

// NewDockerRuntime creates a new Docker-based runtime.
func NewDockerRuntime() (*DockerRuntime, error) {
	// Initializes client from standard environment variables (DOCKER_HOST, etc.)
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

func containerSpec(opts StartOptions) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image: opts.Image,
		Cmd:   opts.Command,
		Env:   mapToEnvList(opts.Env),
		// no TTY: it would rewrite every \n in the output as \r\n
		Tty: false,
	}
	hostCfg := &container.HostConfig{}
	if opts.WorkDir != "" {
		cfg.WorkingDir = WorkspacePath
		hostCfg.Binds = []string{opts.WorkDir + ":" + WorkspacePath}
	}
	return cfg, hostCfg
}

// Start implements Runtime.Start using Docker containers.
func (d *DockerRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("image is required for the docker runtime")
	}
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	// Check if the image exists locally first to save time.
	if _, err := d.client.ImageInspect(ctx, opts.Image); err != nil {
		reader, err := d.client.ImagePull(ctx, opts.Image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", opts.Image, err)
		}
		defer reader.Close()
		io.Copy(io.Discard, reader)
	}

	cfg, hostCfg := containerSpec(opts)
	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	return &DockerHandle{
		client:      d.client,
		containerID: resp.ID,
	}, nil
}

func (h *DockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return ExitResult{ExitCode: -1, Error: err}, err
	case status := <-statusCh:
		if status.Error != nil {
			return ExitResult{
					ExitCode: int(status.StatusCode),
					Error:    fmt.Errorf("%s", status.Error.Message),
				},
				nil
		}
		return ExitResult{ExitCode: int(status.StatusCode)}, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// Stop stops and removes the container.
func (h *DockerHandle) Stop(ctx context.Context) error {
	timeout := 5
	if err := h.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return err
	}
	return h.client.ContainerRemove(ctx, h.containerID, container.RemoveOptions{})
}

// StreamLogs follows the container's stdout and stderr as one stream.
func (h *DockerHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	raw, err := h.client.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, err
	}
	return demux(raw), nil
}

type demuxReader struct {
	*io.PipeReader
	raw io.Closer
}

func (d demuxReader) Close() error {
	d.PipeReader.Close()
	return d.raw.Close()
}

// demux strips docker's stream framing, writing stdout and stderr frames to
// one reader in the order they arrive.
func demux(raw io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, raw)
		pw.CloseWithError(err)
	}()
	return demuxReader{PipeReader: pr, raw: raw}
}

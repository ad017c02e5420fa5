package runtime

import (
	"bytes"
	"io"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
)

func TestContainerSpec_MountsWorkDir(t *testing.T) {
	cfg, hostCfg := containerSpec(StartOptions{
		Image:   "golang:1.23",
		Command: []string{"sh", "-c", "go test ./..."},
		Env:     map[string]string{"B": "2", "A": "1"},
		WorkDir: "/var/lib/buildplane/p/b",
	})

	if cfg.Image != "golang:1.23" {
		t.Errorf("unexpected image %s", cfg.Image)
	}
	if cfg.WorkingDir != WorkspacePath {
		t.Errorf("expected working dir %s, got %s", WorkspacePath, cfg.WorkingDir)
	}
	if len(hostCfg.Binds) != 1 || hostCfg.Binds[0] != "/var/lib/buildplane/p/b:/workspace" {
		t.Errorf("unexpected binds %v", hostCfg.Binds)
	}
	if len(cfg.Env) != 2 || cfg.Env[0] != "A=1" || cfg.Env[1] != "B=2" {
		t.Errorf("unexpected env %v", cfg.Env)
	}
	if cfg.Tty {
		t.Error("a tty would turn every newline of the build output into CRLF")
	}
}

func TestContainerSpec_NoWorkDir(t *testing.T) {
	cfg, hostCfg := containerSpec(StartOptions{Image: "alpine", Command: []string{"true"}})

	if cfg.WorkingDir != "" {
		t.Errorf("expected image default working dir, got %s", cfg.WorkingDir)
	}
	if len(hostCfg.Binds) != 0 {
		t.Errorf("expected no binds, got %v", hostCfg.Binds)
	}
}

func TestDemux_InterleavesStreamsWithoutFraming(t *testing.T) {
	var framed bytes.Buffer
	stdout := stdcopy.NewStdWriter(&framed, stdcopy.Stdout)
	stderr := stdcopy.NewStdWriter(&framed, stdcopy.Stderr)
	stdout.Write([]byte("$ make test\n"))
	stderr.Write([]byte("warning: deprecated flag\n"))
	stdout.Write([]byte("ok\n"))

	r := demux(io.NopCloser(&framed))
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if want := "$ make test\nwarning: deprecated flag\nok\n"; string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDemux_ReportsCorruptStream(t *testing.T) {
	// a frame header announcing stream 9, which does not exist
	r := demux(io.NopCloser(bytes.NewReader([]byte{9, 0, 0, 0, 0, 0, 0, 1, 'x'})))
	defer r.Close()

	if _, err := io.ReadAll(r); err == nil {
		t.Error("expected an error for an unknown stream")
	}
}

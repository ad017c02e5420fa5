package cmd

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"buildplane/pkg/api"
)

func TestStatusCommand_Success(t *testing.T) {
	startTime := time.Now().Add(-10 * time.Minute)
	endTime := time.Now().Add(-9 * time.Minute)
	revision := "9f2c1e0"

	output := runCLI(t, func(w http.ResponseWriter, r *http.Request) {
		// Verify request
		if r.Method != http.MethodGet {
			t.Errorf("expected GET method, got %s", r.Method)
		}
		if r.URL.Path != "/builds/build-123" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("expected Bearer token, got: %s", r.Header.Get("Authorization"))
		}

		json.NewEncoder(w).Encode(api.BuildResponse{
			ID:          "build-123",
			ProjectID:   "project-1",
			Number:      7,
			DisplayName: "Build #7 @ 2026-01-02 15:04:05",
			Status:      api.StatusSuccess,
			Revision:    &revision,
			CreatedAt:   startTime,
			StartedAt:   &startTime,
			FinishedAt:  &endTime,
		})
	}, "status", "build-123")

	for _, want := range []string{"build-123", "Build #7", "success", "9f2c1e0", "1m 0s"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestStatusCommand_Pending(t *testing.T) {
	output := runCLI(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.BuildResponse{ID: "b", Status: api.StatusPending, CreatedAt: time.Now()})
	}, "status", "b")

	if !strings.Contains(output, "Revision:"+colorReset+"    -") {
		t.Errorf("expected empty revision, got: %s", output)
	}
	if !strings.Contains(output, "Finished:"+colorReset+"    -") {
		t.Errorf("expected no finish time, got: %s", output)
	}
}

func TestStatusCommand_NotFound(t *testing.T) {
	output := runCLI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"Not found","code":"404"}`))
	}, "status", "non-existent")

	if !strings.Contains(output, "Error fetching build (404): Not found") {
		t.Errorf("expected 404 error, got: %s", output)
	}
}

func TestStatusCommand_RequiresBuildIDArgument(t *testing.T) {
	resetViper()

	rootCmd.SetArgs([]string{"status"})
	if err := rootCmd.Execute(); err == nil {
		t.Error("expected error when build id is missing")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

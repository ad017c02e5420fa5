package cmd

import (
	"fmt"
	"time"

	"buildplane/pkg/api"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [build_id]",
	Short: "Get status of a build",
	Long:  `Retrieve detailed status information for a build, including its current state (pending, running, success, failed, error), the checked out revision and timestamps.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		build, err := newClient().GetBuild(args[0])
		if err != nil {
			printAPIError(cmd, "fetching build", err)
			return
		}
		printStatus(cmd, *build)
	},
}

func printStatus(cmd *cobra.Command, build api.BuildResponse) {
	// Header with status icon
	icon := statusIcon(build.Status)
	cmd.Printf("%s %s%s%s\n", icon, colorBold, build.DisplayName, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, build.ID)
	cmd.Printf("%sProject:%s     %s\n", colorDim, colorReset, build.ProjectID)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(build.Status))

	if build.Revision != nil {
		cmd.Printf("%sRevision:%s    %s\n", colorDim, colorReset, *build.Revision)
	} else {
		cmd.Printf("%sRevision:%s    -\n", colorDim, colorReset)
	}

	cmd.Printf("%sQueued:%s      %s\n", colorDim, colorReset, formatTimeWithRelative(&build.CreatedAt))
	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(build.StartedAt))

	// Duration if both times available
	if build.StartedAt != nil && build.FinishedAt != nil {
		duration := build.FinishedAt.Sub(*build.StartedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(build.FinishedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(build.FinishedAt))
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case api.StatusSuccess:
		return colorGreen + "✓" + colorReset
	case api.StatusFailed, api.StatusError:
		return colorRed + "✗" + colorReset
	case api.StatusRunning:
		return colorYellow + "⏳" + colorReset
	case api.StatusPending:
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case api.StatusSuccess:
		return icon + " " + colorGreen + status + colorReset
	case api.StatusFailed, api.StatusError:
		return icon + " " + colorRed + status + colorReset
	case api.StatusRunning:
		return icon + " " + colorYellow + status + colorReset
	case api.StatusPending:
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func terminal(status string) bool {
	switch status {
	case api.StatusSuccess, api.StatusFailed, api.StatusError:
		return true
	}
	return false
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

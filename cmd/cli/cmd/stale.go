package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

var staleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List builds stuck in pending or running",
	Long: `List builds that have been pending (or running, with --status running) for longer
than --older-than. A pending build that never starts usually means its dispatch was lost.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		status, _ := cmd.Flags().GetString("status")

		builds, err := newClient().ListStaleBuilds(olderThan, status)
		if err != nil {
			printAPIError(cmd, "listing stale builds", err)
			return
		}
		if len(builds) == 0 {
			cmd.Printf("No builds %s for more than %s\n", status, olderThan)
			return
		}

		for _, b := range builds {
			cmd.Printf("%s %-36s %s %s(queued %s ago)%s\n",
				colorizeStatus(b.Status), b.ID, b.DisplayName, colorDim, relativeTime(b.CreatedAt), colorReset)
		}
	},
}

func init() {
	rootCmd.AddCommand(staleCmd)
	staleCmd.Flags().Duration("older-than", time.Hour, "Minimum age of a listed build")
	staleCmd.Flags().String("status", "pending", "Status to look for: pending or running")
}

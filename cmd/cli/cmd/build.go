package cmd

import (
	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build [project]",
	Short: "Start a build of a project",
	Long: `Queue a new build of the project. The build runs asynchronously on a worker.

Example:
  buildctl build 3f2b...-koss
  buildctl logs <build-id> --follow`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		build, err := newClient().TriggerBuild(args[0])
		if err != nil {
			printAPIError(cmd, "starting build", err)
			return
		}

		cmd.Printf("%s queued\n", build.DisplayName)
		cmd.Printf("Build ID: %s\n", build.ID)
		cmd.Printf("\nFollow it with:\n  buildctl logs %s --follow\n", build.ID)
	},
}

func init() {
	rootCmd.AddCommand(buildCmd)
}

package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var follow bool

// pollInterval is how often --follow checks the build.
var pollInterval = 2 * time.Second

var logsCmd = &cobra.Command{
	Use:   "logs [build_id]",
	Short: "Show the output of a build",
	Long: `Show the combined output of a build's checkout and steps.

Output is recorded when the build finishes. With --follow the command waits
for a pending or running build to finish and then prints its output.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		buildID := args[0]

		// Trap Ctrl+C to exit gracefully
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		client := newClient()
		lastStatus := ""

		for {
			build, err := client.GetBuild(buildID)
			if err != nil {
				printAPIError(cmd, "fetching build", err)
				if !follow {
					return
				}
			} else if terminal(build.Status) {
				cmd.Print(build.Output)
				if len(build.Output) > 0 && build.Output[len(build.Output)-1] != '\n' {
					cmd.Println()
				}
				if follow {
					cmd.Printf("%s %s\n", statusIcon(build.Status), build.Status)
				}
				return
			} else if !follow {
				cmd.Printf("Build is %s; output is available once it finishes (use --follow to wait)\n", build.Status)
				return
			} else if build.Status != lastStatus {
				cmd.Printf("%s %s...\n", statusIcon(build.Status), build.Status)
				lastStatus = build.Status
			}

			select {
			case <-sigChan:
				return
			case <-time.After(pollInterval):
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Wait for the build to finish")
}

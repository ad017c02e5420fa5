package cmd

import (
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history [project]",
	Short: "List a project's recent builds, most recent first",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")

		builds, err := newClient().ListBuilds(args[0], limit)
		if err != nil {
			printAPIError(cmd, "listing builds", err)
			return
		}
		if len(builds) == 0 {
			cmd.Println("No builds yet")
			return
		}

		for _, b := range builds {
			cmd.Printf("%s %-36s %s\n", colorizeStatus(b.Status), b.ID, b.DisplayName)
		}
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "Number of builds to show")
}

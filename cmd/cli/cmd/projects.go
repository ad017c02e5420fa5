package cmd

import (
	"os"
	"strings"

	"buildplane/pkg/api"

	"github.com/spf13/cobra"
)

var projectsCmd = &cobra.Command{
	Use:     "projects",
	Aliases: []string{"project"},
	Short:   "Manage projects",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects in display order",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		projects, err := newClient().ListProjects()
		if err != nil {
			printAPIError(cmd, "listing projects", err)
			return
		}
		if len(projects) == 0 {
			cmd.Println("No projects yet. Create one with 'buildctl projects create' or 'buildctl apply -f'.")
			return
		}

		cmd.Printf("%s%-4s %-24s %-10s %s%s\n", colorDim, "#", "NAME", "VCS", "LAST BUILD", colorReset)
		for _, p := range projects {
			last := "-"
			if p.LastBuild != nil {
				last = colorizeStatus(p.LastBuild.Status) + " " + p.LastBuild.DisplayName
			}
			cmd.Printf("%-4d %-24s %-10s %s\n", p.Position, p.Name, p.VCSType, last)
			cmd.Printf("     %s%s%s\n", colorDim, p.Ref, colorReset)
		}
	},
}

var projectsShowCmd = &cobra.Command{
	Use:   "show [project]",
	Short: "Show a project's configuration",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		p, err := newClient().GetProject(args[0])
		if err != nil {
			printAPIError(cmd, "fetching project", err)
			return
		}
		printProject(cmd, *p)
	},
}

var projectsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new project",
	Long: `Create a new project. It is added at the end of the project order.

Example:
  buildctl projects create --name koss --vcs-type git --vcs-source https://github.com/org/koss.git \
    --branch main --hook koss --step "make" --step "make test" --max-builds 50
  buildctl projects create --name legacy --vcs-type svn --vcs-source svn://svn.example.com/legacy --steps-file steps.sh`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		name, _ := flags.GetString("name")
		vcsType, _ := flags.GetString("vcs-type")
		vcsSource, _ := flags.GetString("vcs-source")
		branch, _ := flags.GetString("branch")
		hook, _ := flags.GetString("hook")
		steps, _ := flags.GetStringArray("step")
		stepsFile, _ := flags.GetString("steps-file")
		maxBuilds, _ := flags.GetInt("max-builds")

		if name == "" {
			cmd.Println("Error: --name is required")
			return
		}
		if vcsSource == "" {
			cmd.Println("Error: --vcs-source is required")
			return
		}

		stepText := strings.Join(steps, "\n")
		if stepsFile != "" {
			raw, err := os.ReadFile(stepsFile)
			if err != nil {
				cmd.Printf("Error reading steps file: %v\n", err)
				return
			}
			stepText = string(raw)
		}

		p, err := newClient().CreateProject(api.ProjectRequest{
			Name:      name,
			Steps:     stepText,
			VCSType:   vcsType,
			VCSSource: vcsSource,
			VCSBranch: branch,
			HookName:  hook,
			MaxBuilds: maxBuilds,
		})
		if err != nil {
			printAPIError(cmd, "creating project", err)
			return
		}

		cmd.Println("Project created successfully!")
		cmd.Printf("Ref: %s\n", p.Ref)
		cmd.Printf("\nStart a build with:\n  buildctl build %s\n", p.Ref)
	},
}

var projectsDeleteCmd = &cobra.Command{
	Use:   "delete [project]",
	Short: "Delete a project and all of its builds",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := newClient().DeleteProject(args[0]); err != nil {
			printAPIError(cmd, "deleting project", err)
			return
		}
		cmd.Printf("Project %s deleted\n", args[0])
	},
}

var projectsMoveCmd = &cobra.Command{
	Use:       "move [project] [up|down]",
	Short:     "Move a project one place up or down in the order",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"up", "down"},
	Run: func(cmd *cobra.Command, args []string) {
		direction := args[1]
		if direction != "up" && direction != "down" {
			cmd.Println("Error: direction must be up or down")
			return
		}

		resp, err := newClient().MoveProject(args[0], direction)
		if err != nil {
			printAPIError(cmd, "moving project", err)
			return
		}
		if !resp.Moved {
			cmd.Printf("Project is already at the %s; position %d unchanged\n", map[string]string{"up": "top", "down": "bottom"}[direction], resp.Position)
			return
		}
		cmd.Printf("Project moved %s to position %d\n", direction, resp.Position)
	},
}

func printProject(cmd *cobra.Command, p api.ProjectResponse) {
	cmd.Printf("%s%s%s\n", colorBold, p.Name, colorReset)
	cmd.Println("──────────────────────────────")
	cmd.Printf("%sRef:%s         %s\n", colorDim, colorReset, p.Ref)
	cmd.Printf("%sPosition:%s    %d\n", colorDim, colorReset, p.Position)
	cmd.Printf("%sVCS:%s         %s %s\n", colorDim, colorReset, p.VCSType, p.VCSSource)
	if p.VCSBranch != "" {
		cmd.Printf("%sBranch:%s      %s\n", colorDim, colorReset, p.VCSBranch)
	}
	if p.HookName != "" {
		cmd.Printf("%sHook:%s        /hooks/%s\n", colorDim, colorReset, p.HookName)
	}
	if p.MaxBuilds > 0 {
		cmd.Printf("%sMax builds:%s  %d\n", colorDim, colorReset, p.MaxBuilds)
	} else {
		cmd.Printf("%sMax builds:%s  unlimited\n", colorDim, colorReset)
	}
	cmd.Printf("%sSteps:%s\n", colorDim, colorReset)
	for _, line := range strings.Split(strings.TrimSpace(p.Steps), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			cmd.Printf("  $ %s\n", line)
		}
	}
}

func init() {
	rootCmd.AddCommand(projectsCmd)
	projectsCmd.AddCommand(projectsListCmd, projectsShowCmd, projectsCreateCmd, projectsDeleteCmd, projectsMoveCmd)

	projectsCreateCmd.Flags().String("name", "", "Project name (required)")
	projectsCreateCmd.Flags().String("vcs-type", "git", "Version control backend: git, gogit or svn")
	projectsCreateCmd.Flags().String("vcs-source", "", "Repository URL or path (required)")
	projectsCreateCmd.Flags().String("branch", "", "Branch to build (default: the repository default)")
	projectsCreateCmd.Flags().String("hook", "", "Hook name for POST /hooks/<name> triggers")
	projectsCreateCmd.Flags().StringArray("step", nil, "Shell step, repeatable, run in order")
	projectsCreateCmd.Flags().String("steps-file", "", "File with one shell step per line")
	projectsCreateCmd.Flags().Int("max-builds", 0, "Builds to keep, 0 keeps all")
}

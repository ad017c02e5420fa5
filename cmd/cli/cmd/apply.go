package cmd

import (
	"fmt"
	"io"
	"os"

	"buildplane/pkg/api"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Manifest is the file format read by apply.
type Manifest struct {
	Projects []api.ProjectRequest `yaml:"projects"`
}

// LoadManifest decodes a manifest and rejects unknown keys and unnamed projects.
func LoadManifest(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil && err != io.EOF {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Projects))
	for i, p := range m.Projects {
		if p.Name == "" {
			return nil, fmt.Errorf("invalid manifest: project %d has no name", i+1)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("invalid manifest: project %q is listed twice", p.Name)
		}
		seen[p.Name] = true
	}
	return &m, nil
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update projects from a YAML manifest",
	Long: `Create or update projects from a YAML manifest. Projects are matched by name;
existing projects are updated in place and keep their position, new ones are
appended to the order. Projects missing from the manifest are left alone.

Example manifest:
  projects:
    - name: koss
      vcs_type: git
      vcs_source: https://github.com/org/koss.git
      vcs_branch: main
      hook_name: koss
      max_builds: 50
      steps: |
        make
        make test`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			cmd.Println("Error: --file is required")
			return
		}

		var in io.Reader = cmd.InOrStdin()
		if file != "-" {
			f, err := os.Open(file)
			if err != nil {
				cmd.Printf("Error opening manifest: %v\n", err)
				return
			}
			defer f.Close()
			in = f
		}

		manifest, err := LoadManifest(in)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		client := newClient()
		existing, err := client.ListProjects()
		if err != nil {
			printAPIError(cmd, "listing projects", err)
			return
		}
		refs := make(map[string]string, len(existing))
		for _, p := range existing {
			refs[p.Name] = p.Ref
		}

		for _, req := range manifest.Projects {
			if ref, ok := refs[req.Name]; ok {
				if _, err := client.UpdateProject(ref, req); err != nil {
					printAPIError(cmd, fmt.Sprintf("updating %s", req.Name), err)
					continue
				}
				cmd.Printf("%s updated\n", req.Name)
				continue
			}

			p, err := client.CreateProject(req)
			if err != nil {
				printAPIError(cmd, fmt.Sprintf("creating %s", req.Name), err)
				continue
			}
			cmd.Printf("%s created (%s)\n", req.Name, p.Ref)
		}
	},
}

func init() {
	rootCmd.AddCommand(applyCmd)
	applyCmd.Flags().StringP("file", "f", "", "Manifest file, or - for stdin")
}

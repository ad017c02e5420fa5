package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "buildctl",
	Short: "buildctl is a command line tool for interacting with the buildplane CI server",
	Long: `buildctl is the command-line interface for the buildplane continuous integration server.

A project names a repository (git, gogit or svn), an optional branch and a list of
shell steps. Every build checks the repository out into a fresh working directory,
runs the steps in order and records the combined output.

Common workflows:

  Register projects from a manifest:
    buildctl apply -f projects.yaml

  Start a build and follow it:
    buildctl build <project>
    buildctl logs <build-id> --follow

  Inspect history and stuck builds:
    buildctl history <project>
    buildctl stale --older-than 30m

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    BUILDPLANE_URL      API endpoint (default: http://localhost:6161)
    BUILDPLANE_TOKEN    API token, required by mutating commands when the server sets one`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".buildctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".buildctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "BUILDPLANE_VARNAME"
	viper.SetEnvPrefix("BUILDPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newClient builds a client from the url and token settings.
func newClient() *BuildClient {
	return NewBuildClient(viper.GetString("url"), viper.GetString("token"))
}

// printAPIError reports err, showing the status code for API errors.
func printAPIError(cmd *cobra.Command, action string, err error) {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("Error %s (%d): %s\n", action, apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("Error %s: %v\n", action, err)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.buildctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "buildplane Controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API Token for mutating commands")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

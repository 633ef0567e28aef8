// Package cmd provides the command-line interface for ASE.
package cmd

import (
	"os"

	"github.com/sarchlab/ase/session"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "asectl",
	Short: "asectl runs and inspects application-side simulation sessions.",
	Long: `asectl runs and inspects application-side simulation sessions. ` +
		`It can start a loopback simulator, probe a session end to end and ` +
		`clean up what a crashed application left behind.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("workdir", "",
		"Session work directory. Overrides ASE_WORKDIR.")
}

// workDir returns the work directory from the flag or the environment.
func workDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("workdir")
	if dir != "" {
		return dir
	}

	return os.Getenv(session.EnvWorkDir)
}

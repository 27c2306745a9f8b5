// Command rt inspects and synchronizes locally tracked runs.
package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

// Version is the client version reported to the tracking service. Release
// builds set it with -ldflags "-X main.Version=...".
var Version = "0.4.0"

// errExit makes rt exit with status 1 after a command already reported why.
var errExit = errors.New("exit status 1")

var rootCmd = &cobra.Command{
	Use:   "rt",
	Short: "Synchronize locally tracked runs with the tracking service",
	Long: `rt works on the .runtrack directory written by tracked programs.

Runs are recorded to a durable on-disk queue first and synchronized later,
either on demand (rt sync) or continuously (rt daemon). Runs recorded while
offline are registered with a project when they are synchronized.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "inspect", Title: "Inspection:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	rootCmd.PersistentFlags().StringP("location", "l", ".", "Directory holding the .runtrack folder")
	rootCmd.PersistentFlags().String("backend", "", "Backend URL, or sqlite:<path> for the local backend (env RUNTRACK_BACKEND)")
	rootCmd.PersistentFlags().String("api-token", "", "API token (env RUNTRACK_API_TOKEN)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errExit) {
			printError(err)
		}
		os.Exit(1)
	}
}

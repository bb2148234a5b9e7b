package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/studyhive/realtime/internal/build"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Run:   runVersion,
}

// runVersion prints the version and build information.
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("hivewatch version %s", build.Version())

	if build.Commit != "" {
		fmt.Printf(" commit=%s", build.Commit)
	}

	fmt.Printf(" go=%s", runtime.Version())
	fmt.Println()
}

package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		_, _ = fmt.Fprintf(os.Stdout, "%s %s\n", binaryName, versionInfo.Version)
		_, _ = fmt.Fprintf(os.Stdout, "commit=%s\n", versionInfo.Commit)
		_, _ = fmt.Fprintf(os.Stdout, "build_date=%s\n", versionInfo.BuildDate)
		_, _ = fmt.Fprintf(os.Stdout, "go=%s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

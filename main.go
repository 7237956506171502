// Command collabdoc exercises the document engine from the command line:
// demo converges two in-process replicas, inspect decodes a snapshot.
package main

import (
	"fmt"
	"os"

	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "collabdoc",
	Short:         "Collaborative document engine tools",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	litter.Config.HidePrivateFields = false
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

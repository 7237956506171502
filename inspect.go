package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"

	"github.com/kevinxiao27/collabdoc/document"
	"github.com/kevinxiao27/collabdoc/snapshot"
	"github.com/kevinxiao27/collabdoc/util"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [snapshot-file]",
	Short: "Decode a snapshot and print its contents",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var inspectFull bool

func init() {
	inspectCmd.Flags().BoolVar(&inspectFull, "full", false, "dump every operation and item")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	state, err := snapshot.Decode(data)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	var text strings.Builder
	for _, span := range state.Visible {
		text.WriteString(span.Content)
	}
	tombstones := len(util.Filter(state.Items, func(item document.Item) bool { return item.Deleted }))

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "content:    %q\n", text.String())
	fmt.Fprintf(out, "operations: %d\n", len(state.Operations))
	fmt.Fprintf(out, "items:      %d (%d deleted)\n", len(state.Items), tombstones)
	for _, entry := range state.Version {
		fmt.Fprintf(out, "version:    %s @ %d\n", entry.Author, entry.Timestamp)
	}
	if inspectFull {
		fmt.Fprintln(out, litter.Sdump(state))
	}
	return nil
}

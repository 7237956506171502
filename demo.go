package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"

	"github.com/kevinxiao27/collabdoc/engine"
	"github.com/kevinxiao27/collabdoc/internal/config"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Edit two replicas concurrently and merge them",
	Args:  cobra.NoArgs,
	RunE:  runDemo,
}

var (
	demoOut     string
	demoVerbose bool
)

func init() {
	demoCmd.Flags().StringVarP(&demoOut, "out", "o", "", "write the merged snapshot to this file")
	demoCmd.Flags().BoolVarP(&demoVerbose, "verbose", "v", false, "dump both replicas after merging")
	rootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	cfg := config.DefaultEngine()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if demoVerbose {
		cfg.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	a, err := engine.New(cfg, engine.WithReplica("a"))
	if err != nil {
		return err
	}
	z, err := engine.New(cfg, engine.WithReplica("z"))
	if err != nil {
		return err
	}
	if _, err := a.Insert(0, "hi", nil); err != nil {
		return err
	}
	if _, err := z.Insert(0, "yoooo", nil); err != nil {
		return err
	}

	if err := exchange(a, z); err != nil {
		return err
	}
	if err := exchange(z, a); err != nil {
		return err
	}

	result1, result2 := a.Text(), z.Text()
	fmt.Fprintf(out, "Result a: %q\n", result1)
	fmt.Fprintf(out, "Result z: %q\n", result2)
	if result1 == result2 {
		fmt.Fprintln(out, "Replicas converged")
	} else {
		fmt.Fprintln(out, "Replicas differ")
		for i := 0; i < min(len(result1), len(result2)); i++ {
			if result1[i] != result2[i] {
				fmt.Fprintf(out, "Position %d differs: a=%q, z=%q\n", i, result1[i], result2[i])
			}
		}
	}

	if demoVerbose {
		fmt.Fprintln(out, a.Dump())
		fmt.Fprintln(out, litter.Sdump(z.Stats()))
	}
	if demoOut != "" {
		data, err := a.SerializeState()
		if err != nil {
			return err
		}
		if err := os.WriteFile(demoOut, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "Snapshot written to %s (%d bytes)\n", demoOut, len(data))
	}
	if result1 != result2 {
		return fmt.Errorf("replicas diverged: %s", strings.Join([]string{result1, result2}, " != "))
	}
	return nil
}

// exchange merges from's snapshot into to.
func exchange(from, to *engine.Engine) error {
	data, err := from.SerializeState()
	if err != nil {
		return err
	}
	return to.Merge(data)
}

// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pdiddy/rct-designspec/internal/normalize"
)

var normalizeCmd = &cobra.Command{
	Use:   "normalize",
	Short: "Normalize a raw registry export into trial records",
	Long: `Normalize reads a registry export (a JSON array, an object of entries,
or JSONL), cleans every text field, and writes one canonical trial record
per line. Entries without an RCT ID are reported and skipped; the rest of
the file is still written.`,
	RunE: runNormalize,
}

func init() {
	normalizeCmd.Flags().String("in", "", "registry export to read (required)")
	normalizeCmd.Flags().String("out", "data/design_specs.jsonl", "trial records JSONL to write")
	normalizeCmd.MarkFlagRequired("in")

	rootCmd.AddCommand(normalizeCmd)
}

func runNormalize(cmd *cobra.Command, args []string) error {
	in, _ := cmd.Flags().GetString("in")
	out, _ := cmd.Flags().GetString("out")

	records, summary, err := normalize.ReadRecords(in, os.Stderr)
	if err != nil {
		return err
	}
	if err := normalize.WriteRecords(out, records); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Normalized %d record(s) to %s, %d failed, %d duplicate(s) skipped\n", summary.Written, out, summary.Failed, summary.Duplicates)
	if summary.HasFailures() {
		return fmt.Errorf("%d entr(ies) failed normalization", summary.Failed)
	}
	return nil
}

// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/rct-designspec/internal/ledger"
	"github.com/pdiddy/rct-designspec/pkg/types"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Query the audit ledger of extraction runs",
	Long: `Ledger reads the SQLite audit ledger written by extract and batch
reconcile. It holds the latest enriched record per trial and every attempt
that led to it.`,
}

// --- retrieve subcommand ---

var ledgerRetrieveCmd = &cobra.Command{
	Use:   "retrieve",
	Short: "List stored records matching the filters",
	Long: `Retrieve lists the latest enriched record for each trial, filtered by
RCT ID, design type, review flag, or error kind. With --rct-id the attempt
history is shown as well.`,
	RunE: runLedgerRetrieve,
}

func runLedgerRetrieve(cmd *cobra.Command, args []string) error {
	l, opts, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer l.Close()
	ctx := context.Background()

	records, err := l.Retrieve(ctx, opts)
	if err != nil {
		return err
	}
	var attempts []ledger.Attempt
	if opts.RCTID != "" {
		if attempts, err = l.Attempts(ctx, opts.RCTID); err != nil {
			return err
		}
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if opts.RCTID != "" {
			return enc.Encode(map[string]any{"records": records, "attempts": attempts})
		}
		return enc.Encode(records)
	}

	if len(records) == 0 {
		fmt.Println("No records found.")
		return nil
	}
	fmt.Fprintf(os.Stdout, "%-14s  %-18s  %-6s  %-6s  %-8s  %s\n", "RCT ID", "Design", "Passed", "Manual", "Attempts", "Errors")
	fmt.Fprintln(os.Stdout, strings.Repeat("-", 90))
	for _, r := range records {
		q := r.Enrichment.Quality
		kinds := make([]string, 0, len(q.Errors))
		for _, e := range q.Errors {
			kinds = append(kinds, string(e.Kind))
		}
		fmt.Fprintf(os.Stdout, "%-14s  %-18s  %-6t  %-6t  %-8d  %s\n",
			r.RCTID, r.Enrichment.Derived.DesignType, q.Passed, q.NeedsManual, r.Enrichment.LLM.Attempts, strings.Join(kinds, ","))
	}
	fmt.Fprintf(os.Stdout, "\n%d record(s)\n", len(records))

	for _, a := range attempts {
		fmt.Fprintf(os.Stdout, "  %s  attempt %d  %-8s %-13s cache_hit=%t passed=%t %d error(s)\n",
			a.At.Format("2006-01-02 15:04:05"), a.Attempt, a.Action, a.Mode, a.CacheHit, a.Passed, len(a.Errors))
	}
	return nil
}

// --- export subcommand ---

var ledgerExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored records for review as YAML or JSON",
	Long: `Export writes the review view of the stored records (verdict, errors
and attempt history) to export.yaml or export.json in the ledger directory.
It accepts the same filters as retrieve.`,
	RunE: runLedgerExport,
}

func runLedgerExport(cmd *cobra.Command, args []string) error {
	l, opts, err := openLedger(cmd)
	if err != nil {
		return err
	}
	defer l.Close()

	format, _ := cmd.Flags().GetString("format")
	var path string
	switch format {
	case "yaml":
		path, err = l.ExportYAML(context.Background(), opts)
	case "json":
		path, err = l.ExportJSON(context.Background(), opts)
	default:
		return fmt.Errorf("unsupported format %q: use yaml or json", format)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Exported to %s\n", path)
	return nil
}

// openLedger loads the configuration and builds query options from the
// shared filter flags.
func openLedger(cmd *cobra.Command) (*ledger.Ledger, ledger.QueryOptions, error) {
	cfg, err := commandConfig(cmd, map[string]string{"ledger.dir": "ledger-dir"})
	if err != nil {
		return nil, ledger.QueryOptions{}, err
	}
	l, err := ledger.Open(cfg.Ledger)
	if err != nil {
		return nil, ledger.QueryOptions{}, err
	}

	f := cmd.Flags()
	var opts ledger.QueryOptions
	opts.RCTID, _ = f.GetString("rct-id")
	design, _ := f.GetString("design-type")
	opts.DesignType = types.DesignType(design)
	kind, _ := f.GetString("error-kind")
	opts.ErrorKind = types.ErrorKind(kind)
	opts.MaxResults, _ = f.GetInt("limit")
	if f.Changed("needs-manual") {
		v, _ := f.GetBool("needs-manual")
		opts.NeedsManual = &v
	}
	return l, opts, nil
}

func init() {
	for _, c := range []*cobra.Command{ledgerRetrieveCmd, ledgerExportCmd} {
		c.Flags().String("ledger-dir", "", "ledger directory (default data/ledger)")
		c.Flags().String("rct-id", "", "filter by RCT ID")
		c.Flags().String("design-type", "", "filter by design type")
		c.Flags().String("error-kind", "", "filter by validation error kind")
		c.Flags().Bool("needs-manual", false, "filter by the manual review flag")
		ledgerCmd.AddCommand(c)
	}
	ledgerRetrieveCmd.Flags().Int("limit", 0, "maximum records to return (default from config)")
	ledgerRetrieveCmd.Flags().Bool("json", false, "output as JSON")
	ledgerExportCmd.Flags().String("format", "yaml", "export format: yaml or json")

	rootCmd.AddCommand(ledgerCmd)
}

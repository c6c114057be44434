package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/mallorcaeat/pipeline/internal/pipeline"
	"github.com/mallorcaeat/pipeline/internal/reconcile"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the schema and reconcile an existing database",
	Long:  "Adds missing pipeline columns, backfills scraped_at and the run tracker, disqualifies restaurants below the thresholds and seeds configured runs. Safe to run repeatedly.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		results, err := reconcile.New(st, cfg.Thresholds).
			WithSeed(pipeline.ConfiguredRuns(cfg.Search)).
			Run(ctx)
		formatReconcile(os.Stdout, results)
		if err != nil {
			return eris.Wrap(err, "migrate")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

// formatReconcile writes one line per completed reconciliation step to w.
func formatReconcile(out io.Writer, results []reconcile.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STEP\tCHANGED\tDURATION\tDETAIL")
	for _, r := range results {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.Step, r.Changed, r.Duration.Round(time.Millisecond), strings.Join(r.Detail, ","))
	}
	_ = w.Flush()
}

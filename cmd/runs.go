package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/mallorcaeat/pipeline/internal/catalog"
	"github.com/mallorcaeat/pipeline/internal/model"
	"github.com/mallorcaeat/pipeline/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the search run tracker",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked (query, location) runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "migrate")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		due, _ := cmd.Flags().GetBool("due")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{Status: model.RunStatus(status), Limit: limit}
		if filter.Status != "" && !filter.Status.Valid() {
			return eris.Errorf("runs list: unknown status %q", status)
		}
		if due {
			cutoff := time.Now().UTC().AddDate(0, 0, -cfg.Search.RerunAfterDays)
			filter.DueBefore = &cutoff
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show restaurant and run counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "migrate")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := catalog.New(st, cfg.Thresholds).Stats(ctx, rerunAfter())
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		formatStats(os.Stdout, stats)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (pending, ok, error)")
	runsListCmd.Flags().Bool("due", false, "only runs due for a re-scrape")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

func rerunAfter() time.Duration {
	return time.Duration(cfg.Search.RerunAfterDays) * 24 * time.Hour
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.PipelineRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "QUERY\tLOCATION\tSTATUS\tRESULTS\tLAST RUN\tLAST SUCCESS")
	_, _ = fmt.Fprintln(w, "-----\t--------\t------\t-------\t--------\t------------")

	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.Query,
			r.Location,
			r.Status,
			r.ResultCount,
			formatTime(r.LastRunAt),
			formatTime(r.LastSuccessAt),
		)
	}
	_ = w.Flush()
}

// formatStats writes the dashboard counts to w.
func formatStats(out io.Writer, s *catalog.Stats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Restaurants:\t%d\n", s.Total)
	for _, status := range model.AllStatuses {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", status, s.Statuses[status])
	}
	_, _ = fmt.Fprintf(w, "Curated:\t%d\n", s.Curated)
	_, _ = fmt.Fprintf(w, "Profiles today:\t%d\n", s.ProfilesToday)
	_, _ = fmt.Fprintf(w, "Runs due:\t%d\n", s.DueRuns)
	_ = w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

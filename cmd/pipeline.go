package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mallorcaeat/pipeline/internal/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run or seed the curation pipeline",
}

// -- pipeline run --

var pipelineRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run pipeline stages",
	Long:  "Runs the selected stages in order: search, qualify, enrich, completeness, details, verify.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stagesFlag, _ := cmd.Flags().GetString("stages")
		stages, err := pipeline.ParseStages(stagesFlag)
		if err != nil {
			return err
		}
		opts := pipeline.Options{Stages: stages}
		opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
		opts.ForceSearch, _ = cmd.Flags().GetBool("force-search")
		opts.Limit, _ = cmd.Flags().GetInt("limit")
		opts.DailyLimit, _ = cmd.Flags().GetInt("daily-limit")
		opts.VerifyDays, _ = cmd.Flags().GetInt("verify-days")
		opts.ReEnrich, _ = cmd.Flags().GetBool("re-enrich")

		st, err := openStore(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := initPipeline(st, stages, opts.DryRun)
		if err != nil {
			return err
		}

		report, err := p.Run(ctx, opts)
		if report != nil {
			formatReport(os.Stdout, report)
		}
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}
		return nil
	},
}

// -- pipeline init --

var pipelineInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Seed the run tracker from configured terms and locations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		configured := pipeline.ConfiguredRuns(cfg.Search)
		n, err := pipeline.New(cfg, st, nil, nil, nil).SeedRuns(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("pipeline init complete", zap.Int("configured", len(configured)), zap.Int64("seeded", n))
		fmt.Printf("Seeded %d of %d configured runs.\n", n, len(configured))
		return nil
	},
}

func init() {
	f := pipelineRunCmd.Flags()
	f.String("stages", "", "comma-separated stages to run (default all)")
	f.Bool("dry-run", false, "log what each stage would do without calling providers or writing")
	f.Bool("force-search", false, "re-scrape every configured run regardless of age")
	f.Int("limit", 0, "max provider calls per stage (0 = no limit)")
	f.Int("daily-limit", 0, "override enrich.daily_limit")
	f.Int("verify-days", 0, "override verify.max_age_days")
	f.Bool("re-enrich", false, "regenerate incomplete profiles of enriched restaurants")

	pipelineCmd.AddCommand(pipelineRunCmd)
	pipelineCmd.AddCommand(pipelineInitCmd)
	rootCmd.AddCommand(pipelineCmd)
}

// formatReport writes a per-stage summary of report to w.
func formatReport(out io.Writer, report *pipeline.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run %s\n", truncateID(report.RunID))
	_, _ = fmt.Fprintln(w, "STAGE\tCANDIDATES\tOK\tFAILED\tSKIPPED\tCHANGED\tDURATION\tERROR")
	for _, s := range report.Stages {
		stage := string(s.Stage)
		if s.DryRun {
			stage += " (dry)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			stage, s.Candidates, s.Succeeded, s.Failed, s.Skipped, s.Changed,
			s.Duration.Round(time.Millisecond), s.Error)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

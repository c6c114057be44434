package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mallorcaeat/pipeline/internal/catalog"
	"github.com/mallorcaeat/pipeline/internal/model"
)

var curatedCmd = &cobra.Command{
	Use:   "curated",
	Short: "Print the curated restaurant list",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		format, _ := cmd.Flags().GetString("format")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx, "migrate")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		list, err := catalog.New(st, cfg.Thresholds).CuratedRestaurants(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "curated")
		}
		return writeCurated(os.Stdout, list, format)
	},
}

func init() {
	curatedCmd.Flags().String("format", "table", "output format: table, json or yaml")
	curatedCmd.Flags().Int("limit", 0, "max restaurants (0 = all)")
	rootCmd.AddCommand(curatedCmd)
}

func writeCurated(out io.Writer, list []model.CuratedRestaurant, format string) error {
	if list == nil {
		list = []model.CuratedRestaurant{}
	}
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(list); err != nil {
			return eris.Wrap(err, "curated: encode yaml")
		}
		return enc.Close()
	case "table", "":
		formatCuratedTable(out, list)
		return nil
	default:
		return eris.Errorf("curated: unknown format %q", format)
	}
}

func formatCuratedTable(out io.Writer, list []model.CuratedRestaurant) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tRATING\tREVIEWS\tCATEGORIES\tADDRESS")
	for _, r := range list {
		name := r.Name
		if len(name) > 40 {
			name = name[:37] + "..."
		}
		rating, reviews := "-", "-"
		if r.Rating != nil {
			rating = fmt.Sprintf("%.1f", *r.Rating)
		}
		if r.RatingCount != nil {
			reviews = fmt.Sprintf("%d", *r.RatingCount)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, rating, reviews, strings.Join(r.Categories, ", "), r.Address)
	}
	_ = w.Flush()
}

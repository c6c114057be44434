package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mallorcaeat/pipeline/internal/catalog"
)

var deactivateCmd = &cobra.Command{
	Use:   "deactivate <place-id>",
	Short: "Remove a restaurant from the curated list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "migrate")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := catalog.New(st, cfg.Thresholds).Deactivate(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deactivated %s.\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deactivateCmd)
}

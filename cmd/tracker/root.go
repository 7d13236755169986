package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "tracker",
	Short:        "Classified feed tracker",
	Long:         "Retrieves classified feeds, ingests their listings, enriches them from detail pages and serves the result.",
	SilenceUsage: true,
}

// Execute runs the command line with ctx as the root context.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

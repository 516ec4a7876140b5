package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"experimenter/pkg/logger"
)

var syncCmd = &cobra.Command{
	Use:   "sync [collection...]",
	Short: "Run one publication scan",
	Long: `Run a single publication scan and exit.

Without arguments every configured collection and the preview collection
are scanned. With arguments only the named collections are scanned.

Examples:
  experimenter sync                             # Scan everything once
  experimenter sync nimbus-desktop-experiments  # Scan one collection`,
	RunE: runSync,
}

var syncTimeout time.Duration

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 2*time.Minute, "Abort the scan after this long")
}

func runSync(cmd *cobra.Command, args []string) error {
	_, app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
	defer cancel()

	known := make(map[string]bool)
	for _, c := range app.Synchronizer.Collections() {
		known[c] = true
	}
	for _, c := range args {
		if !known[c] {
			return fmt.Errorf("unknown collection %q", c)
		}
	}

	if err := app.Worker.RunOnce(ctx, args...); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Scan complete")
	return nil
}

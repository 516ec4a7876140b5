package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"experimenter/business/targeting"
)

var targetingCmd = &cobra.Command{
	Use:   "targeting <slug>",
	Short: "Print and validate an experiment's targeting expression",
	Args:  cobra.ExactArgs(1),
	RunE:  runTargeting,
}

func runTargeting(cmd *cobra.Command, args []string) error {
	_, app, err := loadApp()
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	exp, err := app.Lifecycle.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get experiment: %w", err)
	}

	expr := targeting.Build(exp)
	fmt.Fprintln(cmd.OutOrStdout(), expr)
	if err := app.Dialect.Validate(expr); err != nil {
		return fmt.Errorf("targeting does not compile: %w", err)
	}
	return nil
}

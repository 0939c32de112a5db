package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jgoulah/rtenergy/internal/view"
)

var identifyCmd = &cobra.Command{
	Use:   "identify",
	Short: "Identify the connected load once",
	Long:  `Asks the telemetry service to classify the connected load (resistive, inductive or capacitive) and prints the phase angle.`,
	RunE:  runIdentify,
}

func init() {
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GetTimeout())
	defer cancel()

	res, err := newClient(cfg).FetchClassification(ctx)
	if err != nil {
		return fmt.Errorf("identifying load: %w", err)
	}

	fmt.Fprintf(out, "Load type:   %s\n", view.LoadLabel(res.LoadType))
	fmt.Fprintf(out, "Phase angle: %.1f°\n", res.PhaseAngle)
	return nil
}

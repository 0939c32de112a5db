package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jgoulah/rtenergy/internal/view"
)

var spectrumTop int

var spectrumCmd = &cobra.Command{
	Use:   "spectrum",
	Short: "Fetch the harmonic spectrum once",
	Long:  `Fetches the current FFT of the waveform and prints the strongest bins.`,
	RunE:  runSpectrum,
}

func init() {
	spectrumCmd.Flags().IntVar(&spectrumTop, "top", 10, "Number of bins to print, strongest first (0 = all, by frequency)")
	rootCmd.AddCommand(spectrumCmd)
}

func runSpectrum(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GetTimeout())
	defer cancel()

	bins, err := newClient(cfg).FetchSpectrum(ctx)
	if err != nil {
		return fmt.Errorf("fetching spectrum: %w", err)
	}

	if len(bins) == 0 {
		fmt.Fprintln(out, "No spectrum data")
		return nil
	}

	if spectrumTop > 0 {
		bins = view.StrongestBins(bins, spectrumTop)
	}

	fmt.Fprintln(out, "----------------------------------------")
	fmt.Fprintf(out, "%-14s  %10s\n", "Frequency (Hz)", "Amplitude")
	fmt.Fprintln(out, "----------------------------------------")
	for _, bin := range bins {
		fmt.Fprintf(out, "%14.1f  %10.3f\n", bin.Frequency, bin.Amplitude)
	}
	fmt.Fprintln(out, "----------------------------------------")
	fmt.Fprintf(out, "%d bins\n", len(bins))
	return nil
}

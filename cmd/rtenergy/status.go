package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jgoulah/rtenergy/internal/view"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the live state of a running watch",
	Long:  `Reads the live state exported by a running "rtenergy watch" from the database and prints it.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if _, err := os.Stat(cfg.StateDB); os.IsNotExist(err) {
		fmt.Fprintf(out, "No live state at %s; is rtenergy watch running?\n", cfg.StateDB)
		return nil
	}

	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	state, err := db.Load()
	if err != nil {
		return fmt.Errorf("loading live state: %w", err)
	}
	if state.Session == nil {
		fmt.Fprintln(out, "No running watch session found")
		return nil
	}

	now := time.Now()
	fmt.Fprintf(out, "Session %s, started %s, last update %s\n",
		state.Session.ID,
		humanize.RelTime(state.Session.StartedAt, now, "ago", "from now"),
		humanize.RelTime(state.Session.UpdatedAt, now, "ago", "from now"))

	snap, err := state.Snapshot()
	if err != nil {
		return fmt.Errorf("reading live state: %w", err)
	}
	return view.Render(out, snap, now)
}

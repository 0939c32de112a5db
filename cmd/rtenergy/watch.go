package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jgoulah/rtenergy/internal/config"
	"github.com/jgoulah/rtenergy/internal/connectivity"
	"github.com/jgoulah/rtenergy/internal/log"
	"github.com/jgoulah/rtenergy/internal/metrics"
	"github.com/jgoulah/rtenergy/internal/publisher"
	"github.com/jgoulah/rtenergy/internal/reconciler"
	"github.com/jgoulah/rtenergy/internal/scheduler"
	"github.com/jgoulah/rtenergy/internal/view"
)

var (
	watchNoView   bool
	watchNoExport bool
)

var errQuit = errors.New("quit requested")

const clearScreen = "\033[H\033[2J"

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the device and show a live dashboard",
	Long: `Starts a polling session: waveform, RMS and spectrum are fetched on their own
cadence and the dashboard is redrawn continuously.

Commands on stdin:
  i  identify the connected load
  f  refresh the harmonic spectrum now
  q  quit`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchNoView, "no-view", false, "do not draw the dashboard (exports and metrics only)")
	watchCmd.Flags().BoolVar(&watchNoExport, "no-export", false, "do not write live state to the database")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sessionID := uuid.NewString()
	sessionLog := log.With("session_id", sessionID)

	rec := reconciler.New(reconciler.WithSeriesLimit(cfg.Poll.MaxSeriesPoints))
	est := connectivity.New(cfg.GetFailureThreshold())

	opts := []scheduler.Option{
		scheduler.WithIntervals(scheduler.Intervals{
			Series:   cfg.GetSeriesInterval(),
			RMS:      cfg.GetRMSInterval(),
			Spectrum: cfg.GetSpectrumInterval(),
		}),
		scheduler.WithTimeout(cfg.GetTimeout()),
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(reg)
	opts = append(opts, scheduler.WithObserver(collector), scheduler.WithSink(collector))

	// Live-state export
	if !watchNoExport {
		db, err := openDB(cfg)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()

		if err := db.BeginSession(sessionID); err != nil {
			return fmt.Errorf("starting live-state session: %w", err)
		}
		defer func() {
			if err := db.Clear(); err != nil {
				sessionLog.Warnw("clearing live state", "error", err)
			}
		}()
		opts = append(opts, scheduler.WithSink(db))
	}

	// MQTT
	if cfg.MQTT.Enabled {
		pub, err := publisher.New(cfg.MQTT, "rtenergy-"+sessionID[:8])
		if err != nil {
			return fmt.Errorf("creating publisher: %w", err)
		}
		defer pub.Close()
		opts = append(opts, scheduler.WithSink(pub))
	}

	sched := scheduler.New(newClient(cfg), rec, est, opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	sessionLog.Infow("starting watch session", "base_url", cfg.Service.BaseURL)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	// Runs before the deferred export cleanup so nothing is written after Clear
	defer sched.Stop()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Addr, reg, func() bool {
			select {
			case <-sched.Done():
				return false
			default:
				return true
			}
		})
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	if !watchNoView {
		g.Go(func() error {
			return drawLoop(ctx, os.Stdout, sched, cfg)
		})
	}

	g.Go(func() error {
		return commandLoop(ctx, os.Stdin, os.Stdout, sched)
	})

	err = g.Wait()
	sched.Stop()
	sessionLog.Infow("watch session ended")

	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

// drawLoop redraws the dashboard until ctx ends
func drawLoop(ctx context.Context, w io.Writer, sched *scheduler.Scheduler, cfg *config.Config) error {
	ticker := time.NewTicker(cfg.GetRefreshInterval())
	defer ticker.Stop()

	for {
		fmt.Fprint(w, clearScreen)
		fmt.Fprintf(w, "rtenergy  %s\n", cfg.Service.BaseURL)
		if err := view.Render(w, sched.Snapshot(), time.Now()); err != nil {
			return fmt.Errorf("rendering dashboard: %w", err)
		}
		fmt.Fprintln(w, "\n[i] identify load  [f] refresh spectrum  [q] quit")

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// commandLoop reads single-letter commands from r. End of input just stops
// reading; the session keeps running until a signal or q.
func commandLoop(ctx context.Context, r io.Reader, w io.Writer, sched *scheduler.Scheduler) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := handleCommand(ctx, strings.TrimSpace(line), w, sched); err != nil {
				return err
			}
		}
	}
}

func handleCommand(ctx context.Context, cmd string, w io.Writer, sched *scheduler.Scheduler) error {
	switch strings.ToLower(cmd) {
	case "":
	case "q", "quit":
		return errQuit
	case "i", "identify":
		go func() {
			res, err := sched.IdentifyLoad(ctx)
			if err != nil {
				log.Warnw("identify failed", "error", err)
				return
			}
			log.Infow("load identified", "type", res.LoadType, "phase_angle", res.PhaseAngle)
		}()
	case "f", "fft", "spectrum":
		go func() {
			bins, err := sched.RefreshSpectrum(ctx)
			if err != nil {
				log.Warnw("spectrum refresh failed", "error", err)
				return
			}
			log.Infow("spectrum refreshed", "bins", len(bins))
		}()
	default:
		fmt.Fprintf(w, "unknown command %q (i, f, q)\n", cmd)
	}
	return nil
}

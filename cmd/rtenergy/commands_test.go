package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/jgoulah/rtenergy/internal/config"
	"github.com/jgoulah/rtenergy/internal/connectivity"
	"github.com/jgoulah/rtenergy/internal/database"
	"github.com/jgoulah/rtenergy/internal/reconciler"
	"github.com/jgoulah/rtenergy/internal/scheduler"
	"github.com/jgoulah/rtenergy/pkg/models"
)

// useFlags sets the persistent flags as if passed on the command line; the
// config file does not exist so defaults apply
func useFlags(t *testing.T, url, db string) {
	t.Helper()
	oldCfg, oldURL, oldDB := cfgFile, baseURL, dbPath
	cfgFile = filepath.Join(t.TempDir(), "config.yaml")
	baseURL = url
	dbPath = db
	t.Cleanup(func() { cfgFile, baseURL, dbPath = oldCfg, oldURL, oldDB })
}

func newTestCommand() (*cobra.Command, *strings.Builder) {
	out := &strings.Builder{}
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetContext(context.Background())
	return cmd, out
}

func serve(t *testing.T, path string, status int, body string) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestRunIdentify(t *testing.T) {
	useFlags(t, serve(t, "/rt_energy/get_phase_angle/", http.StatusOK, `{"type": "indutiva", "phase_angle": 31.24}`), "")

	cmd, out := newTestCommand()
	if err := runIdentify(cmd, nil); err != nil {
		t.Fatalf("runIdentify: %v", err)
	}

	if !strings.Contains(out.String(), "Load type:   Inductive") {
		t.Fatalf("expected load type, got:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "Phase angle: 31.2°") {
		t.Fatalf("expected rounded phase angle, got:\n%s", out.String())
	}
}

func TestRunIdentifyServiceError(t *testing.T) {
	useFlags(t, serve(t, "/rt_energy/get_phase_angle/", http.StatusInternalServerError, `{"detail": "no batch"}`), "")

	cmd, out := newTestCommand()
	err := runIdentify(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "identifying load") {
		t.Fatalf("expected identify error, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("nothing may be printed on failure, got %q", out.String())
	}
}

func TestRunSpectrumTopBins(t *testing.T) {
	body := `[{"frequency": 180, "amplitude": 0.2}, {"frequency": 60, "amplitude": 0.9}, {"frequency": 120, "amplitude": 0.05}]`
	useFlags(t, serve(t, "/rt_energy/get_fft/", http.StatusOK, body), "")

	old := spectrumTop
	spectrumTop = 2
	t.Cleanup(func() { spectrumTop = old })

	cmd, out := newTestCommand()
	if err := runSpectrum(cmd, nil); err != nil {
		t.Fatalf("runSpectrum: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "2 bins") {
		t.Fatalf("expected 2 bins, got:\n%s", got)
	}
	if strings.Index(got, "60.0") > strings.Index(got, "180.0") {
		t.Fatalf("expected strongest bin first, got:\n%s", got)
	}
	if strings.Contains(got, "120.0") {
		t.Fatalf("weakest bin must be left out, got:\n%s", got)
	}
}

func TestRunStatus(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "state.db")
	useFlags(t, "http://localhost:8000", dbFile)

	db, err := database.New(dbFile)
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	defer db.Close()
	if err := db.BeginSession("session-1"); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	rec := reconciler.New()
	rec.Apply(models.CategoryRMS, 1, reconciler.Outcome{RMS: models.RMSSnapshot{VoltageRMS: 219.97, CurrentRMS: 12.34, PowerRMS: 2711.2}})
	if err := db.Write(scheduler.Update{Category: models.CategoryRMS, Snapshot: rec.Snapshot()}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	cmd, out := newTestCommand()
	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus: %v", err)
	}

	got := out.String()
	for _, want := range []string{"Session session-1", "Device: ONLINE", "220.0 V", "12.3 A", "2711.2 W", "not identified"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in status output:\n%s", want, got)
		}
	}
}

func TestRunStatusWithoutSession(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "state.db")
	useFlags(t, "http://localhost:8000", dbFile)

	db, err := database.New(dbFile)
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	db.Close()

	cmd, out := newTestCommand()
	if err := runStatus(cmd, nil); err != nil {
		t.Fatalf("runStatus: %v", err)
	}
	if !strings.Contains(out.String(), "No running watch session found") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestDrawLoopRendersUntilCancelled(t *testing.T) {
	cfg := config.Default()
	sched := scheduler.New(nil, reconciler.New(), connectivity.New(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out strings.Builder
	if err := drawLoop(ctx, &out, sched, cfg); err != nil {
		t.Fatalf("drawLoop: %v", err)
	}

	got := out.String()
	if strings.Count(got, clearScreen) != 1 {
		t.Fatalf("expected a single frame, got:\n%q", got)
	}
	for _, want := range []string{"rtenergy  " + cfg.Service.BaseURL, "Device: ONLINE", "waiting for data", "[q] quit"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in frame:\n%s", want, got)
		}
	}
}

func TestDrawLoopRedraws(t *testing.T) {
	cfg := config.Default()
	cfg.View.RefreshInterval = 5 * time.Millisecond
	sched := scheduler.New(nil, reconciler.New(), connectivity.New(1))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var out strings.Builder
	if err := drawLoop(ctx, &out, sched, cfg); err != nil {
		t.Fatalf("drawLoop: %v", err)
	}
	if n := strings.Count(out.String(), clearScreen); n < 2 {
		t.Fatalf("expected the dashboard to be redrawn, got %d frames", n)
	}
}

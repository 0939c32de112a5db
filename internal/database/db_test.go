package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jgoulah/rtenergy/internal/reconciler"
	"github.com/jgoulah/rtenergy/internal/scheduler"
	"github.com/jgoulah/rtenergy/pkg/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEmptyState(t *testing.T) {
	db := openTestDB(t)

	state, err := db.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state.Session != nil || len(state.Categories) != 0 {
		t.Fatalf("expected empty state, got %+v", state)
	}
}

func TestWriteOverwritesCategory(t *testing.T) {
	db := openTestDB(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return at }

	if err := db.BeginSession("session-1"); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}

	rec := reconciler.New(reconciler.WithClock(func() time.Time { return at }))
	rec.Apply(models.CategoryRMS, 1, reconciler.Outcome{RMS: models.RMSSnapshot{VoltageRMS: 219.97, CurrentRMS: 12.34, PowerRMS: 2711.2}})
	if err := db.Write(scheduler.Update{Category: models.CategoryRMS, Snapshot: rec.Snapshot()}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	rec.Apply(models.CategoryRMS, 2, reconciler.Outcome{RMS: models.RMSSnapshot{VoltageRMS: 221, CurrentRMS: 1, PowerRMS: 221}})
	if err := db.Write(scheduler.Update{Category: models.CategoryRMS, Snapshot: rec.Snapshot()}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	state, err := db.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(state.Categories) != 1 {
		t.Fatalf("expected a single rms row, got %d rows", len(state.Categories))
	}

	cs := state.Get(models.CategoryRMS)
	if cs == nil || cs.Seq != 2 || !cs.UpdatedAt.Equal(at) {
		t.Fatalf("unexpected row %+v", cs)
	}
	var rms models.RMSSnapshot
	if err := cs.Decode(&rms); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rms.VoltageRMS != 221 {
		t.Fatalf("expected latest value, got %+v", rms)
	}

	if state.Session == nil || state.Session.ID != "session-1" || !state.Session.Connected {
		t.Fatalf("unexpected session %+v", state.Session)
	}
}

func TestConnectivityOnlyUpdate(t *testing.T) {
	db := openTestDB(t)
	if err := db.BeginSession("s"); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}

	rec := reconciler.New()
	rec.SetConnected(false)
	if err := db.Write(scheduler.Update{Snapshot: rec.Snapshot()}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	state, err := db.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state.Session.Connected {
		t.Fatalf("expected disconnected session")
	}
	if len(state.Categories) != 0 {
		t.Fatalf("connectivity update must not create category rows")
	}
}

func TestEveryCategoryRoundTrips(t *testing.T) {
	db := openTestDB(t)
	if err := db.BeginSession("s"); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}

	rec := reconciler.New()
	rec.Apply(models.CategorySeries, 1, reconciler.Outcome{Series: []models.SeriesPoint{{Timestamp: "t1", Voltage: 1, Current: 2}}})
	rec.Apply(models.CategorySpectrum, 1, reconciler.Outcome{Spectrum: []models.SpectrumBin{{Frequency: 60, Amplitude: 0.5}}})
	rec.Apply(models.CategoryClassification, 1, reconciler.Outcome{Classification: models.ClassificationResult{LoadType: models.LoadCapacitive, PhaseAngle: -12}})
	for _, c := range []models.Category{models.CategorySeries, models.CategorySpectrum, models.CategoryClassification} {
		if err := db.Write(scheduler.Update{Category: c, Snapshot: rec.Snapshot()}); err != nil {
			t.Fatalf("Write %s: %v", c, err)
		}
	}

	state, err := db.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var series []models.SeriesPoint
	if err := state.Get(models.CategorySeries).Decode(&series); err != nil || len(series) != 1 || series[0].Current != 2 {
		t.Fatalf("unexpected series %+v (%v)", series, err)
	}
	var bins []models.SpectrumBin
	if err := state.Get(models.CategorySpectrum).Decode(&bins); err != nil || len(bins) != 1 || bins[0].Frequency != 60 {
		t.Fatalf("unexpected spectrum %+v (%v)", bins, err)
	}
	var class models.ClassificationResult
	if err := state.Get(models.CategoryClassification).Decode(&class); err != nil || class.LoadType != models.LoadCapacitive {
		t.Fatalf("unexpected classification %+v (%v)", class, err)
	}
}

func TestBeginSessionAndClear(t *testing.T) {
	db := openTestDB(t)
	if err := db.BeginSession("old"); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	rec := reconciler.New()
	rec.Apply(models.CategoryRMS, 1, reconciler.Outcome{RMS: models.RMSSnapshot{VoltageRMS: 1}})
	if err := db.Write(scheduler.Update{Category: models.CategoryRMS, Snapshot: rec.Snapshot()}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := db.BeginSession("new"); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	state, err := db.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state.Session.ID != "new" || len(state.Categories) != 0 {
		t.Fatalf("new session must start empty, got %+v", state)
	}

	if err := db.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	state, err = db.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state.Session != nil {
		t.Fatalf("expected no session after Clear")
	}
}

func TestLiveStateSnapshot(t *testing.T) {
	db := openTestDB(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := db.BeginSession("s"); err != nil {
		t.Fatalf("BeginSession: %v", err)
	}

	rec := reconciler.New(reconciler.WithClock(func() time.Time { return at }))
	rec.Apply(models.CategoryRMS, 3, reconciler.Outcome{RMS: models.RMSSnapshot{VoltageRMS: 219.97, CurrentRMS: 12.34, PowerRMS: 2711.2}})
	rec.Apply(models.CategorySeries, 1, reconciler.Outcome{Series: []models.SeriesPoint{}})
	rec.SetConnected(false)
	for _, c := range []models.Category{models.CategoryRMS, models.CategorySeries} {
		if err := db.Write(scheduler.Update{Category: c, Snapshot: rec.Snapshot()}); err != nil {
			t.Fatalf("Write %s: %v", c, err)
		}
	}

	state, err := db.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	snap, err := state.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if snap.Connected {
		t.Fatalf("expected disconnected snapshot")
	}
	if snap.RMS == nil || snap.RMS.PowerRMS != 2711.2 {
		t.Fatalf("unexpected rms %+v", snap.RMS)
	}
	if snap.Series == nil || len(snap.Series) != 0 {
		t.Fatalf("expected empty, non-nil series, got %#v", snap.Series)
	}
	if snap.Classification != nil {
		t.Fatalf("classification was never stored")
	}
	st := snap.StatusOf(models.CategoryRMS)
	if !st.Present || st.ValueSeq != 3 || !st.UpdatedAt.Equal(at) {
		t.Fatalf("unexpected rms status %+v", st)
	}
}

package reconciler

import (
	"errors"
	"testing"
	"time"

	"github.com/jgoulah/rtenergy/pkg/models"
)

var errDown = errors.New("service down")

func rmsOutcome(v, i, w float64) Outcome {
	return Outcome{RMS: models.RMSSnapshot{VoltageRMS: v, CurrentRMS: i, PowerRMS: w}}
}

func TestInitialState(t *testing.T) {
	r := New()
	snap := r.Snapshot()

	if snap.RMS != nil || snap.Classification != nil {
		t.Fatalf("expected absent RMS and classification, got %+v", snap)
	}
	if snap.Series != nil || snap.Spectrum != nil {
		t.Fatalf("expected absent series and spectrum, got %+v", snap)
	}
	if !snap.Connected {
		t.Fatalf("expected optimistic connected state")
	}
	for _, c := range models.Categories {
		if snap.StatusOf(c).Present {
			t.Fatalf("expected %s to be absent", c)
		}
	}
}

func TestApplyRMS(t *testing.T) {
	r := New()

	if !r.Apply(models.CategoryRMS, 1, rmsOutcome(219.97, 12.34, 2711.2)) {
		t.Fatalf("expected outcome to be applied")
	}

	snap := r.Snapshot()
	want := models.RMSSnapshot{VoltageRMS: 219.97, CurrentRMS: 12.34, PowerRMS: 2711.2}
	if snap.RMS == nil || *snap.RMS != want {
		t.Fatalf("expected %+v, got %+v", want, snap.RMS)
	}
	if st := snap.StatusOf(models.CategoryRMS); !st.Present || st.ValueSeq != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestFailureKeepsLastGoodValue(t *testing.T) {
	// Whatever the number of failures in between, the value is the last success.
	sequences := [][]bool{
		{true, false},
		{true, false, false, false},
		{true, true, false, true, false, false},
		{false, false, true},
	}

	for _, seqs := range sequences {
		r := New()
		var want *models.RMSSnapshot
		for i, ok := range seqs {
			seq := uint64(i + 1)
			if ok {
				out := rmsOutcome(float64(seq), float64(seq)*2, float64(seq)*3)
				r.Apply(models.CategoryRMS, seq, out)
				rms := out.RMS
				want = &rms
			} else {
				r.Apply(models.CategoryRMS, seq, Outcome{Err: errDown})
			}
		}

		got := r.Snapshot().RMS
		if want == nil || got == nil || *got != *want {
			t.Fatalf("sequence %v: expected %+v, got %+v", seqs, want, got)
		}
	}
}

func TestFailureRecordsErrorAndSuccessClearsIt(t *testing.T) {
	r := New()
	r.Apply(models.CategoryRMS, 1, rmsOutcome(1, 2, 3))
	r.Apply(models.CategoryRMS, 2, Outcome{Err: errDown})

	st := r.Snapshot().StatusOf(models.CategoryRMS)
	if !errors.Is(st.LastErr, errDown) || st.ErrSeq != 2 {
		t.Fatalf("expected recorded error, got %+v", st)
	}
	if rms := r.Snapshot().RMS; rms == nil || rms.VoltageRMS != 1 {
		t.Fatalf("expected stale value retained, got %+v", rms)
	}

	r.Apply(models.CategoryRMS, 3, rmsOutcome(4, 5, 6))
	if st := r.Snapshot().StatusOf(models.CategoryRMS); st.LastErr != nil {
		t.Fatalf("expected error cleared by newer success, got %v", st.LastErr)
	}
}

func TestFailureBeforeFirstSuccessLeavesAbsent(t *testing.T) {
	r := New()
	r.Apply(models.CategorySpectrum, 1, Outcome{Err: errDown})

	snap := r.Snapshot()
	if snap.Spectrum != nil {
		t.Fatalf("expected spectrum to stay absent, got %+v", snap.Spectrum)
	}
	if st := snap.StatusOf(models.CategorySpectrum); st.Present || st.LastErr == nil {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestOutOfOrderResultsKeepNewest(t *testing.T) {
	r := New()

	if !r.Apply(models.CategoryRMS, 2, rmsOutcome(2, 2, 2)) {
		t.Fatalf("expected seq 2 to apply")
	}
	if r.Apply(models.CategoryRMS, 1, rmsOutcome(1, 1, 1)) {
		t.Fatalf("expected late seq 1 to be discarded")
	}

	if rms := r.Snapshot().RMS; rms.VoltageRMS != 2 {
		t.Fatalf("expected value from seq 2, got %+v", rms)
	}
}

func TestLateFailureIsDiscarded(t *testing.T) {
	r := New()
	r.Apply(models.CategorySeries, 3, Outcome{Series: []models.SeriesPoint{{Timestamp: "t3"}}})

	if r.Apply(models.CategorySeries, 2, Outcome{Err: errDown}) {
		t.Fatalf("expected late failure to be discarded")
	}
	if st := r.Snapshot().StatusOf(models.CategorySeries); st.LastErr != nil {
		t.Fatalf("late failure must not be recorded, got %v", st.LastErr)
	}
}

func TestLateSuccessAfterNewerFailure(t *testing.T) {
	r := New()
	r.Apply(models.CategoryRMS, 1, rmsOutcome(1, 1, 1))
	r.Apply(models.CategoryRMS, 3, Outcome{Err: errDown})

	// seq 2 is still the most recently issued successful poll
	if !r.Apply(models.CategoryRMS, 2, rmsOutcome(2, 2, 2)) {
		t.Fatalf("expected seq 2 to apply over the value from seq 1")
	}

	snap := r.Snapshot()
	if snap.RMS.VoltageRMS != 2 {
		t.Fatalf("expected value from seq 2, got %+v", snap.RMS)
	}
	if st := snap.StatusOf(models.CategoryRMS); st.LastErr == nil {
		t.Fatalf("error from seq 3 is newer than the value and must be kept")
	}
}

func TestEmptySeriesBatch(t *testing.T) {
	r := New()
	r.Apply(models.CategorySeries, 1, Outcome{Series: []models.SeriesPoint{{Timestamp: "a", Voltage: 1}}})
	r.Apply(models.CategorySeries, 2, Outcome{Series: nil})

	snap := r.Snapshot()
	if snap.Series == nil || len(snap.Series) != 0 {
		t.Fatalf("expected empty window, got %#v", snap.Series)
	}
	if st := snap.StatusOf(models.CategorySeries); !st.Present || st.LastErr != nil {
		t.Fatalf("expected empty batch to be a clean success, got %+v", st)
	}
}

func TestSeriesLimit(t *testing.T) {
	r := New(WithSeriesLimit(2))
	r.Apply(models.CategorySeries, 1, Outcome{Series: []models.SeriesPoint{
		{Timestamp: "a"}, {Timestamp: "b"}, {Timestamp: "c"},
	}})

	got := r.Snapshot().Series
	if len(got) != 2 || got[0].Timestamp != "b" || got[1].Timestamp != "c" {
		t.Fatalf("expected last two points, got %+v", got)
	}
}

func TestSnapshotsAreIsolated(t *testing.T) {
	r := New()
	r.Apply(models.CategoryRMS, 1, rmsOutcome(1, 1, 1))
	before := r.Snapshot()

	r.Apply(models.CategoryRMS, 2, rmsOutcome(2, 2, 2))
	r.Apply(models.CategorySpectrum, 1, Outcome{Spectrum: []models.SpectrumBin{{Frequency: 60, Amplitude: 1}}})
	r.SetConnected(false)

	if before.RMS.VoltageRMS != 1 || before.StatusOf(models.CategoryRMS).ValueSeq != 1 {
		t.Fatalf("earlier snapshot changed: %+v", before)
	}
	if before.StatusOf(models.CategorySpectrum).Present || !before.Connected {
		t.Fatalf("earlier snapshot changed: %+v", before)
	}
}

func TestCategoriesAreIndependent(t *testing.T) {
	r := New()
	r.Apply(models.CategoryRMS, 5, rmsOutcome(5, 5, 5))

	// A low sequence number in another category is not stale
	if !r.Apply(models.CategorySpectrum, 1, Outcome{Spectrum: []models.SpectrumBin{}}) {
		t.Fatalf("expected spectrum seq 1 to apply")
	}
	r.Apply(models.CategorySeries, 1, Outcome{Err: errDown})

	snap := r.Snapshot()
	if snap.RMS.VoltageRMS != 5 || snap.StatusOf(models.CategoryRMS).LastErr != nil {
		t.Fatalf("rms affected by other categories: %+v", snap.StatusOf(models.CategoryRMS))
	}
}

func TestBusyFlagsAndClock(t *testing.T) {
	at := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	r := New(WithClock(func() time.Time { return at }))

	r.SetBusy(models.CategoryClassification, true)
	r.SetBusy(models.CategorySpectrum, true)
	snap := r.Snapshot()
	if !snap.IdentifyBusy || !snap.SpectrumBusy {
		t.Fatalf("expected both busy flags set, got %+v", snap)
	}

	r.Apply(models.CategoryClassification, 1, Outcome{Classification: models.ClassificationResult{LoadType: models.LoadResistive, PhaseAngle: 3}})
	r.SetBusy(models.CategoryClassification, false)

	snap = r.Snapshot()
	if snap.IdentifyBusy || !snap.SpectrumBusy {
		t.Fatalf("unexpected busy flags %+v", snap)
	}
	if snap.Classification == nil || snap.Classification.LoadType != models.LoadResistive {
		t.Fatalf("unexpected classification %+v", snap.Classification)
	}
	if !snap.StatusOf(models.CategoryClassification).UpdatedAt.Equal(at) {
		t.Fatalf("expected UpdatedAt from injected clock")
	}
}

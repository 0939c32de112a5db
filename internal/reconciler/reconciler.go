// Package reconciler owns the current telemetry view state.
//
// Every write produces a fresh Snapshot which is then published atomically, so
// readers always observe a fully built state and never one that is mid-update.
// Values inside a Snapshot (slices, pointers, the status map) are shared with
// later snapshots and must be treated as read-only.
package reconciler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jgoulah/rtenergy/pkg/models"
)

// CategoryStatus describes the reconciliation history of one category
type CategoryStatus struct {
	Present   bool      // A value has been applied at least once
	ValueSeq  uint64    // Sequence number of the applied value
	UpdatedAt time.Time // When the value was applied
	LastErr   error     // Most recent failure newer than the value, nil once a newer success lands
	ErrSeq    uint64
	ErrAt     time.Time
}

// Snapshot is an immutable view of the reconciled state
type Snapshot struct {
	Series         []models.SeriesPoint
	RMS            *models.RMSSnapshot
	Spectrum       []models.SpectrumBin
	Classification *models.ClassificationResult

	Status map[models.Category]CategoryStatus

	Connected    bool
	IdentifyBusy bool
	SpectrumBusy bool
}

// StatusOf returns the status of a category, zero if it never saw a result
func (s Snapshot) StatusOf(category models.Category) CategoryStatus {
	return s.Status[category]
}

// Outcome is the result of one poll. Err == nil means success and the field
// matching the category carries the payload.
type Outcome struct {
	Series         []models.SeriesPoint
	RMS            models.RMSSnapshot
	Spectrum       []models.SpectrumBin
	Classification models.ClassificationResult
	Err            error
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithSeriesLimit keeps only the last n points of each series batch (n <= 0 keeps all)
func WithSeriesLimit(n int) Option {
	return func(r *Reconciler) {
		r.seriesLimit = n
	}
}

// WithClock overrides the time source used for UpdatedAt/ErrAt
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// Reconciler is the single writer of telemetry state
type Reconciler struct {
	mu          sync.Mutex // Serializes writers; readers go through current
	current     atomic.Pointer[Snapshot]
	seriesLimit int
	now         func() time.Time
}

// New creates a reconciler with empty state. The device is assumed connected
// until a poll says otherwise.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(&Snapshot{
		Status:    map[models.Category]CategoryStatus{},
		Connected: true,
	})
	return r
}

// Snapshot returns the current state
func (r *Reconciler) Snapshot() Snapshot {
	return *r.current.Load()
}

// Apply merges one poll outcome into the state. It returns false when the
// outcome was discarded because a newer result for the category already landed.
func (r *Reconciler) Apply(category models.Category, seq uint64, out Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	st := prev.Status[category]

	if out.Err != nil {
		if seq <= st.ValueSeq || seq <= st.ErrSeq {
			return false
		}
		st.LastErr = out.Err
		st.ErrSeq = seq
		st.ErrAt = r.now()
		r.publish(prev, category, st, nil)
		return true
	}

	if st.Present && seq <= st.ValueSeq {
		return false
	}

	st.Present = true
	st.ValueSeq = seq
	st.UpdatedAt = r.now()
	if seq > st.ErrSeq {
		st.LastErr = nil
	}

	r.publish(prev, category, st, func(next *Snapshot) {
		switch category {
		case models.CategorySeries:
			next.Series = r.window(out.Series)
		case models.CategoryRMS:
			rms := out.RMS
			next.RMS = &rms
		case models.CategorySpectrum:
			next.Spectrum = out.Spectrum
			if next.Spectrum == nil {
				next.Spectrum = []models.SpectrumBin{}
			}
		case models.CategoryClassification:
			c := out.Classification
			next.Classification = &c
		}
	})
	return true
}

// SetConnected records the derived connectivity signal
func (r *Reconciler) SetConnected(connected bool) {
	r.update(func(next *Snapshot) {
		next.Connected = connected
	})
}

// SetBusy records whether an on-demand action for the category is outstanding
func (r *Reconciler) SetBusy(category models.Category, busy bool) {
	r.update(func(next *Snapshot) {
		switch category {
		case models.CategoryClassification:
			next.IdentifyBusy = busy
		case models.CategorySpectrum:
			next.SpectrumBusy = busy
		}
	})
}

func (r *Reconciler) update(fn func(next *Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := *r.current.Load()
	fn(&next)
	r.current.Store(&next)
}

// publish must be called with mu held
func (r *Reconciler) publish(prev *Snapshot, category models.Category, st CategoryStatus, fn func(next *Snapshot)) {
	next := *prev
	next.Status = make(map[models.Category]CategoryStatus, len(prev.Status)+1)
	for k, v := range prev.Status {
		next.Status[k] = v
	}
	next.Status[category] = st
	if fn != nil {
		fn(&next)
	}
	r.current.Store(&next)
}

// window returns the displayed part of a batch
func (r *Reconciler) window(points []models.SeriesPoint) []models.SeriesPoint {
	if points == nil {
		return []models.SeriesPoint{}
	}
	if r.seriesLimit > 0 && len(points) > r.seriesLimit {
		return points[len(points)-r.seriesLimit:]
	}
	return points
}

package scheduler

import (
	"time"

	"github.com/jgoulah/rtenergy/internal/reconciler"
	"github.com/jgoulah/rtenergy/pkg/models"
)

// Intervals are the periods of the repeating polls
type Intervals struct {
	Series   time.Duration
	RMS      time.Duration
	Spectrum time.Duration
}

// DefaultIntervals are the cadences used when nothing is configured
var DefaultIntervals = Intervals{
	Series:   8 * time.Second,
	RMS:      5 * time.Second,
	Spectrum: 30 * time.Second,
}

func (iv Intervals) period(category models.Category) time.Duration {
	switch category {
	case models.CategorySeries:
		return iv.Series
	case models.CategoryRMS:
		return iv.RMS
	case models.CategorySpectrum:
		return iv.Spectrum
	}
	return 0
}

// Ticker is the part of time.Ticker the scheduler uses
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates the repeating timer for one category
type TickerFactory func(category models.Category, period time.Duration) Ticker

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker is the default TickerFactory, backed by time.NewTicker
func NewTimeTicker(_ models.Category, period time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(period)}
}

// Observer is told about every poll. Calls happen on the scheduler loop and must not block.
type Observer interface {
	PollStarted(category models.Category)
	PollSkipped(category models.Category)
	PollFinished(category models.Category, elapsed time.Duration, err error)
	// PollAbandoned reports a request still outstanding when the session ended
	PollAbandoned(category models.Category)
	ResultDiscarded(category models.Category)
	ConnectivityChanged(connected bool)
}

// Update is handed to sinks after a category value was replaced or the
// connectivity signal changed. Category is empty for connectivity-only updates.
type Update struct {
	Category models.Category
	Snapshot reconciler.Snapshot
}

// Sink exports reconciled state somewhere else. Write is called on the
// scheduler loop; errors are logged and otherwise ignored.
type Sink interface {
	Name() string
	Write(u Update) error
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithIntervals overrides the poll periods; zero fields keep their default
func WithIntervals(iv Intervals) Option {
	return func(s *Scheduler) {
		if iv.Series > 0 {
			s.intervals.Series = iv.Series
		}
		if iv.RMS > 0 {
			s.intervals.RMS = iv.RMS
		}
		if iv.Spectrum > 0 {
			s.intervals.Spectrum = iv.Spectrum
		}
	}
}

// WithTimeout bounds every request; a request that runs out of time counts as a network failure
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithTickerFactory replaces time.NewTicker, mainly for tests
func WithTickerFactory(f TickerFactory) Option {
	return func(s *Scheduler) {
		s.newTicker = f
	}
}

// WithObserver registers an observer
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		s.observers = append(s.observers, o)
	}
}

// WithSink registers an export sink
func WithSink(sink Sink) Option {
	return func(s *Scheduler) {
		s.sinks = append(s.sinks, sink)
	}
}

// Package scheduler runs the periodic telemetry polls and the on-demand
// commands, and feeds every outcome into the reconciler.
//
// All bookkeeping (in-flight flags, sequence numbers, the connectivity
// estimator, reconciler writes) happens on a single loop goroutine. Requests
// run on their own goroutines and hand their result back to the loop, so the
// network call is the only place a poll waits.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jgoulah/rtenergy/internal/connectivity"
	"github.com/jgoulah/rtenergy/internal/log"
	"github.com/jgoulah/rtenergy/internal/reconciler"
	"github.com/jgoulah/rtenergy/internal/telemetry"
	"github.com/jgoulah/rtenergy/pkg/models"
)

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrNotStarted     = errors.New("scheduler not started")
	ErrStopped        = errors.New("scheduler stopped")
)

// Source is the telemetry service as seen by the scheduler; *telemetry.Client implements it
type Source interface {
	FetchSeriesBatch(ctx context.Context) ([]models.SeriesPoint, error)
	FetchRMS(ctx context.Context) (models.RMSSnapshot, error)
	FetchSpectrum(ctx context.Context) ([]models.SpectrumBin, error)
	FetchClassification(ctx context.Context) (models.ClassificationResult, error)
}

var _ Source = (*telemetry.Client)(nil)

// periodic are the categories polled on a timer. Classification is only ever
// fetched through IdentifyLoad.
var periodic = []models.Category{models.CategorySeries, models.CategoryRMS, models.CategorySpectrum}

type result struct {
	category  models.Category
	seq       uint64
	out       reconciler.Outcome
	elapsed   time.Duration
	// abandoned is set when the deadline passed before the source returned.
	// The category stays in flight until the source call is released.
	abandoned bool
}

type command struct {
	category models.Category
	reply    chan error
}

// Scheduler drives the polls of one dashboard session
type Scheduler struct {
	source    Source
	rec       *reconciler.Reconciler
	est       *connectivity.Estimator
	intervals Intervals
	timeout   time.Duration
	newTicker TickerFactory
	observers []Observer
	sinks     []Sink

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	results  chan result
	released chan models.Category
	commands chan command

	// Owned by the loop goroutine
	inFlight map[models.Category]bool
	seq      map[models.Category]uint64
	waiters  map[models.Category][]chan error
}

// New creates a scheduler; nothing runs until Start
func New(source Source, rec *reconciler.Reconciler, est *connectivity.Estimator, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:    source,
		rec:       rec,
		est:       est,
		intervals: DefaultIntervals,
		timeout:   telemetry.DefaultTimeout,
		newTicker: NewTimeTicker,
		results:   make(chan result),
		released:  make(chan models.Category),
		commands:  make(chan command),
		inFlight:  make(map[models.Category]bool),
		seq:       make(map[models.Category]uint64),
		waiters:   make(map[models.Category][]chan error),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start creates the timers, issues one poll per periodic category right away
// and returns. The session ends when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}

	tickers := make(map[models.Category]Ticker, len(periodic))
	for _, c := range periodic {
		tickers[c] = s.newTicker(c, s.intervals.period(c))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	log.Infow("scheduler starting",
		"series_interval", s.intervals.Series,
		"rms_interval", s.intervals.RMS,
		"spectrum_interval", s.intervals.Spectrum,
		"timeout", s.timeout)

	go s.run(loopCtx, tickers)
	return nil
}

// Stop cancels every timer and abandons outstanding requests. It returns once
// the loop has exited; no state changes happen after that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	log.Infow("scheduler stopped")
}

// Done is closed when the loop has exited. It is nil before Start.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Snapshot returns the current reconciled state
func (s *Scheduler) Snapshot() reconciler.Snapshot {
	return s.rec.Snapshot()
}

// IdentifyLoad asks the service to classify the load and waits for the
// answer to be reconciled
func (s *Scheduler) IdentifyLoad(ctx context.Context) (models.ClassificationResult, error) {
	if err := s.request(ctx, models.CategoryClassification); err != nil {
		return models.ClassificationResult{}, err
	}
	snap := s.rec.Snapshot()
	if snap.Classification == nil {
		return models.ClassificationResult{}, fmt.Errorf("classification missing after successful identify")
	}
	return *snap.Classification, nil
}

// RefreshSpectrum fetches the spectrum outside its periodic cadence. If a
// spectrum request is already outstanding the call waits for that one instead.
func (s *Scheduler) RefreshSpectrum(ctx context.Context) ([]models.SpectrumBin, error) {
	if err := s.request(ctx, models.CategorySpectrum); err != nil {
		return nil, err
	}
	return s.rec.Snapshot().Spectrum, nil
}

// request hands an on-demand command to the loop and waits for its outcome.
// If ctx ends first the request itself keeps going and is still reconciled.
func (s *Scheduler) request(ctx context.Context, category models.Category) error {
	s.mu.Lock()
	started, done := s.started, s.done
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	reply := make(chan error, 1)
	select {
	case s.commands <- command{category: category, reply: reply}:
	case <-done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context, tickers map[models.Category]Ticker) {
	defer close(s.done)
	defer func() {
		for _, t := range tickers {
			t.Stop()
		}
		s.teardown()
	}()

	for _, c := range periodic {
		s.dispatch(ctx, c, nil)
	}

	series := tickers[models.CategorySeries].C()
	rms := tickers[models.CategoryRMS].C()
	spectrum := tickers[models.CategorySpectrum].C()

	for {
		select {
		case <-ctx.Done():
			return
		case <-series:
			s.dispatch(ctx, models.CategorySeries, nil)
		case <-rms:
			s.dispatch(ctx, models.CategoryRMS, nil)
		case <-spectrum:
			s.dispatch(ctx, models.CategorySpectrum, nil)
		case cmd := <-s.commands:
			s.dispatch(ctx, cmd.category, cmd.reply)
		case r := <-s.results:
			s.handle(ctx, r)
		case c := <-s.released:
			s.release(ctx, c)
		}
	}
}

// dispatch issues a request for category unless one is already outstanding.
// A periodic tick that finds the category busy is dropped; an on-demand
// command joins the outstanding request.
func (s *Scheduler) dispatch(ctx context.Context, category models.Category, reply chan error) {
	if ctx.Err() != nil {
		if reply != nil {
			reply <- ErrStopped
		}
		return
	}

	if reply != nil {
		s.waiters[category] = append(s.waiters[category], reply)
	}

	if s.inFlight[category] {
		if reply != nil {
			s.setBusy(category, true)
			log.Debugw("on-demand request joined outstanding poll", "category", category)
		} else {
			log.Debugw("poll skipped, previous request still in flight", "category", category)
		}
		for _, o := range s.observers {
			o.PollSkipped(category)
		}
		return
	}

	s.issue(ctx, category)
}

func (s *Scheduler) issue(ctx context.Context, category models.Category) {
	s.inFlight[category] = true
	s.seq[category]++
	seq := s.seq[category]

	s.setBusy(category, true)
	for _, o := range s.observers {
		o.PollStarted(category)
	}

	go s.fetch(ctx, category, seq)
}

// setBusy maintains the busy flags; only the on-demand categories have one
func (s *Scheduler) setBusy(category models.Category, busy bool) {
	if category == models.CategoryClassification || category == models.CategorySpectrum {
		s.rec.SetBusy(category, busy)
	}
}

// fetch runs off the loop. The timeout is enforced here as well as in the
// client so a source that ignores its context still fails on time. Such a
// call is reported as failed at the deadline, but the category is only
// released once the source returns.
func (s *Scheduler) fetch(ctx context.Context, category models.Category, seq uint64) {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	outc := make(chan reconciler.Outcome, 1)
	go func() {
		outc <- s.call(reqCtx, category)
	}()

	var out reconciler.Outcome
	abandoned := false
	select {
	case out = <-outc:
	case <-reqCtx.Done():
		abandoned = true
		out = reconciler.Outcome{Err: &telemetry.TelemetryError{
			Kind:     telemetry.KindNetwork,
			Category: category,
			Err:      fmt.Errorf("request abandoned: %w", reqCtx.Err()),
		}}
	}
	if out.Err != nil && telemetry.KindOf(out.Err) == "" {
		out.Err = &telemetry.TelemetryError{Kind: telemetry.KindNetwork, Category: category, Err: out.Err}
	}

	select {
	case s.results <- result{category: category, seq: seq, out: out, elapsed: time.Since(start), abandoned: abandoned}:
	case <-ctx.Done():
		return
	}
	if !abandoned {
		return
	}

	// Whatever the source eventually returns is dropped
	select {
	case <-outc:
	case <-ctx.Done():
		return
	}
	select {
	case s.released <- category:
	case <-ctx.Done():
	}
}

func (s *Scheduler) call(ctx context.Context, category models.Category) reconciler.Outcome {
	var out reconciler.Outcome
	switch category {
	case models.CategorySeries:
		out.Series, out.Err = s.source.FetchSeriesBatch(ctx)
	case models.CategoryRMS:
		out.RMS, out.Err = s.source.FetchRMS(ctx)
	case models.CategorySpectrum:
		out.Spectrum, out.Err = s.source.FetchSpectrum(ctx)
	case models.CategoryClassification:
		out.Classification, out.Err = s.source.FetchClassification(ctx)
	default:
		out.Err = fmt.Errorf("unknown category %q", category)
	}
	return out
}

// handle reconciles one result. It runs synchronously on the loop.
func (s *Scheduler) handle(ctx context.Context, r result) {
	if ctx.Err() != nil {
		// Session is over; late results must not touch state
		return
	}

	if !r.abandoned {
		s.inFlight[r.category] = false
	}
	for _, o := range s.observers {
		o.PollFinished(r.category, r.elapsed, r.out.Err)
	}

	applied := s.rec.Apply(r.category, r.seq, r.out)
	if !applied {
		for _, o := range s.observers {
			o.ResultDiscarded(r.category)
		}
		log.Warnw("discarded stale result", "category", r.category, "seq", r.seq)
	}

	if r.out.Err != nil {
		log.Warnw("poll failed",
			"category", r.category,
			"seq", r.seq,
			"kind", telemetry.KindOf(r.out.Err),
			"timeout", telemetry.IsTimeout(r.out.Err),
			"error", r.out.Err)
	}

	state, changed := s.est.Record(r.out.Err == nil)
	if changed {
		s.rec.SetConnected(state == connectivity.Connected)
		for _, o := range s.observers {
			o.ConnectivityChanged(state == connectivity.Connected)
		}
		log.Infow("device connectivity changed", "state", state.String(), "category", r.category)
	}

	s.setBusy(r.category, false)

	for _, w := range s.waiters[r.category] {
		w <- r.out.Err
	}
	delete(s.waiters, r.category)

	if applied && r.out.Err == nil {
		s.emit(Update{Category: r.category, Snapshot: s.rec.Snapshot()})
	} else if changed {
		s.emit(Update{Snapshot: s.rec.Snapshot()})
	}
}

// release frees a category whose abandoned source call has finally returned.
// On-demand callers that joined in the meantime get a fresh request.
func (s *Scheduler) release(ctx context.Context, category models.Category) {
	if ctx.Err() != nil {
		return
	}
	s.inFlight[category] = false
	log.Debugw("abandoned request returned", "category", category)

	if len(s.waiters[category]) > 0 {
		s.issue(ctx, category)
	}
}

func (s *Scheduler) emit(u Update) {
	for _, sink := range s.sinks {
		if err := sink.Write(u); err != nil {
			log.Errorw("sink write failed", "sink", sink.Name(), "category", u.Category, "error", err)
		}
	}
}

// teardown runs on the loop as it exits
func (s *Scheduler) teardown() {
	for category, ws := range s.waiters {
		for _, w := range ws {
			w <- ErrStopped
		}
		delete(s.waiters, category)
	}
	for c, busy := range s.inFlight {
		if !busy {
			continue
		}
		for _, o := range s.observers {
			o.PollAbandoned(c)
		}
		s.inFlight[c] = false
	}
	s.rec.SetBusy(models.CategoryClassification, false)
	s.rec.SetBusy(models.CategorySpectrum, false)
}

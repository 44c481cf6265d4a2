package detect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/procsentry/procsentry/internal/metrics"
	"github.com/procsentry/procsentry/internal/process"
	"github.com/procsentry/procsentry/internal/rules"
	"github.com/procsentry/procsentry/pkg/types"
)

// Sink receives emitted alerts. store.AlertStore satisfies it.
type Sink interface {
	AppendAlert(ctx context.Context, a types.Alert) error
}

// Terminator stops a process. process.Killer satisfies it.
type Terminator interface {
	Terminate(ctx context.Context, pid int) error
}

// RuleProvider returns the rules to apply on the next tick. rules.Store
// satisfies it.
type RuleProvider interface {
	Current() *rules.RuleSet
}

// TickStats summarizes one polling tick.
type TickStats struct {
	Started       time.Time     `json:"started"`
	Duration      time.Duration `json:"duration_ns"`
	Processes     int           `json:"processes"`
	Skipped       int           `json:"skipped"`
	Findings      int           `json:"findings"`
	Alerts        int           `json:"alerts"`
	Suppressed    int           `json:"suppressed"`
	Enforced      int           `json:"enforced"`
	EnforceFailed int           `json:"enforce_failed"`
	Reclaimed     int           `json:"reclaimed"`
	DedupEntries  int           `json:"dedup_entries"`
}

// Engine runs the polling loop: list processes, capture snapshots, evaluate
// rules, deduplicate, emit alerts and request termination.
type Engine struct {
	source     process.Source
	rules      RuleProvider
	sink       Sink
	terminator Terminator
	evaluators []Evaluator
	metrics    *metrics.Collector
	logger     *slog.Logger

	interval       time.Duration
	workers        int
	attrTimeout    time.Duration
	enforceTimeout time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	dryRun         bool

	now   func() time.Time
	newID func() string

	// tickMu serializes ticks; dedup is only touched while it is held.
	tickMu sync.Mutex
	dedup  *Dedup

	statsMu  sync.RWMutex
	last     TickStats
	haveLast bool
}

type Option func(*Engine)

func WithSink(s Sink) Option { return func(e *Engine) { e.sink = s } }

func WithTerminator(t Terminator) Option { return func(e *Engine) { e.terminator = t } }

func WithMetrics(c *metrics.Collector) Option { return func(e *Engine) { e.metrics = c } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithEvaluators(evs ...Evaluator) Option { return func(e *Engine) { e.evaluators = evs } }

// WithInterval sets the pause between the end of one tick and the start of
// the next.
func WithInterval(d time.Duration) Option { return func(e *Engine) { e.interval = d } }

// WithWorkers bounds how many processes are captured concurrently.
func WithWorkers(n int) Option { return func(e *Engine) { e.workers = n } }

// WithAttributeTimeout bounds each per-process attribute read.
func WithAttributeTimeout(d time.Duration) Option { return func(e *Engine) { e.attrTimeout = d } }

// WithEnforcementTimeout bounds how long a tick waits for terminations.
func WithEnforcementTimeout(d time.Duration) Option {
	return func(e *Engine) { e.enforceTimeout = d }
}

// WithBackoff sets the retry delays used after a collection failure.
func WithBackoff(initial, max time.Duration) Option {
	return func(e *Engine) {
		e.backoffInitial = initial
		e.backoffMax = max
	}
}

// WithDryRun logs terminations instead of performing them.
func WithDryRun(v bool) Option { return func(e *Engine) { e.dryRun = v } }

func withClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(src process.Source, rp RuleProvider, opts ...Option) *Engine {
	e := &Engine{
		source:         src,
		rules:          rp,
		evaluators:     DefaultEvaluators(),
		interval:       time.Second,
		workers:        8,
		attrTimeout:    250 * time.Millisecond,
		enforceTimeout: 2 * time.Second,
		backoffInitial: time.Second,
		backoffMax:     30 * time.Second,
		now:            time.Now,
		newID:          uuid.NewString,
		dedup:          NewDedup(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.workers <= 0 {
		e.workers = 1
	}
	return e
}

// Run ticks until ctx is cancelled. A tick in flight when ctx is cancelled
// runs to completion. Collection failures are retried with exponential
// backoff; nothing else stops the loop.
func (e *Engine) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.backoffInitial
	bo.MaxInterval = e.backoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	e.logger.Info("detection engine started", "interval", e.interval, "workers", e.workers, "dry_run", e.dryRun)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("detection engine stopped")
			return nil
		case <-timer.C:
		}

		wait := e.interval
		if _, err := e.Tick(context.WithoutCancel(ctx)); err != nil {
			wait = bo.NextBackOff()
			e.logger.Error("process collection failed", "error", err, "retry_in", wait)
		} else {
			bo.Reset()
		}
		timer.Reset(wait)
	}
}

// captured is the per-process outcome of the concurrent phase of a tick.
type captured struct {
	snap     process.Snapshot
	findings []Finding
	err      error
}

// Tick performs one full polling pass. The only error it returns is a
// *CollectionError; per-process failures are counted and logged.
func (e *Engine) Tick(ctx context.Context) (TickStats, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	stats := TickStats{Started: e.now()}
	rs := e.rules.Current()

	handles, err := e.source.List(ctx)
	if err != nil {
		e.metrics.IncCollectionFailure()
		return stats, &CollectionError{Err: err}
	}
	stats.Processes = len(handles)

	live := make(map[int]struct{}, len(handles))
	for _, h := range handles {
		live[h.PID()] = struct{}{}
	}
	stats.Reclaimed = e.dedup.Reclaim(live)

	var results []captured
	if !rs.AllDisabled() {
		results = e.capture(ctx, handles, rs)
	}

	var wg sync.WaitGroup
	enforced := make(chan error, len(results))
	for _, r := range results {
		if r.err != nil {
			stats.Skipped++
			e.skip(r.err)
			continue
		}
		enforce := false
		for _, f := range r.findings {
			stats.Findings++
			e.metrics.IncFinding(f.Category)
			if f.Enforce {
				enforce = true
			}
			if !e.dedup.ShouldAlert(f.PID, f.Category) {
				stats.Suppressed++
				e.metrics.IncSuppressed(f.Category)
				continue
			}
			stats.Alerts++
			e.emit(ctx, r.snap, f)
		}
		if enforce {
			wg.Add(1)
			go func(s process.Snapshot) {
				defer wg.Done()
				enforced <- e.enforce(ctx, s)
			}(r.snap)
		}
	}

	e.waitEnforcement(&wg)
	close(enforced)
	for err := range enforced {
		if err != nil {
			stats.EnforceFailed++
		} else {
			stats.Enforced++
		}
	}

	stats.DedupEntries = e.dedup.Len()
	stats.Duration = e.now().Sub(stats.Started)
	e.metrics.SetDedupEntries(stats.DedupEntries)
	e.metrics.ObserveTick(stats.Duration)

	e.statsMu.Lock()
	e.last = stats
	e.haveLast = true
	e.statsMu.Unlock()

	e.logger.Debug("tick complete",
		"processes", stats.Processes,
		"skipped", stats.Skipped,
		"findings", stats.Findings,
		"alerts", stats.Alerts,
		"suppressed", stats.Suppressed,
		"enforced", stats.Enforced,
		"reclaimed", stats.Reclaimed,
		"duration", stats.Duration,
	)
	return stats, nil
}

// capture reads and evaluates every handle with a bounded worker pool.
// Results come back ordered by pid.
func (e *Engine) capture(ctx context.Context, handles []process.Handle, rs *rules.RuleSet) []captured {
	opts := process.CaptureOptions{
		Timeout: e.attrTimeout,
		Network: rs.Enabled(types.CategoryNetwork),
	}

	results := make([]captured, len(handles))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, h := range handles {
		i, h := i, h
		g.Go(func() error {
			snap, err := process.Capture(ctx, h, opts)
			if err != nil {
				results[i] = captured{snap: process.Snapshot{PID: h.PID()}, err: err}
				return nil
			}
			results[i] = captured{snap: snap, findings: EvaluateAll(e.evaluators, snap, rs)}
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool { return results[i].snap.PID < results[j].snap.PID })
	return results
}

func (e *Engine) skip(err error) {
	status := process.StatusFailed
	pid := 0
	var ae *process.AccessError
	if errors.As(err, &ae) {
		status = ae.Status
		pid = ae.PID
	}
	e.metrics.IncSkipped(status.String())
	e.logger.Debug("process skipped", "pid", pid, "status", status.String(), "error", err)
}

func (e *Engine) emit(ctx context.Context, s process.Snapshot, f Finding) {
	a := types.Alert{
		ID:        e.newID(),
		Timestamp: e.now().UTC(),
		Category:  f.Category,
		PID:       s.PID,
		Name:      s.Name,
		Path:      s.Exe,
		CPU:       s.CPUPercent,
		MemoryMB:  s.MemoryMB,
		Parent:    s.Parent,
		Message:   f.Message,
		Enforce:   f.Enforce,
	}
	e.metrics.IncAlert(f.Category)
	e.logger.Warn("alert",
		"alert_id", a.ID,
		"category", string(a.Category),
		"pid", a.PID,
		"name", a.Name,
		"path", a.Path,
		"cpu", a.CPU,
		"memory_mb", a.MemoryMB,
		"parent", a.Parent,
		"message", a.Message,
	)

	if e.sink == nil {
		return
	}
	if err := e.sink.AppendAlert(ctx, a); err != nil {
		e.logger.Error("append alert", "alert_id", a.ID, "pid", a.PID, "category", string(a.Category), "error", err)
	}
}

func (e *Engine) enforce(ctx context.Context, s process.Snapshot) error {
	if e.dryRun || e.terminator == nil {
		e.metrics.IncEnforcement("dry_run")
		e.logger.Info("would terminate process", "pid", s.PID, "name", s.Name)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.enforceTimeout)
	defer cancel()
	if err := e.terminator.Terminate(ctx, s.PID); err != nil {
		ee := &EnforcementError{PID: s.PID, Name: s.Name, Err: err}
		e.metrics.IncEnforcement("failed")
		e.logger.Warn("terminate process failed", "pid", s.PID, "name", s.Name, "error", ee)
		return ee
	}
	e.metrics.IncEnforcement("ok")
	e.logger.Info("terminated process", "pid", s.PID, "name", s.Name)
	return nil
}

// waitEnforcement waits for outstanding terminations so ticks never overlap.
// It warns when a Terminator overruns its context.
func (e *Engine) waitEnforcement(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.enforceTimeout + time.Second):
		e.logger.Warn("termination requests still pending after timeout")
		<-done
	}
}

// LastTick returns the stats of the most recent successful tick.
func (e *Engine) LastTick() (TickStats, bool) {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	return e.last, e.haveLast
}

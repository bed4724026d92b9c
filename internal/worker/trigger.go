// Package worker runs the expiration sweep on a ticker and on demand.
//
// Both paths share one single-slot semaphore: a tick that finds a sweep in
// flight is skipped, an on-demand call waits for it. When a Locker is
// configured the sweep also takes a cross-process lock so that api-server and
// expiry-worker do not repeat each other's work. Correctness never depends on
// that lock; the store's row locks decide.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hackgods/clinic-appointments/internal/appointment"
	"github.com/hackgods/clinic-appointments/internal/lib/sl"
	"github.com/hackgods/clinic-appointments/internal/metrics"
	redisclient "github.com/hackgods/clinic-appointments/internal/redis"
)

const SweepLockKey = "lock:sweep:appointments-expired"

var ErrSweepBusy = errors.New("expiration sweep already running in another process")

type Sweeper interface {
	RetireExpired(ctx context.Context, ref time.Time) (appointment.SweepResult, error)
}

type Config struct {
	Interval   time.Duration
	Timeout    time.Duration
	Attempts   int
	RetryDelay time.Duration
}

type Trigger struct {
	sweeper Sweeper
	locker  redisclient.Locker
	cfg     Config
	log     *slog.Logger

	sem chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

const (
	DefaultInterval = time.Minute
	DefaultTimeout  = 20 * time.Second
)

// New builds a Trigger. locker may be nil. Non-positive durations fall back
// to the defaults.
func New(sweeper Sweeper, locker redisclient.Locker, cfg Config, log *slog.Logger) *Trigger {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Trigger{
		sweeper: sweeper,
		locker:  locker,
		cfg:     cfg,
		log:     log.With(slog.String("component", "expiry-trigger")),
		sem:     make(chan struct{}, 1),
	}
}

// Start runs one sweep immediately and then one per interval until ctx is
// cancelled or Stop is called. Calling Start twice is a no-op.
func (t *Trigger) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.loop(loopCtx, t.done)
}

// Stop cancels the loop and waits for an in-flight tick to return.
func (t *Trigger) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *Trigger) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	t.log.Info("expiry trigger started", slog.Duration("interval", t.cfg.Interval))

	t.tick(ctx)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.log.Info("expiry trigger stopped")
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Trigger) tick(ctx context.Context) {
	select {
	case t.sem <- struct{}{}:
	default:
		metrics.SweepRuns.WithLabelValues(metrics.TriggerTick, metrics.SweepSkipped).Inc()
		t.log.Info("sweep skipped, previous run still in flight")
		return
	}
	defer func() { <-t.sem }()

	_, err := t.run(ctx, metrics.TriggerTick)
	switch {
	case err == nil:
	case errors.Is(err, ErrSweepBusy):
		t.log.Debug("sweep skipped, lock held elsewhere")
	case ctx.Err() != nil:
		t.log.Info("sweep interrupted by shutdown", sl.Err(err))
	default:
		t.log.Error("periodic sweep failed, next tick will retry", sl.Err(err))
	}
}

// RunNow sweeps on demand. It waits for an in-flight run in this process and
// returns ErrSweepBusy when another process holds the sweep lock.
func (t *Trigger) RunNow(ctx context.Context) (appointment.SweepResult, error) {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return appointment.SweepResult{}, ctx.Err()
	}
	defer func() { <-t.sem }()

	return t.run(ctx, metrics.TriggerOnDemand)
}

func (t *Trigger) run(ctx context.Context, trigger string) (appointment.SweepResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	start := time.Now()

	var (
		res appointment.SweepResult
		ran bool
	)
	sweep := func(ctx context.Context) error {
		ran = true
		var err error
		res, err = t.retireWithRetry(ctx)
		return err
	}

	var err error
	if t.locker != nil {
		err = t.locker.WithLock(runCtx, SweepLockKey, sweep)
		switch {
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			metrics.SweepRuns.WithLabelValues(trigger, metrics.SweepBusy).Inc()
			return appointment.SweepResult{Notified: []appointment.NotifiedPatient{}}, ErrSweepBusy
		case err != nil && !ran:
			t.log.Warn("sweep lock unavailable, sweeping without it", sl.Err(err))
			err = sweep(runCtx)
		}
	} else {
		err = sweep(runCtx)
	}

	if err != nil {
		metrics.SweepRuns.WithLabelValues(trigger, metrics.SweepFailed).Inc()
		return res, fmt.Errorf("sweep (%s): %w", trigger, err)
	}

	elapsed := time.Since(start)
	metrics.SweepRuns.WithLabelValues(trigger, metrics.SweepOK).Inc()
	metrics.SweepDuration.WithLabelValues(trigger).Observe(elapsed.Seconds())
	metrics.AppointmentsRetired.Add(float64(res.RetiredCount))

	t.log.Info("sweep complete",
		slog.String("trigger", trigger),
		slog.Int("retired", res.RetiredCount),
		slog.Duration("elapsed", elapsed),
	)

	return res, nil
}

func (t *Trigger) retireWithRetry(ctx context.Context) (appointment.SweepResult, error) {
	for attempt := 1; ; attempt++ {
		res, err := t.sweeper.RetireExpired(ctx, time.Time{})
		if err == nil {
			return res, nil
		}
		if attempt >= t.cfg.Attempts || !retryable(err) || ctx.Err() != nil {
			return res, err
		}

		metrics.SweepRetries.Inc()
		t.log.Warn("sweep attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", t.cfg.RetryDelay),
			sl.Err(err),
		)

		timer := time.NewTimer(t.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, err
		case <-timer.C:
		}
	}
}

// retryable excludes cancellation and guard decisions; everything else is
// treated as a transient resource failure.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, appointment.ErrInvalidStatusTransition):
		return false
	}
	return true
}

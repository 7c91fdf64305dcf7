// Package scheduler polls for due schedules and hands them to the coordinator.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/Harvey-AU/report-scheduler/internal/coordinator"
	"github.com/Harvey-AU/report-scheduler/internal/db"
	"github.com/Harvey-AU/report-scheduler/internal/observability"
)

// Store is the schedule persistence the loop needs
type Store interface {
	FindDueSchedules(ctx context.Context, now time.Time, limit int) ([]*db.Schedule, error)
	RecoverStaleSchedules(ctx context.Context, staleBefore, now time.Time) ([]string, error)
}

// Runner executes one run of a schedule
type Runner interface {
	Run(ctx context.Context, scheduleID string, trigger coordinator.Trigger) error
}

// Config tunes the loop
type Config struct {
	PollInterval   time.Duration
	MaxConcurrency int
	BatchSize      int
	// StaleAfter is how long a run may sit in processing before the watchdog
	// reclaims it. Matches the run lease TTL.
	StaleAfter time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Minute,
		MaxConcurrency: 5,
		BatchSize:      50,
		StaleAfter:     10 * time.Minute,
	}
}

// Loop polls for due schedules on a ticker and dispatches each in its own goroutine
type Loop struct {
	store  Store
	runner Runner
	cfg    Config
	now    func() time.Time

	sem      *semaphore.Weighted
	mu       sync.Mutex
	inFlight map[string]struct{}

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	runs     sync.WaitGroup

	runCtx    context.Context
	cancelRun context.CancelFunc
}

// New creates a loop. Zero config values fall back to DefaultConfig.
func New(store Store, runner Runner, cfg Config) *Loop {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}

	return &Loop{
		store:    store,
		runner:   runner,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		inFlight: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start runs an immediate poll, then polls every PollInterval until Stop or
// ctx is cancelled
func (l *Loop) Start(ctx context.Context) {
	// Runs outlive ctx so Stop can drain them.
	l.runCtx, l.cancelRun = context.WithCancel(context.WithoutCancel(ctx))

	log.Info().
		Dur("poll_interval", l.cfg.PollInterval).
		Int("max_concurrency", l.cfg.MaxConcurrency).
		Msg("Starting scheduler loop")

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ticker := time.NewTicker(l.cfg.PollInterval)
		defer ticker.Stop()

		l.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("Scheduler loop stopped due to context cancellation")
				return
			case <-l.stopCh:
				log.Info().Msg("Scheduler loop stopped due to stop signal")
				return
			case <-ticker.C:
				l.Tick(ctx)
			case <-l.wake:
				log.Debug().Msg("Scheduler woken by schedule change")
				l.Tick(ctx)
			}
		}
	}()
}

// Wake requests an early poll. It never blocks.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop ends polling and waits for in-flight runs. If ctx expires first the
// remaining runs are cancelled and ctx's error is returned.
func (l *Loop) Stop(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()

	done := make(chan struct{})
	go func() {
		l.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Scheduler loop drained")
		return nil
	case <-ctx.Done():
		if l.cancelRun != nil {
			l.cancelRun()
		}
		log.Warn().Int("in_flight", l.InFlight()).Msg("Scheduler shutdown timed out, cancelling runs")
		return ctx.Err()
	}
}

// InFlight returns how many runs this process is executing
func (l *Loop) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inFlight)
}

// Tick runs the watchdog, then dispatches due schedules
func (l *Loop) Tick(ctx context.Context) {
	now := l.now()

	l.recoverStale(ctx, now)

	due, err := l.store.FindDueSchedules(ctx, now, l.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Failed to find due schedules")
		}
		return
	}

	dispatched, skipped := 0, 0
	for _, s := range due {
		if !l.claim(s.ID) {
			skipped++
			continue
		}
		// Cap reached: leave the rest for the next tick.
		if !l.sem.TryAcquire(1) {
			l.unclaim(s.ID)
			skipped++
			continue
		}

		dispatched++
		l.runs.Add(1)
		go l.dispatch(s)
	}

	if len(due) > 0 {
		log.Debug().Int("due", len(due)).Int("dispatched", dispatched).Int("skipped", skipped).Msg("Scheduler poll complete")
	}
	observability.RecordPoll(ctx, dispatched, skipped)
}

func (l *Loop) dispatch(s *db.Schedule) {
	defer l.runs.Done()
	defer l.sem.Release(1)
	defer l.unclaim(s.ID)

	trigger := coordinator.Trigger{At: s.NextRunAt, Source: coordinator.TriggerSchedule}
	err := l.runner.Run(l.runContext(), s.ID, trigger)

	var runErr *coordinator.RunError
	switch {
	case err == nil:
	case errors.Is(err, coordinator.ErrAlreadyProcessing), errors.Is(err, coordinator.ErrSchedulePaused):
		log.Debug().Err(err).Str("schedule_id", s.ID).Msg("Scheduled run skipped")
	case errors.As(err, &runErr):
		// Already classified, persisted and logged by the coordinator.
	default:
		log.Error().Err(err).Str("schedule_id", s.ID).Msg("Scheduled run could not complete")
	}
}

func (l *Loop) runContext() context.Context {
	if l.runCtx != nil {
		return l.runCtx
	}
	return context.Background()
}

// claim marks a schedule in flight in this process; false if it already is
func (l *Loop) claim(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.inFlight[id]; ok {
		return false
	}
	l.inFlight[id] = struct{}{}
	return true
}

func (l *Loop) unclaim(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inFlight, id)
}

// recoverStale moves runs stuck in processing past StaleAfter back to a retryable state
func (l *Loop) recoverStale(ctx context.Context, now time.Time) {
	ids, err := l.store.RecoverStaleSchedules(ctx, now.Add(-l.cfg.StaleAfter), now)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Failed to recover stale runs")
		}
		return
	}
	if len(ids) == 0 {
		return
	}

	log.Warn().Strs("schedule_ids", ids).Dur("stale_after", l.cfg.StaleAfter).Msg("Recovered stale runs")
	observability.RecordStaleRecovery(ctx, len(ids))

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("event_type", "stale_run_recovery")
		scope.SetContext("recovery", map[string]interface{}{
			"schedule_ids": ids,
			"stale_after":  l.cfg.StaleAfter.String(),
		})
		sentry.CaptureMessage("Recovered stale report runs")
	})
}

// Package coordinator owns the run state machine: it executes one report run
// end to end, classifies failures, and applies retry and pause decisions.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"github.com/Harvey-AU/report-scheduler/internal/analytics"
	"github.com/Harvey-AU/report-scheduler/internal/backoff"
	"github.com/Harvey-AU/report-scheduler/internal/cache"
	"github.com/Harvey-AU/report-scheduler/internal/cron"
	"github.com/Harvey-AU/report-scheduler/internal/db"
	"github.com/Harvey-AU/report-scheduler/internal/delivery"
	"github.com/Harvey-AU/report-scheduler/internal/lock"
	"github.com/Harvey-AU/report-scheduler/internal/notifications"
	"github.com/Harvey-AU/report-scheduler/internal/observability"
	"github.com/Harvey-AU/report-scheduler/internal/render"
	"github.com/Harvey-AU/report-scheduler/internal/tokens"
)

var (
	// ErrAlreadyProcessing is returned when another run holds the schedule
	ErrAlreadyProcessing = errors.New("schedule is already processing")
	// ErrSchedulePaused is returned when a manual retry targets a paused schedule
	ErrSchedulePaused = errors.New("schedule is paused")
	// ErrScheduleNotFound is returned when the schedule does not exist
	ErrScheduleNotFound = db.ErrScheduleNotFound
	// ErrAttemptNotFound is returned when no matching failed attempt exists
	ErrAttemptNotFound = db.ErrExecutionAttemptNotFound
)

// Trigger sources
const (
	TriggerSchedule = "schedule"
	TriggerRetry    = "retry"
)

// Trigger records what started a run and when
type Trigger struct {
	At     time.Time
	Source string
}

// ScheduleStore is the persistence the coordinator needs
type ScheduleStore interface {
	GetSchedule(ctx context.Context, scheduleID string) (*db.Schedule, error)
	MarkScheduleProcessing(ctx context.Context, scheduleID string, now time.Time) error
	ApplySuccess(ctx context.Context, scheduleID string, outcome db.RunSuccess) error
	ApplyFailure(ctx context.Context, scheduleID string, startedAt, failedAt time.Time, decide func(consecutiveFailures int) db.FailureDecision) (*db.FailureResult, error)
	PauseSchedule(ctx context.Context, scheduleID, reason string, now time.Time) (*db.Schedule, error)
	ResumeSchedule(ctx context.Context, scheduleID string, now time.Time) (*db.Schedule, error)
	GetExecutionAttempt(ctx context.Context, attemptID string) (*db.ExecutionAttempt, error)
	GetLatestFailedAttempt(ctx context.Context, scheduleID string) (*db.ExecutionAttempt, error)
}

// CredentialResolver hands out valid access tokens
type CredentialResolver interface {
	Resolve(ctx context.Context, userID string) (*tokens.Credential, error)
	ForceRefresh(ctx context.Context, userID string) (*tokens.Credential, error)
}

// DataFetcher pulls report data for a property
type DataFetcher interface {
	Fetch(ctx context.Context, propertyID string, dr analytics.DateRange, cred *tokens.Credential) (*analytics.ReportData, error)
}

// ReportRenderer turns report data into HTML and PDF
type ReportRenderer interface {
	Render(ctx context.Context, kind db.ReportKind, dr analytics.DateRange, data *analytics.ReportData, branding *db.BrandingConfig, generatedAt time.Time) (*render.Output, error)
}

// ReportDispatcher archives and emails a rendered report
type ReportDispatcher interface {
	Deliver(ctx context.Context, schedule *db.Schedule, executionTime time.Time, dr analytics.DateRange, html, pdf []byte) (*delivery.Result, error)
}

// Config tunes the coordinator
type Config struct {
	// PauseThreshold is the consecutive failure count that auto-pauses a schedule
	PauseThreshold int
	// MaxRetryAttempts bounds automatic retries; attempts at or past it wait for the next cron slot
	MaxRetryAttempts int
	LockTTL          time.Duration
	RunTimeout       time.Duration
	Owner            string
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		PauseThreshold:   3,
		MaxRetryAttempts: 3,
		LockTTL:          10 * time.Minute,
		RunTimeout:       5 * time.Minute,
	}
}

// Deps are the coordinator's collaborators
type Deps struct {
	Store      ScheduleStore
	Locker     lock.Locker
	Tokens     CredentialResolver
	Fetcher    DataFetcher
	Renderer   ReportRenderer
	Dispatcher ReportDispatcher
	Notifier   notifications.PauseNotifier
	Policy     backoff.Policy
	// Schedules is the lookup cache shared with the API. Optional.
	Schedules cache.Cache[*db.Schedule]
}

// RunError is a classified pipeline failure that has been persisted
type RunError struct {
	ScheduleID string
	Code       db.ErrorCode
	Attempt    int
	Paused     bool
	Err        error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %d for schedule %s failed (%s): %v", e.Attempt, e.ScheduleID, e.Code, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Coordinator executes runs and applies operator actions
type Coordinator struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	wg sync.WaitGroup
}

// New creates a coordinator. Zero config values fall back to DefaultConfig.
func New(cfg Config, deps Deps) *Coordinator {
	def := DefaultConfig()
	if cfg.PauseThreshold <= 0 {
		cfg.PauseThreshold = def.PauseThreshold
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if cfg.Owner == "" {
		cfg.Owner = lock.NewOwnerID()
	}
	if deps.Notifier == nil {
		deps.Notifier = notifications.NoopNotifier{}
	}
	if deps.Policy == (backoff.Policy{}) {
		deps.Policy = backoff.DefaultPolicy()
	}

	return &Coordinator{
		cfg:  cfg,
		deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one run of a schedule under its lease. It returns
// ErrAlreadyProcessing when the lease is held elsewhere and a *RunError when
// the pipeline failed and the failure was recorded.
func (c *Coordinator) Run(ctx context.Context, scheduleID string, trigger Trigger) error {
	token, err := c.acquire(ctx, scheduleID)
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessing) {
			log.Debug().Str("schedule_id", scheduleID).Str("trigger", trigger.Source).Msg("Run lease held elsewhere, skipping")
			observability.RecordRun(ctx, observability.RunMetrics{Outcome: observability.OutcomeSkipped})
		}
		return err
	}

	return c.runLeased(ctx, scheduleID, token, trigger)
}

// acquire takes the schedule's lease under a token unique to this attempt.
// Two attempts in the same process exclude each other like two replicas do.
func (c *Coordinator) acquire(ctx context.Context, scheduleID string) (string, error) {
	token := lock.NewRunToken(c.cfg.Owner)
	acquired, err := c.deps.Locker.Acquire(ctx, scheduleID, token, c.cfg.LockTTL)
	if err != nil {
		return "", fmt.Errorf("failed to acquire run lease: %w", err)
	}
	if !acquired {
		return "", ErrAlreadyProcessing
	}
	return token, nil
}

// runLeased runs with the lease already held under token and always releases it
func (c *Coordinator) runLeased(ctx context.Context, scheduleID, token string, trigger Trigger) error {
	defer c.release(ctx, scheduleID, token)

	schedule, err := c.deps.Store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	if schedule.IsPaused {
		log.Info().Str("schedule_id", scheduleID).Str("trigger", trigger.Source).Msg("Schedule paused since the run was requested, skipping")
		return ErrSchedulePaused
	}

	startedAt := c.now()
	if trigger.At.IsZero() {
		trigger.At = startedAt
	}

	if err := c.deps.Store.MarkScheduleProcessing(ctx, scheduleID, startedAt); err != nil {
		if errors.Is(err, db.ErrScheduleProcessing) {
			observability.RecordRun(ctx, observability.RunMetrics{ReportKind: string(schedule.ReportKind), Outcome: observability.OutcomeSkipped})
			return ErrAlreadyProcessing
		}
		return err
	}
	c.invalidate(scheduleID)

	spanCtx, span := observability.StartRunSpan(ctx, observability.RunSpanInfo{
		ScheduleID: schedule.ID,
		TenantID:   schedule.TenantID,
		ReportKind: string(schedule.ReportKind),
		Trigger:    trigger.Source,
	})
	defer span.End()

	logger := log.With().
		Str("schedule_id", schedule.ID).
		Str("trigger", trigger.Source).
		Int("attempt", schedule.ConsecutiveFailures+1).
		Logger()
	logger.Info().Str("report_kind", string(schedule.ReportKind)).Msg("Starting report run")

	runCtx, cancel := context.WithTimeout(spanCtx, c.cfg.RunTimeout)
	runErr := c.execute(runCtx, schedule, trigger)
	cancel()

	// Settle even if the caller's context is gone.
	settleCtx := context.WithoutCancel(spanCtx)
	finishedAt := c.now()

	if runErr == nil {
		next := cron.NextOrDefault(schedule.CronPattern, finishedAt)
		if err := c.deps.Store.ApplySuccess(settleCtx, schedule.ID, db.RunSuccess{RanAt: finishedAt, NextRunAt: next}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to record success")
			return fmt.Errorf("failed to record run success: %w", err)
		}
		c.invalidate(schedule.ID)

		observability.RecordRun(spanCtx, observability.RunMetrics{
			ReportKind: string(schedule.ReportKind),
			Outcome:    observability.OutcomeSuccess,
			Duration:   finishedAt.Sub(startedAt),
		})
		logger.Info().
			Time("next_run_at", next).
			Dur("duration", finishedAt.Sub(startedAt)).
			Msg("Report run succeeded")
		return nil
	}

	span.RecordError(runErr)
	span.SetStatus(codes.Error, runErr.Error())
	return c.fail(settleCtx, logger, schedule, startedAt, finishedAt, runErr)
}

// execute is the pipeline: credential, data, render, deliver
func (c *Coordinator) execute(ctx context.Context, schedule *db.Schedule, trigger Trigger) error {
	dr := analytics.DateRangeFor(schedule.ReportKind, trigger.At)

	data, err := c.fetch(ctx, schedule, dr)
	if err != nil {
		return err
	}

	out, err := c.deps.Renderer.Render(ctx, schedule.ReportKind, dr, data, schedule.Branding, c.now())
	if err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}

	if _, err := c.deps.Dispatcher.Deliver(ctx, schedule, trigger.At, dr, out.HTML, out.PDF); err != nil {
		return fmt.Errorf("failed to deliver report: %w", err)
	}
	return nil
}

// fetch retries exactly once after a forced refresh when the API answers 401
func (c *Coordinator) fetch(ctx context.Context, schedule *db.Schedule, dr analytics.DateRange) (*analytics.ReportData, error) {
	cred, err := c.deps.Tokens.Resolve(ctx, schedule.OwnerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credential: %w", err)
	}

	data, err := c.deps.Fetcher.Fetch(ctx, schedule.AnalyticsPropertyID, dr, cred)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, analytics.ErrUnauthorized) {
		return nil, fmt.Errorf("failed to fetch report data: %w", err)
	}

	log.Info().Str("schedule_id", schedule.ID).Str("user_id", schedule.OwnerUserID).Msg("Analytics API rejected token, forcing refresh")

	cred, err = c.deps.Tokens.ForceRefresh(ctx, schedule.OwnerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh credential after 401: %w", err)
	}

	data, err = c.deps.Fetcher.Fetch(ctx, schedule.AnalyticsPropertyID, dr, cred)
	if err != nil {
		if errors.Is(err, analytics.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: %w", ErrCredentialRejected, err)
		}
		return nil, fmt.Errorf("failed to fetch report data: %w", err)
	}
	return data, nil
}

// fail classifies and persists a failure, then notifies on auto-pause
func (c *Coordinator) fail(ctx context.Context, logger zerolog.Logger, schedule *db.Schedule, startedAt, failedAt time.Time, runErr error) error {
	code := Classify(runErr)
	hint := retryHint(runErr)

	decide := func(consecutiveFailures int) db.FailureDecision {
		attempt := consecutiveFailures + 1
		retryAfter := c.deps.Policy.RetryAfterWithHint(code, attempt, failedAt, hint)
		canRetry := attempt < c.cfg.MaxRetryAttempts && code != db.ErrorCodeOAuthInvalid

		next := cron.NextOrDefault(schedule.CronPattern, failedAt)
		if canRetry && retryAfter != nil {
			next = *retryAfter
		}

		d := db.FailureDecision{
			AttemptID:    uuid.NewString(),
			ErrorCode:    code,
			ErrorMessage: runErr.Error(),
			RetryAfter:   retryAfter,
			CanRetry:     canRetry,
			NextRunAt:    next,
		}
		if attempt >= c.cfg.PauseThreshold {
			d.Pause = true
			d.PauseReason = fmt.Sprintf("auto-paused after %d consecutive failures: %s", attempt, code)
		}
		return d
	}

	result, err := c.deps.Store.ApplyFailure(ctx, schedule.ID, startedAt, failedAt, decide)
	if err != nil {
		logger.Error().Err(err).Str("error_code", string(code)).AnErr("run_error", runErr).Msg("Failed to record run failure")
		return fmt.Errorf("failed to record run failure: %w", err)
	}
	c.invalidate(schedule.ID)

	observability.RecordRun(ctx, observability.RunMetrics{
		ReportKind: string(schedule.ReportKind),
		Outcome:    observability.OutcomeFailure,
		ErrorCode:  string(code),
		Duration:   failedAt.Sub(startedAt),
	})

	event := logger.Warn()
	if code == db.ErrorCodeUnknown {
		event = logger.Error()
	}
	event.Err(runErr).
		Str("error_code", string(code)).
		Str("execution_attempt_id", result.Attempt.ID).
		Int("consecutive_failures", result.ConsecutiveFailures).
		Bool("can_retry", result.Attempt.CanRetry).
		Bool("paused", result.Paused).
		Msg("Report run failed")

	if code == db.ErrorCodeUnknown {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("schedule_id", schedule.ID)
			scope.SetTag("error_code", string(code))
			sentry.CaptureException(runErr)
		})
	}

	if result.AutoPaused {
		paused := *schedule
		paused.IsPaused = true
		paused.Status = db.StatusPaused
		paused.ConsecutiveFailures = result.ConsecutiveFailures
		paused.PauseReason = fmt.Sprintf("auto-paused after %d consecutive failures: %s", result.ConsecutiveFailures, code)

		logger.Warn().Str("error_code", string(code)).Str("pause_reason", paused.PauseReason).Msg("Schedule auto-paused")
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("schedule_id", schedule.ID)
			scope.SetTag("error_code", string(code))
			scope.SetContext("schedule", map[string]interface{}{
				"tenant_id":            schedule.TenantID,
				"report_kind":          string(schedule.ReportKind),
				"consecutive_failures": result.ConsecutiveFailures,
			})
			sentry.CaptureMessage(paused.PauseReason)
		})
		c.deps.Notifier.NotifyPaused(ctx, &paused, code)
	}

	return &RunError{
		ScheduleID: schedule.ID,
		Code:       code,
		Attempt:    result.Attempt.AttemptNumber,
		Paused:     result.Paused,
		Err:        runErr,
	}
}

func (c *Coordinator) release(ctx context.Context, scheduleID, token string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.deps.Locker.Release(releaseCtx, scheduleID, token); err != nil {
		log.Warn().Err(err).Str("schedule_id", scheduleID).Msg("Failed to release run lease")
	}
}

func (c *Coordinator) invalidate(scheduleID string) {
	if c.deps.Schedules != nil {
		c.deps.Schedules.Delete(scheduleID)
	}
}

// RetryNow re-runs the schedule owning a failed attempt immediately,
// bypassing next_run_at. It returns once the lease is held; the run itself
// continues in the background.
func (c *Coordinator) RetryNow(ctx context.Context, executionAttemptID string) error {
	attempt, err := c.deps.Store.GetExecutionAttempt(ctx, executionAttemptID)
	if err != nil {
		return err
	}

	schedule, err := c.deps.Store.GetSchedule(ctx, attempt.ScheduleID)
	if err != nil {
		return err
	}
	if schedule.IsPaused {
		return ErrSchedulePaused
	}
	if schedule.Status == db.StatusProcessing {
		return ErrAlreadyProcessing
	}

	token, err := c.acquire(ctx, schedule.ID)
	if err != nil {
		return err
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("execution_attempt_id", attempt.ID).
		Msg("Manual retry accepted")

	runCtx := context.WithoutCancel(ctx)
	trigger := Trigger{At: c.now(), Source: TriggerRetry}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.runLeased(runCtx, schedule.ID, token, trigger); err != nil {
			var runErr *RunError
			if !errors.As(err, &runErr) {
				log.Warn().Err(err).Str("schedule_id", schedule.ID).Msg("Manual retry did not run")
			}
		}
	}()

	return nil
}

// RetryLatest retries the most recent failed attempt of a schedule
func (c *Coordinator) RetryLatest(ctx context.Context, scheduleID string) (*db.ExecutionAttempt, error) {
	attempt, err := c.deps.Store.GetLatestFailedAttempt(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if err := c.RetryNow(ctx, attempt.ID); err != nil {
		return nil, err
	}
	return attempt, nil
}

// Pause stops automatic runs for a schedule. Repeated calls are safe.
func (c *Coordinator) Pause(ctx context.Context, scheduleID, reason string) (*db.Schedule, error) {
	schedule, err := c.deps.Store.PauseSchedule(ctx, scheduleID, reason, c.now())
	if err != nil {
		return nil, err
	}
	c.invalidate(scheduleID)

	log.Info().Str("schedule_id", scheduleID).Str("pause_reason", reason).Msg("Schedule paused by operator")
	return schedule, nil
}

// Resume clears a pause. consecutive_failures is never reset; resuming a
// schedule that is not paused changes nothing.
func (c *Coordinator) Resume(ctx context.Context, scheduleID string) (*db.Schedule, error) {
	schedule, err := c.deps.Store.ResumeSchedule(ctx, scheduleID, c.now())
	if err != nil {
		return nil, err
	}
	c.invalidate(scheduleID)

	log.Info().
		Str("schedule_id", scheduleID).
		Str("status", string(schedule.Status)).
		Int("consecutive_failures", schedule.ConsecutiveFailures).
		Time("next_run_at", schedule.NextRunAt).
		Msg("Schedule resumed")
	return schedule, nil
}

// Wait blocks until background retries finish or ctx is done
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

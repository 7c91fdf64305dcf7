package mocks

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/Harvey-AU/report-scheduler/internal/db"
	"github.com/stretchr/testify/mock"
)

// MockScheduleStore is a mock implementation of the schedule store
type MockScheduleStore struct {
	mock.Mock

	// SQL is returned by GetDB, typically a sqlmock connection
	SQL *sql.DB

	mu        sync.Mutex
	decisions []db.FailureDecision
}

// GetDB returns the configured connection
func (m *MockScheduleStore) GetDB() *sql.DB {
	return m.SQL
}

// CreateSchedule mocks schedule creation
func (m *MockScheduleStore) CreateSchedule(ctx context.Context, s *db.Schedule) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

// GetSchedule mocks loading a schedule by id
func (m *MockScheduleStore) GetSchedule(ctx context.Context, scheduleID string) (*db.Schedule, error) {
	args := m.Called(ctx, scheduleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Schedule), args.Error(1)
}

// ListSchedules mocks listing a tenant's schedules
func (m *MockScheduleStore) ListSchedules(ctx context.Context, tenantID string) ([]*db.Schedule, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*db.Schedule), args.Error(1)
}

// UpdateSchedule mocks schedule updates
func (m *MockScheduleStore) UpdateSchedule(ctx context.Context, s *db.Schedule) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

// DeleteSchedule mocks hard deletion
func (m *MockScheduleStore) DeleteSchedule(ctx context.Context, scheduleID string) error {
	args := m.Called(ctx, scheduleID)
	return args.Error(0)
}

// FindDueSchedules mocks the due-schedule query
func (m *MockScheduleStore) FindDueSchedules(ctx context.Context, now time.Time, limit int) ([]*db.Schedule, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*db.Schedule), args.Error(1)
}

// MarkScheduleProcessing mocks the move into processing
func (m *MockScheduleStore) MarkScheduleProcessing(ctx context.Context, scheduleID string, now time.Time) error {
	args := m.Called(ctx, scheduleID, now)
	return args.Error(0)
}

// ApplySuccess mocks success bookkeeping
func (m *MockScheduleStore) ApplySuccess(ctx context.Context, scheduleID string, outcome db.RunSuccess) error {
	args := m.Called(ctx, scheduleID, outcome)
	return args.Error(0)
}

// ApplyFailure mocks failure bookkeeping. The expectation returns the prior
// consecutive failure count, whether the schedule was already paused, and an
// error. decide is then evaluated like the real store does and the decision
// is kept for Decisions.
func (m *MockScheduleStore) ApplyFailure(ctx context.Context, scheduleID string, startedAt, failedAt time.Time,
	decide func(consecutiveFailures int) db.FailureDecision) (*db.FailureResult, error) {

	args := m.Called(ctx, scheduleID, startedAt, failedAt)
	if err := args.Error(2); err != nil {
		return nil, err
	}
	prior := args.Int(0)
	alreadyPaused := args.Bool(1)

	d := decide(prior)
	m.mu.Lock()
	m.decisions = append(m.decisions, d)
	m.mu.Unlock()

	return &db.FailureResult{
		Attempt: &db.ExecutionAttempt{
			ID:            d.AttemptID,
			ScheduleID:    scheduleID,
			AttemptNumber: prior + 1,
			StartedAt:     startedAt,
			FailedAt:      failedAt,
			ErrorCode:     d.ErrorCode,
			ErrorMessage:  d.ErrorMessage,
			RetryAfter:    d.RetryAfter,
			CanRetry:      d.CanRetry,
		},
		ConsecutiveFailures: prior + 1,
		Paused:              alreadyPaused || d.Pause,
		AutoPaused:          d.Pause && !alreadyPaused,
	}, nil
}

// Decisions returns the failure decisions evaluated so far
func (m *MockScheduleStore) Decisions() []db.FailureDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]db.FailureDecision(nil), m.decisions...)
}

// PauseSchedule mocks pausing
func (m *MockScheduleStore) PauseSchedule(ctx context.Context, scheduleID, reason string, now time.Time) (*db.Schedule, error) {
	args := m.Called(ctx, scheduleID, reason, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Schedule), args.Error(1)
}

// ResumeSchedule mocks resuming
func (m *MockScheduleStore) ResumeSchedule(ctx context.Context, scheduleID string, now time.Time) (*db.Schedule, error) {
	args := m.Called(ctx, scheduleID, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Schedule), args.Error(1)
}

// RecoverStaleSchedules mocks the watchdog query
func (m *MockScheduleStore) RecoverStaleSchedules(ctx context.Context, staleBefore, now time.Time) ([]string, error) {
	args := m.Called(ctx, staleBefore, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// GetExecutionAttempt mocks loading an attempt by id
func (m *MockScheduleStore) GetExecutionAttempt(ctx context.Context, attemptID string) (*db.ExecutionAttempt, error) {
	args := m.Called(ctx, attemptID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.ExecutionAttempt), args.Error(1)
}

// GetLatestFailedAttempt mocks loading a schedule's newest failed attempt
func (m *MockScheduleStore) GetLatestFailedAttempt(ctx context.Context, scheduleID string) (*db.ExecutionAttempt, error) {
	args := m.Called(ctx, scheduleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.ExecutionAttempt), args.Error(1)
}

// ListFailedExecutions mocks the paginated failed execution query
func (m *MockScheduleStore) ListFailedExecutions(ctx context.Context, filter db.ExecutionFilter) ([]*db.FailedExecution, int, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([]*db.FailedExecution), args.Int(1), args.Error(2)
}

// ListRenderedReports mocks the schedule archive listing
func (m *MockScheduleStore) ListRenderedReports(ctx context.Context, scheduleID string, limit int) ([]*db.RenderedReport, error) {
	args := m.Called(ctx, scheduleID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*db.RenderedReport), args.Error(1)
}

// GetRenderedReport mocks loading one archive entry
func (m *MockScheduleStore) GetRenderedReport(ctx context.Context, scheduleID, reportID string) (*db.RenderedReport, error) {
	args := m.Called(ctx, scheduleID, reportID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.RenderedReport), args.Error(1)
}

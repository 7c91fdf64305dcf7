package mocks

import (
	"context"
	"time"

	"github.com/Harvey-AU/report-scheduler/internal/analytics"
	"github.com/Harvey-AU/report-scheduler/internal/db"
	"github.com/Harvey-AU/report-scheduler/internal/delivery"
	"github.com/Harvey-AU/report-scheduler/internal/render"
	"github.com/Harvey-AU/report-scheduler/internal/tokens"
	"github.com/stretchr/testify/mock"
)

// MockCredentialResolver is a mock implementation of the token resolver
type MockCredentialResolver struct {
	mock.Mock
}

// Resolve mocks returning a valid credential
func (m *MockCredentialResolver) Resolve(ctx context.Context, userID string) (*tokens.Credential, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*tokens.Credential), args.Error(1)
}

// ForceRefresh mocks an unconditional refresh
func (m *MockCredentialResolver) ForceRefresh(ctx context.Context, userID string) (*tokens.Credential, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*tokens.Credential), args.Error(1)
}

// MockFetcher is a mock implementation of the report data fetcher
type MockFetcher struct {
	mock.Mock
}

// Fetch mocks pulling report data
func (m *MockFetcher) Fetch(ctx context.Context, propertyID string, dr analytics.DateRange, cred *tokens.Credential) (*analytics.ReportData, error) {
	args := m.Called(ctx, propertyID, dr, cred)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*analytics.ReportData), args.Error(1)
}

// MockRenderer is a mock implementation of the report renderer
type MockRenderer struct {
	mock.Mock
}

// Render mocks rendering
func (m *MockRenderer) Render(ctx context.Context, kind db.ReportKind, dr analytics.DateRange, data *analytics.ReportData, branding *db.BrandingConfig, generatedAt time.Time) (*render.Output, error) {
	args := m.Called(ctx, kind, dr, data, branding, generatedAt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*render.Output), args.Error(1)
}

// MockDispatcher is a mock implementation of the delivery dispatcher
type MockDispatcher struct {
	mock.Mock
}

// Deliver mocks archiving and sending a report
func (m *MockDispatcher) Deliver(ctx context.Context, schedule *db.Schedule, executionTime time.Time, dr analytics.DateRange, html, pdf []byte) (*delivery.Result, error) {
	args := m.Called(ctx, schedule, executionTime, dr, html, pdf)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*delivery.Result), args.Error(1)
}

// MockNotifier is a mock implementation of the pause notifier
type MockNotifier struct {
	mock.Mock
}

// NotifyPaused mocks the auto-pause alert
func (m *MockNotifier) NotifyPaused(ctx context.Context, schedule *db.Schedule, code db.ErrorCode) {
	m.Called(ctx, schedule, code)
}

// MockLocker is a mock implementation of the run lease
type MockLocker struct {
	mock.Mock
}

// Acquire mocks taking the lease
func (m *MockLocker) Acquire(ctx context.Context, scheduleID, owner string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, scheduleID, owner, ttl)
	return args.Bool(0), args.Error(1)
}

// Release mocks releasing the lease
func (m *MockLocker) Release(ctx context.Context, scheduleID, owner string) error {
	args := m.Called(ctx, scheduleID, owner)
	return args.Error(0)
}

// MockRunController is a mock implementation of the coordinator's operator surface
type MockRunController struct {
	mock.Mock
}

// RetryLatest mocks retrying a schedule's newest failed attempt
func (m *MockRunController) RetryLatest(ctx context.Context, scheduleID string) (*db.ExecutionAttempt, error) {
	args := m.Called(ctx, scheduleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.ExecutionAttempt), args.Error(1)
}

// Pause mocks an operator pause
func (m *MockRunController) Pause(ctx context.Context, scheduleID, reason string) (*db.Schedule, error) {
	args := m.Called(ctx, scheduleID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Schedule), args.Error(1)
}

// Resume mocks an operator resume
func (m *MockRunController) Resume(ctx context.Context, scheduleID string) (*db.Schedule, error) {
	args := m.Called(ctx, scheduleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Schedule), args.Error(1)
}

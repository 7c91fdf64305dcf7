package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Harvey-AU/report-scheduler/internal/db"
	"github.com/Harvey-AU/report-scheduler/internal/storage"
)

const reportID = "55555555-5555-4555-8555-555555555555"

// signingArchive is a local store that also hands out signed links
type signingArchive struct {
	*storage.LocalStore
	err error
}

func (s signingArchive) SignedURL(_ context.Context, ref string, expiresIn time.Duration) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "https://cdn.example.com/" + ref + "?expires=" + expiresIn.String(), nil
}

func newLocalArchive(t *testing.T) *storage.LocalStore {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func testRenderedReport() *db.RenderedReport {
	executed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return &db.RenderedReport{
		ID:                 reportID,
		ScheduleID:         scheduleID,
		ExecutionTimestamp: executed,
		HTMLBlobRef:        "reports/" + scheduleID + "/20260302T090000Z.html",
		PDFBlobRef:         "reports/" + scheduleID + "/20260302T090000Z.pdf",
		CreatedAt:          executed.Add(time.Minute),
	}
}

func TestListReports(t *testing.T) {
	htmlOnly := testRenderedReport()
	htmlOnly.PDFBlobRef = ""

	tests := []struct {
		name        string
		archive     storage.BlobStore
		row         *db.RenderedReport
		wantHTMLURL string
		wantPDFURL  string
	}{
		{
			name:        "signed_links",
			archive:     signingArchive{LocalStore: newLocalArchive(t)},
			row:         testRenderedReport(),
			wantHTMLURL: "https://cdn.example.com/reports/" + scheduleID + "/20260302T090000Z.html?expires=15m0s",
			wantPDFURL:  "https://cdn.example.com/reports/" + scheduleID + "/20260302T090000Z.pdf?expires=15m0s",
		},
		{
			name:        "local_archive_uses_download_endpoint",
			archive:     newLocalArchive(t),
			row:         testRenderedReport(),
			wantHTMLURL: "/v1/schedules/" + scheduleID + "/reports/" + reportID + "/html",
			wantPDFURL:  "/v1/schedules/" + scheduleID + "/reports/" + reportID + "/pdf",
		},
		{
			name:        "signing_failure_falls_back",
			archive:     signingArchive{LocalStore: newLocalArchive(t), err: errors.New("storage unavailable")},
			row:         testRenderedReport(),
			wantHTMLURL: "/v1/schedules/" + scheduleID + "/reports/" + reportID + "/html",
			wantPDFURL:  "/v1/schedules/" + scheduleID + "/reports/" + reportID + "/pdf",
		},
		{
			name:        "html_only",
			archive:     newLocalArchive(t),
			row:         htmlOnly,
			wantHTMLURL: "/v1/schedules/" + scheduleID + "/reports/" + reportID + "/html",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, store, _ := newTestHandler()
			h.Archive = tt.archive
			store.On("GetSchedule", mock.Anything, scheduleID).Return(testSchedule(tenantA), nil).Once()
			store.On("ListRenderedReports", mock.Anything, scheduleID, defaultReportsLimit).
				Return([]*db.RenderedReport{tt.row}, nil).Once()

			rec := serveSchedule(h, http.MethodGet, "/v1/schedules/"+scheduleID+"/reports", "", tenantA)

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			data := decodeBody(t, rec)["data"].(map[string]any)
			reports := data["reports"].([]any)
			require.Len(t, reports, 1)

			report := reports[0].(map[string]any)
			assert.Equal(t, reportID, report["id"])
			assert.Equal(t, "2026-03-02T09:00:00Z", report["execution_timestamp"])
			assert.Equal(t, tt.row.HTMLBlobRef, report["html_ref"])
			assert.Equal(t, tt.wantHTMLURL, report["html_url"])
			if tt.wantPDFURL == "" {
				assert.NotContains(t, report, "pdf_url")
			} else {
				assert.Equal(t, tt.wantPDFURL, report["pdf_url"])
			}
			store.AssertExpectations(t)
		})
	}
}

func TestListReportsLimit(t *testing.T) {
	h, store, _ := newTestHandler()
	store.On("GetSchedule", mock.Anything, scheduleID).Return(testSchedule(tenantA), nil)
	store.On("ListRenderedReports", mock.Anything, scheduleID, maxReportsLimit).Return([]*db.RenderedReport{}, nil).Once()

	rec := serveSchedule(h, http.MethodGet, "/v1/schedules/"+scheduleID+"/reports?limit=5000", "", tenantA)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = serveSchedule(h, http.MethodGet, "/v1/schedules/"+scheduleID+"/reports?limit=0", "", tenantA)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	store.AssertExpectations(t)
}

func TestListReportsOtherTenant(t *testing.T) {
	h, store, _ := newTestHandler()
	store.On("GetSchedule", mock.Anything, scheduleID).Return(testSchedule(tenantB), nil).Once()

	rec := serveSchedule(h, http.MethodGet, "/v1/schedules/"+scheduleID+"/reports", "", tenantA)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	store.AssertNotCalled(t, "ListRenderedReports", mock.Anything, mock.Anything, mock.Anything)
}

func TestDownloadReport(t *testing.T) {
	archive := newLocalArchive(t)
	row := testRenderedReport()
	_, err := archive.Put(context.Background(), row.PDFBlobRef, []byte("%PDF-1.7"), "application/pdf")
	require.NoError(t, err)

	h, store, _ := newTestHandler()
	h.Archive = archive
	store.On("GetSchedule", mock.Anything, scheduleID).Return(testSchedule(tenantA), nil).Once()
	store.On("GetRenderedReport", mock.Anything, scheduleID, reportID).Return(row, nil).Once()

	rec := serveSchedule(h, http.MethodGet, "/v1/schedules/"+scheduleID+"/reports/"+reportID+"/pdf", "", tenantA)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="report-20260302T090000Z.pdf"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "%PDF-1.7", rec.Body.String())
}

func TestDownloadReportErrors(t *testing.T) {
	htmlOnly := testRenderedReport()
	htmlOnly.PDFBlobRef = ""

	tests := []struct {
		name           string
		path           string
		row            *db.RenderedReport
		err            error
		expectedStatus int
	}{
		{"unknown_format", "/reports/" + reportID + "/docx", nil, nil, http.StatusNotFound},
		{"invalid_report_id", "/reports/nope/pdf", nil, nil, http.StatusBadRequest},
		{"report_not_found", "/reports/" + reportID + "/pdf", nil, db.ErrRenderedReportNotFound, http.StatusNotFound},
		{"no_pdf_archived", "/reports/" + reportID + "/pdf", htmlOnly, nil, http.StatusNotFound},
		{"blob_missing", "/reports/" + reportID + "/html", testRenderedReport(), nil, http.StatusNotFound},
		{"database_down", "/reports/" + reportID + "/html", nil, errors.New("connection refused"), http.StatusInternalServerError},
		{"too_deep", "/reports/" + reportID + "/pdf/extra", nil, nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, store, _ := newTestHandler()
			h.Archive = newLocalArchive(t)
			store.On("GetSchedule", mock.Anything, scheduleID).Return(testSchedule(tenantA), nil).Once()
			store.On("GetRenderedReport", mock.Anything, scheduleID, reportID).Return(tt.row, tt.err).Maybe()

			rec := serveSchedule(h, http.MethodGet, "/v1/schedules/"+scheduleID+tt.path, "", tenantA)

			assert.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestDownloadReportWithoutArchive(t *testing.T) {
	h, store, _ := newTestHandler()
	store.On("GetSchedule", mock.Anything, scheduleID).Return(testSchedule(tenantA), nil).Once()

	rec := serveSchedule(h, http.MethodGet, "/v1/schedules/"+scheduleID+"/reports/"+reportID+"/pdf", "", tenantA)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReportsRequireGet(t *testing.T) {
	h, _, _ := newTestHandler()

	rec := serveSchedule(h, http.MethodPost, "/v1/schedules/"+scheduleID+"/reports", "", tenantA)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// Package delivery archives rendered reports and emails them to recipients.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/report-scheduler/internal/analytics"
	"github.com/Harvey-AU/report-scheduler/internal/db"
	"github.com/Harvey-AU/report-scheduler/internal/render"
	"github.com/Harvey-AU/report-scheduler/internal/storage"
)

// DeliveryError is a failed send
type DeliveryError struct {
	Recipients []string
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %d recipient(s) failed: %v", len(e.Recipients), e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Result describes a completed delivery
type Result struct {
	MessageID  string
	Recipients []string
	HTMLRef    string
	PDFRef     string
	Archived   bool
}

// ReportRecorder stores archive rows
type ReportRecorder interface {
	CreateRenderedReport(ctx context.Context, r *db.RenderedReport) (bool, error)
}

// Dispatcher archives then sends
type Dispatcher struct {
	store     storage.BlobStore
	recorder  ReportRecorder
	transport MailTransport
	from      string
}

// NewDispatcher wires a dispatcher. store and recorder may be nil to skip archiving.
func NewDispatcher(store storage.BlobStore, recorder ReportRecorder, transport MailTransport, from string) *Dispatcher {
	return &Dispatcher{
		store:     store,
		recorder:  recorder,
		transport: transport,
		from:      from,
	}
}

// Subject is "{Company} {Kind} – {date range}"
func Subject(schedule *db.Schedule, dr analytics.DateRange) string {
	b := render.ResolveBranding(schedule.Branding)
	return fmt.Sprintf("%s %s – %s", b.CompanyName, render.Title(schedule.ReportKind), dr)
}

// Deliver archives html and pdf, then sends one message to every recipient.
// Archive failures are logged and never block the send.
func (d *Dispatcher) Deliver(ctx context.Context, schedule *db.Schedule, executionTime time.Time, dr analytics.DateRange, html, pdf []byte) (*Result, error) {
	result := &Result{Recipients: schedule.RecipientEmails}

	if len(schedule.RecipientEmails) == 0 {
		return nil, &DeliveryError{Err: errors.New("schedule has no recipients")}
	}

	result.HTMLRef, result.PDFRef, result.Archived = d.archive(ctx, schedule.ID, executionTime, html, pdf)

	msg := Message{
		From:     d.from,
		To:       schedule.RecipientEmails,
		Subject:  Subject(schedule, dr),
		HTMLBody: string(html),
	}
	if len(pdf) > 0 {
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    fmt.Sprintf("%s-%s.pdf", schedule.ReportKind, executionTime.UTC().Format("2006-01-02")),
			ContentType: "application/pdf",
			Data:        pdf,
		})
	}

	messageID, err := d.transport.Send(ctx, msg)
	if err != nil {
		log.Warn().
			Err(err).
			Str("schedule_id", schedule.ID).
			Int("recipients", len(schedule.RecipientEmails)).
			Msg("Report delivery failed")
		return nil, &DeliveryError{Recipients: schedule.RecipientEmails, Err: err}
	}
	result.MessageID = messageID

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("message_id", messageID).
		Int("recipients", len(schedule.RecipientEmails)).
		Bool("archived", result.Archived).
		Msg("Report delivered")

	return result, nil
}

func (d *Dispatcher) archive(ctx context.Context, scheduleID string, executionTime time.Time, html, pdf []byte) (htmlRef, pdfRef string, archived bool) {
	if d.store == nil {
		return "", "", false
	}

	htmlRef, err := d.put(ctx, storage.ReportKey(scheduleID, executionTime, "html"), html, "text/html; charset=utf-8")
	if err != nil {
		archiveFailed(scheduleID, "html", err)
		return "", "", false
	}
	if len(pdf) > 0 {
		pdfRef, err = d.put(ctx, storage.ReportKey(scheduleID, executionTime, "pdf"), pdf, "application/pdf")
		if err != nil {
			archiveFailed(scheduleID, "pdf", err)
			return htmlRef, "", false
		}
	}

	if d.recorder != nil {
		inserted, err := d.recorder.CreateRenderedReport(ctx, &db.RenderedReport{
			ID:                 uuid.NewString(),
			ScheduleID:         scheduleID,
			ExecutionTimestamp: executionTime,
			HTMLBlobRef:        htmlRef,
			PDFBlobRef:         pdfRef,
		})
		if err != nil {
			archiveFailed(scheduleID, "record", err)
			return htmlRef, pdfRef, false
		}
		if !inserted {
			log.Debug().Str("schedule_id", scheduleID).Time("execution_time", executionTime).Msg("Rendered report already recorded")
		}
	}

	return htmlRef, pdfRef, true
}

// put treats an existing blob as archived
func (d *Dispatcher) put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	ref, err := d.store.Put(ctx, key, data, contentType)
	if errors.Is(err, storage.ErrBlobExists) {
		return ref, nil
	}
	return ref, err
}

func archiveFailed(scheduleID, stage string, err error) {
	log.Warn().Err(err).Str("schedule_id", scheduleID).Str("stage", stage).Msg("Failed to archive rendered report, sending anyway")
	sentry.AddBreadcrumb(&sentry.Breadcrumb{
		Category: "archive",
		Message:  fmt.Sprintf("archive %s failed: %v", stage, err),
		Level:    sentry.LevelWarning,
		Data:     map[string]any{"schedule_id": scheduleID},
	})
}

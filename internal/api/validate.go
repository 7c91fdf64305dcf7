package api

import (
	"fmt"
	"strings"

	emailverifier "github.com/AfterShip/email-verifier"
	"github.com/google/uuid"

	"github.com/Harvey-AU/report-scheduler/internal/cron"
	"github.com/Harvey-AU/report-scheduler/internal/db"
)

// MaxRecipients caps the recipient list of a single schedule
const MaxRecipients = 50

var verifier = emailverifier.NewVerifier()

func validateUUID(field, value string) []string {
	if strings.TrimSpace(value) == "" {
		return []string{field + " is required"}
	}
	if _, err := uuid.Parse(value); err != nil {
		return []string{field + " must be a UUID"}
	}
	return nil
}

func validateRequired(field, value string) []string {
	if strings.TrimSpace(value) == "" {
		return []string{field + " is required"}
	}
	return nil
}

func validateReportKind(kind string) []string {
	if kind == "" {
		return []string{"report_kind is required"}
	}
	if !db.ReportKind(kind).Valid() {
		return []string{fmt.Sprintf("report_kind %q is not one of %s, %s, %s", kind,
			db.ReportKindWeeklySummary, db.ReportKindMonthlyReport, db.ReportKindQuarterlyReview)}
	}
	return nil
}

func validateCronPattern(pattern string) []string {
	if strings.TrimSpace(pattern) == "" {
		return []string{"cron_pattern is required"}
	}
	if err := cron.Validate(pattern); err != nil {
		return []string{err.Error()}
	}
	return nil
}

// validateRecipients checks the list size and the syntax of each address.
// No mailbox lookups are made.
func validateRecipients(recipients []string) []string {
	if len(recipients) == 0 {
		return []string{"recipient_emails must contain at least one address"}
	}
	if len(recipients) > MaxRecipients {
		return []string{fmt.Sprintf("recipient_emails has %d addresses, the maximum is %d", len(recipients), MaxRecipients)}
	}

	var problems []string
	seen := make(map[string]bool, len(recipients))
	for i, addr := range recipients {
		addr = strings.TrimSpace(addr)
		if !verifier.ParseAddress(addr).Valid {
			problems = append(problems, fmt.Sprintf("recipient_emails[%d] %q is not a valid email address", i, addr))
			continue
		}
		key := strings.ToLower(addr)
		if seen[key] {
			problems = append(problems, fmt.Sprintf("recipient_emails[%d] %q is a duplicate", i, addr))
		}
		seen[key] = true
	}
	return problems
}

func normaliseRecipients(recipients []string) []string {
	out := make([]string, 0, len(recipients))
	for _, addr := range recipients {
		out = append(out, strings.TrimSpace(addr))
	}
	return out
}

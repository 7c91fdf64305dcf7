// Package render turns report data into HTML and PDF documents.
package render

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/report-scheduler/internal/analytics"
	"github.com/Harvey-AU/report-scheduler/internal/db"
)

//go:embed templates/*.html.tmpl
var templateFS embed.FS

// Branding defaults used when a schedule has none, or leaves fields empty
const (
	DefaultCompanyName  = "Analytics"
	DefaultPrimaryColor = "#1a73e8"
	DefaultFooterText   = "This report was generated automatically."

	notAvailable    = "N/A"
	generatedLayout = "2 Jan 2006 15:04 UTC"
)

var hexColor = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// RenderError wraps any failure while producing a report document
type RenderError struct {
	Stage string
	Err   error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Stage, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// Output holds the rendered documents
type Output struct {
	HTML []byte
	PDF  []byte
}

// PDFPrinter converts an HTML document to PDF
type PDFPrinter interface {
	PrintPDF(ctx context.Context, html []byte) ([]byte, error)
}

// Renderer renders reports with the embedded template
type Renderer struct {
	tmpl    *template.Template
	printer PDFPrinter
}

// NewRenderer parses the embedded template. printer may be nil, in which
// case Render produces HTML only.
func NewRenderer(printer PDFPrinter) (*Renderer, error) {
	tmpl, err := template.New("report.html.tmpl").
		Funcs(template.FuncMap{"formatInt": formatInt}).
		ParseFS(templateFS, "templates/report.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse report template: %w", err)
	}
	return &Renderer{tmpl: tmpl, printer: printer}, nil
}

// Title is the human name of a report kind
func Title(kind db.ReportKind) string {
	switch kind {
	case db.ReportKindMonthlyReport:
		return "Monthly Report"
	case db.ReportKindQuarterlyReview:
		return "Quarterly Review"
	default:
		return "Weekly Summary"
	}
}

// ResolveBranding fills empty fields with defaults
func ResolveBranding(b *db.BrandingConfig) db.BrandingConfig {
	resolved := db.BrandingConfig{
		CompanyName:  DefaultCompanyName,
		PrimaryColor: DefaultPrimaryColor,
		FooterText:   DefaultFooterText,
	}
	if b == nil {
		return resolved
	}
	if b.CompanyName != "" {
		resolved.CompanyName = b.CompanyName
	}
	if hexColor.MatchString(b.PrimaryColor) {
		resolved.PrimaryColor = b.PrimaryColor
	}
	if b.FooterText != "" {
		resolved.FooterText = b.FooterText
	}
	resolved.LogoURL = b.LogoURL
	return resolved
}

type metricView struct {
	Label string
	Value string
}

type reportView struct {
	Title          string
	CompanyName    string
	LogoURL        string
	PrimaryColor   template.CSS
	FooterText     string
	DateRange      string
	GeneratedAt    string
	Summary        []metricView
	TopPages       []analytics.TopPage
	TrafficSources []analytics.TrafficSource
	Devices        []analytics.Device
}

// Render produces the HTML document and, when a printer is configured, its PDF
func (r *Renderer) Render(ctx context.Context, kind db.ReportKind, dr analytics.DateRange, data *analytics.ReportData, branding *db.BrandingConfig, generatedAt time.Time) (*Output, error) {
	html, err := r.RenderHTML(kind, dr, data, branding, generatedAt)
	if err != nil {
		return nil, err
	}

	out := &Output{HTML: html}
	if r.printer == nil {
		return out, nil
	}

	start := time.Now()
	pdf, err := r.printer.PrintPDF(ctx, html)
	if err != nil {
		return nil, &RenderError{Stage: "pdf", Err: err}
	}
	out.PDF = pdf

	log.Debug().
		Str("report_kind", string(kind)).
		Int("html_bytes", len(html)).
		Int("pdf_bytes", len(pdf)).
		Dur("pdf_duration", time.Since(start)).
		Msg("Rendered report")

	return out, nil
}

// RenderHTML executes the template. Equal inputs always give equal output.
func (r *Renderer) RenderHTML(kind db.ReportKind, dr analytics.DateRange, data *analytics.ReportData, branding *db.BrandingConfig, generatedAt time.Time) ([]byte, error) {
	if data == nil {
		return nil, &RenderError{Stage: "html", Err: fmt.Errorf("no report data")}
	}

	b := ResolveBranding(branding)
	view := reportView{
		Title:          Title(kind),
		CompanyName:    b.CompanyName,
		LogoURL:        b.LogoURL,
		PrimaryColor:   template.CSS(b.PrimaryColor),
		FooterText:     b.FooterText,
		DateRange:      dr.String(),
		GeneratedAt:    generatedAt.UTC().Format(generatedLayout),
		Summary:        summaryMetrics(data.Summary),
		TopPages:       data.TopPages,
		TrafficSources: data.TrafficSources,
		Devices:        data.Devices,
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, view); err != nil {
		return nil, &RenderError{Stage: "html", Err: err}
	}
	return buf.Bytes(), nil
}

func summaryMetrics(s analytics.Summary) []metricView {
	return []metricView{
		{Label: "Sessions", Value: intOrNA(s.Sessions)},
		{Label: "Users", Value: intOrNA(s.Users)},
		{Label: "Page Views", Value: intOrNA(s.PageViews)},
		{Label: "Bounce Rate", Value: percentOrNA(s.BounceRate)},
		{Label: "Avg. Session Duration", Value: durationOrNA(s.AvgSessionDuration)},
	}
}

func intOrNA(v *int64) string {
	if v == nil {
		return notAvailable
	}
	return formatInt(*v)
}

func percentOrNA(v *float64) string {
	if v == nil {
		return notAvailable
	}
	return strconv.FormatFloat(*v*100, 'f', 1, 64) + "%"
}

func durationOrNA(v *float64) string {
	if v == nil {
		return notAvailable
	}
	secs := int64(*v + 0.5)
	return fmt.Sprintf("%dm %02ds", secs/60, secs%60)
}

// formatInt adds thousands separators
func formatInt(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := n < 0
	if neg {
		s = s[1:]
	}
	out := make([]byte, 0, len(s)+len(s)/3)
	for i := range len(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}

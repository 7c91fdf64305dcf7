package render

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog/log"
)

// DefaultPDFTimeout bounds one browser session
const DefaultPDFTimeout = 60 * time.Second

// ChromePDFPrinter prints HTML to PDF in a headless Chrome per call
type ChromePDFPrinter struct {
	execPath string
	timeout  time.Duration
}

// NewChromePDFPrinter uses the Chrome binary at execPath, or the one on
// PATH when empty.
func NewChromePDFPrinter(execPath string, timeout time.Duration) *ChromePDFPrinter {
	if timeout <= 0 {
		timeout = DefaultPDFTimeout
	}
	return &ChromePDFPrinter{execPath: execPath, timeout: timeout}
}

func (p *ChromePDFPrinter) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.NoSandbox, chromedp.DisableGPU)
	if p.execPath != "" {
		opts = append(opts, chromedp.ExecPath(p.execPath))
	}
	return opts
}

// PrintPDF loads html into a blank page and prints it with backgrounds.
// Every browser context is cancelled on return.
func (p *ChromePDFPrinter) PrintPDF(ctx context.Context, html []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, p.allocatorOptions()...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	start := time.Now()
	var pdf []byte
	err := chromedp.Run(browserCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return fmt.Errorf("failed to get frame tree: %w", err)
			}
			return page.SetDocumentContent(tree.Frame.ID, string(html)).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPreferCSSPageSize(true).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("failed to print page: %w", err)
			}
			pdf = buf
			return nil
		}),
	)
	if err != nil {
		log.Warn().Err(err).Dur("duration", time.Since(start)).Msg("Headless Chrome PDF render failed")
		return nil, fmt.Errorf("headless chrome: %w", err)
	}

	return pdf, nil
}

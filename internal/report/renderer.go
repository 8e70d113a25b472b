// Package report assembles the staged PDF report from an analysis
// result. Pages render in a fixed order and each one is a cancellation
// checkpoint.
package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"html/template"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/ecotrace/ecotrace/internal/carbon"
	"github.com/ecotrace/ecotrace/internal/metrics"
)

// Config controls the renderer.
type Config struct {
	// PageTimeout bounds the headless print of the combined document.
	PageTimeout time.Duration
}

// Renderer implements carbon.ReportRenderer with chromedp's print
// pipeline.
type Renderer struct {
	cfg         Config
	blob        carbon.BlobStore
	clock       carbon.Clock
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a Renderer with its own headless browser allocator.
func New(cfg Config, blob carbon.BlobStore, clock carbon.Clock, logger *zap.Logger) *Renderer {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 60 * time.Second
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Renderer{
		cfg:         cfg,
		blob:        blob,
		clock:       clock,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
}

// Close cancels the allocator context.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Render produces the report PDF for a finished analysis. onPage is
// invoked once per page in order; a non-nil return aborts the render at
// that page boundary. The caller assigns the report's identity.
func (r *Renderer) Render(ctx context.Context, result carbon.AnalysisResult, onPage carbon.PageFunc) (carbon.Report, error) {
	order := pageOrder(result)
	data := pageData{
		Result:     result,
		Screenshot: r.screenshotDataURL(ctx, result.ScreenshotRef),
		TOC:        order,
		Generated:  r.clock.Now().Format("2006-01-02 15:04 UTC"),
	}

	sections, pages, err := buildPages(order, data, onPage)
	if err != nil {
		return carbon.Report{}, err
	}

	pdfBytes, err := r.printPDF(ctx, combinePages(sections))
	if err != nil {
		return carbon.Report{}, err
	}
	if err := validatePageCount(pdfBytes, len(order)); err != nil {
		return carbon.Report{}, carbon.NewError(carbon.ErrKindAnalysis, carbon.StageAssemble, err.Error())
	}

	ref, err := r.blob.Put(ctx, fmt.Sprintf("reports/%s.pdf", carbon.CacheKey(result.Target, data.Generated)),
		"application/pdf", bytes.NewReader(pdfBytes))
	if err != nil {
		return carbon.Report{}, carbon.NewError(carbon.ErrKindStorage, carbon.StageAssemble,
			fmt.Sprintf("store report: %v", err))
	}

	return carbon.Report{
		Pages:       pages,
		FileRef:     ref,
		SizeBytes:   int64(len(pdfBytes)),
		GeneratedAt: r.clock.Now(),
	}, nil
}

// buildPages renders each page section in order, invoking onPage before
// each one.
func buildPages(order []string, data pageData, onPage carbon.PageFunc) ([]string, []carbon.ReportPage, error) {
	sections := make([]string, 0, len(order))
	pages := make([]carbon.ReportPage, 0, len(order))
	for i, name := range order {
		if onPage != nil {
			if err := onPage(i+1, len(order), name); err != nil {
				return nil, nil, err
			}
		}
		data.Title = pageTitles[name]
		section, err := renderPage(name, data)
		if err != nil {
			jerr := carbon.NewError(carbon.ErrKindAnalysis, carbon.StageRender, err.Error())
			jerr.Page = name
			return nil, nil, jerr
		}
		sections = append(sections, section)
		pages = append(pages, carbon.ReportPage{Index: i + 1, Name: name})
		metrics.ObserveReportPage()
	}
	return sections, pages, nil
}

// printPDF loads the combined document into a fresh tab and prints it.
func (r *Renderer) printPDF(ctx context.Context, html string) ([]byte, error) {
	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, r.cfg.PageTimeout)
	defer cancel()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			taskCancel()
		case <-stop:
		}
	}()
	defer close(stop)

	var pdfBytes []byte
	err := chromedp.Run(taskCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(cctx context.Context) error {
			frameTree, err := page.GetFrameTree().Do(cctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frameTree.Frame.ID, html).Do(cctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(cctx context.Context) error {
			buf, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPreferCSSPageSize(true).
				Do(cctx)
			if err != nil {
				return err
			}
			pdfBytes = buf
			return nil
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, carbon.ErrCancelled
		}
		return nil, carbon.NewError(carbon.ErrKindAnalysis, carbon.StageRender,
			fmt.Sprintf("print pdf: %v", err))
	}
	return pdfBytes, nil
}

// validatePageCount confirms the printed document has one PDF page per
// report page.
func validatePageCount(pdfBytes []byte, want int) error {
	reader, err := pdf.NewReader(bytes.NewReader(pdfBytes), int64(len(pdfBytes)))
	if err != nil {
		return fmt.Errorf("parse printed pdf: %w", err)
	}
	if got := reader.NumPage(); got != want {
		return fmt.Errorf("printed pdf has %d pages, want %d", got, want)
	}
	return nil
}

// screenshotDataURL inlines the stored screenshot for the cover page.
// A missing screenshot degrades to a cover without one.
func (r *Renderer) screenshotDataURL(ctx context.Context, ref string) template.URL {
	if ref == "" {
		return ""
	}
	data, contentType, err := r.blob.Get(ctx, ref)
	if err != nil {
		r.logger.Warn("report cover screenshot unavailable",
			zap.String("ref", ref),
			zap.Error(err))
		return ""
	}
	if contentType == "" {
		contentType = "image/png"
	}
	return template.URL("data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data))
}

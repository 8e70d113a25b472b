// Package capture renders pages with a headless browser and records the
// subresources the page pulled over the network.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/ecotrace/ecotrace/internal/carbon"
)

// Config controls the behavior of the headless capturer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	ViewportWidth     int64
	ViewportHeight    int64
}

// Capturer implements carbon.Capturer using chromedp and headless Chrome.
type Capturer struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	cache       carbon.ArtifactCache
	clock       carbon.Clock
}

// New creates a headless capturer backed by chromedp. Screenshots go
// through the artifact cache, so a redelivered task reuses the stored
// blob instead of writing a new one.
func New(cfg Config, cache carbon.ArtifactCache, clock carbon.Clock) (*Capturer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1440
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 900
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Capturer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		cache:       cache,
		clock:       clock,
	}, nil
}

// screenshotKey derives the cache key for a target's screenshot from
// every option that changes the rendered output.
func screenshotKey(target string, opts carbon.JobOptions) string {
	return carbon.CacheKey(target, "screenshot", fmt.Sprintf("mobile=%t", opts.Mobile))
}

// Close cancels the allocator context.
func (c *Capturer) Close() {
	c.allocCancel()
}

// imageRegion mirrors the object shape produced by the in-page script.
type imageRegion struct {
	URL    string `json:"url"`
	Width  int64  `json:"width"`
	Height int64  `json:"height"`
}

const collectImagesJS = `Array.from(document.images)
	.map((img) => ({
		url: img.currentSrc || img.src || "",
		width: img.naturalWidth,
		height: img.naturalHeight,
	}))
	.filter((img) => img.url !== "")`

// Capture navigates to target, waits for the page to settle, and returns
// the rendered page's subresource inventory plus a full-page screenshot.
func (c *Capturer) Capture(ctx context.Context, target string, opts carbon.JobOptions) (carbon.Capture, error) {
	if err := c.acquire(ctx); err != nil {
		return carbon.Capture{}, err
	}
	defer c.release()

	taskCtx, taskCancel := chromedp.NewContext(c.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, c.cfg.NavigationTimeout)
	defer cancel()

	tally := newResourceTally()
	chromedp.ListenTarget(taskCtx, tally.captureEvent)

	var (
		finalURL   string
		screenshot []byte
		regions    []imageRegion
	)
	start := time.Now()
	actions := []chromedp.Action{
		c.networkSetupAction(opts),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(c.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.Evaluate(collectImagesJS, &regions),
		chromedp.FullScreenshot(&screenshot, 80),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return carbon.Capture{}, classifyCaptureError(err, target)
	}
	duration := time.Since(start)

	resources, totalBytes := tally.snapshot()

	capturedAt := c.clock.Now()
	entry, _, err := c.cache.GetOrCreate(ctx, screenshotKey(target, opts), "image/png",
		func(context.Context) (carbon.Artifact, error) {
			return carbon.Artifact{Data: screenshot, ContentType: "image/png"}, nil
		})
	if err != nil {
		return carbon.Capture{}, carbon.NewError(carbon.ErrKindStorage, carbon.StageCapture,
			fmt.Sprintf("store screenshot: %v", err))
	}

	return carbon.Capture{
		URL:           target,
		FinalURL:      finalURL,
		ScreenshotRef: entry.Ref,
		TotalBytes:    totalBytes,
		Resources:     resources,
		Images:        joinRegions(regions, resources),
		Duration:      duration,
		CapturedAt:    capturedAt,
	}, nil
}

func (c *Capturer) networkSetupAction(opts carbon.JobOptions) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if c.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		width, height := c.cfg.ViewportWidth, c.cfg.ViewportHeight
		if opts.Mobile {
			width, height = 390, 844
		}
		if err := emulation.SetDeviceMetricsOverride(width, height, 1.0, opts.Mobile).Do(ctx); err != nil {
			return fmt.Errorf("set device metrics: %w", err)
		}
		return nil
	})
}

func (c *Capturer) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	select {
	case c.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("capture slot wait canceled: %w", ctx.Err())
	}
}

func (c *Capturer) release() {
	if c.limiter == nil {
		return
	}
	select {
	case <-c.limiter:
	default:
	}
}

func classifyCaptureError(err error, target string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return carbon.NewError(carbon.ErrKindCaptureTimeout, carbon.StageCapture,
			fmt.Sprintf("navigation to %s timed out", target))
	}
	if errors.Is(err, context.Canceled) {
		return carbon.ErrCancelled
	}
	return carbon.NewError(carbon.ErrKindCaptureNetwork, carbon.StageCapture,
		fmt.Sprintf("navigate %s: %v", target, err))
}

// joinRegions attaches observed transfer sizes to the rendered image
// regions reported by the page.
func joinRegions(regions []imageRegion, resources []carbon.Resource) []carbon.ImageRegion {
	sizes := make(map[string]int64, len(resources))
	for _, res := range resources {
		if res.Type == carbon.ResourceImage {
			sizes[res.URL] = res.TransferBytes
		}
	}
	out := make([]carbon.ImageRegion, 0, len(regions))
	seen := make(map[string]struct{}, len(regions))
	for _, region := range regions {
		if _, dup := seen[region.URL]; dup {
			continue
		}
		seen[region.URL] = struct{}{}
		out = append(out, carbon.ImageRegion{
			URL:           region.URL,
			Width:         region.Width,
			Height:        region.Height,
			TransferBytes: sizes[region.URL],
		})
	}
	return out
}

// resourceTally accumulates network events for a single capture run.
type resourceTally struct {
	mu        sync.Mutex
	resources map[network.RequestID]carbon.Resource
	finished  map[network.RequestID]int64
}

func newResourceTally() *resourceTally {
	return &resourceTally{
		resources: make(map[network.RequestID]carbon.Resource),
		finished:  make(map[network.RequestID]int64),
	}
}

func (t *resourceTally) captureEvent(ev any) {
	switch event := ev.(type) {
	case *network.EventResponseReceived:
		if event.Response == nil {
			return
		}
		t.mu.Lock()
		t.resources[event.RequestID] = carbon.Resource{
			URL:           event.Response.URL,
			Type:          mapResourceType(event.Type),
			MimeType:      event.Response.MimeType,
			TransferBytes: int64(event.Response.EncodedDataLength),
		}
		t.mu.Unlock()
	case *network.EventLoadingFinished:
		t.mu.Lock()
		t.finished[event.RequestID] = int64(event.EncodedDataLength)
		t.mu.Unlock()
	}
}

// snapshot returns the observed resources. Loading-finished sizes are
// authoritative when present; the response header size is the fallback.
func (t *resourceTally) snapshot() ([]carbon.Resource, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]carbon.Resource, 0, len(t.resources))
	var total int64
	for id, res := range t.resources {
		if size, ok := t.finished[id]; ok && size > 0 {
			res.TransferBytes = size
		}
		total += res.TransferBytes
		out = append(out, res)
	}
	return out, total
}

func mapResourceType(rt network.ResourceType) carbon.ResourceType {
	switch rt {
	case network.ResourceTypeDocument:
		return carbon.ResourceDocument
	case network.ResourceTypeScript:
		return carbon.ResourceScript
	case network.ResourceTypeStylesheet:
		return carbon.ResourceStylesheet
	case network.ResourceTypeImage:
		return carbon.ResourceImage
	case network.ResourceTypeFont:
		return carbon.ResourceFont
	case network.ResourceTypeMedia:
		return carbon.ResourceMedia
	default:
		return carbon.ResourceOther
	}
}

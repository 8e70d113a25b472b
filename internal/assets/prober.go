// Package assets surveys a page's static markup for subresources and
// same-host subpages without executing JavaScript.
package assets

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/ecotrace/ecotrace/internal/carbon"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Prober implements carbon.Prober using the Colly collector.
type Prober struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds a Prober.
func New(cfg Config, logger *zap.Logger) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = false
	c.WithTransport(newHTTPTransport())
	return &Prober{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// Probe fetches target's markup, enumerates the declared subresources,
// and weighs up to maxSubpages same-host pages linked from it.
func (p *Prober) Probe(ctx context.Context, target string, maxSubpages int) (carbon.ProbeResult, error) {
	base, err := url.Parse(target)
	if err != nil {
		return carbon.ProbeResult{}, fmt.Errorf("parse target: %w", err)
	}

	var (
		assets    []carbon.Resource
		seen      = make(map[string]struct{})
		subpages  []string
		seenPages = make(map[string]struct{})
	)
	addAsset := func(raw string, kind carbon.ResourceType, e *colly.HTMLElement) {
		abs := e.Request.AbsoluteURL(raw)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		assets = append(assets, carbon.Resource{URL: abs, Type: kind})
	}

	collector := p.newCollector()
	collector.OnHTML("script[src]", func(e *colly.HTMLElement) {
		addAsset(e.Attr("src"), carbon.ResourceScript, e)
	})
	collector.OnHTML("link[rel='stylesheet']", func(e *colly.HTMLElement) {
		addAsset(e.Attr("href"), carbon.ResourceStylesheet, e)
	})
	collector.OnHTML("img[src]", func(e *colly.HTMLElement) {
		addAsset(e.Attr("src"), carbon.ResourceImage, e)
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		abs := e.Request.AbsoluteURL(e.Attr("href"))
		if !sameHostPage(base, abs) {
			return
		}
		if _, dup := seenPages[abs]; dup {
			return
		}
		seenPages[abs] = struct{}{}
		subpages = append(subpages, abs)
	})

	if err := p.visit(ctx, collector, target); err != nil {
		return carbon.ProbeResult{}, err
	}

	stats := p.weighSubpages(ctx, subpages, maxSubpages)
	return carbon.ProbeResult{Assets: assets, Subpages: stats}, nil
}

// weighSubpages fetches each candidate page and records its body size.
// Individual fetch failures are logged and skipped.
func (p *Prober) weighSubpages(ctx context.Context, candidates []string, maxSubpages int) []carbon.SubpageStat {
	if maxSubpages <= 0 || len(candidates) == 0 {
		return nil
	}
	if len(candidates) > maxSubpages {
		candidates = candidates[:maxSubpages]
	}
	stats := make([]carbon.SubpageStat, 0, len(candidates))
	for _, pageURL := range candidates {
		if ctx.Err() != nil {
			break
		}
		var size int64
		collector := p.newCollector()
		collector.OnResponse(func(r *colly.Response) {
			size = int64(len(r.Body))
		})
		if err := p.visit(ctx, collector, pageURL); err != nil {
			p.logger.Debug("subpage probe failed",
				zap.String("url", pageURL),
				zap.Error(err))
			continue
		}
		stats = append(stats, carbon.SubpageStat{URL: pageURL, TotalBytes: size})
	}
	return stats
}

func (p *Prober) newCollector() *colly.Collector {
	collector := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.SetRequestTimeout(p.cfg.Timeout)
	return collector
}

func (p *Prober) visit(ctx context.Context, collector *colly.Collector, pageURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("probe canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("probe visit failed: %w", err)
		}
		return nil
	}
}

// sameHostPage reports whether abs is an http(s) page on base's host,
// excluding base itself and fragment-only links.
func sameHostPage(base *url.URL, abs string) bool {
	if abs == "" {
		return false
	}
	u, err := url.Parse(abs)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if !strings.EqualFold(u.Host, base.Host) {
		return false
	}
	if u.Path == base.Path || u.Path == "" || u.Path == "/" && (base.Path == "" || base.Path == "/") {
		return false
	}
	return true
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

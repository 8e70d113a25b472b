// Package optimize re-encodes a page's images and measures the transfer
// bytes that conversion would save.
package optimize

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ecotrace/ecotrace/internal/analyze"
	"github.com/ecotrace/ecotrace/internal/carbon"
	"github.com/ecotrace/ecotrace/internal/metrics"
)

// Config controls optimizer behavior.
type Config struct {
	MaxImages    int
	Quality      int
	MaxWidth     int
	FetchTimeout time.Duration
	Parallelism  int
	PerHostRPS   float64
	PerHostBurst int
	UserAgent    string
}

// Optimizer fetches page images and produces re-encoded variants through
// the artifact cache.
type Optimizer struct {
	cfg     Config
	cache   carbon.ArtifactCache
	client  *http.Client
	limiter *hostLimiter
	logger  *zap.Logger
}

// New creates an Optimizer over the given artifact cache.
func New(cfg Config, cache carbon.ArtifactCache, logger *zap.Logger) *Optimizer {
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = 100
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 75
	}
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = 1920
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 20 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Optimizer{
		cfg:     cfg,
		cache:   cache,
		client:  &http.Client{Timeout: cfg.FetchTimeout},
		limiter: newHostLimiter(cfg.PerHostRPS, cfg.PerHostBurst),
		logger:  logger,
	}
}

// OptimizeAll processes every eligible image and reports per-item
// outcomes. Individual failures are absorbed into the result; only
// cancellation aborts the whole sub-stage.
func (o *Optimizer) OptimizeAll(ctx context.Context, images []carbon.ImageRegion, onProgress func(done, total int)) (carbon.ImageOptimization, error) {
	eligible := o.selectImages(images)
	total := len(eligible)

	items := make([]carbon.ImageItem, total)
	var (
		mu   sync.Mutex
		done int
	)
	report := func() {
		if onProgress == nil {
			return
		}
		mu.Lock()
		done++
		current := done
		mu.Unlock()
		onProgress(current, total)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Parallelism)
	for i, img := range eligible {
		g.Go(func() error {
			item := o.optimizeOne(gctx, img)
			items[i] = item
			report()
			if item.Failed {
				metrics.ObserveImage("failed")
			} else if item.CacheHit {
				metrics.ObserveImage("cache_hit")
			} else {
				metrics.ObserveImage("optimized")
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return carbon.ImageOptimization{}, carbon.ErrCancelled
	}

	return summarize(items), nil
}

// selectImages drops inline and duplicate sources and caps the batch.
func (o *Optimizer) selectImages(images []carbon.ImageRegion) []carbon.ImageRegion {
	seen := make(map[string]struct{}, len(images))
	out := make([]carbon.ImageRegion, 0, len(images))
	for _, img := range images {
		if img.URL == "" || strings.HasPrefix(img.URL, "data:") {
			continue
		}
		if _, dup := seen[img.URL]; dup {
			continue
		}
		seen[img.URL] = struct{}{}
		out = append(out, img)
		if len(out) == o.cfg.MaxImages {
			break
		}
	}
	return out
}

func (o *Optimizer) optimizeOne(ctx context.Context, img carbon.ImageRegion) carbon.ImageItem {
	key := carbon.CacheKey(img.URL,
		"q="+strconv.Itoa(o.cfg.Quality),
		"w="+strconv.Itoa(o.cfg.MaxWidth))

	entry, hit, err := o.cache.GetOrCreate(ctx, key, "image/jpeg", func(pctx context.Context) (carbon.Artifact, error) {
		return o.produce(pctx, img.URL)
	})
	if err != nil {
		o.logger.Debug("image optimization failed",
			zap.String("url", img.URL),
			zap.Error(err))
		return carbon.ImageItem{
			SourceURL:  img.URL,
			SizeBefore: img.TransferBytes,
			Failed:     true,
			FailReason: err.Error(),
		}
	}
	return carbon.ImageItem{
		SourceURL:  img.URL,
		Ref:        entry.Ref,
		SizeBefore: entry.SizeBefore,
		SizeAfter:  entry.SizeAfter,
		CacheHit:   hit,
	}
}

// produce downloads and re-encodes one image. When the re-encoded form
// is no smaller than the original, the original bytes are kept.
func (o *Optimizer) produce(ctx context.Context, rawURL string) (carbon.Artifact, error) {
	if err := o.limiter.Wait(ctx, rawURL); err != nil {
		return carbon.Artifact{}, err
	}

	original, contentType, err := o.fetch(ctx, rawURL)
	if err != nil {
		return carbon.Artifact{}, err
	}

	decoded, err := imaging.Decode(bytes.NewReader(original))
	if err != nil {
		return carbon.Artifact{}, fmt.Errorf("decode image: %w", err)
	}
	if width := decoded.Bounds().Dx(); width > o.cfg.MaxWidth {
		decoded = imaging.Resize(decoded, o.cfg.MaxWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, decoded, imaging.JPEG, imaging.JPEGQuality(o.cfg.Quality)); err != nil {
		return carbon.Artifact{}, fmt.Errorf("encode image: %w", err)
	}

	if buf.Len() >= len(original) {
		return carbon.Artifact{
			Data:        original,
			ContentType: contentType,
			SizeBefore:  int64(len(original)),
		}, nil
	}
	return carbon.Artifact{
		Data:        buf.Bytes(),
		ContentType: "image/jpeg",
		SizeBefore:  int64(len(original)),
	}, nil
}

func (o *Optimizer) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	if o.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", o.cfg.UserAgent)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read image body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func summarize(items []carbon.ImageItem) carbon.ImageOptimization {
	out := carbon.ImageOptimization{Items: items}
	for _, item := range items {
		if item.Failed {
			out.FailedCount++
			continue
		}
		out.TotalBefore += item.SizeBefore
		out.TotalAfter += item.SizeAfter
	}
	out.SavedBytes = out.TotalBefore - out.TotalAfter
	if out.SavedBytes < 0 {
		out.SavedBytes = 0
	}
	out.CO2SavedGrams = analyze.EmissionGrams(out.SavedBytes)
	return out
}

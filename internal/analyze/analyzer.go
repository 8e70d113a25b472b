// Package analyze turns a raw page capture into a carbon estimate using
// the sustainable web design model.
package analyze

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ecotrace/ecotrace/internal/carbon"
)

// Sustainable web design model constants.
const (
	kwhPerGB    = 0.81
	gramsPerKWh = 442.0
	bytesPerGB  = 1024.0 * 1024.0 * 1024.0

	// Segment shares of the per-view energy footprint.
	shareDataCenter = 0.15
	shareNetwork    = 0.14
	shareDevice     = 0.52
	shareProduction = 0.19

	// medianGramsPerView anchors the percentile curve so a page at the
	// global median lands at the 50th percentile.
	medianGramsPerView = 0.76
)

// Reference page weights for the comparison baselines.
const (
	koreaAvgPageBytes  = 4.56 * 1024 * 1024
	globalAvgPageBytes = 2.34 * 1024 * 1024
)

// Opportunity thresholds.
const (
	oversizedImageBytes  = 200 * 1024
	unminifiedAssetBytes = 50 * 1024
	blockingScriptBytes  = 100 * 1024
)

// Analyzer computes analysis results from captures. It is stateless and
// deterministic.
type Analyzer struct {
	clock carbon.Clock
}

// New creates an Analyzer.
func New(clock carbon.Clock) *Analyzer {
	return &Analyzer{clock: clock}
}

// Analyze combines the rendered capture and the static markup probe into
// an analysis result. The image optimization section is left empty; the
// optimize stage fills it in.
func (a *Analyzer) Analyze(capture carbon.Capture, probe carbon.ProbeResult) (carbon.AnalysisResult, error) {
	if capture.TotalBytes < 0 {
		return carbon.AnalysisResult{}, carbon.NewError(carbon.ErrKindAnalysis, carbon.StageAnalyze,
			fmt.Sprintf("negative page weight %d", capture.TotalBytes))
	}

	emission := EstimateEmission(capture.TotalBytes)
	return carbon.AnalysisResult{
		Target:           capture.URL,
		ScreenshotRef:    capture.ScreenshotRef,
		TotalBytes:       capture.TotalBytes,
		ResourceCount:    len(capture.Resources),
		Emission:         emission,
		ContentBreakdown: contentBreakdown(capture.Resources, capture.TotalBytes, emission.GramsPerView),
		Opportunities:    findOpportunities(capture, probe),
		Subpages:         probe.Subpages,
		AnalyzedAt:       a.clock.Now(),
	}, nil
}

// EmissionGrams converts transferred bytes into grams of CO2e per view.
func EmissionGrams(totalBytes int64) float64 {
	return float64(totalBytes) / bytesPerGB * kwhPerGB * gramsPerKWh
}

// EstimateEmission builds the full emission estimate for a page weight.
func EstimateEmission(totalBytes int64) carbon.Emission {
	grams := EmissionGrams(totalBytes)
	var koreaAvgBytes, globalAvgBytes float64 = koreaAvgPageBytes, globalAvgPageBytes
	koreaAvg := EmissionGrams(int64(koreaAvgBytes))
	globalAvg := EmissionGrams(int64(globalAvgBytes))
	return carbon.Emission{
		GramsPerView: round2(grams),
		Grade:        Grade(grams),
		Percentile:   Percentile(grams),
		KoreaDiff:    round2(koreaAvg - grams),
		GlobalDiff:   round2(globalAvg - grams),
		Breakdown: carbon.EmissionBreakdown{
			DataCenter: round4(grams * shareDataCenter),
			Network:    round4(grams * shareNetwork),
			Device:     round4(grams * shareDevice),
			Production: round4(grams * shareProduction),
		},
	}
}

// Grade maps grams per view onto the A..F emission grade bands.
func Grade(grams float64) string {
	switch {
	case grams <= 0.3:
		return "A"
	case grams <= 0.6:
		return "B"
	case grams <= 1.0:
		return "C"
	case grams <= 1.5:
		return "D"
	default:
		return "F"
	}
}

// Percentile estimates the share of pages this page is cleaner than.
// The curve is anchored so the median page lands at 50 and clamped to
// [1, 99].
func Percentile(grams float64) int {
	if grams <= 0 {
		return 99
	}
	p := int(math.Round(100 * medianGramsPerView / (grams + medianGramsPerView)))
	if p < 1 {
		p = 1
	}
	if p > 99 {
		p = 99
	}
	return p
}

// contentBreakdown aggregates transfer and emission share per resource
// type, largest first.
func contentBreakdown(resources []carbon.Resource, totalBytes int64, totalGrams float64) []carbon.ContentTypeStat {
	byType := make(map[carbon.ResourceType]*carbon.ContentTypeStat)
	for _, res := range resources {
		stat, ok := byType[res.Type]
		if !ok {
			stat = &carbon.ContentTypeStat{Type: res.Type}
			byType[res.Type] = stat
		}
		stat.Count++
		stat.Bytes += res.TransferBytes
	}
	out := make([]carbon.ContentTypeStat, 0, len(byType))
	for _, stat := range byType {
		if totalBytes > 0 {
			stat.Fraction = round4(float64(stat.Bytes) / float64(totalBytes))
			stat.Grams = round4(totalGrams * float64(stat.Bytes) / float64(totalBytes))
		}
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bytes != out[j].Bytes {
			return out[i].Bytes > out[j].Bytes
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// findOpportunities ranks concrete reduction suggestions by estimated
// byte savings.
func findOpportunities(capture carbon.Capture, probe carbon.ProbeResult) []carbon.Opportunity {
	var out []carbon.Opportunity

	for _, img := range capture.Images {
		if img.TransferBytes < oversizedImageBytes {
			continue
		}
		out = append(out, carbon.Opportunity{
			Kind:          carbon.OpportunityOversizedImage,
			URL:           img.URL,
			Detail:        fmt.Sprintf("image transfers %d KB; convert to WebP and scale to the rendered size", img.TransferBytes/1024),
			EstimatedSave: img.TransferBytes / 2,
		})
	}

	staticScripts := make(map[string]struct{})
	for _, asset := range probe.Assets {
		if asset.Type == carbon.ResourceScript {
			staticScripts[asset.URL] = struct{}{}
		}
	}

	for _, res := range capture.Resources {
		switch res.Type {
		case carbon.ResourceScript, carbon.ResourceStylesheet:
		default:
			continue
		}
		if res.TransferBytes >= unminifiedAssetBytes && !isMinified(res.URL) {
			out = append(out, carbon.Opportunity{
				Kind:          carbon.OpportunityUnminifiedAsset,
				URL:           res.URL,
				Detail:        fmt.Sprintf("%s is %d KB and does not look minified", res.Type, res.TransferBytes/1024),
				EstimatedSave: res.TransferBytes / 3,
			})
		}
		if res.Type == carbon.ResourceScript && res.TransferBytes >= blockingScriptBytes {
			if _, static := staticScripts[res.URL]; static {
				out = append(out, carbon.Opportunity{
					Kind:          carbon.OpportunityBlockingResource,
					URL:           res.URL,
					Detail:        fmt.Sprintf("synchronous script of %d KB blocks first render; defer or async it", res.TransferBytes/1024),
					EstimatedSave: 0,
				})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EstimatedSave > out[j].EstimatedSave
	})
	return out
}

func isMinified(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	return strings.Contains(lower, ".min.js") || strings.Contains(lower, ".min.css") ||
		strings.Contains(lower, "/_next/") || strings.Contains(lower, "/static/chunks/")
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

package analyze

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ecotrace/ecotrace/internal/carbon"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestGradeBands(t *testing.T) {
	t.Parallel()
	cases := []struct {
		grams float64
		want  string
	}{
		{0.0, "A"},
		{0.3, "A"},
		{0.31, "B"},
		{0.6, "B"},
		{0.99, "C"},
		{1.2, "D"},
		{1.5, "D"},
		{1.51, "F"},
		{9.0, "F"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Grade(tc.grams), "grams=%v", tc.grams)
	}
}

func TestEmissionGramsScalesLinearly(t *testing.T) {
	t.Parallel()
	oneGB := int64(1024 * 1024 * 1024)
	require.InDelta(t, 0.81*442.0, EmissionGrams(oneGB), 1e-9)
	require.InDelta(t, 2*EmissionGrams(oneGB), EmissionGrams(2*oneGB), 1e-9)
	require.Zero(t, EmissionGrams(0))
}

func TestPercentileMonotonic(t *testing.T) {
	t.Parallel()
	require.Equal(t, 99, Percentile(0))
	require.Equal(t, 50, Percentile(medianGramsPerView))
	require.Greater(t, Percentile(0.1), Percentile(1.0))
	require.GreaterOrEqual(t, Percentile(1000), 1)
}

func TestEstimateEmissionBreakdownSumsToTotal(t *testing.T) {
	t.Parallel()
	e := EstimateEmission(3 * 1024 * 1024)
	sum := e.Breakdown.DataCenter + e.Breakdown.Network + e.Breakdown.Device + e.Breakdown.Production
	require.InDelta(t, e.GramsPerView, sum, 0.01)
	require.NotEmpty(t, e.Grade)
}

func TestAnalyzeDeterministic(t *testing.T) {
	t.Parallel()
	a := New(fixedClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)})

	capture := carbon.Capture{
		URL:        "https://example.com",
		TotalBytes: 2 * 1024 * 1024,
		Resources: []carbon.Resource{
			{URL: "https://example.com/", Type: carbon.ResourceDocument, TransferBytes: 100_000},
			{URL: "https://example.com/app.js", Type: carbon.ResourceScript, TransferBytes: 900_000},
			{URL: "https://example.com/hero.jpg", Type: carbon.ResourceImage, TransferBytes: 1_000_000},
		},
		Images: []carbon.ImageRegion{
			{URL: "https://example.com/hero.jpg", Width: 2000, Height: 1000, TransferBytes: 1_000_000},
		},
	}
	probe := carbon.ProbeResult{
		Assets: []carbon.Resource{
			{URL: "https://example.com/app.js", Type: carbon.ResourceScript},
		},
		Subpages: []carbon.SubpageStat{{URL: "https://example.com/about", TotalBytes: 50_000}},
	}

	first, err := a.Analyze(capture, probe)
	require.NoError(t, err)
	second, err := a.Analyze(capture, probe)
	require.NoError(t, err)
	require.Equal(t, first, second)

	require.Equal(t, 3, first.ResourceCount)
	require.Len(t, first.Subpages, 1)
	require.Equal(t, carbon.ResourceImage, first.ContentBreakdown[0].Type)
}

func TestAnalyzeRejectsNegativeWeight(t *testing.T) {
	t.Parallel()
	a := New(fixedClock{t: time.Now()})
	_, err := a.Analyze(carbon.Capture{TotalBytes: -1}, carbon.ProbeResult{})
	var jerr *carbon.Error
	require.ErrorAs(t, err, &jerr)
	require.Equal(t, carbon.ErrKindAnalysis, jerr.Kind)
}

func TestFindOpportunities(t *testing.T) {
	t.Parallel()
	capture := carbon.Capture{
		Resources: []carbon.Resource{
			{URL: "https://example.com/bundle.js", Type: carbon.ResourceScript, TransferBytes: 300 * 1024},
			{URL: "https://example.com/vendor.min.js", Type: carbon.ResourceScript, TransferBytes: 400 * 1024},
			{URL: "https://example.com/site.css", Type: carbon.ResourceStylesheet, TransferBytes: 80 * 1024},
		},
		Images: []carbon.ImageRegion{
			{URL: "https://example.com/hero.jpg", TransferBytes: 500 * 1024},
			{URL: "https://example.com/icon.png", TransferBytes: 2 * 1024},
		},
	}
	probe := carbon.ProbeResult{
		Assets: []carbon.Resource{
			{URL: "https://example.com/bundle.js", Type: carbon.ResourceScript},
		},
	}

	opportunities := findOpportunities(capture, probe)

	byKind := make(map[carbon.OpportunityKind][]carbon.Opportunity)
	for _, op := range opportunities {
		byKind[op.Kind] = append(byKind[op.Kind], op)
	}
	require.Len(t, byKind[carbon.OpportunityOversizedImage], 1)
	// bundle.js and site.css are unminified; vendor.min.js is not flagged.
	require.Len(t, byKind[carbon.OpportunityUnminifiedAsset], 2)
	// only the statically declared bundle.js blocks render
	require.Len(t, byKind[carbon.OpportunityBlockingResource], 1)
	require.Equal(t, "https://example.com/bundle.js", byKind[carbon.OpportunityBlockingResource][0].URL)

	// ranked by estimated savings
	for i := 1; i < len(opportunities); i++ {
		require.GreaterOrEqual(t, opportunities[i-1].EstimatedSave, opportunities[i].EstimatedSave)
	}
}

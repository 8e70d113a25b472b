package report

import (
	"fmt"
	"html/template"
	"strings"

	"github.com/ecotrace/ecotrace/internal/carbon"
)

// Page names in render order. Subpages only appears when the analysis
// surveyed same-host pages.
const (
	PageCover           = "cover"
	PageTOC             = "toc"
	PageOverview        = "overview"
	PageEmissions       = "emissions"
	PageContent         = "content"
	PageImages          = "images"
	PageRecommendations = "recommendations"
	PageSubpages        = "subpages"
	PageSummary         = "summary"
	PageBackCover       = "back_cover"
)

// pageOrder returns the full page sequence for a result. The cover is
// always first, the table of contents second, the summary next to last,
// and the back cover last.
func pageOrder(result carbon.AnalysisResult) []string {
	pages := []string{PageCover, PageTOC, PageOverview, PageEmissions, PageContent, PageImages, PageRecommendations}
	if len(result.Subpages) > 0 {
		pages = append(pages, PageSubpages)
	}
	return append(pages, PageSummary, PageBackCover)
}

var pageTitles = map[string]string{
	PageCover:           "Website Carbon Report",
	PageTOC:             "Contents",
	PageOverview:        "Analysis Overview",
	PageEmissions:       "Emission Breakdown",
	PageContent:         "Content Composition",
	PageImages:          "Image Optimization",
	PageRecommendations: "Recommendations",
	PageSubpages:        "Subpage Survey",
	PageSummary:         "Summary",
	PageBackCover:       "",
}

type pageData struct {
	Title      string
	Result     carbon.AnalysisResult
	Screenshot template.URL
	TOC        []string
	Generated  string
}

var reportTmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"kb": func(b int64) string {
		return fmt.Sprintf("%.1f", float64(b)/1024)
	},
	"pct": func(f float64) string {
		return fmt.Sprintf("%.1f%%", f*100)
	},
	"title": func(name string) string {
		return pageTitles[name]
	},
}).Parse(reportHTML))

const reportHTML = `
{{define "page_start"}}<section class="page"><h1>{{.Title}}</h1>{{end}}
{{define "page_end"}}</section>{{end}}

{{define "cover"}}
<section class="page cover">
  <h1>Website Carbon Report</h1>
  <p class="target">{{.Result.Target}}</p>
  <div class="grade grade-{{.Result.Emission.Grade}}">{{.Result.Emission.Grade}}</div>
  <p class="grams">{{printf "%.2f" .Result.Emission.GramsPerView}} g CO2e per view</p>
  {{if .Screenshot}}<img class="screenshot" src="{{.Screenshot}}" alt="page screenshot">{{end}}
  <p class="generated">{{.Generated}}</p>
</section>
{{end}}

{{define "toc"}}
{{template "page_start" .}}
<ol>
  {{range .TOC}}<li>{{title .}}</li>{{end}}
</ol>
{{template "page_end" .}}
{{end}}

{{define "overview"}}
{{template "page_start" .}}
<table>
  <tr><th>Page weight</th><td>{{kb .Result.TotalBytes}} KB</td></tr>
  <tr><th>Resources</th><td>{{.Result.ResourceCount}}</td></tr>
  <tr><th>Emission per view</th><td>{{printf "%.2f" .Result.Emission.GramsPerView}} g CO2e</td></tr>
  <tr><th>Grade</th><td>{{.Result.Emission.Grade}}</td></tr>
  <tr><th>Cleaner than</th><td>{{.Result.Emission.Percentile}}% of pages tested</td></tr>
  <tr><th>Vs. Korean average</th><td>{{printf "%+.2f" .Result.Emission.KoreaDiff}} g</td></tr>
  <tr><th>Vs. global average</th><td>{{printf "%+.2f" .Result.Emission.GlobalDiff}} g</td></tr>
</table>
{{template "page_end" .}}
{{end}}

{{define "emissions"}}
{{template "page_start" .}}
<table>
  <tr><th>Data center</th><td>{{printf "%.4f" .Result.Emission.Breakdown.DataCenter}} g</td></tr>
  <tr><th>Network</th><td>{{printf "%.4f" .Result.Emission.Breakdown.Network}} g</td></tr>
  <tr><th>User device</th><td>{{printf "%.4f" .Result.Emission.Breakdown.Device}} g</td></tr>
  <tr><th>Hardware production</th><td>{{printf "%.4f" .Result.Emission.Breakdown.Production}} g</td></tr>
</table>
{{template "page_end" .}}
{{end}}

{{define "content"}}
{{template "page_start" .}}
<table>
  <tr><th>Type</th><th>Count</th><th>Transfer</th><th>Share</th><th>CO2e</th></tr>
  {{range .Result.ContentBreakdown}}
  <tr><td>{{.Type}}</td><td>{{.Count}}</td><td>{{kb .Bytes}} KB</td><td>{{pct .Fraction}}</td><td>{{printf "%.4f" .Grams}} g</td></tr>
  {{end}}
</table>
{{template "page_end" .}}
{{end}}

{{define "images"}}
{{template "page_start" .}}
<p>{{len .Result.Images.Items}} images processed, {{.Result.Images.FailedCount}} failed.
Conversion saves {{kb .Result.Images.SavedBytes}} KB ({{printf "%.4f" .Result.Images.CO2SavedGrams}} g CO2e) per view.</p>
<table>
  <tr><th>Source</th><th>Before</th><th>After</th><th></th></tr>
  {{range .Result.Images.Items}}
  <tr><td class="url">{{.SourceURL}}</td><td>{{kb .SizeBefore}} KB</td>
  {{if .Failed}}<td>-</td><td>{{.FailReason}}</td>{{else}}<td>{{kb .SizeAfter}} KB</td><td>{{if .CacheHit}}cached{{end}}</td>{{end}}</tr>
  {{end}}
</table>
{{template "page_end" .}}
{{end}}

{{define "recommendations"}}
{{template "page_start" .}}
{{if .Result.Opportunities}}
<ol>
  {{range .Result.Opportunities}}
  <li><strong>{{.Kind}}</strong>: {{.Detail}}<br><span class="url">{{.URL}}</span></li>
  {{end}}
</ol>
{{else}}<p>No significant optimization opportunities were found.</p>{{end}}
{{template "page_end" .}}
{{end}}

{{define "subpages"}}
{{template "page_start" .}}
<table>
  <tr><th>Page</th><th>Weight</th></tr>
  {{range .Result.Subpages}}
  <tr><td class="url">{{.URL}}</td><td>{{kb .TotalBytes}} KB</td></tr>
  {{end}}
</table>
{{template "page_end" .}}
{{end}}

{{define "summary"}}
{{template "page_start" .}}
<p>{{.Result.Target}} emits {{printf "%.2f" .Result.Emission.GramsPerView}} g CO2e per view
(grade {{.Result.Emission.Grade}}), cleaner than {{.Result.Emission.Percentile}}% of pages tested.</p>
<p>Optimizing images alone would save {{kb .Result.Images.SavedBytes}} KB per view.</p>
{{template "page_end" .}}
{{end}}

{{define "back_cover"}}
<section class="page back-cover">
  <p>Generated by ecotrace</p>
  <p class="generated">{{.Generated}}</p>
</section>
{{end}}
`

const reportCSS = `
@page { size: A4; margin: 18mm; }
body { font-family: -apple-system, "Segoe UI", Roboto, sans-serif; color: #1a2b1f; }
section.page { page-break-after: always; }
section.page:last-child { page-break-after: auto; }
h1 { color: #1f6f43; border-bottom: 2px solid #1f6f43; padding-bottom: 8px; }
table { width: 100%; border-collapse: collapse; margin-top: 12px; }
th, td { border: 1px solid #cfe3d4; padding: 6px 10px; text-align: left; font-size: 12px; }
.cover, .back-cover { text-align: center; padding-top: 30mm; }
.grade { font-size: 72px; font-weight: bold; margin: 24px 0; }
.grade-A { color: #1f8f4a; } .grade-B { color: #6aa84f; } .grade-C { color: #bf9000; }
.grade-D { color: #b45309; } .grade-F { color: #cc0000; }
.screenshot { max-width: 70%; border: 1px solid #ccc; margin-top: 16px; }
.url { font-size: 10px; word-break: break-all; color: #555; }
.generated { color: #777; font-size: 11px; }
`

// renderPage executes the named page template.
func renderPage(name string, data pageData) (string, error) {
	var sb strings.Builder
	if err := reportTmpl.ExecuteTemplate(&sb, name, data); err != nil {
		return "", fmt.Errorf("render page %s: %w", name, err)
	}
	return sb.String(), nil
}

// combinePages wraps the rendered page sections into a printable document.
func combinePages(pages []string) string {
	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><style>")
	sb.WriteString(reportCSS)
	sb.WriteString("</style></head><body>")
	for _, page := range pages {
		sb.WriteString(page)
	}
	sb.WriteString("</body></html>")
	return sb.String()
}

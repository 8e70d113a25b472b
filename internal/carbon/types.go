// Package carbon defines core types shared across subsystems.
package carbon

import "time"

// JobKind selects the pipeline a worker runs for a job.
type JobKind string

// Job kinds understood by the worker pool.
const (
	KindAnalyze JobKind = "analyze"
	KindReport  JobKind = "report"
)

// JobState represents the lifecycle state of a job.
type JobState string

// Job state values persisted in the job store.
const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// IsTerminal reports whether no further transitions may leave the state.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// JobOptions captures per-job knobs requested by the client. The
// fingerprint covers every field, so two submissions dedupe only when
// the options match exactly.
type JobOptions struct {
	Mobile          bool `json:"mobile"`
	IncludeSubpages bool `json:"include_subpages"`
	MaxImages       int  `json:"max_images"`
	MaxSubpages     int  `json:"max_subpages"`
}

// Progress is the structured, monotonically advancing progress value a
// worker writes for the job it owns.
type Progress struct {
	Stage     string    `json:"stage"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pipeline stages in execution order. StageRank gives report pages and
// progress assertions a total order to compare against.
const (
	StageQueued   = "queued"
	StageCapture  = "capture"
	StageAnalyze  = "analyze"
	StageOptimize = "optimize"
	StageRender   = "render"
	StageAssemble = "assemble"
	StageDone     = "done"
)

var stageOrder = map[string]int{
	StageQueued:   0,
	StageCapture:  1,
	StageAnalyze:  2,
	StageOptimize: 3,
	StageRender:   4,
	StageAssemble: 5,
	StageDone:     6,
}

// StageRank returns the pipeline position of a stage name, or -1 for an
// unknown stage.
func StageRank(stage string) int {
	if r, ok := stageOrder[stage]; ok {
		return r
	}
	return -1
}

// Job is the metadata persisted for each submitted request.
type Job struct {
	ID          string     `json:"id"`
	Fingerprint string     `json:"fingerprint"`
	Kind        JobKind    `json:"kind"`
	Target      string     `json:"target"`
	Options     JobOptions `json:"options"`
	State       JobState   `json:"state"`
	Progress    Progress   `json:"progress"`
	ResultRef   string     `json:"result_ref,omitempty"`
	Error       *Error     `json:"error,omitempty"`
	DependsOn   string     `json:"depends_on,omitempty"`
	Submitted   time.Time  `json:"submitted_at"`
	Started     *time.Time `json:"started_at,omitempty"`
	Finished    *time.Time `json:"finished_at,omitempty"`

	// CancelRequested is the cooperative cancellation flag. Workers
	// observe it at stage boundaries only.
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// Task wraps a job reference ready to run on a queue partition.
type Task struct {
	JobID     string  `json:"job_id"`
	Kind      JobKind `json:"kind"`
	Submitted int64   `json:"submitted"`
}

// ResourceType is a coarse classification of a captured page resource.
type ResourceType string

// Resource types tracked by the capture stage.
const (
	ResourceDocument   ResourceType = "document"
	ResourceScript     ResourceType = "script"
	ResourceStylesheet ResourceType = "stylesheet"
	ResourceImage      ResourceType = "image"
	ResourceFont       ResourceType = "font"
	ResourceMedia      ResourceType = "media"
	ResourceOther      ResourceType = "other"
)

// Resource is one network fetch observed while capturing a page.
type Resource struct {
	URL           string       `json:"url"`
	Type          ResourceType `json:"type"`
	MimeType      string       `json:"mime_type,omitempty"`
	TransferBytes int64        `json:"transfer_bytes"`
}

// ImageRegion describes one optimization-candidate image on the page.
type ImageRegion struct {
	URL           string `json:"url"`
	Width         int64  `json:"width"`
	Height        int64  `json:"height"`
	TransferBytes int64  `json:"transfer_bytes"`
}

// Capture is the output of the capture stage.
type Capture struct {
	URL           string        `json:"url"`
	FinalURL      string        `json:"final_url"`
	ScreenshotRef string        `json:"screenshot_ref"`
	TotalBytes    int64         `json:"total_bytes"`
	Resources     []Resource    `json:"resources"`
	Images        []ImageRegion `json:"images"`
	Duration      time.Duration `json:"duration"`
	CapturedAt    time.Time     `json:"captured_at"`
}

// EmissionBreakdown splits an estimate across system segments, in grams
// of CO2e per page view.
type EmissionBreakdown struct {
	DataCenter float64 `json:"datacenter"`
	Network    float64 `json:"network"`
	Device     float64 `json:"device"`
	Production float64 `json:"production"`
}

// Emission is the per-view carbon estimate for the captured page.
type Emission struct {
	GramsPerView float64           `json:"grams_per_view"`
	Grade        string            `json:"grade"`
	Percentile   int               `json:"percentile"`
	KoreaDiff    float64           `json:"korea_diff"`
	GlobalDiff   float64           `json:"global_diff"`
	Breakdown    EmissionBreakdown `json:"breakdown"`
}

// ContentTypeStat aggregates transfer bytes and emission share for one
// resource type.
type ContentTypeStat struct {
	Type     ResourceType `json:"type"`
	Count    int          `json:"count"`
	Bytes    int64        `json:"bytes"`
	Grams    float64      `json:"grams"`
	Fraction float64      `json:"fraction"`
}

// OpportunityKind classifies a ranked optimization opportunity.
type OpportunityKind string

// Opportunity kinds surfaced by the analysis stage.
const (
	OpportunityOversizedImage   OpportunityKind = "oversized_image"
	OpportunityUnminifiedAsset  OpportunityKind = "unminified_asset"
	OpportunityBlockingResource OpportunityKind = "blocking_resource"
)

// Opportunity is one ranked optimization suggestion.
type Opportunity struct {
	Kind          OpportunityKind `json:"kind"`
	URL           string          `json:"url"`
	Detail        string          `json:"detail"`
	EstimatedSave int64           `json:"estimated_save_bytes"`
}

// ImageItem records the outcome of optimizing a single image. A failed
// item is reported inline, never as a pipeline failure.
type ImageItem struct {
	SourceURL  string `json:"source_url"`
	Ref        string `json:"ref,omitempty"`
	SizeBefore int64  `json:"size_before"`
	SizeAfter  int64  `json:"size_after"`
	CacheHit   bool   `json:"cache_hit"`
	Failed     bool   `json:"failed,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`
}

// ImageOptimization aggregates the per-image optimization sub-stage.
type ImageOptimization struct {
	Items         []ImageItem `json:"items"`
	TotalBefore   int64       `json:"total_before"`
	TotalAfter    int64       `json:"total_after"`
	SavedBytes    int64       `json:"saved_bytes"`
	CO2SavedGrams float64     `json:"co2_saved_grams"`
	FailedCount   int         `json:"failed_count"`
}

// SubpageStat is one same-host page discovered by the asset prober.
type SubpageStat struct {
	URL        string `json:"url"`
	TotalBytes int64  `json:"total_bytes"`
}

// AnalysisResult is the persisted output of an analyze job.
type AnalysisResult struct {
	Target           string            `json:"target"`
	ScreenshotRef    string            `json:"screenshot_ref"`
	TotalBytes       int64             `json:"total_bytes"`
	ResourceCount    int               `json:"resource_count"`
	Emission         Emission          `json:"emission"`
	ContentBreakdown []ContentTypeStat `json:"content_breakdown"`
	Opportunities    []Opportunity     `json:"opportunities"`
	Images           ImageOptimization `json:"images"`
	Subpages         []SubpageStat     `json:"subpages,omitempty"`
	AnalyzedAt       time.Time         `json:"analyzed_at"`
}

// ReportPage is one rendered section of a report, in fixed order.
type ReportPage struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// Report is the derived artifact of a report job. ID equals the
// generating job's ID.
type Report struct {
	ID          string       `json:"id"`
	SourceJobID string       `json:"source_job_id"`
	Pages       []ReportPage `json:"pages"`
	FileRef     string       `json:"file_ref"`
	SizeBytes   int64        `json:"size_bytes"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// CacheEntry records one immutable cached artifact.
type CacheEntry struct {
	Key         string    `json:"key"`
	Ref         string    `json:"ref"`
	ContentType string    `json:"content_type"`
	SizeBefore  int64     `json:"size_before"`
	SizeAfter   int64     `json:"size_after"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the entry's TTL has elapsed at the given time.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Artifact is the value produced into the cache by a producer function.
type Artifact struct {
	Data        []byte
	ContentType string
	// SizeBefore is the pre-transform size for derived artifacts; zero
	// means the artifact was stored as fetched.
	SizeBefore int64
}

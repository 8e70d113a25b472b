package carbon

import (
	"context"
	"io"
	"time"
)

// JobStore persists jobs, results, and reports. State transitions are
// append/overwrite by job ID with a single writer (the owning worker or
// the orchestrator's cancellation path); pollers only read.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)

	// FindActiveByFingerprint returns a non-terminal job with the given
	// fingerprint, if one exists. Used for submission deduplication.
	FindActiveByFingerprint(ctx context.Context, fingerprint string) (Job, bool, error)

	// UpdateState transitions the job, recording started/finished
	// timestamps as appropriate. Transitions out of a terminal state
	// return ErrTerminal.
	UpdateState(ctx context.Context, jobID string, state JobState, jerr *Error) error

	// UpdateProgress overwrites the job's progress value. Updates on a
	// terminal job are ignored.
	UpdateProgress(ctx context.Context, jobID string, p Progress) error

	// SetResultRef records the reference to the persisted output.
	SetResultRef(ctx context.Context, jobID string, ref string) error

	// RequestCancel sets the cooperative cancellation flag.
	RequestCancel(ctx context.Context, jobID string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)

	PutResult(ctx context.Context, jobID string, result AnalysisResult) error
	GetResult(ctx context.Context, jobID string) (AnalysisResult, error)
	PutReport(ctx context.Context, report Report) error
	GetReport(ctx context.Context, reportID string) (Report, error)
}

// BlobStore reads and writes raw artifact bytes addressed by opaque
// references.
type BlobStore interface {
	Put(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	Get(ctx context.Context, ref string) ([]byte, string, error)
}

// ProducerFunc derives or fetches the artifact for a cache key. It runs
// at most once per key across concurrent callers.
type ProducerFunc func(ctx context.Context) (Artifact, error)

// ArtifactCache is the content-addressed store shared by all workers.
// All mutation goes through GetOrCreate's key-level exclusivity.
type ArtifactCache interface {
	// GetOrCreate returns the cached entry for key, running produce on a
	// miss. The bool reports whether the call was a pure cache hit.
	GetOrCreate(ctx context.Context, key string, contentType string, produce ProducerFunc) (CacheEntry, bool, error)
}

// Queue provides enqueue/dequeue semantics for one task partition.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// Capturer drives a browser session against a target page.
type Capturer interface {
	Capture(ctx context.Context, target string, opts JobOptions) (Capture, error)
}

// Prober enumerates page assets and same-host links without rendering.
type Prober interface {
	Probe(ctx context.Context, target string, maxSubpages int) (ProbeResult, error)
}

// ProbeResult is the prober's lightweight view of a page.
type ProbeResult struct {
	Assets   []Resource
	Subpages []SubpageStat
}

// Analyzer computes emission metrics and opportunities from captured
// inputs. Implementations are pure: deterministic, no I/O.
type Analyzer interface {
	Analyze(capture Capture, probe ProbeResult) (AnalysisResult, error)
}

// Optimizer runs the per-image optimization sub-stage.
type Optimizer interface {
	OptimizeAll(ctx context.Context, images []ImageRegion, onProgress func(done, total int)) (ImageOptimization, error)
}

// PageFunc is invoked at each report page boundary; returning an error
// (for example ErrCancelled) aborts the report.
type PageFunc func(index, total int, name string) error

// ReportRenderer assembles the multi-page PDF for a completed analysis.
type ReportRenderer interface {
	Render(ctx context.Context, result AnalysisResult, onPage PageFunc) (Report, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

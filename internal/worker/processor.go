package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ecotrace/ecotrace/internal/carbon"
	"github.com/ecotrace/ecotrace/internal/metrics"
)

// Config controls processor behavior.
type Config struct {
	// MaxSubpages bounds the subpage survey when a job asks for one but
	// does not set its own limit.
	MaxSubpages int
}

// Processor executes the analyze and report pipelines. Every stage
// boundary is a cancellation checkpoint; results are persisted before
// the terminal state is written.
type Processor struct {
	cfg       Config
	store     carbon.JobStore
	blob      carbon.BlobStore
	capturer  carbon.Capturer
	prober    carbon.Prober
	analyzer  carbon.Analyzer
	optimizer carbon.Optimizer
	renderer  carbon.ReportRenderer
	clock     carbon.Clock
	logger    *zap.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(
	cfg Config,
	store carbon.JobStore,
	blob carbon.BlobStore,
	capturer carbon.Capturer,
	prober carbon.Prober,
	analyzer carbon.Analyzer,
	optimizer carbon.Optimizer,
	renderer carbon.ReportRenderer,
	clock carbon.Clock,
	logger *zap.Logger,
) *Processor {
	if cfg.MaxSubpages <= 0 {
		cfg.MaxSubpages = 5
	}
	return &Processor{
		cfg:       cfg,
		store:     store,
		blob:      blob,
		capturer:  capturer,
		prober:    prober,
		analyzer:  analyzer,
		optimizer: optimizer,
		renderer:  renderer,
		clock:     clock,
		logger:    logger,
	}
}

// HandleAnalyze runs the capture, analyze, and optimize stages for one
// task.
func (p *Processor) HandleAnalyze(ctx context.Context, task carbon.Task) {
	job, ok := p.begin(ctx, task)
	if !ok {
		return
	}
	start := p.clock.Now()

	// capture
	if p.checkpoint(ctx, job, carbon.StageCapture) {
		return
	}
	p.progress(ctx, job.ID, carbon.StageCapture, 1, 4, "rendering page")
	stageStart := p.clock.Now()
	capture, err := p.capturer.Capture(ctx, job.Target, job.Options)
	if err != nil {
		p.finish(ctx, job, carbon.StageCapture, err)
		return
	}
	metrics.ObserveStage(carbon.StageCapture, p.clock.Now().Sub(stageStart))
	metrics.ObserveBytesAnalyzed(capture.TotalBytes)

	// analyze
	if p.checkpoint(ctx, job, carbon.StageAnalyze) {
		return
	}
	p.progress(ctx, job.ID, carbon.StageAnalyze, 2, 4, "estimating emissions")
	stageStart = p.clock.Now()
	probe := p.probe(ctx, job)
	result, err := p.analyzer.Analyze(capture, probe)
	if err != nil {
		p.finish(ctx, job, carbon.StageAnalyze, err)
		return
	}
	metrics.ObserveStage(carbon.StageAnalyze, p.clock.Now().Sub(stageStart))

	// optimize
	if p.checkpoint(ctx, job, carbon.StageOptimize) {
		return
	}
	p.progress(ctx, job.ID, carbon.StageOptimize, 3, 4, "optimizing images")
	stageStart = p.clock.Now()
	if len(capture.Images) > 0 {
		images := capture.Images
		optimization, err := p.optimizer.OptimizeAll(ctx, images, func(done, total int) {
			p.progress(ctx, job.ID, carbon.StageOptimize, 3, 4,
				fmt.Sprintf("optimizing images %d/%d", done, total))
		})
		if err != nil {
			p.finish(ctx, job, carbon.StageOptimize, err)
			return
		}
		result.Images = optimization
	}
	metrics.ObserveStage(carbon.StageOptimize, p.clock.Now().Sub(stageStart))

	// persist before the terminal state becomes visible
	if p.checkpoint(ctx, job, carbon.StageDone) {
		return
	}
	ref, err := p.persistResult(ctx, job.ID, result)
	if err != nil {
		p.finish(ctx, job, carbon.StageDone, err)
		return
	}
	p.succeed(ctx, job, ref, start)
}

// HandleReport runs the staged report pipeline for one task.
func (p *Processor) HandleReport(ctx context.Context, task carbon.Task) {
	job, ok := p.begin(ctx, task)
	if !ok {
		return
	}
	start := p.clock.Now()

	result, err := p.sourceResult(ctx, job)
	if err != nil {
		p.finish(ctx, job, carbon.StageRender, err)
		return
	}

	if p.checkpoint(ctx, job, carbon.StageRender) {
		return
	}
	stageStart := p.clock.Now()
	report, err := p.renderer.Render(ctx, result, func(index, total int, name string) error {
		if p.cancelRequested(ctx, job.ID) {
			return carbon.ErrCancelled
		}
		p.progress(ctx, job.ID, carbon.StageRender, index, total,
			fmt.Sprintf("rendering page %s", name))
		return nil
	})
	if err != nil {
		p.finish(ctx, job, carbon.StageRender, err)
		return
	}
	metrics.ObserveStage(carbon.StageRender, p.clock.Now().Sub(stageStart))

	if p.checkpoint(ctx, job, carbon.StageAssemble) {
		return
	}
	report.ID = job.ID
	report.SourceJobID = job.DependsOn
	if err := p.store.PutReport(ctx, report); err != nil {
		p.finish(ctx, job, carbon.StageAssemble,
			carbon.NewError(carbon.ErrKindStorage, carbon.StageAssemble, err.Error()))
		return
	}
	if err := p.store.SetResultRef(ctx, job.ID, report.FileRef); err != nil {
		p.logger.Error("set report result ref failed",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
	p.succeed(ctx, job, report.FileRef, start)
}

// begin loads the job and moves it to running. Jobs already terminal,
// usually cancelled while queued, are skipped.
func (p *Processor) begin(ctx context.Context, task carbon.Task) (carbon.Job, bool) {
	job, err := p.store.GetJob(ctx, task.JobID)
	if err != nil {
		p.logger.Error("load job failed",
			zap.String("job_id", task.JobID),
			zap.Error(err))
		return carbon.Job{}, false
	}
	if job.State.IsTerminal() {
		p.logger.Debug("skipping terminal job",
			zap.String("job_id", job.ID),
			zap.String("state", string(job.State)))
		return carbon.Job{}, false
	}
	if err := p.store.UpdateState(ctx, job.ID, carbon.StateRunning, nil); err != nil {
		if !errors.Is(err, carbon.ErrTerminal) {
			p.logger.Error("job start transition failed",
				zap.String("job_id", job.ID),
				zap.Error(err))
		}
		return carbon.Job{}, false
	}
	metrics.ObserveJob(string(job.Kind), string(carbon.StateRunning))
	return job, true
}

// checkpoint enforces the stage-boundary cancellation contract. It
// returns true when the job was cancelled and must stop.
func (p *Processor) checkpoint(ctx context.Context, job carbon.Job, stage string) bool {
	if !p.cancelRequested(ctx, job.ID) && ctx.Err() == nil {
		return false
	}
	jerr := carbon.NewError(carbon.ErrKindCancelled, stage, "cancelled at stage boundary")
	if err := p.store.UpdateState(ctx, job.ID, carbon.StateCancelled, jerr); err != nil && !errors.Is(err, carbon.ErrTerminal) {
		p.logger.Error("cancel transition failed",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
	metrics.ObserveJob(string(job.Kind), string(carbon.StateCancelled))
	p.logger.Info("job cancelled",
		zap.String("job_id", job.ID),
		zap.String("stage", stage))
	return true
}

func (p *Processor) cancelRequested(ctx context.Context, jobID string) bool {
	requested, err := p.store.CancelRequested(ctx, jobID)
	if err != nil {
		p.logger.Error("cancel flag read failed",
			zap.String("job_id", jobID),
			zap.Error(err))
		return false
	}
	return requested
}

// probe surveys static assets and subpages. Probe failures degrade to an
// empty survey rather than failing the job.
func (p *Processor) probe(ctx context.Context, job carbon.Job) carbon.ProbeResult {
	maxSubpages := 0
	if job.Options.IncludeSubpages {
		maxSubpages = job.Options.MaxSubpages
		if maxSubpages <= 0 {
			maxSubpages = p.cfg.MaxSubpages
		}
	}
	probe, err := p.prober.Probe(ctx, job.Target, maxSubpages)
	if err != nil {
		p.logger.Warn("asset probe failed",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return carbon.ProbeResult{}
	}
	return probe
}

// sourceResult resolves the report's source analysis. Anything short of
// a succeeded source with a readable result is DependencyNotReady; the
// pipeline never waits for a source to finish.
func (p *Processor) sourceResult(ctx context.Context, job carbon.Job) (carbon.AnalysisResult, error) {
	source, err := p.store.GetJob(ctx, job.DependsOn)
	if err != nil {
		return carbon.AnalysisResult{}, carbon.NewError(carbon.ErrKindDependencyNotReady, carbon.StageRender,
			fmt.Sprintf("source job %s not found", job.DependsOn))
	}
	if source.State != carbon.StateSucceeded {
		return carbon.AnalysisResult{}, carbon.NewError(carbon.ErrKindDependencyNotReady, carbon.StageRender,
			fmt.Sprintf("source job %s is %s", source.ID, source.State))
	}
	result, err := p.store.GetResult(ctx, source.ID)
	if err != nil {
		return carbon.AnalysisResult{}, carbon.NewError(carbon.ErrKindDependencyNotReady, carbon.StageRender,
			fmt.Sprintf("result of source job %s unavailable: %v", source.ID, err))
	}
	return result, nil
}

// persistResult writes the result record and a JSON artifact of it.
func (p *Processor) persistResult(ctx context.Context, jobID string, result carbon.AnalysisResult) (string, error) {
	if err := p.store.PutResult(ctx, jobID, result); err != nil {
		return "", carbon.NewError(carbon.ErrKindStorage, carbon.StageDone, err.Error())
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return "", carbon.NewError(carbon.ErrKindStorage, carbon.StageDone, err.Error())
	}
	ref, err := p.blob.Put(ctx, fmt.Sprintf("results/%s.json", jobID), "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", carbon.NewError(carbon.ErrKindStorage, carbon.StageDone, err.Error())
	}
	if err := p.store.SetResultRef(ctx, jobID, ref); err != nil {
		return "", carbon.NewError(carbon.ErrKindStorage, carbon.StageDone, err.Error())
	}
	return ref, nil
}

func (p *Processor) succeed(ctx context.Context, job carbon.Job, ref string, start time.Time) {
	p.progress(ctx, job.ID, carbon.StageDone, 4, 4, "done")
	if err := p.store.UpdateState(ctx, job.ID, carbon.StateSucceeded, nil); err != nil {
		p.logger.Error("success transition failed",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return
	}
	metrics.ObserveJob(string(job.Kind), string(carbon.StateSucceeded))
	p.logger.Info("job succeeded",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("result_ref", ref),
		zap.Duration("took", p.clock.Now().Sub(start)))
}

// finish writes the failed (or cancelled) terminal state for a stage
// error.
func (p *Processor) finish(ctx context.Context, job carbon.Job, stage string, err error) {
	if errors.Is(err, carbon.ErrCancelled) {
		p.checkpointForced(ctx, job, stage)
		return
	}
	fallback := carbon.ErrKindAnalysis
	switch stage {
	case carbon.StageCapture:
		fallback = carbon.ErrKindCaptureNetwork
	case carbon.StageDone, carbon.StageAssemble:
		fallback = carbon.ErrKindStorage
	}
	jerr := carbon.AsError(err, fallback, stage)
	if updateErr := p.store.UpdateState(ctx, job.ID, carbon.StateFailed, jerr); updateErr != nil && !errors.Is(updateErr, carbon.ErrTerminal) {
		p.logger.Error("failure transition failed",
			zap.String("job_id", job.ID),
			zap.Error(updateErr))
	}
	metrics.ObserveJob(string(job.Kind), string(carbon.StateFailed))
	p.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("stage", stage),
		zap.String("kind", string(jerr.Kind)),
		zap.String("reason", jerr.Message))
}

func (p *Processor) checkpointForced(ctx context.Context, job carbon.Job, stage string) {
	jerr := carbon.NewError(carbon.ErrKindCancelled, stage, "cancelled")
	if err := p.store.UpdateState(ctx, job.ID, carbon.StateCancelled, jerr); err != nil && !errors.Is(err, carbon.ErrTerminal) {
		p.logger.Error("cancel transition failed",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
	metrics.ObserveJob(string(job.Kind), string(carbon.StateCancelled))
}

func (p *Processor) progress(ctx context.Context, jobID, stage string, current, total int, message string) {
	err := p.store.UpdateProgress(ctx, jobID, carbon.Progress{
		Stage:     stage,
		Current:   current,
		Total:     total,
		Message:   message,
		UpdatedAt: p.clock.Now(),
	})
	if err != nil {
		p.logger.Error("progress update failed",
			zap.String("job_id", jobID),
			zap.Error(err))
	}
}

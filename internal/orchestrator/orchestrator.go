// Package orchestrator owns the job lifecycle: submission with
// fingerprint deduplication, status and result access, and cooperative
// cancellation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ecotrace/ecotrace/internal/carbon"
	"github.com/ecotrace/ecotrace/internal/metrics"
)

// Orchestrator coordinates the job store and the two task partitions.
type Orchestrator struct {
	store    carbon.JobStore
	analyzeQ carbon.Queue
	reportQ  carbon.Queue
	ids      carbon.IDGenerator
	clock    carbon.Clock
	logger   *zap.Logger
}

// New creates an Orchestrator.
func New(store carbon.JobStore, analyzeQ, reportQ carbon.Queue, ids carbon.IDGenerator, clock carbon.Clock, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		analyzeQ: analyzeQ,
		reportQ:  reportQ,
		ids:      ids,
		clock:    clock,
		logger:   logger,
	}
}

// Submit accepts an analyze job for target. When an active job with the
// same fingerprint exists, that job is returned instead of a new one;
// the boolean reports deduplication.
func (o *Orchestrator) Submit(ctx context.Context, target string, opts carbon.JobOptions) (carbon.Job, bool, error) {
	normalized, err := carbon.NormalizeTarget(target)
	if err != nil {
		return carbon.Job{}, false, fmt.Errorf("invalid target: %w", err)
	}
	fingerprint := carbon.Fingerprint(normalized, opts)

	if existing, ok, err := o.store.FindActiveByFingerprint(ctx, fingerprint); err != nil {
		return carbon.Job{}, false, carbon.NewError(carbon.ErrKindStorage, carbon.StageQueued,
			fmt.Sprintf("fingerprint lookup: %v", err))
	} else if ok {
		o.logger.Info("submission deduplicated",
			zap.String("job_id", existing.ID),
			zap.String("target", normalized))
		return existing, true, nil
	}

	job, err := o.createAndEnqueue(ctx, carbon.Job{
		Fingerprint: fingerprint,
		Kind:        carbon.KindAnalyze,
		Target:      normalized,
		Options:     opts,
	}, o.analyzeQ)
	if errors.Is(err, carbon.ErrDuplicateFingerprint) {
		return o.resolveDuplicate(ctx, fingerprint)
	}
	if err != nil {
		return carbon.Job{}, false, err
	}
	return job, false, nil
}

// SubmitReport accepts a report job over a finished or in-flight analyze
// job. Report jobs deduplicate on their source job.
func (o *Orchestrator) SubmitReport(ctx context.Context, sourceJobID string) (carbon.Job, bool, error) {
	source, err := o.store.GetJob(ctx, sourceJobID)
	if err != nil {
		return carbon.Job{}, false, err
	}
	if source.Kind != carbon.KindAnalyze {
		return carbon.Job{}, false, fmt.Errorf("job %s is not an analyze job", sourceJobID)
	}

	fingerprint := carbon.ReportFingerprint(sourceJobID)
	if existing, ok, err := o.store.FindActiveByFingerprint(ctx, fingerprint); err != nil {
		return carbon.Job{}, false, carbon.NewError(carbon.ErrKindStorage, carbon.StageQueued,
			fmt.Sprintf("fingerprint lookup: %v", err))
	} else if ok {
		return existing, true, nil
	}

	job, err := o.createAndEnqueue(ctx, carbon.Job{
		Fingerprint: fingerprint,
		Kind:        carbon.KindReport,
		Target:      source.Target,
		Options:     source.Options,
		DependsOn:   sourceJobID,
	}, o.reportQ)
	if errors.Is(err, carbon.ErrDuplicateFingerprint) {
		return o.resolveDuplicate(ctx, fingerprint)
	}
	if err != nil {
		return carbon.Job{}, false, err
	}
	return job, false, nil
}

// resolveDuplicate recovers from losing a submission race: the winner's
// job is in the store, so the losing submitter reads it back and reports
// deduplication.
func (o *Orchestrator) resolveDuplicate(ctx context.Context, fingerprint string) (carbon.Job, bool, error) {
	existing, ok, err := o.store.FindActiveByFingerprint(ctx, fingerprint)
	if err != nil {
		return carbon.Job{}, false, carbon.NewError(carbon.ErrKindStorage, carbon.StageQueued,
			fmt.Sprintf("fingerprint lookup: %v", err))
	}
	if !ok {
		// The winner reached a terminal state between our insert and
		// this read. Surface the conflict; the client retries.
		return carbon.Job{}, false, carbon.ErrDuplicateFingerprint
	}
	return existing, true, nil
}

func (o *Orchestrator) createAndEnqueue(ctx context.Context, job carbon.Job, queue carbon.Queue) (carbon.Job, error) {
	id, err := o.ids.NewID()
	if err != nil {
		return carbon.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := o.clock.Now()
	job.ID = id
	job.State = carbon.StateQueued
	job.Progress = carbon.Progress{Stage: carbon.StageQueued, UpdatedAt: now}
	job.Submitted = now

	if err := o.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, carbon.ErrDuplicateFingerprint) {
			return carbon.Job{}, err
		}
		return carbon.Job{}, carbon.NewError(carbon.ErrKindStorage, carbon.StageQueued,
			fmt.Sprintf("create job: %v", err))
	}
	task := carbon.Task{JobID: job.ID, Kind: job.Kind, Submitted: now.Unix()}
	if err := o.enqueue(ctx, queue, task); err != nil {
		jerr := carbon.NewError(carbon.ErrKindStorage, carbon.StageQueued,
			fmt.Sprintf("enqueue task: %v", err))
		if stateErr := o.store.UpdateState(ctx, job.ID, carbon.StateFailed, jerr); stateErr != nil {
			o.logger.Error("failed to mark unenqueued job failed",
				zap.String("job_id", job.ID),
				zap.Error(stateErr))
		}
		return carbon.Job{}, jerr
	}

	metrics.ObserveJob(string(job.Kind), string(carbon.StateQueued))
	o.logger.Info("job accepted",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("target", job.Target))
	return job, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, queue carbon.Queue, task carbon.Task) error {
	return queue.Enqueue(ctx, task)
}

// GetStatus returns the job's current lifecycle snapshot.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (carbon.Job, error) {
	return o.store.GetJob(ctx, jobID)
}

// GetResult returns the analysis output of a succeeded analyze job.
// A job that exists but has not succeeded yields carbon.ErrNotReady.
func (o *Orchestrator) GetResult(ctx context.Context, jobID string) (carbon.AnalysisResult, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return carbon.AnalysisResult{}, err
	}
	if job.State != carbon.StateSucceeded {
		return carbon.AnalysisResult{}, carbon.ErrNotReady
	}
	return o.store.GetResult(ctx, jobID)
}

// GetReport returns the finished report record for a report job.
func (o *Orchestrator) GetReport(ctx context.Context, jobID string) (carbon.Report, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return carbon.Report{}, err
	}
	if job.State != carbon.StateSucceeded {
		return carbon.Report{}, carbon.ErrNotReady
	}
	return o.store.GetReport(ctx, jobID)
}

// Cancel requests cooperative cancellation. Queued jobs transition to
// cancelled immediately; running jobs are flagged and stop at the next
// stage boundary. Terminal jobs return carbon.ErrTerminal.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return carbon.ErrTerminal
	}
	if err := o.store.RequestCancel(ctx, jobID); err != nil {
		return err
	}
	if job.State == carbon.StateQueued {
		jerr := carbon.NewError(carbon.ErrKindCancelled, carbon.StageQueued, "cancelled before start")
		if err := o.store.UpdateState(ctx, jobID, carbon.StateCancelled, jerr); err != nil {
			return err
		}
		metrics.ObserveJob(string(job.Kind), string(carbon.StateCancelled))
	}
	o.logger.Info("cancellation requested",
		zap.String("job_id", jobID),
		zap.String("state", string(job.State)))
	return nil
}

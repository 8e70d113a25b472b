package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ecotrace/ecotrace/internal/carbon"
	queuemem "github.com/ecotrace/ecotrace/internal/queue/memory"
	storemem "github.com/ecotrace/ecotrace/internal/store/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

func newTestOrchestrator() (*Orchestrator, *queuemem.Queue, *queuemem.Queue, carbon.JobStore) {
	clock := fixedClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	store := storemem.NewJobStore(clock)
	analyzeQ := queuemem.NewQueue(16)
	reportQ := queuemem.NewQueue(16)
	o := New(store, analyzeQ, reportQ, &seqIDs{}, clock, zap.NewNop())
	return o, analyzeQ, reportQ, store
}

func TestSubmitCreatesAndEnqueues(t *testing.T) {
	t.Parallel()
	o, analyzeQ, _, _ := newTestOrchestrator()
	ctx := context.Background()

	job, dedup, err := o.Submit(ctx, "Example.com/path/", carbon.JobOptions{MaxImages: 100})
	require.NoError(t, err)
	require.False(t, dedup)
	require.Equal(t, carbon.StateQueued, job.State)
	require.Equal(t, "https://example.com/path", job.Target)
	require.Equal(t, carbon.StageQueued, job.Progress.Stage)

	task, err := analyzeQ.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, task.JobID)
	require.Equal(t, carbon.KindAnalyze, task.Kind)
}

func TestSubmitDeduplicatesActiveFingerprint(t *testing.T) {
	t.Parallel()
	o, _, _, store := newTestOrchestrator()
	ctx := context.Background()

	first, dedup, err := o.Submit(ctx, "https://example.com", carbon.JobOptions{})
	require.NoError(t, err)
	require.False(t, dedup)

	// same target and options dedupe onto the live job
	second, dedup, err := o.Submit(ctx, "example.com/", carbon.JobOptions{})
	require.NoError(t, err)
	require.True(t, dedup)
	require.Equal(t, first.ID, second.ID)

	// different options produce a distinct fingerprint
	third, dedup, err := o.Submit(ctx, "https://example.com", carbon.JobOptions{Mobile: true})
	require.NoError(t, err)
	require.False(t, dedup)
	require.NotEqual(t, first.ID, third.ID)

	// a finished job no longer blocks resubmission
	require.NoError(t, store.UpdateState(ctx, first.ID, carbon.StateSucceeded, nil))
	fourth, dedup, err := o.Submit(ctx, "https://example.com", carbon.JobOptions{})
	require.NoError(t, err)
	require.False(t, dedup)
	require.NotEqual(t, first.ID, fourth.ID)
}

type atomicIDs struct{ n atomic.Int32 }

func (s *atomicIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

func TestSubmitConcurrentSameTargetCreatesOneJob(t *testing.T) {
	t.Parallel()
	clock := fixedClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	store := storemem.NewJobStore(clock)
	analyzeQ := queuemem.NewQueue(64)
	o := New(store, analyzeQ, queuemem.NewQueue(16), &atomicIDs{}, clock, zap.NewNop())
	ctx := context.Background()

	const submitters = 32
	var wg sync.WaitGroup
	ids := make([]string, submitters)
	deduped := make([]bool, submitters)
	for i := range submitters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, dedup, err := o.Submit(ctx, "https://example.com", carbon.JobOptions{})
			require.NoError(t, err)
			ids[i] = job.ID
			deduped[i] = dedup
		}()
	}
	wg.Wait()

	fresh := 0
	for i := range submitters {
		require.Equal(t, ids[0], ids[i])
		if !deduped[i] {
			fresh++
		}
	}
	require.Equal(t, 1, fresh)
	require.Equal(t, 1, analyzeQ.Depth())
}

type faultyStore struct {
	carbon.JobStore
	findErr   error
	createErr error
}

func (s *faultyStore) FindActiveByFingerprint(ctx context.Context, fingerprint string) (carbon.Job, bool, error) {
	if s.findErr != nil {
		return carbon.Job{}, false, s.findErr
	}
	return s.JobStore.FindActiveByFingerprint(ctx, fingerprint)
}

func (s *faultyStore) CreateJob(ctx context.Context, job carbon.Job) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.JobStore.CreateJob(ctx, job)
}

func TestSubmitStoreFailuresSurfaceAsStorageErrors(t *testing.T) {
	t.Parallel()
	clock := fixedClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	fs := &faultyStore{JobStore: storemem.NewJobStore(clock)}
	o := New(fs, queuemem.NewQueue(4), queuemem.NewQueue(4), &seqIDs{}, clock, zap.NewNop())
	ctx := context.Background()

	fs.findErr = errors.New("connection refused")
	_, _, err := o.Submit(ctx, "https://example.com", carbon.JobOptions{})
	var jerr *carbon.Error
	require.ErrorAs(t, err, &jerr)
	require.Equal(t, carbon.ErrKindStorage, jerr.Kind)

	fs.findErr = nil
	fs.createErr = errors.New("connection refused")
	_, _, err = o.Submit(ctx, "https://example.com", carbon.JobOptions{})
	require.ErrorAs(t, err, &jerr)
	require.Equal(t, carbon.ErrKindStorage, jerr.Kind)
}

func TestSubmitRejectsBadTarget(t *testing.T) {
	t.Parallel()
	o, _, _, _ := newTestOrchestrator()

	_, _, err := o.Submit(context.Background(), "", carbon.JobOptions{})
	require.Error(t, err)
}

func TestSubmitReportDedupAndDependency(t *testing.T) {
	t.Parallel()
	o, _, reportQ, _ := newTestOrchestrator()
	ctx := context.Background()

	source, _, err := o.Submit(ctx, "https://example.com", carbon.JobOptions{})
	require.NoError(t, err)

	report, dedup, err := o.SubmitReport(ctx, source.ID)
	require.NoError(t, err)
	require.False(t, dedup)
	require.Equal(t, carbon.KindReport, report.Kind)
	require.Equal(t, source.ID, report.DependsOn)

	task, err := reportQ.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, report.ID, task.JobID)

	again, dedup, err := o.SubmitReport(ctx, source.ID)
	require.NoError(t, err)
	require.True(t, dedup)
	require.Equal(t, report.ID, again.ID)

	_, _, err = o.SubmitReport(ctx, "missing")
	require.ErrorIs(t, err, carbon.ErrNotFound)

	_, _, err = o.SubmitReport(ctx, report.ID)
	require.Error(t, err)
}

func TestGetResultNotReady(t *testing.T) {
	t.Parallel()
	o, _, _, store := newTestOrchestrator()
	ctx := context.Background()

	job, _, err := o.Submit(ctx, "https://example.com", carbon.JobOptions{})
	require.NoError(t, err)

	_, err = o.GetResult(ctx, job.ID)
	require.ErrorIs(t, err, carbon.ErrNotReady)

	_, err = o.GetResult(ctx, "missing")
	require.ErrorIs(t, err, carbon.ErrNotFound)

	require.NoError(t, store.PutResult(ctx, job.ID, carbon.AnalysisResult{Target: job.Target}))
	require.NoError(t, store.UpdateState(ctx, job.ID, carbon.StateRunning, nil))
	require.NoError(t, store.UpdateState(ctx, job.ID, carbon.StateSucceeded, nil))

	result, err := o.GetResult(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.Target, result.Target)
}

func TestCancelQueuedJobIsImmediate(t *testing.T) {
	t.Parallel()
	o, _, _, _ := newTestOrchestrator()
	ctx := context.Background()

	job, _, err := o.Submit(ctx, "https://example.com", carbon.JobOptions{})
	require.NoError(t, err)

	require.NoError(t, o.Cancel(ctx, job.ID))
	got, err := o.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, carbon.StateCancelled, got.State)
	require.NotNil(t, got.Error)
	require.Equal(t, carbon.ErrKindCancelled, got.Error.Kind)

	// cancelling again hits the terminal guard
	require.ErrorIs(t, o.Cancel(ctx, job.ID), carbon.ErrTerminal)
}

func TestCancelRunningJobSetsFlag(t *testing.T) {
	t.Parallel()
	o, _, _, store := newTestOrchestrator()
	ctx := context.Background()

	job, _, err := o.Submit(ctx, "https://example.com", carbon.JobOptions{})
	require.NoError(t, err)
	require.NoError(t, store.UpdateState(ctx, job.ID, carbon.StateRunning, nil))

	require.NoError(t, o.Cancel(ctx, job.ID))

	got, err := o.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, carbon.StateRunning, got.State)

	requested, err := store.CancelRequested(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, requested)
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ecotrace/ecotrace/internal/carbon"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestStore() *JobStore {
	return NewJobStore(fixedClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)})
}

func TestJobStoreCreateAndGet(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	ctx := context.Background()

	job := carbon.Job{
		ID:          "job-1",
		Fingerprint: "fp-1",
		Kind:        carbon.KindAnalyze,
		Target:      "https://example.com",
		State:       carbon.StateQueued,
		Submitted:   time.Now(),
	}
	require.NoError(t, s.CreateJob(ctx, job))
	require.Error(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "fp-1", got.Fingerprint)

	_, err = s.GetJob(ctx, "missing")
	require.ErrorIs(t, err, carbon.ErrNotFound)
}

func TestJobStoreFindActiveByFingerprint(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateJob(ctx, carbon.Job{ID: "done", Fingerprint: "fp", State: carbon.StateSucceeded, Submitted: base}))
	require.NoError(t, s.CreateJob(ctx, carbon.Job{ID: "live", Fingerprint: "fp", State: carbon.StateRunning, Submitted: base.Add(time.Minute)}))

	found, ok, err := s.FindActiveByFingerprint(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "live", found.ID)

	_, ok, err = s.FindActiveByFingerprint(ctx, "other")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJobStoreCreateRejectsDuplicateActiveFingerprint(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, carbon.Job{ID: "first", Fingerprint: "fp", State: carbon.StateQueued}))
	err := s.CreateJob(ctx, carbon.Job{ID: "second", Fingerprint: "fp", State: carbon.StateQueued})
	require.ErrorIs(t, err, carbon.ErrDuplicateFingerprint)

	// a terminal holder of the fingerprint does not block new submissions
	require.NoError(t, s.UpdateState(ctx, "first", carbon.StateRunning, nil))
	require.NoError(t, s.UpdateState(ctx, "first", carbon.StateFailed,
		carbon.NewError(carbon.ErrKindAnalysis, carbon.StageAnalyze, "boom")))
	require.NoError(t, s.CreateJob(ctx, carbon.Job{ID: "second", Fingerprint: "fp", State: carbon.StateQueued}))
}

func TestJobStoreTerminalGuard(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, carbon.Job{ID: "j", State: carbon.StateQueued}))
	require.NoError(t, s.UpdateState(ctx, "j", carbon.StateRunning, nil))

	job, err := s.GetJob(ctx, "j")
	require.NoError(t, err)
	require.NotNil(t, job.Started)
	require.Nil(t, job.Finished)

	require.NoError(t, s.UpdateState(ctx, "j", carbon.StateSucceeded, nil))
	job, err = s.GetJob(ctx, "j")
	require.NoError(t, err)
	require.NotNil(t, job.Finished)

	err = s.UpdateState(ctx, "j", carbon.StateFailed, carbon.NewError(carbon.ErrKindAnalysis, carbon.StageAnalyze, "late"))
	require.ErrorIs(t, err, carbon.ErrTerminal)

	// progress updates after a terminal transition are dropped
	require.NoError(t, s.UpdateProgress(ctx, "j", carbon.Progress{Stage: carbon.StageDone, Current: 1, Total: 1}))
	job, err = s.GetJob(ctx, "j")
	require.NoError(t, err)
	require.Empty(t, job.Progress.Stage)
}

func TestJobStoreProgressAndResultRef(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, carbon.Job{ID: "j", State: carbon.StateQueued}))
	p := carbon.Progress{Stage: carbon.StageCapture, Current: 1, Total: 4, Message: "capturing"}
	require.NoError(t, s.UpdateProgress(ctx, "j", p))
	require.NoError(t, s.SetResultRef(ctx, "j", "mem://results/j"))

	job, err := s.GetJob(ctx, "j")
	require.NoError(t, err)
	require.Equal(t, carbon.StageCapture, job.Progress.Stage)
	require.Equal(t, "mem://results/j", job.ResultRef)

	require.ErrorIs(t, s.UpdateProgress(ctx, "missing", p), carbon.ErrNotFound)
	require.ErrorIs(t, s.SetResultRef(ctx, "missing", "x"), carbon.ErrNotFound)
}

func TestJobStoreCancelFlag(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, carbon.Job{ID: "j", State: carbon.StateRunning}))

	requested, err := s.CancelRequested(ctx, "j")
	require.NoError(t, err)
	require.False(t, requested)

	require.NoError(t, s.RequestCancel(ctx, "j"))
	requested, err = s.CancelRequested(ctx, "j")
	require.NoError(t, err)
	require.True(t, requested)

	_, err = s.CancelRequested(ctx, "missing")
	require.ErrorIs(t, err, carbon.ErrNotFound)
}

func TestJobStoreResultsAndReports(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	ctx := context.Background()

	result := carbon.AnalysisResult{Target: "https://example.com", TotalBytes: 1024}
	require.NoError(t, s.PutResult(ctx, "j", result))
	got, err := s.GetResult(ctx, "j")
	require.NoError(t, err)
	require.Equal(t, int64(1024), got.TotalBytes)

	_, err = s.GetResult(ctx, "missing")
	require.ErrorIs(t, err, carbon.ErrNotFound)

	report := carbon.Report{ID: "r", SourceJobID: "j", SizeBytes: 2048}
	require.NoError(t, s.PutReport(ctx, report))
	gotReport, err := s.GetReport(ctx, "r")
	require.NoError(t, err)
	require.Equal(t, "j", gotReport.SourceJobID)

	_, err = s.GetReport(ctx, "missing")
	require.ErrorIs(t, err, carbon.ErrNotFound)
}

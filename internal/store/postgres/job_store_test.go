package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/ecotrace/ecotrace/internal/carbon"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Unix(1700000000, 0).UTC()

func newMockStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewJobStoreWithPool(mock, fixedClock{t: testNow})
	require.NoError(t, err)
	return store, mock
}

func jobRows(job carbon.Job) *pgxmock.Rows {
	optionsJSON, _ := json.Marshal(job.Options)
	progressJSON, _ := json.Marshal(job.Progress)
	var errJSON []byte
	if job.Error != nil {
		errJSON, _ = json.Marshal(job.Error)
	}
	return pgxmock.NewRows([]string{
		"id", "fingerprint", "kind", "target", "options", "state", "progress",
		"result_ref", "error", "depends_on", "submitted", "started", "finished",
		"cancel_requested",
	}).AddRow(
		job.ID, job.Fingerprint, string(job.Kind), job.Target, optionsJSON,
		string(job.State), progressJSON, job.ResultRef, errJSON, job.DependsOn,
		job.Submitted, job.Started, job.Finished, job.CancelRequested,
	)
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	job := carbon.Job{
		ID:          "uuid-v7",
		Fingerprint: "fp-1",
		Kind:        carbon.KindAnalyze,
		Target:      "https://example.com",
		Options:     carbon.JobOptions{MaxImages: 100},
		State:       carbon.StateQueued,
		Submitted:   testNow,
	}
	optionsJSON, err := json.Marshal(job.Options)
	require.NoError(t, err)
	progressJSON, err := json.Marshal(job.Progress)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			job.ID,
			job.Fingerprint,
			string(job.Kind),
			job.Target,
			optionsJSON,
			string(job.State),
			progressJSON,
			job.ResultRef,
			nil,
			job.DependsOn,
			job.Submitted,
			job.Started,
			job.Finished,
			job.CancelRequested,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobFingerprintConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: uniqueViolationCode, ConstraintName: "jobs_fingerprint_idx"})

	err := store.CreateJob(context.Background(), carbon.Job{
		ID:          "uuid-v7",
		Fingerprint: "fp-1",
		Kind:        carbon.KindAnalyze,
		Target:      "https://example.com",
		State:       carbon.StateQueued,
		Submitted:   testNow,
	})
	require.ErrorIs(t, err, carbon.ErrDuplicateFingerprint)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	job := carbon.Job{
		ID:          "uuid-v7",
		Fingerprint: "fp-1",
		Kind:        carbon.KindAnalyze,
		Target:      "https://example.com",
		State:       carbon.StateRunning,
		Progress:    carbon.Progress{Stage: carbon.StageCapture, Current: 1, Total: 4},
		Submitted:   testNow,
	}
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("uuid-v7").
		WillReturnRows(jobRows(job))

	got, err := store.GetJob(context.Background(), "uuid-v7")
	require.NoError(t, err)
	require.Equal(t, carbon.StateRunning, got.State)
	require.Equal(t, carbon.StageCapture, got.Progress.Stage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, carbon.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindActiveByFingerprintMiss(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM jobs").
		WithArgs("fp-x").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, ok, err := store.FindActiveByFingerprint(context.Background(), "fp-x")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStateStampsFinished(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs").
		WithArgs("job-1", string(carbon.StateSucceeded), nil, nil, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateState(context.Background(), "job-1", carbon.StateSucceeded, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStateTerminalGuard(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs").
		WithArgs("job-1", string(carbon.StateFailed), pgxmock.AnyArg(), nil, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRows(carbon.Job{ID: "job-1", State: carbon.StateSucceeded, Submitted: testNow}))

	err := store.UpdateState(context.Background(), "job-1", carbon.StateFailed,
		carbon.NewError(carbon.ErrKindAnalysis, carbon.StageAnalyze, "late failure"))
	require.ErrorIs(t, err, carbon.ErrTerminal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProgressIgnoredOnTerminal(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	p := carbon.Progress{Stage: carbon.StageOptimize, Current: 3, Total: 4}
	progressJSON, err := json.Marshal(p)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE jobs SET progress").
		WithArgs("job-1", progressJSON).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRows(carbon.Job{ID: "job-1", State: carbon.StateCancelled, Submitted: testNow}))

	require.NoError(t, store.UpdateProgress(context.Background(), "job-1", p))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelFlagRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET cancel_requested").
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("SELECT cancel_requested FROM jobs").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"cancel_requested"}).AddRow(true))

	require.NoError(t, store.RequestCancel(context.Background(), "job-1"))
	requested, err := store.CancelRequested(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, requested)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResultRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	result := carbon.AnalysisResult{Target: "https://example.com", TotalBytes: 4096}
	payload, err := json.Marshal(result)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO analysis_results").
		WithArgs("job-1", payload).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT payload FROM analysis_results").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(payload))

	require.NoError(t, store.PutResult(context.Background(), "job-1", result))
	got, err := store.GetResult(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, int64(4096), got.TotalBytes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	report := carbon.Report{ID: "rep-1", SourceJobID: "job-1", SizeBytes: 2048}
	payload, err := json.Marshal(report)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO reports").
		WithArgs(report.ID, report.SourceJobID, payload).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT payload FROM reports").
		WithArgs("rep-1").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(payload))

	require.NoError(t, store.PutReport(context.Background(), report))
	got, err := store.GetReport(context.Background(), "rep-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", got.SourceJobID)
	require.NoError(t, mock.ExpectationsWereMet())
}

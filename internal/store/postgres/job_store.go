// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ecotrace/ecotrace/internal/carbon"
)

// JobStoreConfig controls the Postgres connection pool used for job rows.
type JobStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore persists jobs, analysis results, and reports in Postgres.
type JobStore struct {
	pool  pgxPool
	clock carbon.Clock
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig, clock carbon.Clock) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool, clock: clock}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool pgxPool, clock carbon.Clock) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const jobColumns = `id, fingerprint, kind, target, options, state, progress, result_ref, error, depends_on, submitted, started, finished, cancel_requested`

// uniqueViolationCode is the Postgres SQLSTATE for unique_violation.
const uniqueViolationCode = "23505"

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job carbon.Job) error {
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	progressJSON, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	errJSON, err := marshalJobError(job.Error)
	if err != nil {
		return err
	}
	query := `
INSERT INTO jobs (` + jobColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	args := []any{
		job.ID,
		job.Fingerprint,
		string(job.Kind),
		job.Target,
		optionsJSON,
		string(job.State),
		progressJSON,
		job.ResultRef,
		errJSON,
		job.DependsOn,
		job.Submitted,
		job.Started,
		job.Finished,
		job.CancelRequested,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode && pgErr.ConstraintName == "jobs_fingerprint_idx" {
			return carbon.ErrDuplicateFingerprint
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job row by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (carbon.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	return s.scanJob(s.pool.QueryRow(ctx, query, jobID))
}

// FindActiveByFingerprint returns the newest non-terminal job with the
// given fingerprint.
func (s *JobStore) FindActiveByFingerprint(ctx context.Context, fingerprint string) (carbon.Job, bool, error) {
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE fingerprint = $1 AND state IN ('queued', 'running')
ORDER BY submitted DESC
LIMIT 1`
	job, err := s.scanJob(s.pool.QueryRow(ctx, query, fingerprint))
	if errors.Is(err, carbon.ErrNotFound) {
		return carbon.Job{}, false, nil
	}
	if err != nil {
		return carbon.Job{}, false, err
	}
	return job, true, nil
}

// UpdateState transitions a job row, stamping started/finished times.
// Transitions out of a terminal state return carbon.ErrTerminal.
func (s *JobStore) UpdateState(ctx context.Context, jobID string, state carbon.JobState, jerr *carbon.Error) error {
	errJSON, err := marshalJobError(jerr)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	started := any(nil)
	finished := any(nil)
	if state == carbon.StateRunning {
		started = now
	}
	if state.IsTerminal() {
		finished = now
	}
	query := `
UPDATE jobs
SET state = $2,
    error = $3,
    started = COALESCE(started, $4),
    finished = COALESCE($5, finished)
WHERE id = $1 AND state IN ('queued', 'running')`
	tag, err := s.pool.Exec(ctx, query, jobID, string(state), errJSON, started, finished)
	if err != nil {
		return fmt.Errorf("update job state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return getErr
		}
		return carbon.ErrTerminal
	}
	return nil
}

// UpdateProgress overwrites the progress value; updates against a
// terminal job are silently dropped.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, p carbon.Progress) error {
	progressJSON, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	query := `UPDATE jobs SET progress = $2 WHERE id = $1 AND state IN ('queued', 'running')`
	tag, err := s.pool.Exec(ctx, query, jobID, progressJSON)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// SetResultRef records the reference to the persisted output.
func (s *JobStore) SetResultRef(ctx context.Context, jobID string, ref string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET result_ref = $2 WHERE id = $1`, jobID, ref)
	if err != nil {
		return fmt.Errorf("update job result ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return carbon.ErrNotFound
	}
	return nil
}

// RequestCancel sets the cooperative cancellation flag on a job row.
func (s *JobStore) RequestCancel(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET cancel_requested = TRUE WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("update job cancel flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return carbon.ErrNotFound
	}
	return nil
}

// CancelRequested reads the cooperative cancellation flag.
func (s *JobStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, jobID).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, carbon.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("select cancel flag: %w", err)
	}
	return requested, nil
}

// PutResult upserts the analysis output for a job.
func (s *JobStore) PutResult(ctx context.Context, jobID string, result carbon.AnalysisResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	query := `
INSERT INTO analysis_results (job_id, payload) VALUES ($1, $2)
ON CONFLICT (job_id) DO UPDATE SET payload = EXCLUDED.payload`
	if _, err := s.pool.Exec(ctx, query, jobID, payload); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// GetResult returns the analysis output for a job.
func (s *JobStore) GetResult(ctx context.Context, jobID string) (carbon.AnalysisResult, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM analysis_results WHERE job_id = $1`, jobID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return carbon.AnalysisResult{}, carbon.ErrNotFound
	}
	if err != nil {
		return carbon.AnalysisResult{}, fmt.Errorf("select result: %w", err)
	}
	var result carbon.AnalysisResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return carbon.AnalysisResult{}, fmt.Errorf("unmarshal result: %w", err)
	}
	return result, nil
}

// PutReport upserts a completed report record.
func (s *JobStore) PutReport(ctx context.Context, report carbon.Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	query := `
INSERT INTO reports (id, source_job_id, payload) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`
	if _, err := s.pool.Exec(ctx, query, report.ID, report.SourceJobID, payload); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// GetReport returns a report record by ID.
func (s *JobStore) GetReport(ctx context.Context, reportID string) (carbon.Report, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM reports WHERE id = $1`, reportID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return carbon.Report{}, carbon.ErrNotFound
	}
	if err != nil {
		return carbon.Report{}, fmt.Errorf("select report: %w", err)
	}
	var report carbon.Report
	if err := json.Unmarshal(payload, &report); err != nil {
		return carbon.Report{}, fmt.Errorf("unmarshal report: %w", err)
	}
	return report, nil
}

func (s *JobStore) scanJob(row pgx.Row) (carbon.Job, error) {
	var (
		job          carbon.Job
		kind         string
		state        string
		optionsJSON  []byte
		progressJSON []byte
		errJSON      []byte
	)
	err := row.Scan(
		&job.ID,
		&job.Fingerprint,
		&kind,
		&job.Target,
		&optionsJSON,
		&state,
		&progressJSON,
		&job.ResultRef,
		&errJSON,
		&job.DependsOn,
		&job.Submitted,
		&job.Started,
		&job.Finished,
		&job.CancelRequested,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return carbon.Job{}, carbon.ErrNotFound
	}
	if err != nil {
		return carbon.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Kind = carbon.JobKind(kind)
	job.State = carbon.JobState(state)
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &job.Options); err != nil {
			return carbon.Job{}, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if len(progressJSON) > 0 {
		if err := json.Unmarshal(progressJSON, &job.Progress); err != nil {
			return carbon.Job{}, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	if len(errJSON) > 0 {
		var jerr carbon.Error
		if err := json.Unmarshal(errJSON, &jerr); err != nil {
			return carbon.Job{}, fmt.Errorf("unmarshal job error: %w", err)
		}
		job.Error = &jerr
	}
	return job, nil
}

func marshalJobError(jerr *carbon.Error) (any, error) {
	if jerr == nil {
		return nil, nil
	}
	data, err := json.Marshal(jerr)
	if err != nil {
		return nil, fmt.Errorf("marshal job error: %w", err)
	}
	return data, nil
}

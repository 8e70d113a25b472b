// Package memory provides an in-memory job store for development/testing.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ecotrace/ecotrace/internal/carbon"
)

// JobStore keeps jobs, results, and reports in process memory.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]carbon.Job
	results map[string]carbon.AnalysisResult
	reports map[string]carbon.Report
	clock   carbon.Clock
}

// NewJobStore constructs a JobStore.
func NewJobStore(clock carbon.Clock) *JobStore {
	return &JobStore{
		jobs:    make(map[string]carbon.Job),
		results: make(map[string]carbon.AnalysisResult),
		reports: make(map[string]carbon.Report),
		clock:   clock,
	}
}

// CreateJob stores a new job in queued state. At most one non-terminal
// job may hold a given fingerprint; a second insert returns
// carbon.ErrDuplicateFingerprint.
func (s *JobStore) CreateJob(_ context.Context, job carbon.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	if job.Fingerprint != "" && !job.State.IsTerminal() {
		for _, existing := range s.jobs {
			if existing.Fingerprint == job.Fingerprint && !existing.State.IsTerminal() {
				return carbon.ErrDuplicateFingerprint
			}
		}
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (carbon.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return carbon.Job{}, carbon.ErrNotFound
	}
	return job, nil
}

// FindActiveByFingerprint returns a non-terminal job with the given
// fingerprint, preferring the most recently submitted one.
func (s *JobStore) FindActiveByFingerprint(_ context.Context, fingerprint string) (carbon.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found carbon.Job
		ok    bool
	)
	for _, job := range s.jobs {
		if job.Fingerprint != fingerprint || job.State.IsTerminal() {
			continue
		}
		if !ok || job.Submitted.After(found.Submitted) {
			found = job
			ok = true
		}
	}
	return found, ok, nil
}

// UpdateState transitions the job, stamping started/finished times.
// Transitions out of a terminal state return carbon.ErrTerminal.
func (s *JobStore) UpdateState(_ context.Context, jobID string, state carbon.JobState, jerr *carbon.Error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return carbon.ErrNotFound
	}
	if job.State.IsTerminal() {
		return carbon.ErrTerminal
	}
	job.State = state
	job.Error = jerr
	now := s.clock.Now()
	if state == carbon.StateRunning && job.Started == nil {
		job.Started = pointerTime(now)
	}
	if state.IsTerminal() {
		job.Finished = pointerTime(now)
	}
	s.jobs[jobID] = job
	return nil
}

// UpdateProgress overwrites the progress value unless the job ended.
func (s *JobStore) UpdateProgress(_ context.Context, jobID string, p carbon.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return carbon.ErrNotFound
	}
	if job.State.IsTerminal() {
		return nil
	}
	job.Progress = p
	s.jobs[jobID] = job
	return nil
}

// SetResultRef records the reference to the persisted output.
func (s *JobStore) SetResultRef(_ context.Context, jobID string, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return carbon.ErrNotFound
	}
	job.ResultRef = ref
	s.jobs[jobID] = job
	return nil
}

// RequestCancel sets the cooperative cancellation flag.
func (s *JobStore) RequestCancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return carbon.ErrNotFound
	}
	job.CancelRequested = true
	s.jobs[jobID] = job
	return nil
}

// CancelRequested reads the cooperative cancellation flag.
func (s *JobStore) CancelRequested(_ context.Context, jobID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, carbon.ErrNotFound
	}
	return job.CancelRequested, nil
}

// PutResult persists the analysis output for a job.
func (s *JobStore) PutResult(_ context.Context, jobID string, result carbon.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[jobID] = result
	return nil
}

// GetResult returns the analysis output for a job.
func (s *JobStore) GetResult(_ context.Context, jobID string) (carbon.AnalysisResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[jobID]
	if !ok {
		return carbon.AnalysisResult{}, carbon.ErrNotFound
	}
	return result, nil
}

// PutReport persists a completed report record.
func (s *JobStore) PutReport(_ context.Context, report carbon.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[report.ID] = report
	return nil
}

// GetReport returns a report record by ID.
func (s *JobStore) GetReport(_ context.Context, reportID string) (carbon.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.reports[reportID]
	if !ok {
		return carbon.Report{}, carbon.ErrNotFound
	}
	return report, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

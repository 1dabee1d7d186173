package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dvloznov/phone-usage-tracker/internal/jobs"
)

// Store keeps the state of triggered runs for the lifetime of the server
// process. Restarting forgets queued and finished jobs; BigQuery run
// history is where finished runs are kept for good.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*jobs.RunJob
}

// NewStore returns an empty run job store.
func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*jobs.RunJob),
	}
}

// SaveJob records the latest state of a run job, replacing any earlier one
// with the same ID.
func (s *Store) SaveJob(ctx context.Context, job *jobs.RunJob) error {
	if job.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The queue keeps mutating its job while the run progresses.
	jobCopy := *job
	s.jobs[job.JobID] = &jobCopy

	return nil
}

// GetJob returns a snapshot of one run job, or an error wrapping
// jobs.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.RunJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, jobID)
	}

	jobCopy := *job
	return &jobCopy, nil
}

// ListJobs returns run jobs newest trigger first. Jobs created in the same
// instant are ordered by ID so pages stay stable.
func (s *Store) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.RunJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []*jobs.RunJob{}
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		jobCopy := *job
		result = append(result, &jobCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].JobID > result[j].JobID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*jobs.RunJob{}, nil
		}
		result = result[filter.Offset:]
	}

	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

var _ jobs.JobStore = (*Store)(nil)

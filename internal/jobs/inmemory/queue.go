package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/dvloznov/phone-usage-tracker/internal/jobs"
	"github.com/dvloznov/phone-usage-tracker/internal/logger"
)

// DefaultRetryDelay is the delay before the first retry. It grows linearly
// with the retry count.
const DefaultRetryDelay = 30 * time.Second

// ErrClosed is returned when publishing to a stopped queue.
var ErrClosed = errors.New("queue is closed")

// Queue is an in-memory job publisher and consumer backed by a channel.
//
// Jobs are processed by a single worker: reconciliation assumes at most one
// run at a time, so triggers that arrive while a run is in progress wait
// their turn instead of overlapping.
type Queue struct {
	jobChan    chan *jobs.RunJob
	closeChan  chan struct{}
	wg         sync.WaitGroup
	mu         sync.RWMutex
	store      jobs.JobStore
	clock      quartz.Clock
	retryDelay time.Duration
	timers     map[*quartz.Timer]struct{}
	closed     bool
	started    bool
}

// NewQueue creates a new in-memory job queue.
// bufferSize determines how many jobs can be queued before PublishRun blocks.
func NewQueue(bufferSize int, store jobs.JobStore, clock quartz.Clock) *Queue {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Queue{
		jobChan:    make(chan *jobs.RunJob, bufferSize),
		closeChan:  make(chan struct{}),
		store:      store,
		clock:      clock,
		retryDelay: DefaultRetryDelay,
		timers:     make(map[*quartz.Timer]struct{}),
	}
}

// SetRetryDelay overrides DefaultRetryDelay.
func (q *Queue) SetRetryDelay(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retryDelay = d
}

// PublishRun enqueues a run job for asynchronous processing.
func (q *Queue) PublishRun(ctx context.Context, job *jobs.RunJob) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.clock.Now()
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
	}

	select {
	case q.jobChan <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return ErrClosed
	}
}

// Start starts the worker. It returns immediately.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.started {
		return errors.New("queue already started")
	}
	q.started = true

	q.wg.Add(1)
	go q.worker(ctx, handler)
	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			q.processJob(ctx, job, handler)
		}
	}
}

// processJob executes a single job attempt and schedules a retry on failure.
func (q *Queue) processJob(ctx context.Context, job *jobs.RunJob, handler jobs.JobHandler) {
	log := logger.FromContext(ctx).With().
		Str("job_id", job.JobID).
		Str("date", job.Date.String()).
		Logger()

	job.Status = jobs.JobStatusRunning
	now := q.clock.Now()
	job.StartedAt = &now
	job.CompletedAt = nil
	q.save(ctx, job)

	err := handler(logger.WithContext(ctx, log), job)

	completedAt := q.clock.Now()
	job.CompletedAt = &completedAt

	if err == nil {
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
		q.save(ctx, job)
		return
	}

	job.Error = err.Error()
	if job.RetryCount >= job.MaxRetries {
		job.Status = jobs.JobStatusFailed
		q.save(ctx, job)
		log.Error().Err(err).Int("retry_count", job.RetryCount).Msg("Job failed, no retries left")
		return
	}

	job.RetryCount++
	job.Status = jobs.JobStatusRetrying
	q.save(ctx, job)

	q.mu.Lock()
	delay := time.Duration(job.RetryCount) * q.retryDelay
	if q.closed {
		q.mu.Unlock()
		return
	}
	var timer *quartz.Timer
	timer = q.clock.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()

		job.Status = jobs.JobStatusPending
		job.StartedAt = nil
		job.CompletedAt = nil
		if err := q.PublishRun(ctx, job); err != nil {
			log.Warn().Err(err).Msg("Failed to re-enqueue job")
		}
	}, "queue", "retry")
	q.timers[timer] = struct{}{}
	q.mu.Unlock()

	log.Warn().Err(err).
		Int("retry_count", job.RetryCount).
		Dur("delay", delay).
		Msg("Job failed, scheduled retry")
}

func (q *Queue) save(ctx context.Context, job *jobs.RunJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to save job state")
	}
}

// Stop stops the queue, cancels pending retries and waits for the in-flight
// job to complete.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	for t := range q.timers {
		t.Stop()
	}
	q.timers = map[*quartz.Timer]struct{}{}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)

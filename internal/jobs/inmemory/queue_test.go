package inmemory

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/coder/quartz"

	"github.com/dvloznov/phone-usage-tracker/internal/jobs"
	"github.com/dvloznov/phone-usage-tracker/internal/logger"
)

var errInjected = errors.New("injected failure")

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func receive[T any](ctx context.Context, t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-ctx.Done():
		t.Fatal("timed out waiting for value")
		var zero T
		return zero
	}
}

var testDate = civil.Date{Year: 2025, Month: time.August, Day: 25}

func TestQueue_ProcessesJob(t *testing.T) {
	ctx := testContext(t)
	store := NewStore()
	q := NewQueue(10, store, quartz.NewMock(t))

	seen := make(chan jobs.RunJob, 1)
	if err := q.Start(ctx, func(_ context.Context, job *jobs.RunJob) error {
		job.RunID = "run-1"
		seen <- *job
		return nil
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := &jobs.RunJob{Date: testDate}
	if err := q.PublishRun(ctx, job); err != nil {
		t.Fatalf("PublishRun: %v", err)
	}
	if job.JobID == "" {
		t.Error("PublishRun should assign a job ID")
	}

	got := receive(ctx, t, seen)
	if got.Date != testDate {
		t.Errorf("date = %s, want %s", got.Date, testDate)
	}
	if got.Status != jobs.JobStatusRunning {
		t.Errorf("status during handler = %s, want running", got.Status)
	}

	if err := q.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	stored, err := store.GetJob(ctx, job.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != jobs.JobStatusCompleted {
		t.Errorf("status = %s, want completed", stored.Status)
	}
	if stored.RunID != "run-1" {
		t.Errorf("run id = %q", stored.RunID)
	}
	if stored.StartedAt == nil || stored.CompletedAt == nil {
		t.Error("timestamps not recorded")
	}
}

func TestQueue_RunsOneAtATime(t *testing.T) {
	ctx := testContext(t)
	q := NewQueue(10, NewStore(), quartz.NewMock(t))

	var active, maxActive atomic.Int32
	done := make(chan struct{}, 3)
	if err := q.Start(ctx, func(context.Context, *jobs.RunJob) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		done <- struct{}{}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := q.PublishRun(ctx, &jobs.RunJob{Date: testDate}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		receive(ctx, t, done)
	}
	if err := q.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	if got := maxActive.Load(); got != 1 {
		t.Errorf("max concurrent runs = %d, want 1", got)
	}
}

func TestQueue_RetriesFailedJob(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	store := NewStore()
	q := NewQueue(10, store, clock)
	q.SetRetryDelay(time.Minute)

	trap := clock.Trap().AfterFunc("queue", "retry")
	defer trap.Close()

	var calls atomic.Int32
	attempts := make(chan int32, 2)
	if err := q.Start(ctx, func(context.Context, *jobs.RunJob) error {
		n := calls.Add(1)
		attempts <- n
		if n == 1 {
			return errInjected
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	job := &jobs.RunJob{Date: testDate, MaxRetries: 2}
	if err := q.PublishRun(ctx, job); err != nil {
		t.Fatal(err)
	}
	if n := receive(ctx, t, attempts); n != 1 {
		t.Fatalf("attempt = %d, want 1", n)
	}

	call := trap.MustWait(ctx)
	call.MustRelease(ctx)
	if call.Duration != time.Minute {
		t.Errorf("first retry delay = %v, want 1m", call.Duration)
	}

	stored, err := store.GetJob(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != jobs.JobStatusRetrying || stored.Error == "" {
		t.Errorf("after failure: status = %s, error = %q", stored.Status, stored.Error)
	}

	clock.Advance(call.Duration).MustWait(ctx)
	if n := receive(ctx, t, attempts); n != 2 {
		t.Fatalf("attempt = %d, want 2", n)
	}
	if err := q.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	stored, err = store.GetJob(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != jobs.JobStatusCompleted {
		t.Errorf("status = %s, want completed", stored.Status)
	}
	if stored.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", stored.RetryCount)
	}
	if stored.Error != "" {
		t.Errorf("error should be cleared, got %q", stored.Error)
	}
}

func TestQueue_FailsWithoutRetries(t *testing.T) {
	ctx := testContext(t)
	store := NewStore()
	q := NewQueue(10, store, quartz.NewMock(t))

	attempted := make(chan struct{}, 1)
	if err := q.Start(ctx, func(context.Context, *jobs.RunJob) error {
		attempted <- struct{}{}
		return errInjected
	}); err != nil {
		t.Fatal(err)
	}

	job := &jobs.RunJob{Date: testDate}
	if err := q.PublishRun(ctx, job); err != nil {
		t.Fatal(err)
	}
	receive(ctx, t, attempted)
	if err := q.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	stored, err := store.GetJob(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != jobs.JobStatusFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
	if stored.Error != errInjected.Error() {
		t.Errorf("error = %q", stored.Error)
	}
}

func TestQueue_Closed(t *testing.T) {
	ctx := testContext(t)
	q := NewQueue(1, nil, quartz.NewMock(t))
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	if err := q.PublishRun(ctx, &jobs.RunJob{Date: testDate}); !errors.Is(err, ErrClosed) {
		t.Errorf("PublishRun after close = %v, want ErrClosed", err)
	}
	if err := q.Start(ctx, func(context.Context, *jobs.RunJob) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after close = %v, want ErrClosed", err)
	}
	// Stopping twice is a no-op.
	if err := q.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

// failingStore accepts the initial save on publish and rejects every
// later state change.
type failingStore struct {
	*Store
	saves atomic.Int32
}

func (s *failingStore) SaveJob(ctx context.Context, job *jobs.RunJob) error {
	if s.saves.Add(1) > 1 {
		return errInjected
	}
	return s.Store.SaveJob(ctx, job)
}

// lockedBuffer collects log output written from the worker goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestQueue_SaveFailureIsLogged(t *testing.T) {
	ctx := testContext(t)
	var out lockedBuffer
	ctx = logger.WithContext(ctx, logger.NewWithWriter(&out))

	store := &failingStore{Store: NewStore()}
	q := NewQueue(10, store, quartz.NewMock(t))

	ran := make(chan struct{}, 1)
	if err := q.Start(ctx, func(context.Context, *jobs.RunJob) error {
		ran <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := &jobs.RunJob{Date: testDate}
	if err := q.PublishRun(ctx, job); err != nil {
		t.Fatalf("PublishRun: %v", err)
	}
	receive(ctx, t, ran)

	if err := q.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	logs := out.String()
	if !strings.Contains(logs, "Failed to save job state") || !strings.Contains(logs, job.JobID) {
		t.Errorf("save failure not logged, got %q", logs)
	}
	if n := store.saves.Load(); n != 3 {
		t.Errorf("save attempts = %d, want 3", n)
	}

	// Only the publish-time state made it into the store.
	stored, err := store.GetJob(ctx, job.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != jobs.JobStatusPending {
		t.Errorf("stored status = %s, want pending", stored.Status)
	}
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hypermarkets/oracle-runner/resilience"
	"github.com/hypermarkets/oracle-runner/store"
)

// fakeResolver scripts resolution outcomes per call.
type fakeResolver struct {
	mu      sync.Mutex
	calls   []string
	errs    []error
	release chan struct{} // when set, calls block until closed
}

func (f *fakeResolver) ResolveMarket(ctx context.Context, marketID, correlationID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, marketID)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	release := f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testConfig() Config {
	return Config{
		Concurrency:     2,
		MaxRetries:      2,
		RetryDelayBase:  20 * time.Millisecond,
		BackoffFactor:   2,
		MaxRetryDelay:   200 * time.Millisecond,
		DebounceDelay:   10 * time.Millisecond,
		CleanupInterval: time.Hour,
		DrainTimeout:    2 * time.Second,
	}
}

func startScheduler(t *testing.T, st store.JobStore, r Resolver, cfg Config) *Scheduler {
	t.Helper()
	s := New(st, r, cfg)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Destroy)
	return s
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func jobByID(t *testing.T, st store.JobStore, id string) *store.Job {
	t.Helper()
	jobs, err := st.LoadJobs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func TestScheduleIsIdempotentPerMarket(t *testing.T) {
	st := store.NewMemoryStore()
	s := startScheduler(t, st, &fakeResolver{}, testConfig())

	future := time.Now().Add(time.Hour)
	id1, err := s.ScheduleMarketResolution("0xMKT", "t", future, "")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.ScheduleMarketResolution("0xMKT", "t", future, "")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("second schedule created a new job: %s vs %s", id1, id2)
	}
	jobs, _ := st.LoadJobs(context.Background())
	if len(jobs) != 1 {
		t.Errorf("got %d persisted jobs, want 1", len(jobs))
	}
}

func TestPastDueJobExecutesImmediately(t *testing.T) {
	st := store.NewMemoryStore()
	r := &fakeResolver{}
	s := startScheduler(t, st, r, testConfig())

	id, err := s.ScheduleMarketResolution("0xPAST", "t", time.Now().Add(-time.Minute), "")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, "job completion", func() bool {
		j := jobByID(t, st, id)
		return j != nil && j.Status == store.StatusCompleted
	})
	if r.callCount() != 1 {
		t.Errorf("resolver called %d times, want 1", r.callCount())
	}
	j := jobByID(t, st, id)
	if j.Type != store.TypeImmediate {
		t.Errorf("past-due job typed %s, want IMMEDIATE", j.Type)
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	st := store.NewMemoryStore()
	r := &fakeResolver{errs: []error{resilience.Transientf("rpc flake")}}
	s := startScheduler(t, st, r, testConfig())

	id, _ := s.ScheduleMarketResolution("0xFLAKY", "t", time.Now(), "")
	waitFor(t, 3*time.Second, "retry then success", func() bool {
		j := jobByID(t, st, id)
		return j != nil && j.Status == store.StatusCompleted
	})

	j := jobByID(t, st, id)
	if j.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", j.RetryCount)
	}
	if j.Type != store.TypeRetry {
		t.Errorf("type = %s, want RETRY", j.Type)
	}
	if r.callCount() != 2 {
		t.Errorf("resolver called %d times, want 2", r.callCount())
	}
}

func TestRetriesAreBounded(t *testing.T) {
	st := store.NewMemoryStore()
	r := &fakeResolver{errs: []error{
		resilience.Transientf("1"),
		resilience.Transientf("2"),
		resilience.Transientf("3"),
		resilience.Transientf("4"),
	}}
	cfg := testConfig() // MaxRetries = 2
	s := startScheduler(t, st, r, cfg)

	id, _ := s.ScheduleMarketResolution("0xDOOMED", "t", time.Now(), "")
	waitFor(t, 3*time.Second, "terminal failure", func() bool {
		j := jobByID(t, st, id)
		return j != nil && j.Status == store.StatusFailed
	})

	// First attempt + MaxRetries retries, then nothing.
	time.Sleep(300 * time.Millisecond)
	if got := r.callCount(); got != cfg.MaxRetries+1 {
		t.Errorf("resolver called %d times, want %d", got, cfg.MaxRetries+1)
	}
	j := jobByID(t, st, id)
	if !j.Terminal() {
		t.Errorf("exhausted job is not terminal: %+v", j)
	}
	if j.LastError == "" {
		t.Error("terminal failure lost its lastError")
	}
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	st := store.NewMemoryStore()
	r := &fakeResolver{errs: []error{resilience.Permanentf("market is broken")}}
	s := startScheduler(t, st, r, testConfig())

	id, _ := s.ScheduleMarketResolution("0xBAD", "t", time.Now(), "")
	waitFor(t, 2*time.Second, "permanent failure", func() bool {
		j := jobByID(t, st, id)
		return j != nil && j.Status == store.StatusFailed
	})

	time.Sleep(200 * time.Millisecond)
	if r.callCount() != 1 {
		t.Errorf("permanent failure retried: %d calls", r.callCount())
	}
	if j := jobByID(t, st, id); !j.Terminal() {
		t.Errorf("permanently failed job is not terminal: %+v", j)
	}
}

func TestCancelScheduledJob(t *testing.T) {
	st := store.NewMemoryStore()
	r := &fakeResolver{}
	s := startScheduler(t, st, r, testConfig())

	id, _ := s.ScheduleMarketResolution("0xCXL", "t", time.Now().Add(time.Hour), "")
	if err := s.CancelJob(id); err != nil {
		t.Fatal(err)
	}
	if j := jobByID(t, st, id); j.Status != store.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", j.Status)
	}
	if r.callCount() != 0 {
		t.Error("cancelled job still executed")
	}
	if err := s.CancelJob("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("cancel unknown: got %v, want ErrJobNotFound", err)
	}
}

func TestCancelExecutingJobIsNoop(t *testing.T) {
	st := store.NewMemoryStore()
	r := &fakeResolver{release: make(chan struct{})}
	s := startScheduler(t, st, r, testConfig())

	id, _ := s.ScheduleMarketResolution("0xRUN", "t", time.Now(), "")
	waitFor(t, 2*time.Second, "job to start", func() bool { return r.callCount() == 1 })

	if err := s.CancelJob(id); err != nil {
		t.Fatal(err)
	}
	close(r.release)

	waitFor(t, 2*time.Second, "job completion", func() bool {
		j := jobByID(t, st, id)
		return j != nil && j.Status == store.StatusCompleted
	})
}

func TestTriggerNow(t *testing.T) {
	st := store.NewMemoryStore()
	r := &fakeResolver{}
	s := startScheduler(t, st, r, testConfig())

	id, _ := s.ScheduleMarketResolution("0xSOON", "t", time.Now().Add(time.Hour), "")
	got, err := s.TriggerNow("0xSOON")
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Errorf("TriggerNow returned %s, want %s", got, id)
	}
	waitFor(t, 2*time.Second, "triggered execution", func() bool {
		j := jobByID(t, st, id)
		return j != nil && j.Status == store.StatusCompleted
	})

	if _, err := s.TriggerNow("0xUNKNOWN"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("got %v, want ErrJobNotFound", err)
	}
}

func TestRecoveryAfterRestart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	now := time.Now()

	seed := func(id, marketID string, status store.JobStatus, resolveAt time.Time) {
		t.Helper()
		err := st.SaveJob(ctx, &store.Job{
			ID: id, MarketID: marketID, Status: status, Type: store.TypeTimeBased,
			ResolveTime: resolveAt, MaxRetries: 2, CreatedAt: now, UpdatedAt: now,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	seed("due", "0xDUE", store.StatusScheduled, now.Add(-time.Minute))
	seed("crashed", "0xCRASHED", store.StatusExecuting, now.Add(-time.Minute))
	seed("done", "0xDONE", store.StatusCompleted, now.Add(-time.Hour))
	seed("later", "0xLATER", store.StatusScheduled, now.Add(time.Hour))

	r := &fakeResolver{}
	startScheduler(t, st, r, testConfig())

	waitFor(t, 3*time.Second, "recovery executions", func() bool {
		return jobByID(t, st, "due").Status == store.StatusCompleted &&
			jobByID(t, st, "crashed").Status == store.StatusCompleted
	})

	if r.callCount() != 2 {
		t.Errorf("resolver called %d times, want 2 (terminal and future jobs must not run)", r.callCount())
	}
	if j := jobByID(t, st, "later"); j.Status != store.StatusScheduled {
		t.Errorf("future job status = %s, want SCHEDULED", j.Status)
	}
}

func TestRetryDelayBackoffShape(t *testing.T) {
	cfg := Config{
		RetryDelayBase: 100 * time.Millisecond,
		BackoffFactor:  2,
		MaxRetryDelay:  time.Second,
	}
	s := New(store.NewMemoryStore(), &fakeResolver{}, cfg)

	// Each attempt lands in [base*2^(n-1), base*2^(n-1) * 1.1] capped at
	// MaxRetryDelay; below the cap the next rung's floor is above the
	// previous rung's ceiling, so jitter cannot reorder the ladder.
	for attempt := 1; attempt <= 6; attempt++ {
		d := s.retryDelay(attempt)
		base := float64(uint64(100*time.Millisecond) << (attempt - 1))
		if base > float64(time.Second) {
			base = float64(time.Second)
		}
		if float64(d) < base || float64(d) > base*1.1 {
			t.Errorf("attempt %d: delay %s outside [%s, %s]",
				attempt, d, time.Duration(base), time.Duration(base*1.1))
		}
	}
}

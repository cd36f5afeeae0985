// Package scheduler owns the lifecycle of resolution jobs: durable
// scheduling against market resolve times, bounded-concurrency execution,
// retry with exponential backoff and crash recovery from the job store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/hypermarkets/oracle-runner/correlation"
	"github.com/hypermarkets/oracle-runner/observability"
	"github.com/hypermarkets/oracle-runner/resilience"
	"github.com/hypermarkets/oracle-runner/store"
)

// ErrJobNotFound is returned for operations on an unknown or already
// terminal job.
var ErrJobNotFound = errors.New("scheduler: job not found")

// runtimeJob pairs the persisted record with its in-memory timer handle.
type runtimeJob struct {
	job   *store.Job
	timer *time.Timer
}

// Scheduler maps market resolve times onto executed resolution attempts.
// One non-terminal job exists per market at any time.
type Scheduler struct {
	store    store.JobStore
	resolver Resolver
	queue    *Queue
	cfg      Config
	clock    correlation.Clock

	mu   sync.Mutex
	jobs map[string]*runtimeJob

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a scheduler. Call Initialize before scheduling.
func New(st store.JobStore, resolver Resolver, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		store:    st,
		resolver: resolver,
		queue:    NewQueue(cfg.Concurrency),
		cfg:      cfg,
		clock:    correlation.RealClock{},
		jobs:     make(map[string]*runtimeJob),
	}
}

// SetClock overrides the time source. Test hook.
func (s *Scheduler) SetClock(c correlation.Clock) { s.clock = c }

// Initialize starts the workers, recovers persisted jobs and kicks off the
// cleanup loop. Jobs whose resolve time passed while the runner was down
// execute after a short debounce; EXECUTING jobs from a crashed run are
// rescheduled rather than trusted.
func (s *Scheduler) Initialize(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.queue.Start(s.ctx)

	jobs, err := s.store.LoadJobs(s.ctx)
	if err != nil {
		return fmt.Errorf("load persisted jobs: %w", err)
	}

	now := s.clock.Now()
	recovered := 0
	s.mu.Lock()
	for _, j := range jobs {
		if j.Terminal() {
			continue
		}
		rj := &runtimeJob{job: j}
		s.jobs[j.ID] = rj
		recovered++

		switch {
		case j.Status == store.StatusExecuting:
			// Interrupted mid-execution. The chain adapter and resolution
			// service are safe to re-enter, so run it again.
			s.persistLocked(j.ID, store.Patch{Status: store.StatusPtr(store.StatusScheduled)})
			s.armLocked(rj, s.cfg.DebounceDelay)
		case j.Status == store.StatusFailed:
			// Failed with retries remaining; resume the backoff ladder.
			s.persistLocked(j.ID, store.Patch{
				Status: store.StatusPtr(store.StatusScheduled),
				Type:   store.TypePtr(store.TypeRetry),
			})
			s.armLocked(rj, s.retryDelay(j.RetryCount+1))
		case !j.ResolveTime.After(now):
			s.armLocked(rj, s.cfg.DebounceDelay)
		default:
			s.armLocked(rj, j.ResolveTime.Sub(now))
		}
	}
	s.mu.Unlock()

	if removed, err := s.store.Cleanup(s.ctx, s.cfg.Retention); err != nil {
		log.Printf("[SCHED] startup cleanup failed: %v", err)
	} else if removed > 0 {
		log.Printf("[SCHED] cleaned up %d terminal jobs", removed)
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	log.Printf("[SCHED] ✅ initialized: %d jobs recovered, %d workers", recovered, s.cfg.Concurrency)
	return nil
}

// ScheduleMarketResolution registers a resolution job for the market.
// Idempotent: if a non-terminal job already exists for the market its ID is
// returned unchanged.
func (s *Scheduler) ScheduleMarketResolution(marketID, title string, resolveTime time.Time, correlationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rj := range s.jobs {
		if rj.job.MarketID == marketID && !rj.job.Terminal() {
			return rj.job.ID, nil
		}
	}

	if correlationID == "" {
		correlationID = correlation.NewID()
	}
	now := s.clock.Now()
	delay := resolveTime.Sub(now)
	jobType := store.TypeTimeBased
	if delay <= 0 {
		jobType = store.TypeImmediate
	}

	job := &store.Job{
		ID:            fmt.Sprintf("%s-%d", strings.ToLower(marketID), now.UnixNano()),
		MarketID:      marketID,
		Title:         title,
		ResolveTime:   resolveTime,
		Status:        store.StatusScheduled,
		Type:          jobType,
		MaxRetries:    s.cfg.MaxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
		CorrelationID: correlationID,
	}
	if err := s.store.SaveJob(s.ctx, job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}

	rj := &runtimeJob{job: job}
	s.jobs[job.ID] = rj
	s.armLocked(rj, delay)

	observability.JobsScheduled.WithLabelValues(string(jobType)).Inc()
	log.Printf("[SCHED] [%s] scheduled %s for market %s (fires in %s)",
		correlationID, job.ID, marketID, delay.Round(time.Second))
	return job.ID, nil
}

// CancelJob cancels a scheduled job. Cancelling an EXECUTING job is a
// no-op; the in-flight attempt runs to completion.
func (s *Scheduler) CancelJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rj, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if rj.job.Status == store.StatusExecuting {
		log.Printf("[SCHED] cancel of %s ignored: executing", jobID)
		return nil
	}
	if rj.timer != nil {
		rj.timer.Stop()
	}
	s.persistLocked(jobID, store.Patch{Status: store.StatusPtr(store.StatusCancelled)})
	delete(s.jobs, jobID)
	observability.JobTransitions.WithLabelValues(string(store.StatusCancelled)).Inc()
	log.Printf("[SCHED] [%s] cancelled %s", rj.job.CorrelationID, jobID)
	return nil
}

// TriggerNow fires the market's pending job immediately, bypassing its
// timer. Used by the manual-resolve endpoint.
func (s *Scheduler) TriggerNow(marketID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rj := range s.jobs {
		if rj.job.MarketID != marketID || rj.job.Terminal() {
			continue
		}
		if rj.job.Status == store.StatusExecuting {
			return id, nil
		}
		if rj.timer != nil {
			rj.timer.Stop()
		}
		s.enqueue(id)
		return id, nil
	}
	return "", ErrJobNotFound
}

// Jobs returns all persisted jobs, terminal included.
func (s *Scheduler) Jobs(ctx context.Context) ([]*store.Job, error) {
	return s.store.LoadJobs(ctx)
}

// Stats snapshots queue and job state for the health endpoint.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	counts := make(map[string]int)
	for _, rj := range s.jobs {
		counts[string(rj.job.Status)]++
	}
	s.mu.Unlock()
	return Stats{
		QueuePending: s.queue.Pending(),
		QueueActive:  s.queue.Active(),
		Workers:      s.queue.Workers(),
		JobCounts:    counts,
	}
}

// Destroy stops timers, drains the queue and releases the store. In-flight
// jobs get DrainTimeout to finish; anything still EXECUTING after that is
// recovered on the next start.
func (s *Scheduler) Destroy() {
	s.mu.Lock()
	for _, rj := range s.jobs {
		if rj.timer != nil {
			rj.timer.Stop()
		}
	}
	s.mu.Unlock()

	s.queue.Drain(s.cfg.DrainTimeout)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	log.Printf("[SCHED] destroyed")
}

// armLocked sets the job's timer. Caller holds s.mu.
func (s *Scheduler) armLocked(rj *runtimeJob, delay time.Duration) {
	id := rj.job.ID
	if delay <= 0 {
		delay = s.cfg.DebounceDelay
	}

	if delay > s.cfg.LongDelayThreshold {
		// Re-derive the remaining delay from the wall clock periodically so
		// multi-day waits survive NTP steps and suspend/resume.
		rj.timer = time.AfterFunc(s.cfg.RecheckInterval, func() {
			s.mu.Lock()
			cur, ok := s.jobs[id]
			if !ok || cur.job.Status != store.StatusScheduled {
				s.mu.Unlock()
				return
			}
			s.armLocked(cur, cur.job.ResolveTime.Sub(s.clock.Now()))
			s.mu.Unlock()
		})
		return
	}

	rj.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if _, ok := s.jobs[id]; ok {
			s.enqueue(id)
		}
		s.mu.Unlock()
	})
}

// enqueue hands the job to the worker pool. Caller holds s.mu. A full
// queue re-arms the timer instead of dropping the job.
func (s *Scheduler) enqueue(id string) {
	err := s.queue.Submit(func() { s.executeJob(id) })
	if err == nil {
		return
	}
	log.Printf("[SCHED] enqueue %s deferred: %v", id, err)
	if rj, ok := s.jobs[id]; ok {
		rj.timer = time.AfterFunc(5*time.Second, func() {
			s.mu.Lock()
			if _, ok := s.jobs[id]; ok {
				s.enqueue(id)
			}
			s.mu.Unlock()
		})
	}
}

// executeJob runs one resolution attempt on a worker goroutine.
func (s *Scheduler) executeJob(id string) {
	s.mu.Lock()
	rj, ok := s.jobs[id]
	if !ok || rj.job.Status != store.StatusScheduled {
		s.mu.Unlock()
		return
	}
	marketID := rj.job.MarketID
	corrID := rj.job.CorrelationID
	attempt := rj.job.RetryCount
	s.persistLocked(id, store.Patch{Status: store.StatusPtr(store.StatusExecuting)})
	s.mu.Unlock()

	observability.JobTransitions.WithLabelValues(string(store.StatusExecuting)).Inc()
	log.Printf("[SCHED] [%s] ▶ executing %s (market %s, attempt %d)", corrID, id, marketID, attempt+1)

	start := s.clock.Now()
	err := s.resolver.ResolveMarket(s.ctx, marketID, corrID)
	elapsed := s.clock.Now().Sub(start)

	if s.ctx.Err() != nil {
		// Shutdown mid-attempt. Leave the job EXECUTING; recovery picks it
		// up on the next start.
		log.Printf("[SCHED] [%s] %s interrupted by shutdown", corrID, id)
		return
	}

	switch {
	case err == nil:
		s.mu.Lock()
		s.persistLocked(id, store.Patch{
			Status:    store.StatusPtr(store.StatusCompleted),
			LastError: store.StrPtr(""),
		})
		delete(s.jobs, id)
		s.mu.Unlock()
		observability.JobTransitions.WithLabelValues(string(store.StatusCompleted)).Inc()
		log.Printf("[SCHED] [%s] ✅ %s completed in %s", corrID, id, elapsed.Round(time.Millisecond))

	case resilience.IsPermanent(err):
		s.failJob(id, corrID, err, true)

	default:
		s.retryOrFail(id, corrID, err)
	}
}

// retryOrFail reschedules after a transient failure, or fails terminally
// once retries are exhausted.
func (s *Scheduler) retryOrFail(id, corrID string, cause error) {
	s.mu.Lock()
	rj, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if rj.job.RetryCount >= s.cfg.MaxRetries {
		s.mu.Unlock()
		s.failJob(id, corrID, cause, false)
		return
	}

	next := rj.job.RetryCount + 1
	delay := s.retryDelay(next)
	s.persistLocked(id, store.Patch{
		Status:     store.StatusPtr(store.StatusScheduled),
		Type:       store.TypePtr(store.TypeRetry),
		RetryCount: store.IntPtr(next),
		LastError:  store.StrPtr(cause.Error()),
	})
	s.armLocked(rj, delay)
	s.mu.Unlock()

	observability.JobRetries.Inc()
	log.Printf("[SCHED] [%s] ⏳ %s retry %d/%d in %s: %v",
		corrID, id, next, s.cfg.MaxRetries, delay.Round(time.Millisecond), cause)
}

// failJob marks the job FAILED terminal. Permanent failures pin retryCount
// to the cap so the job never re-enters the retry ladder.
func (s *Scheduler) failJob(id, corrID string, cause error, permanent bool) {
	s.mu.Lock()
	patch := store.Patch{
		Status:    store.StatusPtr(store.StatusFailed),
		LastError: store.StrPtr(cause.Error()),
	}
	if permanent {
		patch.RetryCount = store.IntPtr(s.cfg.MaxRetries)
	}
	s.persistLocked(id, patch)
	delete(s.jobs, id)
	s.mu.Unlock()

	observability.JobTransitions.WithLabelValues(string(store.StatusFailed)).Inc()
	kind := "retries exhausted"
	if permanent {
		kind = "permanent"
	}
	log.Printf("[SCHED] [%s] ❌ %s failed (%s): %v", corrID, id, kind, cause)
}

// retryDelay computes the backoff for attempt n (1-based) with 10% jitter.
func (s *Scheduler) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(s.cfg.RetryDelayBase) * math.Pow(s.cfg.BackoffFactor, float64(attempt-1))
	if max := float64(s.cfg.MaxRetryDelay); d > max {
		d = max
	}
	d += d * 0.1 * rand.Float64()
	return time.Duration(d)
}

// persistLocked applies a patch to both the store and the in-memory copy.
// Caller holds s.mu. Persistence errors are logged, not fatal; the
// in-memory state keeps the scheduler coherent until the next write.
func (s *Scheduler) persistLocked(id string, patch store.Patch) {
	if updated, err := s.store.UpdateJob(s.ctx, id, patch); err != nil {
		log.Printf("[SCHED] persist %s failed: %v", id, err)
		if rj, ok := s.jobs[id]; ok {
			patch.Apply(rj.job, s.clock.Now())
		}
	} else if rj, ok := s.jobs[id]; ok {
		rj.job = updated
	}
}

func (s *Scheduler) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.Cleanup(s.ctx, s.cfg.Retention)
			if err != nil {
				log.Printf("[SCHED] cleanup failed: %v", err)
				continue
			}
			if removed > 0 {
				log.Printf("[SCHED] cleaned up %d terminal jobs", removed)
			}
		}
	}
}

package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hypermarkets/oracle-runner/market"
	"github.com/hypermarkets/oracle-runner/observability"
)

var (
	ErrAlreadyRegistered = errors.New("fetcher already registered")
	ErrNoFetcher         = errors.New("no fetcher available for subject")
	ErrAllFailed         = errors.New("all fetchers failed")
)

// DefaultHealthInterval is how often the health loop re-probes sources.
const DefaultHealthInterval = 60 * time.Second

// Preferences carry a market's declared source ordering into candidate
// selection.
type Preferences struct {
	PrimarySource  string
	FallbackSource string
}

// Result is one successful fetch with its provenance.
type Result struct {
	Value        market.MetricValue
	FetcherName  string
	FetchTimeMs  int64
	FromFallback bool
}

type entry struct {
	fetcher Fetcher
	health  Health
	order   int
}

// RegistryConfig bounds the registry's pressure on upstream APIs.
type RegistryConfig struct {
	// MaxConcurrent is the global bound on in-flight fetches.
	MaxConcurrent int
	// StartRate caps fetch starts per second.
	StartRate float64
	// AllowFallback enables walking past the first candidate on failure.
	AllowFallback bool
}

func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxConcurrent: 5,
		StartRate:     10,
		AllowFallback: true,
	}
}

// Registry maps fetcher names to (fetcher, health) and drives selection,
// fallback and fan-out. Safe for concurrent use by all queue workers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	sem           chan struct{}
	limiter       *rate.Limiter
	allowFallback bool
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.StartRate <= 0 {
		cfg.StartRate = 10
	}
	return &Registry{
		entries:       make(map[string]*entry),
		sem:           make(chan struct{}, cfg.MaxConcurrent),
		limiter:       rate.NewLimiter(rate.Limit(cfg.StartRate), cfg.MaxConcurrent),
		allowFallback: cfg.AllowFallback,
	}
}

// Register adds a fetcher. New fetchers start healthy; the health loop and
// fetch failures adjust from there.
func (r *Registry) Register(f Fetcher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := f.Name()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.entries[name] = &entry{
		fetcher: f,
		order:   len(r.entries),
		health:  Health{Healthy: true, LastCheck: time.Now()},
	}
	observability.FetcherHealthy.WithLabelValues(name).Set(1)
	log.Printf("[REGISTRY] registered fetcher %s", name)
	return nil
}

// MarkHealthy clears an unhealthy mark before the next health-loop pass.
func (r *Registry) MarkHealthy(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.health.Healthy = true
		e.health.LastError = ""
		observability.FetcherHealthy.WithLabelValues(name).Set(1)
	}
}

// Infos returns cumulative stats for every registered fetcher, sorted by
// registration order.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.entries))
	for name, e := range r.entries {
		infos = append(infos, Info{Name: name, Health: e.health})
	}
	sort.Slice(infos, func(i, j int) bool {
		return r.entries[infos[i].Name].order < r.entries[infos[j].Name].order
	})
	return infos
}

// GetFetchersForSubject returns candidate names in priority order: the
// market's declared primary and fallback sources first, then every other
// healthy capable fetcher in registration order, ties broken by lower
// recent error rate.
func (r *Registry) GetFetchersForSubject(subject market.Subject, prefs Preferences) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.candidatesLocked(subject, prefs)
}

func (r *Registry) candidatesLocked(subject market.Subject, prefs Preferences) []string {
	usable := func(name string) bool {
		e, ok := r.entries[name]
		return ok && e.health.Healthy && e.fetcher.CanFetch(subject)
	}

	var names []string
	seen := make(map[string]bool)
	for _, name := range []string{prefs.PrimarySource, prefs.FallbackSource} {
		if name != "" && usable(name) && !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}

	var rest []string
	for name := range r.entries {
		if !seen[name] && usable(name) {
			rest = append(rest, name)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		ei, ej := r.entries[rest[i]], r.entries[rest[j]]
		if ei.order != ej.order {
			return ei.order < ej.order
		}
		return ei.health.errorRate() < ej.health.errorRate()
	})
	return append(names, rest...)
}

// FetchMetric invokes the first candidate and, when fallbacks are enabled,
// walks the remaining candidates in order. A failing candidate is marked
// unhealthy and stays out of selection until the health loop re-verifies it.
func (r *Registry) FetchMetric(ctx context.Context, subject market.Subject, at time.Time, prefs Preferences) (*Result, error) {
	r.mu.RLock()
	candidates := r.candidatesLocked(subject, prefs)
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFetcher, subject.Key())
	}

	var lastErr error
	for i, name := range candidates {
		if i > 0 && !r.allowFallback {
			break
		}
		res, err := r.fetchOne(ctx, name, subject, at)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		res.FromFallback = i > 0
		if res.FromFallback {
			observability.FallbackFetches.Inc()
			log.Printf("[REGISTRY] %s served %s from fallback (primary candidates failed)", name, subject.Key())
		}
		return res, nil
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrAllFailed, subject.Key(), lastErr)
}

// FetchMetricMultiSource fires up to maxSources fetches in parallel and
// returns every successful result. Used for cross-source reconciliation.
func (r *Registry) FetchMetricMultiSource(ctx context.Context, subject market.Subject, at time.Time, maxSources int, prefs Preferences) ([]*Result, error) {
	r.mu.RLock()
	candidates := r.candidatesLocked(subject, prefs)
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFetcher, subject.Key())
	}
	if maxSources > 0 && len(candidates) > maxSources {
		candidates = candidates[:maxSources]
	}

	type outcome struct {
		res *Result
		err error
	}
	outcomes := make(chan outcome, len(candidates))
	for _, name := range candidates {
		go func(name string) {
			res, err := r.fetchOne(ctx, name, subject, at)
			outcomes <- outcome{res: res, err: err}
		}(name)
	}

	var results []*Result
	var lastErr error
	for range candidates {
		o := <-outcomes
		if o.err != nil {
			lastErr = o.err
			continue
		}
		results = append(results, o.res)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %s: %v", ErrAllFailed, subject.Key(), lastErr)
	}
	return results, nil
}

// fetchOne runs a single fetch through the global rate and concurrency
// bounds and records the attempt in the fetcher's health.
func (r *Registry) fetchOne(ctx context.Context, name string, subject market.Subject, at time.Time) (*Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.sem }()

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoFetcher, name)
	}

	start := time.Now()
	value, err := e.fetcher.FetchMetric(ctx, subject, at)
	elapsed := time.Since(start)
	observability.FetchDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	r.mu.Lock()
	h := &e.health
	h.TotalFetches++
	h.LastFetch = time.Now()
	ms := float64(elapsed.Milliseconds())
	h.AvgResponseTimeMs += (ms - h.AvgResponseTimeMs) / float64(h.TotalFetches)
	if err != nil {
		h.ErrorCount++
		h.Healthy = false
		h.LastError = err.Error()
		observability.FetcherHealthy.WithLabelValues(name).Set(0)
	}
	r.mu.Unlock()

	if err != nil {
		observability.FetchAttempts.WithLabelValues(name, "error").Inc()
		log.Printf("[REGISTRY] fetch %s via %s failed after %dms: %v", subject.Key(), name, elapsed.Milliseconds(), err)
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	observability.FetchAttempts.WithLabelValues(name, "ok").Inc()
	return &Result{
		Value:       value,
		FetcherName: name,
		FetchTimeMs: elapsed.Milliseconds(),
	}, nil
}

// StartHealthLoop probes every fetcher on the given interval until ctx is
// cancelled. A passing probe clears unhealthy marks left by fetch failures.
func (r *Registry) StartHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runHealthChecks(ctx)
			}
		}
	}()
}

func (r *Registry) runHealthChecks(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.mu.RLock()
		e := r.entries[name]
		r.mu.RUnlock()

		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		healthy := e.fetcher.IsHealthy(probeCtx)
		cancel()

		r.mu.Lock()
		wasHealthy := e.health.Healthy
		e.health.Healthy = healthy
		e.health.LastCheck = time.Now()
		if healthy {
			e.health.LastError = ""
		}
		r.mu.Unlock()

		if healthy {
			observability.FetcherHealthy.WithLabelValues(name).Set(1)
		} else {
			observability.FetcherHealthy.WithLabelValues(name).Set(0)
		}
		if healthy != wasHealthy {
			log.Printf("[REGISTRY] health check: %s healthy=%v", name, healthy)
		}
	}
}

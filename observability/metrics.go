package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsScheduled tracks jobs accepted by the scheduler.
	JobsScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_jobs_scheduled_total",
		Help: "Total resolution jobs accepted by the scheduler",
	}, []string{"type"}) // TIME_BASED, IMMEDIATE, RETRY

	// JobTransitions tracks job status transitions.
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_job_transitions_total",
		Help: "Total job status transitions",
	}, []string{"status"})

	// JobRetries tracks retry attempts scheduled after transient failures.
	JobRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runner_job_retries_total",
		Help: "Total retry attempts scheduled",
	})

	// QueueDepth tracks pending work in the execution queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runner_queue_depth",
		Help: "Current number of pending tasks in the execution queue",
	})

	// QueueActive tracks in-flight resolution jobs.
	QueueActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runner_queue_active",
		Help: "Current number of in-flight resolution jobs",
	})

	// ResolutionStageDuration tracks per-stage resolution latency.
	ResolutionStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "runner_resolution_stage_duration_seconds",
		Help:    "Duration of each resolution pipeline stage",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~2.5m
	}, []string{"stage"}) // load, fetch, evaluate, commit, wait, finalize

	// Resolutions tracks finished resolution attempts by result.
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_resolutions_total",
		Help: "Total resolution attempts by terminal result",
	}, []string{"result"}) // completed, already_terminal, transient, permanent

	// FetchAttempts tracks metric fetches per fetcher and result.
	FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_fetch_attempts_total",
		Help: "Total metric fetch attempts",
	}, []string{"fetcher", "result"}) // ok, error

	// FetchDuration tracks upstream source latency.
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "runner_fetch_duration_seconds",
		Help:    "Metric fetch latency per fetcher",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	}, []string{"fetcher"})

	// FetcherHealthy reports per-fetcher health (1 healthy, 0 unhealthy).
	FetcherHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "runner_fetcher_healthy",
		Help: "Fetcher health as seen by the registry",
	}, []string{"fetcher"})

	// FallbackFetches tracks results served by a non-primary source.
	FallbackFetches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runner_fallback_fetches_total",
		Help: "Metric fetches served by a fallback source",
	})

	// ChainCalls tracks adapter calls by method and result.
	ChainCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_chain_calls_total",
		Help: "Total chain adapter calls",
	}, []string{"method", "result"}) // ok, transient, permanent

	// ChainGasEstimate tracks gas estimates before the safety multiplier.
	ChainGasEstimate = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "runner_chain_gas_estimate",
		Help:    "Raw gas estimates for oracle writes",
		Buckets: prometheus.ExponentialBuckets(21000, 2, 10),
	})

	// EventsIngested tracks MarketCreated events by source.
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_events_ingested_total",
		Help: "MarketCreated events observed",
	}, []string{"source"}) // backfill, subscription, webhook

	// IngestorReconnects tracks subscription loss recoveries.
	IngestorReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runner_ingestor_reconnects_total",
		Help: "Log subscription reconnect attempts",
	})

	// APIRateLimited tracks control-plane requests rejected by the limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_api_rate_limited_total",
		Help: "Control-plane requests rejected by the per-IP limiter",
	}, []string{"endpoint"})

	// WebhooksReceived tracks webhook deliveries by verdict.
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_webhooks_received_total",
		Help: "Webhook deliveries by verdict",
	}, []string{"verdict"}) // accepted, bad_signature, malformed, ignored
)

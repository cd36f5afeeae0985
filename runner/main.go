// Command runner is the autonomous resolution daemon for hypermarkets: it
// watches the factory for new markets, schedules each market's resolution
// at its resolve time, observes the market's data window, evaluates the
// predicate and drives the oracle through commit and finalize.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hypermarkets/oracle-runner/chain"
	"github.com/hypermarkets/oracle-runner/fetcher"
	"github.com/hypermarkets/oracle-runner/scheduler"
	"github.com/hypermarkets/oracle-runner/store"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Printf("❌ %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Chain connection is a hard dependency; a runner that cannot reach
	// the chain has nothing to do.
	adapter, err := chain.Dial(ctx, chain.Config{
		RPCURL:        cfg.RPCURL,
		PrivateKey:    cfg.PrivateKey,
		OracleAddress: cfg.OracleAddress,
		FactoryAddr:   cfg.FactoryAddress,
		GasMultiplier: cfg.GasMultiplier,
	})
	if err != nil {
		log.Printf("❌ chain connection failed: %v", err)
		os.Exit(2)
	}
	defer adapter.Close()

	jobStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Printf("❌ persistence init failed: %v", err)
		os.Exit(1)
	}
	defer jobStore.Close()
	log.Printf("✅ persistence backend: %s", cfg.PersistenceBackend)

	registry := buildRegistry(cfg)
	registry.StartHealthLoop(ctx, fetcher.DefaultHealthInterval)

	hub := NewJobsHub()
	go hub.Run(ctx)

	resolution := NewResolutionService(adapter, registry, cfg.SampleStride, cfg.DisputeWindowOverride)
	resolution.SetHub(hub)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Concurrency = cfg.JobConcurrency
	schedCfg.MaxRetries = cfg.RetryMaxAttempts
	schedCfg.RetryDelayBase = cfg.RetryDelayBase
	schedCfg.MaxRetryDelay = 10 * cfg.RetryDelayBase
	sched := scheduler.New(jobStore, resolution, schedCfg)
	if err := sched.Initialize(ctx); err != nil {
		log.Printf("❌ scheduler init failed: %v", err)
		os.Exit(1)
	}

	ingestor := NewIngestor(adapter, sched, cfg.BackfillDepth)
	if err := ingestor.Start(ctx); err != nil {
		log.Printf("❌ ingestor start failed: %v", err)
		os.Exit(2)
	}

	api := NewAPI(sched, adapter, registry, hub, cfg.WebhookSecret)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", api.handleHealth)
	mux.HandleFunc("/jobs", api.handleJobs)
	mux.HandleFunc("/webhook/market", api.rateLimit("webhook", api.handleWebhook))
	mux.HandleFunc("/resolve/", api.rateLimit("resolve", api.handleResolve))
	mux.HandleFunc("/ws/jobs", api.handleWS)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WebhookPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("runner control plane listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("❌ http server: %v", err)
			cancel()
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Printf("received %s, shutting down", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	sched.Destroy()
	cancel()
	log.Printf("runner stopped")
}

// openStore selects the persistence backend from config.
func openStore(ctx context.Context, cfg *RuntimeConfig) (store.JobStore, error) {
	switch cfg.PersistenceBackend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		return store.NewRedisStore(cfg.RedisAddr, "", 0)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return store.NewFileStore(cfg.PersistenceDir)
	}
}

// buildRegistry wires the built-in sources plus any env-declared generic
// HTTP sources.
func buildRegistry(cfg *RuntimeConfig) *fetcher.Registry {
	registry := fetcher.NewRegistry(fetcher.DefaultRegistryConfig())

	if err := registry.Register(fetcher.NewHyperliquidFetcher("", 0)); err != nil {
		log.Printf("[INIT] register hyperliquid: %v", err)
	}
	if err := registry.Register(fetcher.NewCoinbaseFetcher("", 0)); err != nil {
		log.Printf("[INIT] register coinbase: %v", err)
	}
	for name, src := range cfg.GenericSources {
		f := fetcher.NewGenericHTTPFetcher(fetcher.GenericConfig{
			Name:     name,
			SourceID: name,
			URL:      src.URL,
			Path:     src.Path,
			APIKey:   src.APIKey,
		})
		if err := registry.Register(f); err != nil {
			log.Printf("[INIT] register %s: %v", name, err)
		}
	}
	return registry
}

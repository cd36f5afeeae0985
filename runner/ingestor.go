package main

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/hypermarkets/oracle-runner/chain"
	"github.com/hypermarkets/oracle-runner/correlation"
	"github.com/hypermarkets/oracle-runner/market"
	"github.com/hypermarkets/oracle-runner/observability"
)

// reconnectOverlap is how many blocks the ingestor re-scans after a
// subscription drop to cover events emitted while disconnected.
const reconnectOverlap = 64

// EventSource is the slice of the chain adapter the ingestor uses.
type EventSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	FilterMarketCreated(ctx context.Context, from, to uint64) ([]chain.MarketCreatedEvent, error)
	SubscribeMarketCreated(ctx context.Context, out chan<- chain.MarketCreatedEvent) (ethereum.Subscription, error)
	GetMarketParams(ctx context.Context, addr common.Address) (*market.Params, error)
}

// JobSink receives discovered markets.
type JobSink interface {
	ScheduleMarketResolution(marketID, title string, resolveTime time.Time, correlationID string) (string, error)
}

// Ingestor turns factory MarketCreated events into scheduled resolution
// jobs: a bounded backfill at startup, then a live log subscription with
// reconnect and overlap re-scan. Scheduling is idempotent downstream, so
// seeing the same market twice is harmless.
type Ingestor struct {
	source EventSource
	sink   JobSink

	backfillDepth uint64
	lastBlock     atomic.Uint64
}

func NewIngestor(source EventSource, sink JobSink, backfillDepth uint64) *Ingestor {
	return &Ingestor{
		source:        source,
		sink:          sink,
		backfillDepth: backfillDepth,
	}
}

// Start backfills recent history then follows the live feed until ctx is
// cancelled. The initial backfill is fatal on error; the live feed
// self-heals.
func (in *Ingestor) Start(ctx context.Context) error {
	head, err := in.source.LatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}

	from := uint64(0)
	if head > in.backfillDepth {
		from = head - in.backfillDepth
	}
	if err := in.backfill(ctx, from, head); err != nil {
		return fmt.Errorf("backfill [%d,%d]: %w", from, head, err)
	}
	in.lastBlock.Store(head)

	go in.followLive(ctx)
	return nil
}

// LastBlock reports the highest block the ingestor has processed.
func (in *Ingestor) LastBlock() uint64 { return in.lastBlock.Load() }

func (in *Ingestor) backfill(ctx context.Context, from, to uint64) error {
	events, err := in.source.FilterMarketCreated(ctx, from, to)
	if err != nil {
		return err
	}
	scheduled := 0
	for _, ev := range events {
		if in.handleEvent(ctx, ev, "backfill") {
			scheduled++
		}
	}
	log.Printf("[INGEST] backfill [%d,%d]: %d events, %d scheduled", from, to, len(events), scheduled)
	return nil
}

// followLive holds the subscription open, re-dialing with backoff when it
// drops and re-scanning the overlap window on every reconnect.
func (in *Ingestor) followLive(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		events := make(chan chain.MarketCreatedEvent, 64)
		sub, err := in.source.SubscribeMarketCreated(ctx, events)
		if err != nil {
			log.Printf("[INGEST] subscribe failed, retrying in %s: %v", backoff, err)
			observability.IngestorReconnects.Inc()
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = time.Second

		// Events emitted between the last seen block and the new
		// subscription would otherwise be lost.
		from := in.lastBlock.Load()
		if from > reconnectOverlap {
			from -= reconnectOverlap
		} else {
			from = 0
		}
		if head, err := in.source.LatestBlock(ctx); err == nil && head >= from {
			if err := in.backfill(ctx, from, head); err != nil {
				log.Printf("[INGEST] overlap re-scan failed: %v", err)
			} else {
				in.lastBlock.Store(head)
			}
		}

		log.Printf("[INGEST] live subscription established")
		in.consume(ctx, sub, events)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return
		}
		observability.IngestorReconnects.Inc()
		log.Printf("[INGEST] subscription dropped, reconnecting in %s", backoff)
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (in *Ingestor) consume(ctx context.Context, sub ethereum.Subscription, events <-chan chain.MarketCreatedEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				log.Printf("[INGEST] subscription error: %v", err)
			}
			return
		case ev := <-events:
			if in.handleEvent(ctx, ev, "subscription") {
				if ev.BlockNumber > in.lastBlock.Load() {
					in.lastBlock.Store(ev.BlockNumber)
				}
			}
		}
	}
}

// handleEvent reads the market's params and schedules its resolution.
// Returns true when a job was scheduled.
func (in *Ingestor) handleEvent(ctx context.Context, ev chain.MarketCreatedEvent, origin string) bool {
	observability.EventsIngested.WithLabelValues(origin).Inc()

	params, err := in.source.GetMarketParams(ctx, ev.Market)
	if err != nil {
		log.Printf("[INGEST] cannot read params of market %s: %v", ev.Market.Hex(), err)
		return false
	}
	if params.Resolved || params.Cancelled {
		return false
	}

	corrID := correlation.NewID()
	jobID, err := in.sink.ScheduleMarketResolution(ev.Market.Hex(), params.Title, params.ResolveTime, corrID)
	if err != nil {
		log.Printf("[INGEST] [%s] schedule market %s failed: %v", corrID, ev.Market.Hex(), err)
		return false
	}
	log.Printf("[INGEST] [%s] market %s (%q) -> job %s, resolves %s",
		corrID, ev.Market.Hex(), params.Title, jobID, params.ResolveTime.Format(time.RFC3339))
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

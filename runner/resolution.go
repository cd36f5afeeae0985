package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/hypermarkets/oracle-runner/chain"
	"github.com/hypermarkets/oracle-runner/correlation"
	"github.com/hypermarkets/oracle-runner/fetcher"
	"github.com/hypermarkets/oracle-runner/market"
	"github.com/hypermarkets/oracle-runner/observability"
	"github.com/hypermarkets/oracle-runner/predicate"
	"github.com/hypermarkets/oracle-runner/resilience"
)

// minSampleRatio is the fraction of expected window samples that must
// succeed before a windowed reduction is trusted.
const minSampleRatio = 0.8

// finalizeGrace pads the dispute-window wait so the finalize transaction
// never lands a block early.
const finalizeGrace = 2 * time.Second

// Oracle is the slice of the chain adapter the resolution pipeline uses.
type Oracle interface {
	GetMarketParams(ctx context.Context, addr common.Address) (*market.Params, error)
	GetPendingResolution(ctx context.Context, addr common.Address) (*chain.PendingResolution, error)
	GetDisputeWindowSeconds(ctx context.Context) (uint64, error)
	CommitResolution(ctx context.Context, addr common.Address, outcome uint8, dataHash [32]byte) (string, error)
	FinalizeResolution(ctx context.Context, addr common.Address) (string, error)
}

// MetricSource is the slice of the fetcher registry the pipeline uses.
type MetricSource interface {
	FetchMetric(ctx context.Context, subject market.Subject, at time.Time, prefs fetcher.Preferences) (*fetcher.Result, error)
}

// ResolutionService drives one market from its resolve time to a finalized
// on-chain outcome: load params, observe the window, evaluate the
// predicate, commit, sit out the dispute window, finalize.
type ResolutionService struct {
	oracle  Oracle
	sources MetricSource
	clock   correlation.Clock
	hub     *JobsHub

	sampleStride          time.Duration
	disputeWindowOverride time.Duration
}

func NewResolutionService(oracle Oracle, sources MetricSource, stride, disputeOverride time.Duration) *ResolutionService {
	if stride <= 0 {
		stride = time.Minute
	}
	return &ResolutionService{
		oracle:                oracle,
		sources:               sources,
		clock:                 correlation.RealClock{},
		sampleStride:          stride,
		disputeWindowOverride: disputeOverride,
	}
}

// SetHub attaches the websocket job stream.
func (s *ResolutionService) SetHub(hub *JobsHub) { s.hub = hub }

// SetClock overrides the time source. Test hook.
func (s *ResolutionService) SetClock(c correlation.Clock) { s.clock = c }

// ResolveMarket executes the full pipeline for one market. Every step is
// safe to re-enter: a crashed or retried attempt picks up from the
// on-chain state instead of double-committing.
func (s *ResolutionService) ResolveMarket(ctx context.Context, marketID, correlationID string) error {
	if !common.IsHexAddress(marketID) {
		observability.Resolutions.WithLabelValues("permanent").Inc()
		return resilience.Permanentf("market id %q is not an address", marketID)
	}
	addr := common.HexToAddress(marketID)

	// LOAD
	start := s.clock.Now()
	params, err := s.oracle.GetMarketParams(ctx, addr)
	s.observeStage("load", start)
	if err != nil {
		return s.classifyOutcome(correlationID, fmt.Errorf("load market %s: %w", marketID, err))
	}
	s.notify(marketID, correlationID, "loading")

	if params.Cancelled {
		log.Printf("[RESOLVE] [%s] market %s is cancelled, nothing to do", correlationID, marketID)
		observability.Resolutions.WithLabelValues("already_terminal").Inc()
		return nil
	}
	if params.Resolved {
		log.Printf("[RESOLVE] [%s] market %s already resolved (outcome %d)", correlationID, marketID, params.WinningOutcome)
		observability.Resolutions.WithLabelValues("already_terminal").Inc()
		return nil
	}

	// A prior attempt may have committed and then died before finalizing.
	pending, err := s.oracle.GetPendingResolution(ctx, addr)
	if err != nil {
		return s.classifyOutcome(correlationID, fmt.Errorf("read pending resolution: %w", err))
	}
	if pending.Committed {
		log.Printf("[RESOLVE] [%s] market %s has a committed outcome %d from %s, resuming at finalize",
			correlationID, marketID, pending.Outcome, pending.CommitTime.Format(time.RFC3339))
		return s.waitAndFinalize(ctx, addr, marketID, correlationID, pending.CommitTime)
	}

	// FETCH
	start = s.clock.Now()
	s.notify(marketID, correlationID, "fetching")
	samples, provenance, err := s.fetchWindow(ctx, params)
	s.observeStage("fetch", start)
	if err != nil {
		return s.classifyOutcome(correlationID, err)
	}

	// EVALUATE
	start = s.clock.Now()
	reduced, err := predicate.Reduce(samples, params.Window, params.RoundingDecimals)
	if err != nil {
		s.observeStage("evaluate", start)
		return s.classifyOutcome(correlationID, resilience.Permanent(err))
	}
	outcome, err := predicate.Evaluate(reduced, params.Predicate)
	s.observeStage("evaluate", start)
	if err != nil {
		return s.classifyOutcome(correlationID, resilience.Permanent(err))
	}
	log.Printf("[RESOLVE] [%s] market %s evaluated: value=%s (10^-%d) %s %s => outcome %d",
		correlationID, marketID, reduced.Value, reduced.Decimals,
		params.Predicate.Op, params.Predicate.Threshold, outcome)

	// COMMIT
	dataHash := computeDataHash(params.Subject, outcome, params.RoundingDecimals, samples, provenance)
	start = s.clock.Now()
	s.notify(marketID, correlationID, "committing")
	txHash, err := s.oracle.CommitResolution(ctx, addr, outcome, dataHash)
	s.observeStage("commit", start)
	commitTime := s.clock.Now()
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrAlreadyResolved), errors.Is(err, chain.ErrAlreadyFinalized):
			observability.Resolutions.WithLabelValues("already_terminal").Inc()
			return nil
		case errors.Is(err, chain.ErrAlreadyCommitted):
			// Raced another commit (or our own resubmission). Only safe
			// to finalize if the on-chain outcome matches our evaluation;
			// a differing outcome means another resolver disagreed and a
			// human has to look.
			pending, perr := s.oracle.GetPendingResolution(ctx, addr)
			if perr != nil {
				return s.classifyOutcome(correlationID, perr)
			}
			if pending.Outcome != outcome {
				return s.classifyOutcome(correlationID, resilience.Permanentf(
					"market %s: on-chain committed outcome %d conflicts with evaluated outcome %d",
					marketID, pending.Outcome, outcome))
			}
			commitTime = pending.CommitTime
		default:
			return s.classifyOutcome(correlationID, fmt.Errorf("commit market %s: %w", marketID, err))
		}
	} else {
		log.Printf("[RESOLVE] [%s] committed outcome %d for market %s (tx %s)", correlationID, outcome, marketID, txHash)
	}

	return s.waitAndFinalize(ctx, addr, marketID, correlationID, commitTime)
}

// waitAndFinalize holds the job through the dispute window then makes the
// committed outcome irrevocable.
func (s *ResolutionService) waitAndFinalize(ctx context.Context, addr common.Address, marketID, correlationID string, commitTime time.Time) error {
	window := s.disputeWindowOverride
	if window == 0 {
		secs, err := s.oracle.GetDisputeWindowSeconds(ctx)
		if err != nil {
			return s.classifyOutcome(correlationID, fmt.Errorf("read dispute window: %w", err))
		}
		window = time.Duration(secs) * time.Second
	}

	var wait time.Duration
	if window > 0 {
		wait = commitTime.Add(window).Add(finalizeGrace).Sub(s.clock.Now())
	}
	start := s.clock.Now()
	if wait > 0 {
		log.Printf("[RESOLVE] [%s] waiting %s of dispute window for market %s", correlationID, wait.Round(time.Second), marketID)
		s.notify(marketID, correlationID, "dispute_window")
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			s.observeStage("wait", start)
			return ctx.Err()
		case <-timer.C:
		}
	}
	s.observeStage("wait", start)

	// FINALIZE
	start = s.clock.Now()
	s.notify(marketID, correlationID, "finalizing")
	txHash, err := s.oracle.FinalizeResolution(ctx, addr)
	s.observeStage("finalize", start)
	if err != nil {
		if errors.Is(err, chain.ErrAlreadyResolved) || errors.Is(err, chain.ErrAlreadyFinalized) {
			observability.Resolutions.WithLabelValues("already_terminal").Inc()
			return nil
		}
		return s.classifyOutcome(correlationID, fmt.Errorf("finalize market %s: %w", marketID, err))
	}

	log.Printf("[RESOLVE] [%s] ✅ finalized market %s (tx %s)", correlationID, marketID, txHash)
	observability.Resolutions.WithLabelValues("completed").Inc()
	s.notify(marketID, correlationID, "finalized")
	return nil
}

// fetchWindow gathers the observations the window kind needs. Snapshot
// windows take one reading at tEnd; averaging and extremum windows sample
// the whole span on the configured stride and tolerate up to 20% gaps.
func (s *ResolutionService) fetchWindow(ctx context.Context, params *market.Params) ([]market.MetricValue, []string, error) {
	prefs := fetcher.Preferences{
		PrimarySource:  params.PrimarySource,
		FallbackSource: params.FallbackSource,
	}

	if params.Window.Kind == market.WindowSnapshotAt {
		res, err := s.sources.FetchMetric(ctx, params.Subject, params.Window.TEnd, prefs)
		if err != nil {
			return nil, nil, classifyFetchErr(params.Subject, err)
		}
		return []market.MetricValue{res.Value}, []string{res.FetcherName}, nil
	}

	var points []time.Time
	for t := params.Window.TStart; !t.After(params.Window.TEnd); t = t.Add(s.sampleStride) {
		points = append(points, t)
	}
	if len(points) == 0 {
		points = []time.Time{params.Window.TEnd}
	}

	samples := make([]market.MetricValue, 0, len(points))
	provenance := make([]string, 0, len(points))
	var lastErr error
	for _, at := range points {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		res, err := s.sources.FetchMetric(ctx, params.Subject, at, prefs)
		if err != nil {
			if errors.Is(err, fetcher.ErrNoFetcher) {
				// No candidate set exists for this subject; more sample
				// points cannot change that.
				return nil, nil, classifyFetchErr(params.Subject, err)
			}
			lastErr = err
			continue
		}
		samples = append(samples, res.Value)
		provenance = append(provenance, res.FetcherName)
	}

	need := int(float64(len(points))*minSampleRatio + 0.5)
	if need < 1 {
		need = 1
	}
	if len(samples) < need {
		return nil, nil, resilience.Transientf("window for %s too sparse: %d/%d samples (need %d): %w",
			params.Subject.Key(), len(samples), len(points), need, lastErr)
	}
	return samples, provenance, nil
}

// classifyFetchErr maps registry failures into the retry taxonomy: a
// subject no registered source can serve is unresolvable until an operator
// intervenes, everything else is worth another attempt.
func classifyFetchErr(subject market.Subject, err error) error {
	if errors.Is(err, fetcher.ErrNoFetcher) {
		return resilience.Permanentf("fetch %s: %w", subject.Key(), err)
	}
	return resilience.Transientf("fetch %s: %w", subject.Key(), err)
}

// classifyOutcome records the attempt's terminal metric and passes the
// error through for the scheduler's retry decision.
func (s *ResolutionService) classifyOutcome(correlationID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if resilience.IsPermanent(err) {
		observability.Resolutions.WithLabelValues("permanent").Inc()
		log.Printf("[RESOLVE] [%s] permanent failure: %v", correlationID, err)
	} else {
		observability.Resolutions.WithLabelValues("transient").Inc()
		log.Printf("[RESOLVE] [%s] transient failure: %v", correlationID, err)
	}
	return err
}

func (s *ResolutionService) observeStage(stage string, start time.Time) {
	observability.ResolutionStageDuration.WithLabelValues(stage).Observe(s.clock.Now().Sub(start).Seconds())
}

func (s *ResolutionService) notify(marketID, correlationID, stage string) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(JobEvent{
		MarketID:      marketID,
		CorrelationID: correlationID,
		Stage:         stage,
		At:            s.clock.Now(),
	})
}

// computeDataHash binds the committed outcome to the exact observations
// behind it: subject, rounding, every raw sample with its scale, timestamp
// and serving fetcher. Anyone holding the raw data can recompute it.
func computeDataHash(subject market.Subject, outcome uint8, roundingDecimals uint8, samples []market.MetricValue, provenance []string) [32]byte {
	var buf bytes.Buffer
	writeField := func(b []byte) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(b)))
		buf.Write(n[:])
		buf.Write(b)
	}

	writeField([]byte(subject.Key()))
	buf.WriteByte(outcome)
	buf.WriteByte(roundingDecimals)
	for i, sm := range samples {
		writeField(sm.Value.Bytes())
		if sm.Value.Sign() < 0 {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		buf.WriteByte(sm.Decimals)
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(sm.ObservedAt.Unix()))
		buf.Write(ts[:])
		if i < len(provenance) {
			writeField([]byte(provenance[i]))
		}
	}

	var out [32]byte
	copy(out[:], crypto.Keccak256(buf.Bytes()))
	return out
}

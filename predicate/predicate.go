// Package predicate turns an observed metric value into a market outcome.
// All comparisons are exact integer arithmetic over fixed-point values;
// no floats touch the decision path.
package predicate

import (
	"fmt"
	"math/big"

	"github.com/hypermarkets/oracle-runner/market"
)

// Evaluate applies the predicate to the value and returns the outcome
// (1 = YES, 0 = NO). Value and threshold are rescaled to the larger of the
// two decimal scales before comparing, so the comparison matches the
// mathematical comparison of the underlying rationals.
func Evaluate(value market.MetricValue, pred market.Predicate) (uint8, error) {
	scale := value.Decimals
	if pred.ValueDecimals > scale {
		scale = pred.ValueDecimals
	}
	v := value.Rescale(scale)
	t := market.MetricValue{Value: pred.Threshold, Decimals: pred.ValueDecimals}.Rescale(scale)

	cmp := v.Cmp(t)
	var yes bool
	switch pred.Op {
	case market.OpGT:
		yes = cmp > 0
	case market.OpGTE:
		yes = cmp >= 0
	case market.OpLT:
		yes = cmp < 0
	case market.OpLTE:
		yes = cmp <= 0
	case market.OpEQ:
		yes = cmp == 0
	case market.OpNEQ:
		yes = cmp != 0
	default:
		return 0, fmt.Errorf("unknown predicate op %q", pred.Op)
	}
	if yes {
		return market.OutcomeYes, nil
	}
	return market.OutcomeNo, nil
}

// Compare orders two metric values as rationals.
func Compare(a, b market.MetricValue) int {
	scale := a.Decimals
	if b.Decimals > scale {
		scale = b.Decimals
	}
	return a.Rescale(scale).Cmp(b.Rescale(scale))
}

// Reduce collapses raw window samples into the single value handed to
// Evaluate. Samples are expected in observation order; the caller enforces
// sampling-gap tolerances before calling.
func Reduce(samples []market.MetricValue, window market.Window, roundingDecimals uint8) (market.MetricValue, error) {
	if len(samples) == 0 {
		return market.MetricValue{}, fmt.Errorf("no samples to reduce")
	}

	switch window.Kind {
	case market.WindowSnapshotAt:
		// The sample observed at (or nearest before) tEnd.
		return samples[len(samples)-1], nil

	case market.WindowTimeAverage:
		return mean(samples, roundingDecimals)

	case market.WindowExtremum:
		best := samples[0]
		wantMax := window.Extremum != market.ExtremumMin
		for _, s := range samples[1:] {
			c := Compare(s, best)
			if (wantMax && c > 0) || (!wantMax && c < 0) {
				best = s
			}
		}
		return best, nil

	default:
		return market.MetricValue{}, fmt.Errorf("unknown window kind %q", window.Kind)
	}
}

// mean computes the arithmetic mean of the samples, rounded half-to-even
// at roundingDecimals.
func mean(samples []market.MetricValue, roundingDecimals uint8) (market.MetricValue, error) {
	working := samples[0].Decimals
	for _, s := range samples[1:] {
		if s.Decimals > working {
			working = s.Decimals
		}
	}

	sum := new(big.Int)
	for _, s := range samples {
		sum.Add(sum, s.Rescale(working))
	}

	n := big.NewInt(int64(len(samples)))
	num := sum
	den := n
	if roundingDecimals >= working {
		num = new(big.Int).Mul(sum, market.Pow10(int(roundingDecimals-working)))
	} else {
		den = new(big.Int).Mul(n, market.Pow10(int(working-roundingDecimals)))
	}

	avg := roundHalfEvenDiv(num, den)
	last := samples[len(samples)-1]
	return market.MetricValue{
		Value:      avg,
		Decimals:   roundingDecimals,
		ObservedAt: last.ObservedAt,
		SourceID:   last.SourceID,
	}, nil
}

// roundHalfEvenDiv divides num by den with banker's rounding. den > 0.
func roundHalfEvenDiv(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() == 0 {
		return q
	}

	// Compare |2r| against den to find which side of the midpoint we are on.
	twice := new(big.Int).Abs(r)
	twice.Lsh(twice, 1)
	cmp := twice.Cmp(den)

	roundAway := cmp > 0
	if cmp == 0 {
		// Exactly halfway: round toward the even quotient.
		roundAway = q.Bit(0) == 1
	}
	if roundAway {
		if num.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return q
}

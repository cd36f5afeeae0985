package predicate

import (
	"math/big"
	"testing"
	"time"

	"github.com/hypermarkets/oracle-runner/market"
)

func mv(value int64, decimals uint8) market.MetricValue {
	return market.MetricValue{Value: big.NewInt(value), Decimals: decimals, ObservedAt: time.Unix(1700000000, 0)}
}

func TestEvaluateOperators(t *testing.T) {
	// value 100.5 at 1 decimal vs threshold 100.50 at 2 decimals
	value := mv(1005, 1)
	tests := []struct {
		op   market.PredicateOp
		want uint8
	}{
		{market.OpGT, market.OutcomeNo},
		{market.OpGTE, market.OutcomeYes},
		{market.OpLT, market.OutcomeNo},
		{market.OpLTE, market.OutcomeYes},
		{market.OpEQ, market.OutcomeYes},
		{market.OpNEQ, market.OutcomeNo},
	}
	for _, tc := range tests {
		pred := market.Predicate{Op: tc.op, Threshold: big.NewInt(10050), ValueDecimals: 2}
		got, err := Evaluate(value, pred)
		if err != nil {
			t.Fatalf("%s: %v", tc.op, err)
		}
		if got != tc.want {
			t.Errorf("%s: got outcome %d, want %d", tc.op, got, tc.want)
		}
	}
}

func TestEvaluateScaleEquivalence(t *testing.T) {
	// The same rational expressed at different scales must evaluate
	// identically against the same threshold.
	pred := market.Predicate{Op: market.OpGT, Threshold: big.NewInt(42_000_00), ValueDecimals: 2}

	coarse := mv(42_001, 0)   // 42001
	fine := mv(42_001_000, 3) // 42001.000

	a, err := Evaluate(coarse, pred)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Evaluate(fine, pred)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("scale changed the outcome: %d vs %d", a, b)
	}
	if a != market.OutcomeYes {
		t.Errorf("42001 > 42000 should be YES, got %d", a)
	}
}

func TestEvaluateNegativeThreshold(t *testing.T) {
	pred := market.Predicate{Op: market.OpLT, Threshold: big.NewInt(-500), ValueDecimals: 2}
	got, err := Evaluate(mv(-6, 0), pred) // -6 < -5.00
	if err != nil {
		t.Fatal(err)
	}
	if got != market.OutcomeYes {
		t.Errorf("-6 < -5.00 should be YES, got %d", got)
	}
}

func TestEvaluateUnknownOp(t *testing.T) {
	pred := market.Predicate{Op: "BOGUS", Threshold: big.NewInt(1), ValueDecimals: 0}
	if _, err := Evaluate(mv(1, 0), pred); err == nil {
		t.Fatal("expected error for unknown op")
	}
}

func TestReduceSnapshotTakesLastSample(t *testing.T) {
	samples := []market.MetricValue{mv(10, 0), mv(20, 0), mv(30, 0)}
	got, err := Reduce(samples, market.Window{Kind: market.WindowSnapshotAt}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Value.Int64() != 30 {
		t.Errorf("snapshot should take the last sample, got %s", got.Value)
	}
}

func TestReduceEmpty(t *testing.T) {
	if _, err := Reduce(nil, market.Window{Kind: market.WindowSnapshotAt}, 0); err == nil {
		t.Fatal("expected error for empty samples")
	}
}

func TestReduceTimeAverage(t *testing.T) {
	// (10 + 20 + 31) / 3 = 20.333... -> 20.33 at 2 decimals
	samples := []market.MetricValue{mv(10, 0), mv(20, 0), mv(31, 0)}
	got, err := Reduce(samples, market.Window{Kind: market.WindowTimeAverage}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got.Value.Int64() != 2033 || got.Decimals != 2 {
		t.Errorf("got %s at %d decimals, want 2033 at 2", got.Value, got.Decimals)
	}
}

func TestReduceTimeAverageMixedScales(t *testing.T) {
	// 1.5 (1dp) and 250 (2dp, = 2.50) average to 2.00
	samples := []market.MetricValue{mv(15, 1), mv(250, 2)}
	got, err := Reduce(samples, market.Window{Kind: market.WindowTimeAverage}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got.Value.Int64() != 200 {
		t.Errorf("mean(1.5, 2.50) = %s at 2dp, want 200", got.Value)
	}
}

func TestReduceTimeAverageBankersRounding(t *testing.T) {
	tests := []struct {
		name    string
		samples []market.MetricValue
		want    int64
	}{
		// mean(1, 2) = 1.5 -> rounds to even 2 at 0 decimals
		{"half rounds to even up", []market.MetricValue{mv(1, 0), mv(2, 0)}, 2},
		// mean(2, 3) = 2.5 -> rounds to even 2 at 0 decimals
		{"half rounds to even down", []market.MetricValue{mv(2, 0), mv(3, 0)}, 2},
		// mean(-1, -2) = -1.5 -> even neighbor is -2
		{"negative half rounds to even", []market.MetricValue{mv(-1, 0), mv(-2, 0)}, -2},
	}
	for _, tc := range tests {
		got, err := Reduce(tc.samples, market.Window{Kind: market.WindowTimeAverage}, 0)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got.Value.Int64() != tc.want {
			t.Errorf("%s: got %s, want %d", tc.name, got.Value, tc.want)
		}
	}
}

func TestReduceExtremum(t *testing.T) {
	samples := []market.MetricValue{mv(50, 0), mv(900, 1), mv(70, 0)} // 50, 90.0, 70

	max, err := Reduce(samples, market.Window{Kind: market.WindowExtremum, Extremum: market.ExtremumMax}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if max.Value.Int64() != 900 || max.Decimals != 1 {
		t.Errorf("max: got %s at %ddp, want 900 at 1dp", max.Value, max.Decimals)
	}

	min, err := Reduce(samples, market.Window{Kind: market.WindowExtremum, Extremum: market.ExtremumMin}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if min.Value.Int64() != 50 {
		t.Errorf("min: got %s, want 50", min.Value)
	}

	// Empty extremum subfield defaults to max.
	def, err := Reduce(samples, market.Window{Kind: market.WindowExtremum}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if def.Value.Cmp(max.Value) != 0 {
		t.Errorf("default extremum should be max, got %s", def.Value)
	}
}

func TestCompare(t *testing.T) {
	if Compare(mv(100, 2), mv(1, 0)) != 0 {
		t.Error("1.00 should equal 1")
	}
	if Compare(mv(101, 2), mv(1, 0)) <= 0 {
		t.Error("1.01 should exceed 1")
	}
	if Compare(mv(-1, 0), mv(0, 0)) >= 0 {
		t.Error("-1 should be below 0")
	}
}

func TestRoundHalfEvenDiv(t *testing.T) {
	tests := []struct {
		num, den, want int64
	}{
		{7, 2, 4},   // 3.5 -> 4
		{5, 2, 2},   // 2.5 -> 2
		{-7, 2, -4}, // -3.5 -> -4
		{-5, 2, -2}, // -2.5 -> -2
		{10, 3, 3},  // 3.33 -> 3
		{11, 3, 4},  // 3.67 -> 4
		{6, 2, 3},   // exact
	}
	for _, tc := range tests {
		got := roundHalfEvenDiv(big.NewInt(tc.num), big.NewInt(tc.den))
		if got.Int64() != tc.want {
			t.Errorf("%d/%d: got %s, want %d", tc.num, tc.den, got, tc.want)
		}
	}
}

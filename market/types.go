// Package market holds the shared domain types for parimutuel prediction
// markets: subjects, observation windows, predicates and metric values.
package market

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SubjectKind identifies what a market measures.
type SubjectKind string

const (
	SubjectHLMetric   SubjectKind = "HL_METRIC"
	SubjectTokenPrice SubjectKind = "TOKEN_PRICE"
	SubjectGeneric    SubjectKind = "GENERIC"
)

// Subject describes the thing being measured. Exactly one of the
// kind-specific fields is meaningful for a given Kind.
type Subject struct {
	Kind SubjectKind `json:"kind"`

	// HL_METRIC
	MetricID string `json:"metric_id,omitempty"`

	// TOKEN_PRICE
	Token         string `json:"token,omitempty"`
	TokenDecimals uint8  `json:"token_decimals,omitempty"`

	// GENERIC
	SourceID string `json:"source_id,omitempty"`
}

// Key returns a stable identifier for the subject, used in data hashes
// and log lines.
func (s Subject) Key() string {
	switch s.Kind {
	case SubjectHLMetric:
		return fmt.Sprintf("hl:%s", s.MetricID)
	case SubjectTokenPrice:
		return fmt.Sprintf("token:%s", s.Token)
	case SubjectGeneric:
		return fmt.Sprintf("generic:%s", s.SourceID)
	default:
		return string(s.Kind)
	}
}

// PredicateOp is a boolean comparison operator.
type PredicateOp string

const (
	OpGT  PredicateOp = "GT"
	OpGTE PredicateOp = "GTE"
	OpLT  PredicateOp = "LT"
	OpLTE PredicateOp = "LTE"
	OpEQ  PredicateOp = "EQ"
	OpNEQ PredicateOp = "NEQ"
)

// Predicate is the comparison a market applies to the observed metric.
// Threshold is a fixed-point integer scaled by 10^ValueDecimals.
type Predicate struct {
	Op            PredicateOp `json:"op"`
	Threshold     *big.Int    `json:"threshold"`
	ValueDecimals uint8       `json:"value_decimals"`
}

// WindowKind selects how raw observations are reduced to a single scalar.
type WindowKind string

const (
	WindowSnapshotAt  WindowKind = "SNAPSHOT_AT"
	WindowTimeAverage WindowKind = "TIME_AVERAGE"
	WindowExtremum    WindowKind = "EXTREMUM"
)

// Extremum subtypes for WindowExtremum. Empty defaults to max.
const (
	ExtremumMax = "max"
	ExtremumMin = "min"
)

// Window is the time span over which the subject is observed.
type Window struct {
	Kind     WindowKind `json:"kind"`
	TStart   time.Time  `json:"t_start"`
	TEnd     time.Time  `json:"t_end"`
	Extremum string     `json:"extremum,omitempty"`
}

// Outcome values match the on-chain convention.
const (
	OutcomeNo  uint8 = 0
	OutcomeYes uint8 = 1
)

// Params is the full read-only view of a market contract as the runner
// sees it through the chain adapter.
type Params struct {
	Address          common.Address
	Title            string
	Subject          Subject
	Predicate        Predicate
	Window           Window
	PrimarySource    string
	FallbackSource   string
	RoundingDecimals uint8
	CutoffTime       time.Time
	ResolveTime      time.Time
	Resolved         bool
	Cancelled        bool
	WinningOutcome   uint8
}

// MetricValue is one observation from a data source. Value is a fixed-point
// integer scaled by 10^Decimals; two values compare as the rationals
// value*10^-decimals.
type MetricValue struct {
	Value      *big.Int
	Decimals   uint8
	ObservedAt time.Time
	SourceID   string
}

// Rescale returns the value scaled to the given number of decimals.
// Scaling up is exact; scaling down truncates toward zero and is only
// used when the caller accepts that loss.
func (m MetricValue) Rescale(decimals uint8) *big.Int {
	if m.Decimals == decimals {
		return new(big.Int).Set(m.Value)
	}
	if decimals > m.Decimals {
		mul := Pow10(int(decimals - m.Decimals))
		return new(big.Int).Mul(m.Value, mul)
	}
	div := Pow10(int(m.Decimals - decimals))
	return new(big.Int).Quo(m.Value, div)
}

// Pow10 returns 10^n as a big.Int.
func Pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

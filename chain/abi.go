package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// ABI fragments for the three contracts the runner touches. Only the call
// shapes the runner uses are declared.

const marketABIJSON = `[
	{"type":"function","name":"params","stateMutability":"view","inputs":[],"outputs":[
		{"name":"title","type":"string"},
		{"name":"subjectKind","type":"uint8"},
		{"name":"subjectData","type":"bytes32"},
		{"name":"predicateOp","type":"uint8"},
		{"name":"threshold","type":"int256"},
		{"name":"valueDecimals","type":"uint8"},
		{"name":"windowKind","type":"uint8"},
		{"name":"tStart","type":"uint64"},
		{"name":"tEnd","type":"uint64"},
		{"name":"extremum","type":"uint8"},
		{"name":"primarySource","type":"bytes32"},
		{"name":"fallbackSource","type":"bytes32"},
		{"name":"roundingDecimals","type":"uint8"},
		{"name":"cutoffTime","type":"uint64"},
		{"name":"resolveTime","type":"uint64"}]},
	{"type":"function","name":"resolved","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"cancelled","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"winningOutcome","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

const oracleABIJSON = `[
	{"type":"function","name":"commit","stateMutability":"nonpayable","inputs":[
		{"name":"market","type":"address"},
		{"name":"outcome","type":"uint8"},
		{"name":"dataHash","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"finalize","stateMutability":"nonpayable","inputs":[
		{"name":"market","type":"address"}],"outputs":[]},
	{"type":"function","name":"pendingResolution","stateMutability":"view","inputs":[
		{"name":"market","type":"address"}],"outputs":[
		{"name":"committed","type":"bool"},
		{"name":"outcome","type":"uint8"},
		{"name":"commitTime","type":"uint64"}]},
	{"type":"function","name":"disputeWindow","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint64"}]}
]`

const factoryABIJSON = `[
	{"type":"event","name":"MarketCreated","inputs":[
		{"name":"market","type":"address","indexed":true},
		{"name":"creator","type":"address","indexed":true},
		{"name":"subject","type":"bytes32","indexed":false},
		{"name":"predicate","type":"bytes32","indexed":false},
		{"name":"windowSpec","type":"bytes32","indexed":false},
		{"name":"isProtocolMarket","type":"bool","indexed":false}]}
]`

var (
	marketABI  = mustParseABI(marketABIJSON)
	oracleABI  = mustParseABI(oracleABIJSON)
	factoryABI = mustParseABI(factoryABIJSON)

	// MarketCreatedTopic is the topic0 of the factory's MarketCreated event.
	MarketCreatedTopic = crypto.Keccak256Hash(
		[]byte("MarketCreated(address,address,bytes32,bytes32,bytes32,bool)"))
)

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic("chain: invalid ABI: " + err.Error())
	}
	return parsed
}

// bytes32String decodes a right-padded ASCII bytes32 field.
func bytes32String(b [32]byte) string {
	return strings.TrimRight(string(b[:]), "\x00")
}

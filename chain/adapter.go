// Package chain is the runner's only gateway to the blockchain: read-only
// market/oracle views, the MarketCreated log feed, and the signed
// commit/finalize writes. All outgoing transactions are serialized through
// a single writer lane so the resolver key never races its own nonce.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/hypermarkets/oracle-runner/market"
	"github.com/hypermarkets/oracle-runner/observability"
	"github.com/hypermarkets/oracle-runner/resilience"
)

// PendingResolution mirrors the oracle's per-market commit state.
type PendingResolution struct {
	Committed  bool
	Outcome    uint8
	CommitTime time.Time
}

// MarketCreatedEvent is one decoded factory log.
type MarketCreatedEvent struct {
	Market           common.Address
	Creator          common.Address
	Subject          [32]byte
	Predicate        [32]byte
	WindowSpec       [32]byte
	IsProtocolMarket bool
	BlockNumber      uint64
}

// Config wires the adapter to one chain deployment.
type Config struct {
	RPCURL        string
	PrivateKey    string // hex, no 0x prefix required
	OracleAddress common.Address
	FactoryAddr   common.Address
	GasMultiplier float64 // safety factor on gas estimates, default 1.2
	RPCTimeout    time.Duration
}

// Adapter talks to the oracle and factory contracts over one RPC client.
type Adapter struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int

	oracle  common.Address
	factory common.Address

	gasMultiplier float64
	rpcTimeout    time.Duration

	// writeMu is the single submission lane: one signed transaction in
	// flight at a time, nonce read fresh under the lock.
	writeMu sync.Mutex
}

func Dial(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.GasMultiplier <= 0 {
		cfg.GasMultiplier = 1.2
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 30 * time.Second
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse resolver key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("read chain id: %w", err)
	}

	a := &Adapter{
		client:        client,
		key:           key,
		from:          crypto.PubkeyToAddress(key.PublicKey),
		chainID:       chainID,
		oracle:        cfg.OracleAddress,
		factory:       cfg.FactoryAddr,
		gasMultiplier: cfg.GasMultiplier,
		rpcTimeout:    cfg.RPCTimeout,
	}
	log.Printf("[CHAIN] connected to chain %s as resolver %s", chainID, a.from.Hex())
	return a, nil
}

func (a *Adapter) Close() { a.client.Close() }

// ResolverAddress returns the address of the signing key.
func (a *Adapter) ResolverAddress() common.Address { return a.from }

// --- Reads ---

func (a *Adapter) call(ctx context.Context, to common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, resilience.Permanentf("pack %s: %v", method, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()
	out, err := a.client.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		observability.ChainCalls.WithLabelValues(method, "error").Inc()
		return nil, classify(err)
	}
	observability.ChainCalls.WithLabelValues(method, "ok").Inc()
	vals, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, resilience.Permanentf("unpack %s: %v", method, err)
	}
	return vals, nil
}

// GetMarketParams reads the market's full parameter set plus its terminal
// flags.
func (a *Adapter) GetMarketParams(ctx context.Context, addr common.Address) (*market.Params, error) {
	vals, err := a.call(ctx, addr, marketABI, "params")
	if err != nil {
		return nil, err
	}
	if len(vals) != 15 {
		return nil, resilience.Permanentf("market %s: params returned %d values", addr.Hex(), len(vals))
	}

	p := &market.Params{Address: addr}
	p.Title = vals[0].(string)
	p.Subject = decodeSubject(vals[1].(uint8), vals[2].([32]byte))
	p.Predicate = market.Predicate{
		Op:            decodeOp(vals[3].(uint8)),
		Threshold:     vals[4].(*big.Int),
		ValueDecimals: vals[5].(uint8),
	}
	p.Window = market.Window{
		Kind:     decodeWindowKind(vals[6].(uint8)),
		TStart:   time.Unix(int64(vals[7].(uint64)), 0),
		TEnd:     time.Unix(int64(vals[8].(uint64)), 0),
		Extremum: decodeExtremum(vals[9].(uint8)),
	}
	p.PrimarySource = bytes32String(vals[10].([32]byte))
	p.FallbackSource = bytes32String(vals[11].([32]byte))
	p.RoundingDecimals = vals[12].(uint8)
	p.CutoffTime = time.Unix(int64(vals[13].(uint64)), 0)
	p.ResolveTime = time.Unix(int64(vals[14].(uint64)), 0)

	if p.Resolved, err = a.IsResolved(ctx, addr); err != nil {
		return nil, err
	}
	cvals, err := a.call(ctx, addr, marketABI, "cancelled")
	if err != nil {
		return nil, err
	}
	p.Cancelled = cvals[0].(bool)

	if p.Resolved {
		wvals, err := a.call(ctx, addr, marketABI, "winningOutcome")
		if err != nil {
			return nil, err
		}
		p.WinningOutcome = wvals[0].(uint8)
	}
	return p, nil
}

func (a *Adapter) IsResolved(ctx context.Context, addr common.Address) (bool, error) {
	vals, err := a.call(ctx, addr, marketABI, "resolved")
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

func (a *Adapter) GetPendingResolution(ctx context.Context, addr common.Address) (*PendingResolution, error) {
	vals, err := a.call(ctx, a.oracle, oracleABI, "pendingResolution", addr)
	if err != nil {
		return nil, err
	}
	p := &PendingResolution{
		Committed: vals[0].(bool),
		Outcome:   vals[1].(uint8),
	}
	if secs := vals[2].(uint64); secs > 0 {
		p.CommitTime = time.Unix(int64(secs), 0)
	}
	return p, nil
}

func (a *Adapter) GetDisputeWindowSeconds(ctx context.Context) (uint64, error) {
	vals, err := a.call(ctx, a.oracle, oracleABI, "disputeWindow")
	if err != nil {
		return 0, err
	}
	return vals[0].(uint64), nil
}

// --- Event feed ---

// LatestBlock returns the current head height.
func (a *Adapter) LatestBlock(ctx context.Context) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()
	n, err := a.client.BlockNumber(callCtx)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// FilterMarketCreated fetches historical MarketCreated logs in [from, to].
func (a *Adapter) FilterMarketCreated(ctx context.Context, from, to uint64) ([]MarketCreatedEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{a.factory},
		Topics:    [][]common.Hash{{MarketCreatedTopic}},
	}
	logs, err := a.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, classify(err)
	}
	events := make([]MarketCreatedEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := decodeMarketCreated(lg)
		if err != nil {
			log.Printf("[CHAIN] skipping undecodable MarketCreated log in block %d: %v", lg.BlockNumber, err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// SubscribeMarketCreated streams decoded MarketCreated events into out
// until the subscription drops or ctx is cancelled.
func (a *Adapter) SubscribeMarketCreated(ctx context.Context, out chan<- MarketCreatedEvent) (ethereum.Subscription, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{a.factory},
		Topics:    [][]common.Hash{{MarketCreatedTopic}},
	}
	raw := make(chan types.Log, 64)
	sub, err := a.client.SubscribeFilterLogs(ctx, query, raw)
	if err != nil {
		return nil, classify(err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case lg, ok := <-raw:
				if !ok {
					return
				}
				ev, err := decodeMarketCreated(lg)
				if err != nil {
					log.Printf("[CHAIN] skipping undecodable MarketCreated log: %v", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

func decodeMarketCreated(lg types.Log) (MarketCreatedEvent, error) {
	if len(lg.Topics) < 3 {
		return MarketCreatedEvent{}, fmt.Errorf("expected 3 topics, got %d", len(lg.Topics))
	}
	vals, err := factoryABI.Events["MarketCreated"].Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return MarketCreatedEvent{}, err
	}
	return MarketCreatedEvent{
		Market:           common.BytesToAddress(lg.Topics[1].Bytes()),
		Creator:          common.BytesToAddress(lg.Topics[2].Bytes()),
		Subject:          vals[0].([32]byte),
		Predicate:        vals[1].([32]byte),
		WindowSpec:       vals[2].([32]byte),
		IsProtocolMarket: vals[3].(bool),
		BlockNumber:      lg.BlockNumber,
	}, nil
}

// --- Writes ---

// CommitResolution submits the committed outcome. dataHash binds the raw
// fetched data, fetcher names and observation times to the outcome.
func (a *Adapter) CommitResolution(ctx context.Context, addr common.Address, outcome uint8, dataHash [32]byte) (string, error) {
	return a.submit(ctx, "commit", addr, outcome, dataHash)
}

// FinalizeResolution makes a committed outcome irrevocable. The contract
// enforces the dispute window; callers check it first to avoid burning gas.
func (a *Adapter) FinalizeResolution(ctx context.Context, addr common.Address) (string, error) {
	return a.submit(ctx, "finalize", addr)
}

func (a *Adapter) submit(ctx context.Context, method string, args ...interface{}) (string, error) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	data, err := oracleABI.Pack(method, args...)
	if err != nil {
		return "", resilience.Permanentf("pack %s: %v", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.rpcTimeout)
	defer cancel()

	nonce, err := a.client.PendingNonceAt(callCtx, a.from)
	if err != nil {
		observability.ChainCalls.WithLabelValues(method, "transient").Inc()
		return "", classify(err)
	}
	gasPrice, err := a.client.SuggestGasPrice(callCtx)
	if err != nil {
		observability.ChainCalls.WithLabelValues(method, "transient").Inc()
		return "", classify(err)
	}

	estimate, err := a.client.EstimateGas(callCtx, ethereum.CallMsg{
		From: a.from,
		To:   &a.oracle,
		Data: data,
	})
	if err != nil {
		// Estimation executes the call, so contract rejections surface here.
		cerr := classify(err)
		result := "permanent"
		if resilience.IsTransient(cerr) {
			result = "transient"
		}
		observability.ChainCalls.WithLabelValues(method, result).Inc()
		return "", cerr
	}
	observability.ChainGasEstimate.Observe(float64(estimate))
	gasLimit := uint64(float64(estimate) * a.gasMultiplier)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &a.oracle,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.chainID), a.key)
	if err != nil {
		return "", resilience.Permanentf("sign %s: %v", method, err)
	}
	if err := a.client.SendTransaction(callCtx, signed); err != nil {
		observability.ChainCalls.WithLabelValues(method, "transient").Inc()
		return "", classify(err)
	}

	txHash := signed.Hash()
	log.Printf("[CHAIN] sent %s tx %s (nonce %d, gas %d)", method, txHash.Hex(), nonce, gasLimit)

	if err := a.waitMined(ctx, txHash); err != nil {
		result := "permanent"
		if resilience.IsTransient(err) {
			result = "transient"
		}
		observability.ChainCalls.WithLabelValues(method, result).Inc()
		return txHash.Hex(), err
	}
	observability.ChainCalls.WithLabelValues(method, "ok").Inc()
	return txHash.Hex(), nil
}

// waitMined polls for the receipt until ctx expires.
func (a *Adapter) waitMined(ctx context.Context, txHash common.Hash) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		receipt, err := a.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return resilience.Permanentf("tx %s reverted on-chain", txHash.Hex())
			}
			return nil
		}
		if err != ethereum.NotFound {
			return classify(err)
		}
		select {
		case <-ctx.Done():
			return resilience.Transientf("tx %s not mined before deadline", txHash.Hex())
		case <-ticker.C:
		}
	}
}

// --- Decoding helpers ---

func decodeSubject(kind uint8, data [32]byte) market.Subject {
	s := bytes32String(data)
	switch kind {
	case 1:
		return market.Subject{Kind: market.SubjectTokenPrice, Token: s, TokenDecimals: 8}
	case 2:
		return market.Subject{Kind: market.SubjectGeneric, SourceID: s}
	default:
		return market.Subject{Kind: market.SubjectHLMetric, MetricID: s}
	}
}

func decodeOp(op uint8) market.PredicateOp {
	switch op {
	case 0:
		return market.OpGT
	case 1:
		return market.OpGTE
	case 2:
		return market.OpLT
	case 3:
		return market.OpLTE
	case 4:
		return market.OpEQ
	default:
		return market.OpNEQ
	}
}

func decodeWindowKind(k uint8) market.WindowKind {
	switch k {
	case 1:
		return market.WindowTimeAverage
	case 2:
		return market.WindowExtremum
	default:
		return market.WindowSnapshotAt
	}
}

func decodeExtremum(e uint8) string {
	if e == 1 {
		return market.ExtremumMin
	}
	return market.ExtremumMax
}

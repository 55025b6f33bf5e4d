// Package collector implements the Collector (C3): the per-chain,
// per-poll-tick routine that resolves chain identity, block heights,
// account balances, and contract state, publishing everything through the
// Metric Registry in the strict step order the component's contract
// requires.
package collector

import (
	"context"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chalabi2/evm-chain-exporter/internal/chainstate"
	"github.com/chalabi2/evm-chain-exporter/internal/chunker"
	"github.com/chalabi2/evm-chain-exporter/internal/config"
	"github.com/chalabi2/evm-chain-exporter/internal/metrics"
	"github.com/chalabi2/evm-chain-exporter/internal/rpcerr"
)

// RPCClient is the capability set the Collector needs from C1, kept as an
// interface per §9 ("any implementation providing them... is a valid
// collaborator, including in-memory fakes for testing").
type RPCClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FinalizedBlockNumber(ctx context.Context) (uint64, bool, error)
	BalanceAt(ctx context.Context, address common.Address) (*big.Int, error)
	CodeAt(ctx context.Context, address common.Address) ([]byte, error)
	Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
}

// Result is the Collector's verdict for one tick, consumed by the Poll
// Loop (C8) to drive ChainRuntimeState's failure counters and backoff.
type Result struct {
	Success   bool
	ErrorKind string
}

// Collector runs poll ticks for any number of chains, sharing a
// classification cache and chunker across them (both are keyed by chain so
// there's no cross-chain leakage).
type Collector struct {
	metrics    *metrics.Registry
	chunker    *chunker.Chunker
	classifier *ClassificationCache
	valueErrs  *valueErrCache
	logger     *zap.Logger
}

// New builds a Collector.
func New(reg *metrics.Registry, chunk *chunker.Chunker, logger *zap.Logger) *Collector {
	return &Collector{
		metrics:    reg,
		chunker:    chunk,
		classifier: NewClassificationCache(),
		valueErrs:  newValueErrCache(),
		logger:     logger,
	}
}

// ForgetChain drops per-chain collector state (contract classifications,
// value-error suppression) on chain removal, mirroring the metric
// registry's own PruneChain.
func (c *Collector) ForgetChain(chain string) {
	c.classifier.Forget(chain)
	c.valueErrs.Forget(chain)
}

// prunableFamilies are the per-entity series families a replace-in-place
// reload can make obsolete (a removed account or contract). Chain-level and
// poll-bookkeeping families are excluded: they're rewritten every tick (poll
// success and timestamp at the very end of Collect, after the diff; backoff
// and consecutive failures by the poll loop once Collect returns), so
// diffing them against this tick's writes would prune them spuriously.
var prunableFamilies = map[string]struct{}{
	metrics.FamilyAccountBalanceWei:       {},
	metrics.FamilyContractEthBalanceWei:   {},
	metrics.FamilyContractTokenSupplyRaw:  {},
	metrics.FamilyContractTokenSupplyNorm: {},
	metrics.FamilyContractNFTTotalSupply:  {},
	metrics.FamilyContractAccountBalance:  {},
	metrics.FamilyContractTransferWindow:  {},
}

// Collect runs the five ordered steps of §4.3 for one chain's poll tick.
func (c *Collector) Collect(ctx context.Context, client RPCClient, spec config.ChainSpec, state *chainstate.State) Result {
	log := c.logger.With(zap.String("chain", spec.Name))
	failed := false
	var lastErrorKind string

	fail := func(op string, err error) {
		failed = true
		category := rpcerr.CategoryOf(err)
		lastErrorKind = string(category)
		c.logStepError(log, spec.Name, "", op, err, category)
	}
	// failFor scopes fail to one contract, so a "value" category error
	// (ABI decode/unpack failure) is deduplicated per (chain, contract,
	// operation) rather than logged on every tick (§7).
	failFor := func(contractName string) func(op string, err error) {
		return func(op string, err error) {
			failed = true
			category := rpcerr.CategoryOf(err)
			lastErrorKind = string(category)
			c.logStepError(log, spec.Name, contractName, op, err, category)
		}
	}

	// Snapshot of every prunable series live for this chain before the
	// tick, diffed at the end against what the tick actually rewrites so a
	// replace-in-place that drops an account or contract prunes its now-
	// obsolete series (§4.9) instead of leaving it stale forever.
	before := make(map[string]metrics.LiveSeriesEntry)
	for key, entry := range c.metrics.LiveSeries(spec.Name) {
		if _, ok := prunableFamilies[entry.Family]; ok {
			before[key] = entry
		}
	}
	rewritten := make(map[string]struct{}, len(before))
	mark := func(keys ...string) {
		for _, k := range keys {
			rewritten[k] = struct{}{}
		}
	}

	// Step 1: chain_id — a failure here is fatal for the whole tick.
	chainID, err := client.ChainID(ctx)
	if err != nil {
		fail("chain_id", err)
		return Result{Success: false, ErrorKind: lastErrorKind}
	}
	chainIDStr := chainID.String()
	if state.ChainIDChanged(chainIDStr) {
		c.metrics.PruneChain(spec.Name)
		c.classifier.Forget(spec.Name)
		before = nil // everything was just pruned; nothing left to diff
		log.Info("chain_id changed, pruned prior series", zap.String("new_chain_id", chainIDStr))
	}
	state.SetChainID(chainIDStr)

	// Step 2: block heights.
	var latest uint64
	haveLatest := false
	if n, err := client.LatestBlockNumber(ctx); err != nil {
		fail("block_number_latest", err)
	} else {
		latest = n
		haveLatest = true
		c.metrics.SetChainLatestBlock(spec.Name, chainIDStr, float64(n))
	}

	if finalized, ok, err := client.FinalizedBlockNumber(ctx); err != nil {
		fail("block_number_finalized", err)
		c.metrics.SetChainFinalizedBlock(spec.Name, chainIDStr, 0, true)
	} else if !ok {
		c.metrics.SetChainFinalizedBlock(spec.Name, chainIDStr, 0, true)
	} else {
		c.metrics.SetChainFinalizedBlock(spec.Name, chainIDStr, float64(finalized), false)
	}

	// Step 3: accounts.
	for _, acct := range spec.Accounts {
		bal, err := client.BalanceAt(ctx, acct.Address)
		if err != nil {
			fail("balance", err)
			continue
		}
		mark(c.metrics.SetAccountBalance(spec.Name, acct.Name, acct.RawAddr, weiToFloat(bal)))
	}

	// Step 4: contracts.
	for _, contract := range spec.Contracts {
		c.collectContract(ctx, client, spec, contract, chainIDStr, latest, haveLatest, failFor(contract.Name), mark)
	}

	// Step 5: success bookkeeping, then prune anything left over from
	// before the tick that nothing rewrote.
	if !failed {
		if before != nil {
			c.metrics.PruneObsolete(spec.Name, before, rewritten)
		}
		c.metrics.SetPollSuccess(spec.Name, true)
		c.metrics.SetPollTimestamp(spec.Name, float64(time.Now().Unix()))
		return Result{Success: true}
	}
	c.metrics.SetPollSuccess(spec.Name, false)
	return Result{Success: false, ErrorKind: lastErrorKind}
}

func (c *Collector) collectContract(
	ctx context.Context,
	client RPCClient,
	spec config.ChainSpec,
	contract config.ContractSpec,
	chainIDStr string,
	latest uint64,
	haveLatest bool,
	fail func(op string, err error),
	mark func(keys ...string),
) {
	kind := c.classify(ctx, client, spec.Name, contract, fail)

	if bal, err := client.BalanceAt(ctx, contract.Address); err != nil {
		fail("contract_balance", err)
	} else {
		mark(c.metrics.SetContractEthBalance(spec.Name, contract.Name, contract.RawAddr, weiToFloat(bal)))
	}

	switch kind {
	case KindERC20:
		c.collectERC20(ctx, client, spec, contract, fail, mark)
	case KindERC721:
		c.collectERC721(ctx, client, spec, contract, fail, mark)
	}

	lookback := spec.EffectiveTransferLookback(contract)
	if lookback == 0 || !haveLatest {
		return
	}
	from := uint64(0)
	if latest > lookback {
		from = latest - lookback
	}

	key := spec.Name + "/" + contract.RawAddr
	query := ethereum.FilterQuery{
		Addresses: []common.Address{contract.Address},
		Topics:    [][]common.Hash{{TransferTopic}},
	}
	logs, err := c.chunker.Fetch(ctx, client, key, query, from, latest)
	if err != nil {
		fail("logs", err)
		return
	}
	mark(c.metrics.SetContractTransferWindow(spec.Name, contract.Name, contract.RawAddr, float64(len(logs))))
}

func (c *Collector) classify(ctx context.Context, client RPCClient, chain string, contract config.ContractSpec, fail func(op string, err error)) ContractKind {
	if kind, ok := c.classifier.Get(chain, contract.RawAddr); ok {
		return kind
	}

	code, err := client.CodeAt(ctx, contract.Address)
	if err != nil {
		fail("code", err)
		return KindUnknown
	}
	if len(code) == 0 {
		c.classifier.Set(chain, contract.RawAddr, KindUnknown)
		return KindUnknown
	}

	if out, err := client.Call(ctx, ethereum.CallMsg{To: &contract.Address, Data: selDecimals}); err == nil && len(out) >= 32 {
		c.classifier.Set(chain, contract.RawAddr, KindERC20)
		return KindERC20
	}

	if out, err := client.Call(ctx, ethereum.CallMsg{To: &contract.Address, Data: callDataSupportsInterface(ifaceERC721)}); err == nil {
		if supported, uerr := unpackBool(out); uerr == nil && supported {
			c.classifier.Set(chain, contract.RawAddr, KindERC721)
			return KindERC721
		}
	}

	c.classifier.Set(chain, contract.RawAddr, KindUnknown)
	return KindUnknown
}

func (c *Collector) collectERC20(ctx context.Context, client RPCClient, spec config.ChainSpec, contract config.ContractSpec, fail func(op string, err error), mark func(keys ...string)) {
	raw, err := client.Call(ctx, ethereum.CallMsg{To: &contract.Address, Data: selTotalSupply})
	var supply *big.Int
	if err != nil {
		fail("total_supply", err)
		supply = big.NewInt(0)
	} else if supply, err = unpackUint256(raw); err != nil {
		fail("total_supply", err)
		supply = big.NewInt(0)
	}

	decimals := uint8(18)
	if raw, err := client.Call(ctx, ethereum.CallMsg{To: &contract.Address, Data: selDecimals}); err == nil {
		if d, derr := unpackUint8(raw); derr == nil {
			decimals = d
		}
	}
	// A decimals() revert falls back to 18 per the EVM-ecosystem convention
	// (§8 boundary behaviour); the raw supply is still published regardless.

	normalized := normalize(supply, decimals)
	keys := c.metrics.SetContractTokenSupply(spec.Name, contract.Name, contract.RawAddr, bigToFloat(supply), normalized)
	mark(keys[:]...)

	for _, holder := range contract.Accounts {
		out, err := client.Call(ctx, ethereum.CallMsg{To: &contract.Address, Data: callDataBalanceOf(holder.Address)})
		if err != nil {
			fail("balance_of", err)
			continue
		}
		bal, err := unpackUint256(out)
		if err != nil {
			fail("balance_of", err)
			continue
		}
		mark(c.metrics.SetContractAccountBalance(spec.Name, contract.Name, holder.Name, holder.RawAddr, bigToFloat(bal)))
	}
}

func (c *Collector) collectERC721(ctx context.Context, client RPCClient, spec config.ChainSpec, contract config.ContractSpec, fail func(op string, err error), mark func(keys ...string)) {
	if raw, err := client.Call(ctx, ethereum.CallMsg{To: &contract.Address, Data: selTotalSupply}); err == nil {
		if supply, err := unpackUint256(raw); err == nil {
			mark(c.metrics.SetContractNFTTotalSupply(spec.Name, contract.Name, contract.RawAddr, bigToFloat(supply)))
		}
	}
	// No else: an ERC-721 without totalSupply simply omits the gauge, per
	// §4.3 step 4d — this is not a failed step.

	for _, holder := range contract.Accounts {
		if len(holder.TokenIDs) == 0 {
			out, err := client.Call(ctx, ethereum.CallMsg{To: &contract.Address, Data: callDataBalanceOf(holder.Address)})
			if err != nil {
				fail("balance_of", err)
				continue
			}
			bal, err := unpackUint256(out)
			if err != nil {
				fail("balance_of", err)
				continue
			}
			mark(c.metrics.SetContractAccountBalance(spec.Name, contract.Name, holder.Name, holder.RawAddr, bigToFloat(bal)))
			continue
		}

		owned := 0
		for _, idStr := range holder.TokenIDs {
			id, ok := new(big.Int).SetString(idStr, 10)
			if !ok {
				continue
			}
			out, err := client.Call(ctx, ethereum.CallMsg{To: &contract.Address, Data: callDataOwnerOf(id)})
			if err != nil {
				fail("owner_of", err)
				continue
			}
			owner, err := unpackAddress(out)
			if err != nil {
				fail("owner_of", err)
				continue
			}
			if owner == holder.Address {
				owned++
			}
		}
		mark(c.metrics.SetContractAccountBalance(spec.Name, contract.Name, holder.Name, holder.RawAddr, float64(owned)))
	}
}

// logStepError logs one failed collector step. A "value" category error
// scoped to a contract (an ABI decode/unpack failure, e.g. a non-conforming
// balanceOf return) is logged once per (chain, contract, operation) and
// suppressed after (§7); everything else — transient RPC/connection/timeout
// errors, and any error with no contract to scope it to — logs every time,
// since those already carry their own backoff/retry signal.
func (c *Collector) logStepError(log *zap.Logger, chain, contract, op string, err error, category rpcerr.Category) {
	if category != rpcerr.Value || contract == "" {
		log.Debug("collector step failed", zap.String("operation", op), zap.Error(err))
		return
	}
	if c.valueErrs.MarkSeen(chain, contract, op) {
		return
	}
	log.Warn("collector step failed with a value error, further occurrences for this contract/operation are suppressed",
		zap.String("contract", contract), zap.String("operation", op), zap.Error(err))
}

func weiToFloat(wei *big.Int) float64 {
	f := new(big.Float).SetInt(wei)
	v, _ := f.Float64()
	return v
}

func bigToFloat(n *big.Int) float64 {
	f := new(big.Float).SetInt(n)
	v, _ := f.Float64()
	return v
}

func normalize(raw *big.Int, decimals uint8) float64 {
	divisor := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	result := new(big.Float).Quo(new(big.Float).SetInt(raw), divisor)
	v, _ := result.Float64()
	return v
}

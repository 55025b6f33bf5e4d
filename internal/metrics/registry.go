// Package metrics holds the exporter's Prometheus metric registry: four
// bundles of typed families (exporter, chain, account, contract) registered
// against a single collector registry, plus the per-chain label caches that
// make pruning on reload or chain-id change O(k) in the live series rather
// than O(n) across the whole registry.
package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Family names, used both as the Prometheus metric name and as the key into
// the label cache.
const (
	FamilyUp                       = "up"
	FamilyConfiguredBlockchains    = "configured_blockchains"
	FamilyChainLatestBlock         = "chain_latest_block"
	FamilyChainFinalizedBlock      = "chain_finalized_block"
	FamilyChainFinalizedStale      = "chain_finalized_stale"
	FamilyPollSuccess              = "blockchain_poll_success"
	FamilyPollDurationSeconds      = "blockchain_poll_duration_seconds"
	FamilyPollTimestamp            = "blockchain_poll_timestamp_seconds"
	FamilyBackoffSeconds           = "blockchain_backoff_seconds"
	FamilyConsecutiveFailures      = "blockchain_consecutive_failures"
	FamilyAccountBalanceWei        = "account_balance_wei"
	FamilyContractEthBalanceWei    = "contract_eth_balance_wei"
	FamilyContractTokenSupplyRaw   = "contract_token_supply_raw"
	FamilyContractTokenSupplyNorm  = "contract_token_supply_normalized"
	FamilyContractNFTTotalSupply  = "contract_nft_total_supply"
	FamilyContractAccountBalance   = "contract_account_token_balance"
	FamilyContractTransferWindow   = "contract_transfer_count_window"
	FamilyRPCCallDurationSeconds   = "rpc_call_duration_seconds"
	FamilyRPCCallErrorsTotal       = "rpc_call_errors_total"
)

// vecDeleter is satisfied by GaugeVec/CounterVec/HistogramVec: anything with
// a single Delete(Labels) used to prune one series.
type vecDeleter interface {
	Delete(labels prometheus.Labels) bool
}

// cachedSeries is one (family, labelset) tuple currently published for a
// chain.
type cachedSeries struct {
	family string
	labels prometheus.Labels
}

// Registry is the exporter's Metric Registry (C5): typed families grouped
// into exporter/chain/account/contract bundles plus per-chain label caches.
type Registry struct {
	// Exporter bundle
	Up                    prometheus.Gauge
	ConfiguredBlockchains prometheus.Gauge

	// Chain bundle
	ChainLatestBlock    *prometheus.GaugeVec
	ChainFinalizedBlock *prometheus.GaugeVec
	ChainFinalizedStale *prometheus.GaugeVec
	PollSuccess         *prometheus.GaugeVec
	PollDurationSeconds *prometheus.HistogramVec
	PollTimestamp       *prometheus.GaugeVec
	BackoffSeconds      *prometheus.GaugeVec
	ConsecutiveFailures *prometheus.GaugeVec

	// Account bundle
	AccountBalanceWei *prometheus.GaugeVec

	// Contract bundle
	ContractEthBalanceWei    *prometheus.GaugeVec
	ContractTokenSupplyRaw   *prometheus.GaugeVec
	ContractTokenSupplyNorm  *prometheus.GaugeVec
	ContractNFTTotalSupply   *prometheus.GaugeVec
	ContractAccountBalance   *prometheus.GaugeVec
	ContractTransferWindow   *prometheus.GaugeVec

	// RPC Client bundle (C1)
	RPCCallDurationSeconds *prometheus.HistogramVec
	RPCCallErrorsTotal     *prometheus.CounterVec

	families map[string]vecDeleter

	mu         sync.Mutex
	labelCache map[string]map[string]cachedSeries // chain -> cache key -> series
}

// New builds an unregistered Registry.
func New() *Registry {
	r := &Registry{
		Up: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: FamilyUp,
			Help: "1 if the exporter process is alive.",
		}),
		ConfiguredBlockchains: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: FamilyConfiguredBlockchains,
			Help: "Number of chains currently configured.",
		}),
		ChainLatestBlock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: FamilyChainLatestBlock,
			Help: "Latest block height observed for the chain.",
		}, []string{"chain", "chain_id"}),
		ChainFinalizedBlock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: FamilyChainFinalizedBlock,
			Help: "Finalized block height observed for the chain, 0 if unavailable.",
		}, []string{"chain", "chain_id"}),
		ChainFinalizedStale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: FamilyChainFinalizedStale,
			Help: "1 if the chain has no finalized-block endpoint and the gauge above is a stale placeholder.",
		}, []string{"chain", "chain_id"}),
		PollSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: FamilyPollSuccess,
			Help: "1 if the most recent poll tick for the chain succeeded, else 0.",
		}, []string{"chain"}),
		PollDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    FamilyPollDurationSeconds,
			Help:    "Duration of a full Collector invocation for a chain.",
			Buckets: prometheus.DefBuckets,
		}, []string{"chain"}),
		PollTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: FamilyPollTimestamp,
			Help: "Epoch seconds of the last successful poll for the chain.",
		}, []string{"chain"}),
		BackoffSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: FamilyBackoffSeconds,
			Help: "Current backoff duration before the chain's next poll tick.",
		}, []string{"chain"}),
		ConsecutiveFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: FamilyConsecutiveFailures,
			Help: "Number of consecutive failed poll ticks for the chain.",
		}, []string{"chain"}),
		AccountBalanceWei: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: FamilyAccountBalanceWei,
			Help: "Native-token balance of a tracked account, in wei.",
		}, []string{"chain", "name", "address"}),
		ContractEthBalanceWei: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: FamilyContractEthBalanceWei,
			Help: "Native-token balance held by a tracked contract, in wei.",
		}, []string{"chain", "name", "address"}),
		ContractTokenSupplyRaw: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: FamilyContractTokenSupplyRaw,
			Help: "Raw ERC-20 total supply as returned by the contract.",
		}, []string{"chain", "name", "address"}),
		ContractTokenSupplyNorm: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: FamilyContractTokenSupplyNorm,
			Help: "ERC-20 total supply normalized by 10^decimals.",
		}, []string{"chain", "name", "address"}),
		ContractNFTTotalSupply: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: FamilyContractNFTTotalSupply,
			Help: "ERC-721 total supply, when the contract exposes totalSupply.",
		}, []string{"chain", "name", "address"}),
		ContractAccountBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: FamilyContractAccountBalance,
			Help: "Token balance of a tracked account against a tracked contract.",
		}, []string{"chain", "contract", "name", "address"}),
		ContractTransferWindow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: FamilyContractTransferWindow,
			Help: "Count of Transfer-topic logs over the configured lookback window.",
		}, []string{"chain", "name", "address"}),
		RPCCallDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    FamilyRPCCallDurationSeconds,
			Help:    "Duration of a single RPC Client call.",
			Buckets: prometheus.DefBuckets,
		}, []string{"chain", "operation"}),
		RPCCallErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: FamilyRPCCallErrorsTotal,
			Help: "Total RPC call errors by category.",
		}, []string{"chain", "operation", "category"}),

		labelCache: make(map[string]map[string]cachedSeries),
	}

	r.families = map[string]vecDeleter{
		FamilyChainLatestBlock:        r.ChainLatestBlock,
		FamilyChainFinalizedBlock:     r.ChainFinalizedBlock,
		FamilyChainFinalizedStale:     r.ChainFinalizedStale,
		FamilyPollSuccess:             r.PollSuccess,
		FamilyPollTimestamp:           r.PollTimestamp,
		FamilyBackoffSeconds:          r.BackoffSeconds,
		FamilyConsecutiveFailures:     r.ConsecutiveFailures,
		FamilyAccountBalanceWei:       r.AccountBalanceWei,
		FamilyContractEthBalanceWei:   r.ContractEthBalanceWei,
		FamilyContractTokenSupplyRaw:  r.ContractTokenSupplyRaw,
		FamilyContractTokenSupplyNorm: r.ContractTokenSupplyNorm,
		FamilyContractNFTTotalSupply:  r.ContractNFTTotalSupply,
		FamilyContractAccountBalance:  r.ContractAccountBalance,
		FamilyContractTransferWindow:  r.ContractTransferWindow,
		// Histograms are intentionally not pruned: per-chain latency history
		// has value even across a reload, and HistogramVec.Delete would
		// silently discard bucket/sum/count state that no invariant requires
		// removed.
	}

	return r
}

// Register registers every collector with reg, tolerating re-registration
// (AlreadyRegisteredError) the way the teacher's Metrics.Register does.
func (r *Registry) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		r.Up, r.ConfiguredBlockchains,
		r.ChainLatestBlock, r.ChainFinalizedBlock, r.ChainFinalizedStale,
		r.PollSuccess, r.PollDurationSeconds, r.PollTimestamp,
		r.BackoffSeconds, r.ConsecutiveFailures,
		r.AccountBalanceWei,
		r.ContractEthBalanceWei, r.ContractTokenSupplyRaw, r.ContractTokenSupplyNorm,
		r.ContractNFTTotalSupply, r.ContractAccountBalance, r.ContractTransferWindow,
		r.RPCCallDurationSeconds, r.RPCCallErrorsTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

func cacheKey(family string, labels prometheus.Labels) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := family
	for _, k := range keys {
		out += "|" + k + "=" + labels[k]
	}
	return out
}

// track records that (family, labels) is now live for chain, so it can later
// be pruned, and returns the cache key it was stored under so a caller (the
// Collector, diffing a tick's writes against LiveSeries) can track which
// series it rewrote.
func (r *Registry) track(chain, family string, labels prometheus.Labels) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.labelCache[chain]
	if !ok {
		set = make(map[string]cachedSeries)
		r.labelCache[chain] = set
	}
	key := cacheKey(family, labels)
	set[key] = cachedSeries{family: family, labels: labels}
	return key
}

// PruneChain deletes every series in chain's label cache and forgets it.
// Used on chain removal, on identity-bearing reload (rpc_url/name change),
// and — per the Collector's step 1 contract — whenever a chain's observed
// chain_id changes between polls.
func (r *Registry) PruneChain(chain string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.labelCache[chain]
	if !ok {
		return
	}
	for _, series := range set {
		if vec, ok := r.families[series.family]; ok {
			vec.Delete(series.labels)
		}
	}
	delete(r.labelCache, chain)
}

// PruneSeries deletes a single (family, labels) entry for chain, used by
// replace-in-place reload to drop series made obsolete by a spec change
// (e.g. a removed account) without disturbing the chain's other series.
func (r *Registry) PruneSeries(chain, family string, labels prometheus.Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.labelCache[chain]
	if !ok {
		return
	}
	key := cacheKey(family, labels)
	if _, ok := set[key]; !ok {
		return
	}
	if vec, ok := r.families[family]; ok {
		vec.Delete(labels)
	}
	delete(set, key)
}

// LiveSeriesEntry is one cached series: which family it belongs to (so a
// caller knows which vec to prune from) and its labelset.
type LiveSeriesEntry struct {
	Family string
	Labels prometheus.Labels
}

// PruneObsolete deletes every entry in before that rewritten does not
// contain — the series a chain's tick saw live going in but didn't rewrite,
// typically because the spec no longer names that account or contract
// (§4.9's "any series made obsolete by the new spec... is pruned on the
// next successful collect").
func (r *Registry) PruneObsolete(chain string, before map[string]LiveSeriesEntry, rewritten map[string]struct{}) {
	for key, entry := range before {
		if _, ok := rewritten[key]; ok {
			continue
		}
		r.PruneSeries(chain, entry.Family, entry.Labels)
	}
}

// LiveSeries returns a snapshot of the label cache for chain, keyed by cache
// key, for the Collector's "prune obsolete series on next successful
// collect" pass (§4.9): it diffs this snapshot against what it rewrites
// during the tick and prunes whatever is left over.
func (r *Registry) LiveSeries(chain string) map[string]LiveSeriesEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]LiveSeriesEntry, len(r.labelCache[chain]))
	for key, series := range r.labelCache[chain] {
		out[key] = LiveSeriesEntry{Family: series.family, Labels: series.labels}
	}
	return out
}

// --- Record helpers: each writes the sample and tracks the labelset. ---

func (r *Registry) SetChainLatestBlock(chain, chainID string, value float64) string {
	labels := prometheus.Labels{"chain": chain, "chain_id": chainID}
	r.ChainLatestBlock.With(labels).Set(value)
	return r.track(chain, FamilyChainLatestBlock, labels)
}

func (r *Registry) SetChainFinalizedBlock(chain, chainID string, value float64, stale bool) [2]string {
	labels := prometheus.Labels{"chain": chain, "chain_id": chainID}
	r.ChainFinalizedBlock.With(labels).Set(value)
	k1 := r.track(chain, FamilyChainFinalizedBlock, labels)

	staleVal := 0.0
	if stale {
		staleVal = 1.0
	}
	r.ChainFinalizedStale.With(labels).Set(staleVal)
	k2 := r.track(chain, FamilyChainFinalizedStale, labels)
	return [2]string{k1, k2}
}

func (r *Registry) SetPollSuccess(chain string, success bool) string {
	labels := prometheus.Labels{"chain": chain}
	v := 0.0
	if success {
		v = 1.0
	}
	r.PollSuccess.With(labels).Set(v)
	return r.track(chain, FamilyPollSuccess, labels)
}

func (r *Registry) ObservePollDuration(chain string, seconds float64) {
	r.PollDurationSeconds.WithLabelValues(chain).Observe(seconds)
}

func (r *Registry) SetPollTimestamp(chain string, epochSeconds float64) string {
	labels := prometheus.Labels{"chain": chain}
	r.PollTimestamp.With(labels).Set(epochSeconds)
	return r.track(chain, FamilyPollTimestamp, labels)
}

func (r *Registry) SetBackoffSeconds(chain string, seconds float64) string {
	labels := prometheus.Labels{"chain": chain}
	r.BackoffSeconds.With(labels).Set(seconds)
	return r.track(chain, FamilyBackoffSeconds, labels)
}

func (r *Registry) SetConsecutiveFailures(chain string, n float64) string {
	labels := prometheus.Labels{"chain": chain}
	r.ConsecutiveFailures.With(labels).Set(n)
	return r.track(chain, FamilyConsecutiveFailures, labels)
}

func (r *Registry) SetAccountBalance(chain, name, address string, weiValue float64) string {
	labels := prometheus.Labels{"chain": chain, "name": name, "address": address}
	r.AccountBalanceWei.With(labels).Set(weiValue)
	return r.track(chain, FamilyAccountBalanceWei, labels)
}

func (r *Registry) SetContractEthBalance(chain, name, address string, weiValue float64) string {
	labels := prometheus.Labels{"chain": chain, "name": name, "address": address}
	r.ContractEthBalanceWei.With(labels).Set(weiValue)
	return r.track(chain, FamilyContractEthBalanceWei, labels)
}

func (r *Registry) SetContractTokenSupply(chain, name, address string, raw, normalized float64) [2]string {
	labels := prometheus.Labels{"chain": chain, "name": name, "address": address}
	r.ContractTokenSupplyRaw.With(labels).Set(raw)
	k1 := r.track(chain, FamilyContractTokenSupplyRaw, labels)
	r.ContractTokenSupplyNorm.With(labels).Set(normalized)
	k2 := r.track(chain, FamilyContractTokenSupplyNorm, labels)
	return [2]string{k1, k2}
}

func (r *Registry) SetContractNFTTotalSupply(chain, name, address string, value float64) string {
	labels := prometheus.Labels{"chain": chain, "name": name, "address": address}
	r.ContractNFTTotalSupply.With(labels).Set(value)
	return r.track(chain, FamilyContractNFTTotalSupply, labels)
}

func (r *Registry) SetContractAccountBalance(chain, contract, name, address string, value float64) string {
	labels := prometheus.Labels{"chain": chain, "contract": contract, "name": name, "address": address}
	r.ContractAccountBalance.With(labels).Set(value)
	return r.track(chain, FamilyContractAccountBalance, labels)
}

func (r *Registry) SetContractTransferWindow(chain, name, address string, count float64) string {
	labels := prometheus.Labels{"chain": chain, "name": name, "address": address}
	r.ContractTransferWindow.With(labels).Set(count)
	return r.track(chain, FamilyContractTransferWindow, labels)
}

func (r *Registry) ObserveRPCCallDuration(chain, operation string, seconds float64) {
	r.RPCCallDurationSeconds.WithLabelValues(chain, operation).Observe(seconds)
}

func (r *Registry) IncRPCCallError(chain, operation, category string) {
	r.RPCCallErrorsTotal.WithLabelValues(chain, operation, category).Inc()
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterTwiceTolerated(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()

	require.NoError(t, m.Register(reg))
	require.NoError(t, m.Register(reg), "re-registering the same collectors must not error")
}

func TestRegistry_RecordAndPruneChain(t *testing.T) {
	m := New()

	m.SetChainLatestBlock("c1", "1", 100)
	m.SetAccountBalance("c1", "alice", "0xabc", 7)
	m.SetContractEthBalance("c1", "token", "0xdef", 42)

	live := m.LiveSeries("c1")
	require.Len(t, live, 3)

	m.PruneChain("c1")
	require.Empty(t, m.LiveSeries("c1"))

	require.False(t, m.AccountBalanceWei.DeleteLabelValues("c1", "alice", "0xabc"), "alice's series should already be gone from the vec")
}

func TestRegistry_PruneSeriesLeavesOthers(t *testing.T) {
	m := New()

	m.SetAccountBalance("c1", "alice", "0xabc", 7)
	m.SetAccountBalance("c1", "bob", "0x123", 9)

	labels := prometheus.Labels{"chain": "c1", "name": "alice", "address": "0xabc"}
	m.PruneSeries("c1", FamilyAccountBalanceWei, labels)

	live := m.LiveSeries("c1")
	require.Len(t, live, 1)

	var metric dto.Metric
	require.NoError(t, m.AccountBalanceWei.WithLabelValues("c1", "bob", "0x123").Write(&metric))
	require.Equal(t, float64(9), metric.GetGauge().GetValue())
}

func TestRegistry_PruneObsoleteDeletesUnrewrittenSeries(t *testing.T) {
	m := New()

	m.SetAccountBalance("c1", "alice", "0xabc", 7)
	m.SetAccountBalance("c1", "bob", "0x123", 9)

	before := m.LiveSeries("c1")
	require.Len(t, before, 2)

	bobKey := m.SetAccountBalance("c1", "bob", "0x123", 11)
	rewritten := map[string]struct{}{bobKey: {}}

	m.PruneObsolete("c1", before, rewritten)

	live := m.LiveSeries("c1")
	require.Len(t, live, 1)

	var metric dto.Metric
	require.False(t, m.AccountBalanceWei.DeleteLabelValues("c1", "alice", "0xabc"), "alice's series should already be gone from the vec")
	require.NoError(t, m.AccountBalanceWei.WithLabelValues("c1", "bob", "0x123").Write(&metric))
}

func TestRegistry_ChainIDChangePrunesAllPriorSeries(t *testing.T) {
	m := New()

	m.SetChainLatestBlock("c1", "1", 100)
	m.SetChainFinalizedBlock("c1", "1", 95, false)
	m.SetPollSuccess("c1", true)

	// Latest block, finalized block, finalized-stale indicator, poll success.
	require.Len(t, m.LiveSeries("c1"), 4)

	// Simulates the Collector's step-1 chain-id-change detection: prune
	// everything cached for the chain before writing fresh samples under
	// the new chain_id label value.
	m.PruneChain("c1")
	m.SetChainLatestBlock("c1", "2", 5)

	live := m.LiveSeries("c1")
	require.Len(t, live, 1)
}

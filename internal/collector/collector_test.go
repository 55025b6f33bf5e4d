package collector

import (
	"context"
	"math/big"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap/zaptest"

	"github.com/chalabi2/evm-chain-exporter/internal/chainstate"
	"github.com/chalabi2/evm-chain-exporter/internal/chunker"
	"github.com/chalabi2/evm-chain-exporter/internal/config"
	"github.com/chalabi2/evm-chain-exporter/internal/metrics"
)

// fakeClient is an in-memory RPCClient per §9's capability-set design note.
type fakeClient struct {
	chainID       int64
	latest        uint64
	balances      map[common.Address]*big.Int
	code          map[common.Address][]byte
	callResponses map[string][]byte
	logs          []types.Log

	chainIDErr error
	latestErr  error
}

func (f *fakeClient) ChainID(context.Context) (*big.Int, error) {
	if f.chainIDErr != nil {
		return nil, f.chainIDErr
	}
	return big.NewInt(f.chainID), nil
}

func (f *fakeClient) LatestBlockNumber(context.Context) (uint64, error) {
	if f.latestErr != nil {
		return 0, f.latestErr
	}
	return f.latest, nil
}

func (f *fakeClient) FinalizedBlockNumber(context.Context) (uint64, bool, error) {
	return 0, false, nil
}

func (f *fakeClient) BalanceAt(_ context.Context, addr common.Address) (*big.Int, error) {
	if bal, ok := f.balances[addr]; ok {
		return bal, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeClient) CodeAt(_ context.Context, addr common.Address) ([]byte, error) {
	return f.code[addr], nil
}

func (f *fakeClient) Call(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	key := string(msg.Data[:4])
	if out, ok := f.callResponses[key]; ok {
		return out, nil
	}
	return nil, errUnhandledSelector
}

func (f *fakeClient) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs, nil
}

var errUnhandledSelector = &unhandledSelectorError{}

type unhandledSelectorError struct{}

func (*unhandledSelectorError) Error() string { return "unhandled selector" }

func newFixture(t *testing.T) (*Collector, *metrics.Registry) {
	reg := metrics.New()
	col := New(reg, chunker.New(2000, 10, 5000), zaptest.NewLogger(t))
	return col, reg
}

func TestCollector_S1_AccountBalance(t *testing.T) {
	col, reg := newFixture(t)
	addr := common.HexToAddress("0x0000000000000000000000000000000000000001")

	client := &fakeClient{
		chainID:  1,
		latest:   100,
		balances: map[common.Address]*big.Int{addr: big.NewInt(7)},
	}
	spec := config.ChainSpec{
		Name:         "c1",
		PollInterval: time.Second,
		Accounts:     []config.AccountSpec{{Name: "A", Address: addr, RawAddr: addr.Hex()}},
	}
	state := chainstate.New("c1", time.Second)

	result := col.Collect(context.Background(), client, spec, state)
	if !result.Success {
		t.Fatalf("expected success, got failure kind=%s", result.ErrorKind)
	}

	live := reg.LiveSeries("c1")
	if len(live) == 0 {
		t.Fatal("expected some published series")
	}
}

func TestCollector_ChainIDFailureFailsTick(t *testing.T) {
	col, _ := newFixture(t)
	client := &fakeClient{chainIDErr: errUnhandledSelector}
	spec := config.ChainSpec{Name: "c1", PollInterval: time.Second}
	state := chainstate.New("c1", time.Second)

	result := col.Collect(context.Background(), client, spec, state)
	if result.Success {
		t.Fatal("expected failure when chain_id call fails")
	}
}

func TestCollector_ChainIDChangePrunesSeries(t *testing.T) {
	col, reg := newFixture(t)
	spec := config.ChainSpec{Name: "c1", PollInterval: time.Second}
	state := chainstate.New("c1", time.Second)

	client := &fakeClient{chainID: 1, latest: 10}
	col.Collect(context.Background(), client, spec, state)
	firstLive := len(reg.LiveSeries("c1"))
	if firstLive == 0 {
		t.Fatal("expected series after first tick")
	}

	client2 := &fakeClient{chainID: 137, latest: 20}
	col.Collect(context.Background(), client2, spec, state)

	if state.ChainID() != "137" {
		t.Errorf("expected chain id updated to 137, got %s", state.ChainID())
	}

	live := reg.LiveSeries("c1")
	if _, ok := live["chain_latest_block|chain=c1|chain_id=1"]; ok {
		t.Error("expected the series labelled with the old chain_id to be pruned")
	}
	if _, ok := live["chain_latest_block|chain=c1|chain_id=137"]; !ok {
		t.Error("expected a series labelled with the new chain_id")
	}
}

func TestCollector_RemovedAccountIsPrunedOnNextSuccessfulCollect(t *testing.T) {
	col, reg := newFixture(t)
	alice := common.HexToAddress("0x0000000000000000000000000000000000000003")
	bob := common.HexToAddress("0x0000000000000000000000000000000000000004")

	client := &fakeClient{
		chainID: 1,
		latest:  10,
		balances: map[common.Address]*big.Int{
			alice: big.NewInt(1),
			bob:   big.NewInt(2),
		},
	}
	specWithBoth := config.ChainSpec{
		Name:         "c1",
		PollInterval: time.Second,
		Accounts: []config.AccountSpec{
			{Name: "alice", Address: alice, RawAddr: alice.Hex()},
			{Name: "bob", Address: bob, RawAddr: bob.Hex()},
		},
	}
	state := chainstate.New("c1", time.Second)

	if result := col.Collect(context.Background(), client, specWithBoth, state); !result.Success {
		t.Fatalf("expected first tick to succeed, got kind=%s", result.ErrorKind)
	}

	aliceKey := "account_balance_wei|address=" + alice.Hex() + "|chain=c1|name=alice"
	if _, ok := reg.LiveSeries("c1")[aliceKey]; !ok {
		t.Fatal("expected alice's balance series to be live after first tick")
	}

	specBobOnly := specWithBoth
	specBobOnly.Accounts = specWithBoth.Accounts[1:]
	if result := col.Collect(context.Background(), client, specBobOnly, state); !result.Success {
		t.Fatalf("expected second tick to succeed, got kind=%s", result.ErrorKind)
	}

	live := reg.LiveSeries("c1")
	if _, ok := live[aliceKey]; ok {
		t.Error("expected alice's balance series to be pruned once she's no longer in the spec")
	}
	bobKey := "account_balance_wei|address=" + bob.Hex() + "|chain=c1|name=bob"
	if _, ok := live[bobKey]; !ok {
		t.Error("expected bob's balance series to survive the replace-in-place")
	}
}

func TestCollector_TransferLookbackZeroIssuesNoLogCalls(t *testing.T) {
	col, reg := newFixture(t)
	addr := common.HexToAddress("0x0000000000000000000000000000000000000002")
	client := &fakeClient{
		chainID: 1,
		latest:  100,
		code:    map[common.Address][]byte{addr: {0x60, 0x60}},
	}
	spec := config.ChainSpec{
		Name:         "c1",
		PollInterval: time.Second,
		Contracts: []config.ContractSpec{
			{Name: "token", Address: addr, RawAddr: addr.Hex()},
		},
	}
	state := chainstate.New("c1", time.Second)

	col.Collect(context.Background(), client, spec, state)

	live := reg.LiveSeries("c1")
	if _, ok := live["contract_transfer_count_window|address="+addr.Hex()+"|chain=c1|name=token"]; ok {
		t.Error("did not expect a transfer window series when lookback is 0")
	}
}

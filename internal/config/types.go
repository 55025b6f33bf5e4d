// Package config implements the exporter's configuration layer: the TOML
// chain-spec document (with ${VAR} environment interpolation), the
// operational-tuning environment variables, and the reload diffing that
// drives the Reload Coordinator (C9).
package config

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AccountSpec is one tracked externally-owned account.
type AccountSpec struct {
	Name    string         `koanf:"name"`
	Address common.Address `koanf:"-"`
	RawAddr string         `koanf:"address"`
}

// ContractAccountSpec is one account tracked against a specific contract
// (an ERC-20/721 holder), optionally scoped to a list of ERC-721 token ids.
type ContractAccountSpec struct {
	Name     string         `koanf:"name"`
	Address  common.Address `koanf:"-"`
	RawAddr  string         `koanf:"address"`
	TokenIDs []string       `koanf:"token_ids"`
}

// ContractSpec is one tracked contract.
type ContractSpec struct {
	Name                   string                 `koanf:"name"`
	Address                common.Address         `koanf:"-"`
	RawAddr                string                 `koanf:"address"`
	TransferLookbackBlocks *uint64                `koanf:"transfer_lookback_blocks"`
	Accounts               []ContractAccountSpec  `koanf:"accounts"`
}

// ChainSpec is the immutable description of one chain to poll.
type ChainSpec struct {
	Name                   string         `koanf:"name"`
	RPCURL                 string         `koanf:"rpc_url"`
	PollIntervalRaw        string         `koanf:"poll_interval"`
	PollInterval           time.Duration  `koanf:"-"`
	TransferLookbackBlocks uint64         `koanf:"transfer_lookback_blocks"`
	Accounts               []AccountSpec  `koanf:"accounts"`
	Contracts              []ContractSpec `koanf:"contracts"`
}

// EffectiveTransferLookback returns a contract's own lookback override, or
// the chain-level default when unset.
func (c ChainSpec) EffectiveTransferLookback(contract ContractSpec) uint64 {
	if contract.TransferLookbackBlocks != nil {
		return *contract.TransferLookbackBlocks
	}
	return c.TransferLookbackBlocks
}

// IdentityEqual reports whether two specs for the same chain name share the
// identity-bearing fields (rpc_url). Per §9's resolved open question,
// rpc_url changes are treated as remove-then-add to force a connection-pool
// refresh.
func (c ChainSpec) IdentityEqual(other ChainSpec) bool {
	return c.Name == other.Name && c.RPCURL == other.RPCURL
}

// Settings holds the operational-tuning environment variables (§6), fully
// resolved with defaults applied.
type Settings struct {
	ConfigPath                string
	LogLevel                  string
	LogFormat                 string
	PollDefaultInterval       time.Duration
	MaxFailureBackoff         time.Duration
	RPCRequestTimeout         time.Duration
	ReadinessStaleThreshold   time.Duration
	HealthPort                int
	MetricsPort               int
	WarmPollEnabled           bool
}

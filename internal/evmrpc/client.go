// Package evmrpc implements the RPC Client (C1) and Connection Pool (C2):
// a thin, retrying wrapper around go-ethereum's ethclient/rpc transports
// exposing exactly the operations the Collector needs (chain id, block
// numbers, balance, code, call, logs), each categorised through rpcerr and
// instrumented against the Metric Registry.
package evmrpc

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/chalabi2/evm-chain-exporter/internal/metrics"
	"github.com/chalabi2/evm-chain-exporter/internal/rpcerr"
)

const (
	maxAttempts     = 3
	baseRetryDelay  = 200 * time.Millisecond
	retryMultiplier = 2.0
)

// Client is one chain's RPC endpoint: an ethclient.Client for the typed
// calls plus the raw *gethrpc.Client it wraps, used directly only for
// "finalized" block lookups, which ethclient has no typed method for.
type Client struct {
	chain          string
	url            string
	raw            *gethrpc.Client
	eth            *ethclient.Client
	metrics        *metrics.Registry
	baseLogger     *zap.Logger
	logger         *zap.Logger
	requestTimeout time.Duration
}

// Dial opens a connection to rpcURL. It does not verify the chain id — that
// is the Collector's job on the first poll tick (§4.3 step 1), since a
// mismatch here is a data point, not a dial failure. requestTimeout bounds
// every subsequent call through this Client (§4.1): go-ethereum's rpc
// transport has no default deadline of its own, so without this a hung
// endpoint blocks the chain's poll loop forever.
func Dial(chain, rpcURL string, requestTimeout time.Duration, reg *metrics.Registry, logger *zap.Logger) (*Client, error) {
	raw, err := gethrpc.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	base := logger.With(zap.String("rpc_url", rpcURL))
	return &Client{
		chain:          chain,
		url:            rpcURL,
		raw:            raw,
		eth:            ethclient.NewClient(raw),
		metrics:        reg,
		baseLogger:     base,
		logger:         base.With(zap.String("chain", chain)),
		requestTimeout: requestTimeout,
	}, nil
}

// SetChain retargets this Client's chain label for calls made on behalf of
// chain, used by the connection pool when a pooled client dialed for one
// chain is handed to a second chain sharing the same rpc_url — without this,
// rpc_call_duration_seconds/rpc_call_errors_total for the second chain's
// calls would keep carrying the first chain's label.
func (c *Client) SetChain(chain string) {
	c.chain = chain
	c.logger = c.baseLogger.With(zap.String("chain", chain))
}

// Chain returns the chain label this Client is currently attributed to.
func (c *Client) Chain() string { return c.chain }

// Close releases the underlying connection.
func (c *Client) Close() {
	c.raw.Close()
}

// call runs fn up to maxAttempts times, retrying only when rpcerr classifies
// the failure as transient, backing off exponentially between attempts and
// abandoning immediately on ctx cancellation. It records the call's total
// duration and, per failed attempt, an error counter by category.
func (c *Client) call(ctx context.Context, operation string, fn func(context.Context) error) error {
	start := time.Now()
	delay := baseRetryDelay

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			c.metrics.ObserveRPCCallDuration(c.chain, operation, time.Since(start).Seconds())
			return nil
		}

		classified := rpcerr.Classify(operation, err)
		lastErr = classified
		c.metrics.IncRPCCallError(c.chain, operation, string(classified.Category))

		if !classified.Transient || attempt == maxAttempts {
			break
		}

		c.logger.Debug("rpc call attempt failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(classified))

		select {
		case <-ctx.Done():
			c.metrics.ObserveRPCCallDuration(c.chain, operation, time.Since(start).Seconds())
			return rpcerr.Classify(operation, ctx.Err())
		case <-time.After(delay):
			delay = time.Duration(float64(delay) * retryMultiplier)
		}
	}

	c.metrics.ObserveRPCCallDuration(c.chain, operation, time.Since(start).Seconds())
	return lastErr
}

// ChainID returns the chain's reported chain id.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.call(ctx, "chain_id", func(ctx context.Context) error {
		var innerErr error
		id, innerErr = c.eth.ChainID(ctx)
		return innerErr
	})
	return id, err
}

// LatestBlockNumber returns the chain's current head height.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.call(ctx, "block_number_latest", func(ctx context.Context) error {
		var innerErr error
		n, innerErr = c.eth.BlockNumber(ctx)
		return innerErr
	})
	return n, err
}

// FinalizedBlockNumber returns the chain's finalized height. ok is false
// when the endpoint has no concept of a finalized block (pre-merge chains,
// or nodes that reject the "finalized" tag), which the Collector publishes
// as chain_finalized_block 0 with chain_finalized_stale 1 rather than as a
// failed step (§4.3 step 2).
func (c *Client) FinalizedBlockNumber(ctx context.Context) (height uint64, ok bool, err error) {
	var raw map[string]interface{}
	callErr := c.call(ctx, "block_number_finalized", func(ctx context.Context) error {
		return c.raw.CallContext(ctx, &raw, "eth_getBlockByNumber", "finalized", false)
	})
	if callErr != nil {
		if rpcerr.CategoryOf(callErr) == rpcerr.RPC {
			// A node that doesn't understand the "finalized" tag returns a
			// well-formed JSON-RPC error, not a transport failure: treat it
			// as "unsupported", not a poll failure.
			return 0, false, nil
		}
		return 0, false, callErr
	}
	if raw == nil {
		return 0, false, nil
	}
	numStr, _ := raw["number"].(string)
	if numStr == "" {
		return 0, false, nil
	}
	n, parseErr := parseHexUint64(numStr)
	if parseErr != nil {
		return 0, false, rpcerr.Classify("block_number_finalized", parseErr)
	}
	return n, true, nil
}

// BalanceAt returns an account's native-token balance at the latest block.
func (c *Client) BalanceAt(ctx context.Context, address common.Address) (*big.Int, error) {
	var bal *big.Int
	err := c.call(ctx, "balance", func(ctx context.Context) error {
		var innerErr error
		bal, innerErr = c.eth.BalanceAt(ctx, address, nil)
		return innerErr
	})
	return bal, err
}

// CodeAt returns the bytecode deployed at address, used to classify a
// tracked contract before deciding which ABI to probe.
func (c *Client) CodeAt(ctx context.Context, address common.Address) ([]byte, error) {
	var code []byte
	err := c.call(ctx, "code", func(ctx context.Context) error {
		var innerErr error
		code, innerErr = c.eth.CodeAt(ctx, address, nil)
		return innerErr
	})
	return code, err
}

// Call performs an eth_call against msg at the latest block, used for the
// ABI-decoded ERC-20/ERC-721 probes (balanceOf, totalSupply, decimals,
// ownerOf).
func (c *Client) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := c.call(ctx, "call", func(ctx context.Context) error {
		var innerErr error
		out, innerErr = c.eth.CallContract(ctx, msg, nil)
		return innerErr
	})
	return out, err
}

// FilterLogs runs eth_getLogs for query, returning whatever range the node
// accepted. The Chunker is responsible for splitting query.FromBlock/ToBlock
// into spans this call can service; a "range too wide"-shaped error here is
// classified RPC/transient by rpcerr and surfaces to the chunker unchanged.
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.call(ctx, "logs", func(ctx context.Context) error {
		var innerErr error
		logs, innerErr = c.eth.FilterLogs(ctx, query)
		return innerErr
	})
	return logs, err
}

// URL returns the endpoint this client was dialed against.
func (c *Client) URL() string { return c.url }

// parseHexUint64 parses a "0x"-prefixed hex string as returned by
// eth_getBlockByNumber's "number" field.
func parseHexUint64(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, fmt.Errorf("empty hex number")
	}
	return strconv.ParseUint(s, 16, 64)
}

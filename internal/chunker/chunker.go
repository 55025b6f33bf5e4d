// Package chunker implements the Log-Range Chunker (C4): it fetches
// eth_getLogs over a [from, to] block span by adaptively splitting the span
// into sub-ranges a node will actually accept, shrinking on a too-large-range
// error and growing back once the node proves it can serve more.
package chunker

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chalabi2/evm-chain-exporter/internal/rpcerr"
)

func blockBig(n uint64) *big.Int {
	return new(big.Int).SetUint64(n)
}

// LogFetcher is the narrow slice of evmrpc.Client the chunker needs, kept as
// an interface so tests can fake it without a live RPC endpoint.
type LogFetcher interface {
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
}

// Chunker tracks, per series key, the chunk span currently believed to work
// against the node so the Collector doesn't relearn it on every poll tick.
type Chunker struct {
	mu    sync.Mutex
	spans map[string]uint64

	initialSpan uint64
	minSpan     uint64
	maxSpan     uint64
}

// New builds a Chunker. initialSpan is the span used the first time a key is
// seen; minSpan is the floor it halves down to before giving up; maxSpan is
// the ceiling it widens back up to after a run of successes.
func New(initialSpan, minSpan, maxSpan uint64) *Chunker {
	if minSpan == 0 {
		minSpan = 1
	}
	if maxSpan < minSpan {
		maxSpan = minSpan
	}
	if initialSpan == 0 || initialSpan > maxSpan {
		initialSpan = maxSpan
	}
	return &Chunker{
		spans:       make(map[string]uint64),
		initialSpan: initialSpan,
		minSpan:     minSpan,
		maxSpan:     maxSpan,
	}
}

func (c *Chunker) spanFor(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.spans[key]; ok {
		return s
	}
	c.spans[key] = c.initialSpan
	return c.initialSpan
}

func (c *Chunker) shrink(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.spans[key] / 2
	if s < c.minSpan {
		s = c.minSpan
	}
	c.spans[key] = s
	return s
}

func (c *Chunker) grow(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.spans[key] * 2
	if s > c.maxSpan {
		s = c.maxSpan
	}
	if s == 0 {
		s = c.minSpan
	}
	c.spans[key] = s
}

// isRangeError reports whether err is the kind of error a node returns when
// an eth_getLogs query spans too many blocks or would return too many
// results — the signal to shrink rather than propagate.
func isRangeError(err error) bool {
	classified := rpcerr.Classify("logs", err)
	return classified.Category == rpcerr.RPC && classified.Transient
}

// Fetch retrieves every log matching query.Addresses/Topics across
// [fromBlock, toBlock] inclusive, splitting into sub-ranges as needed. key
// scopes the remembered chunk size (typically "<chain>/<contract address>")
// so unrelated series don't fight over the same span estimate. The returned
// slice is an unordered concatenation of per-chunk results, per the
// component's contract — callers that need a specific order must sort it.
func (c *Chunker) Fetch(ctx context.Context, fetcher LogFetcher, key string, base ethereum.FilterQuery, fromBlock, toBlock uint64) ([]types.Log, error) {
	if fromBlock > toBlock {
		return nil, nil
	}

	var out []types.Log
	from := fromBlock

	for from <= toBlock {
		span := c.spanFor(key)
		end := from + span - 1
		if end > toBlock || end < from {
			end = toBlock
		}

		query := base
		query.FromBlock = blockBig(from)
		query.ToBlock = blockBig(end)

		logs, err := fetcher.FilterLogs(ctx, query)
		if err != nil {
			if isRangeError(err) && span > c.minSpan {
				c.shrink(key)
				continue
			}
			if isRangeError(err) && span <= c.minSpan {
				return out, fmt.Errorf("chunker: range rejected at minimum span %d for %s: %w", c.minSpan, key, err)
			}
			return out, err
		}

		out = append(out, logs...)
		from = end + 1
		c.grow(key)
	}

	return out, nil
}

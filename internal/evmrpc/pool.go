package evmrpc

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chalabi2/evm-chain-exporter/internal/metrics"
)

// Pool is the Connection Pool (C2): one Client per distinct rpc_url, created
// lazily and reused across every chain/collector that references the same
// endpoint so dial and keep-alive cost is paid once.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client

	requestTimeout time.Duration
	metrics        *metrics.Registry
	logger         *zap.Logger
}

// NewPool builds an empty connection pool. requestTimeout is passed through
// to every Client it dials (§4.1's per-call request timeout).
func NewPool(reg *metrics.Registry, logger *zap.Logger, requestTimeout time.Duration) *Pool {
	return &Pool{
		clients:        make(map[string]*Client),
		requestTimeout: requestTimeout,
		metrics:        reg,
		logger:         logger,
	}
}

// GetOrCreate returns the pooled Client for rpcURL, dialing it on first use.
// Dialing is idempotent: concurrent callers requesting the same URL block on
// the pool mutex rather than racing two dials. When rpcURL is already pooled
// under a different chain's name (two chains sharing one endpoint), the
// client's chain label is retargeted to chain so its rpc_call_* metrics are
// attributed to whichever chain is actually calling, not whichever chain
// dialed it first.
func (p *Pool) GetOrCreate(chain, rpcURL string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[rpcURL]; ok {
		if c.Chain() != chain {
			c.SetChain(chain)
		}
		return c, nil
	}

	c, err := Dial(chain, rpcURL, p.requestTimeout, p.metrics, p.logger)
	if err != nil {
		return nil, fmt.Errorf("connection pool: dial %s: %w", rpcURL, err)
	}
	p.clients[rpcURL] = c
	return c, nil
}

// Evict closes and forgets the client for rpcURL, if one exists. Used when a
// chain's rpc_url changes on reload so the old connection isn't leaked and a
// later GetOrCreate for the same URL (e.g. shared by two chains) still works.
func (p *Pool) Evict(rpcURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[rpcURL]; ok {
		c.Close()
		delete(p.clients, rpcURL)
	}
}

// Close shuts down every pooled client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for url, c := range p.clients {
		c.Close()
		delete(p.clients, url)
	}
}

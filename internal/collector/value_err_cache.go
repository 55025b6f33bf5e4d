package collector

import "sync"

// valueErrCache remembers which (chain, contract, operation) triples have
// already logged a §7 "value" category error, so repeated decode/unpack
// failures against the same selector are logged once and suppressed after,
// instead of once per poll tick for the life of a bad contract. Mirrors
// ClassificationCache's locking and Forget-by-chain-prefix shape.
type valueErrCache struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newValueErrCache() *valueErrCache {
	return &valueErrCache{seen: make(map[string]struct{})}
}

// MarkSeen records (chain, contract, op) and reports whether it was already
// seen before this call — the caller logs only the first time.
func (c *valueErrCache) MarkSeen(chain, contract, op string) (alreadySeen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := chain + "/" + contract + "/" + op
	if _, ok := c.seen[key]; ok {
		return true
	}
	c.seen[key] = struct{}{}
	return false
}

// Forget drops a chain's suppressions, used when a chain is removed so a
// later re-add starts its value-error logging fresh.
func (c *valueErrCache) Forget(chain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := chain + "/"
	for k := range c.seen {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.seen, k)
		}
	}
}

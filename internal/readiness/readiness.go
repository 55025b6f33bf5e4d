// Package readiness implements the Readiness Evaluator (C10): liveness and
// readiness verdicts derived from the Poller Manager's chain states, and
// the structured per-chain report served at /health/details.
package readiness

import (
	"time"

	"github.com/chalabi2/evm-chain-exporter/internal/chainstate"
)

// StateSource is the narrow view the evaluator needs from the Poller
// Manager: a snapshot of every active chain's runtime state.
type StateSource interface {
	States() map[string]*chainstate.State
}

// Evaluator computes liveness/readiness/details over a StateSource.
type Evaluator struct {
	states         StateSource
	staleThreshold time.Duration
	now            func() time.Time
}

// New builds an Evaluator. staleThreshold is READINESS_STALE_THRESHOLD.
func New(states StateSource, staleThreshold time.Duration) *Evaluator {
	return &Evaluator{states: states, staleThreshold: staleThreshold, now: time.Now}
}

// Live reports liveness: healthy as long as at least one poll loop has
// started. Liveness never depends on RPC reachability (§4.10).
func (e *Evaluator) Live() bool {
	for _, s := range e.states.States() {
		if s.HasStarted() {
			return true
		}
	}
	return false
}

// Ready reports readiness: healthy iff at least one chain has succeeded
// within staleThreshold and no chain that has ever succeeded is stale
// beyond it.
func (e *Evaluator) Ready() bool {
	now := e.now().Unix()
	states := e.states.States()
	if len(states) == 0 {
		return false
	}

	anyFresh := false
	for _, s := range states {
		if !s.EverSucceeded() {
			continue
		}
		if s.IsStale(now, e.staleThreshold) {
			return false
		}
		anyFresh = true
	}
	return anyFresh
}

// Details returns a per-chain status snapshot for /health/details.
func (e *Evaluator) Details() []chainstate.Snapshot {
	now := e.now().Unix()
	states := e.states.States()
	out := make([]chainstate.Snapshot, 0, len(states))
	for _, s := range states {
		out = append(out, s.Snapshot(now, e.staleThreshold))
	}
	return out
}

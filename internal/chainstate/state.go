// Package chainstate implements the Chain Health State (C6): the per-chain
// ChainRuntimeState record mutated by a chain's own poll loop and read by
// the Readiness Evaluator and the health-details HTTP route.
package chainstate

import (
	"sync"
	"time"
)

// Status is the health-details classification for one chain.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
	StatusUnknown  Status = "unknown"
)

// Snapshot is a read-only, race-free copy of a State at one instant, the
// shape C10 and the /health/details route consume.
type Snapshot struct {
	Name                string
	Status              Status
	ChainID             string
	LastSuccessTS       int64
	LastAttemptTS       int64
	LastErrorKind       string
	ConsecutiveFailures int
	CurrentBackoffS     float64
	EverSucceeded       bool
}

// State is one chain's ChainRuntimeState. Fields are mutated only by the
// chain's own poll loop (C8) or, under the manager's advisory lock, by the
// reload path (C9); State's own mutex exists solely to make concurrent
// *reads* (health-details, readiness) race-free against that single writer.
type State struct {
	Name string

	mu                  sync.RWMutex
	chainID             string
	lastSuccessTS       int64
	lastAttemptTS       int64
	lastErrorKind       string
	consecutiveFailures int
	currentBackoff      time.Duration
	everSucceeded       bool
}

// New creates a fresh ChainRuntimeState for a chain just added to the
// active set. currentBackoff starts at pollInterval per invariant 3.
func New(name string, pollInterval time.Duration) *State {
	return &State{
		Name:           name,
		currentBackoff: pollInterval,
	}
}

// ChainID returns the chain_id learned from RPC, or "" if none yet.
func (s *State) ChainID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainID
}

// ChainIDChanged reports whether newID differs from the cached chain_id
// (and whether there was a cached value at all to differ from).
func (s *State) ChainIDChanged(newID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainID != "" && s.chainID != newID
}

// SetChainID records a newly learned or changed chain_id.
func (s *State) SetChainID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chainID = id
}

// RecordAttempt marks the start of a poll tick.
func (s *State) RecordAttempt(nowEpoch int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAttemptTS = nowEpoch
}

// RecordSuccess clears the failure counters and resets backoff to
// pollInterval, per invariant 2 and 3.
func (s *State) RecordSuccess(nowEpoch int64, pollInterval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nowEpoch >= s.lastSuccessTS {
		s.lastSuccessTS = nowEpoch
	}
	s.consecutiveFailures = 0
	s.currentBackoff = pollInterval
	s.lastErrorKind = ""
	s.everSucceeded = true
}

// RecordFailure bumps the failure counter, doubles the backoff up to
// maxBackoff, and records the error category for /health/details. The
// first failure after a success (or after a chain is first added) leaves
// backoff at pollInterval — doubling starts from the second consecutive
// failure — so five consecutive failures from a 1s interval land on 16s
// (1, 2, 4, 8, 16), not 32s.
func (s *State) RecordFailure(errorKind string, maxBackoff time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alreadyFailing := s.consecutiveFailures > 0
	s.consecutiveFailures++
	s.lastErrorKind = errorKind
	if !alreadyFailing {
		return
	}
	doubled := s.currentBackoff * 2
	if doubled > maxBackoff || doubled <= 0 {
		doubled = maxBackoff
	}
	s.currentBackoff = doubled
}

// CurrentBackoff returns the backoff to sleep before the next tick.
func (s *State) CurrentBackoff() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentBackoff
}

// ConsecutiveFailures returns the current failure streak.
func (s *State) ConsecutiveFailures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consecutiveFailures
}

// Snapshot computes the status classification and returns an immutable
// copy. staleThreshold is READINESS_STALE_THRESHOLD.
func (s *State) Snapshot(nowEpoch int64, staleThreshold time.Duration) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := StatusUnknown
	switch {
	case s.lastAttemptTS == 0:
		status = StatusUnknown
	case !s.everSucceeded:
		status = StatusFailed
	case nowEpoch-s.lastSuccessTS > int64(staleThreshold.Seconds()):
		status = StatusDegraded
	default:
		status = StatusHealthy
	}

	return Snapshot{
		Name:                s.Name,
		Status:              status,
		ChainID:             s.chainID,
		LastSuccessTS:       s.lastSuccessTS,
		LastAttemptTS:       s.lastAttemptTS,
		LastErrorKind:       s.lastErrorKind,
		ConsecutiveFailures: s.consecutiveFailures,
		CurrentBackoffS:     s.currentBackoff.Seconds(),
		EverSucceeded:       s.everSucceeded,
	}
}

// IsStale reports whether this chain's last success is older than
// staleThreshold, used directly by the Readiness Evaluator (C10) rather
// than recomputing a full Snapshot.
func (s *State) IsStale(nowEpoch int64, staleThreshold time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.everSucceeded {
		return false
	}
	return nowEpoch-s.lastSuccessTS > int64(staleThreshold.Seconds())
}

// EverSucceeded reports whether this chain has ever completed a
// successful poll tick.
func (s *State) EverSucceeded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.everSucceeded
}

// LastSuccessTS returns the epoch-seconds of the last successful poll, or 0.
func (s *State) LastSuccessTS() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSuccessTS
}

// HasStarted reports whether at least one poll attempt has happened, used
// by the liveness check ("at least one poll loop has started").
func (s *State) HasStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAttemptTS != 0
}

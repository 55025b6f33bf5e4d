// Package poller implements the Poller Manager (C7), the Poll Loop (C8),
// and the Reload Coordinator (C9): the lifecycle of one goroutine per
// active chain, and the serialized diff-apply path that adds, removes, or
// hot-swaps chains without disturbing the others.
package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chalabi2/evm-chain-exporter/internal/chainstate"
	"github.com/chalabi2/evm-chain-exporter/internal/collector"
	"github.com/chalabi2/evm-chain-exporter/internal/config"
	"github.com/chalabi2/evm-chain-exporter/internal/evmrpc"
	"github.com/chalabi2/evm-chain-exporter/internal/metrics"
)

// ShutdownGrace bounds how long stop_all waits for in-flight ticks to
// notice cancellation before abandoning them (§5 Cancellation).
const ShutdownGrace = 5 * time.Second

// chainWorker is one chain's ChainRuntimeState plus the goroutine control
// needed to stop it.
type chainWorker struct {
	spec   config.ChainSpec
	state  *chainstate.State
	cancel context.CancelFunc
	done   chan struct{}

	mu sync.Mutex // guards spec, swapped atomically by replace-in-place
}

func (w *chainWorker) currentSpec() config.ChainSpec {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.spec
}

func (w *chainWorker) swapSpec(s config.ChainSpec) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.spec = s
}

// Manager owns the set of active chains (C7). Its own map is guarded by an
// advisory lock held only across set mutations, never across RPC calls —
// a poll loop never takes this lock; it mutates only its own worker.
type Manager struct {
	mu      sync.Mutex
	workers map[string]*chainWorker

	pool       *evmrpc.Pool
	collector  *collector.Collector
	metrics    *metrics.Registry
	maxBackoff time.Duration
	logger     *zap.Logger

	reloadMu sync.Mutex // serializes apply_reload: at most one in flight (C9)
}

// NewManager builds an empty Manager.
func NewManager(pool *evmrpc.Pool, col *collector.Collector, reg *metrics.Registry, maxBackoff time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		workers:    make(map[string]*chainWorker),
		pool:       pool,
		collector:  col,
		metrics:    reg,
		maxBackoff: maxBackoff,
		logger:     logger,
	}
}

// Start spawns one poll loop per initial spec.
func (m *Manager) Start(specs []config.ChainSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, spec := range specs {
		m.spawnLocked(spec)
	}
}

// spawnLocked must be called with m.mu held.
func (m *Manager) spawnLocked(spec config.ChainSpec) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &chainWorker{
		spec:   spec,
		state:  chainstate.New(spec.Name, spec.PollInterval),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.workers[spec.Name] = w
	go m.runLoop(ctx, w)
}

// States returns a snapshot of every active chain's runtime state, for the
// Readiness Evaluator and /health/details.
func (m *Manager) States() map[string]*chainstate.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*chainstate.State, len(m.workers))
	for name, w := range m.workers {
		out[name] = w.state
	}
	return out
}

// StopAll cancels every loop and waits up to ShutdownGrace for them to
// notice. In-flight RPC calls are not forcibly interrupted; they are left
// to drain on their own (§4.7).
func (m *Manager) StopAll() {
	m.mu.Lock()
	workers := make([]*chainWorker, 0, len(m.workers))
	for name, w := range m.workers {
		w.cancel()
		workers = append(workers, w)
		delete(m.workers, name)
	}
	m.mu.Unlock()

	deadline := time.After(ShutdownGrace)
	for _, w := range workers {
		select {
		case <-w.done:
		case <-deadline:
			m.logger.Warn("poll loop did not exit within shutdown grace period, abandoning")
			return
		}
	}
}

// runLoop is the Poll Loop (C8).
func (m *Manager) runLoop(ctx context.Context, w *chainWorker) {
	defer close(w.done)

	backoff := w.spec.PollInterval

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		spec := w.currentSpec()

		client, err := m.pool.GetOrCreate(spec.Name, spec.RPCURL)
		var result collector.Result
		t0 := time.Now()
		if err != nil {
			m.logger.Warn("connection pool get-or-create failed", zap.String("chain", spec.Name), zap.Error(err))
			result = collector.Result{Success: false, ErrorKind: "connection"}
		} else {
			w.state.RecordAttempt(time.Now().Unix())
			result = m.collector.Collect(ctx, client, spec, w.state)
		}
		duration := time.Since(t0)
		m.metrics.ObservePollDuration(spec.Name, duration.Seconds())

		if result.Success {
			m.metrics.SetPollSuccess(spec.Name, true)
			w.state.RecordSuccess(time.Now().Unix(), spec.PollInterval)
			backoff = spec.PollInterval
		} else {
			m.metrics.SetPollSuccess(spec.Name, false)
			w.state.RecordFailure(result.ErrorKind, m.maxBackoff)
			backoff = w.state.CurrentBackoff()
		}
		m.metrics.SetBackoffSeconds(spec.Name, backoff.Seconds())
		m.metrics.SetConsecutiveFailures(spec.Name, float64(w.state.ConsecutiveFailures()))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// Apply drives the Reload Coordinator (C9): diff, then add/remove/replace.
// At most one reload runs at a time.
func (m *Manager) Apply(diff config.Diff) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	for _, spec := range diff.Remove {
		m.removeChain(spec.Name, spec.RPCURL)
	}
	for _, spec := range diff.Add {
		m.mu.Lock()
		m.spawnLocked(spec)
		m.mu.Unlock()
	}
	for _, spec := range diff.ReplaceInPlace {
		m.mu.Lock()
		w, ok := m.workers[spec.Name]
		m.mu.Unlock()
		if ok {
			w.swapSpec(spec)
		}
	}
}

// removeChain tears down one chain's worker and, if no other active chain
// still references rpcURL, evicts its pooled connection too (a shared
// connection must survive removing one of its chains).
func (m *Manager) removeChain(name, rpcURL string) {
	m.mu.Lock()
	w, ok := m.workers[name]
	if ok {
		delete(m.workers, name)
	}
	stillShared := false
	for _, other := range m.workers {
		if other.currentSpec().RPCURL == rpcURL {
			stillShared = true
			break
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	w.cancel()
	select {
	case <-w.done:
	case <-time.After(ShutdownGrace):
	}

	if !stillShared {
		m.pool.Evict(rpcURL)
	}
	m.metrics.PruneChain(name)
	m.collector.ForgetChain(name)
}

// CurrentSpecs returns the ChainSpec of every active chain, used by the
// Reload Coordinator to compute the next diff.
func (m *Manager) CurrentSpecs() []config.ChainSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]config.ChainSpec, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.currentSpec())
	}
	return out
}

// Package appctx holds the ApplicationContext singleton described in §5:
// the metric registry, poller manager, and resolved settings needed to
// serve both listeners, initialised once at startup. A reload mutates the
// Manager in place and leaves the singleton itself unchanged.
package appctx

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/chalabi2/evm-chain-exporter/internal/chunker"
	"github.com/chalabi2/evm-chain-exporter/internal/collector"
	"github.com/chalabi2/evm-chain-exporter/internal/config"
	"github.com/chalabi2/evm-chain-exporter/internal/evmrpc"
	"github.com/chalabi2/evm-chain-exporter/internal/httpapi"
	"github.com/chalabi2/evm-chain-exporter/internal/metrics"
	"github.com/chalabi2/evm-chain-exporter/internal/poller"
	"github.com/chalabi2/evm-chain-exporter/internal/readiness"
)

// Adaptive chunker span bounds for eth_getLogs, in blocks.
const (
	initialLogSpan = 2000
	minLogSpan     = 10
	maxLogSpan     = 5000
)

// Context bundles everything the HTTP surface and poller need to run. It is
// built once at startup; a successful reload mutates the Manager in place
// rather than replacing Context itself, since the registry and pool must
// survive across reloads to keep label-cache pruning coherent.
type Context struct {
	Settings  config.Settings
	Registry  *metrics.Registry
	Gatherer  prometheus.Gatherer
	Pool      *evmrpc.Pool
	Collector *collector.Collector
	Manager   *poller.Manager
	Evaluator *readiness.Evaluator
	Reloader  *httpapi.ConfigReloader
	Logger    *zap.Logger
}

// Build wires one ApplicationContext from resolved settings and an initial
// chain spec set, and starts the poller manager.
func Build(settings config.Settings, specs []config.ChainSpec, logger *zap.Logger) (*Context, error) {
	reg := prometheus.NewRegistry()
	mreg := metrics.New()
	if err := mreg.Register(reg); err != nil {
		return nil, err
	}
	mreg.ConfiguredBlockchains.Set(float64(len(specs)))
	mreg.Up.Set(1)

	pool := evmrpc.NewPool(mreg, logger, settings.RPCRequestTimeout)
	chunk := chunker.New(initialLogSpan, minLogSpan, maxLogSpan)
	col := collector.New(mreg, chunk, logger)

	manager := poller.NewManager(pool, col, mreg, settings.MaxFailureBackoff, logger)
	manager.Start(specs)

	eval := readiness.New(manager, settings.ReadinessStaleThreshold)
	reloader := httpapi.NewConfigReloader(settings.ConfigPath, settings.PollDefaultInterval, manager)

	return &Context{
		Settings:  settings,
		Registry:  mreg,
		Gatherer:  reg,
		Pool:      pool,
		Collector: col,
		Manager:   manager,
		Evaluator: eval,
		Reloader:  reloader,
		Logger:    logger,
	}, nil
}

// Shutdown stops every poll loop, bounded by poller.ShutdownGrace.
func (c *Context) Shutdown() {
	c.Manager.StopAll()
	c.Pool.Close()
}

var current atomic.Pointer[Context]

// Current returns the process-wide singleton, or nil before Set.
func Current() *Context { return current.Load() }

// Set installs ctx as the process-wide singleton, atomically replacing
// whatever was there before.
func Set(ctx *Context) { current.Store(ctx) }

// Reset clears the singleton. Tests call this between runs.
func Reset() { current.Store(nil) }

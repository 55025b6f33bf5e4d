package httpapi

import (
	"sync/atomic"
	"time"

	"github.com/chalabi2/evm-chain-exporter/internal/config"
	"github.com/chalabi2/evm-chain-exporter/internal/poller"
)

// ConfigReloader drives the Reload Coordinator (C9) from the HTTP and
// signal surfaces: it re-reads the config file, diffs it against the
// manager's current set, and applies the result atomically — either the
// whole diff lands or nothing does.
type ConfigReloader struct {
	configPath          string
	defaultPollInterval time.Duration
	manager             *poller.Manager

	inFlight int32 // 0 or 1, CAS-guarded so a second caller gets 409 rather than blocking
}

// NewConfigReloader builds a reloader bound to one config path and manager.
func NewConfigReloader(configPath string, defaultPollInterval time.Duration, manager *poller.Manager) *ConfigReloader {
	return &ConfigReloader{configPath: configPath, defaultPollInterval: defaultPollInterval, manager: manager}
}

// ReloadOutcome classifies the result of one reload attempt.
type ReloadOutcome int

const (
	ReloadApplied ReloadOutcome = iota
	ReloadConflict
	ReloadInvalid
)

// Reload attempts one reload cycle. ReloadConflict means a reload was
// already in flight and this attempt was rejected without reading the
// config file. ReloadInvalid means the new config failed to load or
// validate; the running system is left untouched.
func (r *ConfigReloader) Reload() (ReloadOutcome, error) {
	if !atomic.CompareAndSwapInt32(&r.inFlight, 0, 1) {
		return ReloadConflict, nil
	}
	defer atomic.StoreInt32(&r.inFlight, 0)

	specs, err := config.Load(r.configPath, r.defaultPollInterval)
	if err != nil {
		return ReloadInvalid, err
	}

	diff := config.DiffSpecs(r.manager.CurrentSpecs(), specs)
	r.manager.Apply(diff)
	return ReloadApplied, nil
}

// Command evm-chain-exporter polls one or more EVM-compatible JSON-RPC
// endpoints and serves the results as Prometheus metrics, with a health
// listener for liveness/readiness/reload.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/oklog/run"
	"go.uber.org/zap"

	"github.com/chalabi2/evm-chain-exporter/internal/appctx"
	"github.com/chalabi2/evm-chain-exporter/internal/config"
	"github.com/chalabi2/evm-chain-exporter/internal/httpapi"
	"github.com/chalabi2/evm-chain-exporter/internal/logging"
)

var (
	app = kingpin.New("evm-chain-exporter", "Prometheus exporter for EVM-compatible JSON-RPC endpoints.")

	configPathFlag = app.Flag("config-path", "Path to the blockchains TOML config. Overrides BLOCKCHAIN_EXPORTER_CONFIG_PATH.").String()
	printConfig    = app.Flag("print-config", "Print resolved settings and exit.").Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	settings, err := config.LoadSettings()
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolving settings:", err)
		os.Exit(1)
	}
	if *configPathFlag != "" {
		settings.ConfigPath = *configPathFlag
	}

	logger, err := logging.New(settings.LogLevel, settings.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "building logger:", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("resolved settings",
		zap.String("config_path", settings.ConfigPath),
		zap.String("log_level", settings.LogLevel),
		zap.String("log_format", settings.LogFormat),
		zap.Duration("poll_default_interval", settings.PollDefaultInterval),
		zap.Duration("max_failure_backoff", settings.MaxFailureBackoff),
		zap.Duration("rpc_request_timeout", settings.RPCRequestTimeout),
		zap.Duration("readiness_stale_threshold", settings.ReadinessStaleThreshold),
		zap.Int("health_port", settings.HealthPort),
		zap.Int("metrics_port", settings.MetricsPort),
		zap.Bool("warm_poll_enabled", settings.WarmPollEnabled),
	)

	if *printConfig {
		return
	}

	specs, err := config.Load(settings.ConfigPath, settings.PollDefaultInterval)
	if err != nil {
		logger.Error("fatal configuration error at startup", zap.Error(err))
		os.Exit(1)
	}

	ctx, err := appctx.Build(settings, specs, logger)
	if err != nil {
		logger.Error("fatal error building application context", zap.Error(err))
		os.Exit(1)
	}
	appctx.Set(ctx)

	if settings.WarmPollEnabled {
		warmPoll(ctx, logger)
	}

	healthListener, err := net.Listen("tcp", fmt.Sprintf(":%d", settings.HealthPort))
	if err != nil {
		logger.Error("listener bind failure", zap.Int("port", settings.HealthPort), zap.Error(err))
		os.Exit(2)
	}
	metricsListener, err := net.Listen("tcp", fmt.Sprintf(":%d", settings.MetricsPort))
	if err != nil {
		logger.Error("listener bind failure", zap.Int("port", settings.MetricsPort), zap.Error(err))
		os.Exit(2)
	}

	healthServer := &http.Server{Handler: httpapi.NewHealthServer(ctx.Evaluator, ctx.Reloader, logger).Handler()}
	metricsServer := &http.Server{Handler: httpapi.MetricsHandler(ctx.Gatherer)}

	var g run.Group

	g.Add(func() error {
		logger.Info("health listener starting", zap.String("addr", healthListener.Addr().String()))
		return healthServer.Serve(healthListener)
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		healthServer.Shutdown(shutdownCtx) //nolint:errcheck
	})

	g.Add(func() error {
		logger.Info("metrics listener starting", zap.String("addr", metricsListener.Addr().String()))
		return metricsServer.Serve(metricsListener)
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutdownCtx) //nolint:errcheck
	})

	{
		reloadCtx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return watchSignalsAndConfig(reloadCtx, ctx, logger)
		}, func(error) {
			cancel()
		})
	}

	{
		term := make(chan os.Signal, 1)
		stop := make(chan struct{})
		signal.Notify(term, syscall.SIGTERM, syscall.SIGINT)
		g.Add(func() error {
			select {
			case sig := <-term:
				logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			case <-stop:
			}
			return nil
		}, func(error) {
			close(stop)
			ctx.Shutdown()
		})
	}

	if err := g.Run(); err != nil {
		logger.Warn("exporter exiting", zap.Error(err))
	}
}

// warmPoll blocks startup until every chain's poll loop has completed at
// least one attempt, per WARM_POLL_ENABLED (§6) — it does not guarantee
// success, only that the first tick has happened before the process
// reports itself ready. All chains share one deadline of the RPC timeout
// plus five seconds, so a single unreachable endpoint cannot hang startup
// forever.
func warmPoll(ctx *appctx.Context, logger *zap.Logger) {
	deadline := time.Now().Add(ctx.Settings.RPCRequestTimeout + 5*time.Second)
	states := ctx.Manager.States()
	for name, state := range states {
		// A finished tick leaves either a success or a failure count behind.
		completed := func() bool { return state.EverSucceeded() || state.ConsecutiveFailures() > 0 }
		for !completed() && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}
		logger.Info("warm poll observed first tick", zap.String("chain", name), zap.Bool("completed", completed()))
	}
}

// watchSignalsAndConfig handles SIGHUP and fsnotify events on the config
// file, both of which drive the same reload path as POST /health/reload.
func watchSignalsAndConfig(ctx context.Context, appCtx *appctx.Context, logger *zap.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("fsnotify watcher unavailable, SIGHUP reload still works", zap.Error(err))
		watcher = nil
	}
	if watcher != nil {
		defer watcher.Close() //nolint:errcheck
		if err := watcher.Add(appCtx.Settings.ConfigPath); err != nil {
			logger.Warn("failed to watch config path", zap.String("path", appCtx.Settings.ConfigPath), zap.Error(err))
		}
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-hup:
			logger.Info("received reload signal", zap.String("signal", sig.String()))
			reload(appCtx, logger)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				logger.Info("config file changed, reloading", zap.String("path", ev.Name))
				reload(appCtx, logger)
			}
		case werr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("fsnotify watcher error", zap.Error(werr))
		}
	}
}

func reload(ctx *appctx.Context, logger *zap.Logger) {
	outcome, err := ctx.Reloader.Reload()
	switch outcome {
	case httpapi.ReloadApplied:
		logger.Info("reload applied")
	case httpapi.ReloadConflict:
		logger.Warn("reload already in flight, skipped")
	case httpapi.ReloadInvalid:
		logger.Error("rejected invalid config reload", zap.Error(err))
	}
}

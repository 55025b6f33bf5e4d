package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chalabi2/evm-chain-exporter/internal/chainstate"
	"github.com/chalabi2/evm-chain-exporter/internal/chunker"
	"github.com/chalabi2/evm-chain-exporter/internal/collector"
	"github.com/chalabi2/evm-chain-exporter/internal/evmrpc"
	"github.com/chalabi2/evm-chain-exporter/internal/metrics"
	"github.com/chalabi2/evm-chain-exporter/internal/poller"
	"github.com/chalabi2/evm-chain-exporter/internal/readiness"
)

type stubSource struct {
	states map[string]*chainstate.State
}

func (s *stubSource) States() map[string]*chainstate.State { return s.states }

func newTestManager(t *testing.T) *poller.Manager {
	t.Helper()
	reg := metrics.New()
	logger := zaptest.NewLogger(t)
	pool := evmrpc.NewPool(reg, logger, 10*time.Second)
	col := collector.New(reg, chunker.New(2000, 10, 5000), logger)
	return poller.NewManager(pool, col, reg, 16*time.Second, logger)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestHealthServer_HealthAlwaysOK(t *testing.T) {
	eval := readiness.New(&stubSource{states: map[string]*chainstate.State{}}, 300*time.Second)
	m := newTestManager(t)
	defer m.StopAll()
	reloader := NewConfigReloader(writeConfig(t, "blockchains = []\n"), 5*time.Minute, m)
	srv := NewHealthServer(eval, reloader, zaptest.NewLogger(t))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHealthServer_LivezReflectsLiveness(t *testing.T) {
	s := chainstate.New("a", time.Second)
	eval := readiness.New(&stubSource{states: map[string]*chainstate.State{"a": s}}, 300*time.Second)
	m := newTestManager(t)
	defer m.StopAll()
	reloader := NewConfigReloader(writeConfig(t, "blockchains = []\n"), 5*time.Minute, m)
	srv := NewHealthServer(eval, reloader, zaptest.NewLogger(t))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/livez", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code, "no poll attempt yet, should not be live")

	s.RecordAttempt(time.Now().Unix())

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/livez", nil))
	require.Equal(t, http.StatusOK, rr.Code, "a poll attempt was recorded")
}

func TestHealthServer_ReadyzReflectsReadiness(t *testing.T) {
	s := chainstate.New("a", time.Second)
	eval := readiness.New(&stubSource{states: map[string]*chainstate.State{"a": s}}, 300*time.Second)
	m := newTestManager(t)
	defer m.StopAll()
	reloader := NewConfigReloader(writeConfig(t, "blockchains = []\n"), 5*time.Minute, m)
	srv := NewHealthServer(eval, reloader, zaptest.NewLogger(t))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	s.RecordSuccess(time.Now().Unix(), time.Second)

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHealthServer_DetailsReturnsPerChainTable(t *testing.T) {
	s := chainstate.New("a", time.Second)
	s.RecordSuccess(time.Now().Unix(), time.Second)
	eval := readiness.New(&stubSource{states: map[string]*chainstate.State{"a": s}}, 300*time.Second)
	m := newTestManager(t)
	defer m.StopAll()
	reloader := NewConfigReloader(writeConfig(t, "blockchains = []\n"), 5*time.Minute, m)
	srv := NewHealthServer(eval, reloader, zaptest.NewLogger(t))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/details", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var out []chainstate.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, "a", out[0].Name)
}

func TestHealthServer_ReloadAcceptsValidConfig(t *testing.T) {
	eval := readiness.New(&stubSource{states: map[string]*chainstate.State{}}, 300*time.Second)
	m := newTestManager(t)
	defer m.StopAll()
	path := writeConfig(t, `
blockchains = [
  { name = "a", rpc_url = "http://127.0.0.1:1" },
]
`)
	reloader := NewConfigReloader(path, 5*time.Minute, m)
	srv := NewHealthServer(eval, reloader, zaptest.NewLogger(t))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/health/reload", nil))
	require.Equal(t, http.StatusAccepted, rr.Code)

	require.Contains(t, m.States(), "a")
}

func TestHealthServer_ReloadRejectsInvalidConfig(t *testing.T) {
	eval := readiness.New(&stubSource{states: map[string]*chainstate.State{}}, 300*time.Second)
	m := newTestManager(t)
	defer m.StopAll()
	path := writeConfig(t, `blockchains = [ { name = "a" } ]`) // missing rpc_url
	reloader := NewConfigReloader(path, 5*time.Minute, m)
	srv := NewHealthServer(eval, reloader, zaptest.NewLogger(t))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/health/reload", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, m.States(), "an invalid reload must leave the running system untouched")
}

func TestHealthServer_ReloadConflictWhenAlreadyInFlight(t *testing.T) {
	m := newTestManager(t)
	defer m.StopAll()
	path := writeConfig(t, "blockchains = []\n")
	reloader := NewConfigReloader(path, 5*time.Minute, m)

	reloader.inFlight = 1 // simulate a reload already running
	outcome, err := reloader.Reload()
	require.NoError(t, err)
	require.Equal(t, ReloadConflict, outcome)
}

func TestHealthServer_RejectsWrongMethod(t *testing.T) {
	eval := readiness.New(&stubSource{states: map[string]*chainstate.State{}}, 300*time.Second)
	m := newTestManager(t)
	defer m.StopAll()
	reloader := NewConfigReloader(writeConfig(t, "blockchains = []\n"), 5*time.Minute, m)
	srv := NewHealthServer(eval, reloader, zaptest.NewLogger(t))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/health", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/reload", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

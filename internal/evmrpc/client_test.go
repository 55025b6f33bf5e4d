package evmrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/chalabi2/evm-chain-exporter/internal/metrics"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     json.RawMessage   `json:"id"`
}

// jsonRPCServer serves canned responses keyed by method, optionally failing
// the first N calls to a method to exercise the retry path.
func jsonRPCServer(t *testing.T, responses map[string]string, failFirst map[string]int) *httptest.Server {
	t.Helper()
	calls := make(map[string]*int64)
	for m := range failFirst {
		var n int64
		calls[m] = &n
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if limit, ok := failFirst[req.Method]; ok {
			n := atomic.AddInt64(calls[req.Method], 1)
			if int(n) <= limit {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32005,"message":"rate limit exceeded"}}`))
				return
			}
		}

		result, ok := responses[req.Method]
		if !ok {
			http.Error(w, "unexpected method "+req.Method, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + result + `}`))
	}))
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := Dial("c1", srv.URL, 5*time.Second, metrics.New(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestClient_ChainID(t *testing.T) {
	srv := jsonRPCServer(t, map[string]string{"eth_chainId": `"0x1"`}, nil)
	defer srv.Close()

	c := newTestClient(t, srv)
	id, err := c.ChainID(context.Background())
	if err != nil {
		t.Fatalf("ChainID: %v", err)
	}
	if id.Int64() != 1 {
		t.Errorf("expected chain id 1, got %d", id.Int64())
	}
}

func TestClient_LatestBlockNumber(t *testing.T) {
	srv := jsonRPCServer(t, map[string]string{"eth_blockNumber": `"0x64"`}, nil)
	defer srv.Close()

	c := newTestClient(t, srv)
	n, err := c.LatestBlockNumber(context.Background())
	if err != nil {
		t.Fatalf("LatestBlockNumber: %v", err)
	}
	if n != 100 {
		t.Errorf("expected block 100, got %d", n)
	}
}

func TestClient_FinalizedBlockNumber_Unsupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, ok, err := c.FinalizedBlockNumber(context.Background())
	if err != nil {
		t.Fatalf("expected no error for unsupported finalized tag, got %v", err)
	}
	if ok {
		t.Error("expected ok=false when node doesn't support finalized tag")
	}
}

func TestClient_RetriesTransientThenSucceeds(t *testing.T) {
	srv := jsonRPCServer(t,
		map[string]string{"eth_blockNumber": `"0x1"`},
		map[string]int{"eth_blockNumber": 2},
	)
	defer srv.Close()

	c := newTestClient(t, srv)
	n, err := c.LatestBlockNumber(context.Background())
	if err != nil {
		t.Fatalf("expected eventual success after transient errors, got %v", err)
	}
	if n != 1 {
		t.Errorf("expected block 1, got %d", n)
	}
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	srv := jsonRPCServer(t,
		map[string]string{"eth_blockNumber": `"0x1"`},
		map[string]int{"eth_blockNumber": 99},
	)
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.LatestBlockNumber(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausting retry budget")
	}
}

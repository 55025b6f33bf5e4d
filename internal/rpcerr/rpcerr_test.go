package rpcerr

import (
	"context"
	"errors"
	"testing"
)

func TestClassify_DeadlineExceeded(t *testing.T) {
	e := Classify("block_number", context.DeadlineExceeded)
	if e.Category != Timeout {
		t.Errorf("expected Timeout, got %v", e.Category)
	}
	if !e.Transient {
		t.Error("expected timeout to be transient")
	}
}

func TestClassify_ConnectionRefused(t *testing.T) {
	e := Classify("balance", errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"))
	if e.Category != Connection {
		t.Errorf("expected Connection, got %v", e.Category)
	}
	if !e.Transient {
		t.Error("expected connection errors to be transient")
	}
}

func TestClassify_Unknown(t *testing.T) {
	e := Classify("call", errors.New("something weird happened"))
	if e.Category != Unknown {
		t.Errorf("expected Unknown, got %v", e.Category)
	}
	if !e.Transient {
		t.Error("unknown errors default to transient")
	}
}

func TestClassify_AlreadyCategorised(t *testing.T) {
	orig := New("logs", RPC, true, errors.New("range too wide"))
	e := Classify("logs", orig)
	if e != orig {
		t.Error("expected Classify to pass through an already-categorised error")
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(errors.New("plain error")) {
		t.Error("plain errors are not transient by default")
	}
	if !IsTransient(New("x", Timeout, true, errors.New("boom"))) {
		t.Error("expected transient Error to report transient")
	}
}

func TestCategoryOf(t *testing.T) {
	if CategoryOf(errors.New("plain")) != Unknown {
		t.Error("expected Unknown for uncategorised error")
	}
	if CategoryOf(New("x", Value, false, errors.New("bad"))) != Value {
		t.Error("expected Value category to round-trip")
	}
}

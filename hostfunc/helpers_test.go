package hostfunc

import (
	"context"
	"testing"
)

func newTestHost(t *testing.T, cfg Config) *Host {
	t.Helper()
	h, err := NewHost(cfg)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func newTestInvocation(t *testing.T, h *Host) *Invocation {
	t.Helper()
	inv := NewInvocation(context.Background(), h, nil)
	t.Cleanup(inv.Release)
	return inv
}

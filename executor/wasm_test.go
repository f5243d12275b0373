package executor_test

import (
	"context"
	"testing"

	"github.com/caffeineduck/cube/executor"
)

// emptyStart is a module whose _start returns immediately.
var emptyStart = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

// trapStart is a module whose _start executes unreachable.
var trapStart = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
	0x0a, 0x05, 0x01, 0x03, 0x00, 0x00, 0x0b,
}

func TestRunWASM(t *testing.T) {
	exec := newExecutor(t, nil)

	result := exec.RunWASM(context.Background(), executor.NewGuest("empty", emptyStart))
	if result.Error != nil {
		t.Fatalf("empty: %v", result.Error)
	}
	if result.Output != "" {
		t.Errorf("output = %q", result.Output)
	}

	// The compiled module is reused by name.
	if r := exec.RunWASM(context.Background(), executor.NewGuest("empty", emptyStart)); r.Error != nil {
		t.Fatalf("second run: %v", r.Error)
	}

	if r := exec.RunWASM(context.Background(), executor.NewGuest("trap", trapStart)); r.Error == nil {
		t.Error("expected error from trapping guest")
	}
}

func TestRunWASMInvalidModule(t *testing.T) {
	exec := newExecutor(t, nil)
	if r := exec.RunWASM(context.Background(), executor.NewGuest("junk", []byte("not wasm"))); r.Error == nil {
		t.Error("expected compile error")
	}
}

func TestRunWASMDiskCache(t *testing.T) {
	exec := newExecutor(t, nil, executor.WithDiskCache(t.TempDir()), executor.WithMemoryLimit(executor.MemoryLimit16MB))
	if r := exec.RunWASM(context.Background(), executor.NewGuest("empty", emptyStart)); r.Error != nil {
		t.Fatalf("run: %v", r.Error)
	}
}

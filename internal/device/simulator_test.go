package device

import (
	"context"
	"testing"
	"time"
)

func TestSimulatorReportsInitialVersion(t *testing.T) {
	sim := NewSimulator([]byte("1.0"))
	sim.writeDelay = time.Millisecond

	version, err := sim.Version(context.Background())
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if string(version) != "1.0" {
		t.Fatalf("expected 1.0, got %q", version)
	}
}

func TestSimulatorNeverReportsAPendingUpdate(t *testing.T) {
	sim := NewSimulator([]byte("1.0"))
	pending, err := sim.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if pending != nil {
		t.Fatalf("expected no pending update, got %+v", pending)
	}
}

func TestSimulatorSwapUpdatesReportedVersion(t *testing.T) {
	sim := NewSimulator([]byte("1.0"))
	sim.writeDelay = time.Millisecond
	ctx := context.Background()

	if err := sim.Swap(ctx, []byte("2.0"), [32]byte{}); err != nil {
		t.Fatalf("swap: %v", err)
	}

	version, err := sim.Version(ctx)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if string(version) != "2.0" {
		t.Fatalf("expected 2.0 after swap, got %q", version)
	}
}

func TestSimulatorWriteHonorsCancellation(t *testing.T) {
	sim := NewSimulator([]byte("1.0"))
	sim.writeDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sim.Write(ctx, 0, []byte("data")); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestSimulatorMTUConstant(t *testing.T) {
	sim := NewSimulator([]byte("1.0"))
	if sim.MTU() != SimulatorMTU {
		t.Fatalf("expected MTU %d, got %d", SimulatorMTU, sim.MTU())
	}
}

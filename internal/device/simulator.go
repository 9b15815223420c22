package device

import (
	"context"
	"sync"
	"time"
)

// SimulatorMTU matches the original DeviceSimulator's MTU constant.
const SimulatorMTU = 256

// Simulator is an in-memory Device used by the CLI's "run" command when the
// config sets device.transport to "simulate" (or leaves it empty), and by
// the session driver's own tests. Its only failure is a Write whose context
// is cancelled, and it forgets any in-progress write across process
// restarts, matching the reference DeviceSimulator.
type Simulator struct {
	mu         sync.Mutex
	version    []byte
	writeDelay time.Duration
}

// NewSimulator creates a simulator reporting version as its current firmware.
func NewSimulator(version []byte) *Simulator {
	return &Simulator{version: version, writeDelay: 100 * time.Millisecond}
}

func (s *Simulator) MTU() uint32 { return SimulatorMTU }

func (s *Simulator) Version(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.version...), nil
}

func (s *Simulator) Status(ctx context.Context) (*PendingUpdate, error) {
	return nil, nil
}

func (s *Simulator) Start(ctx context.Context, version []byte) error {
	return nil
}

func (s *Simulator) Write(ctx context.Context, offset uint32, data []byte) error {
	select {
	case <-time.After(s.writeDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Simulator) Swap(ctx context.Context, version []byte, checksum [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = append([]byte(nil), version...)
	return nil
}

func (s *Simulator) Synced(ctx context.Context, markBooted bool) error {
	return nil
}

package source

import (
	"context"
	"testing"
	"time"
)

func TestPollWaiterHonorsPollHintOverDefault(t *testing.T) {
	hint := uint32(1)
	w := &PollWaiter{DefaultInterval: time.Hour}

	start := time.Now()
	if err := w.Wait(context.Background(), &hint); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("expected the 1s poll hint to override the 1h default, waited %s", elapsed)
	}
}

func TestPollWaiterWakeupCutsWaitShort(t *testing.T) {
	wakeup := make(chan struct{}, 1)
	w := &PollWaiter{Wakeup: wakeup, DefaultInterval: time.Hour}
	wakeup <- struct{}{}

	done := make(chan struct{})
	go func() {
		w.Wait(context.Background(), nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the wakeup to cut the hour-long wait short")
	}
}

func TestPollWaiterHonorsCancellation(t *testing.T) {
	w := &PollWaiter{DefaultInterval: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Wait(ctx, nil); err == nil {
		t.Fatal("expected an error when the context is already cancelled")
	}
}

// Package device defines the Firmware Device contract and a handful of
// concrete realizations: an in-memory simulator, a framed serial transport,
// a BLE GATT transport, and a local ZeroMQ IPC transport.
package device

import "context"

// PendingUpdate is what Status() reports when a write is already in
// progress on the device.
type PendingUpdate struct {
	NextVersion []byte
	Offset      uint32
}

// Device is a writable firmware target. None of its methods may be called
// concurrently with another call on the same Device; the session driver
// (internal/session) owns a Device exclusively for the duration of one run.
type Device interface {
	// MTU returns the maximum bytes this device accepts in a single Write.
	MTU() uint32

	// Version returns the firmware version currently running.
	Version(ctx context.Context) ([]byte, error)

	// Status returns the in-progress update the device remembers, if any.
	Status(ctx context.Context) (*PendingUpdate, error)

	// Start prepares the device to accept Write at offset 0 for version.
	Start(ctx context.Context, version []byte) error

	// Write persists data at offset. On success the device's own offset
	// counter equals offset+len(data).
	Write(ctx context.Context, offset uint32, data []byte) error

	// Swap requests the device commit the received image and boot it.
	// Transport failures after the request has been sent are treated by
	// the caller as success; the device may have reset already.
	Swap(ctx context.Context, version []byte, checksum [32]byte) error

	// Synced notifies the device that the source considers it up to date.
	// If the caller previously dispatched a Swap, this is the device's cue
	// to mark the freshly booted image good ("mark booted").
	Synced(ctx context.Context, markBooted bool) error
}

// Package session implements the Update Driver: the state machine that
// turns a Firmware Source and a Firmware Device into one terminating
// update session.
package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/agsys/dfu-agent/internal/device"
	"github.com/agsys/dfu-agent/internal/protocol"
	"github.com/agsys/dfu-agent/internal/source"
)

// Outcome is the tri-state result of one RunSession pass, letting the
// caller's outer loop (Driver.Run) decide whether to restart
// a fresh session after a device reboot, per the reference FirmwareUpdater's
// check/run split.
type Outcome int

const (
	// Synced means the device reported the target version with no update
	// in progress; the session is complete.
	Synced Outcome = iota
	// Rebooted means a Swap was dispatched and the device is expected to
	// reset; the caller should start a new session to re-observe state.
	Rebooted
)

func (o Outcome) String() string {
	switch o {
	case Synced:
		return "synced"
	case Rebooted:
		return "rebooted"
	default:
		return "unknown"
	}
}

// Recorder persists a completed Session Record. It is purely observational;
// the driver never consults it to make planning decisions.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Waiter pauses Run's outer loop between a Synced outcome and the next
// session, honoring a Sync command's advisory poll_hint_seconds. A source
// capable of being woken early (the Cloud Push Notifier) can cut the wait
// short by returning before pollHintSeconds elapses.
type Waiter interface {
	Wait(ctx context.Context, pollHintSeconds *uint32) error
}

// Record is one append-only entry in the session history store.
type Record struct {
	DeviceLabel   string
	FromVersion   string
	ToVersion     string
	Outcome       string
	ChunksWritten int
	StartedAt     time.Time
	FinishedAt    time.Time
	ErrorMessage  string
}

// Driver owns one Source+Device pair for the duration of one or more
// sessions. It is not safe for concurrent use.
type Driver struct {
	Device      device.Device
	Source      source.Source
	DeviceLabel string
	Recorder    Recorder

	// Waiter, if set, makes Run keep polling after a Synced outcome instead
	// of returning: it waits out the last Sync's poll_hint_seconds (or is
	// woken early) before starting another session. Local sources have
	// nothing to wait for, so this is left nil for them.
	Waiter Waiter

	// updated survives across the outer Swap/reboot/Sync loop (it is the
	// session state's updated_flag) so the Sync that follows a Swap still
	// knows to mark the freshly booted image good. It is cleared once a
	// session terminates on Sync.
	updated bool

	// lastPollHint is the poll_hint_seconds carried by the most recent Sync,
	// consulted by Run when a Waiter is set.
	lastPollHint *uint32
}

// New builds a Driver over a Device and Source pair.
func New(dev device.Device, src source.Source, deviceLabel string) *Driver {
	return &Driver{Device: dev, Source: src, DeviceLabel: deviceLabel}
}

// RunSession drives exactly one inner loop: device.Version, then repeated
// Source.Request/dispatch cycles, until either a Sync terminates the
// session or a Swap is dispatched (in which case the caller should start a
// fresh RunSession to re-observe the rebooted device, per step 5 of the
// Update Driver's state machine).
func (d *Driver) RunSession(ctx context.Context) (Outcome, error) {
	startedAt := time.Now()
	var chunksWritten int
	var fromVersion, toVersion string

	outcome, err := d.runSession(ctx, &chunksWritten, &fromVersion, &toVersion)

	if d.Recorder != nil {
		rec := Record{
			DeviceLabel:   d.DeviceLabel,
			FromVersion:   fromVersion,
			ToVersion:     toVersion,
			ChunksWritten: chunksWritten,
			StartedAt:     startedAt,
			FinishedAt:    time.Now(),
		}
		switch {
		case ctx.Err() != nil:
			rec.Outcome = "aborted"
			rec.ErrorMessage = ctx.Err().Error()
		case err != nil:
			rec.Outcome = "failed"
			rec.ErrorMessage = err.Error()
		default:
			rec.Outcome = "success"
		}
		if recErr := d.Recorder.Record(ctx, rec); recErr != nil {
			log.Printf("dfu session: failed to record session history: %v", recErr)
		}
	}

	return outcome, err
}

func (d *Driver) runSession(ctx context.Context, chunksWritten *int, fromVersion, toVersion *string) (Outcome, error) {
	current, err := d.Device.Version(ctx)
	if err != nil {
		return Synced, protocol.NewError(protocol.KindTransport, "device.Version", err)
	}
	*fromVersion = string(current)
	*toVersion = string(current)

	pending, err := d.Device.Status(ctx)
	if err != nil {
		return Synced, protocol.NewError(protocol.KindTransport, "device.Status", err)
	}

	status := buildStatus(current, d.Device.MTU(), pending)

	for {
		if err := ctx.Err(); err != nil {
			return Synced, protocol.NewError(protocol.KindTransport, "session cancelled", err)
		}

		cmd, err := d.Source.Request(ctx, status)
		if err != nil {
			return Synced, err
		}

		switch cmd.Tag {
		case protocol.TagWrite:
			*toVersion = string(cmd.Version)
			if cmd.Offset == 0 {
				if err := d.Device.Start(ctx, cmd.Version); err != nil {
					return Synced, protocol.NewError(protocol.KindDevice, "device.Start", err)
				}
			}
			if err := d.Device.Write(ctx, cmd.Offset, cmd.Data); err != nil {
				return Synced, protocol.NewError(protocol.KindDevice, "device.Write", err)
			}
			*chunksWritten++
			status = protocol.NewStatusWithUpdate(current, d.Device.MTU(), cmd.Version, cmd.Offset+uint32(len(cmd.Data)))

		case protocol.TagSwap:
			*toVersion = string(cmd.Version)
			if err := d.Device.Swap(ctx, cmd.Version, cmd.Checksum); err != nil {
				// A transport error here usually means the device has
				// already reset; the caller is expected to re-observe it
				// in a fresh session rather than treat this as fatal.
				log.Printf("dfu session: swap transport error treated as delivered: %v", err)
			}
			d.updated = true
			return Rebooted, nil

		case protocol.TagSync:
			markBooted := d.updated
			d.updated = false
			d.lastPollHint = cmd.PollHint
			if err := d.Device.Synced(ctx, markBooted); err != nil {
				return Synced, protocol.NewError(protocol.KindDevice, "device.Synced", err)
			}
			return Synced, nil

		default:
			return Synced, protocol.NewError(protocol.KindProtocol, "dispatch", fmt.Errorf("unknown command tag %q", cmd.Tag))
		}
	}
}

func buildStatus(version []byte, mtu uint32, pending *device.PendingUpdate) *protocol.Status {
	if pending == nil {
		return protocol.NewStatus(version, mtu)
	}
	return protocol.NewStatusWithUpdate(version, mtu, pending.NextVersion, pending.Offset)
}

// Run drives sessions in a loop, restarting after every Rebooted outcome,
// until a Synced outcome or an error terminates it. This is the outer
// re-session loop (the reference FirmwareUpdater::run), kept separate from
// RunSession so RunSession stays a single pass a caller can also drive by
// hand in tests. The CLI's "run" command calls Run.
//
// When Waiter is set, a Synced outcome does not end Run: it waits out the
// Sync's poll_hint_seconds (or is woken early by the Waiter) and starts
// another session, so a long-running cloud-backed agent keeps checking in
// rather than exiting the moment the device catches up.
func (d *Driver) Run(ctx context.Context) error {
	for {
		outcome, err := d.RunSession(ctx)
		if err != nil {
			return err
		}
		if outcome == Rebooted {
			continue
		}

		if d.Waiter == nil {
			return nil
		}
		log.Printf("dfu session: synced, waiting for next poll")
		if err := d.Waiter.Wait(ctx, d.lastPollHint); err != nil {
			return err
		}
	}
}

// Package source provides the two Firmware Source realizations: a pure
// Local Image planner and an HTTP long-poll Cloud source.
package source

import (
	"context"
	"fmt"

	"github.com/agsys/dfu-agent/internal/firmware"
	"github.com/agsys/dfu-agent/internal/protocol"
)

// Source is the single operation every Firmware Source implements: given the
// device's current Status, decide the next Command.
type Source interface {
	Request(ctx context.Context, status *protocol.Status) (*protocol.Command, error)
}

// Local is a Firmware Source backed by one image already loaded into memory.
// Request is a pure function of (status, image) and never suspends.
type Local struct {
	Image *firmware.Image
}

// NewLocal builds a Local source over an already-loaded image.
func NewLocal(image *firmware.Image) *Local {
	return &Local{Image: image}
}

// Request implements the five-rule decision table: sync if the device
// already runs the target version, write from zero if no update is in
// flight or the in-flight update targets the wrong version, swap once every
// byte has been delivered, otherwise resume the write at the reported
// offset.
func (l *Local) Request(ctx context.Context, status *protocol.Status) (*protocol.Command, error) {
	return Plan(status, l.Image)
}

// Plan implements the Local-Image Planner as a pure function so it can be
// tested directly against Status/Image fixtures without a Source wrapper.
// It returns a KindPlanner error rather than panicking when the reported
// Status is inconsistent with the image (offset beyond the image's size),
// since a device lying about its own progress is a planning failure, not a
// transport or protocol one.
func Plan(status *protocol.Status, image *firmware.Image) (*protocol.Command, error) {
	version := image.Version
	size := uint32(image.Size())
	mtu := status.MTUOrDefault()

	if bytesEqual(status.Version, version) {
		return protocol.NewSync(status.Version, nil), nil
	}

	if status.Update == nil {
		return writeFrom(image, 0, mtu), nil
	}

	if !bytesEqual(status.Update.Version, version) {
		return writeFrom(image, 0, mtu), nil
	}

	if status.Update.Offset > size {
		return nil, protocol.NewError(protocol.KindPlanner, "plan",
			fmt.Errorf("update offset %d exceeds image size %d for version %q", status.Update.Offset, size, version))
	}

	if status.Update.Offset == size {
		var checksum [protocol.ChecksumSize]byte
		return protocol.NewSwap(version, checksum), nil
	}

	return writeFrom(image, status.Update.Offset, mtu), nil
}

func writeFrom(image *firmware.Image, offset, mtu uint32) *protocol.Command {
	size := uint32(image.Size())
	end := offset + mtu
	if end > size {
		end = size
	}
	data := make([]byte, end-offset)
	copy(data, image.Bytes[offset:end])
	return protocol.NewWrite(image.Version, offset, data)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

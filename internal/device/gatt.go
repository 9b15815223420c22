package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"tinygo.org/x/bluetooth"
)

// Firmware service and characteristic UUIDs, matching the reference GATT
// board layout: one service, six characteristics.
var (
	FirmwareServiceUUID    = bluetooth.NewUUID([16]byte{0x00, 0x00, 0x10, 0x00, 0xb0, 0xcd, 0x11, 0xec, 0x87, 0x1f, 0xd4, 0x5d, 0xdf, 0x13, 0x88, 0x40})
	VersionCharUUID        = bluetooth.NewUUID([16]byte{0x00, 0x00, 0x10, 0x01, 0xb0, 0xcd, 0x11, 0xec, 0x87, 0x1f, 0xd4, 0x5d, 0xdf, 0x13, 0x88, 0x40})
	MTUCharUUID            = bluetooth.NewUUID([16]byte{0x00, 0x00, 0x10, 0x02, 0xb0, 0xcd, 0x11, 0xec, 0x87, 0x1f, 0xd4, 0x5d, 0xdf, 0x13, 0x88, 0x40})
	ControlCharUUID        = bluetooth.NewUUID([16]byte{0x00, 0x00, 0x10, 0x03, 0xb0, 0xcd, 0x11, 0xec, 0x87, 0x1f, 0xd4, 0x5d, 0xdf, 0x13, 0x88, 0x40})
	NextVersionCharUUID    = bluetooth.NewUUID([16]byte{0x00, 0x00, 0x10, 0x04, 0xb0, 0xcd, 0x11, 0xec, 0x87, 0x1f, 0xd4, 0x5d, 0xdf, 0x13, 0x88, 0x40})
	OffsetCharUUID         = bluetooth.NewUUID([16]byte{0x00, 0x00, 0x10, 0x05, 0xb0, 0xcd, 0x11, 0xec, 0x87, 0x1f, 0xd4, 0x5d, 0xdf, 0x13, 0x88, 0x40})
	FirmwareDataCharUUID   = bluetooth.NewUUID([16]byte{0x00, 0x00, 0x10, 0x06, 0xb0, 0xcd, 0x11, 0xec, 0x87, 0x1f, 0xd4, 0x5d, 0xdf, 0x13, 0x88, 0x40})
)

// ControlBytes are the device-family-specific values written to the control
// characteristic. These are NOT protocol constants: different firmware
// revisions assign different meaning to these bytes, so callers must supply
// the values that match their target device rather than rely on a default
// that happens to work for one board.
type ControlBytes struct {
	Start      byte
	Swap       byte
	MarkBooted byte
}

// DefaultControlBytes is one observed convention, not a universal one.
var DefaultControlBytes = ControlBytes{Start: 1, Swap: 2, MarkBooted: 3}

// GATT is a BLE Device realization mapping version/mtu/offset/next_version/
// control/firmware onto six characteristics under FirmwareServiceUUID.
type GATT struct {
	adapter *bluetooth.Adapter
	addr    bluetooth.Address
	control ControlBytes

	device bluetooth.Device
	chars  map[bluetooth.UUID]bluetooth.DeviceCharacteristic

	connected bool
	mtu       uint32
}

// NewGATT creates a GATT device targeting addr, using adapter (typically
// bluetooth.DefaultAdapter) for scanning and connection.
func NewGATT(adapter *bluetooth.Adapter, addr bluetooth.Address, control ControlBytes) *GATT {
	return &GATT{adapter: adapter, addr: addr, control: control, mtu: firmwareMTUDefault}
}

const firmwareMTUDefault = 4096

func (g *GATT) MTU() uint32 {
	if g.mtu == 0 {
		return firmwareMTUDefault
	}
	return g.mtu
}

func (g *GATT) connect(ctx context.Context) error {
	if g.connected {
		return nil
	}

	dev, err := g.adapter.Connect(g.addr, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("gatt: connect: %w", err)
	}

	services, err := dev.DiscoverServices([]bluetooth.UUID{FirmwareServiceUUID})
	if err != nil {
		dev.Disconnect()
		return fmt.Errorf("gatt: discover services: %w", err)
	}
	if len(services) == 0 {
		dev.Disconnect()
		return fmt.Errorf("gatt: firmware service not found")
	}

	wanted := []bluetooth.UUID{
		VersionCharUUID, MTUCharUUID, ControlCharUUID,
		NextVersionCharUUID, OffsetCharUUID, FirmwareDataCharUUID,
	}
	chars, err := services[0].DiscoverCharacteristics(wanted)
	if err != nil {
		dev.Disconnect()
		return fmt.Errorf("gatt: discover characteristics: %w", err)
	}

	g.chars = make(map[bluetooth.UUID]bluetooth.DeviceCharacteristic, len(chars))
	for _, c := range chars {
		g.chars[c.UUID()] = c
	}
	for _, uuid := range wanted {
		if _, ok := g.chars[uuid]; !ok {
			dev.Disconnect()
			return fmt.Errorf("gatt: characteristic %s not found", uuid.String())
		}
	}

	g.device = dev
	g.connected = true
	return nil
}

func (g *GATT) readChar(ctx context.Context, uuid bluetooth.UUID) ([]byte, error) {
	if err := g.connect(ctx); err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := g.chars[uuid].Read(buf)
	if err != nil {
		return nil, fmt.Errorf("gatt: read %s: %w", uuid.String(), err)
	}
	return buf[:n], nil
}

func (g *GATT) writeChar(ctx context.Context, uuid bluetooth.UUID, value []byte) error {
	if err := g.connect(ctx); err != nil {
		return err
	}
	if _, err := g.chars[uuid].WriteWithoutResponse(value); err != nil {
		return fmt.Errorf("gatt: write %s: %w", uuid.String(), err)
	}
	return nil
}

func (g *GATT) readOffset(ctx context.Context) (uint32, error) {
	data, err := g.readChar(ctx, OffsetCharUUID)
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("gatt: offset characteristic too short: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint32(data[:4]), nil
}

func (g *GATT) Version(ctx context.Context) ([]byte, error) {
	return g.readChar(ctx, VersionCharUUID)
}

func (g *GATT) Status(ctx context.Context) (*PendingUpdate, error) {
	next, err := g.readChar(ctx, NextVersionCharUUID)
	if err != nil {
		return nil, err
	}
	if len(next) == 0 {
		return nil, nil
	}
	offset, err := g.readOffset(ctx)
	if err != nil {
		return nil, err
	}
	return &PendingUpdate{NextVersion: next, Offset: offset}, nil
}

func (g *GATT) Start(ctx context.Context, version []byte) error {
	if err := g.writeChar(ctx, NextVersionCharUUID, version); err != nil {
		return err
	}
	if err := g.writeChar(ctx, ControlCharUUID, []byte{g.control.Start}); err != nil {
		return err
	}

	for {
		offset, err := g.readOffset(ctx)
		if err != nil {
			return err
		}
		if offset == 0 {
			return nil
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *GATT) Write(ctx context.Context, offset uint32, data []byte) error {
	if mtuBytes, err := g.readChar(ctx, MTUCharUUID); err == nil && len(mtuBytes) >= 1 {
		g.mtu = uint32(mtuBytes[0])
	}

	mtu := int(g.MTU())
	for start := 0; start < len(data); start += mtu {
		end := start + mtu
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]

		if err := g.writeChar(ctx, FirmwareDataCharUUID, chunk); err != nil {
			return err
		}

		want := offset + uint32(end)
		for {
			got, err := g.readOffset(ctx)
			if err != nil {
				return err
			}
			if got == want {
				break
			}
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (g *GATT) Swap(ctx context.Context, version []byte, checksum [32]byte) error {
	err := g.writeChar(ctx, ControlCharUUID, []byte{g.control.Swap})
	if g.connected {
		g.device.Disconnect()
		g.connected = false
	}
	// A transport error here usually means the device reset before it
	// could ack the write; the caller treats that as success.
	return err
}

func (g *GATT) Synced(ctx context.Context, markBooted bool) error {
	if !markBooted {
		return nil
	}
	return g.writeChar(ctx, ControlCharUUID, []byte{g.control.MarkBooted})
}

package device

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// SerialMTU matches the reference SerialUpdater's MTU constant.
const SerialMTU = 128

// FrameSize is the fixed maximum frame size for the serial transport,
// matching the reference implementation's FRAME_SIZE.
const FrameSize = 512

type serialTag string

const (
	serialVersion serialTag = "version"
	serialStatus  serialTag = "status"
	serialStart   serialTag = "start"
	serialWrite   serialTag = "write"
	serialSwap    serialTag = "swap"
	serialSync    serialTag = "sync"
)

// serialRequest is the length-free binary frame sent to the device.
type serialRequest struct {
	Tag        serialTag `cbor:"tag"`
	Version    []byte    `cbor:"version,omitempty"`
	Offset     uint32    `cbor:"offset,omitempty"`
	Data       []byte    `cbor:"data,omitempty"`
	Checksum   [32]byte  `cbor:"checksum,omitempty"`
	MarkBooted bool      `cbor:"mark_booted,omitempty"`
}

// serialResponse is the length-free binary frame read back from the device.
type serialResponse struct {
	Err         string  `cbor:"err,omitempty"`
	Version     []byte  `cbor:"version,omitempty"`
	HasUpdate   bool    `cbor:"has_update,omitempty"`
	NextVersion []byte  `cbor:"next_version,omitempty"`
	Offset      uint32  `cbor:"offset,omitempty"`
}

// Serial is a framed serial Device. It frames each request/response as a
// fixed FrameSize binary blob with no length prefix, matching the
// reference implementation's tokio-serial transport.
type Serial struct {
	port io.ReadWriter
	buf  [FrameSize]byte
}

// NewSerial wraps an already-open serial port (or any byte stream that
// behaves like one, e.g. in tests).
func NewSerial(port io.ReadWriter) *Serial {
	return &Serial{port: port}
}

func (s *Serial) MTU() uint32 { return SerialMTU }

func (s *Serial) request(req serialRequest) (*serialResponse, error) {
	data, err := cbor.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("serial: encode request: %w", err)
	}
	if len(data) > FrameSize {
		return nil, fmt.Errorf("serial: encoded request %d bytes exceeds frame size %d", len(data), FrameSize)
	}

	for i := range s.buf {
		s.buf[i] = 0
	}
	copy(s.buf[:], data)

	if _, err := s.port.Write(s.buf[:]); err != nil {
		return nil, fmt.Errorf("serial: write frame: %w", err)
	}

	if _, err := io.ReadFull(s.port, s.buf[:]); err != nil {
		return nil, fmt.Errorf("serial: read frame: %w", err)
	}

	// The frame is zero-padded to FrameSize; decode only the leading CBOR
	// item and ignore the padding rather than erroring on trailing bytes.
	var resp serialResponse
	dec := cbor.NewDecoder(bytes.NewReader(s.buf[:]))
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("serial: decode response: %w", err)
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("serial: device error: %s", resp.Err)
	}
	return &resp, nil
}

func (s *Serial) Version(ctx context.Context) ([]byte, error) {
	resp, err := s.request(serialRequest{Tag: serialVersion})
	if err != nil {
		return nil, err
	}
	return resp.Version, nil
}

func (s *Serial) Status(ctx context.Context) (*PendingUpdate, error) {
	resp, err := s.request(serialRequest{Tag: serialStatus})
	if err != nil {
		return nil, err
	}
	if !resp.HasUpdate {
		return nil, nil
	}
	return &PendingUpdate{NextVersion: resp.NextVersion, Offset: resp.Offset}, nil
}

func (s *Serial) Start(ctx context.Context, version []byte) error {
	_, err := s.request(serialRequest{Tag: serialStart, Version: version})
	return err
}

func (s *Serial) Write(ctx context.Context, offset uint32, data []byte) error {
	_, err := s.request(serialRequest{Tag: serialWrite, Offset: offset, Data: data})
	return err
}

func (s *Serial) Swap(ctx context.Context, version []byte, checksum [32]byte) error {
	_, err := s.request(serialRequest{Tag: serialSwap, Version: version, Checksum: checksum})
	return err
}

func (s *Serial) Synced(ctx context.Context, markBooted bool) error {
	_, err := s.request(serialRequest{Tag: serialSync, MarkBooted: markBooted})
	return err
}

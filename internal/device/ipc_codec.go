package device

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type writeRequest struct {
	Offset uint32 `cbor:"offset"`
	Data   []byte `cbor:"data"`
}

type swapRequest struct {
	Version  []byte   `cbor:"version"`
	Checksum [32]byte `cbor:"checksum"`
}

type pendingUpdateWire struct {
	NextVersion []byte `cbor:"next_version"`
	Offset      uint32 `cbor:"offset"`
}

// EncodeWriteRequest serializes a write call's arguments for the IPC transport.
func EncodeWriteRequest(offset uint32, data []byte) ([]byte, error) {
	out, err := cbor.Marshal(&writeRequest{Offset: offset, Data: data})
	if err != nil {
		return nil, fmt.Errorf("ipc device: encode write request: %w", err)
	}
	return out, nil
}

// EncodeSwapRequest serializes a swap call's arguments for the IPC transport.
func EncodeSwapRequest(version []byte, checksum [32]byte) ([]byte, error) {
	out, err := cbor.Marshal(&swapRequest{Version: version, Checksum: checksum})
	if err != nil {
		return nil, fmt.Errorf("ipc device: encode swap request: %w", err)
	}
	return out, nil
}

// DecodePendingUpdate parses a status response body into a PendingUpdate.
func DecodePendingUpdate(data []byte) (*PendingUpdate, error) {
	var w pendingUpdateWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return &PendingUpdate{NextVersion: w.NextVersion, Offset: w.Offset}, nil
}

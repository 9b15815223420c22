// Package protocol defines the wire format for the device firmware update
// control plane: the Status report a device sends upstream and the Command
// a source sends back down.
//
// Values are encoded with CBOR (github.com/fxamacker/cbor/v2), a compact
// self-describing binary encoding suitable for both the cloud long-poll
// transport and a framed serial link.
package protocol

import "fmt"

// DefaultMTU is used by a planner when a Status omits mtu.
const DefaultMTU = 4096

// ChecksumSize is the fixed length of a Swap checksum.
const ChecksumSize = 32

// Update describes an in-progress write the device has already accepted.
type Update struct {
	Version []byte `cbor:"version"`
	Offset  uint32 `cbor:"offset"`
}

// Status is a report from device to source.
type Status struct {
	Version       []byte  `cbor:"version"`
	MTU           *uint32 `cbor:"mtu,omitempty"`
	Update        *Update `cbor:"update,omitempty"`
	CorrelationID []byte  `cbor:"correlation_id,omitempty"`
}

// NewStatus builds the initial Status for a session, with no update in progress.
func NewStatus(version []byte, mtu uint32) *Status {
	m := mtu
	return &Status{Version: version, MTU: &m}
}

// NewStatusWithUpdate builds a Status reflecting bytes already accepted at offset.
func NewStatusWithUpdate(version []byte, mtu uint32, nextVersion []byte, offset uint32) *Status {
	m := mtu
	return &Status{
		Version: version,
		MTU:     &m,
		Update: &Update{
			Version: nextVersion,
			Offset:  offset,
		},
	}
}

// MTUOrDefault returns the declared MTU, or DefaultMTU if the Status omits it.
func (s *Status) MTUOrDefault() uint32 {
	if s.MTU == nil {
		return DefaultMTU
	}
	return *s.MTU
}

// Clone returns a deep copy whose byte slices do not alias s's.
func (s *Status) Clone() *Status {
	if s == nil {
		return nil
	}
	out := &Status{Version: cloneBytes(s.Version)}
	if s.MTU != nil {
		m := *s.MTU
		out.MTU = &m
	}
	if s.Update != nil {
		out.Update = &Update{
			Version: cloneBytes(s.Update.Version),
			Offset:  s.Update.Offset,
		}
	}
	out.CorrelationID = cloneBytes(s.CorrelationID)
	return out
}

func (s *Status) String() string {
	if s.Update != nil {
		return fmt.Sprintf("Status{version=%q, update={version=%q, offset=%d}}",
			s.Version, s.Update.Version, s.Update.Offset)
	}
	return fmt.Sprintf("Status{version=%q}", s.Version)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

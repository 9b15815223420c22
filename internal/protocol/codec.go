package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: bad cbor encode options: %v", err))
	}
	encMode = m

	dopts := cbor.DecOptions{MaxArrayElements: 1 << 20, MaxMapPairs: 1 << 16}
	dm, err := dopts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: bad cbor decode options: %v", err))
	}
	decMode = dm
}

// EncodeStatus serializes a Status for transmission.
func EncodeStatus(s *Status) ([]byte, error) {
	data, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}
	return data, nil
}

// DecodeStatus parses a Status from raw bytes, copying all byte fields
// (the "owned" form — safe to retain past the lifetime of data).
func DecodeStatus(data []byte) (*Status, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("status: empty input")
	}
	var s Status
	if err := decMode.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &s, nil
}

// EncodeCommand serializes a Command for transmission.
func EncodeCommand(c *Command) ([]byte, error) {
	data, err := encMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return data, nil
}

// DecodeCommand parses a Command from raw bytes (the owned form).
func DecodeCommand(data []byte) (*Command, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("command: empty input")
	}
	var c Command
	if err := decMode.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if err := validateTag(c.Tag); err != nil {
		return nil, err
	}
	return &c, nil
}

func validateTag(t Tag) error {
	switch t {
	case TagSync, TagWrite, TagSwap:
		return nil
	default:
		return fmt.Errorf("command: unknown tag %q", t)
	}
}

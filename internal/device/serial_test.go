package device

import (
	"bytes"
	"context"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

// fakeSerialPeer emulates a device on the other end of a framed serial
// link: each Write delivers one request frame, and the next Read returns
// one canned response frame, mirroring the real device's request/response
// discipline without needing real hardware.
type fakeSerialPeer struct {
	nextResponse serialResponse
	lastRequest  serialRequest
	respBuf      bytes.Buffer
}

func (p *fakeSerialPeer) Write(b []byte) (int, error) {
	var req serialRequest
	dec := cbor.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&req); err != nil {
		return 0, err
	}
	p.lastRequest = req

	data, err := cbor.Marshal(&p.nextResponse)
	if err != nil {
		return 0, err
	}
	frame := make([]byte, FrameSize)
	copy(frame, data)
	p.respBuf.Write(frame)
	return len(b), nil
}

func (p *fakeSerialPeer) Read(b []byte) (int, error) {
	return p.respBuf.Read(b)
}

func TestSerialVersionRoundTrip(t *testing.T) {
	peer := &fakeSerialPeer{nextResponse: serialResponse{Version: []byte("1.0")}}
	s := NewSerial(peer)

	version, err := s.Version(context.Background())
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if string(version) != "1.0" {
		t.Fatalf("expected 1.0, got %q", version)
	}
	if peer.lastRequest.Tag != serialVersion {
		t.Fatalf("expected version request tag, got %q", peer.lastRequest.Tag)
	}
}

func TestSerialStatusReportsPendingUpdate(t *testing.T) {
	peer := &fakeSerialPeer{nextResponse: serialResponse{
		HasUpdate:   true,
		NextVersion: []byte("2.0"),
		Offset:      4,
	}}
	s := NewSerial(peer)

	pending, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if pending == nil {
		t.Fatal("expected a pending update")
	}
	if string(pending.NextVersion) != "2.0" || pending.Offset != 4 {
		t.Fatalf("unexpected pending update: %+v", pending)
	}
}

func TestSerialStatusReportsNoUpdate(t *testing.T) {
	peer := &fakeSerialPeer{nextResponse: serialResponse{}}
	s := NewSerial(peer)

	pending, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if pending != nil {
		t.Fatalf("expected no pending update, got %+v", pending)
	}
}

func TestSerialWriteSendsOffsetAndData(t *testing.T) {
	peer := &fakeSerialPeer{nextResponse: serialResponse{}}
	s := NewSerial(peer)

	if err := s.Write(context.Background(), 8, []byte("abcd")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if peer.lastRequest.Tag != serialWrite {
		t.Fatalf("expected write request tag, got %q", peer.lastRequest.Tag)
	}
	if peer.lastRequest.Offset != 8 || string(peer.lastRequest.Data) != "abcd" {
		t.Fatalf("unexpected write request: %+v", peer.lastRequest)
	}
}

func TestSerialDeviceErrorSurfaces(t *testing.T) {
	peer := &fakeSerialPeer{nextResponse: serialResponse{Err: "flash busy"}}
	s := NewSerial(peer)

	if _, err := s.Version(context.Background()); err == nil {
		t.Fatal("expected a device error")
	}
}

func TestSerialMTUConstant(t *testing.T) {
	s := NewSerial(&fakeSerialPeer{})
	if s.MTU() != SerialMTU {
		t.Fatalf("expected MTU %d, got %d", SerialMTU, s.MTU())
	}
}

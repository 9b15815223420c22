package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
)

// IPCConfig configures the local ZeroMQ device transport: a REQ socket
// talking to a device daemon running on the same host, mirroring the
// teacher's Concentratord REQ-socket command channel.
type IPCConfig struct {
	CommandURL string // e.g. "ipc:///tmp/dfu-device_command"
}

// DefaultIPCConfig returns a reasonable local socket path.
func DefaultIPCConfig() IPCConfig {
	return IPCConfig{CommandURL: "ipc:///tmp/dfu-device_command"}
}

// IPC is a Device realization used for integration tests and for driving a
// locally-run device simulator daemon over ZeroMQ instead of a real
// transport. Every call is a single request/response round trip over one
// REQ socket: frame 0 is the command tag, frame 1 is the payload (CBOR for
// write and swap, the raw version bytes for start, a single 1 byte or
// nothing for synced, empty for version and status).
type IPC struct {
	cfg  IPCConfig
	mu   sync.Mutex
	sock zmq4.Socket
	mtu  uint32
}

// NewIPC dials the device daemon's command socket.
func NewIPC(ctx context.Context, cfg IPCConfig) (*IPC, error) {
	sock := zmq4.NewReq(ctx)
	if err := sock.Dial(cfg.CommandURL); err != nil {
		return nil, fmt.Errorf("ipc device: dial %s: %w", cfg.CommandURL, err)
	}
	return &IPC{cfg: cfg, sock: sock, mtu: firmwareMTUDefault}, nil
}

// Close releases the underlying socket.
func (d *IPC) Close() error {
	return d.sock.Close()
}

func (d *IPC) MTU() uint32 { return d.mtu }

func (d *IPC) call(tag string, payload []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if payload == nil {
		payload = []byte{}
	}
	msg := zmq4.NewMsgFrom([]byte(tag), payload)
	if err := d.sock.Send(msg); err != nil {
		return nil, fmt.Errorf("ipc device: send %s: %w", tag, err)
	}

	resp, err := d.sock.Recv()
	if err != nil {
		return nil, fmt.Errorf("ipc device: recv %s: %w", tag, err)
	}
	if len(resp.Frames) < 1 {
		return nil, fmt.Errorf("ipc device: empty response to %s", tag)
	}

	status := string(resp.Frames[0])
	var body []byte
	if len(resp.Frames) > 1 {
		body = resp.Frames[1]
	}
	if status != "ok" {
		return nil, fmt.Errorf("ipc device: %s failed: %s", tag, string(body))
	}
	return body, nil
}

func (d *IPC) Version(ctx context.Context) ([]byte, error) {
	return d.call("version", nil)
}

func (d *IPC) Status(ctx context.Context) (*PendingUpdate, error) {
	body, err := d.call("status", nil)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	c, err := DecodePendingUpdate(body)
	if err != nil {
		return nil, fmt.Errorf("ipc device: decode status: %w", err)
	}
	return c, nil
}

func (d *IPC) Start(ctx context.Context, version []byte) error {
	_, err := d.call("start", version)
	return err
}

func (d *IPC) Write(ctx context.Context, offset uint32, data []byte) error {
	body, err := EncodeWriteRequest(offset, data)
	if err != nil {
		return err
	}
	_, err = d.call("write", body)
	return err
}

func (d *IPC) Swap(ctx context.Context, version []byte, checksum [32]byte) error {
	body, err := EncodeSwapRequest(version, checksum)
	if err != nil {
		return err
	}
	_, err = d.call("swap", body)
	return err
}

func (d *IPC) Synced(ctx context.Context, markBooted bool) error {
	var body []byte
	if markBooted {
		body = []byte{1}
	}
	_, err := d.call("synced", body)
	return err
}

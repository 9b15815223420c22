package source

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// NotifierConfig configures the optional Cloud Push Notifier, a side channel
// the cloud can use to wake a sleeping poll loop early instead of waiting
// for Sync.poll_hint_seconds to elapse.
type NotifierConfig struct {
	URL            string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
}

// DefaultNotifierConfig mirrors the teacher's DefaultConfig reconnect/ping
// cadence (internal/cloud/client.go).
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		ReconnectDelay: 5 * time.Second,
		PingInterval:   30 * time.Second,
	}
}

// Notifier maintains a best-effort WebSocket connection and delivers a
// wakeup signal on Wakeup() whenever the server pushes one. It never
// blocks a caller: the channel is buffered and a full channel just drops
// the redundant wakeup, since the poll loop only needs to know "poll now",
// not how many times it was told to.
type Notifier struct {
	cfg     NotifierConfig
	wakeups chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewNotifier builds a Notifier. Call Start to begin the connection loop.
func NewNotifier(cfg NotifierConfig) *Notifier {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &Notifier{
		cfg:      cfg,
		wakeups:  make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Wakeup returns the channel that receives a value each time the server
// pushes a wakeup notification.
func (n *Notifier) Wakeup() <-chan struct{} { return n.wakeups }

// PollWaiter pauses the Update Driver's outer loop between an already-synced
// session and the next poll, honoring Sync.poll_hint_seconds (falling back
// to DefaultInterval when the cloud sends no hint) while letting a Notifier
// wakeup cut the wait short.
type PollWaiter struct {
	Wakeup          <-chan struct{}
	DefaultInterval time.Duration
}

// Wait blocks until pollHintSeconds (or DefaultInterval) elapses, a wakeup
// arrives, or ctx is done.
func (w *PollWaiter) Wait(ctx context.Context, pollHintSeconds *uint32) error {
	interval := w.DefaultInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if pollHintSeconds != nil {
		interval = time.Duration(*pollHintSeconds) * time.Second
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-w.Wakeup:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins the reconnect-with-backoff connection loop in the
// background, following the teacher's connectionLoop shape.
func (n *Notifier) Start(ctx context.Context) {
	n.wg.Add(1)
	go n.connectionLoop(ctx)
}

// Stop closes the connection and waits for the background loop to exit.
func (n *Notifier) Stop() {
	close(n.stopChan)
	n.wg.Wait()
}

func (n *Notifier) connectionLoop(ctx context.Context) {
	defer n.wg.Done()

	for {
		select {
		case <-n.stopChan:
			n.disconnect()
			return
		case <-ctx.Done():
			n.disconnect()
			return
		default:
		}

		if err := n.connect(); err != nil {
			log.Printf("dfu notifier: connect failed: %v", err)
			select {
			case <-time.After(n.cfg.ReconnectDelay):
			case <-n.stopChan:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		n.readLoop(ctx)

		log.Printf("dfu notifier: disconnected, reconnecting")
		select {
		case <-time.After(n.cfg.ReconnectDelay):
		case <-n.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (n *Notifier) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(n.cfg.URL, nil)
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.conn = conn
	n.connected = true
	n.mu.Unlock()
	return nil
}

func (n *Notifier) disconnect() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	n.connected = false
}

func (n *Notifier) readLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.PingInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			n.mu.Lock()
			conn := n.conn
			n.mu.Unlock()
			if conn == nil {
				return
			}
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			select {
			case n.wakeups <- struct{}{}:
			default:
			}
		}
	}()

	for {
		select {
		case <-done:
			n.disconnect()
			return
		case <-ticker.C:
			n.mu.Lock()
			conn := n.conn
			n.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				n.disconnect()
				return
			}
		case <-ctx.Done():
			n.disconnect()
			return
		case <-n.stopChan:
			n.disconnect()
			return
		}
	}
}

package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agsys/dfu-agent/internal/protocol"
)

func TestCloudRequestBacksOffOnUnparseableBody(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("not cbor"))
			return
		}
		cmd := protocol.NewSync([]byte("1.0"), nil)
		data, err := protocol.EncodeCommand(cmd)
		if err != nil {
			t.Fatalf("encode sync: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}))
	defer srv.Close()

	cfg := DefaultCloudConfig()
	cfg.URL = srv.URL
	cfg.BackoffDelay = 10 * time.Millisecond
	cloud := NewCloud(cfg)

	status := protocol.NewStatus([]byte("1.0"), 4096)

	start := time.Now()
	cmd, err := cloud.Request(context.Background(), status)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if elapsed := time.Since(start); elapsed < cfg.BackoffDelay {
		t.Fatalf("expected at least one backoff sleep of %s, elapsed %s", cfg.BackoffDelay, elapsed)
	}
	if !cmd.IsSync() {
		t.Fatalf("expected Sync, got %s", cmd)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 POSTs (1 backoff + 1 success), got %d", calls)
	}
}

func TestCloudRequestWakeupShortCircuitsBackoff(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("not cbor"))
			return
		}
		cmd := protocol.NewSync([]byte("1.0"), nil)
		data, err := protocol.EncodeCommand(cmd)
		if err != nil {
			t.Fatalf("encode sync: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}))
	defer srv.Close()

	cfg := DefaultCloudConfig()
	cfg.URL = srv.URL
	cfg.BackoffDelay = time.Hour
	cloud := NewCloud(cfg)

	wakeup := make(chan struct{}, 1)
	cloud.SetWakeup(wakeup)
	wakeup <- struct{}{}

	status := protocol.NewStatus([]byte("1.0"), 4096)

	done := make(chan struct{})
	var cmd *protocol.Command
	var err error
	go func() {
		cmd, err = cloud.Request(context.Background(), status)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the wakeup to short-circuit the hour-long backoff")
	}

	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !cmd.IsSync() {
		t.Fatalf("expected Sync, got %s", cmd)
	}
}

func TestCloudRequestFailsFastOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := DefaultCloudConfig()
	cfg.URL = srv.URL
	cloud := NewCloud(cfg)

	status := protocol.NewStatus([]byte("1.0"), 4096)
	_, err := cloud.Request(context.Background(), status)
	if err == nil {
		t.Fatal("expected an error on HTTP 401")
	}
}

func TestCloudRequestUsesBasicAuthAndQueryParams(t *testing.T) {
	var gotUser, gotPass string
	var gotCT, gotAs string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		gotCT = r.URL.Query().Get("ct")
		gotAs = r.URL.Query().Get("as")
		cmd := protocol.NewSync([]byte("1.0"), nil)
		data, _ := protocol.EncodeCommand(cmd)
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}))
	defer srv.Close()

	cfg := DefaultCloudConfig()
	cfg.URL = srv.URL
	cfg.User = "device-1"
	cfg.Password = "secret"
	cfg.ActAsName = "device-1@greenhouse"
	cfg.LongPollTimeout = 20 * time.Second
	cloud := NewCloud(cfg)

	status := protocol.NewStatus([]byte("1.0"), 4096)
	if _, err := cloud.Request(context.Background(), status); err != nil {
		t.Fatalf("request: %v", err)
	}

	if gotUser != "device-1" || gotPass != "secret" {
		t.Fatalf("expected basic auth device-1:secret, got %s:%s", gotUser, gotPass)
	}
	if gotCT != "20" {
		t.Fatalf("expected ct=20, got %q", gotCT)
	}
	if gotAs != "device-1@greenhouse" {
		t.Fatalf("expected as=device-1@greenhouse, got %q", gotAs)
	}
}

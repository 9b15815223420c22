package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/agsys/dfu-agent/internal/protocol"
)

// CloudConfig configures the long-poll Cloud source, matching the teacher's
// habit of a plain config struct with a DefaultConfig constructor
// (internal/cloud/client.go's Config/DefaultConfig).
type CloudConfig struct {
	URL                   string        // base URL, e.g. "https://dfu.example.com"
	Path                  string        // request path, default "/v1/dfu"
	User                  string        // HTTP Basic username
	Password              string        // HTTP Basic password
	LongPollTimeout       time.Duration // sent as the "ct" query parameter, in seconds
	ActAsName             string        // optional "as" query parameter
	BackoffDelay          time.Duration // sleep between retries on an unparseable body
	RequestTimeoutSlack   time.Duration // extra client-side timeout slack over LongPollTimeout
}

// DefaultCloudConfig fills in the backoff and slack the spec names.
func DefaultCloudConfig() CloudConfig {
	return CloudConfig{
		Path:                "/v1/dfu",
		LongPollTimeout:     30 * time.Second,
		BackoffDelay:        time.Second,
		RequestTimeoutSlack: 5 * time.Second,
	}
}

// Cloud is a Firmware Source that long-polls a server: POST the current
// Status, and either get back a Command or an unparseable body, in which
// case it sleeps BackoffDelay and retries the same POST.
type Cloud struct {
	cfg    CloudConfig
	client *http.Client
	wakeup <-chan struct{}
}

// NewCloud builds a Cloud source. The caller may override cfg.RequestTimeoutSlack
// and cfg.BackoffDelay; zero values fall back to DefaultCloudConfig's.
func NewCloud(cfg CloudConfig) *Cloud {
	if cfg.Path == "" {
		cfg.Path = "/v1/dfu"
	}
	if cfg.BackoffDelay <= 0 {
		cfg.BackoffDelay = time.Second
	}
	if cfg.RequestTimeoutSlack <= 0 {
		cfg.RequestTimeoutSlack = 5 * time.Second
	}
	return &Cloud{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.LongPollTimeout + cfg.RequestTimeoutSlack},
	}
}

// SetWakeup attaches the Cloud Push Notifier's wakeup channel. Once set, a
// pushed wakeup short-circuits the backoff sleep between retries instead of
// waiting the full BackoffDelay out.
func (c *Cloud) SetWakeup(wakeup <-chan struct{}) {
	c.wakeup = wakeup
}

// Request performs one logical long-poll exchange, retrying internally on
// an unparseable 2xx body until a Command decodes or the context is done.
func (c *Cloud) Request(ctx context.Context, status *protocol.Status) (*protocol.Command, error) {
	body, err := protocol.EncodeStatus(status)
	if err != nil {
		return nil, protocol.NewError(protocol.KindProtocol, "encode status", err)
	}

	for {
		cmd, retry, err := c.poll(ctx, body)
		if err != nil {
			return nil, err
		}
		if !retry {
			return cmd, nil
		}

		select {
		case <-time.After(c.cfg.BackoffDelay):
		case <-c.wakeup:
		case <-ctx.Done():
			return nil, protocol.NewError(protocol.KindTransport, "cloud poll", ctx.Err())
		}
	}
}

// poll issues one POST. retry is true only when the response was a 2xx with
// a body that failed to decode as a Command.
func (c *Cloud) poll(ctx context.Context, body []byte) (cmd *protocol.Command, retry bool, err error) {
	reqURL, err := c.buildURL()
	if err != nil {
		return nil, false, protocol.NewError(protocol.KindProtocol, "build url", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, protocol.NewError(protocol.KindTransport, "build request", err)
	}
	req.Header.Set("Content-Type", "application/cbor")
	if c.cfg.User != "" || c.cfg.Password != "" {
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, false, protocol.NewError(protocol.KindTransport, "post", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, protocol.NewError(protocol.KindTransport, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, protocol.NewError(protocol.KindTransport, "post",
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody)))
	}

	decoded, decErr := protocol.DecodeCommand(respBody)
	if decErr != nil {
		return nil, true, nil
	}
	return decoded, false, nil
}

func (c *Cloud) buildURL() (string, error) {
	base, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse cloud url: %w", err)
	}
	base.Path = joinPath(base.Path, c.cfg.Path)

	q := base.Query()
	q.Set("ct", strconv.Itoa(int(c.cfg.LongPollTimeout.Seconds())))
	if c.cfg.ActAsName != "" {
		q.Set("as", c.cfg.ActAsName)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func joinPath(base, add string) string {
	if base == "" {
		return add
	}
	if len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if len(add) == 0 || add[0] != '/' {
		add = "/" + add
	}
	return base + add
}

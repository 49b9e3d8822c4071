// Package webhook delivers signed event notifications to agent endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Event names.
const (
	EventProblemCreated   = "problem.created"
	EventSolutionAccepted = "solution.accepted"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Terrace-Event"
	HeaderDelivery  = "X-Terrace-Delivery"
	HeaderSignature = "X-Terrace-Signature"
)

var ErrCircuitOpen = errors.New("webhook circuit open")

// Event is the JSON body posted to an agent.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// StatusError reports a non-2xx answer from the receiver.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook endpoint returned status %d", e.StatusCode)
}

type breaker struct {
	failures  int32
	openUntil int64 // unix nano
}

// Client posts events with a per-host circuit breaker. Retries are left to the caller.
type Client struct {
	cfg    Config
	client *http.Client

	mu       sync.Mutex
	breakers map[string]*breaker
	closed   int32 // atomic flag for Close()
}

// NewClient creates a webhook client. A nil httpClient gets a default transport.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CircuitFailureThreshold <= 0 {
		cfg.CircuitFailureThreshold = def.CircuitFailureThreshold
	}
	if cfg.CircuitReset <= 0 {
		cfg.CircuitReset = def.CircuitReset
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if httpClient == nil {
		dialer := &net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 15 * time.Second,
		}
		if !cfg.AllowPrivate {
			dialer.Control = dialControl
		}
		httpClient = &http.Client{
			// no proxy: the dial check has to see the receiver's own address
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				MaxIdleConns:          20,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   cfg.Timeout,
				ExpectContinueTimeout: time.Second,
			},
			// receivers must answer directly
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Client{cfg: cfg, client: httpClient, breakers: map[string]*breaker{}}
}

// package-level logger for pkg/webhook; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the logger used by pkg/webhook. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret, prefixed with "sha256=".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

func (c *Client) breakerFor(host string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[host]
	if !ok {
		b = &breaker{}
		c.breakers[host] = b
	}
	return b
}

func (c *Client) isCircuitOpen(b *breaker) bool {
	if atomic.LoadInt32(&b.failures) < int32(c.cfg.CircuitFailureThreshold) {
		return false
	}

	if time.Now().UnixNano() < atomic.LoadInt64(&b.openUntil) {
		return true
	}

	// attempt half-open: reset failures and allow a request
	atomic.StoreInt32(&b.failures, 0)
	return false
}

func (c *Client) recordFailure(b *breaker) {
	v := atomic.AddInt32(&b.failures, 1)
	if v >= int32(c.cfg.CircuitFailureThreshold) {
		atomic.StoreInt64(&b.openUntil, time.Now().Add(c.cfg.CircuitReset).UnixNano())
	}
}

// Deliver posts ev to endpoint, signed with secret. Any 2xx answer is success.
func (c *Client) Deliver(ctx context.Context, endpoint, secret string, ev Event) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return errors.New("webhook client closed")
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid webhook url %q", endpoint)
	}
	if !c.cfg.AllowPrivate && !PublicHost(u.Hostname()) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, u.Hostname())
	}

	b := c.breakerFor(u.Host)
	if c.isCircuitOpen(b) {
		return ErrCircuitOpen
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set(HeaderEvent, ev.Type)
	req.Header.Set(HeaderDelivery, ev.ID)
	req.Header.Set(HeaderSignature, Sign(secret, body))

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.recordFailure(b)
		return fmt.Errorf("deliver %s: %w", ev.Type, err)
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.recordFailure(b)
		return &StatusError{StatusCode: resp.StatusCode}
	}

	atomic.StoreInt32(&b.failures, 0)
	logger.Debug("webhook delivered",
		slog.String("event", ev.Type),
		slog.String("delivery", ev.ID),
		slog.String("host", u.Host),
		slog.Duration("latency", time.Since(start)),
	)
	return nil
}

// Close releases idle connections on the underlying transport. Close is
// idempotent and safe to call multiple times.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	// ensure we only run close once
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	if c.client != nil && c.client.Transport != nil {
		if tr, ok := c.client.Transport.(interface{ CloseIdleConnections() }); ok {
			tr.CloseIdleConnections()
		}
	}
	return nil
}

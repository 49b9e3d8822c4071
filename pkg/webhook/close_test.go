package webhook

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

type testTransport struct{ called int32 }

func (t *testTransport) RoundTrip(req *http.Request) (*http.Response, error) { panic("not used") }
func (t *testTransport) CloseIdleConnections()                               { atomic.AddInt32(&t.called, 1) }

func TestClient_Close_IdempotentAndCallsTransport(t *testing.T) {
	tr := &testTransport{}
	c := NewClient(Config{Timeout: time.Second}, &http.Client{Transport: tr})

	if err := c.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if atomic.LoadInt32(&tr.called) != 1 {
		t.Fatalf("expected CloseIdleConnections called once")
	}

	// second call should be a no-op
	if err := c.Close(); err != nil {
		t.Fatalf("Close second call error: %v", err)
	}
	if atomic.LoadInt32(&tr.called) != 1 {
		t.Fatalf("expected CloseIdleConnections not to be called again")
	}

	// a closed client refuses to deliver without touching the transport
	if err := c.Deliver(context.Background(), "http://agent.example.com/hook", "s", Event{ID: "1", Type: EventProblemCreated}); err == nil {
		t.Fatalf("expected closed client to refuse delivery")
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{}, nil)
	defer c.Close()
	def := DefaultConfig()
	if c.cfg.Timeout != def.Timeout || c.cfg.CircuitFailureThreshold != def.CircuitFailureThreshold || c.cfg.UserAgent != def.UserAgent {
		t.Fatalf("expected defaults to fill zero config, got %+v", c.cfg)
	}
}

func TestDefaultTransport_RefusesPrivateDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	c := NewClient(Config{Timeout: time.Second}, nil)
	defer c.Close()
	tr, ok := c.client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("unexpected transport %T", c.client.Transport)
	}

	// a public name that resolves to loopback reaches the dialer with this address
	conn, err := tr.DialContext(context.Background(), "tcp", ln.Addr().String())
	if err == nil {
		conn.Close()
		t.Fatalf("expected dial to a loopback address to be refused")
	}
	if !errors.Is(err, ErrBlockedAddress) {
		t.Fatalf("expected ErrBlockedAddress, got %v", err)
	}

	open := NewClient(Config{Timeout: time.Second, AllowPrivate: true}, nil)
	defer open.Close()
	conn, err = open.client.Transport.(*http.Transport).DialContext(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("AllowPrivate dial: %v", err)
	}
	conn.Close()
}

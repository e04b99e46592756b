// Package tunnel contains the public API to establish and drive an OpenVPN
// client session.
package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/networkio"
	"github.com/facboy/openvpn3/internal/tun"
	"github.com/facboy/openvpn3/pkg/config"
)

// SimpleDialer establishes network connections.
type SimpleDialer interface {
	DialContext(ctx context.Context, network, endpoint string) (net.Conn, error)
}

// TUN is a type alias exposing the internal TUN device on the public API.
type TUN = tun.TUN

// Start starts a VPN tunnel initialized with the passed dialer and config,
// and returns a TUN device that can later be stopped. In case there was any
// error during the initialization of the tunnel, it is returned here.
func Start(ctx context.Context, underlyingDialer SimpleDialer, cfg *config.Config) (*TUN, error) {
	dialer := networkio.NewDialer(cfg.Logger(), underlyingDialer)
	conn, err := dialer.DialContext(ctx, cfg.Remote().Protocol, cfg.Remote().Endpoint)
	if err != nil {
		log.WithError(err).Error("dialer.DialContext")
		return nil, err
	}
	return tun.StartTUN(ctx, conn, cfg)
}

// ErrNotStarted is returned by operations that need a running session.
var ErrNotStarted = errors.New("tunnel: not started")

// ErrAlreadyStarted is returned when starting a client twice.
var ErrAlreadyStarted = errors.New("tunnel: already started")

// Stats is a snapshot of the session counters.
type Stats struct {
	// BytesIn counts decrypted data-channel bytes delivered to the TUN.
	BytesIn int64

	// BytesOut counts data-channel bytes accepted for encryption.
	BytesOut int64
}

// Client drives a single client session through its whole lifecycle. The
// zero value is invalid; use [NewClient]. All methods are safe to call from
// any goroutine: they post their effect onto the running session.
type Client struct {
	mu sync.Mutex

	config  *config.Config
	dialer  SimpleDialer
	tunnel *TUN
	token  string
	done   chan any

	// OnEvent, if set before Start, receives every session event. The
	// client never reconnects on its own: the host decides, except under
	// an explicit Reconnect deadline.
	OnEvent func(*model.Event)
}

// NewClient creates a client around the passed immutable configuration.
func NewClient(cfg *config.Config, dialer SimpleDialer) *Client {
	return &Client{
		config: cfg,
		dialer: dialer,
	}
}

// ProvideCredentials sets the username and password (plus an optional
// challenge response) used during the key-method-2 exchange. Must be called
// before [Client.Start].
func (c *Client) ProvideCredentials(username, password, response string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config.SetCredentials(username, password, response)
}

// Start begins the session. It blocks until the tunnel is established or
// the passed context expires.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.tunnel != nil {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.mu.Unlock()

	t, err := Start(ctx, c.dialer, c.config)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.tunnel = t
	c.token = uuid.NewString()
	c.done = make(chan any)
	c.mu.Unlock()

	go c.forwardEvents(t, c.done)
	return nil
}

// forwardEvents relays session events to the host callback until the
// session goes away.
func (c *Client) forwardEvents(t *TUN, done <-chan any) {
	for {
		select {
		case ev := <-t.Events():
			c.mu.Lock()
			fn := c.OnEvent
			c.mu.Unlock()
			if fn != nil {
				fn(ev)
			}
			if ev.Fatal {
				// the session is sealed: release everything
				c.Stop()
				return
			}
		case <-done:
			return
		}
	}
}

// Stop tears the session down. Calling it N times has the same effect as
// calling it once.
func (c *Client) Stop() {
	c.mu.Lock()
	t := c.tunnel
	c.tunnel = nil
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

// Pause places the session in a quiescent state preserving keys and session
// IDs; retransmits and keepalives are suppressed until [Client.Resume].
func (c *Client) Pause(reason string) error {
	c.mu.Lock()
	t := c.tunnel
	c.mu.Unlock()
	if t == nil {
		return ErrNotStarted
	}
	t.Pause(reason)
	return nil
}

// Resume restarts the session timers from now.
func (c *Client) Resume() error {
	c.mu.Lock()
	t := c.tunnel
	c.mu.Unlock()
	if t == nil {
		return ErrNotStarted
	}
	t.Resume()
	return nil
}

// Reconnect schedules a one-shot teardown followed by a fresh session after
// the given number of seconds.
func (c *Client) Reconnect(ctx context.Context, seconds int) error {
	c.Stop()
	select {
	case <-time.After(time.Duration(seconds) * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Start(ctx)
}

// Stats returns a snapshot of the session counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	t := c.tunnel
	c.mu.Unlock()
	if t == nil {
		return Stats{}
	}
	in, out := t.BytesCounters()
	return Stats{BytesIn: in, BytesOut: out}
}

// SessionToken returns an opaque token identifying the current session, or
// the empty string when no session is established.
func (c *Client) SessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tunnel == nil {
		return ""
	}
	return c.token
}

// TUN returns the established tunnel device, or nil.
func (c *Client) TUN() *TUN {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tunnel
}

// Package tun is the glue between the OpenVPN session and the host: it
// exposes the established tunnel as a [net.Conn]-like device and owns the
// lifecycle of all the workers implementing the protocol.
package tun

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/networkio"
	"github.com/facboy/openvpn3/internal/session"
	"github.com/facboy/openvpn3/pkg/config"
)

// ErrInitializationTimeout means the tunnel did not become ready in time.
var ErrInitializationTimeout = errors.New("openvpn: initialization timed out")

// StartTUN initializes and starts the TUN device over the vpn session. If
// the session cannot be established, or the passed context expires first,
// it returns an error.
//
// This function TAKES OWNERSHIP of the conn.
func StartTUN(ctx context.Context, conn networkio.FramingConn, cfg *config.Config) (*TUN, error) {
	// create a session
	sessionManager, err := session.NewManager(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	// create the TUN that will OWN the connection
	tunnel := newTUN(cfg.Logger(), conn, sessionManager)

	// start all the workers
	workers := startWorkers(cfg, conn, sessionManager, tunnel)
	tunnel.whenDone(func() {
		workers.StartShutdown()
		workers.WaitWorkersShutdown()
	})

	// wait for the data channel keys to be ready, or for something to
	// break first
	select {
	case <-sessionManager.Ready:
		return tunnel, nil

	case ev := <-sessionManager.Events().Events():
		if ev.Fatal {
			tunnel.Close()
			return nil, errors.New(ev.String())
		}
		// non-fatal events during bring-up are only informational
		cfg.Logger().Infof("tun: %s", ev)
		select {
		case <-sessionManager.Ready:
			return tunnel, nil
		case <-ctx.Done():
			tunnel.Close()
			return nil, ErrInitializationTimeout
		}

	case <-ctx.Done():
		tunnel.Close()
		return nil, ErrInitializationTimeout
	}
}

// TUN presents the established tunnel as an I/O device: writes are
// encrypted and sent to the peer, reads return the decrypted packets the
// peer sent us.
type TUN struct {
	// tunDown moves bytes down to the data channel.
	tunDown chan []byte

	// tunUp moves bytes up from the data channel.
	tunUp chan []byte

	// conn is the underlying connection, which we own.
	conn networkio.FramingConn

	// session gives access to timers, counters and the event bus.
	session *session.Manager

	logger           model.Logger
	closeOnce        sync.Once
	hangup           chan any
	readBuffer       *bytes.Buffer
	readDeadline     *time.Timer
	readDeadlineDone chan any
	whenDoneFn       func()
}

// newTUN creates a new TUN attached to the passed session.
func newTUN(logger model.Logger, conn networkio.FramingConn, session *session.Manager) *TUN {
	return &TUN{
		tunDown:          make(chan []byte),
		tunUp:            make(chan []byte, 10),
		conn:             conn,
		session:          session,
		closeOnce:        sync.Once{},
		hangup:           make(chan any),
		logger:           logger,
		readBuffer:       &bytes.Buffer{},
		readDeadlineDone: make(chan any),
	}
}

// whenDone registers a callback to be executed on close.
func (t *TUN) whenDone(fn func()) {
	t.whenDoneFn = fn
}

// Close closes the tunnel. It is safe to call more than once.
func (t *TUN) Close() error {
	t.closeOnce.Do(func() {
		close(t.hangup)
		// We OWN the connection
		t.conn.Close()
		// execute any shutdown callback (this propagates shutdown to workers)
		if t.whenDoneFn != nil {
			t.whenDoneFn()
		}
		// no key bytes survive the session
		t.session.Zeroize()
	})
	return nil
}

// Read implements net.Conn.Read.
func (t *TUN) Read(data []byte) (int, error) {
	for {
		count, _ := t.readBuffer.Read(data)
		if count > 0 {
			return count, nil
		}
		select {
		case <-t.readDeadlineDone:
			return 0, context.DeadlineExceeded
		case extra := <-t.tunUp:
			t.readBuffer.Write(extra)
		case <-t.hangup:
			return 0, net.ErrClosed
		}
	}
}

// Write implements net.Conn.Write.
func (t *TUN) Write(data []byte) (int, error) {
	select {
	case t.tunDown <- data:
		return len(data), nil
	case <-t.hangup:
		return 0, net.ErrClosed
	}
}

// Events returns the channel over which the session surfaces its typed
// error events. The first fatal event seals the session.
func (t *TUN) Events() <-chan *model.Event {
	return t.session.Events().Events()
}

// Pause places the session in a quiescent state that suppresses retransmits
// and keepalives but preserves key slots and session IDs.
func (t *TUN) Pause(reason string) {
	t.logger.Infof("tun: pausing session: %s", reason)
	t.session.Pause()
}

// Resume restarts the session timers from now.
func (t *TUN) Resume() {
	t.logger.Info("tun: resuming session")
	t.session.Resume()
}

// BytesCounters returns the data-channel byte counters (read, written).
func (t *TUN) BytesCounters() (int64, int64) {
	return t.session.BytesCounters()
}

// LocalAddr implements net.Conn.LocalAddr.
func (t *TUN) LocalAddr() net.Addr {
	ip := t.session.TunnelInfo().IP
	return &tunBioAddr{ip}
}

// RemoteAddr implements net.Conn.RemoteAddr.
func (t *TUN) RemoteAddr() net.Addr {
	gw := t.session.TunnelInfo().GW
	return &tunBioAddr{gw}
}

// NetMask returns the netmask pushed by the server.
func (t *TUN) NetMask() string {
	return t.session.TunnelInfo().NetMask
}

// SetDeadline implements net.Conn.SetDeadline.
func (t *TUN) SetDeadline(tm time.Time) error {
	return t.SetReadDeadline(tm)
}

// SetReadDeadline implements net.Conn.SetReadDeadline.
func (t *TUN) SetReadDeadline(tm time.Time) error {
	// If there's an existing timer, stop it
	if t.readDeadline != nil {
		t.readDeadline.Stop()
	}
	duration := time.Until(tm)
	t.readDeadline = time.AfterFunc(duration, func() {
		t.readDeadlineDone <- true
	})
	return nil
}

// SetWriteDeadline implements net.Conn.SetWriteDeadline.
func (t *TUN) SetWriteDeadline(tm time.Time) error {
	// write deadlines are not implemented
	return nil
}

// tunBioAddr is the type of address returned by [TUN].
type tunBioAddr struct {
	addr string
}

var _ net.Addr = &tunBioAddr{}

// Network implements net.Addr
func (t *tunBioAddr) Network() string {
	return "tunBioAddr"
}

// String implements net.Addr
func (t *tunBioAddr) String() string {
	return t.addr
}

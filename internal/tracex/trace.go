// Package tracex implements a handshake tracer that can be passed to the
// TUN constructor to observe handshake events.
package tracex

import (
	"sync"
	"time"

	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/optional"
)

// Tracer implements [model.HandshakeTracer] by collecting events in memory.
type Tracer struct {
	// events is the array of handshake events.
	events []model.HandshakeEvent

	// mu guards access to the events.
	mu sync.Mutex

	// zeroTime is the time when we started a packet trace.
	zeroTime time.Time
}

// NewTracer returns a Tracer with the passed start time.
func NewTracer(start time.Time) *Tracer {
	return &Tracer{
		zeroTime: start,
	}
}

// TimeNow allows to manipulate time for deterministic tests.
func (t *Tracer) TimeNow() time.Time {
	return time.Now()
}

// OnStateChange is called for each transition in the state machine.
func (t *Tracer) OnStateChange(state int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := newEvent(model.HandshakeEventStateChange, t.TimeNow(), t.zeroTime)
	e.state = state
	t.events = append(t.events, e)
}

// OnIncomingPacket is called when a packet is received.
func (t *Tracer) OnIncomingPacket(packet *model.Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := newEvent(model.HandshakeEventPacketIn, t.TimeNow(), t.zeroTime)
	e.packet = optional.Some(newLoggedPacket(packet, model.DirectionIncoming, 0))
	t.events = append(t.events, e)
}

// OnOutgoingPacket is called when a packet is about to be sent.
func (t *Tracer) OnOutgoingPacket(packet *model.Packet, retries int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := newEvent(model.HandshakeEventPacketOut, t.TimeNow(), t.zeroTime)
	e.packet = optional.Some(newLoggedPacket(packet, model.DirectionOutgoing, retries))
	t.events = append(t.events, e)
}

// OnDroppedPacket is called whenever a packet is dropped (in/out).
func (t *Tracer) OnDroppedPacket(direction model.Direction, packet *model.Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := newEvent(model.HandshakeEventPacketDropped, t.TimeNow(), t.zeroTime)
	e.packet = optional.Some(newLoggedPacket(packet, direction, 0))
	t.events = append(t.events, e)
}

// OnHandshakeDone is called when we have completed a handshake.
func (t *Tracer) OnHandshakeDone(remoteAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := newEvent(model.HandshakeEventStateChange, t.TimeNow(), t.zeroTime)
	t.events = append(t.events, e)
}

// Trace returns a structured log containing the collected events.
func (t *Tracer) Trace() []model.HandshakeEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.HandshakeEvent{}, t.events...)
}

var _ model.HandshakeTracer = &Tracer{}

// newLoggedPacket returns a logged packet for the metadata of the passed packet.
func newLoggedPacket(p *model.Packet, direction model.Direction, retries int) model.LoggedPacket {
	return model.LoggedPacket{
		Direction:   direction,
		Opcode:      p.Opcode,
		ID:          p.ID,
		ACKs:        append([]model.PacketID{}, p.ACKs...),
		PayloadSize: len(p.Payload),
		Retries:     retries,
	}
}

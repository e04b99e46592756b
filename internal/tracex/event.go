package tracex

import (
	"encoding/json"
	"time"

	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/optional"
)

// event is the concrete [model.HandshakeEvent] collected by the [Tracer].
type event struct {
	// etype is the type for this event.
	etype model.HandshakeEventType

	// at is the time for this event.
	at time.Time

	// zero is the time the trace started, to report relative times.
	zero time.Time

	// state is the negotiation state, for state-change events.
	state int

	// packet is the optional packet metadata.
	packet optional.Value[model.LoggedPacket]
}

// newEvent creates an event stamped with the passed times.
func newEvent(etype model.HandshakeEventType, at, zero time.Time) *event {
	return &event{
		etype:  etype,
		at:     at,
		zero:   zero,
		packet: optional.None[model.LoggedPacket](),
	}
}

var _ model.HandshakeEvent = &event{}

// Type implements model.HandshakeEvent.
func (e *event) Type() model.HandshakeEventType {
	return e.etype
}

// Time implements model.HandshakeEvent.
func (e *event) Time() time.Time {
	return e.at
}

// Packet implements model.HandshakeEvent.
func (e *event) Packet() optional.Value[model.LoggedPacket] {
	return e.packet
}

// MarshalJSON implements json.Marshaler.
func (e *event) MarshalJSON() ([]byte, error) {
	j := struct {
		Type   string  `json:"operation"`
		AtTime float64 `json:"t"`
		State  int     `json:"state,omitempty"`
		Packet any     `json:"packet,omitempty"`
	}{
		Type:   e.etype.String(),
		AtTime: e.at.Sub(e.zero).Seconds(),
		State:  e.state,
	}
	if !e.packet.IsNone() {
		j.Packet = e.packet.Unwrap()
	}
	return json.Marshal(j)
}

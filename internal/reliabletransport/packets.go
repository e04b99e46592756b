package reliabletransport

import (
	"sort"
	"time"

	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/optional"
)

//
// A note about terminology: in the following, the **receiver** is the
// moveUpWorker (since it receives incoming packets), and the **sender** is
// the moveDownWorker. These data structures lack mutexes because they are
// confined to a single goroutine each, and the two workers only communicate
// via message passing.
//

// inFlightPacket is an outgoing packet awaiting acknowledgment.
type inFlightPacket struct {
	// deadline is the moment when this packet is scheduled for the next
	// retransmission.
	deadline time.Time

	// higherACKs counts how many acks we received for packets with a
	// higher packet-id, feeding the fast-retransmit selection.
	higherACKs int

	// packet is the underlying packet being sent.
	packet *model.Packet

	// retries is a monotonically increasing counter for retransmission.
	retries uint8
}

func newInFlightPacket(p *model.Packet) *inFlightPacket {
	return &inFlightPacket{
		deadline:   time.Time{},
		higherACKs: 0,
		packet:     p,
		retries:    0,
	}
}

// ACKForHigherPacket accounts one ack for a higher pid than this packet.
func (p *inFlightPacket) ACKForHigherPacket() {
	p.higherACKs++
}

// ScheduleForRetransmission bumps the retry counter and re-arms the deadline
// with exponential backoff.
func (p *inFlightPacket) ScheduleForRetransmission(t time.Time) {
	p.retries++
	p.deadline = t.Add(p.backoff())
}

// backoff calculates the next retransmission interval: 1s, 2s, 4s... capped.
func (p *inFlightPacket) backoff() time.Duration {
	backoff := time.Duration(INITIAL_RETRANSMIT_SECONDS<<(p.retries-1)) * time.Second
	maxBackoff := MAX_BACKOFF_SECONDS * time.Second
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// inflightSequence is a sortable sequence of [inFlightPacket].
type inflightSequence []*inFlightPacket

// nearestDeadlineTo returns the earliest deadline in the queue relative to
// the passed reference time, used to re-arm the sender ticker. It never
// returns a time in the past.
func (seq inflightSequence) nearestDeadlineTo(t time.Time) time.Time {
	// we default to a long wakeup
	timeout := t.Add(time.Duration(SENDER_TICKER_MS) * time.Millisecond)

	for _, p := range seq {
		if p.deadline.Before(timeout) {
			timeout = p.deadline
		}
	}

	// what's past is past and we need to move on.
	if timeout.Before(t) {
		timeout = t.Add(time.Nanosecond)
	}
	return timeout
}

// readyToSend returns the subset of this sequence with an expired deadline
// or eligible for fast retransmission.
func (seq inflightSequence) readyToSend(t time.Time) inflightSequence {
	expired := make([]*inFlightPacket, 0)
	for _, p := range seq {
		if p.higherACKs >= FAST_RETRANSMIT_ACK_THRESHOLD {
			expired = append(expired, p)
			continue
		}
		if p.deadline.Before(t) {
			expired = append(expired, p)
		}
	}
	return expired
}

// implement sort.Interface
func (seq inflightSequence) Len() int {
	return len(seq)
}

// implement sort.Interface
func (seq inflightSequence) Swap(i, j int) {
	seq[i], seq[j] = seq[j], seq[i]
}

// implement sort.Interface
func (seq inflightSequence) Less(i, j int) bool {
	return seq[i].packet.ID < seq[j].packet.ID
}

// incomingSequence is a sortable reorder buffer of incoming packets.
type incomingSequence []*model.Packet

// implement sort.Interface
func (ps incomingSequence) Len() int {
	return len(ps)
}

// implement sort.Interface
func (ps incomingSequence) Swap(i, j int) {
	ps[i], ps[j] = ps[j], ps[i]
}

// implement sort.Interface
func (ps incomingSequence) Less(i, j int) bool {
	return ps[i].ID < ps[j].ID
}

// incomingPacketSeen is the notification the receiver sends the sender when
// a new packet is seen: the id to ACK and any ACKs the peer sent us.
type incomingPacketSeen struct {
	id   optional.Value[model.PacketID]
	acks optional.Value[[]model.PacketID]
}

// ackSet is a set of packet IDs pending to be acknowledged.
type ackSet struct {
	// m is the set of IDs
	m map[model.PacketID]bool
}

// newACKSet creates an [ackSet] holding the passed IDs.
func newACKSet(ids ...model.PacketID) *ackSet {
	m := make(map[model.PacketID]bool)
	for _, id := range ids {
		m[id] = true
	}
	return &ackSet{m}
}

// maybeAdd inserts the id unless it is already present.
func (as *ackSet) maybeAdd(id optional.Value[model.PacketID]) {
	if id.IsNone() {
		return
	}
	as.m[id.Unwrap()] = true
}

// nextToACK removes and returns up to n IDs, in ascending order.
func (as *ackSet) nextToACK(n int) []model.PacketID {
	ids := as.sorted()
	if len(ids) > n {
		ids = ids[:n]
	}
	for _, id := range ids {
		delete(as.m, id)
	}
	return ids
}

// sorted returns all the IDs in the set, in ascending order.
func (as *ackSet) sorted() []model.PacketID {
	ids := make([]model.PacketID, 0, len(as.m))
	for id := range as.m {
		ids = append(ids, id)
	}
	sort.SliceStable(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// empty returns whether there is nothing pending to ACK.
func (as *ackSet) empty() bool {
	return len(as.m) == 0
}

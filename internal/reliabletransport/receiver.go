package reliabletransport

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/optional"
)

// moveUpWorker moves packets up the stack (receiver).
func (ws *workersState) moveUpWorker() {
	workerName := fmt.Sprintf("%s: moveUpWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	receiver := newReliableReceiver(ws.logger, ws.incomingSeen)

	for {
		// POSSIBLY BLOCK reading a packet to move up the stack
		select {
		case packet := <-ws.muxerToReliable:
			packet.Log(ws.logger, model.DirectionIncoming)

			// drop a packet that is not for our session: the declared
			// remote session must match the one we learned from the
			// server's hard reset (off-path injection defense)
			if !bytes.Equal(packet.LocalSessionID[:], ws.sessionManager.RemoteSessionID()) {
				ws.logger.Warnf(
					"%s: packet with invalid LocalSessionID: got %x",
					workerName,
					packet.LocalSessionID,
				)
				continue
			}
			if len(packet.ACKs) > 0 &&
				!bytes.Equal(packet.RemoteSessionID[:], ws.sessionManager.LocalSessionID()) {
				ws.logger.Warnf(
					"%s: packet with invalid RemoteSessionID: got %x",
					workerName,
					packet.RemoteSessionID,
				)
				continue
			}

			// notify the sender about the packet id to ACK and any ACKs
			// the peer piggybacked, unless the packet is stale
			seenPacket, stale := receiver.newIncomingPacketSeen(packet)
			if !stale && len(receiver.incomingPackets) >= RELIABLE_RECV_BUFFER_SIZE {
				// the reorder buffer is full and the packet will be
				// dropped below: withhold its ACK so the peer retransmits
				seenPacket.id = optional.None[model.PacketID]()
			}
			select {
			case ws.incomingSeen <- seenPacket:
			case <-ws.workersManager.ShouldShutdown():
				return
			}
			if stale {
				// already consumed: it was ACKed again above, but we
				// do not deliver it twice
				continue
			}

			if inserted := receiver.MaybeInsertIncoming(packet); !inserted {
				// this packet was not inserted in the queue: either the
				// buffer is full (ACK withheld above, so the peer
				// retransmits it later) or we already hold a copy
				continue
			}

			ready := receiver.NextIncomingSequence()
			for _, nextPacket := range ready {
				// POSSIBLY BLOCK delivering to the upper layer
				select {
				case ws.reliableToControl <- nextPacket:
				case <-ws.workersManager.ShouldShutdown():
					return
				}
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// reliableReceiver sees incoming packets moving up the stack. Use the
// constructor [newReliableReceiver].
type reliableReceiver struct {
	// logger is the logger to use
	logger model.Logger

	// incomingPackets is the reorder buffer for packets that cannot be
	// passed to the control channel yet.
	incomingPackets incomingSequence

	// incomingSeen is a channel where we send notifications for incoming
	// packets seen by us.
	incomingSeen chan<- incomingPacketSeen

	// lastConsumed is the last [model.PacketID] that we have passed to the
	// control layer above us.
	lastConsumed model.PacketID
}

func newReliableReceiver(logger model.Logger, i chan incomingPacketSeen) *reliableReceiver {
	return &reliableReceiver{
		logger:          logger,
		incomingPackets: []*model.Packet{},
		incomingSeen:    i,
		lastConsumed:    0,
	}
}

// MaybeInsertIncoming inserts the packet into the reorder buffer unless the
// buffer is full or we already hold a packet with the same id.
func (r *reliableReceiver) MaybeInsertIncoming(p *model.Packet) bool {
	// we drop if at capacity, by default the same as the outgoing buffer
	if len(r.incomingPackets) >= RELIABLE_RECV_BUFFER_SIZE {
		r.logger.Warnf("dropping packet, buffer full with len %v", len(r.incomingPackets))
		return false
	}
	for _, known := range r.incomingPackets {
		if known.ID == p.ID {
			// a duplicate of a packet still in the reorder buffer
			return false
		}
	}
	r.incomingPackets = append(r.incomingPackets, p)
	return true
}

// NextIncomingSequence returns the longest sequence of consecutive packets
// ready to be passed to the control channel above us.
func (r *reliableReceiver) NextIncomingSequence() incomingSequence {
	last := r.lastConsumed
	ready := make([]*model.Packet, 0, RELIABLE_RECV_BUFFER_SIZE)

	// sort the buffer so that we begin with the lower packet IDs
	sort.Sort(r.incomingPackets)
	keep := r.incomingPackets[:0]

	for i, p := range r.incomingPackets {
		if p.ID-last == 1 {
			ready = append(ready, p)
			last++
		} else if p.ID > last {
			// here we broke sequentiality, but we want to drop
			// anything that is below lastConsumed
			keep = append(keep, r.incomingPackets[i:]...)
			break
		}
	}
	r.lastConsumed = last
	r.incomingPackets = keep
	return ready
}

// newIncomingPacketSeen builds the notification for the sender. The second
// return value tells whether the packet is stale (already consumed): stale
// packets still get ACKed, because our previous ACK may have been lost, but
// they must not be delivered twice.
func (r *reliableReceiver) newIncomingPacketSeen(p *model.Packet) (incomingPacketSeen, bool) {
	stale := p.ID > 0 && p.ID <= r.lastConsumed
	seen := incomingPacketSeen{
		id:   optional.None[model.PacketID](),
		acks: optional.None[[]model.PacketID](),
	}
	if p.Opcode != model.P_ACK_V1 {
		seen.id = optional.Some(p.ID)
	}
	if len(p.ACKs) > 0 {
		seen.acks = optional.Some(p.ACKs)
	}
	return seen, stale
}

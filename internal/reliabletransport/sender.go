package reliabletransport

import (
	"fmt"
	"sort"
	"time"

	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/workers"
)

// moveDownWorker moves packets down the stack (sender).
func (ws *workersState) moveDownWorker() {
	workerName := fmt.Sprintf("%s: moveDownWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	sender := newReliableSender(ws.logger, ws.incomingSeen)
	ticker := time.NewTicker(time.Duration(SENDER_TICKER_MS) * time.Millisecond)
	defer ticker.Stop()

	for {
		// POSSIBLY BLOCK reading the next packet we should move down the stack
		select {
		case packet := <-ws.controlToReliable:
			if inserted := sender.TryInsertOutgoingPacket(packet); !inserted {
				// backpressure: the caller will notice nothing moving
				// forward and the TLS layer will retry in its own time
				continue
			}
			// schedule for immediate wakeup so the ticker processes the queue
			ticker.Reset(time.Nanosecond)

		case seenPacket := <-sender.incomingSeen:
			// possibly evict any acked packet and add its id to the
			// queue of packets to ack
			sender.OnIncomingPacketSeen(seenPacket)

			// if we have nothing in flight to piggyback the ACKs on,
			// emit a standalone ACK record right away
			if len(sender.inFlight) == 0 && !sender.pendingACKsToSend.empty() {
				if err := ws.doSendACK(sender.NextPacketIDsToACK()); err != nil {
					return
				}
				continue
			}
			ticker.Reset(time.Nanosecond)

		case <-ticker.C:
			// First of all, we reset the ticker to the next timeout.
			// By default, that's going to return one minute if there are no
			// packets in the in-flight queue.

			// nearestDeadlineTo(now) ensures that we do not receive a time
			// before now, and that increments the passed moment by an epsilon
			// if all deadlines are expired, so it is safe to reset the ticker
			// with that timeout.
			now := time.Now()
			timeout := inflightSequence(sender.inFlight).nearestDeadlineTo(now)
			ticker.Reset(timeout.Sub(now))

			// a paused session suppresses retransmissions but keeps
			// the queue intact
			if ws.sessionManager.IsPaused() {
				continue
			}

			// we flush everything that is ready to be sent.
			scheduledNow := inflightSequence(sender.inFlight).readyToSend(now)

			for _, p := range scheduledNow {
				p.ScheduleForRetransmission(now)

				// append any pending ACKs and refresh the anti-replay
				// pair: the wrapping layer stamps it at send time, also
				// on retransmission
				p.packet.ACKs = sender.NextPacketIDsToACK()
				if err := ws.sessionManager.RefreshControlReplayProtection(p.packet); err != nil {
					ws.logger.Warnf("%s: %s", workerName, err.Error())
					continue
				}

				p.packet.Log(ws.logger, model.DirectionOutgoing)
				select {
				case ws.dataOrControlToMuxer <- p.packet:
				case <-ws.workersManager.ShouldShutdown():
					return
				}
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// reliableSender keeps state about the in-flight packet queue and the
// pending ACKs. Use the constructor [newReliableSender].
type reliableSender struct {
	// incomingSeen is a channel where we receive notifications for incoming
	// packets seen by the receiver.
	incomingSeen <-chan incomingPacketSeen

	// inFlight is the array of in-flight packets.
	inFlight []*inFlightPacket

	// logger is the logger to use
	logger model.Logger

	// pendingACKsToSend holds the IDs we still need to ACK.
	pendingACKsToSend *ackSet
}

// newReliableSender returns a new instance of reliableSender.
func newReliableSender(logger model.Logger, i chan incomingPacketSeen) *reliableSender {
	return &reliableSender{
		incomingSeen:      i,
		inFlight:          make([]*inFlightPacket, 0, RELIABLE_SEND_BUFFER_SIZE),
		logger:            logger,
		pendingACKsToSend: newACKSet(),
	}
}

// TryInsertOutgoingPacket attempts to insert a packet into the in-flight
// queue. A false return value means the send window is full and the caller
// must honor the backpressure.
func (r *reliableSender) TryInsertOutgoingPacket(p *model.Packet) bool {
	if len(r.inFlight) >= RELIABLE_SEND_BUFFER_SIZE {
		r.logger.Warn("reliabletransport: send window full, dropping packet")
		return false
	}
	r.inFlight = append(r.inFlight, newInFlightPacket(p))
	return true
}

// MaybeEvictOrBumpPacketAfterACK iterates over the in-flight queue and
// either evicts the packet the ACK refers to, or bumps the higher-ACK
// counter of packets with a lower packet-id (feeding fast retransmit).
func (r *reliableSender) MaybeEvictOrBumpPacketAfterACK(acked model.PacketID) bool {
	sort.Sort(inflightSequence(r.inFlight))

	packets := r.inFlight
	for i, p := range packets {
		if acked > p.packet.ID {
			// we received an ACK for a packet with a higher pid, bump
			p.ACKForHigherPacket()

		} else if acked == p.packet.ID {
			r.logger.Debugf("evicting packet %v", p.packet.ID)

			// first we swap this element with the last one:
			packets[i], packets[len(packets)-1] = packets[len(packets)-1], packets[i]

			// and now exclude the last element:
			r.inFlight = packets[:len(packets)-1]

			// since we had sorted the in-flight array, we're done here.
			return true
		}
	}
	return false
}

// NextPacketIDsToACK returns up to MAX_ACKS_PER_OUTGOING_PACKET pending IDs
// to acknowledge; any excess stays queued for the next outgoing record.
func (r *reliableSender) NextPacketIDsToACK() []model.PacketID {
	return r.pendingACKsToSend.nextToACK(MAX_ACKS_PER_OUTGOING_PACKET)
}

// OnIncomingPacketSeen processes a notification from the receiver.
func (r *reliableSender) OnIncomingPacketSeen(seen incomingPacketSeen) {
	// we need to do two things here:
	//
	// 1. add the ID to the set of packets to be acknowledged;
	r.pendingACKsToSend.maybeAdd(seen.id)

	// 2. for every ACK received, see if we need to evict or bump the
	// matching in-flight packet.
	if !seen.acks.IsNone() {
		for _, packetID := range seen.acks.Unwrap() {
			r.MaybeEvictOrBumpPacketAfterACK(packetID)
		}
	}
}

// doSendACK sends a standalone ACK record carrying the given IDs.
func (ws *workersState) doSendACK(ids []model.PacketID) error {
	ACK, err := ws.sessionManager.NewACKForPacketIDs(ids)
	if err != nil {
		// this happens when we don't know the remote session ID yet
		ws.logger.Warnf("reliabletransport: doSendACK: %s", err.Error())
		return nil
	}
	if err := ws.sessionManager.RefreshControlReplayProtection(ACK); err != nil {
		return err
	}

	// move the packet down. CAN BLOCK writing to the shared channel to muxer.
	select {
	case ws.dataOrControlToMuxer <- ACK:
		ACK.Log(ws.logger, model.DirectionOutgoing)
		return nil
	case <-ws.workersManager.ShouldShutdown():
		return workers.ErrShutdown
	}
}

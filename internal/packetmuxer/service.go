// Package packetmuxer implements the packet-muxer workers: the component
// sitting right above the network I/O layer, which demultiplexes incoming
// packets between the data channel and the reliable transport, and
// serializes outgoing packets applying the control-channel wrapping.
package packetmuxer

import (
	"errors"
	"fmt"
	"time"

	"github.com/facboy/openvpn3/internal/bytespool"
	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/session"
	"github.com/facboy/openvpn3/internal/wire"
	"github.com/facboy/openvpn3/internal/workers"
)

var serviceName = "packetmuxer"

const (
	// A sufficiently long wakeup period to initialize a ticker with.
	longWakeup = time.Hour * 24 * 30

	// hardResetInitialTimeout is the initial retry timeout for the first
	// handshake packet.
	hardResetInitialTimeout = 2 * time.Second

	// hardResetMaxTimeout caps the hard reset retry backoff.
	hardResetMaxTimeout = 64 * time.Second

	// hmacFailureThreshold is how many authentication failures we tolerate
	// before declaring the control channel broken.
	hmacFailureThreshold = 100
)

// Service is the packetmuxer service. Make sure you initialize
// the channels before invoking [Service.StartWorkers].
type Service struct {
	// HardReset receives requests to initiate a hard reset, that will start the openvpn handshake.
	HardReset chan any

	// NotifyTLS sends reset notifications to tlssession.
	NotifyTLS *chan *model.Notification

	// MuxerToReliable moves packets up to reliabletransport.
	MuxerToReliable *chan *model.Packet

	// MuxerToData moves packets up to the datachannel.
	MuxerToData *chan *model.Packet

	// DataOrControlToMuxer moves packets down from the reliabletransport or datachannel.
	DataOrControlToMuxer chan *model.Packet

	// MuxerToNetwork moves bytes down to the networkio layer below us.
	MuxerToNetwork *chan []byte

	// NetworkToMuxer moves bytes up to us from the networkio layer below.
	NetworkToMuxer chan []byte
}

// StartWorkers starts the packet-muxer workers.
func (s *Service) StartWorkers(
	logger model.Logger,
	workersManager *workers.Manager,
	sessionManager *session.Manager,
	tracer model.HandshakeTracer,
) {
	ws := &workersState{
		logger:    logger,
		hardReset: s.HardReset,
		// initialize to a sufficiently long time from now
		hardResetTicker:      time.NewTicker(longWakeup),
		notifyTLS:            *s.NotifyTLS,
		dataOrControlToMuxer: s.DataOrControlToMuxer,
		muxerToReliable:      *s.MuxerToReliable,
		muxerToData:          *s.MuxerToData,
		muxerToNetwork:       *s.MuxerToNetwork,
		networkToMuxer:       s.NetworkToMuxer,
		sessionManager:       sessionManager,
		tracer:               tracer,
		workersManager:       workersManager,
	}
	workersManager.StartWorker(ws.moveUpWorker)
	workersManager.StartWorker(ws.moveDownWorker)
}

// workersState contains the packetmuxer workers state.
type workersState struct {
	// logger is the logger to use
	logger model.Logger

	// hardReset is the channel posted to force a hard reset.
	hardReset <-chan any

	// how many times have we sent the initial hardReset packet
	hardResetCount int

	// hardResetTimeout is the current retry timeout (exponential backoff)
	hardResetTimeout time.Duration

	// hardResetTicker retries the initial send of the hard reset packet.
	hardResetTicker *time.Ticker

	// hmacFailures counts dropped packets that failed authentication.
	hmacFailures int

	// notifyTLS is used to send notifications to the TLS service.
	notifyTLS chan<- *model.Notification

	// dataOrControlToMuxer is the channel for reading all the packets traveling down the stack.
	dataOrControlToMuxer <-chan *model.Packet

	// muxerToReliable is the channel for writing control packets going up the stack.
	muxerToReliable chan<- *model.Packet

	// muxerToData is the channel for writing data packets going up the stack.
	muxerToData chan<- *model.Packet

	// muxerToNetwork is the channel for writing raw packets going down the stack.
	muxerToNetwork chan<- []byte

	// networkToMuxer is the channel for reading raw packets going up the stack.
	networkToMuxer <-chan []byte

	// sessionManager manages the OpenVPN session.
	sessionManager *session.Manager

	// tracer is a [model.HandshakeTracer].
	tracer model.HandshakeTracer

	// workersManager controls the workers lifecycle.
	workersManager *workers.Manager
}

// moveUpWorker moves packets up the stack.
func (ws *workersState) moveUpWorker() {
	workerName := fmt.Sprintf("%s: moveUpWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK awaiting for incoming raw packet
		select {
		case rawPacket := <-ws.networkToMuxer:
			if err := ws.handleRawPacket(rawPacket); err != nil {
				// a fatal error was already posted on the event bus
				return
			}

		case <-ws.hardResetTicker.C:
			// retry the hard reset, it probably was lost
			if err := ws.startHardReset(); err != nil {
				// error already logged
				return
			}

		case <-ws.hardReset:
			if err := ws.startHardReset(); err != nil {
				// error already logged
				return
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// moveDownWorker moves packets down the stack.
func (ws *workersState) moveDownWorker() {
	workerName := fmt.Sprintf("%s: moveDownWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK on reading the packet moving down the stack
		select {
		case packet := <-ws.dataOrControlToMuxer:
			// serialize the packet, applying the control-channel wrapping
			rawPacket, err := wire.MarshalPacket(packet, ws.sessionManager.PacketAuth())
			if err != nil {
				ws.logger.Warnf("%s: cannot serialize packet: %s", workerName, err.Error())
				continue
			}

			// POSSIBLY BLOCK on writing the packet to the networkio layer.
			select {
			case ws.muxerToNetwork <- rawPacket:
				ws.sessionManager.NotifyOutgoingPacket()
			case <-ws.workersManager.ShouldShutdown():
				return
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// startHardReset is invoked when we need to perform a HARD RESET.
func (ws *workersState) startHardReset() error {
	// increment the hard reset counter for retries
	ws.hardResetCount++

	// initialize or bump the retry timeout with exponential backoff
	if ws.hardResetTimeout == 0 {
		ws.hardResetTimeout = hardResetInitialTimeout
	}

	// reset the state to become initial again.
	ws.sessionManager.SetNegotiationState(model.S_PRE_START)

	// reset the control channel replay filter for the new session
	ws.sessionManager.ResetControlReplay()

	// emit the hard reset packet: the opcode depends on whether we are
	// wrapping the control channel with a tls-crypt-v2 client key
	packet := ws.sessionManager.NewHardResetPacket()
	if err := ws.sessionManager.RefreshControlReplayProtection(packet); err != nil {
		ws.logger.Warnf("packetmuxer: startHardReset: %s", err.Error())
		return err
	}
	if err := ws.serializeAndEmit(packet); err != nil {
		return err
	}

	// resend with exponential backoff until we get the server's reply
	ws.hardResetTicker.Reset(ws.hardResetTimeout)
	ws.hardResetTimeout *= 2
	if ws.hardResetTimeout > hardResetMaxTimeout {
		ws.hardResetTimeout = hardResetMaxTimeout
	}

	return nil
}

// handleRawPacket is the code invoked to handle a raw packet. The raw buffer
// comes from the shared pool and is returned to it here, once parsed.
func (ws *workersState) handleRawPacket(rawPacket []byte) error {
	// make sense of the packet, removing any control-channel wrapping
	packet, err := wire.UnmarshalPacket(rawPacket, ws.sessionManager.PacketAuth())
	if err != nil {
		bytespool.Default.Put(rawPacket)
		return ws.handleUnwrapError(err)
	}

	// the parsed payload aliases the pooled buffer: copy before release
	packet.Payload = append([]byte(nil), packet.Payload...)
	bytespool.Default.Put(rawPacket)

	if packet.IsData() {
		ws.sessionManager.MaybeSetDataOpcode(packet.Opcode)
		if packet.Opcode == model.P_DATA_V2 {
			peerID := int(packet.PeerID[0])<<16 | int(packet.PeerID[1])<<8 | int(packet.PeerID[2])
			ws.sessionManager.MaybeSetPeerID(peerID)
		}
	}

	// replay protection for control channel packets: validate the
	// (replay-id, timestamp) pair added by the peer's wrapping layer
	if packet.IsControl() || packet.Opcode == model.P_ACK_V1 {
		if err := ws.sessionManager.CheckControlReplay(packet.ReplayPacketID, packet.Timestamp); err != nil {
			ws.logger.Warnf(
				"packetmuxer: control replay rejected: %s (replay=%d ts=%d)",
				err.Error(),
				packet.ReplayPacketID,
				packet.Timestamp,
			)
			ws.tracer.OnDroppedPacket(model.DirectionIncoming, packet)
			return nil // drop the packet silently
		}
	}

	// any valid packet resets the keepalive receive timer
	ws.sessionManager.UpdateLastPacketTime()
	ws.tracer.OnIncomingPacket(packet)

	// handle the case where we're completing a HARD_RESET handshake
	if ws.sessionManager.NegotiationState() == model.S_PRE_START &&
		packet.Opcode == model.P_CONTROL_HARD_RESET_SERVER_V2 {
		packet.Log(ws.logger, model.DirectionIncoming)
		ws.hardResetTicker.Stop()
		return ws.finishThreeWayHandshake(packet)
	}

	// multiplex the incoming packet POSSIBLY BLOCKING on delivering it
	if packet.IsControl() || packet.Opcode == model.P_ACK_V1 {
		select {
		case ws.muxerToReliable <- packet:
		case <-ws.workersManager.ShouldShutdown():
			return workers.ErrShutdown
		}
		return nil
	}

	if !ws.sessionManager.HasActiveDataKey() {
		// A well-behaved server should not send us data packets before we
		// have a working session. It does not harm to be defensive here:
		// one such case is injected packets intended to mess with the
		// handshake, so we drop and trace. Note that during a soft reset
		// the retiring key still counts as an active data key.
		ws.logger.Debugf("packetmuxer: dropping early data packet (key-id=%d)", packet.KeyID)
		ws.tracer.OnDroppedPacket(model.DirectionIncoming, packet)
		return nil
	}
	select {
	case ws.muxerToData <- packet:
	case <-ws.workersManager.ShouldShutdown():
		return workers.ErrShutdown
	}

	return nil
}

// handleUnwrapError accounts an inbound packet that failed parsing or
// authentication. Single failures are dropped and counted; past the
// threshold the control channel is declared broken.
func (ws *workersState) handleUnwrapError(err error) error {
	if errors.Is(err, wire.ErrHMACVerify) {
		ws.hmacFailures++
		code := model.ErrTLSAuthFail
		if ws.sessionManager.PacketAuth().Mode != wire.ControlSecurityModeTLSAuth {
			code = model.ErrHMAC
		}
		ws.sessionManager.Events().Post(code, err.Error(), false)
		if ws.hmacFailures >= hmacFailureThreshold {
			ws.sessionManager.Events().Post(
				model.ErrControlChannel,
				fmt.Sprintf("%d authentication failures on the control channel", ws.hmacFailures),
				true,
			)
			return err
		}
		return nil
	}
	ws.logger.Warnf("packetmuxer: cannot parse packet: %s", err.Error())
	return nil // keep running
}

// finishThreeWayHandshake responds to the HARD_RESET_SERVER and finishes the handshake.
func (ws *workersState) finishThreeWayHandshake(packet *model.Packet) error {
	// register the server's session (note: the PoV is the server's one)
	ws.sessionManager.SetRemoteSessionID(packet.LocalSessionID)

	// reset exponential backoff state for the next connection attempt
	ws.hardResetTimeout = 0
	ws.hardResetCount = 0

	// advance the state
	ws.sessionManager.SetNegotiationState(model.S_START)

	// pass the packet up so that we can ack it properly
	select {
	case ws.muxerToReliable <- packet:
	case <-ws.workersManager.ShouldShutdown():
		return workers.ErrShutdown
	}

	// attempt to tell TLS we want to handshake
	select {
	case ws.notifyTLS <- &model.Notification{Flags: model.NotificationReset}:
		// nothing
	case <-ws.workersManager.ShouldShutdown():
		return workers.ErrShutdown
	}

	return nil
}

// serializeAndEmit writes a serialized packet on the channel going down to
// the networkio layer.
func (ws *workersState) serializeAndEmit(packet *model.Packet) error {
	// serialize it
	rawPacket, err := wire.MarshalPacket(packet, ws.sessionManager.PacketAuth())
	if err != nil {
		return err
	}

	ws.tracer.OnOutgoingPacket(packet, ws.hardResetCount)

	// emit the packet. Possibly BLOCK writing to the networkio layer.
	select {
	case ws.muxerToNetwork <- rawPacket:
		ws.sessionManager.NotifyOutgoingPacket()

	case <-ws.workersManager.ShouldShutdown():
		return workers.ErrShutdown
	}

	packet.Log(ws.logger, model.DirectionOutgoing)
	return nil
}

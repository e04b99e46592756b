// Package controlchannel implements the control channel logic. The control
// channel sits above the reliable transport and below the TLS layer.
package controlchannel

import (
	"fmt"

	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/session"
	"github.com/facboy/openvpn3/internal/workers"
)

var (
	serviceName = "controlchannel"
)

// Service is the controlchannel service. Make sure you initialize
// the channels before invoking [Service.StartWorkers].
type Service struct {
	// NotifyTLS is the channel that sends notifications up to the TLS layer.
	NotifyTLS *chan *model.Notification

	// ControlToReliable moves packets from us down to the reliable layer.
	ControlToReliable *chan *model.Packet

	// ReliableToControl moves packets up to us from the reliable layer below.
	ReliableToControl chan *model.Packet

	// TLSRecordToControl moves bytes down to us from the TLS layer above.
	TLSRecordToControl chan []byte

	// TLSRecordFromControl moves bytes from us up to the TLS layer above.
	TLSRecordFromControl *chan []byte
}

// StartWorkers starts the control-channel workers.
func (svc *Service) StartWorkers(
	logger model.Logger,
	workersManager *workers.Manager,
	sessionManager *session.Manager,
) {
	ws := &workersState{
		logger:               logger,
		notifyTLS:            *svc.NotifyTLS,
		controlToReliable:    *svc.ControlToReliable,
		reliableToControl:    svc.ReliableToControl,
		tlsRecordToControl:   svc.TLSRecordToControl,
		tlsRecordFromControl: *svc.TLSRecordFromControl,
		sessionManager:       sessionManager,
		workersManager:       workersManager,
	}
	workersManager.StartWorker(ws.moveUpWorker)
	workersManager.StartWorker(ws.moveDownWorker)
}

// workersState contains the control channel state.
type workersState struct {
	logger               model.Logger
	notifyTLS            chan<- *model.Notification
	controlToReliable    chan<- *model.Packet
	reliableToControl    <-chan *model.Packet
	tlsRecordToControl   <-chan []byte
	tlsRecordFromControl chan<- []byte
	sessionManager       *session.Manager
	workersManager       *workers.Manager
}

func (ws *workersState) moveUpWorker() {
	workerName := fmt.Sprintf("%s: moveUpWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK on reading the packet moving up the stack
		select {
		case packet := <-ws.reliableToControl:
			// route the packets depending on their opcode
			switch packet.Opcode {

			case model.P_CONTROL_SOFT_RESET_V1:
				// We cannot blindly accept SOFT_RESET requests. They only
				// make sense once we have received the remote's key material,
				// and since a SOFT_RESET returns us to the initial negotiation
				// state we must not run two resets concurrently.
				if ws.sessionManager.NegotiationState() < model.S_GOT_KEY {
					continue
				}

				// rotate: the current primary key becomes the retiring key
				// and a new slot is prepared for the incoming negotiation
				if err := ws.sessionManager.KeySoftReset(); err != nil {
					ws.logger.Warnf("%s: soft reset: %v", workerName, err)
					ws.sessionManager.Events().Post(
						model.ErrKeyState, err.Error(), false)
					continue
				}
				if remoteKeyID := packet.KeyID; remoteKeyID != ws.sessionManager.CurrentKeyID() {
					ws.logger.Warnf(
						"%s: SOFT_RESET key_id mismatch (remote=%d local=%d)",
						workerName, remoteKeyID, ws.sessionManager.CurrentKeyID(),
					)
				}
				ws.sessionManager.SetNegotiationState(model.S_INITIAL)

				// notify the TLS layer that it should initiate a new TLS
				// handshake and, if successful, generate new keys for the
				// data channel
				select {
				case ws.notifyTLS <- &model.Notification{Flags: model.NotificationReset}:
					// nothing

				case <-ws.workersManager.ShouldShutdown():
					return
				}

			case model.P_CONTROL_V1:
				// send the record to the TLS layer. The channel buffer is
				// the hard ceiling on queued ciphertext: a peer flooding
				// us with control records past what the TLS engine will
				// consume is trying to amplify, and kills the session.
				select {
				case ws.tlsRecordFromControl <- packet.Payload:
					// nothing

				case <-ws.workersManager.ShouldShutdown():
					return

				default:
					ws.sessionManager.Events().Post(
						model.ErrSSL, "too much queued TLS ciphertext", true)
					return
				}
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

func (ws *workersState) moveDownWorker() {
	workerName := fmt.Sprintf("%s: moveDownWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK on reading the TLS record moving down the stack
		select {
		case record := <-ws.tlsRecordToControl:
			// copy the record because the TLS layer may reuse the buffer
			recordCopy := append([]byte(nil), record...)

			// transform the record into a control message
			packet, err := ws.sessionManager.NewPacket(model.P_CONTROL_V1, recordCopy)
			if err != nil {
				ws.logger.Warnf("%s: NewPacket: %s", workerName, err.Error())
				return
			}

			// POSSIBLY BLOCK on sending the packet down the stack
			select {
			case ws.controlToReliable <- packet:
				// nothing

			case <-ws.workersManager.ShouldShutdown():
				return
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

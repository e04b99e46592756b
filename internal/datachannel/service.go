// Package datachannel implements the OpenVPN data channel: the pipeline
// that frames, encrypts and authenticates outbound IP packets, and
// authenticates, replay-checks and decrypts inbound ones. It owns the
// expanded key material for every live key slot and runs the session
// maintenance timers (keepalive, renegotiation, key expiry, handshake
// deadline).
package datachannel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/replay"
	"github.com/facboy/openvpn3/internal/session"
	"github.com/facboy/openvpn3/internal/workers"
	"github.com/facboy/openvpn3/pkg/config"
)

var serviceName = "datachannel"

const (
	// maintenanceTick is the period of the session maintenance timer.
	maintenanceTick = time.Second

	// cryptoFailureThreshold is how many inbound crypto failures (bad
	// tag, bad hmac, failed decrypt) we tolerate before sealing the
	// session.
	cryptoFailureThreshold = 100
)

// Service is the datachannel service. Make sure you initialize
// the channels before invoking [Service.StartWorkers].
type Service struct {
	// MuxerToData moves packets up to us from the muxer.
	MuxerToData chan *model.Packet

	// DataOrControlToMuxer moves packets down from us to the muxer.
	DataOrControlToMuxer *chan *model.Packet

	// ControlToReliable lets the maintenance worker push a SOFT_RESET
	// through the reliable layer when a renegotiation trigger fires.
	ControlToReliable *chan *model.Packet

	// NotifyTLS kicks the TLS layer into a new handshake on renegotiation.
	NotifyTLS *chan *model.Notification

	// KeyReady is where we receive freshly negotiated data channel keys.
	KeyReady chan *session.DataChannelKey

	// TUNToData moves packets down to us from the TUN interface.
	TUNToData chan []byte

	// DataToTUN moves packets up from us to the TUN interface.
	DataToTUN chan []byte
}

// StartWorkers starts the data-channel workers.
//
// We start four workers:
//
// 1. moveUpWorker BLOCKS on muxerToData to read a packet coming from the
// muxer and eventually BLOCKS on dataToTUN to deliver it;
//
// 2. moveDownWorker BLOCKS on tunToData to read a packet and eventually
// BLOCKS on dataOrControlToMuxer to deliver it;
//
// 3. keyWorker BLOCKS on keyReady to read a [session.DataChannelKey] and
// derives the key material for the new key slot;
//
// 4. maintenanceWorker wakes up periodically to run the session timers.
func (s *Service) StartWorkers(
	cfg *config.Config,
	workersManager *workers.Manager,
	sessionManager *session.Manager,
) {
	opts := cfg.OpenVPNOptions()
	replayWidth := opts.ReplayWindow
	if replayWidth == 0 {
		replayWidth = replay.DefaultWindowWidth
	}
	ws := &workersState{
		logger:               cfg.Logger(),
		workersManager:       workersManager,
		sessionManager:       sessionManager,
		options:              opts,
		keyMaterials:         map[uint8]*KeyMaterial{},
		replayWidth:          replayWidth,
		keyReady:             s.KeyReady,
		muxerToData:          s.MuxerToData,
		dataOrControlToMuxer: *s.DataOrControlToMuxer,
		controlToReliable:    *s.ControlToReliable,
		notifyTLS:            *s.NotifyTLS,
		dataToTUN:            s.DataToTUN,
		tunToData:            s.TUNToData,
	}
	workersManager.StartWorker(ws.moveUpWorker)
	workersManager.StartWorker(ws.moveDownWorker)
	workersManager.StartWorker(ws.keyWorker)
	workersManager.StartWorker(ws.maintenanceWorker)
}

// workersState contains the data channel state.
type workersState struct {
	logger               model.Logger
	workersManager       *workers.Manager
	sessionManager       *session.Manager
	options              *config.OpenVPNOptions
	keyReady             <-chan *session.DataChannelKey
	muxerToData          <-chan *model.Packet
	dataOrControlToMuxer chan<- *model.Packet
	controlToReliable    chan<- *model.Packet
	notifyTLS            chan<- *model.Notification
	dataToTUN            chan<- []byte
	tunToData            <-chan []byte

	// keyMaterialsMu guards keyMaterials: the keyWorker and the
	// maintenanceWorker mutate the map while the packet workers read it.
	keyMaterialsMu sync.RWMutex

	// keyMaterials maps live key IDs to their expanded material.
	keyMaterials map[uint8]*KeyMaterial

	// replayWidth is the configured replay window width per key.
	replayWidth int

	// cryptoFailures counts dropped inbound packets.
	cryptoFailures int
}

// moveDownWorker moves packets down the stack: encrypt and emit.
func (ws *workersState) moveDownWorker() {
	workerName := fmt.Sprintf("%s: moveDownWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		select {
		case data := <-ws.tunToData:
			packet, err := ws.writePacket(data)
			if err != nil {
				if errors.Is(err, session.ErrExpiredKey) {
					// the outbound counter is exhausted: force a
					// renegotiation and drop this packet
					ws.startRenegotiation()
					continue
				}
				ws.logger.Warnf("%s: %v", workerName, err)
				continue
			}
			ws.sessionManager.NotifyUserData()

			select {
			case ws.dataOrControlToMuxer <- packet:
			case <-ws.workersManager.ShouldShutdown():
				return
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// moveUpWorker moves packets up the stack: authenticate, decrypt, deliver.
func (ws *workersState) moveUpWorker() {
	workerName := fmt.Sprintf("%s: moveUpWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		select {
		case pkt := <-ws.muxerToData:
			decrypted, err := ws.readPacket(pkt)
			if err != nil {
				if !ws.accountReadFailure(err) {
					return
				}
				continue
			}

			if isPing(decrypted) {
				// keepalive from the peer: swallow it, the muxer has
				// already reset the receive timer
				ws.logger.Debug("datachannel: got ping")
				continue
			}

			ws.sessionManager.NotifyUserData()
			select {
			case ws.dataToTUN <- decrypted:
			case <-ws.workersManager.ShouldShutdown():
				return
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// keyWorker derives key material whenever a new data channel key is ready.
func (ws *workersState) keyWorker() {
	workerName := fmt.Sprintf("%s: keyWorker", serviceName)

	defer func() {
		// overwrite every expanded key before going away
		ws.keyMaterialsMu.Lock()
		for _, km := range ws.keyMaterials {
			km.Clear()
		}
		ws.keyMaterialsMu.Unlock()
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		select {
		case key := <-ws.keyReady:
			primary := ws.sessionManager.PrimaryKey()
			if primary == nil || primary.Key != key {
				ws.logger.Warnf("%s: stale key, ignoring", workerName)
				continue
			}

			km := NewKeyMaterial(primary.KeyID, ws.replayWidth)
			err := km.DeriveKeys(
				ws.logger,
				key,
				ws.sessionManager.LocalSessionID(),
				ws.sessionManager.RemoteSessionID(),
				ws.options.Cipher,
				ws.options.Auth,
			)
			if err != nil {
				ws.logger.Warnf("%s: key derivation: %v", workerName, err)
				ws.sessionManager.Events().Post(model.ErrKeyExpansion, err.Error(), true)
				return
			}

			ws.setKeyMaterial(primary.KeyID, km)
			ws.dropDeadMaterials()
			ws.sessionManager.MarkPrimaryKeyEstablished()
			ws.sessionManager.SetNegotiationState(model.S_GENERATED_KEYS)

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// maintenanceWorker runs the session timers: keepalive send and receive,
// inactivity, renegotiation triggers, handshake deadline and the retiring
// key's grace period.
func (ws *workersState) maintenanceWorker() {
	workerName := fmt.Sprintf("%s: maintenanceWorker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// the first fatal event seals the session: tear down
			if ws.sessionManager.Events().Sealed() {
				return
			}

			// the control-channel handshake must complete within its window
			if ws.sessionManager.CheckNegotiationTimeout() {
				ws.sessionManager.Events().Post(
					model.ErrHandshakeTimeout, "handshake window expired", true)
				return
			}

			// no inbound traffic for the ping-restart interval
			if ws.sessionManager.CheckPingTimeout() {
				ws.sessionManager.Events().Post(
					model.ErrKeepaliveTimeout, "no traffic from peer", true)
				return
			}

			// no user-plane traffic for the configured inactivity period
			if ws.sessionManager.CheckInactivityTimeout() {
				ws.sessionManager.Events().Post(
					model.ErrInactiveTimeout, "tunnel inactive", true)
				return
			}

			// keepalive send
			if ws.sessionManager.ShouldSendPing() {
				ws.sendPing()
			}

			// key lifetime triggers
			if ws.sessionManager.ShouldRenegotiate() {
				ws.startRenegotiation()
			}

			// retire the old key after its grace
			if expired := ws.sessionManager.CheckAndExpireLameDuck(); expired >= 0 {
				ws.clearKeyMaterial(uint8(expired))
				ws.sessionManager.Events().Post(
					model.ErrPrimaryExpire,
					fmt.Sprintf("key %d retired", expired),
					false,
				)
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// sendPing injects the fixed keepalive payload into the encrypt path.
func (ws *workersState) sendPing() {
	packet, err := ws.writePacket(pingPayload)
	if err != nil {
		ws.logger.Warnf("datachannel: cannot encrypt ping: %v", err)
		return
	}
	select {
	case ws.dataOrControlToMuxer <- packet:
		ws.logger.Debug("datachannel: sent ping")
	case <-ws.workersManager.ShouldShutdown():
	}
}

// startRenegotiation rotates the key slots and kicks a new TLS handshake
// over the existing session by sending a SOFT_RESET through the reliable
// layer.
func (ws *workersState) startRenegotiation() {
	if err := ws.sessionManager.KeySoftReset(); err != nil {
		ws.logger.Warnf("datachannel: soft reset: %v", err)
		ws.sessionManager.Events().Post(model.ErrKeyState, err.Error(), false)
		ws.sessionManager.ClearRenegotiationRequest()
		return
	}
	ws.sessionManager.SetNegotiationState(model.S_INITIAL)

	packet, err := ws.sessionManager.NewPacket(model.P_CONTROL_SOFT_RESET_V1, nil)
	if err != nil {
		ws.logger.Warnf("datachannel: cannot create soft reset: %v", err)
		return
	}
	select {
	case ws.controlToReliable <- packet:
	case <-ws.workersManager.ShouldShutdown():
		return
	}

	select {
	case ws.notifyTLS <- &model.Notification{Flags: model.NotificationReset}:
	case <-ws.workersManager.ShouldShutdown():
	}
}

// getKeyMaterial returns the material for the given key ID, if any.
func (ws *workersState) getKeyMaterial(keyID uint8) (*KeyMaterial, bool) {
	ws.keyMaterialsMu.RLock()
	defer ws.keyMaterialsMu.RUnlock()
	km, ok := ws.keyMaterials[keyID]
	return km, ok
}

// setKeyMaterial installs the material for the given key ID.
func (ws *workersState) setKeyMaterial(keyID uint8, km *KeyMaterial) {
	ws.keyMaterialsMu.Lock()
	defer ws.keyMaterialsMu.Unlock()
	ws.keyMaterials[keyID] = km
}

// clearKeyMaterial wipes and forgets the material for the given key ID.
func (ws *workersState) clearKeyMaterial(keyID uint8) {
	ws.keyMaterialsMu.Lock()
	defer ws.keyMaterialsMu.Unlock()
	if km, ok := ws.keyMaterials[keyID]; ok {
		km.Clear()
		delete(ws.keyMaterials, keyID)
	}
}

// dropDeadMaterials clears any key material whose key ID no longer matches
// a live slot.
func (ws *workersState) dropDeadMaterials() {
	ws.keyMaterialsMu.Lock()
	defer ws.keyMaterialsMu.Unlock()
	for keyID, km := range ws.keyMaterials {
		if ws.sessionManager.KeyByID(keyID) == nil {
			km.Clear()
			delete(ws.keyMaterials, keyID)
		}
	}
}

// accountReadFailure logs and counts an inbound failure. It returns false
// when the failure threshold has been crossed and the worker must stop.
func (ws *workersState) accountReadFailure(err error) bool {
	switch {
	case errors.Is(err, ErrUnknownKeyID):
		// non-fatal: the peer may still be sending under a key we
		// already retired
		ws.sessionManager.Events().Post(model.ErrKeyState, err.Error(), false)
		return true
	case errors.Is(err, replay.ErrPacketIDReplay),
		errors.Is(err, replay.ErrPacketIDExpire),
		errors.Is(err, replay.ErrPacketIDInvalid):
		ws.sessionManager.Events().Post(model.ErrReplay, err.Error(), false)
		return true
	default:
		ws.logger.Warnf("datachannel: error decrypting: %v", err)
		ws.cryptoFailures++
		code := model.ErrDecrypt
		if errors.Is(err, errBadHMAC) {
			code = model.ErrHMAC
		}
		if ws.cryptoFailures >= cryptoFailureThreshold {
			ws.sessionManager.Events().Post(
				code,
				fmt.Sprintf("%d crypto failures on the data channel", ws.cryptoFailures),
				true,
			)
			return false
		}
		ws.sessionManager.Events().Post(code, err.Error(), false)
		return true
	}
}

//
// encrypt + encode
//

// writePacket picks the slot currently encrypting outbound data, draws the
// next packet id, and encrypts the payload into a wire-ready packet.
func (ws *workersState) writePacket(payload []byte) (*model.Packet, error) {
	pid, keyID, err := ws.sessionManager.LocalDataPacketIDAndKeyID()
	if err != nil {
		return nil, err
	}
	km, ok := ws.getKeyMaterial(keyID)
	if !ok || !km.Ready() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyID, keyID)
	}

	opcode := ws.sessionManager.DataOpcode()
	hdr := dataPacketHeader{
		opcode:   opcode,
		keyID:    keyID,
		peerID:   ws.sessionManager.TunnelInfo().PeerID,
		packetID: pid,
	}

	var encoded []byte
	switch km.dataCipher.isAEAD() {
	case true:
		// AEAD modes carry the plaintext length implicitly, no padding
		plain, err := doCompress(payload, ws.options.Compress)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCannotEncrypt, err)
		}
		encoded, err = encryptAndEncodePayloadAEAD(ws.logger, plain, hdr, km)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCannotEncrypt, err)
		}
	default: // non-aead
		plain := prependPacketID(pid, payload)
		plain, err = doCompress(plain, ws.options.Compress)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCannotEncrypt, err)
		}
		padded, err := doPadding(plain, ws.options.Compress, km.dataCipher.blockSize())
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCannotEncrypt, err)
		}
		encoded, err = encryptAndEncodePayloadNonAEAD(ws.logger, padded, hdr, km)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCannotEncrypt, err)
		}
	}
	ws.sessionManager.AddKeyBytes(keyID, 0, int64(len(payload)))

	packet := model.NewPacket(hdr.opcode, keyID, encoded)
	packet.ID = pid
	return packet, nil
}

//
// decode + decrypt
//

// readPacket routes the inbound packet to the slot matching its key id,
// verifies, replay-checks and decrypts it.
func (ws *workersState) readPacket(p *model.Packet) ([]byte, error) {
	if len(p.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCannotDecrypt, "empty payload")
	}

	km, ok := ws.getKeyMaterial(p.KeyID)
	if !ok || !km.Ready() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyID, p.KeyID)
	}

	hdr := dataPacketHeader{
		opcode: p.Opcode,
		keyID:  p.KeyID,
		peerID: ws.sessionManager.TunnelInfo().PeerID,
	}

	var (
		encrypted *encryptedData
		pid       model.PacketID
		err       error
	)
	if km.dataCipher.isAEAD() {
		encrypted, pid, err = decodeEncryptedPayloadAEAD(ws.logger, p.Payload, hdr, km)
	} else {
		encrypted, pid, err = decodeEncryptedPayloadNonAEAD(ws.logger, p.Payload, hdr, km)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCannotDecrypt, err)
	}

	plaintext, err := km.dataCipher.decrypt(km.cipherKeyRemote[:], encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCannotDecrypt, err)
	}

	// for non-AEAD modes the packet id travels inside the plaintext, so
	// the replay check can only happen after authentication either way
	payload, plainPID, err := maybeDecompress(plaintext, km, ws.options.Compress)
	if err != nil {
		return nil, err
	}
	if !km.dataCipher.isAEAD() {
		pid = plainPID
	}
	if err := km.CheckReplay(pid); err != nil {
		return nil, err
	}

	ws.sessionManager.AddKeyBytes(p.KeyID, int64(len(payload)), 0)
	return payload, nil
}

package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/optional"
	"github.com/facboy/openvpn3/internal/replay"
	"github.com/facboy/openvpn3/internal/runtimex"
	"github.com/facboy/openvpn3/internal/wire"
	"github.com/facboy/openvpn3/pkg/config"
)

var (
	// ErrExpiredKey is the error we raise when we have an expired key.
	ErrExpiredKey = errors.New("expired key")

	// ErrNoRemoteSessionID indicates we are missing the remote session ID.
	ErrNoRemoteSessionID = errors.New("missing remote session ID")

	// ErrNoDataKey indicates that no key slot can protect data packets yet.
	ErrNoDataKey = errors.New("no data key state")
)

// Default timer values. Each can be overridden by configuration, and the
// keepalive pair additionally by a server push.
const (
	// DefaultHandshakeWindow bounds the whole control-channel handshake.
	DefaultHandshakeWindow = 60 * time.Second

	// DefaultTransitionWindow is how long a retiring key keeps decrypting
	// after a soft reset.
	DefaultTransitionWindow = 5 * time.Second

	// DefaultRenegSeconds is the data-channel key lifetime.
	DefaultRenegSeconds = 3600

	// DefaultPingSeconds is the keepalive send interval.
	DefaultPingSeconds = 10

	// DefaultPingRestartSeconds is the keepalive receive timeout.
	DefaultPingRestartSeconds = 60
)

// keyIDMask cycles key IDs within the 3-bit wire range.
const keyIDMask = 0x07

// Manager manages the session. The zero value is invalid. Please, construct
// using [NewManager]. This struct is concurrency safe.
type Manager struct {
	mu sync.RWMutex

	logger model.Logger
	tracer model.HandshakeTracer

	// session identifiers
	localSessionID  model.SessionID
	remoteSessionID optional.Value[model.SessionID]

	// negotiation
	negState   model.NegotiationState
	keyID      uint8
	keySlots   [KS_SIZE]*KeyState
	dataOpcode model.Opcode
	tunnelInfo model.TunnelInfo

	// control-channel sequencing
	localControlPacketID model.PacketID

	// control-channel anti-replay state. The epoch timestamp is set once,
	// when the first packet is stamped, and is not refreshed afterwards, so
	// that retransmits and reordering do not trip the peer's time check.
	controlChannelSecurity     *wire.ControlChannelSecurity
	localControlReplayPacketID model.PacketID
	controlReplayTimestamp     model.PacketTimestamp
	controlReplayFilter        *replay.Filter

	// renegotiation configuration and state
	renegSeconds           int
	renegBytes             int64
	renegPackets           int64
	renegotiationRequested bool
	handshakeWindow        time.Duration
	transitionWindow       time.Duration

	// keepalive and inactivity state
	pingSeconds        int
	pingRestartSeconds int
	inactiveSeconds    int
	lastPacketTime     time.Time
	lastOutgoingTime   time.Time
	lastUserDataTime   time.Time

	// paused suppresses retransmits and keepalives, preserving all state.
	paused bool

	// session-wide data channel counters
	totalBytesRead    int64
	totalBytesWritten int64

	// events is the session error bus.
	events *EventBus

	// Ready is a channel where we signal that we can start accepting data,
	// because we've successfully generated key material for the data channel.
	Ready chan any
}

// NewManager returns a [Manager] ready to be used.
func NewManager(cfg *config.Config) (*Manager, error) {
	opts := cfg.OpenVPNOptions()
	logger := cfg.Logger()

	m := &Manager{
		logger:           logger,
		tracer:           cfg.Tracer(),
		negState:         model.S_INITIAL,
		renegSeconds:     DefaultRenegSeconds,
		renegBytes:       -1,
		handshakeWindow:  DefaultHandshakeWindow,
		transitionWindow: DefaultTransitionWindow,
		pingSeconds:      DefaultPingSeconds,
		events:           NewEventBus(logger),
		Ready:            make(chan any, 1),

		// empirically, the reference server misbehaves if the control
		// packet ID counter starts at zero
		localControlPacketID: 1,
	}

	randomBytes, err := randomFn(8)
	if err != nil {
		return nil, err
	}
	copy(m.localSessionID[:], randomBytes[:8])

	if err := m.initControlChannelSecurity(opts); err != nil {
		return nil, err
	}
	m.initTimersFromOptions(opts)

	// key slot zero with our local key source
	localKey, err := NewKeySource()
	if err != nil {
		return nil, err
	}
	key0 := &DataChannelKey{}
	if err := key0.AddLocalKey(localKey); err != nil {
		return nil, err
	}
	m.keySlots[KS_PRIMARY] = newKeyState(key0, 0)

	width := opts.ReplayWindow
	if width == 0 {
		width = replay.DefaultWindowWidth
	}
	m.controlReplayFilter = replay.NewFilter(width)
	if opts.ReplayWindowTime > 0 {
		m.controlReplayFilter.SetTimeSlack(time.Duration(opts.ReplayWindowTime) * time.Second)
	}
	if m.controlChannelSecurity.Mode != wire.ControlSecurityModeNone {
		m.localControlReplayPacketID = 1
	}
	return m, nil
}

// initControlChannelSecurity picks the control-channel wrapping mode from
// the configured options. Configuring more than one mode is an error.
func (m *Manager) initControlChannelSecurity(opts *config.OpenVPNOptions) error {
	configured := 0
	for _, b := range [][]byte{opts.TLSAuth, opts.TLSCrypt, opts.TLSCryptV2} {
		if len(b) != 0 {
			configured++
		}
	}
	if configured > 1 {
		return fmt.Errorf("%w: tls-auth, tls-crypt and tls-crypt-v2 are mutually exclusive", config.ErrBadConfig)
	}

	var err error
	switch {
	case len(opts.TLSAuth) != 0:
		m.controlChannelSecurity, err = wire.NewControlChannelSecurityTLSAuth(
			opts.TLSAuth, opts.KeyDirection, opts.Auth)
	case len(opts.TLSCrypt) != 0:
		m.controlChannelSecurity, err = wire.NewControlChannelSecurityTLSCrypt(opts.TLSCrypt)
	case len(opts.TLSCryptV2) != 0:
		m.controlChannelSecurity, err = wire.NewControlChannelSecurityTLSCryptV2(opts.TLSCryptV2)
	default:
		m.controlChannelSecurity = wire.NewControlChannelSecurityNone()
	}
	if err != nil {
		return err
	}
	m.logger.Infof("Control channel: %s", m.controlChannelSecurity.Mode)
	return nil
}

// initTimersFromOptions applies timer-related options.
func (m *Manager) initTimersFromOptions(opts *config.OpenVPNOptions) {
	if opts.RenegSec > 0 {
		m.renegSeconds = opts.RenegSec
	}
	if opts.RenegBytes > 0 {
		m.renegBytes = opts.RenegBytes
	}
	if opts.RenegPkts > 0 {
		m.renegPackets = opts.RenegPkts
	}
	if opts.HandshakeWindow > 0 {
		m.handshakeWindow = time.Duration(opts.HandshakeWindow) * time.Second
	}
	if opts.TransitionWindow > 0 {
		m.transitionWindow = time.Duration(opts.TransitionWindow) * time.Second
	}
	if opts.PingSeconds > 0 {
		m.pingSeconds = opts.PingSeconds
	}
	switch {
	case opts.PingRestartSeconds > 0:
		m.pingRestartSeconds = opts.PingRestartSeconds
	case m.pingSeconds > 0:
		m.pingRestartSeconds = DefaultPingRestartSeconds
	}
	m.inactiveSeconds = opts.InactiveSeconds
}

// Events returns the session event bus.
func (m *Manager) Events() *EventBus {
	return m.events
}

// LocalSessionID gets the local session ID as bytes.
func (m *Manager) LocalSessionID() []byte {
	defer m.mu.RUnlock()
	m.mu.RLock()
	return m.localSessionID[:]
}

// RemoteSessionID gets the remote session ID as bytes.
func (m *Manager) RemoteSessionID() []byte {
	defer m.mu.RUnlock()
	m.mu.RLock()
	rs := m.remoteSessionID
	if !rs.IsNone() {
		val := rs.Unwrap()
		return val[:]
	}
	return nil
}

// IsRemoteSessionIDSet returns whether we've set the remote session ID.
func (m *Manager) IsRemoteSessionIDSet() bool {
	defer m.mu.RUnlock()
	m.mu.RLock()
	return !m.remoteSessionID.IsNone()
}

// SetRemoteSessionID sets the remote session ID.
func (m *Manager) SetRemoteSessionID(remoteSessionID model.SessionID) {
	defer m.mu.Unlock()
	m.mu.Lock()
	runtimex.Assert(m.remoteSessionID.IsNone(), "SetRemoteSessionID called more than once")
	m.remoteSessionID = optional.Some(remoteSessionID)
}

// PacketAuth returns the control-channel security configuration.
func (m *Manager) PacketAuth() *wire.ControlChannelSecurity {
	return m.controlChannelSecurity
}

// NewACKForPacketIDs creates a new ACK for the given packet IDs.
func (m *Manager) NewACKForPacketIDs(ids []model.PacketID) (*model.Packet, error) {
	defer m.mu.Unlock()
	m.mu.Lock()
	if m.remoteSessionID.IsNone() {
		return nil, ErrNoRemoteSessionID
	}
	p := &model.Packet{
		Opcode:          model.P_ACK_V1,
		KeyID:           m.keyID,
		PeerID:          [3]byte{},
		LocalSessionID:  m.localSessionID,
		ACKs:            ids,
		RemoteSessionID: m.remoteSessionID.Unwrap(),
		ID:              0,
		Payload:         []byte{},
	}
	return p, nil
}

// NewPacket creates a new control packet for this session.
func (m *Manager) NewPacket(opcode model.Opcode, payload []byte) (*model.Packet, error) {
	defer m.mu.Unlock()
	m.mu.Lock()
	packet := model.NewPacket(
		opcode,
		m.keyID,
		payload,
	)
	copy(packet.LocalSessionID[:], m.localSessionID[:])
	pid, err := m.localControlPacketIDLocked()
	if err != nil {
		return nil, err
	}
	packet.ID = pid
	if !m.remoteSessionID.IsNone() {
		packet.RemoteSessionID = m.remoteSessionID.Unwrap()
	}
	return packet, nil
}

// NewHardResetPacket creates a new hard reset packet for this session.
// This packet is a special case because, if we resend, we must not bump its
// packet ID. Normally retransmission is handled at the reliabletransport
// layer, but we send hard resets at the muxer.
func (m *Manager) NewHardResetPacket() *model.Packet {
	defer m.mu.Unlock()
	m.mu.Lock()
	opcode := model.P_CONTROL_HARD_RESET_CLIENT_V2
	if m.controlChannelSecurity.Mode == wire.ControlSecurityModeTLSCryptV2 {
		opcode = model.P_CONTROL_HARD_RESET_CLIENT_V3
	}
	packet := model.NewPacket(opcode, m.keyID, []byte{})

	// a hard reset will always have packet ID zero
	packet.ID = 0
	copy(packet.LocalSessionID[:], m.localSessionID[:])
	return packet
}

// localControlPacketIDLocked returns an unique Packet ID for the control
// channel and increments the counter.
func (m *Manager) localControlPacketIDLocked() (model.PacketID, error) {
	pid := m.localControlPacketID
	if pid == 0xFFFFFFFF {
		return 0, ErrExpiredKey
	}
	m.localControlPacketID++
	return pid, nil
}

// RefreshControlReplayProtection refreshes the (replay-id, timestamp) pair
// on the given packet. The wrapping layer stamps a fresh anti-replay pair at
// send time, also on retransmission.
func (m *Manager) RefreshControlReplayProtection(packet *model.Packet) error {
	defer m.mu.Unlock()
	m.mu.Lock()

	if m.controlChannelSecurity.Mode == wire.ControlSecurityModeNone {
		return nil
	}
	if m.controlReplayTimestamp == 0 {
		m.controlReplayTimestamp = model.PacketTimestamp(time.Now().Unix())
	}
	pid := m.localControlReplayPacketID
	if pid == 0xFFFFFFFF {
		return ErrExpiredKey
	}
	m.localControlReplayPacketID++
	packet.ReplayPacketID = pid
	packet.Timestamp = m.controlReplayTimestamp
	return nil
}

// CheckControlReplay validates that an incoming control packet is not a
// replay, using the (replay-id, timestamp) pair added by the peer's wrapping
// layer. Only effective when control-channel security is enabled.
func (m *Manager) CheckControlReplay(replayID model.PacketID, timestamp model.PacketTimestamp) error {
	if m.controlChannelSecurity.Mode == wire.ControlSecurityModeNone {
		return nil
	}
	return m.controlReplayFilter.CheckWithTimestamp(uint32(replayID), uint32(timestamp))
}

// ResetControlReplay resets the control channel replay filter. This should
// be called when a new session or key epoch starts.
func (m *Manager) ResetControlReplay() {
	m.controlReplayFilter.Reset()
}

// NegotiationState returns the state of the negotiation.
func (m *Manager) NegotiationState() model.NegotiationState {
	defer m.mu.RUnlock()
	m.mu.RLock()
	return m.negState
}

// SetNegotiationState sets the state of the negotiation.
func (m *Manager) SetNegotiationState(sns model.NegotiationState) {
	defer m.mu.Unlock()
	m.mu.Lock()
	m.logger.Infof("[@] %s -> %s", m.negState, sns)
	m.tracer.OnStateChange(int(sns))

	oldState := m.negState
	m.negState = sns

	if primary := m.keySlots[KS_PRIMARY]; primary != nil {
		// keep per-slot state aligned with the session negotiation state
		primary.State = sns

		// arm the handshake deadline when negotiation starts, disarm it
		// when the control channel reaches the active state
		if oldState == model.S_INITIAL && sns == model.S_PRE_START {
			primary.SetNegotiationDeadline(m.handshakeWindow)
		}
		if sns >= model.S_ACTIVE && oldState < model.S_ACTIVE {
			primary.ClearNegotiationDeadline()
		}
	}

	if sns == model.S_GENERATED_KEYS {
		// Ready is used during the initial tunnel bring-up; during key
		// rotation nobody may be listening, so do not block.
		select {
		case m.Ready <- true:
		default:
		}
	}
}

// ActiveKey returns the [DataChannelKey] under negotiation in the primary slot.
func (m *Manager) ActiveKey() (*DataChannelKey, error) {
	defer m.mu.RUnlock()
	m.mu.RLock()
	primary := m.keySlots[KS_PRIMARY]
	if primary == nil {
		return nil, fmt.Errorf("%w: %s", ErrDataChannelKey, "no primary slot")
	}
	return primary.Key, nil
}

// CurrentKeyID returns the key ID currently used by control packets.
func (m *Manager) CurrentKeyID() uint8 {
	defer m.mu.RUnlock()
	m.mu.RLock()
	return m.keyID
}

// DataKeyID returns the key_id to stamp on outbound data packets. During a
// rotation we keep using the retiring key until the new primary has
// generated keys.
func (m *Manager) DataKeyID() uint8 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ks := m.dataKeyStateLocked(); ks != nil {
		return ks.KeyID
	}
	return m.keyID
}

// LocalDataPacketIDAndKeyID returns the next outbound data-channel packet ID
// and the key ID of the slot that must protect the packet.
func (m *Manager) LocalDataPacketIDAndKeyID() (model.PacketID, uint8, error) {
	m.mu.RLock()
	ks := m.dataKeyStateLocked()
	m.mu.RUnlock()
	if ks == nil {
		return 0, 0, ErrNoDataKey
	}
	pid, err := ks.PIDSender.Next()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrExpiredKey, err)
	}
	return model.PacketID(pid), ks.KeyID, nil
}

// dataKeyStateLocked returns the key state currently used for outbound data
// packets. The caller must hold m.mu.
func (m *Manager) dataKeyStateLocked() *KeyState {
	if primary := m.keySlots[KS_PRIMARY]; primary != nil && primary.State >= model.S_GENERATED_KEYS {
		return primary
	}
	if lameDuck := m.keySlots[KS_LAME_DUCK]; lameDuck != nil && lameDuck.State >= model.S_GENERATED_KEYS {
		return lameDuck
	}
	// early callers before any key has been established
	return m.keySlots[KS_PRIMARY]
}

// HasActiveDataKey returns whether any key slot can protect data packets.
// During a renegotiation the negotiation state goes back to the initial
// state while the retiring key keeps the data channel alive, so this is the
// check that gates data-packet processing.
func (m *Manager) HasActiveDataKey() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ks := m.dataKeyStateLocked()
	return ks != nil && ks.State >= model.S_GENERATED_KEYS
}

// DataOpcode returns the data packet opcode in use (P_DATA_V1 or P_DATA_V2).
// The zero value means we haven't inferred it yet.
func (m *Manager) DataOpcode() model.Opcode {
	defer m.mu.RUnlock()
	m.mu.RLock()
	if m.dataOpcode == 0 {
		return model.P_DATA_V2
	}
	return m.dataOpcode
}

// MaybeSetDataOpcode sets the data packet opcode if it's still unknown.
func (m *Manager) MaybeSetDataOpcode(op model.Opcode) {
	if !op.IsData() {
		return
	}
	defer m.mu.Unlock()
	m.mu.Lock()
	if m.dataOpcode != 0 {
		return
	}
	m.dataOpcode = op
}

// MaybeSetPeerID sets the tunnel peer-id if we don't have one yet.
func (m *Manager) MaybeSetPeerID(peerID int) {
	if peerID == 0 {
		return
	}
	defer m.mu.Unlock()
	m.mu.Lock()
	if m.tunnelInfo.PeerID != 0 {
		return
	}
	m.tunnelInfo.PeerID = peerID
}

// InitTunnelInfo initializes TunnelInfo from data obtained from the auth response.
func (m *Manager) InitTunnelInfo(remoteOption string) error {
	defer m.mu.Unlock()
	m.mu.Lock()
	ti, err := newTunnelInfoFromRemoteOptionsString(remoteOption)
	if err != nil {
		return err
	}
	m.tunnelInfo = *ti
	m.logger.Infof("Tunnel MTU: %v", m.tunnelInfo.MTU)
	return nil
}

// newTunnelInfoFromRemoteOptionsString parses the options string returned by
// the server during the key-method-2 exchange.
func newTunnelInfoFromRemoteOptionsString(remoteOpts string) (*model.TunnelInfo, error) {
	t := &model.TunnelInfo{}
	opts := strings.Split(remoteOpts, ",")
	for _, opt := range opts {
		vals := strings.Split(opt, " ")
		if len(vals) < 2 {
			continue
		}
		k, v := vals[0], vals[1:]
		if k == "tun-mtu" {
			mtu, err := strconv.Atoi(v[0])
			if err != nil {
				return nil, err
			}
			t.MTU = mtu
		}
		if k == "peer-id" {
			peer, err := strconv.Atoi(v[0])
			if err != nil {
				return nil, err
			}
			t.PeerID = peer
		}
	}
	return t, nil
}

// UpdateTunnelInfo updates the internal tunnel info from the push response.
func (m *Manager) UpdateTunnelInfo(ti *model.TunnelInfo) {
	defer m.mu.Unlock()
	m.mu.Lock()

	m.tunnelInfo.IP = ti.IP
	m.tunnelInfo.GW = ti.GW
	if ti.PeerID != 0 {
		m.tunnelInfo.PeerID = ti.PeerID
	}
	m.tunnelInfo.NetMask = ti.NetMask

	m.logger.Infof("Tunnel IP: %s", ti.IP)
	m.logger.Infof("Gateway IP: %s", ti.GW)
	m.logger.Infof("Peer ID: %d", m.tunnelInfo.PeerID)
}

// TunnelInfo returns a copy of the current TunnelInfo.
func (m *Manager) TunnelInfo() model.TunnelInfo {
	defer m.mu.RUnlock()
	m.mu.RLock()
	return model.TunnelInfo{
		GW:      m.tunnelInfo.GW,
		IP:      m.tunnelInfo.IP,
		MTU:     m.tunnelInfo.MTU,
		NetMask: m.tunnelInfo.NetMask,
		PeerID:  m.tunnelInfo.PeerID,
	}
}

//
// Key rotation.
//

// KeySoftReset performs a soft reset: the current primary key moves to the
// lame duck slot with a bounded grace and a fresh primary slot with the next
// key ID is created, so a new handshake can run over the same session ID
// pair. The control-channel packet-id and anti-replay counters are not reset.
func (m *Manager) KeySoftReset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	primary := m.keySlots[KS_PRIMARY]
	if primary == nil {
		return errors.New("session: no primary key to soft reset")
	}

	primary.MustDie = time.Now().Add(m.transitionWindow)
	m.logger.Infof("session: key %d retiring (grace %v)", primary.KeyID, m.transitionWindow)

	if old := m.keySlots[KS_LAME_DUCK]; old != nil {
		old.Key.Wipe()
	}
	m.keySlots[KS_LAME_DUCK] = primary

	// advance the key ID: 0 → 1 → … → 7 → 1 → …, so that key_id zero
	// always denotes the initial key of the session
	m.keyID++
	m.keyID &= keyIDMask
	if m.keyID == 0 {
		m.keyID = 1
	}

	newLocalKey, err := NewKeySource()
	if err != nil {
		return fmt.Errorf("session: cannot create key source: %w", err)
	}
	newDCK := &DataChannelKey{}
	if err := newDCK.AddLocalKey(newLocalKey); err != nil {
		return err
	}

	newKey := newKeyState(newDCK, m.keyID)
	if m.handshakeWindow > 0 {
		newKey.SetNegotiationDeadline(m.handshakeWindow)
	}
	m.keySlots[KS_PRIMARY] = newKey

	// note that reliable-layer sequencing and the anti-replay counters
	// keep moving forward: a soft reset renegotiates keys over the same
	// session ID pair without restarting the control-channel stream

	m.logger.Infof("session: new primary key %d created", m.keyID)
	return nil
}

// KeyByID returns the KeyState for a given key ID, checking both slots.
func (m *Manager) KeyByID(keyID uint8) *KeyState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := 0; i < KS_SIZE; i++ {
		if ks := m.keySlots[i]; ks != nil && ks.KeyID == keyID {
			return ks
		}
	}
	return nil
}

// PrimaryKey returns the primary KeyState.
func (m *Manager) PrimaryKey() *KeyState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keySlots[KS_PRIMARY]
}

// LameDuckKey returns the retiring KeyState (may be nil).
func (m *Manager) LameDuckKey() *KeyState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keySlots[KS_LAME_DUCK]
}

// CheckAndExpireLameDuck retires the lame duck slot once its grace has
// elapsed. It returns the key ID of the expired slot, or a negative value
// when nothing expired. The slot's key sources are wiped here; the data
// channel wipes the expanded key material when it observes the expiry.
func (m *Manager) CheckAndExpireLameDuck() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	lameDuck := m.keySlots[KS_LAME_DUCK]
	if lameDuck == nil || !lameDuck.IsExpired() {
		return -1
	}
	m.logger.Infof("session: retiring key %d expired", lameDuck.KeyID)
	lameDuck.Key.Wipe()
	m.keySlots[KS_LAME_DUCK] = nil
	return int(lameDuck.KeyID)
}

// MarkPrimaryKeyEstablished marks the primary key as established and resets
// the renegotiation counters.
func (m *Manager) MarkPrimaryKeyEstablished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if primary := m.keySlots[KS_PRIMARY]; primary != nil {
		primary.EstablishedTime = time.Now()
		primary.State = model.S_GENERATED_KEYS
		primary.ResetCounters()
	}
	m.renegotiationRequested = false
}

// AddKeyBytes adds to the byte counters of the slot with the given key ID,
// and to the session-wide totals.
func (m *Manager) AddKeyBytes(keyID uint8, read, written int64) {
	if ks := m.KeyByID(keyID); ks != nil {
		ks.AddBytes(read, written)
		ks.AddPackets(boolToCount(read > 0), boolToCount(written > 0))
	}
	m.mu.Lock()
	m.totalBytesRead += read
	m.totalBytesWritten += written
	m.mu.Unlock()
}

// BytesCounters returns the session-wide data channel byte counters.
func (m *Manager) BytesCounters() (read, written int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalBytesRead, m.totalBytesWritten
}

func boolToCount(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// ShouldRenegotiate checks whether a data-channel key renegotiation must be
// triggered: key lifetime elapsed, byte or packet budget exceeded, or the
// outbound packet-id counter crossed the wrap trigger. The first positive
// answer latches until [Manager.MarkPrimaryKeyEstablished].
func (m *Manager) ShouldRenegotiate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.negState < model.S_GENERATED_KEYS || m.renegotiationRequested || m.paused {
		return false
	}
	primary := m.keySlots[KS_PRIMARY]
	if primary == nil || primary.EstablishedTime.IsZero() {
		return false
	}

	shouldReneg := false

	if m.renegSeconds > 0 {
		elapsed := time.Since(primary.EstablishedTime)
		if elapsed >= time.Duration(m.renegSeconds)*time.Second {
			m.logger.Infof("session: renegotiating, key lifetime elapsed (%v)", elapsed.Round(time.Second))
			shouldReneg = true
		}
	}
	if m.renegBytes > 0 && primary.TotalBytes() >= m.renegBytes {
		m.logger.Infof("session: renegotiating, byte budget exceeded (%d)", primary.TotalBytes())
		shouldReneg = true
	}
	if m.renegPackets > 0 && primary.TotalPackets() >= m.renegPackets {
		m.logger.Infof("session: renegotiating, packet budget exceeded (%d)", primary.TotalPackets())
		shouldReneg = true
	}
	if ks := m.dataKeyStateLocked(); ks != nil && ks.PIDSender.NearWrap() {
		m.logger.Infof("session: renegotiating, packet-id near wrap (key-id=%d)", ks.KeyID)
		shouldReneg = true
	}

	if shouldReneg {
		m.renegotiationRequested = true
	}
	return shouldReneg
}

// RenegotiationRequested returns whether a renegotiation is in progress.
func (m *Manager) RenegotiationRequested() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.renegotiationRequested
}

// ClearRenegotiationRequest clears the renegotiation flag so a failed
// renegotiation can be retried.
func (m *Manager) ClearRenegotiationRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renegotiationRequested = false
}

// CheckNegotiationTimeout reports whether the primary slot's handshake has
// exceeded its deadline.
func (m *Manager) CheckNegotiationTimeout() bool {
	m.mu.RLock()
	primary := m.keySlots[KS_PRIMARY]
	m.mu.RUnlock()
	if primary == nil {
		return false
	}
	return primary.IsNegotiationTimedOut()
}

//
// Keepalive, inactivity and pause bookkeeping.
//

// UpdateLastPacketTime records that a valid packet arrived from the peer.
func (m *Manager) UpdateLastPacketTime() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPacketTime = time.Now()
}

// LastPacketTime returns when the last valid packet arrived.
func (m *Manager) LastPacketTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastPacketTime
}

// NotifyOutgoingPacket records a successful send towards the network, which
// resets the keepalive send timer.
func (m *Manager) NotifyOutgoingPacket() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOutgoingTime = time.Now()
}

// NotifyUserData records user-plane traffic in either direction, feeding the
// inactivity timer.
func (m *Manager) NotifyUserData() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUserDataTime = time.Now()
}

// SetPingOptions updates the keepalive settings, e.g. from a server push.
func (m *Manager) SetPingOptions(pingSeconds, pingRestartSeconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pingSeconds > 0 {
		m.pingSeconds = pingSeconds
	}
	if pingRestartSeconds > 0 {
		m.pingRestartSeconds = pingRestartSeconds
	}
}

// PingConfig returns the keepalive send interval and receive timeout, in
// seconds. Zero values disable the respective timer.
func (m *Manager) PingConfig() (pingSeconds, pingRestartSeconds int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pingSeconds, m.pingRestartSeconds
}

// ShouldSendPing reports whether the keepalive send timer has fired: no
// outbound packet for the ping interval.
func (m *Manager) ShouldSendPing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.paused || m.pingSeconds <= 0 {
		return false
	}
	// the data channel must be usable; during a rotation the retiring
	// key still carries the keepalive
	if ks := m.dataKeyStateLocked(); ks == nil || ks.State < model.S_GENERATED_KEYS {
		return false
	}
	if m.lastOutgoingTime.IsZero() {
		return true
	}
	return time.Since(m.lastOutgoingTime) >= time.Duration(m.pingSeconds)*time.Second
}

// CheckPingTimeout reports whether the keepalive receive timer has expired:
// no inbound traffic for the ping-restart interval.
func (m *Manager) CheckPingTimeout() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.paused || m.pingRestartSeconds <= 0 || m.lastPacketTime.IsZero() {
		return false
	}
	return time.Since(m.lastPacketTime) >= time.Duration(m.pingRestartSeconds)*time.Second
}

// CheckInactivityTimeout reports whether the optional inactivity timer has
// expired: no user-plane traffic for the configured period.
func (m *Manager) CheckInactivityTimeout() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.paused || m.inactiveSeconds <= 0 {
		return false
	}
	ref := m.lastUserDataTime
	if ref.IsZero() {
		ref = m.lastPacketTime
	}
	if ref.IsZero() {
		return false
	}
	return time.Since(ref) >= time.Duration(m.inactiveSeconds)*time.Second
}

// Zeroize wipes all key material owned by the session: the key sources of
// every live slot and the static keys of the control-channel wrapper.
// Called on teardown; the expanded data-channel material is wiped by its
// owner, the data channel.
func (m *Manager) Zeroize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ks := range m.keySlots {
		if ks != nil && ks.Key != nil {
			ks.Key.Wipe()
		}
	}
	if m.controlChannelSecurity != nil {
		m.controlChannelSecurity.Wipe()
	}
}

// Pause places the session in a quiescent state: retransmits and keepalives
// are suppressed while slots and session IDs are preserved.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Resume restarts the timers from now.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	now := time.Now()
	m.lastPacketTime = now
	m.lastOutgoingTime = now
	m.lastUserDataTime = now
}

// IsPaused returns whether the session is paused.
func (m *Manager) IsPaused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

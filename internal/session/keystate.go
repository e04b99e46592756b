package session

import (
	"sync"
	"time"

	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/replay"
)

// Key slot indexes. At any moment the session holds at most one primary key
// (the key encrypting outbound data once generated) and at most one lame
// duck key (the previous primary, still decrypting inbound during the
// transition window after a soft reset).
const (
	KS_PRIMARY = iota
	KS_LAME_DUCK
	KS_SIZE
)

// KeyState tracks the lifecycle of one data-channel key slot: its key
// sources, 3-bit key ID, negotiation progress, outbound packet-id counter,
// deadlines and usage counters.
type KeyState struct {
	mu sync.Mutex

	// Key is the negotiated pair of key sources for this slot.
	Key *DataChannelKey

	// KeyID is the 3-bit id carried on the wire.
	KeyID uint8

	// State mirrors the negotiation progress for this slot.
	State model.NegotiationState

	// PIDSender hands out outbound data packet IDs for this key.
	PIDSender *replay.Sender

	// EstablishedTime is when the keys for this slot were generated.
	EstablishedTime time.Time

	// MustNegotiate is the handshake deadline; zero means no deadline.
	MustNegotiate time.Time

	// MustDie is when a lame duck slot has to be retired; zero when the
	// slot is not retiring.
	MustDie time.Time

	// usage counters since establishment
	bytesRead      int64
	bytesWritten   int64
	packetsRead    int64
	packetsWritten int64
}

// newKeyState creates a slot in the initial state with the given key id.
func newKeyState(key *DataChannelKey, keyID uint8) *KeyState {
	ks := &KeyState{
		Key:       key,
		KeyID:     keyID,
		State:     model.S_INITIAL,
		PIDSender: &replay.Sender{},
	}
	return ks
}

// AddBytes adds to the byte counters.
func (ks *KeyState) AddBytes(read, written int64) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.bytesRead += read
	ks.bytesWritten += written
}

// AddPackets adds to the packet counters.
func (ks *KeyState) AddPackets(read, written int64) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.packetsRead += read
	ks.packetsWritten += written
}

// TotalBytes returns the bytes moved under this key since establishment.
func (ks *KeyState) TotalBytes() int64 {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.bytesRead + ks.bytesWritten
}

// TotalPackets returns the packets moved under this key since establishment.
func (ks *KeyState) TotalPackets() int64 {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.packetsRead + ks.packetsWritten
}

// ResetCounters zeroes the usage counters (on key establishment).
func (ks *KeyState) ResetCounters() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.bytesRead = 0
	ks.bytesWritten = 0
	ks.packetsRead = 0
	ks.packetsWritten = 0
}

// SetNegotiationDeadline arms the handshake deadline.
func (ks *KeyState) SetNegotiationDeadline(window time.Duration) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.MustNegotiate = time.Now().Add(window)
}

// ClearNegotiationDeadline disarms the handshake deadline.
func (ks *KeyState) ClearNegotiationDeadline() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.MustNegotiate = time.Time{}
}

// IsNegotiationTimedOut reports whether the handshake deadline has passed
// while the slot had not reached the active state.
func (ks *KeyState) IsNegotiationTimedOut() bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.MustNegotiate.IsZero() || ks.State >= model.S_ACTIVE {
		return false
	}
	return time.Now().After(ks.MustNegotiate)
}

// IsExpired reports whether a retiring slot has outlived its grace.
func (ks *KeyState) IsExpired() bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.MustDie.IsZero() {
		return false
	}
	return time.Now().After(ks.MustDie)
}

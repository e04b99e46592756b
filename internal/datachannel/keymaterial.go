package datachannel

import (
	"crypto/hmac"
	"fmt"
	"hash"
	"strings"
	"sync"

	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/replay"
	"github.com/facboy/openvpn3/internal/session"
)

// keySlot holds one of the derived local or remote keys.
type keySlot [64]byte

// KeyMaterial holds the expanded cryptographic material for a single
// data-channel key slot. Each live key ID has its own KeyMaterial, which is
// what allows the channel to keep decrypting under the retiring key while
// the freshly negotiated one takes over.
type KeyMaterial struct {
	mu sync.Mutex

	// keyID is the 3-bit id (0-7) this material belongs to.
	keyID uint8

	// ready tells whether the material has been derived.
	ready bool

	// dataCipher encrypts and decrypts under this key.
	dataCipher dataCipher

	// HMAC instances for packet authentication (CBC mode).
	hmacLocal  hash.Hash
	hmacRemote hash.Hash

	// derived key material
	cipherKeyLocal  keySlot
	cipherKeyRemote keySlot
	hmacKeyLocal    keySlot
	hmacKeyRemote   keySlot

	// replayFilter guards the inbound direction of this key.
	replayFilter *replay.Filter

	// hash builds fresh digest instances for HMAC.
	hash func() hash.Hash
}

// NewKeyMaterial creates an empty [KeyMaterial] for the given key ID with a
// replay window of the given width.
func NewKeyMaterial(keyID uint8, replayWidth int) *KeyMaterial {
	return &KeyMaterial{
		keyID:        keyID,
		replayFilter: replay.NewFilter(replayWidth),
	}
}

// KeyID returns the key ID of this material.
func (km *KeyMaterial) KeyID() uint8 {
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.keyID
}

// Ready returns whether the key material has been derived.
func (km *KeyMaterial) Ready() bool {
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.ready
}

// CheckReplay admits the inbound packet ID into this key's replay window.
func (km *KeyMaterial) CheckReplay(id model.PacketID) error {
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.replayFilter.Check(uint32(id))
}

// Clear zeroes out the derived key material. Called when the slot dies.
func (km *KeyMaterial) Clear() {
	km.mu.Lock()
	defer km.mu.Unlock()

	km.ready = false
	km.hmacLocal = nil
	km.hmacRemote = nil
	for i := range km.cipherKeyLocal {
		km.cipherKeyLocal[i] = 0
	}
	for i := range km.cipherKeyRemote {
		km.cipherKeyRemote[i] = 0
	}
	for i := range km.hmacKeyLocal {
		km.hmacKeyLocal[i] = 0
	}
	for i := range km.hmacKeyRemote {
		km.hmacKeyRemote[i] = 0
	}
	km.replayFilter.Reset()
	km.dataCipher = nil
	km.hash = nil
}

// DeriveKeys performs the key expansion from the local and remote key
// sources of the passed [session.DataChannelKey], initializing the material.
//
// The expansion follows the documented exchange: the pre-master secret is
// expanded with the "OpenVPN master secret" label into a 48-byte master,
// which is then expanded with the "OpenVPN key expansion" label (salted
// with both session IDs) into 256 bytes sliced in fixed order into the
// cipher/HMAC local/remote slots.
func (km *KeyMaterial) DeriveKeys(
	logger model.Logger,
	dck *session.DataChannelKey,
	localSessionID, remoteSessionID []byte,
	cipherName, authName string,
) error {
	if dck == nil || !dck.Ready() {
		return fmt.Errorf("%w: %s", errDataChannelKey, errKeyNotReady)
	}

	dataCipher, err := newDataCipherFromCipherSuite(cipherName)
	if err != nil {
		return err
	}
	hashFactory, ok := newHMACFactory(strings.ToLower(authName))
	if !ok {
		return fmt.Errorf("%w: no such mac: %v", errDataChannel, authName)
	}

	local, remote := dck.Local(), dck.Remote()

	master := prf(
		local.PreMaster[:],
		[]byte("OpenVPN master secret"),
		local.R1[:],
		remote.R1[:],
		[]byte{}, []byte{},
		48)

	keys := prf(
		master,
		[]byte("OpenVPN key expansion"),
		local.R2[:],
		remote.R2[:],
		localSessionID,
		remoteSessionID,
		256)

	km.mu.Lock()
	defer km.mu.Unlock()

	copy(km.cipherKeyLocal[:], keys[0:64])
	copy(km.hmacKeyLocal[:], keys[64:128])
	copy(km.cipherKeyRemote[:], keys[128:192])
	copy(km.hmacKeyRemote[:], keys[192:256])

	km.dataCipher = dataCipher
	km.hash = hashFactory

	hashSize := km.hash().Size()
	km.hmacLocal = hmac.New(km.hash, km.hmacKeyLocal[:hashSize])
	km.hmacRemote = hmac.New(km.hash, km.hmacKeyRemote[:hashSize])

	km.ready = true
	logger.Infof("Key derivation OK (key-id=%d)", km.keyID)
	return nil
}

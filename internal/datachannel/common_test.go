package datachannel

import (
	"crypto/hmac"
	"testing"

	"github.com/apex/log"

	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/session"
	"github.com/facboy/openvpn3/pkg/config"
)

//
// Common utilities for tests in this package.
//

// makeTestingOptions returns options suitable for a local datachannel.
func makeTestingOptions(cipher, auth string) *config.OpenVPNOptions {
	return &config.OpenVPNOptions{
		Cipher: cipher,
		Auth:   auth,
	}
}

// makeTestingSession returns a session manager with a remote session ID set.
func makeTestingSession(t *testing.T, opts *config.OpenVPNOptions) *session.Manager {
	t.Helper()
	manager, err := session.NewManager(config.NewConfig(
		config.WithLogger(log.Log),
		config.WithOpenVPNOptions(opts),
	))
	if err != nil {
		t.Fatal(err)
	}
	manager.SetRemoteSessionID(model.SessionID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08})
	return manager
}

// makeReadyKeyMaterial derives key material for key id zero, using the same
// key sources on both sides so that an encrypt/decrypt pair can talk to
// itself in tests.
func makeReadyKeyMaterial(t *testing.T, sess *session.Manager, cipher, auth string) *KeyMaterial {
	t.Helper()
	primary := sess.PrimaryKey()
	if err := primary.Key.AddRemoteKey(&session.KeySource{}); err != nil {
		t.Fatal(err)
	}

	km := NewKeyMaterial(primary.KeyID, 8)
	err := km.DeriveKeys(
		log.Log,
		primary.Key,
		sess.LocalSessionID(),
		sess.RemoteSessionID(),
		cipher,
		auth,
	)
	if err != nil {
		t.Fatal(err)
	}
	return km
}

// makeTestingWorkersState returns a workersState wired to buffered channels,
// enough to exercise the encrypt and decrypt paths without running workers.
func makeTestingWorkersState(t *testing.T, cipher, auth string) *workersState {
	t.Helper()
	opts := makeTestingOptions(cipher, auth)
	sess := makeTestingSession(t, opts)
	km := makeReadyKeyMaterial(t, sess, cipher, auth)
	sess.MarkPrimaryKeyEstablished()

	ws := &workersState{
		logger:         log.Log,
		sessionManager: sess,
		options:        opts,
		keyMaterials:   map[uint8]*KeyMaterial{km.KeyID(): km},
		replayWidth:    8,
	}
	return ws
}

// overTheWire serializes an outbound packet and parses it back, the way the
// muxer hands inbound data packets to the data channel (header stripped).
func overTheWire(t *testing.T, p *model.Packet) *model.Packet {
	t.Helper()
	raw, err := p.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := model.ParsePacket(raw)
	if err != nil {
		t.Fatal(err)
	}
	return parsed
}

// loopback makes the key material decrypt its own output: the remote keys
// become a copy of the local ones.
func loopback(km *KeyMaterial) {
	km.cipherKeyRemote = km.cipherKeyLocal
	km.hmacKeyRemote = km.hmacKeyLocal
	if km.hash != nil {
		km.hmacRemote = hmac.New(km.hash, km.hmacKeyRemote[:km.hash().Size()])
	}
}

package datachannel

import (
	"bytes"
	"errors"
	"testing"

	"github.com/apex/log"

	"github.com/facboy/openvpn3/internal/session"
)

func Test_KeyMaterial_DeriveKeys(t *testing.T) {
	opts := makeTestingOptions("AES-256-GCM", "SHA256")
	sess := makeTestingSession(t, opts)
	km := makeReadyKeyMaterial(t, sess, opts.Cipher, opts.Auth)

	if !km.Ready() {
		t.Fatal("material should be ready after derivation")
	}
	zero := keySlot{}
	if bytes.Equal(km.cipherKeyLocal[:], zero[:]) {
		t.Error("local cipher key should not be zero")
	}
	if bytes.Equal(km.cipherKeyLocal[:], km.cipherKeyRemote[:]) {
		t.Error("local and remote keys must differ")
	}
}

func Test_KeyMaterial_DeriveKeysFailures(t *testing.T) {
	t.Run("key not ready", func(t *testing.T) {
		km := NewKeyMaterial(0, 8)
		err := km.DeriveKeys(log.Log, &session.DataChannelKey{}, nil, nil, "AES-128-GCM", "SHA1")
		if !errors.Is(err, errDataChannelKey) {
			t.Errorf("expected errDataChannelKey, got %v", err)
		}
	})

	t.Run("unsupported cipher", func(t *testing.T) {
		opts := makeTestingOptions("AES-128-GCM", "SHA1")
		sess := makeTestingSession(t, opts)
		primary := sess.PrimaryKey()
		primary.Key.AddRemoteKey(&session.KeySource{})

		km := NewKeyMaterial(0, 8)
		err := km.DeriveKeys(log.Log, primary.Key, sess.LocalSessionID(), sess.RemoteSessionID(), "DES-EDE3-CBC", "SHA1")
		if !errors.Is(err, errUnsupportedCipher) {
			t.Errorf("expected errUnsupportedCipher, got %v", err)
		}
	})
}

func Test_KeyMaterial_ClearZeroizes(t *testing.T) {
	opts := makeTestingOptions("AES-256-CBC", "SHA1")
	sess := makeTestingSession(t, opts)
	km := makeReadyKeyMaterial(t, sess, opts.Cipher, opts.Auth)

	km.Clear()

	if km.Ready() {
		t.Error("cleared material must not be ready")
	}
	zero := keySlot{}
	for name, slot := range map[string]keySlot{
		"cipherKeyLocal":  km.cipherKeyLocal,
		"cipherKeyRemote": km.cipherKeyRemote,
		"hmacKeyLocal":    km.hmacKeyLocal,
		"hmacKeyRemote":   km.hmacKeyRemote,
	} {
		if !bytes.Equal(slot[:], zero[:]) {
			t.Errorf("%s not zeroized", name)
		}
	}
}

func Test_KeyMaterial_replayWindowIsPerKey(t *testing.T) {
	a := NewKeyMaterial(0, 8)
	b := NewKeyMaterial(1, 8)
	if err := a.CheckReplay(1); err != nil {
		t.Fatal(err)
	}
	// the same id on a different key is fine
	if err := b.CheckReplay(1); err != nil {
		t.Fatal(err)
	}
	// but a duplicate on the same key is not
	if err := a.CheckReplay(1); err == nil {
		t.Error("expected duplicate rejection")
	}
}

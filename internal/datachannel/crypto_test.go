package datachannel

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func Test_newDataCipherFromCipherSuite(t *testing.T) {
	tests := []struct {
		name    string
		cipher  string
		keySize int
		aead    bool
		wantErr error
	}{
		{"aes 128 cbc", "AES-128-CBC", 16, false, nil},
		{"aes 192 cbc", "AES-192-CBC", 24, false, nil},
		{"aes 256 cbc", "AES-256-CBC", 32, false, nil},
		{"aes 128 gcm", "AES-128-GCM", 16, true, nil},
		{"aes 256 gcm", "AES-256-GCM", 32, true, nil},
		{"unknown cipher", "CHACHA20-POLY1305", 0, false, errUnsupportedCipher},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dc, err := newDataCipherFromCipherSuite(tt.cipher)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if dc.keySizeBytes() != tt.keySize {
				t.Errorf("keySizeBytes() = %d, want %d", dc.keySizeBytes(), tt.keySize)
			}
			if dc.isAEAD() != tt.aead {
				t.Errorf("isAEAD() = %v, want %v", dc.isAEAD(), tt.aead)
			}
		})
	}
}

func Test_dataCipherAES_encryptDecryptRoundtrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 64)

	t.Run("cbc with padding", func(t *testing.T) {
		dc, _ := newDataCipher(cipherNameAES, 128, cipherModeCBC)
		payload := []byte("a small payload")
		padded, err := doPadding(payload, "", dc.blockSize())
		if err != nil {
			t.Fatal(err)
		}
		plain := &plaintextData{
			iv:        bytes.Repeat([]byte{0x07}, 16),
			plaintext: padded,
		}
		ct, err := dc.encrypt(key, plain)
		if err != nil {
			t.Fatal(err)
		}
		got, err := dc.decrypt(key, &encryptedData{iv: plain.iv, ciphertext: ct})
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("roundtrip mismatch: %x vs %x", got, payload)
		}
	})

	t.Run("gcm", func(t *testing.T) {
		dc, _ := newDataCipher(cipherNameAES, 256, cipherModeGCM)
		plain := &plaintextData{
			iv:        bytes.Repeat([]byte{0x02}, 12),
			plaintext: []byte("the quick brown fox"),
			aead:      []byte{0x48, 0x00, 0x00, 0x01},
		}
		ct, err := dc.encrypt(key, plain)
		if err != nil {
			t.Fatal(err)
		}
		got, err := dc.decrypt(key, &encryptedData{
			iv:         plain.iv,
			ciphertext: ct,
			aead:       plain.aead,
		})
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, plain.plaintext) {
			t.Error("roundtrip mismatch")
		}
	})

	t.Run("gcm rejects tampered aead", func(t *testing.T) {
		dc, _ := newDataCipher(cipherNameAES, 256, cipherModeGCM)
		plain := &plaintextData{
			iv:        bytes.Repeat([]byte{0x02}, 12),
			plaintext: []byte("the quick brown fox"),
			aead:      []byte{0x48, 0x00, 0x00, 0x01},
		}
		ct, err := dc.encrypt(key, plain)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := dc.decrypt(key, &encryptedData{
			iv:         plain.iv,
			ciphertext: ct,
			aead:       []byte{0x48, 0x00, 0x00, 0x02},
		}); err == nil {
			t.Error("expected authentication failure")
		}
	})
}

func Test_newHMACFactory(t *testing.T) {
	for _, name := range []string{"sha1", "sha256", "sha512"} {
		if _, ok := newHMACFactory(name); !ok {
			t.Errorf("expected factory for %s", name)
		}
	}
	if _, ok := newHMACFactory("md5"); ok {
		t.Error("md5 must not be accepted")
	}
}

func Test_prf_deterministicAndLabelSeparated(t *testing.T) {
	// deterministic: same inputs yield same outputs, different labels differ
	secret := bytes.Repeat([]byte{0x11}, 48)
	a := prf(secret, []byte("OpenVPN master secret"), []byte{1}, []byte{2}, nil, nil, 48)
	b := prf(secret, []byte("OpenVPN master secret"), []byte{1}, []byte{2}, nil, nil, 48)
	c := prf(secret, []byte("OpenVPN key expansion"), []byte{1}, []byte{2}, nil, nil, 48)
	if !bytes.Equal(a, b) {
		t.Error("prf must be deterministic")
	}
	if bytes.Equal(a, c) {
		t.Error("different labels must derive different keys")
	}
	if hex.EncodeToString(a) == hex.EncodeToString(make([]byte, 48)) {
		t.Error("prf output should not be zero")
	}
}

func Test_prf_sessionIDsChangeExpansion(t *testing.T) {
	secret := bytes.Repeat([]byte{0x22}, 48)
	withSid := prf(secret, []byte("OpenVPN key expansion"), []byte{1}, []byte{2},
		[]byte{0xaa}, []byte{0xbb}, 256)
	withoutSid := prf(secret, []byte("OpenVPN key expansion"), []byte{1}, []byte{2},
		nil, nil, 256)
	if bytes.Equal(withSid, withoutSid) {
		t.Error("session IDs must salt the key expansion")
	}
}

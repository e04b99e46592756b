package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/statickey"
)

// testStaticKeyText renders a deterministic 256-byte static key.
func testStaticKeyText() string {
	var raw [statickey.KeySize]byte
	for i := range raw {
		raw[i] = byte(i * 7)
	}
	var sb strings.Builder
	sb.WriteString("-----BEGIN OpenVPN Static key V1-----\n")
	for i := 0; i < len(raw); i += 16 {
		sb.WriteString(hex.EncodeToString(raw[i:i+16]) + "\n")
	}
	sb.WriteString("-----END OpenVPN Static key V1-----\n")
	return sb.String()
}

// newTestControlPacket builds a control packet with ACKs and session IDs.
func newTestControlPacket() *model.Packet {
	p := model.NewPacket(model.P_CONTROL_V1, 0, []byte("tls record bytes"))
	copy(p.LocalSessionID[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	copy(p.RemoteSessionID[:], []byte{9, 10, 11, 12, 13, 14, 15, 16})
	p.ACKs = []model.PacketID{7, 8}
	p.ID = 42
	p.ReplayPacketID = 99
	p.Timestamp = 1700000000
	return p
}

func Test_none_passthrough(t *testing.T) {
	sec := NewControlChannelSecurityNone()
	p := newTestControlPacket()
	raw, err := MarshalPacket(p, sec)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := p.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, plain) {
		t.Error("none mode should be pass-through")
	}
}

func Test_tlsAuth_roundtrip(t *testing.T) {
	for _, auth := range []string{"SHA1", "SHA256", "SHA512"} {
		t.Run(auth, func(t *testing.T) {
			// bidirectional key: our writer is our own reader, so we can
			// exercise wrap+unwrap against ourselves
			sec, err := NewControlChannelSecurityTLSAuth([]byte(testStaticKeyText()), -1, auth)
			if err != nil {
				t.Fatal(err)
			}
			p := newTestControlPacket()
			raw, err := MarshalPacket(p, sec)
			if err != nil {
				t.Fatal(err)
			}
			got, err := UnmarshalPacket(raw, sec)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(p, got); diff != "" {
				t.Error(diff)
			}
		})
	}
}

func Test_tlsAuth_bitFlipFailsClosed(t *testing.T) {
	sec, err := NewControlChannelSecurityTLSAuth([]byte(testStaticKeyText()), -1, "SHA1")
	if err != nil {
		t.Fatal(err)
	}
	p := newTestControlPacket()
	raw, err := MarshalPacket(p, sec)
	if err != nil {
		t.Fatal(err)
	}
	// flip a single bit in every position and make sure all of them fail
	for i := 0; i < len(raw); i++ {
		mangled := append([]byte(nil), raw...)
		mangled[i] ^= 0x01
		if _, err := UnmarshalPacket(mangled, sec); err == nil {
			t.Fatalf("bit flip at byte %d was not detected", i)
		}
	}
}

func Test_tlsAuth_directionalKeys(t *testing.T) {
	// a client with key-direction 1 talks to a server with key-direction 0:
	// the client's write key must be the server's read key
	client, err := NewControlChannelSecurityTLSAuth([]byte(testStaticKeyText()), 1, "SHA1")
	if err != nil {
		t.Fatal(err)
	}
	server, err := NewControlChannelSecurityTLSAuth([]byte(testStaticKeyText()), 0, "SHA1")
	if err != nil {
		t.Fatal(err)
	}
	p := newTestControlPacket()
	raw, err := MarshalPacket(p, client)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalPacket(raw, server); err != nil {
		t.Errorf("server cannot authenticate client record: %v", err)
	}
	// while the same-direction peer must reject it
	if _, err := UnmarshalPacket(raw, client); !errors.Is(err, ErrHMACVerify) {
		t.Errorf("expected ErrHMACVerify, got %v", err)
	}
}

func Test_tlsCrypt_roundtripAndConfidentiality(t *testing.T) {
	sec, err := NewControlChannelSecurityTLSCrypt([]byte(testStaticKeyText()))
	if err != nil {
		t.Fatal(err)
	}
	p := newTestControlPacket()
	raw, err := MarshalPacket(p, sec)
	if err != nil {
		t.Fatal(err)
	}

	// the payload must not appear in clear on the wire
	if bytes.Contains(raw, []byte("tls record bytes")) {
		t.Error("tls-crypt did not encrypt the payload")
	}

	got, err := UnmarshalPacket(raw, sec)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(p, got); diff != "" {
		t.Error(diff)
	}
}

func Test_tlsCrypt_bitFlipFailsClosed(t *testing.T) {
	sec, err := NewControlChannelSecurityTLSCrypt([]byte(testStaticKeyText()))
	if err != nil {
		t.Fatal(err)
	}
	p := newTestControlPacket()
	raw, err := MarshalPacket(p, sec)
	if err != nil {
		t.Fatal(err)
	}
	for _, pos := range []int{0, 5, 10, 20, 40, len(raw) - 1} {
		mangled := append([]byte(nil), raw...)
		mangled[pos] ^= 0x80
		if _, err := UnmarshalPacket(mangled, sec); err == nil {
			t.Fatalf("bit flip at byte %d was not detected", pos)
		}
	}
}

func Test_dataPacketsAreNeverWrapped(t *testing.T) {
	sec, err := NewControlChannelSecurityTLSCrypt([]byte(testStaticKeyText()))
	if err != nil {
		t.Fatal(err)
	}
	p := model.NewPacket(model.P_DATA_V2, 1, []byte{0xde, 0xad})
	raw, err := MarshalPacket(p, sec)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := p.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, plain) {
		t.Error("data packets must bypass control-channel wrapping")
	}
}

// buildTLSCryptV2ClientKey assembles a synthetic client key bundle.
func buildTLSCryptV2ClientKey(wkcLen int) []byte {
	var kc [statickey.KeySize]byte
	for i := range kc {
		kc[i] = byte(255 - i)
	}
	wkc := make([]byte, wkcLen)
	for i := range wkc {
		wkc[i] = byte(i)
	}
	wkc[wkcLen-2] = byte(wkcLen >> 8)
	wkc[wkcLen-1] = byte(wkcLen & 0xff)

	b64 := base64.StdEncoding.EncodeToString(append(kc[:], wkc...))
	var sb strings.Builder
	sb.WriteString("-----BEGIN OpenVPN tls-crypt-v2 client key-----\n")
	for len(b64) > 64 {
		sb.WriteString(b64[:64] + "\n")
		b64 = b64[64:]
	}
	sb.WriteString(b64 + "\n")
	sb.WriteString("-----END OpenVPN tls-crypt-v2 client key-----\n")
	return []byte(sb.String())
}

func Test_tlsCryptV2_clientKeyParsing(t *testing.T) {
	sec, err := NewControlChannelSecurityTLSCryptV2(buildTLSCryptV2ClientKey(128))
	if err != nil {
		t.Fatal(err)
	}
	if sec.Mode != ControlSecurityModeTLSCryptV2 {
		t.Errorf("wrong mode: %s", sec.Mode)
	}
	if len(sec.WrappedClientKey) != 128 {
		t.Errorf("wrong WKc length: %d", len(sec.WrappedClientKey))
	}
}

func Test_tlsCryptV2_rejectsBadBundles(t *testing.T) {
	t.Run("malformed base64 body", func(t *testing.T) {
		bundle := buildTLSCryptV2ClientKey(128)
		mangled := bytes.Replace(bundle, []byte("-----END"), []byte("x\n-----END"), 1)
		if _, err := NewControlChannelSecurityTLSCryptV2(mangled); !errors.Is(err, ErrTLSCryptMeta) {
			t.Errorf("expected ErrTLSCryptMeta, got %v", err)
		}
	})
	t.Run("truncated bundle", func(t *testing.T) {
		if _, err := NewControlChannelSecurityTLSCryptV2([]byte(
			"-----BEGIN OpenVPN tls-crypt-v2 client key-----\nAAAA\n-----END OpenVPN tls-crypt-v2 client key-----\n",
		)); !errors.Is(err, ErrTLSCryptMeta) {
			t.Errorf("expected ErrTLSCryptMeta, got %v", err)
		}
	})
}

func Test_tlsCryptV2_firstPacketCarriesWKc(t *testing.T) {
	sec, err := NewControlChannelSecurityTLSCryptV2(buildTLSCryptV2ClientKey(64))
	if err != nil {
		t.Fatal(err)
	}
	p := model.NewPacket(model.P_CONTROL_HARD_RESET_CLIENT_V3, 0, []byte{})
	copy(p.LocalSessionID[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	p.ReplayPacketID = 1
	p.Timestamp = 1700000000
	raw, err := MarshalPacket(p, sec)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasSuffix(raw, sec.WrappedClientKey) {
		t.Error("hard reset v3 must carry the wrapped client key")
	}
}

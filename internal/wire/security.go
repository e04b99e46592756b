// Package wire serializes and deserializes OpenVPN packets, applying the
// configured control-channel protection (tls-auth, tls-crypt or
// tls-crypt-v2) on the way. Every control record leaving the reliable layer
// passes through exactly one wrap here, and every record entering it passes
// through exactly one unwrap.
package wire

import (
	"crypto/hmac"
	"crypto/sha1" //#nosec G505 -- the protocol defaults to SHA1 for tls-auth
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/facboy/openvpn3/internal/statickey"
)

var (
	// ErrBadKeyMaterial indicates that the static key material is unusable.
	ErrBadKeyMaterial = errors.New("wire: bad key material")

	// ErrHMACVerify indicates an authentication failure on an inbound record.
	ErrHMACVerify = errors.New("wire: hmac verification failed")

	// ErrTLSCryptMeta indicates an invalid tls-crypt-v2 client key bundle.
	ErrTLSCryptMeta = errors.New("wire: tls-crypt-v2 client key verification failed")
)

// ControlSecurityMode enumerates the control-channel protection modes.
type ControlSecurityMode int

const (
	// ControlSecurityModeNone is the pass-through mode.
	ControlSecurityModeNone = ControlSecurityMode(iota)

	// ControlSecurityModeTLSAuth authenticates every control record.
	ControlSecurityModeTLSAuth

	// ControlSecurityModeTLSCrypt authenticates and encrypts every control record.
	ControlSecurityModeTLSCrypt

	// ControlSecurityModeTLSCryptV2 is tls-crypt with a per-client key bundle.
	ControlSecurityModeTLSCryptV2
)

// String implements fmt.Stringer.
func (m ControlSecurityMode) String() string {
	switch m {
	case ControlSecurityModeNone:
		return "none"
	case ControlSecurityModeTLSAuth:
		return "tls-auth"
	case ControlSecurityModeTLSCrypt:
		return "tls-crypt"
	case ControlSecurityModeTLSCryptV2:
		return "tls-crypt-v2"
	default:
		return "unknown"
	}
}

// ControlChannelSecurity holds the state needed to wrap and unwrap control
// records in the configured mode. The zero value is the none mode.
type ControlChannelSecurity struct {
	// Mode selects the wrap algorithm.
	Mode ControlSecurityMode

	// TLSAuthDigest constructs the digest used by tls-auth.
	TLSAuthDigest func() hash.Hash

	// hmacWrite authenticates outbound records (tls-auth).
	hmacWriteKey statickey.StaticKey

	// hmacReadKey verifies inbound records (tls-auth).
	hmacReadKey statickey.StaticKey

	// cryptCipherKey is the AES-256-CTR key (tls-crypt, both directions).
	cryptCipherKey statickey.StaticKey

	// cryptHMACKey is the HMAC-SHA256 key (tls-crypt, both directions).
	cryptHMACKey statickey.StaticKey

	// WrappedClientKey is the opaque server-wrapped key bundle appended to
	// the first client packet in tls-crypt-v2 mode.
	WrappedClientKey []byte
}

// NewControlChannelSecurityNone returns the pass-through configuration.
func NewControlChannelSecurityNone() *ControlChannelSecurity {
	return &ControlChannelSecurity{Mode: ControlSecurityModeNone}
}

// newTLSAuthDigest maps an OpenVPN auth name to a digest factory.
func newTLSAuthDigest(name string) (func() hash.Hash, error) {
	switch strings.ToLower(name) {
	case "", "sha1":
		return sha1.New, nil
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("%w: unsupported auth digest %q", ErrBadKeyMaterial, name)
	}
}

// NewControlChannelSecurityTLSAuth builds the tls-auth configuration from
// the inline static key material. keyDirection is 0 or 1 for directional
// keys, or negative for the bidirectional mode where both peers share the
// same HMAC subkey.
func NewControlChannelSecurityTLSAuth(keyMaterial []byte, keyDirection int, authName string) (*ControlChannelSecurity, error) {
	key, err := statickey.Parse(string(keyMaterial))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadKeyMaterial, err)
	}
	digest, err := newTLSAuthDigest(authName)
	if err != nil {
		return nil, err
	}

	sec := &ControlChannelSecurity{
		Mode:          ControlSecurityModeTLSAuth,
		TLSAuthDigest: digest,
	}

	switch keyDirection {
	case 0:
		sec.hmacWriteKey, err = key.Slice(statickey.HMAC | statickey.Encrypt | statickey.Normal)
		if err == nil {
			sec.hmacReadKey, err = key.Slice(statickey.HMAC | statickey.Decrypt | statickey.Normal)
		}
	case 1:
		sec.hmacWriteKey, err = key.Slice(statickey.HMAC | statickey.Encrypt | statickey.Inverse)
		if err == nil {
			sec.hmacReadKey, err = key.Slice(statickey.HMAC | statickey.Decrypt | statickey.Inverse)
		}
	default:
		// bidirectional: the same subkey authenticates both directions
		sec.hmacWriteKey, err = key.Slice(statickey.HMAC | statickey.Encrypt | statickey.Normal)
		sec.hmacReadKey = sec.hmacWriteKey
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadKeyMaterial, err)
	}
	return sec, nil
}

// NewControlChannelSecurityTLSCrypt builds the tls-crypt configuration from
// the inline static key material. tls-crypt keys are always bidirectional.
func NewControlChannelSecurityTLSCrypt(keyMaterial []byte) (*ControlChannelSecurity, error) {
	key, err := statickey.Parse(string(keyMaterial))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadKeyMaterial, err)
	}
	return newTLSCryptFromStaticKey(key, ControlSecurityModeTLSCrypt, nil)
}

func newTLSCryptFromStaticKey(key *statickey.OpenVPNStaticKey, mode ControlSecurityMode, wkc []byte) (*ControlChannelSecurity, error) {
	cipherKey, err := key.Slice(statickey.Cipher | statickey.Encrypt | statickey.Normal)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadKeyMaterial, err)
	}
	hmacKey, err := key.Slice(statickey.HMAC | statickey.Encrypt | statickey.Normal)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadKeyMaterial, err)
	}
	return &ControlChannelSecurity{
		Mode:             mode,
		cryptCipherKey:   cipherKey,
		cryptHMACKey:     hmacKey,
		WrappedClientKey: wkc,
	}, nil
}

const (
	tlsCryptV2ClientKeyHead = "-----BEGIN OpenVPN tls-crypt-v2 client key-----"
	tlsCryptV2ClientKeyFoot = "-----END OpenVPN tls-crypt-v2 client key-----"

	// tlsCryptV2MaxWKc bounds the wrapped client key blob; larger bundles
	// cannot fit into the first handshake packet.
	tlsCryptV2MaxWKc = 1024
)

// NewControlChannelSecurityTLSCryptV2 parses a tls-crypt-v2 client key
// bundle: base64(Kc || WKc) where Kc is a full 256-byte static key and the
// last two bytes of WKc carry its own length in network order.
func NewControlChannelSecurityTLSCryptV2(keyMaterial []byte) (*ControlChannelSecurity, error) {
	b64, err := pemBody(string(keyMaterial), tlsCryptV2ClientKeyHead, tlsCryptV2ClientKeyFoot)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64: %s", ErrTLSCryptMeta, err)
	}
	if len(raw) < statickey.KeySize+2 {
		return nil, fmt.Errorf("%w: bundle too short (%d bytes)", ErrTLSCryptMeta, len(raw))
	}

	wkc := raw[statickey.KeySize:]
	wkcLen := int(wkc[len(wkc)-2])<<8 | int(wkc[len(wkc)-1])
	if wkcLen != len(wkc) || wkcLen > tlsCryptV2MaxWKc {
		return nil, fmt.Errorf("%w: bad WKc length %d", ErrTLSCryptMeta, wkcLen)
	}

	kc, err := statickey.Parse(renderRawStaticKey(raw[:statickey.KeySize]))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTLSCryptMeta, err)
	}
	return newTLSCryptFromStaticKey(kc, ControlSecurityModeTLSCryptV2, wkc)
}

// renderRawStaticKey converts raw key bytes into the hex PEM form that
// [statickey.Parse] consumes.
func renderRawStaticKey(raw []byte) string {
	var sb strings.Builder
	sb.WriteString("-----BEGIN OpenVPN Static key V1-----\n")
	for i := 0; i < len(raw); i += 16 {
		end := i + 16
		if end > len(raw) {
			end = len(raw)
		}
		sb.WriteString(fmt.Sprintf("%x\n", raw[i:end]))
	}
	sb.WriteString("-----END OpenVPN Static key V1-----\n")
	return sb.String()
}

// pemBody extracts the body between the given marker lines.
func pemBody(text, head, foot string) (string, error) {
	var body []string
	inBody := false
	sawBody := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		switch {
		case line == head:
			inBody = true
		case line == foot:
			inBody = false
			sawBody = true
		case inBody && line != "":
			body = append(body, line)
		}
	}
	if inBody || !sawBody {
		return "", fmt.Errorf("%w: missing markers", ErrTLSCryptMeta)
	}
	return strings.Join(body, ""), nil
}

// newHMAC returns the tls-auth HMAC for the given direction key.
func (s *ControlChannelSecurity) newHMAC(key statickey.StaticKey) hash.Hash {
	digest := s.TLSAuthDigest
	size := digest().Size()
	return hmac.New(digest, key[:size])
}

// Wipe zeroizes all key material held by this configuration.
func (s *ControlChannelSecurity) Wipe() {
	s.hmacWriteKey.Wipe()
	s.hmacReadKey.Wipe()
	s.cryptCipherKey.Wipe()
	s.cryptHMACKey.Wipe()
	for i := range s.WrappedClientKey {
		s.WrappedClientKey[i] = 0
	}
}

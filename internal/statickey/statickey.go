// Package statickey implements parsing, rendering and slicing of OpenVPN
// static keys: the 256-byte pre-shared blobs feeding tls-auth and tls-crypt
// control-channel protection.
package statickey

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrParse indicates that the static key material cannot be parsed.
	ErrParse = errors.New("statickey: parse error")

	// ErrBadSize indicates an access on a wrong-sized key blob.
	ErrBadSize = errors.New("statickey: bad key size")
)

// KeySize is the size of a full static key, in bytes.
const KeySize = 256

// SliceSize is the size of each directional subkey, in bytes.
const SliceSize = KeySize / 4

// Key specifier bits, combined to select one of the four key quadrants.
const (
	// Cipher selects a cipher subkey.
	Cipher = 0

	// HMAC selects an HMAC subkey.
	HMAC = 1 << 0

	// Encrypt selects the encrypt-side subkey.
	Encrypt = 0

	// Decrypt selects the decrypt-side subkey.
	Decrypt = 1 << 1

	// Normal keeps the configured key direction.
	Normal = 0

	// Inverse swaps the key direction (key-direction 1).
	Inverse = 1 << 2
)

// keyTable maps the 3-bit specifier to a quadrant of the key blob.
var keyTable = [8]byte{0, 1, 2, 3, 2, 3, 0, 1}

const (
	staticKeyHead = "-----BEGIN OpenVPN Static key V1-----"
	staticKeyFoot = "-----END OpenVPN Static key V1-----"
)

// StaticKey is a 64-byte directional subkey sliced from an [OpenVPNStaticKey].
type StaticKey [SliceSize]byte

// Wipe overwrites the subkey bytes.
func (sk *StaticKey) Wipe() {
	for i := range sk {
		sk[i] = 0
	}
}

// OpenVPNStaticKey is the full 256-byte static key. The zero value is an
// undefined key; fill it via [Parse] or [ParseFile].
type OpenVPNStaticKey struct {
	data    [KeySize]byte
	defined bool
}

// Defined returns whether the key holds parsed material.
func (k *OpenVPNStaticKey) Defined() bool {
	return k.defined
}

// Slice returns the 64-byte subkey selected by the 3-bit specifier, one of
// the Cipher/HMAC × Encrypt/Decrypt × Normal/Inverse combinations.
func (k *OpenVPNStaticKey) Slice(specifier int) (StaticKey, error) {
	var out StaticKey
	if !k.defined {
		return out, ErrBadSize
	}
	idx := int(keyTable[specifier&7]) * SliceSize
	copy(out[:], k.data[idx:idx+SliceSize])
	return out, nil
}

// XOR combines this key with another, byte by byte. Both must be defined.
func (k *OpenVPNStaticKey) XOR(other *OpenVPNStaticKey) error {
	if !k.defined || !other.defined {
		return ErrBadSize
	}
	for i := range k.data {
		k.data[i] ^= other.data[i]
	}
	return nil
}

// Wipe overwrites the key bytes and marks the key undefined.
func (k *OpenVPNStaticKey) Wipe() {
	for i := range k.data {
		k.data[i] = 0
	}
	k.defined = false
}

// Parse parses the PEM-style static key text: 16 lines of 32 hex characters
// bracketed by the BEGIN/END marker lines. Comment lines starting with '#'
// or ';' are ignored, and whitespace inside the body is insignificant.
func Parse(text string) (*OpenVPNStaticKey, error) {
	key := &OpenVPNStaticKey{}
	inBody := false
	sawBody := false
	offset := 0

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		switch {
		case line == staticKeyHead:
			if inBody || sawBody {
				return nil, fmt.Errorf("%w: repeated BEGIN marker", ErrParse)
			}
			inBody = true
		case line == staticKeyFoot:
			if !inBody {
				return nil, fmt.Errorf("%w: END marker before BEGIN", ErrParse)
			}
			inBody = false
			sawBody = true
		case inBody:
			if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
				continue
			}
			raw, err := hex.DecodeString(line)
			if err != nil {
				return nil, fmt.Errorf("%w: non-hex body: %s", ErrParse, err)
			}
			if offset+len(raw) > KeySize {
				return nil, fmt.Errorf("%w: key longer than %d bytes", ErrParse, KeySize)
			}
			copy(key.data[offset:], raw)
			offset += len(raw)
		}
	}

	if inBody || !sawBody {
		return nil, fmt.Errorf("%w: missing markers", ErrParse)
	}
	if offset != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrParse, offset, KeySize)
	}
	key.defined = true
	return key, nil
}

// ParseFile parses a static key from the file at the given path.
func ParseFile(path string) (*OpenVPNStaticKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrParse, err)
	}
	return Parse(string(data))
}

// Render produces the PEM-style text for the key: the inverse of [Parse],
// with normalized line endings.
func (k *OpenVPNStaticKey) Render() (string, error) {
	if !k.defined {
		return "", ErrBadSize
	}
	var sb strings.Builder
	sb.WriteString(staticKeyHead)
	sb.WriteByte('\n')
	for i := 0; i < KeySize; i += 16 {
		sb.WriteString(hex.EncodeToString(k.data[i : i+16]))
		sb.WriteByte('\n')
	}
	sb.WriteString(staticKeyFoot)
	sb.WriteByte('\n')
	return sb.String(), nil
}

package datachannel

//
// Functions for encoding & writing packets
//

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/facboy/openvpn3/internal/bytesx"
	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/pkg/config"
)

// dataPacketHeader carries the cleartext header values for one outbound
// data packet.
type dataPacketHeader struct {
	// opcode is the data opcode in use (P_DATA_V1 or P_DATA_V2).
	opcode model.Opcode

	// keyID is the 3-bit id of the key protecting this packet.
	keyID uint8

	// peerID is the peer-id assigned by the server (P_DATA_V2 only).
	peerID int

	// packetID is the anti-replay packet id for this packet.
	packetID model.PacketID
}

// headerByte returns the opcode|key-id byte.
func (h *dataPacketHeader) headerByte() byte {
	return (byte(h.opcode) << 3) | (h.keyID & 0x07)
}

// encryptAndEncodePayloadAEAD performs encryption and encoding of the
// payload in AEAD modes (i.e., AES-GCM).
func encryptAndEncodePayloadAEAD(logger model.Logger, padded []byte, hdr dataPacketHeader, km *KeyMaterial) ([]byte, error) {
	// in AEAD mode, we authenticate:
	// - 1 byte: opcode/key
	// - 3 bytes: peer-id (when using P_DATA_V2)
	// - 4 bytes: packet-id
	aead := &bytes.Buffer{}
	aead.WriteByte(hdr.headerByte())
	if hdr.opcode == model.P_DATA_V2 {
		bytesx.WriteUint24(aead, uint32(hdr.peerID))
	}
	bytesx.WriteUint32(aead, uint32(hdr.packetID))

	// the iv is the packet-id (again) concatenated with 8 bytes of the
	// key derived for the local hmac (which we do not use for anything
	// else in AEAD mode).
	iv := &bytes.Buffer{}
	bytesx.WriteUint32(iv, uint32(hdr.packetID))
	iv.Write(km.hmacKeyLocal[:8])

	data := &plaintextData{
		iv:        iv.Bytes(),
		plaintext: padded,
		aead:      aead.Bytes(),
	}

	encrypted, err := km.dataCipher.encrypt(km.cipherKeyLocal[:], data)
	if err != nil {
		return []byte{}, err
	}

	// some reordering, because openvpn uses tag | payload
	boundary := len(encrypted) - 16
	tag := encrypted[boundary:]
	ciphertext := encrypted[:boundary]

	// we now write to the output buffer
	out := bytes.Buffer{}
	out.Write(data.aead) // opcode|key-id [peer-id] packet-id
	out.Write(tag)
	out.Write(ciphertext)
	return out.Bytes(), nil
}

// assign the random function to allow using a deterministic one in tests.
var genRandomFn = bytesx.GenRandomBytes

// encryptAndEncodePayloadNonAEAD performs encryption and encoding of the
// payload in Non-AEAD modes (i.e., AES-CBC).
func encryptAndEncodePayloadNonAEAD(logger model.Logger, padded []byte, hdr dataPacketHeader, km *KeyMaterial) ([]byte, error) {
	// For iv generation, OpenVPN uses a nonce-based PRNG that is initially
	// seeded with the crypto library's RNG. A fresh random IV per packet
	// serves our purposes here.
	blockSize := km.dataCipher.blockSize()

	iv, err := genRandomFn(int(blockSize))
	if err != nil {
		return nil, err
	}
	data := &plaintextData{
		iv:        iv,
		plaintext: padded,
		aead:      nil,
	}

	ciphertext, err := km.dataCipher.encrypt(km.cipherKeyLocal[:], data)
	if err != nil {
		return nil, err
	}

	km.hmacLocal.Reset()
	km.hmacLocal.Write(iv)
	km.hmacLocal.Write(ciphertext)
	computedMAC := km.hmacLocal.Sum(nil)

	out := &bytes.Buffer{}
	out.WriteByte(hdr.headerByte())
	if hdr.opcode == model.P_DATA_V2 {
		bytesx.WriteUint24(out, uint32(hdr.peerID))
	}

	out.Write(computedMAC)
	out.Write(iv)
	out.Write(ciphertext)
	return out.Bytes(), nil
}

// doCompress adds compression bytes if needed by the passed compression options.
// if the compression stub is on, it sends the first byte to the last position,
// and it adds the compression preamble, following the wire format. compression
// lzo-no also adds a preamble.
func doCompress(b []byte, compress config.Compression) ([]byte, error) {
	switch compress {
	case "stub":
		// compression stub: send first byte to last
		// and add 0xfb marker on the first byte.
		b = append(b, b[0])
		b[0] = 0xfb
	case "lzo-no":
		// old "comp-lzo no" option
		b = append([]byte{0xfa}, b...)
	}
	return b, nil
}

var errPadding = errors.New("padding error")

// doPadding does pkcs7 padding of the encryption payloads as needed. if we're
// using the compression stub the padding is applied without taking the
// trailing bit into account.
func doPadding(b []byte, compress config.Compression, blockSize uint8) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: %s", errPadding, "nothing to pad")
	}
	if compress == "stub" {
		// if we're using the compression stub we need to account for a
		// trailing byte that we have appended in the doCompress stage.
		endByte := b[len(b)-1]
		padded, err := bytesx.BytesPadPKCS7(b[:len(b)-1], int(blockSize))
		if err != nil {
			return nil, err
		}
		padded[len(padded)-1] = endByte
		return padded, nil
	}
	padded, err := bytesx.BytesPadPKCS7(b, int(blockSize))
	if err != nil {
		return nil, err
	}
	return padded, nil
}

// prependPacketID returns the original buffer with the passed packetID
// concatenated at the beginning.
func prependPacketID(p model.PacketID, buf []byte) []byte {
	newbuf := &bytes.Buffer{}
	packetID := make([]byte, 4)
	binary.BigEndian.PutUint32(packetID, uint32(p))
	newbuf.Write(packetID[:])
	newbuf.Write(buf)
	return newbuf.Bytes()
}

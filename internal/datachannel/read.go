package datachannel

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"fmt"

	"github.com/facboy/openvpn3/internal/bytesx"
	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/runtimex"
	"github.com/facboy/openvpn3/pkg/config"
)

// decodeEncryptedPayloadAEAD splits an AEAD-protected payload into the parts
// needed to decrypt it, and returns the embedded packet id.
//
//	P_DATA_V2 GCM data channel crypto format
//	48000001 00000005 7e7046bd 444a7e28 cc6387b1 64a4d6c1 380275a...
//	[ OP32 ] [seq # ] [             auth tag            ] [ payload ... ]
//	- means authenticated -    * means encrypted *
//	[ - opcode/peer-id - ] [ - packet ID - ] [ TAG ] [ * packet payload * ]
func decodeEncryptedPayloadAEAD(logger model.Logger, buf []byte, hdr dataPacketHeader, km *KeyMaterial) (*encryptedData, model.PacketID, error) {
	// preconditions
	if len(buf) == 0 || len(buf) < 20 {
		return nil, 0, fmt.Errorf("too short: %d bytes", len(buf))
	}
	if len(km.hmacKeyRemote) < 8 {
		return nil, 0, fmt.Errorf("bad remote hmac")
	}
	remoteHMAC := km.hmacKeyRemote[:8]
	packetID := buf[:4]

	// the authenticated data is the cleartext header: opcode|key-id,
	// peer-id when in V2 framing, and the packet id
	headers := &bytes.Buffer{}
	headers.WriteByte(hdr.headerByte())
	if hdr.opcode == model.P_DATA_V2 {
		bytesx.WriteUint24(headers, uint32(hdr.peerID))
	}
	headers.Write(packetID)

	// we need to swap because decryption expects payload|tag
	// but we've got tag | payload instead
	payload := &bytes.Buffer{}
	payload.Write(buf[20:])  // ciphertext
	payload.Write(buf[4:20]) // tag

	// iv := packetID | remoteHMAC
	iv := &bytes.Buffer{}
	iv.Write(packetID)
	iv.Write(remoteHMAC)

	encrypted := &encryptedData{
		iv:         iv.Bytes(),
		ciphertext: payload.Bytes(),
		aead:       headers.Bytes(),
	}
	return encrypted, model.PacketID(binary.BigEndian.Uint32(packetID)), nil
}

// decodeEncryptedPayloadNonAEAD splits a CBC+HMAC payload into the parts
// needed to decrypt it, verifying the HMAC. The packet id is only known
// after decryption in this mode, so the returned id is zero.
func decodeEncryptedPayloadNonAEAD(logger model.Logger, buf []byte, hdr dataPacketHeader, km *KeyMaterial) (*encryptedData, model.PacketID, error) {
	runtimex.Assert(km != nil, "passed nil key material")
	runtimex.Assert(km.dataCipher != nil, "data cipher not initialized")

	hashSize := uint8(km.hmacRemote.Size())
	blockSize := km.dataCipher.blockSize()

	minLen := hashSize + blockSize

	if len(buf) < int(minLen) {
		return nil, 0, fmt.Errorf("%w: too short (%d bytes)", ErrCannotDecrypt, len(buf))
	}

	receivedHMAC := buf[:hashSize]
	iv := buf[hashSize : hashSize+blockSize]
	cipherText := buf[hashSize+blockSize:]

	km.hmacRemote.Reset()
	km.hmacRemote.Write(iv)
	km.hmacRemote.Write(cipherText)
	computedHMAC := km.hmacRemote.Sum(nil)

	if !hmac.Equal(computedHMAC, receivedHMAC) {
		return nil, 0, fmt.Errorf("%w: %w", ErrCannotDecrypt, errBadHMAC)
	}

	encrypted := &encryptedData{
		iv:         iv,
		ciphertext: cipherText,
		aead:       []byte{}, // no AEAD data in this mode, leaving it empty to satisfy common interface
	}
	return encrypted, 0, nil
}

// maybeDecompress de-serializes the data from the payload according to the
// framing given by different compression methods. Only the different
// no-compression modes are supported at the moment, so no real decompression
// is done. For non-AEAD modes the leading packet id is stripped here and
// returned so the caller can run the replay check.
func maybeDecompress(b []byte, km *KeyMaterial, compress config.Compression) ([]byte, model.PacketID, error) {
	if km == nil || km.dataCipher == nil {
		return []byte{}, 0, fmt.Errorf("%w:%s", errBadInput, "bad key material")
	}

	var compr byte // compression type
	var payload []byte
	var packetID model.PacketID

	switch km.dataCipher.isAEAD() {
	case true:
		switch compress {
		case config.CompressionStub, config.CompressionLZONo:
			// these are deprecated in openvpn 2.5.x
			compr = b[0]
			payload = b[1:]
		default:
			compr = 0x00
			payload = b[:]
		}
	default: // non-aead
		if len(b) < 4 {
			return []byte{}, 0, fmt.Errorf("%w:%s", errBadInput, "short plaintext")
		}
		packetID = model.PacketID(binary.BigEndian.Uint32(b[:4]))

		switch compress {
		case config.CompressionStub, config.CompressionLZONo:
			compr = b[4]
			payload = b[5:]
		default:
			compr = 0x00
			payload = b[4:]
		}
	}

	switch compr {
	case 0xfb:
		// compression stub swap:
		// we get the last byte and replace the compression byte
		// these are deprecated in openvpn 2.5.x
		end := payload[len(payload)-1]
		b := payload[:len(payload)-1]
		payload = append([]byte{end}, b...)
	case 0x00, 0xfa:
		// do nothing
		// 0x00 is compress-no,
		// 0xfa is the old no compression or comp-lzo no case.
		// see: https://community.openvpn.net/openvpn/ticket/952#comment:5
	default:
		errMsg := fmt.Sprintf("cannot handle compression:%x", compr)
		return []byte{}, 0, fmt.Errorf("%w:%s", errBadCompression, errMsg)
	}
	return payload, packetID, nil
}

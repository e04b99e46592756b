package wire

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/facboy/openvpn3/internal/bytesx"
	"github.com/facboy/openvpn3/internal/model"
)

//
// Wire layouts.
//
// tls-auth:
//
//	[opcode|key-id] [session-id] [HMAC] [replay-id] [timestamp] [acks... packet-id payload]
//
// where the HMAC covers the packet with the anti-replay pair moved in front
// of the opcode and the HMAC itself removed:
//
//	HMAC(Ka, replay-id ‖ timestamp ‖ opcode|key-id ‖ session-id ‖ rest)
//
// tls-crypt:
//
//	[opcode|key-id] [session-id] [replay-id] [timestamp] [tag(32)] [ciphertext]
//
// where tag = HMAC-SHA256(Ka, header(17) ‖ plaintext-rest) and the rest is
// encrypted with AES-256-CTR under IV = tag[0:16].
//
// Data packets never carry control-channel protection; they are always
// serialized and parsed in their plain form.
//

// cleartextHeaderSize is opcode|key-id (1) plus session-id (8).
const cleartextHeaderSize = 9

// replayHeaderSize is replay-id (4) plus timestamp (4).
const replayHeaderSize = 8

// tlsCryptTagSize is the size of the tls-crypt HMAC-SHA256 tag.
const tlsCryptTagSize = sha256.Size

// MarshalPacket serializes the packet for the wire, applying the configured
// control-channel protection to control and ACK records.
func MarshalPacket(p *model.Packet, sec *ControlChannelSecurity) ([]byte, error) {
	plain, err := p.Bytes()
	if err != nil {
		return nil, err
	}
	if sec == nil || sec.Mode == ControlSecurityModeNone || p.IsData() {
		return plain, nil
	}
	if len(plain) < cleartextHeaderSize {
		return nil, fmt.Errorf("%w: record too short to wrap", model.ErrMarshalPacket)
	}

	switch sec.Mode {
	case ControlSecurityModeTLSAuth:
		return sec.wrapTLSAuth(p, plain), nil
	case ControlSecurityModeTLSCrypt, ControlSecurityModeTLSCryptV2:
		wrapped, err := sec.wrapTLSCrypt(p, plain)
		if err != nil {
			return nil, err
		}
		// the first packet of a tls-crypt-v2 client carries the wrapped
		// client key so the server can unwrap our Kc
		if p.Opcode == model.P_CONTROL_HARD_RESET_CLIENT_V3 {
			wrapped = append(wrapped, sec.WrappedClientKey...)
		}
		return wrapped, nil
	default:
		return nil, fmt.Errorf("%w: unknown security mode", model.ErrMarshalPacket)
	}
}

// wrapTLSAuth authenticates the serialized record.
func (s *ControlChannelSecurity) wrapTLSAuth(p *model.Packet, plain []byte) []byte {
	head, rest := plain[:cleartextHeaderSize], plain[cleartextHeaderSize:]

	mac := s.newHMAC(s.hmacWriteKey)
	writeReplayHeader(mac, p.ReplayPacketID, p.Timestamp)
	mac.Write(head)
	mac.Write(rest)
	digest := mac.Sum(nil)

	out := &bytes.Buffer{}
	out.Write(head)
	out.Write(digest)
	writeReplayHeader(out, p.ReplayPacketID, p.Timestamp)
	out.Write(rest)
	return out.Bytes()
}

// wrapTLSCrypt authenticates and encrypts the serialized record.
func (s *ControlChannelSecurity) wrapTLSCrypt(p *model.Packet, plain []byte) ([]byte, error) {
	head, rest := plain[:cleartextHeaderSize], plain[cleartextHeaderSize:]

	header := &bytes.Buffer{}
	header.Write(head)
	writeReplayHeader(header, p.ReplayPacketID, p.Timestamp)

	mac := hmac.New(sha256.New, s.cryptHMACKey[:sha256.Size])
	mac.Write(header.Bytes())
	mac.Write(rest)
	tag := mac.Sum(nil)

	ciphertext, err := s.ctrApply(tag[:aes.BlockSize], rest)
	if err != nil {
		return nil, err
	}

	out := &bytes.Buffer{}
	out.Write(header.Bytes())
	out.Write(tag)
	out.Write(ciphertext)
	return out.Bytes(), nil
}

// UnmarshalPacket parses a raw packet from the wire, removing the configured
// control-channel protection from control and ACK records. The returned
// packet may alias the input buffer; callers that recycle buffers must copy.
func UnmarshalPacket(raw []byte, sec *ControlChannelSecurity) (*model.Packet, error) {
	if len(raw) < 1 {
		return nil, model.ErrPacketTooShort
	}
	opcode := model.Opcode(raw[0] >> 3)
	if sec == nil || sec.Mode == ControlSecurityModeNone || opcode.IsData() {
		return model.ParsePacket(raw)
	}

	switch sec.Mode {
	case ControlSecurityModeTLSAuth:
		return sec.unwrapTLSAuth(raw)
	case ControlSecurityModeTLSCrypt, ControlSecurityModeTLSCryptV2:
		return sec.unwrapTLSCrypt(raw)
	default:
		return nil, fmt.Errorf("%w: unknown security mode", model.ErrParsePacket)
	}
}

// unwrapTLSAuth verifies and strips the tls-auth envelope.
func (s *ControlChannelSecurity) unwrapTLSAuth(raw []byte) (*model.Packet, error) {
	digestSize := s.TLSAuthDigest().Size()
	minLen := cleartextHeaderSize + digestSize + replayHeaderSize
	if len(raw) < minLen {
		return nil, model.ErrPacketTooShort
	}

	head := raw[:cleartextHeaderSize]
	theirMAC := raw[cleartextHeaderSize : cleartextHeaderSize+digestSize]
	replay := raw[cleartextHeaderSize+digestSize : minLen]
	rest := raw[minLen:]

	mac := s.newHMAC(s.hmacReadKey)
	mac.Write(replay)
	mac.Write(head)
	mac.Write(rest)
	if !hmac.Equal(mac.Sum(nil), theirMAC) {
		return nil, ErrHMACVerify
	}

	packet, err := model.ParsePacket(append(append([]byte{}, head...), rest...))
	if err != nil {
		return nil, err
	}
	packet.ReplayPacketID, packet.Timestamp = readReplayHeader(replay)
	return packet, nil
}

// unwrapTLSCrypt verifies and decrypts the tls-crypt envelope.
func (s *ControlChannelSecurity) unwrapTLSCrypt(raw []byte) (*model.Packet, error) {
	minLen := cleartextHeaderSize + replayHeaderSize + tlsCryptTagSize
	if len(raw) < minLen {
		return nil, model.ErrPacketTooShort
	}

	header := raw[:cleartextHeaderSize+replayHeaderSize]
	tag := raw[cleartextHeaderSize+replayHeaderSize : minLen]
	ciphertext := raw[minLen:]

	rest, err := s.ctrApply(tag[:aes.BlockSize], ciphertext)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, s.cryptHMACKey[:sha256.Size])
	mac.Write(header)
	mac.Write(rest)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, ErrHMACVerify
	}

	packet, err := model.ParsePacket(append(append([]byte{}, header[:cleartextHeaderSize]...), rest...))
	if err != nil {
		return nil, err
	}
	packet.ReplayPacketID, packet.Timestamp = readReplayHeader(header[cleartextHeaderSize:])
	return packet, nil
}

// ctrApply runs AES-256-CTR over the input; encryption and decryption are
// the same operation.
func (s *ControlChannelSecurity) ctrApply(iv, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.cryptCipherKey[:32])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCTR(block, iv).XORKeyStream(out, data)
	return out, nil
}

// writeReplayHeader writes the (replay-id, timestamp) pair.
func writeReplayHeader(w interface{ Write([]byte) (int, error) }, id model.PacketID, ts model.PacketTimestamp) {
	buf := &bytes.Buffer{}
	bytesx.WriteUint32(buf, uint32(id))
	bytesx.WriteUint32(buf, uint32(ts))
	w.Write(buf.Bytes())
}

// readReplayHeader reads the (replay-id, timestamp) pair.
func readReplayHeader(b []byte) (model.PacketID, model.PacketTimestamp) {
	buf := bytes.NewBuffer(b)
	id, _ := bytesx.ReadUint32(buf)
	ts, _ := bytesx.ReadUint32(buf)
	return model.PacketID(id), model.PacketTimestamp(ts)
}

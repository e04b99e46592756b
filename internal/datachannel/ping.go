package datachannel

import "bytes"

// pingPayload is the fixed 16-byte payload of OpenVPN keepalive pings. It is
// part of the wire protocol: both peers inject it into the data channel when
// their keepalive send timer fires, and swallow it on receipt.
var pingPayload = []byte{
	0x2a, 0x18, 0x7b, 0xf3, 0x64, 0x1e, 0xb4, 0xcb,
	0x07, 0xed, 0x2d, 0x0a, 0x98, 0x1f, 0xc7, 0x48,
}

// isPing returns whether the decrypted payload is a keepalive ping.
func isPing(b []byte) bool {
	return bytes.Equal(b, pingPayload)
}

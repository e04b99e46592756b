package model

//
// Session events.
//
// Every transition away from a healthy session surfaces a typed event
// carrying an error code, a short description, and a fatal flag. The code
// set follows the reference client taxonomy so that hosts can rely on
// stable names.
//

import (
	"fmt"
	"time"
)

// ErrorCode identifies a class of session errors.
type ErrorCode int

const (
	// ErrSuccess means no error.
	ErrSuccess = ErrorCode(iota)

	// Transport / network errors.
	ErrResolve
	ErrTransport
	ErrTCPOverflow
	ErrNetworkRecv
	ErrNetworkSend
	ErrNetworkEOF
	ErrNetworkUnavailable

	// Crypto errors.
	ErrDecrypt
	ErrHMAC
	ErrReplay
	ErrPacketIDInvalid
	ErrPacketIDBacktrack
	ErrPacketIDExpire
	ErrPacketIDReplay
	ErrPacketIDTimeBacktrack

	// TLS errors.
	ErrSSL
	ErrCertVerifyFail
	ErrTLSVersionMin
	ErrTLSAlert
	ErrTLSAuthFail
	ErrTLSCryptMetaFail

	// Session lifecycle errors.
	ErrHandshakeTimeout
	ErrKeepaliveTimeout
	ErrInactiveTimeout
	ErrConnectionTimeout
	ErrPrimaryExpire

	// Auth / identity errors.
	ErrAuthFailed
	ErrPEMPasswordFail
	ErrEPKISignError
	ErrEPKICertError
	ErrNeedCreds
	ErrSessionExpired

	// Protocol / control errors.
	ErrControlChannel
	ErrKeyState
	ErrKeyNegotiate
	ErrKeyPending
	ErrKeyExpansion
	ErrBadSrcAddr
	ErrClientHalt
	ErrClientRestart
)

// errorNames maps every [ErrorCode] to its stable name.
var errorNames = map[ErrorCode]string{
	ErrSuccess:               "SUCCESS",
	ErrResolve:               "RESOLVE",
	ErrTransport:             "TRANSPORT",
	ErrTCPOverflow:           "TCP_OVERFLOW",
	ErrNetworkRecv:           "NETWORK_RECV",
	ErrNetworkSend:           "NETWORK_SEND",
	ErrNetworkEOF:            "NETWORK_EOF",
	ErrNetworkUnavailable:    "NETWORK_UNAVAILABLE",
	ErrDecrypt:               "DECRYPT_ERROR",
	ErrHMAC:                  "HMAC_ERROR",
	ErrReplay:                "REPLAY",
	ErrPacketIDInvalid:       "PKTID_INVALID",
	ErrPacketIDBacktrack:     "PKTID_BACKTRACK",
	ErrPacketIDExpire:        "PKTID_EXPIRE",
	ErrPacketIDReplay:        "PKTID_REPLAY",
	ErrPacketIDTimeBacktrack: "PKTID_TIME_BACKTRACK",
	ErrSSL:                   "SSL_ERROR",
	ErrCertVerifyFail:        "CERT_VERIFY_FAIL",
	ErrTLSVersionMin:         "TLS_VERSION_MIN",
	ErrTLSAlert:              "TLS_ALERT_MISC",
	ErrTLSAuthFail:           "TLS_AUTH_FAIL",
	ErrTLSCryptMetaFail:      "TLS_CRYPT_META_FAIL",
	ErrHandshakeTimeout:      "HANDSHAKE_TIMEOUT",
	ErrKeepaliveTimeout:      "KEEPALIVE_TIMEOUT",
	ErrInactiveTimeout:       "INACTIVE_TIMEOUT",
	ErrConnectionTimeout:     "CONNECTION_TIMEOUT",
	ErrPrimaryExpire:         "PRIMARY_EXPIRE",
	ErrAuthFailed:            "AUTH_FAILED",
	ErrPEMPasswordFail:       "PEM_PASSWORD_FAIL",
	ErrEPKISignError:         "EPKI_SIGN_ERROR",
	ErrEPKICertError:         "EPKI_CERT_ERROR",
	ErrNeedCreds:             "NEED_CREDS",
	ErrSessionExpired:        "SESSION_EXPIRED",
	ErrControlChannel:        "CC_ERROR",
	ErrKeyState:              "KEY_STATE_ERROR",
	ErrKeyNegotiate:          "KEV_NEGOTIATE_ERROR",
	ErrKeyPending:            "KEV_PENDING_ERROR",
	ErrKeyExpansion:          "KEY_EXPANSION_ERROR",
	ErrBadSrcAddr:            "BAD_SRC_ADDR",
	ErrClientHalt:            "CLIENT_HALT",
	ErrClientRestart:         "CLIENT_RESTART",
}

// String returns the stable name for the error code.
func (ec ErrorCode) String() string {
	if name, ok := errorNames[ec]; ok {
		return name
	}
	return "UNKNOWN"
}

// Event is an error or state event surfaced to the host program.
type Event struct {
	// Code identifies the class of the event.
	Code ErrorCode

	// Message optionally qualifies the event.
	Message string

	// Fatal tells the host whether the session is sealed.
	Fatal bool

	// Time is when the event was generated.
	Time time.Time
}

// NewEvent constructs an [Event] stamped with the current time.
func NewEvent(code ErrorCode, message string, fatal bool) *Event {
	return &Event{
		Code:    code,
		Message: message,
		Fatal:   fatal,
		Time:    time.Now(),
	}
}

var _ fmt.Stringer = &Event{}

// String implements fmt.Stringer.
func (e *Event) String() string {
	fatal := ""
	if e.Fatal {
		fatal = " (fatal)"
	}
	if e.Message == "" {
		return fmt.Sprintf("%s%s", e.Code, fatal)
	}
	return fmt.Sprintf("%s%s: %s", e.Code, fatal, e.Message)
}

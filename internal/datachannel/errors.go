package datachannel

import "errors"

var (
	errDataChannel    = errors.New("datachannel error")
	errDataChannelKey = errors.New("bad key")
	errBadCompression = errors.New("bad compression")
	errBadHMAC        = errors.New("bad hmac")
	errInitError      = errors.New("improperly initialized")
	errKeyNotReady    = errors.New("key not ready")

	// errInvalidKeySize means that the key size is invalid.
	errInvalidKeySize = errors.New("invalid key size")

	// errUnsupportedCipher indicates we don't support the desired cipher.
	errUnsupportedCipher = errors.New("unsupported cipher")

	// errUnsupportedMode indicates that the mode is not uspported.
	errUnsupportedMode = errors.New("unsupported mode")

	// errBadInput indicates invalid inputs to encrypt/decrypt functions.
	errBadInput = errors.New("bad input")

	// ErrCannotEncrypt is the topmost error returned on the write path.
	ErrCannotEncrypt = errors.New("cannot encrypt")

	// ErrCannotDecrypt is the topmost error returned on the read path.
	ErrCannotDecrypt = errors.New("cannot decrypt")

	// ErrUnknownKeyID means no live key slot matches the packet's key id.
	ErrUnknownKeyID = errors.New("unknown key id")
)

package config

//
// Parse VPN options.
//
// Mostly, this file conforms to the format in the reference implementation.
// Following the configuration format in the reference implementation, we
// allow including files in the main configuration file, but only for the
// `ca`, `cert`, `key`, `tls-auth`, `tls-crypt` and `tls-crypt-v2` options.
//
// Each inline file is started by the line <option> and ended by the line
// </option>.
//
// Here is an example of an inline file usage:
//
// ```
// <cert>
// -----BEGIN CERTIFICATE-----
// [...]
// -----END CERTIFICATE-----
// </cert>
// ```

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type (
	// Compression describes a Compression type (e.g., stub).
	Compression string
)

const (
	// CompressionStub adds the (empty) compression stub to the packets.
	CompressionStub = Compression("stub")

	// CompressionEmpty is the empty compression.
	CompressionEmpty = Compression("empty")

	// CompressionLZONo is lzo-no (another type of no-compression, older).
	CompressionLZONo = Compression("lzo-no")
)

// Proto is the main vpn mode (e.g., TCP or UDP).
type Proto string

var _ fmt.Stringer = Proto("")

// String implements fmt.Stringer
func (p Proto) String() string {
	return string(p)
}

// ProtoTCP is used for vpn in TCP mode.
const ProtoTCP = Proto("tcp")

// ProtoUDP is used for vpn in UDP mode.
const ProtoUDP = Proto("udp")

// ErrBadConfig is the generic error returned for invalid config files
var ErrBadConfig = errors.New("openvpn: bad config")

// SupportedCiphers defines the supported ciphers.
var SupportedCiphers = []string{
	"AES-128-CBC",
	"AES-192-CBC",
	"AES-256-CBC",
	"AES-128-GCM",
	"AES-192-GCM",
	"AES-256-GCM",
}

// SupportedAuth defines the supported authentication methods.
var SupportedAuth = []string{
	"SHA1",
	"SHA256",
	"SHA512",
}

// OpenVPNOptions make all the relevant openvpn configuration options accessible to the
// different modules that need them.
type OpenVPNOptions struct {
	// These options have the same name of OpenVPN options referenced in the official documentation:
	Remote    string
	Port      string
	Proto     Proto
	Username  string
	Password  string
	CAPath    string
	CertPath  string
	KeyPath   string
	CA        []byte
	Cert      []byte
	Key       []byte
	Cipher    string
	Auth      string
	TLSMaxVer string
	TLSMinVer string

	// Control-channel protection. At most one of the three may be set.
	TLSAuth      []byte
	TLSCrypt     []byte
	TLSCryptV2   []byte
	KeyDirection int

	// Key lifetime triggers (reneg-sec, reneg-bytes, reneg-pkts).
	RenegSec   int
	RenegBytes int64
	RenegPkts  int64

	// Keepalive and inactivity (keepalive, ping, ping-restart, inactive).
	PingSeconds        int
	PingRestartSeconds int
	InactiveSeconds    int

	// Handshake and key transition windows (hand-window, transition-window).
	HandshakeWindow  int
	TransitionWindow int

	// Replay protection (replay-window, replay-window backtrack seconds).
	ReplayWindow     int
	ReplayWindowTime int

	// Certificate verification policy.
	VerifyX509Name string
	VerifyX509Type string
	RemoteCertTLS  string
	NSCertType     string
	TLSCertProfile string

	// Below are options that do not conform strictly to the OpenVPN configuration format, but still can
	// be understood by us in a configuration file:

	Compress Compression
}

// ReadConfigFile expects a string with a path to a valid config file,
// and returns a pointer to a Options struct after parsing the file, and an
// error if the operation could not be completed.
func ReadConfigFile(filePath string) (*OpenVPNOptions, error) {
	lines, err := getLinesFromFile(filePath)
	dir, _ := filepath.Split(filePath)
	if err != nil {
		return nil, err
	}
	return getOptionsFromLines(lines, dir)
}

// ShouldLoadCertsFromPath returns true when the options object is configured to load
// certificates from paths; false when we have inline certificates.
func (o *OpenVPNOptions) ShouldLoadCertsFromPath() bool {
	return o.CertPath != "" && o.KeyPath != "" && o.CAPath != ""
}

// HasAuthInfo returns true if:
// - we have paths for cert, key and ca; or
// - we have inline byte arrays for cert, key and ca; or
// - we have username + password info.
func (o *OpenVPNOptions) HasAuthInfo() bool {
	if o.CertPath != "" && o.KeyPath != "" && o.CAPath != "" {
		return true
	}
	if len(o.Cert) != 0 && len(o.Key) != 0 && len(o.CA) != 0 {
		return true
	}
	if o.Username != "" && o.Password != "" {
		return true
	}
	return false
}

// clientOptions is the options line we're passing to the OpenVPN server during the handshake.
const clientOptions = "V4,dev-type tun,link-mtu 1549,tun-mtu 1500,proto %sv4,cipher %s,auth %s,keysize %s,key-method 2,tls-client"

// ServerOptionsString produces a comma-separated representation of the options, in the same
// order and format that the OpenVPN server expects from us.
func (o *OpenVPNOptions) ServerOptionsString() string {
	if o.Cipher == "" {
		return ""
	}
	keysize := strings.Split(o.Cipher, "-")[1]
	proto := strings.ToUpper(ProtoUDP.String())
	if o.Proto == ProtoTCP {
		proto = strings.ToUpper(ProtoTCP.String())
	}
	s := fmt.Sprintf(clientOptions, proto, o.Cipher, o.Auth, keysize)
	if o.Compress == CompressionStub {
		s = s + ",compress stub"
	} else if o.Compress == CompressionLZONo {
		s = s + ",lzo-comp no"
	} else if o.Compress == CompressionEmpty {
		s = s + ",compress"
	}
	return s
}

func parseProto(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "proto needs one arg")
	}
	m := p[0]
	switch m {
	case ProtoUDP.String():
		o.Proto = ProtoUDP
	case ProtoTCP.String():
		o.Proto = ProtoTCP
	default:
		return fmt.Errorf("%w: bad proto: %s", ErrBadConfig, m)

	}
	return nil
}

func parseRemote(p []string, o *OpenVPNOptions) error {
	if len(p) != 2 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "remote needs two args")
	}
	o.Remote, o.Port = p[0], p[1]
	return nil
}

func parseCipher(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "cipher expects one arg")
	}
	cipher := p[0]
	if !hasElement(cipher, SupportedCiphers) {
		return fmt.Errorf("%w: unsupported cipher: %s", ErrBadConfig, cipher)
	}
	o.Cipher = cipher
	return nil
}

func parseAuth(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "invalid auth entry")
	}
	auth := p[0]
	if !hasElement(auth, SupportedAuth) {
		return fmt.Errorf("%w: unsupported auth: %s", ErrBadConfig, auth)
	}
	o.Auth = auth
	return nil
}

// parseIntOption parses a single non-negative integer argument.
func parseIntOption(name string, p []string) (int, error) {
	if len(p) != 1 {
		return 0, fmt.Errorf("%w: %s expects one arg", ErrBadConfig, name)
	}
	val, err := strconv.Atoi(p[0])
	if err != nil || val < 0 {
		return 0, fmt.Errorf("%w: bad %s value: %s", ErrBadConfig, name, p[0])
	}
	return val, nil
}

func parseRenegSec(p []string, o *OpenVPNOptions) error {
	val, err := parseIntOption("reneg-sec", p)
	if err != nil {
		return err
	}
	o.RenegSec = val
	return nil
}

func parseRenegBytes(p []string, o *OpenVPNOptions) error {
	val, err := parseIntOption("reneg-bytes", p)
	if err != nil {
		return err
	}
	o.RenegBytes = int64(val)
	return nil
}

func parseRenegPkts(p []string, o *OpenVPNOptions) error {
	val, err := parseIntOption("reneg-pkts", p)
	if err != nil {
		return err
	}
	o.RenegPkts = int64(val)
	return nil
}

// parseKeepalive handles the `keepalive ping ping-restart` shortcut.
func parseKeepalive(p []string, o *OpenVPNOptions) error {
	if len(p) != 2 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "keepalive needs two args")
	}
	ping, err := strconv.Atoi(p[0])
	if err != nil || ping < 0 {
		return fmt.Errorf("%w: bad keepalive interval: %s", ErrBadConfig, p[0])
	}
	restart, err := strconv.Atoi(p[1])
	if err != nil || restart < 0 {
		return fmt.Errorf("%w: bad keepalive timeout: %s", ErrBadConfig, p[1])
	}
	o.PingSeconds = ping
	o.PingRestartSeconds = restart
	return nil
}

func parsePing(p []string, o *OpenVPNOptions) error {
	val, err := parseIntOption("ping", p)
	if err != nil {
		return err
	}
	o.PingSeconds = val
	return nil
}

func parsePingRestart(p []string, o *OpenVPNOptions) error {
	val, err := parseIntOption("ping-restart", p)
	if err != nil {
		return err
	}
	o.PingRestartSeconds = val
	return nil
}

func parseInactive(p []string, o *OpenVPNOptions) error {
	val, err := parseIntOption("inactive", p)
	if err != nil {
		return err
	}
	o.InactiveSeconds = val
	return nil
}

func parseHandWindow(p []string, o *OpenVPNOptions) error {
	val, err := parseIntOption("hand-window", p)
	if err != nil {
		return err
	}
	o.HandshakeWindow = val
	return nil
}

func parseTransitionWindow(p []string, o *OpenVPNOptions) error {
	val, err := parseIntOption("transition-window", p)
	if err != nil {
		return err
	}
	o.TransitionWindow = val
	return nil
}

// parseReplayWindow handles `replay-window n [t]`: the window width and
// optionally the timestamp backtrack tolerance.
func parseReplayWindow(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 && len(p) != 2 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "replay-window needs one or two args")
	}
	width, err := strconv.Atoi(p[0])
	if err != nil || width <= 0 {
		return fmt.Errorf("%w: bad replay-window width: %s", ErrBadConfig, p[0])
	}
	o.ReplayWindow = width
	if len(p) == 2 {
		slack, err := strconv.Atoi(p[1])
		if err != nil || slack < 0 {
			return fmt.Errorf("%w: bad replay-window time: %s", ErrBadConfig, p[1])
		}
		o.ReplayWindowTime = slack
	}
	return nil
}

func parseKeyDirection(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "key-direction expects one arg")
	}
	switch p[0] {
	case "0":
		o.KeyDirection = 0
	case "1":
		o.KeyDirection = 1
	default:
		return fmt.Errorf("%w: bad key-direction: %s", ErrBadConfig, p[0])
	}
	return nil
}

func parseVerifyX509Name(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 && len(p) != 2 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "verify-x509-name needs one or two args")
	}
	o.VerifyX509Name = p[0]
	o.VerifyX509Type = "subject"
	if len(p) == 2 {
		switch p[1] {
		case "subject", "name", "name-prefix":
			o.VerifyX509Type = p[1]
		default:
			return fmt.Errorf("%w: bad verify-x509-name type: %s", ErrBadConfig, p[1])
		}
	}
	return nil
}

func parseRemoteCertTLS(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "remote-cert-tls expects one arg")
	}
	switch p[0] {
	case "server", "client":
		o.RemoteCertTLS = p[0]
	default:
		return fmt.Errorf("%w: bad remote-cert-tls: %s", ErrBadConfig, p[0])
	}
	return nil
}

func parseNSCertType(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "ns-cert-type expects one arg")
	}
	switch p[0] {
	case "server", "client":
		o.NSCertType = p[0]
	default:
		return fmt.Errorf("%w: bad ns-cert-type: %s", ErrBadConfig, p[0])
	}
	return nil
}

func parseTLSCertProfile(p []string, o *OpenVPNOptions) error {
	if len(p) != 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "tls-cert-profile expects one arg")
	}
	switch p[0] {
	case "legacy", "preferred", "suiteb":
		o.TLSCertProfile = p[0]
	default:
		return fmt.Errorf("%w: bad tls-cert-profile: %s", ErrBadConfig, p[0])
	}
	return nil
}

func parseTLSVerMin(p []string, o *OpenVPNOptions) error {
	if len(p) == 0 {
		o.TLSMinVer = "1.2"
		return nil
	}
	switch p[0] {
	case "1.0", "1.1", "1.2", "1.3":
		o.TLSMinVer = p[0]
	default:
		return fmt.Errorf("%w: bad tls-version-min: %s", ErrBadConfig, p[0])
	}
	return nil
}

// parseTLSVerMax sets the maximum TLS version. This is currently ignored
// because we're using uTLS to parrot the Client Hello.
func parseTLSVerMax(p []string, o *OpenVPNOptions) error {
	if len(p) == 0 {
		o.TLSMaxVer = "1.3"
		return nil
	}
	if p[0] == "1.2" {
		o.TLSMaxVer = "1.2"
	}
	return nil
}

func parseCA(p []string, o *OpenVPNOptions, basedir string) error {
	e := fmt.Errorf("%w: %s", ErrBadConfig, "ca expects a valid file")
	if len(p) != 1 {
		return e
	}
	ca := toAbs(p[0], basedir)
	if sub, _ := isSubdir(basedir, ca); !sub {
		return fmt.Errorf("%w: %s", ErrBadConfig, "ca must be below config path")
	}
	if !existsFile(ca) {
		return e
	}
	o.CAPath = ca
	return nil
}

func parseCert(p []string, o *OpenVPNOptions, basedir string) error {
	e := fmt.Errorf("%w: %s", ErrBadConfig, "cert expects a valid file")
	if len(p) != 1 {
		return e
	}
	cert := toAbs(p[0], basedir)
	if sub, _ := isSubdir(basedir, cert); !sub {
		return fmt.Errorf("%w: %s", ErrBadConfig, "cert must be below config path")
	}
	if !existsFile(cert) {
		return e
	}
	o.CertPath = cert
	return nil
}

func parseKey(p []string, o *OpenVPNOptions, basedir string) error {
	e := fmt.Errorf("%w: %s", ErrBadConfig, "key expects a valid file")
	if len(p) != 1 {
		return e
	}
	key := toAbs(p[0], basedir)
	if sub, _ := isSubdir(basedir, key); !sub {
		return fmt.Errorf("%w: %s", ErrBadConfig, "key must be below config path")
	}
	if !existsFile(key) {
		return e
	}
	o.KeyPath = key
	return nil
}

// parseStaticKeyFile reads static key material (tls-auth and friends) from a
// file below the config dir. An optional trailing direction argument is
// accepted the way the reference implementation accepts `tls-auth f 1`.
func parseStaticKeyFile(name string, p []string, o *OpenVPNOptions, basedir string, set func([]byte)) error {
	e := fmt.Errorf("%w: %s expects a valid file", ErrBadConfig, name)
	if len(p) != 1 && len(p) != 2 {
		return e
	}
	path := toAbs(p[0], basedir)
	if sub, _ := isSubdir(basedir, path); !sub {
		return fmt.Errorf("%w: %s must be below config path", ErrBadConfig, name)
	}
	if !existsFile(path) {
		return e
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBadConfig, err)
	}
	set(data)
	if len(p) == 2 {
		return parseKeyDirection(p[1:], o)
	}
	return nil
}

// parseAuthUser reads credentials from a given file, according to the openvpn
// format (user and pass on a line each). To avoid path traversal / LFI, the
// credentials file is expected to be in a subdirectory of the base dir.
func parseAuthUser(p []string, o *OpenVPNOptions, basedir string) error {
	e := fmt.Errorf("%w: %s", ErrBadConfig, "auth-user-pass expects a valid file")
	if len(p) != 1 {
		return e
	}
	auth := toAbs(p[0], basedir)
	if sub, _ := isSubdir(basedir, auth); !sub {
		return fmt.Errorf("%w: %s", ErrBadConfig, "auth must be below config path")
	}
	if !existsFile(auth) {
		return e
	}
	creds, err := getCredentialsFromFile(auth)
	if err != nil {
		return err
	}
	o.Username, o.Password = creds[0], creds[1]
	return nil
}

func parseCompress(p []string, o *OpenVPNOptions) error {
	if len(p) > 1 {
		return fmt.Errorf("%w: %s", ErrBadConfig, "compress: only empty/stub options supported")
	}
	if len(p) == 0 {
		o.Compress = CompressionEmpty
		return nil
	}
	if p[0] == "stub" {
		o.Compress = CompressionStub
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBadConfig, "compress: only empty/stub options supported")
}

func parseCompLZO(p []string, o *OpenVPNOptions) error {
	if p[0] != "no" {
		return fmt.Errorf("%w: %s", ErrBadConfig, "comp-lzo: compression not supported")
	}
	o.Compress = "lzo-no"
	return nil
}

var pMap = map[string]interface{}{
	"proto":             parseProto,
	"remote":            parseRemote,
	"cipher":            parseCipher,
	"auth":              parseAuth,
	"compress":          parseCompress,
	"comp-lzo":          parseCompLZO,
	"keepalive":         parseKeepalive,
	"ping":              parsePing,
	"ping-restart":      parsePingRestart,
	"inactive":          parseInactive,
	"hand-window":       parseHandWindow,
	"transition-window": parseTransitionWindow,
	"reneg-sec":         parseRenegSec,
	"reneg-bytes":       parseRenegBytes,
	"reneg-pkts":        parseRenegPkts,
	"replay-window":     parseReplayWindow,
	"key-direction":     parseKeyDirection,
	"verify-x509-name":  parseVerifyX509Name,
	"remote-cert-tls":   parseRemoteCertTLS,
	"ns-cert-type":      parseNSCertType,
	"tls-cert-profile":  parseTLSCertProfile,
	"tls-version-min":   parseTLSVerMin,
	"tls-version-max":   parseTLSVerMax, // this is currently ignored because of uTLS
}

var pMapDir = map[string]interface{}{
	"ca":             parseCA,
	"cert":           parseCert,
	"key":            parseKey,
	"auth-user-pass": parseAuthUser,
}

func parseOption(o *OpenVPNOptions, dir, key string, p []string, lineno int) error {
	if fn, ok := pMap[key]; ok {
		return fn.(func([]string, *OpenVPNOptions) error)(p, o)
	}
	if fn, ok := pMapDir[key]; ok {
		return fn.(func([]string, *OpenVPNOptions, string) error)(p, o, dir)
	}
	switch key {
	case "tls-auth":
		return parseStaticKeyFile("tls-auth", p, o, dir, func(b []byte) { o.TLSAuth = b })
	case "tls-crypt":
		return parseStaticKeyFile("tls-crypt", p, o, dir, func(b []byte) { o.TLSCrypt = b })
	case "tls-crypt-v2":
		return parseStaticKeyFile("tls-crypt-v2", p, o, dir, func(b []byte) { o.TLSCryptV2 = b })
	default:
		log.Printf("warn: unsupported key in line %d\n", lineno)
	}
	return nil
}

// getOptionsFromLines tries to parse all the lines coming from a config file
// and raises validation errors if the values do not conform to the expected
// format. The config file supports inline file inclusion for <ca>, <cert>,
// <key>, <tls-auth>, <tls-crypt> and <tls-crypt-v2>.
func getOptionsFromLines(lines []string, dir string) (*OpenVPNOptions, error) {
	opt := &OpenVPNOptions{}

	// tag and inlineBuf are used to parse inline files.
	// these follow the format used by the reference openvpn implementation.
	// each block is marked by a <option> line, and closed by a </option>
	// line; lines in between are expected to contain the crypto block.
	tag := ""
	inlineBuf := new(bytes.Buffer)

	for lineno, l := range lines {
		if strings.HasPrefix(l, "#") {
			continue
		}
		l = strings.TrimSpace(l)

		// inline files
		if isClosingTag(l) {
			// we expect an already existing inlineBuf
			e := parseInlineTag(opt, tag, inlineBuf)
			if e != nil {
				return nil, e
			}
			tag = ""
			inlineBuf = new(bytes.Buffer)
			continue
		}
		if tag != "" {
			inlineBuf.Write([]byte(l))
			inlineBuf.Write([]byte("\n"))
			continue
		}
		if isOpeningTag(l) {
			if len(inlineBuf.Bytes()) != 0 {
				// something wrong: an opening tag should not be found
				// when we still have bytes in the inline buffer.
				return opt, fmt.Errorf("%w: %s", ErrBadConfig, "tag not closed")
			}
			tag = parseTag(l)
			continue
		}

		// parse parts in the same line
		p := strings.Split(l, " ")
		if len(p) == 0 {
			continue
		}
		var (
			key   string
			parts []string
		)
		if len(p) == 1 {
			key = p[0]
		} else {
			key, parts = p[0], p[1:]
		}
		e := parseOption(opt, dir, key, parts, lineno)
		if e != nil {
			return nil, e
		}
	}
	return opt, nil
}

// inlineTags are the options that support inline file inclusion.
var inlineTags = []string{"ca", "cert", "key", "tls-auth", "tls-crypt", "tls-crypt-v2"}

func isOpeningTag(key string) bool {
	return hasElement(strings.TrimSuffix(strings.TrimPrefix(key, "<"), ">"), inlineTags) &&
		strings.HasPrefix(key, "<") && !strings.HasPrefix(key, "</") && strings.HasSuffix(key, ">")
}

func isClosingTag(key string) bool {
	return strings.HasPrefix(key, "</") && strings.HasSuffix(key, ">") &&
		hasElement(strings.TrimSuffix(strings.TrimPrefix(key, "</"), ">"), inlineTags)
}

func parseTag(tag string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(tag, "</"), "<"), ">")
}

// parseInlineTag stores the inline block on the option it belongs to.
func parseInlineTag(o *OpenVPNOptions, tag string, buf *bytes.Buffer) error {
	b := buf.Bytes()
	if len(b) == 0 {
		return fmt.Errorf("%w: empty inline tag: %d", ErrBadConfig, len(b))
	}
	switch tag {
	case "ca":
		o.CA = b
	case "cert":
		o.Cert = b
	case "key":
		o.Key = b
	case "tls-auth":
		o.TLSAuth = b
	case "tls-crypt":
		o.TLSCrypt = b
	case "tls-crypt-v2":
		o.TLSCryptV2 = b
	default:
		return fmt.Errorf("%w: unknown tag: %s", ErrBadConfig, tag)
	}
	return nil
}

// hasElement checks if a given string is present in a string array. returns
// true if that is the case, false otherwise.
func hasElement(el string, arr []string) bool {
	for _, v := range arr {
		if v == el {
			return true
		}
	}
	return false
}

// existsFile returns true if the file to which the path refers to exists and
// is a regular file.
func existsFile(path string) bool {
	statbuf, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist) && statbuf.Mode().IsRegular()
}

// getLinesFromFile accepts a path parameter, and return a string array with
// its content and an error if the operation cannot be completed.
func getLinesFromFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines := make([]string, 0)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	err = scanner.Err()
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// getCredentialsFromFile accepts a path string parameter, and return a string
// array containing the credentials in that file, and an error if the operation
// could not be completed.
func getCredentialsFromFile(path string) ([]string, error) {
	lines, err := getLinesFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, err)
	}
	if len(lines) != 2 {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, "malformed credentials file")
	}
	if len(lines[0]) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, "empty username in creds file")
	}
	if len(lines[1]) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, "empty password in creds file")
	}
	return lines, nil
}

// toAbs returns an absolute path, treating relative paths as relative to the
// passed base dir.
func toAbs(path, dir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// isSubdir checks if a given path is a subdirectory of another. It returns
// true if that's the case, and any error raised during the check.
func isSubdir(parent, sub string) (bool, error) {
	p, err := filepath.Abs(parent)
	if err != nil {
		return false, err
	}
	s, err := filepath.Abs(sub)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(s, p), nil
}

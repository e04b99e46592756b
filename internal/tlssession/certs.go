package tlssession

//
// TLS initialization, certificate loading and peer verification.
//
// We use uTLS to parrot a ClientHello that can reasonably blend with a
// recent openvpn+openssl client (2.5.x).
//

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	tls "github.com/refraction-networking/utls"

	"github.com/facboy/openvpn3/pkg/config"
)

var (
	// ErrBadTLSHandshake is returned when the OpenVPN handshake failed.
	ErrBadTLSHandshake = errors.New("handshake failure")

	// ErrBadCA is returned when the CA file cannot be found or is not valid.
	ErrBadCA = errors.New("bad ca conf")

	// ErrBadKeypair is returned when the key or cert file cannot be found or is not valid.
	ErrBadKeypair = errors.New("bad keypair conf")

	// ErrBadParrot is returned for errors during TLS parroting.
	ErrBadParrot = errors.New("cannot parrot")

	// ErrCannotVerifyCertChain is returned for certificate chain validation errors.
	ErrCannotVerifyCertChain = errors.New("cannot verify chain")

	// errBadInput is returned for invalid inputs to the TLS config factory.
	errBadInput = errors.New("bad input")
)

// certConfig holds the parsed certificate, CA and verification policy used
// for OpenVPN mutual certificate authentication.
type certConfig struct {
	cert tls.Certificate
	ca   *x509.CertPool

	// verification policy, straight from the options
	verifyName     string
	verifyNameType string
	remoteCertTLS  string
	nsCertType     string
	minVersion     uint16
}

// newCertConfigFromOptions returns a certConfig initialized from the
// certificate material and verification policy in the passed options.
func newCertConfigFromOptions(o *config.OpenVPNOptions) (*certConfig, error) {
	var (
		caData, certData, keyData []byte
		err                       error
	)
	if o.ShouldLoadCertsFromPath() {
		caData, err = os.ReadFile(o.CAPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadCA, err)
		}
		certData, err = os.ReadFile(o.CertPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadKeypair, err)
		}
		keyData, err = os.ReadFile(o.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadKeypair, err)
		}
	} else {
		caData, certData, keyData = o.CA, o.Cert, o.Key
	}

	ca := x509.NewCertPool()
	if !ca.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("%w: %s", ErrBadCA, "cannot parse ca cert")
	}

	cfg := &certConfig{
		ca:             ca,
		verifyName:     o.VerifyX509Name,
		verifyNameType: o.VerifyX509Type,
		remoteCertTLS:  o.RemoteCertTLS,
		nsCertType:     o.NSCertType,
		minVersion:     tlsVersionFromString(o.TLSMinVer),
	}
	if len(certData) != 0 && len(keyData) != 0 {
		cert, err := tls.X509KeyPair(certData, keyData)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadKeypair, err)
		}
		cfg.cert = cert
	}
	return cfg, nil
}

// tlsVersionFromString maps a tls-version-min value to the crypto/tls constant.
func tlsVersionFromString(s string) uint16 {
	switch s {
	case "1.0":
		return tls.VersionTLS10
	case "1.1":
		return tls.VersionTLS11
	case "1.3":
		return tls.VersionTLS13
	default:
		// the protocol default
		return tls.VersionTLS12
	}
}

// PeerIdentity exposes identity metadata of the peer certificate, without
// interpreting policy.
type PeerIdentity struct {
	// CommonName is the subject CN.
	CommonName string

	// DNSNames are the SAN dns entries.
	DNSNames []string

	// FingerprintSHA256 is the certificate fingerprint.
	FingerprintSHA256 [32]byte

	// SerialNumber is the decimal representation of the serial.
	SerialNumber string
}

// newPeerIdentity extracts identity metadata from the leaf certificate.
func newPeerIdentity(leaf *x509.Certificate) *PeerIdentity {
	return &PeerIdentity{
		CommonName:        leaf.Subject.CommonName,
		DNSNames:          append([]string{}, leaf.DNSNames...),
		FingerprintSHA256: sha256.Sum256(leaf.Raw),
		SerialNumber:      leaf.SerialNumber.String(),
	}
}

// verifyFun is the type expected by the VerifyPeerCertificate callback in tls.Config.
type verifyFun func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error

// customVerifyFactory returns a verifyFun callback that verifies any
// received certificate against the configured CA and policy, ignoring the
// ServerName (we don't know it a priori for a VPN gateway). The identity of
// the verified peer is reported through the passed callback.
func customVerifyFactory(cfg *certConfig, gotIdentity func(*PeerIdentity)) verifyFun {
	customVerify := func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		// we assume (from docs) that we're always given the
		// leaf certificate as the first cert in the array.
		if len(rawCerts) < 1 {
			return fmt.Errorf("%w: %s", ErrCannotVerifyCertChain, "nothing to verify")
		}
		leaf, _ := x509.ParseCertificate(rawCerts[0])
		if leaf == nil {
			return fmt.Errorf("%w: %s", ErrCannotVerifyCertChain, "nothing to verify")
		}

		// chain verification against the configured CA, with the DNSName
		// check disabled
		opts := x509.VerifyOptions{
			Roots:         cfg.ca,
			Intermediates: x509.NewCertPool(),
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		for _, raw := range rawCerts[1:] {
			if intermediate, err := x509.ParseCertificate(raw); err == nil {
				opts.Intermediates.AddCert(intermediate)
			}
		}
		if _, err := leaf.Verify(opts); err != nil {
			return fmt.Errorf("%w: %s", ErrCannotVerifyCertChain, err)
		}

		if err := verifyPeerPolicy(cfg, leaf); err != nil {
			return err
		}
		if gotIdentity != nil {
			gotIdentity(newPeerIdentity(leaf))
		}
		return nil
	}
	return customVerify
}

// verifyPeerPolicy enforces the configured verify-x509-name, remote-cert-tls
// and ns-cert-type policy on the verified leaf.
func verifyPeerPolicy(cfg *certConfig, leaf *x509.Certificate) error {
	if cfg.verifyName != "" {
		if err := matchX509Name(leaf, cfg.verifyName, cfg.verifyNameType); err != nil {
			return err
		}
	}

	// remote-cert-tls and ns-cert-type both reduce to an extended key
	// usage check on the peer certificate
	role := cfg.remoteCertTLS
	if role == "" {
		role = cfg.nsCertType
	}
	if role != "" {
		want := x509.ExtKeyUsageServerAuth
		if role == "client" {
			want = x509.ExtKeyUsageClientAuth
		}
		found := false
		for _, eku := range leaf.ExtKeyUsage {
			if eku == want || eku == x509.ExtKeyUsageAny {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: peer certificate not marked for %s authentication",
				ErrCannotVerifyCertChain, role)
		}
	}
	return nil
}

// matchX509Name implements the verify-x509-name matching modes: an exact
// subject match, an exact common-name match, or a common-name prefix match.
func matchX509Name(leaf *x509.Certificate, name, nameType string) error {
	switch nameType {
	case "name":
		if leaf.Subject.CommonName == name {
			return nil
		}
	case "name-prefix":
		if strings.HasPrefix(leaf.Subject.CommonName, name) {
			return nil
		}
	default: // "subject" or unset
		if leaf.Subject.String() == name || leaf.Subject.CommonName == name {
			return nil
		}
	}
	return fmt.Errorf("%w: x509 name mismatch: got %q", ErrCannotVerifyCertChain, leaf.Subject.CommonName)
}

// initTLS returns a tls.Config matching the VPN options. Verifying the
// ServerName does not make sense in the context of establishing a VPN
// session: we perform mutual TLS authentication with the custom CA.
func initTLS(cfg *certConfig, gotIdentity func(*PeerIdentity)) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s", errBadInput, "nil config")
	}

	customVerify := customVerifyFactory(cfg, gotIdentity)

	tlsConf := &tls.Config{
		// the certificate we've loaded from the config file
		Certificates: []tls.Certificate{cfg.cert},
		// crypto/tls wants either ServerName or InsecureSkipVerify set ...
		InsecureSkipVerify: true,
		// ...but we pass our own verification function that verifies against the CA and ignores the ServerName
		VerifyPeerCertificate: customVerify,
		// disable DynamicRecordSizing to lower distinguishability.
		DynamicRecordSizingDisabled: true,
		// uTLS does not pick min/max version from the passed spec
		MinVersion: cfg.minVersion,
		MaxVersion: tls.VersionTLS13,
	} //#nosec G402

	return tlsConf, nil
}

// tlsHandshake performs the TLS handshake over the control channel, and
// returns the TLS client as a net.Conn; returns also any error during the
// handshake.
func tlsHandshake(tlsConn net.Conn, tlsConf *tls.Config) (net.Conn, error) {
	tlsClient, err := tlsFactoryFn(tlsConn, tlsConf)
	if err != nil {
		return nil, err
	}
	if err := tlsClient.Handshake(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadTLSHandshake, err)
	}
	return tlsClient, nil
}

// handshaker is a custom interface that we define here to be able to mock
// the tls.Conn implementation.
type handshaker interface {
	net.Conn
	Handshake() error
}

// defaultTLSFactory returns the default tls.Client factory; it comes handy
// to be able to compare the fingerprints with a golang TLS handshake.
func defaultTLSFactory(conn net.Conn, config *tls.Config) (handshaker, error) {
	c := tls.Client(conn, config)
	return c, nil
}

// vpnClientHelloHex is the hexadecimal representation of a capture from the reference openvpn implementation.
// openvpn=2.5.5,openssl=3.0.2
var vpnClientHelloHex = `1603010114010001100303534e0a0f2687b240f7c7dfbb51c4aac33639f28173aa5d7bcebb159695ab0855208b835bf240a83df66885d6747b5bbf1b631e8c34ae469c629d7eb76e247128eb0032130213031301c02cc030009fcca9cca8ccaac02bc02f009ec024c028006bc023c0270067c00ac0140039c009c013003300ff01000095000b000403000102000a00160014001d0017001e00190018010001010102010301040016000000170000000d002a0028040305030603080708080809080a080b080408050806040105010601030303010302040205020602002b0009080304030303020301002d00020101003300260024001d0020a10bc24becb583293c317220e6725205d3a177a4a974090f6ffcf13a43da7035`

// parrotTLSFactory returns a parroting implementer of the handshaker interface.
func parrotTLSFactory(conn net.Conn, config *tls.Config) (handshaker, error) {
	fingerprinter := &tls.Fingerprinter{AllowBluntMimicry: true}
	rawOpenVPNClientHelloBytes, err := hex.DecodeString(vpnClientHelloHex)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot decode raw fingerprint: %s", ErrBadParrot, err)
	}
	generatedSpec, err := fingerprinter.FingerprintClientHello(rawOpenVPNClientHelloBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: fingerprinting failed: %s", ErrBadParrot, err)
	}
	client := tls.UClient(conn, config, tls.HelloCustom)
	if err := client.ApplyPreset(generatedSpec); err != nil {
		return nil, fmt.Errorf("%w: cannot apply spec: %s", ErrBadParrot, err)
	}
	return client, nil
}

// global variables to allow monkeypatching in tests.
var (
	initTLSFn      = initTLS
	tlsFactoryFn   = parrotTLSFactory
	tlsHandshakeFn = tlsHandshake
)

// Package tlssession implements the TLS adapter: it bridges ciphertext
// bytes between the reliable transport and a streaming TLS library, runs
// the key-method-2 exchange over the established TLS channel, and hands the
// negotiated data-channel keys to the data channel.
package tlssession

import (
	"fmt"
	"net"
	"strconv"

	tls "github.com/refraction-networking/utls"

	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/session"
	"github.com/facboy/openvpn3/internal/workers"
	"github.com/facboy/openvpn3/pkg/config"
)

var (
	serviceName = "tlssession"
)

// Service is the tlssession service. Make sure you initialize
// the channels before invoking [Service.StartWorkers].
type Service struct {
	// NotifyTLS is a channel where we receive incoming notifications.
	NotifyTLS chan *model.Notification

	// KeyUp is used to send newly negotiated data channel keys ready to be
	// used.
	KeyUp *chan *session.DataChannelKey

	// TLSRecordUp is the ciphertext coming up to us from the control channel.
	TLSRecordUp chan []byte

	// TLSRecordDown is the ciphertext being transferred down from us to the
	// control channel.
	TLSRecordDown *chan []byte
}

// StartWorkers starts the tlssession workers.
func (svc *Service) StartWorkers(
	cfg *config.Config,
	workersManager *workers.Manager,
	sessionManager *session.Manager,
) {
	ws := &workersState{
		keyUp:          *svc.KeyUp,
		logger:         cfg.Logger(),
		notifyTLS:      svc.NotifyTLS,
		options:        cfg.OpenVPNOptions(),
		tlsRecordDown:  *svc.TLSRecordDown,
		tlsRecordUp:    svc.TLSRecordUp,
		sessionManager: sessionManager,
		workersManager: workersManager,
	}
	workersManager.StartWorker(ws.worker)
}

// workersState contains the tlssession worker state.
type workersState struct {
	logger         model.Logger
	notifyTLS      <-chan *model.Notification
	options        *config.OpenVPNOptions
	tlsRecordDown  chan<- []byte
	tlsRecordUp    <-chan []byte
	keyUp          chan<- *session.DataChannelKey
	sessionManager *session.Manager
	workersManager *workers.Manager
}

// worker is the main loop of the tlssession.
func (ws *workersState) worker() {
	workerName := fmt.Sprintf("%s: worker", serviceName)

	defer func() {
		ws.workersManager.OnWorkerDone(workerName)
		ws.workersManager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)
	for {
		select {
		case notif := <-ws.notifyTLS:
			if (notif.Flags & model.NotificationReset) != 0 {
				if err := ws.tlsAuth(); err != nil {
					ws.logger.Warnf("%s: %s", workerName, err.Error())
					ws.sessionManager.Events().Post(model.ErrSSL, err.Error(), true)
					return
				}
			}

		case <-ws.workersManager.ShouldShutdown():
			return
		}
	}
}

// tlsAuth runs the TLS handshake and the key-method-2 exchange on top of it.
func (ws *workersState) tlsAuth() error {
	// create the BIO to use channels as a socket
	conn := newTLSBio(ws.logger, ws.tlsRecordUp, ws.tlsRecordDown)
	defer conn.Close()

	// the certCfg gives access to the certificate material and the
	// verification policy from the options
	certCfg, err := newCertConfigFromOptions(ws.options)
	if err != nil {
		ws.sessionManager.Events().Post(model.ErrCertVerifyFail, err.Error(), true)
		return err
	}

	// record the peer identity observed while verifying the chain
	gotIdentity := func(id *PeerIdentity) {
		ws.logger.Infof("Peer certificate: CN=%s serial=%s fingerprint=%x",
			id.CommonName, id.SerialNumber, id.FingerprintSHA256[:8])
	}

	tlsConf, err := initTLSFn(certCfg, gotIdentity)
	if err != nil {
		return err
	}

	// run the real algorithm in a background goroutine
	errorch := make(chan error)
	go ws.doTLSAuth(conn, tlsConf, errorch)

	select {
	case err := <-errorch:
		return err

	case <-ws.workersManager.ShouldShutdown():
		return workers.ErrShutdown
	}
}

// doTLSAuth is the internal implementation of tlsAuth such that tlsAuth
// can interrupt this function early if needed.
func (ws *workersState) doTLSAuth(conn net.Conn, tlsConf *tls.Config, errorch chan<- error) {
	ws.logger.Debug("tlssession: doTLSAuth: started")
	defer ws.logger.Debug("tlssession: doTLSAuth: done")

	// do the TLS handshake
	tlsConn, err := tlsHandshakeFn(conn, tlsConf)
	if err != nil {
		errorch <- err
		return
	}
	// In case you're wondering why we don't need to close the conn:
	// we don't care since the underlying conn is a tlsBio

	// we need the key slot under negotiation to create the first control message
	activeKey, err := ws.sessionManager.ActiveKey()
	if err != nil {
		errorch <- err
		return
	}

	// send the first control message with random material
	if err := ws.sendAuthRequestMessage(tlsConn, activeKey); err != nil {
		errorch <- err
		return
	}
	ws.sessionManager.SetNegotiationState(model.S_SENT_KEY)

	// read the server's keySource and options
	remoteKey, serverOptions, err := ws.recvAuthReplyMessage(tlsConn)
	if err != nil {
		errorch <- err
		return
	}
	ws.logger.Debugf("Remote options: %s", serverOptions)

	// init the tunnel info
	if err := ws.sessionManager.InitTunnelInfo(serverOptions); err != nil {
		errorch <- err
		return
	}

	// add the remote key to the active key
	if err := activeKey.AddRemoteKey(remoteKey); err != nil {
		errorch <- err
		return
	}
	ws.sessionManager.SetNegotiationState(model.S_GOT_KEY)

	// send the push request
	if err := ws.sendPushRequestMessage(tlsConn); err != nil {
		errorch <- err
		return
	}

	// obtain tunnel info from the push response
	tinfo, pushedOptions, err := ws.recvPushResponseMessage(tlsConn)
	if err != nil {
		if err == errBadAuth {
			ws.sessionManager.Events().Post(model.ErrAuthFailed, "server rejected credentials", true)
		}
		errorch <- err
		return
	}

	// update with extra information obtained from the push response
	ws.sessionManager.UpdateTunnelInfo(tinfo)
	ws.maybeApplyPushedPingOptions(pushedOptions)

	// progress to the ACTIVE state
	ws.sessionManager.SetNegotiationState(model.S_ACTIVE)

	// notify the datachannel that we've got a key pair ready to use
	select {
	case ws.keyUp <- activeKey:
	case <-ws.workersManager.ShouldShutdown():
		errorch <- workers.ErrShutdown
		return
	}

	errorch <- nil
}

// sendAuthRequestMessage sends the auth request message
func (ws *workersState) sendAuthRequestMessage(tlsConn net.Conn, activeKey *session.DataChannelKey) error {
	// this message is sending our options and asking the server to get AUTH
	ctrlMsg, err := encodeClientControlMessageAsBytes(activeKey.Local(), ws.options)
	if err != nil {
		return err
	}

	// let's fire off the message
	_, err = tlsConn.Write(ctrlMsg)
	return err
}

// recvAuthReplyMessage reads and parses the first control response.
func (ws *workersState) recvAuthReplyMessage(conn net.Conn) (*session.KeySource, string, error) {
	// read raw bytes
	buffer := make([]byte, 1<<17)
	count, err := conn.Read(buffer)
	if err != nil {
		return nil, "", err
	}
	data := buffer[:count]

	// parse what we received
	return parseServerControlMessage(data)
}

// sendPushRequestMessage sends the push request message
func (ws *workersState) sendPushRequestMessage(conn net.Conn) error {
	data := append([]byte("PUSH_REQUEST"), 0x00)
	_, err := conn.Write(data)
	return err
}

// recvPushResponseMessage receives and parses the push response message
func (ws *workersState) recvPushResponseMessage(conn net.Conn) (*model.TunnelInfo, remoteOptions, error) {
	// read raw bytes
	buffer := make([]byte, 1<<17)
	count, err := conn.Read(buffer)
	if err != nil {
		return nil, nil, err
	}
	data := buffer[:count]

	// parse what we received
	return parseServerPushReply(ws.logger, data)
}

// maybeApplyPushedPingOptions lets a server-pushed keepalive override the
// locally configured one.
func (ws *workersState) maybeApplyPushedPingOptions(opts remoteOptions) {
	ping, restart := 0, 0
	if vals := opts["ping"]; len(vals) >= 1 {
		ping, _ = strconv.Atoi(vals[0])
	}
	if vals := opts["ping-restart"]; len(vals) >= 1 {
		restart, _ = strconv.Atoi(vals[0])
	}
	if ping > 0 || restart > 0 {
		ws.logger.Infof("Server pushed keepalive: ping=%d restart=%d", ping, restart)
		ws.sessionManager.SetPingOptions(ping, restart)
	}
}

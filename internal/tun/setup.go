package tun

import (
	"github.com/facboy/openvpn3/internal/controlchannel"
	"github.com/facboy/openvpn3/internal/datachannel"
	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/networkio"
	"github.com/facboy/openvpn3/internal/packetmuxer"
	"github.com/facboy/openvpn3/internal/reliabletransport"
	"github.com/facboy/openvpn3/internal/runtimex"
	"github.com/facboy/openvpn3/internal/session"
	"github.com/facboy/openvpn3/internal/tlssession"
	"github.com/facboy/openvpn3/internal/workers"
	"github.com/facboy/openvpn3/pkg/config"
)

// maxQueuedCiphertextRecords bounds the records queued between the control
// channel and the TLS engine, to defend against amplification.
const maxQueuedCiphertextRecords = 64

// connectChannel connects an existing channel (a "signal" in Qt terminology)
// to a nil pointer to channel (a "slot" in Qt terminology).
func connectChannel[T any](signal chan T, slot **chan T) {
	runtimex.Assert(signal != nil, "signal is nil")
	runtimex.Assert(slot == nil || *slot == nil, "slot or *slot aren't nil")
	*slot = &signal
}

// startWorkers starts all the workers and wires their channels together.
func startWorkers(cfg *config.Config, conn networkio.FramingConn,
	sessionManager *session.Manager, tunDevice *TUN) *workers.Manager {

	// create a workers manager
	workersManager := workers.NewManager(cfg.Logger())

	// create the networkio service.
	nio := &networkio.Service{
		MuxerToNetwork: make(chan []byte, 1<<5),
		NetworkToMuxer: nil,
	}

	// create the packetmuxer service.
	muxer := &packetmuxer.Service{
		MuxerToReliable:      nil,
		MuxerToData:          nil,
		NotifyTLS:            nil,
		HardReset:            make(chan any, 1),
		DataOrControlToMuxer: make(chan *model.Packet),
		MuxerToNetwork:       nil,
		NetworkToMuxer:       make(chan []byte),
	}

	// connect networkio and packetmuxer
	connectChannel(nio.MuxerToNetwork, &muxer.MuxerToNetwork)
	connectChannel(muxer.NetworkToMuxer, &nio.NetworkToMuxer)

	// create the datachannel service.
	datach := &datachannel.Service{
		MuxerToData:          make(chan *model.Packet),
		DataOrControlToMuxer: nil,
		ControlToReliable:    nil,
		NotifyTLS:            nil,
		KeyReady:             make(chan *session.DataChannelKey, 1),
		TUNToData:            tunDevice.tunDown,
		DataToTUN:            tunDevice.tunUp,
	}

	// connect the packetmuxer and the datachannel
	connectChannel(datach.MuxerToData, &muxer.MuxerToData)
	connectChannel(muxer.DataOrControlToMuxer, &datach.DataOrControlToMuxer)

	// create the reliabletransport service.
	rel := &reliabletransport.Service{
		DataOrControlToMuxer: nil,
		ControlToReliable:    make(chan *model.Packet),
		MuxerToReliable:      make(chan *model.Packet),
		ReliableToControl:    nil,
	}

	// connect reliable service and packetmuxer.
	connectChannel(rel.MuxerToReliable, &muxer.MuxerToReliable)
	connectChannel(muxer.DataOrControlToMuxer, &rel.DataOrControlToMuxer)

	// the datachannel maintenance worker emits soft resets through the
	// reliable layer when a renegotiation trigger fires
	connectChannel(rel.ControlToReliable, &datach.ControlToReliable)

	// create the controlchannel service.
	ctrl := &controlchannel.Service{
		NotifyTLS:            nil,
		ControlToReliable:    nil,
		ReliableToControl:    make(chan *model.Packet),
		TLSRecordToControl:   make(chan []byte),
		TLSRecordFromControl: nil,
	}

	// connect the reliable service and the controlchannel service
	connectChannel(rel.ControlToReliable, &ctrl.ControlToReliable)
	connectChannel(ctrl.ReliableToControl, &rel.ReliableToControl)

	// create the tlssession service. The TLSRecordUp buffer is the hard
	// ceiling on ciphertext queued towards the TLS engine.
	tlsx := &tlssession.Service{
		NotifyTLS:     make(chan *model.Notification, 1),
		KeyUp:         nil,
		TLSRecordUp:   make(chan []byte, maxQueuedCiphertextRecords),
		TLSRecordDown: nil,
	}

	// connect the tlssession service and the controlchannel service
	connectChannel(tlsx.TLSRecordUp, &ctrl.TLSRecordFromControl)
	connectChannel(ctrl.TLSRecordToControl, &tlsx.TLSRecordDown)

	// connect tlssession service and the datachannel service
	connectChannel(datach.KeyReady, &tlsx.KeyUp)

	// the TLS reset notifications come from the muxer (initial handshake),
	// the controlchannel (server-initiated soft reset) and the datachannel
	// (locally triggered renegotiation)
	connectChannel(tlsx.NotifyTLS, &muxer.NotifyTLS)
	connectChannel(tlsx.NotifyTLS, &ctrl.NotifyTLS)
	connectChannel(tlsx.NotifyTLS, &datach.NotifyTLS)

	// start all the workers
	nio.StartWorkers(cfg.Logger(), workersManager, conn)
	muxer.StartWorkers(cfg.Logger(), workersManager, sessionManager, cfg.Tracer())
	rel.StartWorkers(cfg.Logger(), workersManager, sessionManager)
	ctrl.StartWorkers(cfg.Logger(), workersManager, sessionManager)
	datach.StartWorkers(cfg, workersManager, sessionManager)
	tlsx.StartWorkers(cfg, workersManager, sessionManager)

	// tell the packetmuxer that it should handshake ASAP
	muxer.HardReset <- true

	return workersManager
}

package controlchannel

import (
	"bytes"
	"testing"
	"time"

	"github.com/apex/log"

	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/session"
	"github.com/facboy/openvpn3/internal/workers"
	"github.com/facboy/openvpn3/pkg/config"
)

func startTestService(t *testing.T) (
	svc *Service,
	sess *session.Manager,
	notifications chan *model.Notification,
	toReliable chan *model.Packet,
	toTLS chan []byte,
	shutdown func(),
) {
	t.Helper()
	workersManager := workers.NewManager(log.Log)
	sess, err := session.NewManager(config.NewConfig(config.WithLogger(log.Log)))
	if err != nil {
		t.Fatal(err)
	}

	notifications = make(chan *model.Notification, 4)
	toReliable = make(chan *model.Packet, 4)
	toTLS = make(chan []byte, 4)

	svc = &Service{
		NotifyTLS:            &notifications,
		ControlToReliable:    &toReliable,
		ReliableToControl:    make(chan *model.Packet, 4),
		TLSRecordToControl:   make(chan []byte, 4),
		TLSRecordFromControl: &toTLS,
	}
	svc.StartWorkers(log.Log, workersManager, sess)

	return svc, sess, notifications, toReliable, toTLS, func() {
		workersManager.StartShutdown()
		workersManager.WaitWorkersShutdown()
	}
}

func Test_controlchannel_forwardsTLSRecordsUp(t *testing.T) {
	svc, _, _, _, toTLS, shutdown := startTestService(t)
	defer shutdown()

	record := []byte{0x16, 0x03, 0x03, 0x00, 0x02, 0xde, 0xad}
	packet := model.NewPacket(model.P_CONTROL_V1, 0, record)
	svc.ReliableToControl <- packet

	select {
	case got := <-toTLS:
		if !bytes.Equal(got, record) {
			t.Errorf("got %x, want %x", got, record)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the TLS record")
	}
}

func Test_controlchannel_wrapsTLSRecordsDown(t *testing.T) {
	svc, _, _, toReliable, _, shutdown := startTestService(t)
	defer shutdown()

	svc.TLSRecordToControl <- []byte("first")
	svc.TLSRecordToControl <- []byte("second")

	first := <-toReliable
	second := <-toReliable
	if first.Opcode != model.P_CONTROL_V1 {
		t.Errorf("wrong opcode %s", first.Opcode)
	}
	if first.ID+1 != second.ID {
		t.Errorf("control packet ids must be sequential: %d, %d", first.ID, second.ID)
	}
}

func Test_controlchannel_softReset(t *testing.T) {
	t.Run("ignored before the remote key is known", func(t *testing.T) {
		svc, sess, notifications, _, _, shutdown := startTestService(t)
		defer shutdown()

		svc.ReliableToControl <- model.NewPacket(model.P_CONTROL_SOFT_RESET_V1, 0, []byte{0})

		select {
		case <-notifications:
			t.Fatal("must not notify TLS before S_GOT_KEY")
		case <-time.After(100 * time.Millisecond):
		}
		if sess.CurrentKeyID() != 0 {
			t.Error("key must not rotate")
		}
	})

	t.Run("accepted once the remote key is known", func(t *testing.T) {
		svc, sess, notifications, _, _, shutdown := startTestService(t)
		defer shutdown()

		sess.SetNegotiationState(model.S_GENERATED_KEYS)
		packet := model.NewPacket(model.P_CONTROL_SOFT_RESET_V1, 1, []byte{0})
		svc.ReliableToControl <- packet

		select {
		case notif := <-notifications:
			if notif.Flags&model.NotificationReset == 0 {
				t.Error("expected a reset notification")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the TLS notification")
		}
		if sess.CurrentKeyID() != 1 {
			t.Errorf("expected key rotation to id 1, got %d", sess.CurrentKeyID())
		}
		if sess.NegotiationState() != model.S_INITIAL {
			t.Errorf("expected S_INITIAL, got %s", sess.NegotiationState())
		}
	})
}

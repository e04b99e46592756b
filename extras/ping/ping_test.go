package ping

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/facboy/openvpn3/internal/vpntest"
)

// newLoopbackConn returns a mocked conn that answers every echo request
// with a matching echo reply.
func newLoopbackConn() *vpntest.Conn {
	pending := make(chan []byte, 16)
	conn := &vpntest.Conn{
		MockLocalAddr: func() net.Addr {
			return &vpntest.Addr{
				MockString:  func() string { return "10.8.0.2" },
				MockNetwork: func() string { return "tunBioAddr" },
			}
		},
		MockClose: func() error { return nil },
	}
	conn.MockWrite = func(b []byte) (int, error) {
		// parse the request and craft the reply
		pkt := gopacket.NewPacket(b, layers.LayerTypeIPv4, gopacket.Default)
		ipLayer, _ := pkt.NetworkLayer().(*layers.IPv4)
		icmpLayer, _ := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		if ipLayer == nil || icmpLayer == nil {
			return len(b), nil
		}

		reply := icmp.Message{
			Type: ipv4.ICMPTypeEchoReply,
			Code: 0,
			Body: &icmp.Echo{
				ID:   int(icmpLayer.Id),
				Seq:  int(icmpLayer.Seq),
				Data: icmpLayer.Payload,
			},
		}
		replyBytes, err := reply.Marshal(nil)
		if err != nil {
			return len(b), nil
		}

		ipReply := &layers.IPv4{
			Version:  4,
			TTL:      63,
			Protocol: layers.IPProtocolICMPv4,
			SrcIP:    ipLayer.DstIP,
			DstIP:    ipLayer.SrcIP,
		}
		sbuf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
		if err := gopacket.SerializeLayers(sbuf, opts, ipReply, gopacket.Payload(replyBytes)); err != nil {
			return len(b), nil
		}
		pending <- append([]byte{}, sbuf.Bytes()...)
		return len(b), nil
	}
	conn.MockRead = func(b []byte) (int, error) {
		select {
		case pkt := <-pending:
			return copy(b, pkt), nil
		case <-time.After(2 * time.Second):
			return 0, context.DeadlineExceeded
		}
	}
	return conn
}

func TestPinger_loopback(t *testing.T) {
	pinger := New("10.8.0.1", newLoopbackConn())
	pinger.Count = 3
	pinger.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pinger.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	replies := pinger.Replies()
	if len(replies) != 3 {
		t.Fatalf("expected 3 replies, got %d", len(replies))
	}
	if pinger.PacketLoss() != 0 {
		t.Errorf("expected zero loss, got %f", pinger.PacketLoss())
	}
	for i, r := range replies {
		if r.Seq != i {
			t.Errorf("reply %d has seq %d", i, r.Seq)
		}
		if r.TTL != 63 {
			t.Errorf("reply %d has ttl %d", i, r.TTL)
		}
	}
}

func TestPinger_ignoresForeignReplies(t *testing.T) {
	p := New("10.8.0.1", newLoopbackConn())

	// a reply with the wrong id must be rejected
	reply := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Code: 0,
		Body: &icmp.Echo{ID: p.id + 1, Seq: 0, Data: bytes.Repeat([]byte{0}, 24)},
	}
	replyBytes, err := reply.Marshal(nil)
	if err != nil {
		t.Fatal(err)
	}
	ipReply := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.ParseIP("10.8.0.1"),
		DstIP:    net.ParseIP("10.8.0.2"),
	}
	sbuf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(sbuf, opts, ipReply, gopacket.Payload(replyBytes)); err != nil {
		t.Fatal(err)
	}
	if err := p.processPacket(sbuf.Bytes()); err == nil {
		t.Error("expected foreign reply to be rejected")
	}
	if len(p.Replies()) != 0 {
		t.Error("foreign replies must not be recorded")
	}
}

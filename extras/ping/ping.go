// Package ping implements a minimal ICMP echo client on top of the VPN
// tunnel. The tunnel device gives us raw IP packets, so we build the IPv4
// and ICMP layers ourselves and match replies to requests with an embedded
// tracker UUID. Useful to probe in-tunnel reachability and to exercise the
// data channel end to end.
package ping

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/uuid"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
)

var (
	errCannotWrite = errors.New("ping: cannot write")
	errCannotRead  = errors.New("ping: cannot read")
	errBadPacket   = errors.New("ping: bad packet")
)

// timeSliceLength is the length of the timestamp embedded in the payload.
const timeSliceLength = 8

// Reply is a single echo reply.
type Reply struct {
	// Seq is the ICMP sequence number.
	Seq int

	// RTT is the round-trip time.
	RTT time.Duration

	// TTL is the received time-to-live.
	TTL int
}

// Pinger sends ICMP echoes over a [net.Conn] that carries raw IP packets
// (the tunnel device). The zero value is invalid; use [New].
type Pinger struct {
	// Count is how many echoes to send; a negative value means forever.
	Count int

	// Interval is the time between echoes.
	Interval time.Duration

	// TTL is the time-to-live set on outgoing packets.
	TTL int

	mu      sync.Mutex
	conn    net.Conn
	target  string
	id      int
	tracker uuid.UUID
	replies []Reply
	sent    int
	src     string
}

// New returns a new [Pinger] that pings the given address writing on the
// passed conn. This function TAKES OWNERSHIP of the conn and closes it when
// Run terminates.
func New(target string, conn net.Conn) *Pinger {
	var idbuf [2]byte
	binary.BigEndian.PutUint16(idbuf[:], uint16(time.Now().UnixNano()&0xffff))
	return &Pinger{
		Count:    3,
		Interval: time.Second,
		TTL:      64,
		conn:     conn,
		target:   target,
		id:       int(binary.BigEndian.Uint16(idbuf[:])),
		tracker:  uuid.New(),
		src:      conn.LocalAddr().String(),
	}
}

// Replies returns the recorded replies.
func (p *Pinger) Replies() []Reply {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Reply{}, p.replies...)
}

// PacketLoss returns the fraction of lost echoes, between 0 and 1.
func (p *Pinger) PacketLoss() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sent == 0 {
		return 0
	}
	return 1 - float64(len(p.replies))/float64(p.sent)
}

// Run sends the echoes and collects the replies until Count echoes have
// been answered, the context expires, or the conn breaks.
func (p *Pinger) Run(ctx context.Context) error {
	defer p.conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.sendLoop(ctx) })
	g.Go(func() error { return p.recvLoop(ctx, cancel) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		// the receiver got everything it wanted
		return nil
	}
	return err
}

// sendLoop emits one echo request every interval.
func (p *Pinger) sendLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for seq := 0; p.Count < 0 || seq < p.Count; seq++ {
		pkt, err := p.newEchoRequest(seq)
		if err != nil {
			return err
		}
		if _, err := p.conn.Write(pkt); err != nil {
			return fmt.Errorf("%w: %s", errCannotWrite, err)
		}
		p.mu.Lock()
		p.sent++
		p.mu.Unlock()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// give the last reply a grace period before bailing out
	select {
	case <-time.After(p.Interval):
	case <-ctx.Done():
	}
	return ctx.Err()
}

// recvLoop reads raw IP packets and records matching echo replies.
func (p *Pinger) recvLoop(ctx context.Context, cancel context.CancelFunc) error {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		p.conn.SetReadDeadline(time.Now().Add(p.Interval * 2))
		n, err := p.conn.Read(buf)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("%w: %s", errCannotRead, err)
		}
		if err := p.processPacket(buf[:n]); err != nil {
			continue
		}
		p.mu.Lock()
		done := p.Count >= 0 && len(p.replies) >= p.Count
		p.mu.Unlock()
		if done {
			cancel()
			return nil
		}
	}
}

// newEchoRequest serializes one echo request with the tracker and a
// timestamp embedded in the payload.
func (p *Pinger) newEchoRequest(seq int) ([]byte, error) {
	payload := make([]byte, 0, timeSliceLength+len(p.tracker))
	payload = append(payload, timeToBytes(time.Now())...)
	payload = append(payload, p.tracker[:]...)

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   p.id,
			Seq:  seq,
			Data: payload,
		},
	}
	icmpBytes, err := msg.Marshal(nil)
	if err != nil {
		return nil, err
	}

	ipLayer := &layers.IPv4{
		Version:  4,
		TTL:      uint8(p.TTL),
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.ParseIP(p.src),
		DstIP:    net.ParseIP(p.target),
	}
	sbuf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(sbuf, opts, ipLayer, gopacket.Payload(icmpBytes)); err != nil {
		return nil, err
	}
	return sbuf.Bytes(), nil
}

// processPacket parses a raw IP packet and records it if it is an echo
// reply matching our tracker.
func (p *Pinger) processPacket(raw []byte) error {
	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	ipLayer, ok := pkt.NetworkLayer().(*layers.IPv4)
	if ipLayer == nil || !ok {
		return errBadPacket
	}
	icmpLayer, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if icmpLayer == nil || !ok {
		return errBadPacket
	}
	if icmpLayer.TypeCode.Type() != uint8(ipv4.ICMPTypeEchoReply) {
		return errBadPacket
	}
	if int(icmpLayer.Id) != p.id {
		return errBadPacket
	}
	payload := icmpLayer.Payload
	if len(payload) < timeSliceLength+len(p.tracker) {
		return errBadPacket
	}
	var tracker uuid.UUID
	copy(tracker[:], payload[timeSliceLength:timeSliceLength+len(tracker)])
	if tracker != p.tracker {
		return errBadPacket
	}

	rtt := time.Since(bytesToTime(payload[:timeSliceLength]))
	p.mu.Lock()
	p.replies = append(p.replies, Reply{
		Seq: int(icmpLayer.Seq),
		RTT: rtt,
		TTL: int(ipLayer.TTL),
	})
	p.mu.Unlock()
	return nil
}

// timeToBytes encodes a timestamp as eight big-endian bytes.
func timeToBytes(t time.Time) []byte {
	b := make([]byte, timeSliceLength)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

// bytesToTime is the inverse of timeToBytes.
func bytesToTime(b []byte) time.Time {
	nsec := int64(binary.BigEndian.Uint64(b))
	return time.Unix(nsec/1e9, nsec%1e9)
}

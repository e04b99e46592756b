package reliabletransport

import (
	"reflect"
	"testing"
	"time"

	"github.com/apex/log"

	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/optional"
)

//
// tests for reliableSender
//

func Test_reliableSender_TryInsertOutgoingPacket(t *testing.T) {
	if testing.Verbose() {
		log.SetLevel(log.DebugLevel)
	}

	type fields struct {
		inFlight inflightSequence
	}
	type args struct {
		p *model.Packet
	}
	tests := []struct {
		name   string
		fields fields
		args   args
		want   bool
	}{
		{
			name: "insert on empty array",
			fields: fields{
				inFlight: inflightSequence([]*inFlightPacket{}),
			},
			args: args{
				p: &model.Packet{ID: 1},
			},
			want: true,
		},
		{
			name: "insert on full array",
			fields: fields{
				inFlight: inflightSequence([]*inFlightPacket{
					{packet: &model.Packet{ID: 1}},
					{packet: &model.Packet{ID: 2}},
					{packet: &model.Packet{ID: 3}},
					{packet: &model.Packet{ID: 4}},
					{packet: &model.Packet{ID: 5}},
					{packet: &model.Packet{ID: 6}},
					{packet: &model.Packet{ID: 7}},
					{packet: &model.Packet{ID: 8}},
					{packet: &model.Packet{ID: 9}},
					{packet: &model.Packet{ID: 10}},
					{packet: &model.Packet{ID: 11}},
					{packet: &model.Packet{ID: 12}},
				}),
			},
			args: args{
				p: &model.Packet{ID: 13},
			},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &reliableSender{
				logger:   log.Log,
				inFlight: tt.fields.inFlight,
			}
			if got := r.TryInsertOutgoingPacket(tt.args.p); got != tt.want {
				t.Errorf("reliableSender.TryInsertOutgoingPacket() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_reliableSender_NextPacketIDsToACK(t *testing.T) {
	if testing.Verbose() {
		log.SetLevel(log.DebugLevel)
	}

	tests := []struct {
		name    string
		pending []int
		want    []model.PacketID
	}{
		{
			name:    "empty set",
			pending: []int{},
			want:    []model.PacketID{},
		},
		{
			name:    "single element",
			pending: []int{11},
			want:    []model.PacketID{11},
		},
		{
			name:    "three elements",
			pending: []int{13, 11, 12},
			want:    []model.PacketID{11, 12, 13},
		},
		{
			name:    "five elements, only four are returned",
			pending: []int{15, 11, 14, 13, 12},
			want:    []model.PacketID{11, 12, 13, 14},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &reliableSender{
				logger:            log.Log,
				pendingACKsToSend: ackSetFromInts(tt.pending),
			}
			if got := r.NextPacketIDsToACK(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("reliableSender.NextPacketIDsToACK() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_reliableSender_MaybeEvictOrBumpPacketAfterACK(t *testing.T) {
	sender := newReliableSender(log.Log, make(chan incomingPacketSeen))
	for _, id := range []model.PacketID{1, 2, 3, 4} {
		sender.TryInsertOutgoingPacket(&model.Packet{ID: id})
	}

	// an ACK for id 2 evicts it and bumps id 1
	if evicted := sender.MaybeEvictOrBumpPacketAfterACK(2); !evicted {
		t.Fatal("expected eviction for id 2")
	}
	if len(sender.inFlight) != 3 {
		t.Fatalf("expected 3 packets in flight, got %d", len(sender.inFlight))
	}
	for _, p := range sender.inFlight {
		if p.packet.ID == 1 && p.higherACKs != 1 {
			t.Errorf("expected packet 1 to be bumped once, got %d", p.higherACKs)
		}
		if p.packet.ID == 2 {
			t.Error("packet 2 should have been evicted")
		}
	}

	// an ACK for an unknown id evicts nothing
	if evicted := sender.MaybeEvictOrBumpPacketAfterACK(100); evicted {
		t.Error("did not expect eviction for unknown id")
	}
}

func Test_reliableSender_OnIncomingPacketSeen(t *testing.T) {
	sender := newReliableSender(log.Log, make(chan incomingPacketSeen))
	sender.TryInsertOutgoingPacket(&model.Packet{ID: 1})

	seen := incomingPacketSeen{
		id:   optional.Some(model.PacketID(42)),
		acks: optional.Some([]model.PacketID{1}),
	}
	sender.OnIncomingPacketSeen(seen)

	if len(sender.inFlight) != 0 {
		t.Errorf("expected the acked packet to be evicted")
	}
	if got := sender.NextPacketIDsToACK(); !reflect.DeepEqual(got, []model.PacketID{42}) {
		t.Errorf("expected pending ACK for 42, got %v", got)
	}
}

func Test_fastRetransmit_afterThreeHigherACKs(t *testing.T) {
	sender := newReliableSender(log.Log, make(chan incomingPacketSeen))
	for _, id := range []model.PacketID{1, 2, 3, 4} {
		sender.TryInsertOutgoingPacket(&model.Packet{ID: id})
	}
	now := time.Now()
	for _, p := range sender.inFlight {
		p.deadline = now.Add(10 * time.Second)
	}
	sender.MaybeEvictOrBumpPacketAfterACK(2)
	sender.MaybeEvictOrBumpPacketAfterACK(3)
	sender.MaybeEvictOrBumpPacketAfterACK(4)

	// packet 1 now has three higher ACKs and is eligible regardless of
	// its deadline being in the future
	ready := inflightSequence(sender.inFlight).readyToSend(now)
	if len(ready) != 1 || ready[0].packet.ID != 1 {
		t.Errorf("expected fast retransmit for packet 1, got %v", ready)
	}
}

package reliabletransport

import (
	"reflect"
	"testing"
	"time"

	"github.com/facboy/openvpn3/internal/model"
	"github.com/facboy/openvpn3/internal/optional"
)

func Test_inFlightPacket_backoff(t *testing.T) {
	tests := []struct {
		name    string
		retries uint8
		want    time.Duration
	}{
		{"first retry waits one second", 1, time.Second},
		{"second retry waits two seconds", 2, 2 * time.Second},
		{"third retry waits four seconds", 3, 4 * time.Second},
		{"fifth retry waits sixteen seconds", 5, 16 * time.Second},
		{"backoff is capped at sixteen seconds", 8, 16 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &inFlightPacket{retries: tt.retries}
			if got := p.backoff(); got != tt.want {
				t.Errorf("backoff() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_inFlightPacket_ScheduleForRetransmission(t *testing.T) {
	p := newInFlightPacket(&model.Packet{ID: 1})
	now := time.Now()
	p.ScheduleForRetransmission(now)
	if p.retries != 1 {
		t.Errorf("retries = %d, want 1", p.retries)
	}
	if got := p.deadline; got != now.Add(time.Second) {
		t.Errorf("deadline = %v, want one second after now", got)
	}
}

func Test_inflightSequence_nearestDeadlineTo(t *testing.T) {
	now := time.Now()

	t.Run("empty queue yields the long wakeup", func(t *testing.T) {
		seq := inflightSequence{}
		want := now.Add(time.Duration(SENDER_TICKER_MS) * time.Millisecond)
		if got := seq.nearestDeadlineTo(now); got != want {
			t.Errorf("nearestDeadlineTo() = %v, want %v", got, want)
		}
	})

	t.Run("the earliest deadline wins", func(t *testing.T) {
		seq := inflightSequence{
			{deadline: now.Add(3 * time.Second)},
			{deadline: now.Add(time.Second)},
			{deadline: now.Add(2 * time.Second)},
		}
		if got := seq.nearestDeadlineTo(now); got != now.Add(time.Second) {
			t.Errorf("nearestDeadlineTo() = %v", got)
		}
	})

	t.Run("expired deadlines yield an immediate wakeup", func(t *testing.T) {
		seq := inflightSequence{
			{deadline: now.Add(-time.Second)},
		}
		if got := seq.nearestDeadlineTo(now); got != now.Add(time.Nanosecond) {
			t.Errorf("nearestDeadlineTo() = %v", got)
		}
	})
}

func Test_inflightSequence_readyToSend(t *testing.T) {
	now := time.Now()
	seq := inflightSequence{
		{packet: &model.Packet{ID: 1}, deadline: now.Add(-time.Second)},
		{packet: &model.Packet{ID: 2}, deadline: now.Add(time.Minute)},
		{packet: &model.Packet{ID: 3}, deadline: now.Add(time.Minute), higherACKs: 3},
	}
	ready := seq.readyToSend(now)
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready, got %d", len(ready))
	}
	if ready[0].packet.ID != 1 || ready[1].packet.ID != 3 {
		t.Errorf("expected packets 1 (expired) and 3 (fast retransmit)")
	}
}

func Test_ackSet(t *testing.T) {
	t.Run("nextToACK returns sorted ids and drains the set", func(t *testing.T) {
		as := newACKSet(5, 1, 3)
		if got := as.nextToACK(4); !reflect.DeepEqual(got, []model.PacketID{1, 3, 5}) {
			t.Errorf("nextToACK() = %v", got)
		}
		if !as.empty() {
			t.Error("set should be drained")
		}
	})

	t.Run("nextToACK caps the result and keeps the rest", func(t *testing.T) {
		as := newACKSet(1, 2, 3, 4, 5, 6)
		if got := as.nextToACK(4); !reflect.DeepEqual(got, []model.PacketID{1, 2, 3, 4}) {
			t.Errorf("nextToACK() = %v", got)
		}
		if got := as.nextToACK(4); !reflect.DeepEqual(got, []model.PacketID{5, 6}) {
			t.Errorf("second nextToACK() = %v", got)
		}
	})

	t.Run("duplicate adds collapse", func(t *testing.T) {
		as := newACKSet()
		as.maybeAdd(optional.Some(model.PacketID(7)))
		as.maybeAdd(optional.Some(model.PacketID(7)))
		as.maybeAdd(optional.None[model.PacketID]())
		if got := as.nextToACK(4); !reflect.DeepEqual(got, []model.PacketID{7}) {
			t.Errorf("nextToACK() = %v", got)
		}
	})
}

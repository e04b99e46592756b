// Package replay implements the packet-id service: the monotonic outbound
// packet-id counters and the sliding-window replay filter protecting every
// inbound key.
package replay

import (
	"errors"
	"math"
	"sync"
	"time"
)

var (
	// ErrPacketIDExpired means the outbound packet-id counter is exhausted
	// and the key protecting this stream must be renegotiated.
	ErrPacketIDExpired = errors.New("replay: packet-id space exhausted")
)

// WrapTrigger is the outbound packet-id threshold past which the caller
// should initiate a soft reset, so that fresh keys are ready well before the
// counter actually overflows.
const WrapTrigger = 0xFF000000

// Sender hands out monotonically increasing 32-bit packet IDs for one
// outbound key. The zero value is ready to use: the first ID is 1, because
// the reference implementation rejects packet-id zero.
type Sender struct {
	mu sync.Mutex
	id uint32
}

// Next returns a fresh outbound packet ID. When the counter would wrap it
// returns [ErrPacketIDExpired] and the caller must stop using this key.
func (s *Sender) Next() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == math.MaxUint32 {
		return 0, ErrPacketIDExpired
	}
	s.id++
	return s.id, nil
}

// NearWrap returns true once the counter has crossed [WrapTrigger].
func (s *Sender) NearWrap() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id >= WrapTrigger
}

// Prime fast-forwards the counter so that the next ID is id+1. Used by key
// installation when resuming counters and by tests exercising exhaustion.
func (s *Sender) Prime(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

// TimeSender hands out packet IDs of the long-lived form: 32 bits of epoch
// seconds paired with a 32-bit subcounter. Rolling over the subcounter
// re-stamps the epoch, so the ID space is practically inexhaustible while
// still strictly increasing in (time, counter) order.
type TimeSender struct {
	mu      sync.Mutex
	seconds uint32
	id      uint32

	// timeNow is swappable for deterministic tests.
	timeNow func() time.Time
}

// NewTimeSender creates a [TimeSender] stamped with the current time.
func NewTimeSender() *TimeSender {
	s := &TimeSender{timeNow: time.Now}
	s.seconds = uint32(s.timeNow().Unix())
	return s
}

// Next returns the next (seconds, counter) pair.
func (s *TimeSender) Next() (seconds uint32, id uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seconds == 0 {
		s.seconds = uint32(s.timeNow().Unix())
	}
	if s.id == math.MaxUint32 {
		// move to a fresh epoch; never reuse the same second
		now := uint32(s.timeNow().Unix())
		if now <= s.seconds {
			now = s.seconds + 1
		}
		s.seconds = now
		s.id = 0
	}
	s.id++
	return s.seconds, s.id, nil
}

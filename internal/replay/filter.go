package replay

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrPacketIDInvalid means the packet carried the reserved zero ID.
	ErrPacketIDInvalid = errors.New("replay: invalid packet-id zero")

	// ErrPacketIDExpire means the ID fell below the left edge of the window.
	ErrPacketIDExpire = errors.New("replay: packet-id below replay window")

	// ErrPacketIDReplay means we have already accepted this exact ID.
	ErrPacketIDReplay = errors.New("replay: duplicate packet-id")

	// ErrTimeBacktrack means the embedded timestamp went backwards beyond
	// the allowed slack.
	ErrTimeBacktrack = errors.New("replay: timestamp backtrack")
)

const (
	// DefaultWindowWidth is the default width of the replay window, in packets.
	DefaultWindowWidth = 64

	// MaxWindowWidth is the largest supported replay window.
	MaxWindowWidth = 256

	// DefaultTimeSlack is the default tolerance for backtracking timestamps.
	DefaultTimeSlack = 15 * time.Second
)

// Filter is the sliding-window replay detector guarding one inbound key.
//
// The filter tracks the highest accepted packet-id (the high-water mark,
// which never decreases) and a bitmap covering the width IDs below it. An ID
// at or below high−width is rejected as expired, an ID whose bit is already
// set is rejected as a duplicate, and everything else is admitted and
// recorded. Advancing the mark by more than the width clears the bitmap.
//
// The zero value is invalid; use [NewFilter].
type Filter struct {
	mu sync.Mutex

	// width is the window width in packets.
	width uint32

	// high is the high-water mark: the largest accepted packet-id.
	high uint32

	// bitmap records accepted IDs in (high−width, high]. Bit i refers
	// to packet-id high−i.
	bitmap [MaxWindowWidth / 64]uint64

	// timeSlack bounds how far the timestamp may backtrack. Zero disables
	// the timestamp check.
	timeSlack time.Duration

	// lastTimestamp is the newest accepted timestamp.
	lastTimestamp uint32
}

// NewFilter creates a [Filter] with the given window width. Widths below 1
// select [DefaultWindowWidth]; widths above [MaxWindowWidth] are clamped.
func NewFilter(width int) *Filter {
	if width < 1 {
		width = DefaultWindowWidth
	}
	if width > MaxWindowWidth {
		width = MaxWindowWidth
	}
	return &Filter{
		width:     uint32(width),
		timeSlack: DefaultTimeSlack,
	}
}

// SetTimeSlack configures the timestamp backtrack tolerance. Zero disables
// timestamp checking entirely.
func (f *Filter) SetTimeSlack(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeSlack = d
}

// Reset returns the filter to its pristine state. Used when a session or key
// epoch restarts.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.high = 0
	f.lastTimestamp = 0
	for i := range f.bitmap {
		f.bitmap[i] = 0
	}
}

// Check admits the packet-id into the window or reports why it must be
// rejected. On success the window state is updated, so a later packet with
// the same ID will be rejected as a duplicate.
func (f *Filter) Check(id uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkLocked(id)
}

// CheckWithTimestamp behaves like [Filter.Check] and additionally enforces
// that the embedded timestamp does not move backwards by more than the
// configured slack.
func (f *Filter) CheckWithTimestamp(id uint32, timestamp uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.timeSlack > 0 && f.lastTimestamp > 0 {
		slack := uint32(f.timeSlack / time.Second)
		if timestamp+slack < f.lastTimestamp {
			return fmt.Errorf("%w: got %d, newest %d", ErrTimeBacktrack, timestamp, f.lastTimestamp)
		}
	}
	if err := f.checkLocked(id); err != nil {
		return err
	}
	if timestamp > f.lastTimestamp {
		f.lastTimestamp = timestamp
	}
	return nil
}

func (f *Filter) checkLocked(id uint32) error {
	if id == 0 {
		return ErrPacketIDInvalid
	}

	if id > f.high {
		// the mark moves forward; shift the bitmap along with it
		f.shiftLocked(id - f.high)
		f.high = id
		f.setBitLocked(0)
		return nil
	}

	diff := f.high - id
	if diff >= f.width {
		return fmt.Errorf("%w: id %d, window [%d, %d]", ErrPacketIDExpire, id, f.high-f.width+1, f.high)
	}
	if f.getBitLocked(diff) {
		return fmt.Errorf("%w: id %d", ErrPacketIDReplay, id)
	}
	f.setBitLocked(diff)
	return nil
}

// shiftLocked slides the bitmap forward by n positions. Shifts at or beyond
// the window width clear the whole bitmap.
func (f *Filter) shiftLocked(n uint32) {
	if n >= f.width {
		for i := range f.bitmap {
			f.bitmap[i] = 0
		}
		return
	}
	words := n / 64
	bits := n % 64
	last := len(f.bitmap) - 1
	if words > 0 {
		for i := last; i >= 0; i-- {
			if i >= int(words) {
				f.bitmap[i] = f.bitmap[i-int(words)]
			} else {
				f.bitmap[i] = 0
			}
		}
	}
	if bits > 0 {
		for i := last; i > 0; i-- {
			f.bitmap[i] = f.bitmap[i]<<bits | f.bitmap[i-1]>>(64-bits)
		}
		f.bitmap[0] <<= bits
	}
}

func (f *Filter) setBitLocked(pos uint32) {
	f.bitmap[pos/64] |= 1 << (pos % 64)
}

func (f *Filter) getBitLocked(pos uint32) bool {
	return f.bitmap[pos/64]&(1<<(pos%64)) != 0
}

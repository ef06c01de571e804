package ring

import (
	"encoding/binary"
	"fmt"
)

// Tap notifications are 4-byte little-endian frames:
//
//	offset 0    opcode, 0x01 = tap report
//	offset 1-2  uint16 running tap counter, wraps at 65535
//	offset 3    battery percent 0-100, or 0xFF when not reported
const (
	tapFrameSize   = 4
	opTapReport    = 0x01
	batteryUnknown = 0xFF
)

// maxCounterJump bounds how far the counter may move between readings
// before the jump is treated as a device-side reset instead of taps or a
// 16-bit wraparound. The link is down for at most the reconnect schedule,
// so a genuine backlog stays far below this.
const maxCounterJump = 4096

// Reading is one decoded tap report.
type Reading struct {
	Counter uint16
	Battery int // percent, -1 when the ring does not report it
}

// DecodeTapPayload parses a tap notification frame. It is pure: the same
// payload always yields the same result, and malformed input is reported
// as ErrInvalidPayload, never a panic.
func DecodeTapPayload(payload []byte) (Reading, error) {
	if len(payload) != tapFrameSize {
		return Reading{}, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidPayload, len(payload), tapFrameSize)
	}
	if payload[0] != opTapReport {
		return Reading{}, fmt.Errorf("%w: unknown opcode 0x%02x", ErrInvalidPayload, payload[0])
	}
	battery := int(payload[3])
	if payload[3] == batteryUnknown {
		battery = -1
	} else if battery > 100 {
		return Reading{}, fmt.Errorf("%w: battery %d%% out of range", ErrInvalidPayload, battery)
	}
	return Reading{
		Counter: binary.LittleEndian.Uint16(payload[1:3]),
		Battery: battery,
	}, nil
}

// tapTracker turns the ring's running counter into per-reading deltas for
// one connection session. The counter lives on the ring and survives link
// drops, so after a reconnect the next reading yields the taps made while
// disconnected, and a replayed notification repeats the last counter and
// yields zero.
type tapTracker struct {
	primed bool
	last   uint16
}

// delta returns how many new taps r represents. The first reading of a
// session only primes the baseline. A modular jump larger than
// maxCounterJump means the ring was reset; the sequence restarts at the
// new value with no taps billed. Deltas are never negative.
func (t *tapTracker) delta(r Reading) int {
	if !t.primed {
		t.primed = true
		t.last = r.Counter
		return 0
	}
	diff := int(r.Counter) - int(t.last)
	if diff < 0 {
		diff += 1 << 16
	}
	t.last = r.Counter
	if diff > maxCounterJump {
		return 0
	}
	return diff
}

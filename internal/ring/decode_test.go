package ring

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"reflect"
	"testing"
)

// tapFrame builds a valid 4-byte tap report.
func tapFrame(counter uint16, battery byte) []byte {
	frame := []byte{opTapReport, 0, 0, battery}
	binary.LittleEndian.PutUint16(frame[1:3], counter)
	return frame
}

func TestDecodeValidFrame(t *testing.T) {
	r, err := DecodeTapPayload(tapFrame(1234, 87))
	if err != nil {
		t.Fatalf("DecodeTapPayload() error = %v", err)
	}
	if r.Counter != 1234 {
		t.Errorf("Counter = %d, want 1234", r.Counter)
	}
	if r.Battery != 87 {
		t.Errorf("Battery = %d, want 87", r.Battery)
	}
}

func TestDecodeBatteryUnknown(t *testing.T) {
	r, err := DecodeTapPayload(tapFrame(7, batteryUnknown))
	if err != nil {
		t.Fatalf("DecodeTapPayload() error = %v", err)
	}
	if r.Battery != -1 {
		t.Errorf("Battery = %d, want -1 for the unknown marker", r.Battery)
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"nil", nil},
		{"empty", []byte{}},
		{"truncated", []byte{opTapReport, 0x01}},
		{"one byte short", []byte{opTapReport, 0x01, 0x00}},
		{"one byte long", []byte{opTapReport, 0x01, 0x00, 50, 0x00}},
		{"unknown opcode", []byte{0x7f, 0x01, 0x00, 50}},
		{"battery out of range", tapFrame(1, 101)},
		{"battery far out of range", tapFrame(1, 0xFE)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeTapPayload(tt.payload)
			if err == nil {
				t.Fatalf("DecodeTapPayload(%v) accepted a malformed frame", tt.payload)
			}
			if !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("error %v is not ErrInvalidPayload", err)
			}
		})
	}
}

func TestDecodeIsPure(t *testing.T) {
	payload := tapFrame(999, 42)
	first, err1 := DecodeTapPayload(payload)
	second, err2 := DecodeTapPayload(payload)
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v, %v", err1, err2)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated decode differed: %+v vs %+v", first, second)
	}
}

func TestDecodeArbitraryInputIsSafe(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		payload := make([]byte, rng.Intn(12))
		rng.Read(payload)
		// Must never panic; errors are fine.
		_, _ = DecodeTapPayload(payload)
	}
}

func TestTrackerPrimesOnFirstReading(t *testing.T) {
	var tr tapTracker
	if d := tr.delta(Reading{Counter: 5000}); d != 0 {
		t.Errorf("first reading delta = %d, want 0 (the stored total is not taps)", d)
	}
	if d := tr.delta(Reading{Counter: 5001}); d != 1 {
		t.Errorf("delta after prime = %d, want 1", d)
	}
}

func TestTrackerCountsIncrements(t *testing.T) {
	var tr tapTracker
	tr.delta(Reading{Counter: 100})

	total := 0
	for _, c := range []uint16{101, 102, 103, 105} {
		total += tr.delta(Reading{Counter: c})
	}
	if total != 5 {
		t.Errorf("accumulated delta = %d, want 5", total)
	}
}

func TestTrackerReplayYieldsZero(t *testing.T) {
	var tr tapTracker
	tr.delta(Reading{Counter: 40})
	if d := tr.delta(Reading{Counter: 41}); d != 1 {
		t.Fatalf("delta = %d, want 1", d)
	}
	for i := 0; i < 3; i++ {
		if d := tr.delta(Reading{Counter: 41}); d != 0 {
			t.Errorf("replayed reading produced delta %d, want 0", d)
		}
	}
}

func TestTrackerWraparound(t *testing.T) {
	var tr tapTracker
	tr.delta(Reading{Counter: 65530})
	if d := tr.delta(Reading{Counter: 4}); d != 10 {
		t.Errorf("wraparound delta = %d, want 10", d)
	}
}

func TestTrackerDeviceResetStartsFresh(t *testing.T) {
	var tr tapTracker
	tr.delta(Reading{Counter: 5000})

	// A reset to a low counter looks like an enormous modular jump.
	if d := tr.delta(Reading{Counter: 3}); d != 0 {
		t.Errorf("reset delta = %d, want 0", d)
	}
	// Counting resumes from the new baseline.
	if d := tr.delta(Reading{Counter: 4}); d != 1 {
		t.Errorf("delta after reset = %d, want 1", d)
	}
}

func TestTrackerNeverGoesNegative(t *testing.T) {
	var tr tapTracker
	tr.delta(Reading{Counter: 1000})
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 5000; i++ {
		if d := tr.delta(Reading{Counter: uint16(rng.Intn(1 << 16))}); d < 0 {
			t.Fatalf("delta went negative: %d", d)
		}
	}
}

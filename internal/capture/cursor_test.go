package capture

import (
	"errors"
	"testing"

	"github.com/bryanchriswhite/AcquireStreamer/internal/driver"
)

func encodeFrames(ids ...uint64) []byte {
	var data []byte
	for _, id := range ids {
		payload := make([]byte, testWidth*testHeight)
		for i := range payload {
			payload[i] = byte(id)
		}
		data = append(data, driver.EncodeFrame(driver.FrameHeader{
			Width:      testWidth,
			Height:     testHeight,
			SampleType: driver.SampleTypeU8,
			FrameID:    id,
		}, payload)...)
	}
	return data
}

func TestStreamRangeWalk(t *testing.T) {
	rng, err := newStreamRange(1, encodeFrames(7, 8, 9))
	if err != nil {
		t.Fatalf("newStreamRange: %v", err)
	}
	if rng.Count() != 3 {
		t.Fatalf("Count = %d, want 3", rng.Count())
	}
	if rng.Stride() != frameStride(1) {
		t.Errorf("Stride = %d, want %d", rng.Stride(), frameStride(1))
	}

	var got []uint64
	c := rng.Cursor()
	for c.Valid() {
		f, err := c.Current()
		if err != nil {
			t.Fatalf("Current at %d: %v", c.Index(), err)
		}
		if f.Stream != 1 {
			t.Errorf("Stream = %d, want 1", f.Stream)
		}
		if len(f.Payload) != testWidth*testHeight || f.Payload[0] != byte(f.Header.FrameID) {
			t.Errorf("frame %d: unexpected payload", f.Header.FrameID)
		}
		got = append(got, f.Header.FrameID)
		c.Advance()
	}

	want := []uint64{7, 8, 9}
	if len(got) != len(want) {
		t.Fatalf("walked %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStreamRangeEmpty(t *testing.T) {
	rng, err := newStreamRange(0, nil)
	if err != nil {
		t.Fatalf("newStreamRange: %v", err)
	}
	if !rng.Empty() || rng.Cursor().Valid() {
		t.Error("empty range should have no valid cursor")
	}
}

func TestStreamRangeRejectsCorruptData(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated header", make([]byte, driver.FrameHeaderSize-1)},
		{"stride beyond data", encodeFrames(1)[:driver.FrameHeaderSize+4]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newStreamRange(0, tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCursorDetectsStrideChange(t *testing.T) {
	data := encodeFrames(1, 2)
	// second frame claims a larger stride
	stride := frameStride(1)
	data[stride] += 8

	rng, err := newStreamRange(0, data)
	if err != nil {
		t.Fatalf("newStreamRange: %v", err)
	}
	c := rng.Cursor()
	c.Advance()
	if _, err := c.Current(); !errors.Is(err, ErrDriver) {
		t.Errorf("Current = %v, want ErrDriver", err)
	}
}

func TestCursorAfterUnmap(t *testing.T) {
	rng, err := newStreamRange(0, encodeFrames(1))
	if err != nil {
		t.Fatalf("newStreamRange: %v", err)
	}
	rng.closed = true
	if _, err := rng.Cursor().Current(); !errors.Is(err, ErrRangeClosed) {
		t.Errorf("Current = %v, want ErrRangeClosed", err)
	}
}

func TestCursorRejectsOverflowingDimensions(t *testing.T) {
	data := driver.EncodeFrame(driver.FrameHeader{
		Width:      0xFFFFFFFF,
		Height:     0xFFFFFFFF,
		SampleType: driver.SampleTypeU16,
		FrameID:    3,
	}, nil)

	rng, err := newStreamRange(0, data)
	if err != nil {
		t.Fatalf("newStreamRange: %v", err)
	}
	if _, err := rng.Cursor().Current(); !errors.Is(err, ErrDriver) {
		t.Errorf("Current = %v, want ErrDriver", err)
	}
}

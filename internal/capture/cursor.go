package capture

import (
	"fmt"

	"github.com/bryanchriswhite/AcquireStreamer/internal/driver"
)

// Frame is one frame inside a mapped stream range. Payload aliases runtime
// owned memory and must be copied before the range is unmapped.
type Frame struct {
	Stream  int
	Header  driver.FrameHeader
	Payload []byte
}

// StreamRange is a view of the frames currently mapped from one stream.
// It is only readable between MapRead and the matching UnmapRead.
type StreamRange struct {
	stream int
	data   []byte
	stride uint64
	closed bool
}

func newStreamRange(stream int, data []byte) (*StreamRange, error) {
	r := &StreamRange{stream: stream, data: data}
	if len(data) == 0 {
		return r, nil
	}

	hdr, err := driver.DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if hdr.BytesOfFrame > uint64(len(data)) {
		return nil, fmt.Errorf("stream %d: frame stride %d exceeds mapped %d bytes", stream, hdr.BytesOfFrame, len(data))
	}
	r.stride = hdr.BytesOfFrame
	return r, nil
}

// Stream returns the stream index the range was mapped from
func (r *StreamRange) Stream() int {
	return r.stream
}

// Stride returns the byte length of one frame, zero for an empty range
func (r *StreamRange) Stride() uint64 {
	return r.stride
}

// Count returns the number of whole frames in the range
func (r *StreamRange) Count() int {
	if r.stride == 0 {
		return 0
	}
	return int(uint64(len(r.data)) / r.stride)
}

// Empty reports whether no frames are available
func (r *StreamRange) Empty() bool {
	return r.Count() == 0
}

// Closed reports whether the range has been unmapped
func (r *StreamRange) Closed() bool {
	return r.closed
}

// Cursor returns a cursor positioned at the first frame
func (r *StreamRange) Cursor() *FrameCursor {
	return &FrameCursor{rng: r}
}

// FrameCursor walks the frames of a StreamRange
type FrameCursor struct {
	rng   *StreamRange
	index int
}

// Valid reports whether Current would return a frame
func (c *FrameCursor) Valid() bool {
	return !c.rng.closed && c.index < c.rng.Count()
}

// Index returns the position of the cursor within the range
func (c *FrameCursor) Index() int {
	return c.index
}

// Current decodes the frame under the cursor
func (c *FrameCursor) Current() (Frame, error) {
	if c.rng.closed {
		return Frame{}, ErrRangeClosed
	}
	if c.index >= c.rng.Count() {
		return Frame{}, fmt.Errorf("stream %d: cursor at %d past %d frames", c.rng.stream, c.index, c.rng.Count())
	}

	off := uint64(c.index) * c.rng.stride
	b := c.rng.data[off : off+c.rng.stride]

	hdr, err := driver.DecodeHeader(b)
	if err != nil {
		return Frame{}, driverErr("map_read", err)
	}
	if hdr.BytesOfFrame != c.rng.stride {
		return Frame{}, driverErr("map_read", fmt.Errorf("frame %d stride %d differs from range stride %d", hdr.FrameID, hdr.BytesOfFrame, c.rng.stride))
	}
	if !hdr.PayloadFits(c.rng.stride - driver.FrameHeaderSize) {
		return Frame{}, driverErr("map_read", fmt.Errorf("frame %d payload of %dx%d %s exceeds stride %d", hdr.FrameID, hdr.Width, hdr.Height, hdr.SampleType, c.rng.stride))
	}
	end := driver.FrameHeaderSize + hdr.PayloadSize()

	return Frame{
		Stream:  c.rng.stream,
		Header:  hdr,
		Payload: b[driver.FrameHeaderSize:end:end],
	}, nil
}

// Advance moves to the next frame and reports whether it is valid
func (c *FrameCursor) Advance() bool {
	if !c.Valid() {
		return false
	}
	c.index++
	return c.Valid()
}

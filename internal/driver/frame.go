package driver

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// FrameHeaderSize is the size of the header that precedes every frame payload
const FrameHeaderSize = 48

// FrameHeader is the fixed layout at the start of each frame in a ring buffer.
//
// Layout (little endian):
//
//	0  bytes_of_frame   u64  header + payload + padding, the stride to the next frame
//	8  width            u32
//	12 height           u32
//	16 sample_type      u32
//	20 reserved         u32
//	24 frame_id         u64
//	32 hw_timestamp     u64
//	40 acq_timestamp    u64
type FrameHeader struct {
	BytesOfFrame         uint64
	Width                uint32
	Height               uint32
	SampleType           SampleType
	FrameID              uint64
	HardwareTimestamp    uint64
	AcquisitionTimestamp uint64
}

// PayloadSize returns the pixel payload length described by the header
func (h FrameHeader) PayloadSize() int {
	return int(h.Width) * int(h.Height) * h.SampleType.BytesPerPixel()
}

// PayloadFits reports whether the payload described by the header fits in n
// bytes. Corrupt dimensions that overflow 64 bits never fit.
func (h FrameHeader) PayloadFits(n uint64) bool {
	hi, px := bits.Mul64(uint64(h.Width), uint64(h.Height))
	if hi != 0 {
		return false
	}
	hi, size := bits.Mul64(px, uint64(h.SampleType.BytesPerPixel()))
	return hi == 0 && size <= n
}

// DecodeHeader parses the header at the start of b
func DecodeHeader(b []byte) (FrameHeader, error) {
	if len(b) < FrameHeaderSize {
		return FrameHeader{}, fmt.Errorf("frame header truncated: %d bytes", len(b))
	}
	le := binary.LittleEndian
	h := FrameHeader{
		BytesOfFrame:         le.Uint64(b[0:8]),
		Width:                le.Uint32(b[8:12]),
		Height:               le.Uint32(b[12:16]),
		SampleType:           SampleType(le.Uint32(b[16:20])),
		FrameID:              le.Uint64(b[24:32]),
		HardwareTimestamp:    le.Uint64(b[32:40]),
		AcquisitionTimestamp: le.Uint64(b[40:48]),
	}
	if h.BytesOfFrame < FrameHeaderSize {
		return FrameHeader{}, fmt.Errorf("invalid frame stride %d", h.BytesOfFrame)
	}
	return h, nil
}

// EncodeFrame lays out a frame with its header. BytesOfFrame is computed from
// the payload and rounded up to an 8 byte boundary.
func EncodeFrame(h FrameHeader, payload []byte) []byte {
	size := FrameHeaderSize + len(payload)
	if rem := size % 8; rem != 0 {
		size += 8 - rem
	}
	h.BytesOfFrame = uint64(size)

	b := make([]byte, size)
	le := binary.LittleEndian
	le.PutUint64(b[0:8], h.BytesOfFrame)
	le.PutUint32(b[8:12], h.Width)
	le.PutUint32(b[12:16], h.Height)
	le.PutUint32(b[16:20], uint32(h.SampleType))
	le.PutUint64(b[24:32], h.FrameID)
	le.PutUint64(b[32:40], h.HardwareTimestamp)
	le.PutUint64(b[40:48], h.AcquisitionTimestamp)
	copy(b[FrameHeaderSize:], payload)
	return b
}

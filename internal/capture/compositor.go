package capture

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/bryanchriswhite/AcquireStreamer/internal/driver"
)

// PixelType is the user facing pixel format name
type PixelType string

const (
	PixelType8Bit  PixelType = "8bit"
	PixelType16Bit PixelType = "16bit"
)

// ParsePixelType validates a pixel type name
func ParsePixelType(s string) (PixelType, error) {
	switch PixelType(s) {
	case PixelType8Bit, PixelType16Bit:
		return PixelType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPixelType, s)
}

// SampleType returns the runtime sample type for the pixel type
func (p PixelType) SampleType() (driver.SampleType, error) {
	switch p {
	case PixelType8Bit:
		return driver.SampleTypeU8, nil
	case PixelType16Bit:
		return driver.SampleTypeU16, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPixelType, string(p))
}

// PixelTypeOf maps a runtime sample type back to its pixel type
func PixelTypeOf(t driver.SampleType) (PixelType, error) {
	switch t {
	case driver.SampleTypeU8:
		return PixelType8Bit, nil
	case driver.SampleTypeU16:
		return PixelType16Bit, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownPixelType, t)
}

// ImageBuffer is an owned pixel buffer for one channel
type ImageBuffer struct {
	width  int
	height int
	depth  int
	pix    []byte
}

// NewImageBuffer allocates a zeroed width x height buffer of depth bytes/pixel
func NewImageBuffer(width, height, depth int) *ImageBuffer {
	b := &ImageBuffer{}
	b.Resize(width, height, depth)
	return b
}

// Resize reallocates the buffer when its geometry changes
func (b *ImageBuffer) Resize(width, height, depth int) {
	if width == b.width && height == b.height && depth == b.depth && b.pix != nil {
		return
	}
	b.width, b.height, b.depth = width, height, depth
	b.pix = make([]byte, width*height*depth)
}

func (b *ImageBuffer) Width() int     { return b.width }
func (b *ImageBuffer) Height() int    { return b.height }
func (b *ImageBuffer) Depth() int     { return b.depth }
func (b *ImageBuffer) Len() int       { return len(b.pix) }
func (b *ImageBuffer) Pixels() []byte { return b.pix }

// Clone returns a deep copy
func (b *ImageBuffer) Clone() *ImageBuffer {
	c := &ImageBuffer{width: b.width, height: b.height, depth: b.depth}
	c.pix = append([]byte(nil), b.pix...)
	return c
}

// Fill sets every byte of the buffer to level
func (b *ImageBuffer) Fill(level byte) {
	for i := range b.pix {
		b.pix[i] = level
	}
}

// FrameMetadata travels with every delivered channel image
type FrameMetadata struct {
	SessionID            string `json:"session_id,omitempty"`
	Channel              int    `json:"channel"`
	ChannelName          string `json:"channel_name"`
	Camera               string `json:"camera"`
	FrameID              uint64 `json:"frame_id"`
	HardwareTimestamp    uint64 `json:"hardware_timestamp"`
	AcquisitionTimestamp uint64 `json:"acquisition_timestamp"`
}

// Tags renders the metadata as image tags
func (m FrameMetadata) Tags() map[string]string {
	return map[string]string{
		"Session":           m.SessionID,
		"Channel":           m.ChannelName,
		"Camera":            m.Camera,
		"FrameId":           strconv.FormatUint(m.FrameID, 10),
		"HardwareTimestamp": strconv.FormatUint(m.HardwareTimestamp, 10),
	}
}

// ChannelName returns the display name of a channel
func ChannelName(channel int) string {
	return "Camera-" + strconv.Itoa(channel+1)
}

// Compositor copies synchronized frames into the per-channel image buffers
type Compositor struct {
	mu      *sync.RWMutex
	buffers []*ImageBuffer
	cameras []string
	session string
}

// NewCompositor writes into buffers under mu. cameras names the device
// behind each channel.
func NewCompositor(mu *sync.RWMutex, buffers []*ImageBuffer, cameras []string, session string) *Compositor {
	return &Compositor{mu: mu, buffers: buffers, cameras: cameras, session: session}
}

// Buffers returns the channel buffers written by Composite
func (c *Compositor) Buffers() []*ImageBuffer {
	return c.buffers
}

// Composite copies each frame's payload byte for byte into the buffer of its
// channel and returns the metadata of every channel written.
func (c *Compositor) Composite(frames []Frame) ([]FrameMetadata, error) {
	if len(frames) > len(c.buffers) {
		return nil, fmt.Errorf("%w: %d frames for %d buffers", ErrInvalidChannel, len(frames), len(c.buffers))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	md := make([]FrameMetadata, len(frames))
	for ch, f := range frames {
		buf := c.buffers[ch]
		h := f.Header
		if int(h.Width) != buf.width || int(h.Height) != buf.height || h.SampleType.BytesPerPixel() != buf.depth {
			return nil, driverErr("map_read", fmt.Errorf("channel %d: frame %dx%dx%d does not match buffer %dx%dx%d",
				ch, h.Width, h.Height, h.SampleType.BytesPerPixel(), buf.width, buf.height, buf.depth))
		}
		copy(buf.pix, f.Payload[:buf.Len()])

		md[ch] = FrameMetadata{
			SessionID:            c.session,
			Channel:              ch,
			ChannelName:          ChannelName(ch),
			FrameID:              h.FrameID,
			HardwareTimestamp:    h.HardwareTimestamp,
			AcquisitionTimestamp: h.AcquisitionTimestamp,
		}
		if ch < len(c.cameras) {
			md[ch].Camera = c.cameras[ch]
		}
	}
	return md, nil
}

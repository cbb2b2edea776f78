package capture

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/bryanchriswhite/AcquireStreamer/internal/logger"
	"github.com/rs/zerolog"
)

// Host is the downstream application that owns the circular image buffer
type Host interface {
	// PrepareForAcquisition is called before a streaming acquisition starts
	PrepareForAcquisition(owner string) error
	// InsertImage copies one image into the circular buffer. It returns an
	// error matching ErrBufferOverflow when the buffer is full.
	InsertImage(owner string, pixels []byte, width, height, depth, components int, md FrameMetadata) error
	// ClearImageBuffer discards every image in the circular buffer
	ClearImageBuffer(owner string) error
}

// Sink pushes composited frames into the host's circular buffer
type Sink struct {
	host           Host
	owner          string
	multiChannel   bool
	current        int
	stopOnOverflow bool
	log            *zerolog.Logger

	overflows atomic.Uint64
}

// NewSink creates a sink. In single channel mode only the buffer of the
// current camera is delivered.
func NewSink(host Host, owner string, multiChannel bool, current int, stopOnOverflow bool) *Sink {
	return &Sink{
		host:           host,
		owner:          owner,
		multiChannel:   multiChannel,
		current:        current,
		stopOnOverflow: stopOnOverflow,
		log:            logger.WithComponent("capture-sink"),
	}
}

// Overflows returns how many inserts found the circular buffer full
func (s *Sink) Overflows() uint64 {
	return s.overflows.Load()
}

// Deliver inserts one frame's channels. With stopOnOverflow unset, a full
// buffer is cleared: in multi channel mode the remaining channels of the
// frame are dropped, in single channel mode the insert is retried once.
// With stopOnOverflow set the overflow is returned to the caller.
func (s *Sink) Deliver(buffers []*ImageBuffer, md []FrameMetadata) error {
	if len(buffers) == 0 || len(md) < len(buffers) {
		return fmt.Errorf("%w: %d buffers with %d metadata records", ErrInvalidChannel, len(buffers), len(md))
	}
	if s.multiChannel {
		return s.deliverMulti(buffers, md)
	}
	return s.deliverSingle(buffers, md)
}

func (s *Sink) deliverMulti(buffers []*ImageBuffer, md []FrameMetadata) error {
	for ch, buf := range buffers {
		err := s.insert(buf, md[ch])
		if err == nil {
			s.log.Debug().
				Int("camera", ch+1).
				Uint64("frame_id", md[ch].FrameID).
				Msg("Frame inserted")
			continue
		}
		if !errors.Is(err, ErrBufferOverflow) {
			return err
		}

		s.overflows.Add(1)
		if s.stopOnOverflow {
			return err
		}
		if err := s.host.ClearImageBuffer(s.owner); err != nil {
			return fmt.Errorf("clear image buffer: %w", err)
		}
		s.log.Warn().
			Int("camera", ch+1).
			Uint64("frame_id", md[ch].FrameID).
			Int("skipped_channels", len(buffers)-ch-1).
			Msg("Camera buffer overflow")
		return nil
	}
	return nil
}

func (s *Sink) deliverSingle(buffers []*ImageBuffer, md []FrameMetadata) error {
	ch := s.current
	if ch < 0 || ch >= len(buffers) {
		ch = 0
	}

	err := s.insert(buffers[ch], md[ch])
	if err == nil {
		s.log.Debug().
			Int("camera", ch+1).
			Uint64("frame_id", md[ch].FrameID).
			Msg("Frame inserted")
		return nil
	}
	if !errors.Is(err, ErrBufferOverflow) {
		return err
	}

	s.overflows.Add(1)
	if s.stopOnOverflow {
		return err
	}
	if err := s.host.ClearImageBuffer(s.owner); err != nil {
		return fmt.Errorf("clear image buffer: %w", err)
	}
	s.log.Warn().
		Int("camera", ch+1).
		Uint64("frame_id", md[ch].FrameID).
		Msg("Camera buffer overflow")

	err = s.insert(buffers[ch], md[ch])
	if errors.Is(err, ErrBufferOverflow) {
		s.overflows.Add(1)
		s.log.Warn().
			Int("camera", ch+1).
			Uint64("frame_id", md[ch].FrameID).
			Msg("Frame dropped after clearing camera buffer")
		return nil
	}
	return err
}

func (s *Sink) insert(buf *ImageBuffer, md FrameMetadata) error {
	return s.host.InsertImage(s.owner, buf.Pixels(), buf.Width(), buf.Height(), buf.Depth(), 1, md)
}

package capture

import (
	"errors"
	"sync/atomic"

	"github.com/bryanchriswhite/AcquireStreamer/internal/driver"
	"github.com/bryanchriswhite/AcquireStreamer/internal/logger"
	"github.com/rs/zerolog"
)

// Batch describes one synchronized read across the active streams
type Batch struct {
	StartFrameID uint64
	Available    [driver.MaxStreams]int
	Size         int
	Mismatches   int
}

// Visitor receives one index-aligned frame per active stream. It reports
// whether the frames were composited; only composited frames are consumed
// from the ring buffers. Frames must not be retained after it returns.
type Visitor func(frames []Frame) (composited bool, err error)

// Synchronizer aligns frames across one or two streams
type Synchronizer struct {
	reader *StreamReader
	dual   bool
	log    *zerolog.Logger

	last   [driver.MaxStreams]uint64
	seen   [driver.MaxStreams]bool
	missed atomic.Uint64
}

// NewSynchronizer creates a synchronizer over stream 0, and stream 1 when dual
func NewSynchronizer(reader *StreamReader, dual bool) *Synchronizer {
	return &Synchronizer{
		reader: reader,
		dual:   dual,
		log:    logger.WithComponent("capture-sync"),
	}
}

// Streams returns the number of active streams
func (s *Synchronizer) Streams() int {
	if s.dual {
		return 2
	}
	return 1
}

// Missed returns the number of frame id discontinuities detected so far
func (s *Synchronizer) Missed() uint64 {
	return s.missed.Load()
}

// Reset forgets the last frame ids seen, for a new acquisition run
func (s *Synchronizer) Reset() {
	s.seen = [driver.MaxStreams]bool{}
	s.last = [driver.MaxStreams]uint64{}
	s.missed.Store(0)
}

// Next maps every active stream once, visits up to limit aligned frames
// (limit <= 0 means all available) and unmaps exactly the frames that were
// composited. Frame id mismatches are logged and do not stop the batch.
func (s *Synchronizer) Next(limit int, visit Visitor) (Batch, error) {
	var b Batch

	n := s.Streams()
	ranges := make([]*StreamRange, 0, n)
	for i := 0; i < n; i++ {
		rng, err := s.reader.MapRead(i)
		if err != nil {
			return b, errors.Join(err, s.release(ranges, 0))
		}
		ranges = append(ranges, rng)
	}

	size := ranges[0].Count()
	for i, rng := range ranges {
		b.Available[i] = rng.Count()
		if rng.Count() < size {
			size = rng.Count()
		}
	}
	if limit > 0 && size > limit {
		size = limit
	}

	cursors := make([]*FrameCursor, n)
	for i, rng := range ranges {
		cursors[i] = rng.Cursor()
	}

	first, err := cursors[0].Current()
	if err != nil {
		return b, errors.Join(err, s.release(ranges, 0))
	}
	b.StartFrameID = first.Header.FrameID

	consumed := 0
	frames := make([]Frame, n)
	var visitErr error

batch:
	for i := 0; i < size; i++ {
		expected := b.StartFrameID + uint64(i)
		for st, c := range cursors {
			f, err := c.Current()
			if err != nil {
				visitErr = err
				break batch
			}
			if i == 0 {
				s.checkGap(st, f.Header.FrameID)
			}
			if f.Header.FrameID != expected {
				b.Mismatches++
				s.missed.Add(1)
				s.log.Warn().
					Int("camera", st+1).
					Uint64("expected", expected).
					Uint64("got", f.Header.FrameID).
					Msg("Camera missed frame")
			}
			frames[st] = f
		}

		ok, err := visit(frames)
		if ok {
			consumed++
			for st := range frames {
				s.last[st] = frames[st].Header.FrameID
				s.seen[st] = true
			}
		}
		if err != nil {
			visitErr = err
			break
		}
		for _, c := range cursors {
			c.Advance()
		}
	}
	b.Size = consumed

	if err := s.release(ranges, consumed); err != nil {
		return b, errors.Join(visitErr, err)
	}
	return b, visitErr
}

// checkGap compares the first frame of a poll with the last frame consumed
// by the previous poll on the same stream
func (s *Synchronizer) checkGap(stream int, id uint64) {
	if !s.seen[stream] || id == s.last[stream]+1 {
		return
	}

	lost := uint64(1)
	if id > s.last[stream]+1 {
		lost = id - s.last[stream] - 1
	}
	s.missed.Add(lost)
	s.log.Warn().
		Int("camera", stream+1).
		Uint64("expected", s.last[stream]+1).
		Uint64("got", id).
		Uint64("lost", lost).
		Msg("Frame gap between polls")
}

func (s *Synchronizer) release(ranges []*StreamRange, frames int) error {
	var errs []error
	for _, rng := range ranges {
		if err := s.reader.UnmapRead(rng, frames); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

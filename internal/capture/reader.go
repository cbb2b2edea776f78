package capture

import (
	"fmt"
	"time"

	"github.com/bryanchriswhite/AcquireStreamer/internal/driver"
	"github.com/bryanchriswhite/AcquireStreamer/internal/logger"
	"github.com/rs/zerolog"
)

// Retry bound used while waiting for a stream to produce frames (~5s)
const (
	DefaultRetryInterval = 5 * time.Millisecond
	DefaultMaxRetries    = 1000
)

// StreamReader maps ranges of frames from the runtime's stream ring buffers
type StreamReader struct {
	rt         driver.Runtime
	interval   time.Duration
	maxRetries int
	log        *zerolog.Logger
}

// NewStreamReader creates a reader that retries empty maps every interval,
// at most maxRetries times
func NewStreamReader(rt driver.Runtime, interval time.Duration, maxRetries int) *StreamReader {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &StreamReader{
		rt:         rt,
		interval:   interval,
		maxRetries: maxRetries,
		log:        logger.WithComponent("capture-reader"),
	}
}

// MapRead returns the frames currently available on a stream. An empty map is
// re-issued until frames appear or the retry bound is exceeded, in which case
// ErrTimeout is returned and nothing is left to unmap.
func (r *StreamReader) MapRead(stream int) (*StreamRange, error) {
	if stream < 0 || stream >= driver.MaxStreams {
		return nil, fmt.Errorf("invalid stream %d", stream)
	}

	rng, err := r.mapOnce(stream)
	for retries := 0; err == nil && rng.Empty() && retries < r.maxRetries; retries++ {
		time.Sleep(r.interval)
		rng, err = r.mapOnce(stream)
	}
	if err != nil {
		return nil, err
	}
	if rng.Empty() {
		r.log.Debug().
			Int("stream", stream).
			Int("retries", r.maxRetries).
			Msg("No frames arrived")
		return nil, fmt.Errorf("stream %d: %w after %d retries", stream, ErrTimeout, r.maxRetries)
	}
	return rng, nil
}

func (r *StreamReader) mapOnce(stream int) (*StreamRange, error) {
	data, err := r.rt.MapRead(stream)
	if err != nil {
		return nil, driverErr("map_read", err)
	}
	rng, err := newStreamRange(stream, data)
	if err != nil {
		return nil, driverErr("map_read", err)
	}
	return rng, nil
}

// UnmapRead hands a range back to the runtime, consuming exactly frames whole
// frames. It must be called once per successful MapRead.
func (r *StreamReader) UnmapRead(rng *StreamRange, frames int) error {
	if rng.closed {
		return ErrRangeClosed
	}
	if frames < 0 || frames > rng.Count() {
		return fmt.Errorf("stream %d: cannot consume %d of %d frames", rng.stream, frames, rng.Count())
	}

	rng.closed = true
	n := uint64(frames) * rng.stride
	if err := r.rt.UnmapRead(rng.stream, n); err != nil {
		return driverErr("unmap_read", err)
	}
	return nil
}

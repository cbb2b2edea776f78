// Package host implements the downstream side of an acquisition: a bounded
// circular buffer of images with subscribers for live consumers.
package host

import (
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/AcquireStreamer/internal/capture"
	"github.com/bryanchriswhite/AcquireStreamer/internal/logger"
	"github.com/rs/zerolog"
)

// DefaultCapacity is the number of images held when none is configured
const DefaultCapacity = 64

// Image is one channel image stored in the buffer
type Image struct {
	Seq        uint64                `json:"seq"`
	Owner      string                `json:"owner"`
	Width      int                   `json:"width"`
	Height     int                   `json:"height"`
	Depth      int                   `json:"depth"`
	Components int                   `json:"components"`
	Metadata   capture.FrameMetadata `json:"metadata"`
	Inserted   time.Time             `json:"inserted"`
	Pixels     []byte                `json:"-"`
}

// Stats counts buffer activity since creation
type Stats struct {
	Capacity  int    `json:"capacity"`
	Len       int    `json:"len"`
	Inserted  uint64 `json:"inserted"`
	Popped    uint64 `json:"popped"`
	Overflows uint64 `json:"overflows"`
	Clears    uint64 `json:"clears"`
}

// CircularBuffer is a fixed capacity FIFO of images. Inserting into a full
// buffer fails with capture.ErrBufferOverflow; it never overwrites.
type CircularBuffer struct {
	mu        sync.RWMutex
	ring      []*Image
	head      int
	count     int
	seq       uint64
	latest    *Image
	stats     Stats
	listeners []chan *Image
	log       *zerolog.Logger
}

var _ capture.Host = (*CircularBuffer)(nil)

// NewCircularBuffer creates a buffer holding up to capacity images
func NewCircularBuffer(capacity int) *CircularBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &CircularBuffer{
		ring:  make([]*Image, capacity),
		stats: Stats{Capacity: capacity},
		log:   logger.WithComponent("host-buffer"),
	}
}

// PrepareForAcquisition empties the buffer ahead of a new acquisition
func (b *CircularBuffer) PrepareForAcquisition(owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetLocked()
	b.log.Debug().Str("owner", owner).Msg("Prepared for acquisition")
	return nil
}

// InsertImage copies pixels into the next free slot
func (b *CircularBuffer) InsertImage(owner string, pixels []byte, width, height, depth, components int, md capture.FrameMetadata) error {
	size := width * height * depth * components
	if size <= 0 || len(pixels) < size {
		return fmt.Errorf("image %dx%dx%dx%d needs %d bytes, got %d", width, height, depth, components, size, len(pixels))
	}

	b.mu.Lock()
	if b.count == len(b.ring) {
		b.stats.Overflows++
		b.mu.Unlock()
		return fmt.Errorf("%w: %d images", capture.ErrBufferOverflow, len(b.ring))
	}

	b.seq++
	img := &Image{
		Seq:        b.seq,
		Owner:      owner,
		Width:      width,
		Height:     height,
		Depth:      depth,
		Components: components,
		Metadata:   md,
		Inserted:   time.Now(),
		Pixels:     append([]byte(nil), pixels[:size]...),
	}
	b.ring[(b.head+b.count)%len(b.ring)] = img
	b.count++
	b.latest = img
	b.stats.Inserted++
	b.mu.Unlock()

	b.notifyListeners(img)
	return nil
}

// ClearImageBuffer discards every buffered image
func (b *CircularBuffer) ClearImageBuffer(owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := b.count
	b.resetLocked()
	b.stats.Clears++
	b.log.Debug().Str("owner", owner).Int("dropped", dropped).Msg("Image buffer cleared")
	return nil
}

func (b *CircularBuffer) resetLocked() {
	for i := range b.ring {
		b.ring[i] = nil
	}
	b.head, b.count = 0, 0
}

// Pop removes and returns the oldest image
func (b *CircularBuffer) Pop() (*Image, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil, false
	}
	img := b.ring[b.head]
	b.ring[b.head] = nil
	b.head = (b.head + 1) % len(b.ring)
	b.count--
	b.stats.Popped++
	return img, true
}

// Latest returns the most recently inserted image, even if it was popped
func (b *CircularBuffer) Latest() (*Image, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest, b.latest != nil
}

func (b *CircularBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

func (b *CircularBuffer) Capacity() int {
	return len(b.ring)
}

func (b *CircularBuffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.stats
	s.Len = b.count
	return s
}

// Subscribe adds a listener for inserted images
func (b *CircularBuffer) Subscribe() chan *Image {
	ch := make(chan *Image, 10)
	b.mu.Lock()
	b.listeners = append(b.listeners, ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel
func (b *CircularBuffer) Unsubscribe(ch chan *Image) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.listeners {
		if l == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (b *CircularBuffer) notifyListeners(img *Image) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, l := range b.listeners {
		select {
		case l <- img:
		default:
			// slow consumer
		}
	}
}

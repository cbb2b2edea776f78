// Package sim provides an in-process acquisition runtime with simulated cameras.
package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/AcquireStreamer/internal/driver"
	"github.com/bryanchriswhite/AcquireStreamer/internal/logger"
)

// Device names exposed by the simulated runtime
const (
	CameraUniformRandom = "simulated: uniform random"
	CameraRadialSin     = "simulated: radial sin"
	CameraEmpty         = "simulated: empty"
	StorageTrash        = "Trash"
)

// IsSimulated reports whether a camera name refers to a simulated camera
func IsSimulated(name string) bool {
	return strings.HasPrefix(name, "simulated")
}

// Options configures the simulated runtime
type Options struct {
	// FrameInterval is the period of the frame generator. Zero disables the
	// generator; frames then only appear through Inject.
	FrameInterval time.Duration
	// Width and Height are the full sensor shape
	Width  uint32
	Height uint32
	// RingFrames is the per-stream ring capacity, in frames
	RingFrames int
}

// DefaultOptions returns a 320x240 sensor producing 100 frames per second
func DefaultOptions() Options {
	return Options{
		FrameInterval: 10 * time.Millisecond,
		Width:         320,
		Height:        240,
		RingFrames:    64,
	}
}

// Stats counts ring buffer traffic on one stream
type Stats struct {
	MapCalls      uint64 `json:"map_calls"`
	UnmapCalls    uint64 `json:"unmap_calls"`
	BytesUnmapped uint64 `json:"bytes_unmapped"`
	Produced      uint64 `json:"produced"`
	Dropped       uint64 `json:"dropped"`
}

type stream struct {
	buf     []byte
	nextID  uint64
	emitted uint64
	mapped  int
	stats   Stats
}

// Runtime is a simulated driver.Runtime
type Runtime struct {
	opts     Options
	reporter driver.Reporter
	devices  *deviceManager

	mu       sync.Mutex
	props    driver.Properties
	streams  [driver.MaxStreams]*stream
	running  bool
	closed   bool
	startErr error
	stopCh   chan struct{}
	wg       sync.WaitGroup
	rng      *rand.Rand
	epoch    time.Time
}

// Open returns an Opener for a simulated runtime
func Open(opts Options) driver.Opener {
	return func(reporter driver.Reporter) (driver.Runtime, error) {
		return New(opts, reporter), nil
	}
}

// New creates a simulated runtime
func New(opts Options, reporter driver.Reporter) *Runtime {
	if opts.Width == 0 {
		opts.Width = DefaultOptions().Width
	}
	if opts.Height == 0 {
		opts.Height = DefaultOptions().Height
	}
	if opts.RingFrames <= 0 {
		opts.RingFrames = DefaultOptions().RingFrames
	}
	if reporter == nil {
		reporter = func(driver.Report) {}
	}

	r := &Runtime{
		opts:     opts,
		reporter: reporter,
		devices: &deviceManager{devices: []driver.DeviceIdentifier{
			{Kind: driver.DeviceKindCamera, Name: CameraUniformRandom},
			{Kind: driver.DeviceKindCamera, Name: CameraRadialSin},
			{Kind: driver.DeviceKindCamera, Name: CameraEmpty},
			{Kind: driver.DeviceKindStorage, Name: StorageTrash},
		}},
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		epoch: time.Now(),
	}
	for i := range r.streams {
		r.streams[i] = &stream{mapped: -1}
	}
	return r
}

// Devices implements driver.Runtime
func (r *Runtime) Devices() driver.DeviceManager {
	return r.devices
}

// Configure implements driver.Runtime
func (r *Runtime) Configure(props *driver.Properties) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("runtime shut down")
	}
	if r.running {
		return errors.New("cannot configure while running")
	}

	for i := range props.Video {
		v := &props.Video[i]
		if id := v.Camera.Identifier; !id.IsZero() {
			if id.Kind != driver.DeviceKindCamera || !r.devices.has(id) {
				return fmt.Errorf("stream %d: camera %q: %w", i, id.Name, driver.ErrNotFound)
			}
		}
		if id := v.Storage.Identifier; !id.IsZero() {
			if id.Kind != driver.DeviceKindStorage || !r.devices.has(id) {
				return fmt.Errorf("stream %d: storage %q: %w", i, id.Name, driver.ErrNotFound)
			}
		}

		s := &v.Camera.Settings
		if s.PixelType != driver.SampleTypeU8 && s.PixelType != driver.SampleTypeU16 {
			return fmt.Errorf("stream %d: unsupported pixel type %s", i, s.PixelType)
		}
		if s.Binning == 0 {
			s.Binning = 1
		}
		maxX := r.opts.Width / uint32(s.Binning)
		maxY := r.opts.Height / uint32(s.Binning)
		if s.Shape.X == 0 || s.Shape.X > maxX {
			s.Shape.X = maxX
		}
		if s.Shape.Y == 0 || s.Shape.Y > maxY {
			s.Shape.Y = maxY
		}
		if s.Offset.X+s.Shape.X > maxX {
			s.Offset.X = 0
		}
		if s.Offset.Y+s.Shape.Y > maxY {
			s.Offset.Y = 0
		}
	}

	r.props = *props
	return nil
}

// Configuration implements driver.Runtime
func (r *Runtime) Configuration() (driver.Properties, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return driver.Properties{}, errors.New("runtime shut down")
	}
	return r.props, nil
}

// ConfigurationMetadata implements driver.Runtime
func (r *Runtime) ConfigurationMetadata() (driver.PropertyMetadata, error) {
	var meta driver.PropertyMetadata
	for i := range meta.Video {
		meta.Video[i].Camera = driver.CameraMetadata{
			Shape: driver.ShapeMetadata{
				X: driver.Range{Low: 1, High: float64(r.opts.Width)},
				Y: driver.Range{Low: 1, High: float64(r.opts.Height)},
			},
			SupportedPixelTypes: driver.SupportsU8 | driver.SupportsU16,
		}
	}
	return meta, nil
}

// Start implements driver.Runtime. With a running generator every start
// begins a fresh run with empty rings and frame ids from zero; in manual
// mode rings are left as they are so injected frames survive.
func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("runtime shut down")
	}
	if r.startErr != nil {
		return r.startErr
	}
	if r.running {
		return errors.New("already running")
	}
	if !r.activeLocked(0) && !r.activeLocked(1) {
		return errors.New("no camera selected")
	}

	r.running = true
	if r.opts.FrameInterval <= 0 {
		return nil
	}

	for _, s := range r.streams {
		s.buf = nil
		s.nextID = 0
		s.emitted = 0
		s.mapped = -1
	}
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.generate(r.stopCh)

	logger.WithComponent("driver-sim").Debug().
		Dur("frame_interval", r.opts.FrameInterval).
		Msg("Simulated acquisition started")
	return nil
}

// Stop implements driver.Runtime
func (r *Runtime) Stop() error {
	r.halt()
	return nil
}

// Abort implements driver.Runtime. Unlike Stop it also discards frames that
// have not been read.
func (r *Runtime) Abort() error {
	r.halt()
	r.mu.Lock()
	for _, s := range r.streams {
		s.buf = nil
		s.mapped = -1
	}
	r.mu.Unlock()
	r.report(false, "acquisition aborted")
	return nil
}

func (r *Runtime) halt() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stopCh := r.stopCh
	r.stopCh = nil
	r.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		r.wg.Wait()
	}
}

// MapRead implements driver.Runtime
func (r *Runtime) MapRead(idx int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.streamLocked(idx)
	if err != nil {
		return nil, err
	}
	s.stats.MapCalls++
	s.mapped = len(s.buf)
	return s.buf[:len(s.buf):len(s.buf)], nil
}

// UnmapRead implements driver.Runtime
func (r *Runtime) UnmapRead(idx int, n uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.streamLocked(idx)
	if err != nil {
		return err
	}
	if s.mapped < 0 {
		return fmt.Errorf("stream %d: unmap without map", idx)
	}
	if n > uint64(s.mapped) {
		return fmt.Errorf("stream %d: unmap of %d bytes exceeds mapped %d", idx, n, s.mapped)
	}

	s.buf = append([]byte(nil), s.buf[n:]...)
	s.mapped = -1
	s.stats.UnmapCalls++
	s.stats.BytesUnmapped += n
	return nil
}

// Shutdown implements driver.Runtime
func (r *Runtime) Shutdown() error {
	r.halt()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Inject synchronously appends n frames to a stream, ignoring MaxFrameCount
func (r *Runtime) Inject(idx, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.streamLocked(idx); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		r.produceLocked(idx)
	}
	return nil
}

// Skip advances the next frame id of a stream, simulating lost frames
func (r *Runtime) Skip(idx int, n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx >= 0 && idx < len(r.streams) {
		r.streams[idx].nextID += n
	}
}

// SetNextFrameID sets the id given to the next frame of a stream
func (r *Runtime) SetNextFrameID(idx int, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx >= 0 && idx < len(r.streams) {
		r.streams[idx].nextID = id
	}
}

// FailStart makes subsequent Start calls fail with err; nil clears it
func (r *Runtime) FailStart(err error) {
	r.mu.Lock()
	r.startErr = err
	r.mu.Unlock()
}

// Stats returns the traffic counters of a stream
func (r *Runtime) Stats(idx int) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx < 0 || idx >= len(r.streams) {
		return Stats{}
	}
	return r.streams[idx].stats
}

// Running reports whether the runtime is acquiring
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runtime) activeLocked(idx int) bool {
	return r.props.Video[idx].Camera.Identifier.Kind == driver.DeviceKindCamera
}

func (r *Runtime) streamLocked(idx int) (*stream, error) {
	if r.closed {
		return nil, errors.New("runtime shut down")
	}
	if idx < 0 || idx >= len(r.streams) {
		return nil, fmt.Errorf("invalid stream %d", idx)
	}
	if !r.activeLocked(idx) {
		return nil, fmt.Errorf("stream %d has no camera", idx)
	}
	return r.streams[idx], nil
}

func (r *Runtime) generate(stopCh <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.mu.Lock()
			for i := range r.streams {
				if !r.activeLocked(i) {
					continue
				}
				if r.streams[i].emitted >= r.props.Video[i].MaxFrameCount {
					continue
				}
				r.produceLocked(i)
			}
			r.mu.Unlock()
		}
	}
}

// produceLocked appends one frame to a stream. A full ring drops the frame
// but still consumes its id, so readers observe the gap.
func (r *Runtime) produceLocked(idx int) {
	s := r.streams[idx]
	v := r.props.Video[idx]
	settings := v.Camera.Settings
	width, height := settings.Shape.X, settings.Shape.Y
	if width == 0 || height == 0 {
		width, height = r.opts.Width, r.opts.Height
	}

	id := s.nextID
	s.nextID++
	s.emitted++

	hdr := driver.FrameHeader{
		Width:                width,
		Height:               height,
		SampleType:           settings.PixelType,
		FrameID:              id,
		HardwareTimestamp:    uint64(time.Since(r.epoch).Microseconds()),
		AcquisitionTimestamp: uint64(time.Now().UnixMicro()),
	}
	frame := driver.EncodeFrame(hdr, r.pattern(v.Camera.Identifier.Name, hdr))

	if len(s.buf)+len(frame) > r.opts.RingFrames*len(frame) {
		s.stats.Dropped++
		r.report(true, fmt.Sprintf("stream %d ring full, dropped frame %d", idx, id))
		return
	}
	s.buf = append(s.buf, frame...)
	s.stats.Produced++
}

func (r *Runtime) pattern(camera string, h driver.FrameHeader) []byte {
	depth := h.SampleType.BytesPerPixel()
	w, ht := int(h.Width), int(h.Height)
	payload := make([]byte, w*ht*depth)

	switch camera {
	case CameraEmpty:
		return payload
	case CameraRadialSin:
		cx, cy := float64(w)/2, float64(ht)/2
		phase := float64(h.FrameID) * 0.2
		for y := 0; y < ht; y++ {
			for x := 0; x < w; x++ {
				d := math.Hypot(float64(x)-cx, float64(y)-cy)
				level := 0.5 + 0.5*math.Sin(d*0.1-phase)
				putSample(payload, (y*w+x)*depth, depth, level)
			}
		}
	default:
		r.rng.Read(payload)
	}
	return payload
}

func putSample(b []byte, off, depth int, level float64) {
	if depth == 1 {
		b[off] = uint8(level * math.MaxUint8)
		return
	}
	binary.LittleEndian.PutUint16(b[off:], uint16(level*math.MaxUint16))
}

func (r *Runtime) report(isError bool, msg string) {
	pc, file, line, _ := runtime.Caller(1)
	fn := "unknown"
	if f := runtime.FuncForPC(pc); f != nil {
		fn = f.Name()
	}
	r.reporter(driver.Report{
		IsError:  isError,
		File:     filepath.Base(file),
		Line:     line,
		Function: fn,
		Message:  msg,
	})
}

type deviceManager struct {
	devices []driver.DeviceIdentifier
}

func (m *deviceManager) Count() int {
	return len(m.devices)
}

func (m *deviceManager) Get(index int) (driver.DeviceIdentifier, error) {
	if index < 0 || index >= len(m.devices) {
		return driver.DeviceIdentifier{}, fmt.Errorf("device index %d out of range", index)
	}
	return m.devices[index], nil
}

func (m *deviceManager) Select(kind driver.DeviceKind, name string) (driver.DeviceIdentifier, error) {
	for _, d := range m.devices {
		if d.Kind == kind && d.Name == name {
			return d, nil
		}
	}
	return driver.DeviceIdentifier{}, fmt.Errorf("%s %q: %w", kind, name, driver.ErrNotFound)
}

func (m *deviceManager) has(id driver.DeviceIdentifier) bool {
	for _, d := range m.devices {
		if d == id {
			return true
		}
	}
	return false
}

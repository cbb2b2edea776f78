package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/AcquireStreamer/internal/driver"
	"github.com/bryanchriswhite/AcquireStreamer/internal/logger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StorageTrash is the storage device frames are discarded to. Frames reach
// the host through MapRead only.
const StorageTrash = "Trash"

// State is the lifecycle state of a Controller
type State int

const (
	StateIdle State = iota
	StateConfigured
	StateSnapping
	StateStreaming
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigured:
		return "configured"
	case StateSnapping:
		return "snapping"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options tune a Controller. Zero values select the defaults.
type Options struct {
	// Owner identifies this controller to the host buffer
	Owner         string
	RetryInterval time.Duration
	MaxRetries    int
}

// Session is the acquisition session created by Configure
type Session struct {
	ID             string    `json:"id"`
	Cameras        []string  `json:"cameras"`
	Dual           bool      `json:"dual"`
	MultiChannel   bool      `json:"multi_channel"`
	CurrentCamera  int       `json:"current_camera"`
	StopOnOverflow bool      `json:"stop_on_overflow"`
	Target         uint64    `json:"target"`
	Created        time.Time `json:"created"`
}

// Status is a snapshot of the controller for display
type Status struct {
	State      string          `json:"state"`
	Session    *Session        `json:"session,omitempty"`
	Channels   int             `json:"channels"`
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	Depth      int             `json:"depth"`
	Capturing  bool            `json:"capturing"`
	Delivered  uint64          `json:"delivered"`
	Missed     uint64          `json:"missed"`
	Overflows  uint64          `json:"overflows"`
	LastError  string          `json:"last_error,omitempty"`
	SnapFrames []FrameMetadata `json:"snap_frames,omitempty"`
}

// Controller drives one or two cameras through the acquisition runtime and
// delivers their frames to the host
type Controller struct {
	host Host
	opts Options
	log  *zerolog.Logger

	mu       sync.Mutex
	rt       driver.Runtime
	state    State
	settings Settings
	session  *Session
	poller   *poller
	sync     *Synchronizer
	sink     *Sink
	lastErr  error
	lastSnap []FrameMetadata
	// frames delivered by the last finished acquisition
	delivered uint64
	props     map[string]*Property

	bufMu   sync.RWMutex
	buffers []*ImageBuffer
}

// New opens the runtime. A failure to open it is reported as
// ErrDriverUnavailable.
func New(open driver.Opener, host Host, opts Options) (*Controller, error) {
	if host == nil {
		return nil, errors.New("host is required")
	}
	if opts.Owner == "" {
		opts.Owner = DeviceName
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	c := &Controller{
		host:     host,
		opts:     opts,
		log:      logger.WithComponent("capture-controller"),
		settings: Settings{}.withDefaults(),
	}

	rt, err := open(c.report)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDriverUnavailable, err)
	}
	if rt == nil {
		return nil, fmt.Errorf("%w: runtime not created", ErrDriverUnavailable)
	}
	c.rt = rt
	c.props = c.buildProperties()

	c.log.Info().Str("owner", opts.Owner).Msg("Acquisition runtime opened")
	return c, nil
}

func (c *Controller) report(r driver.Report) {
	ev := c.log.Debug()
	if r.IsError {
		ev = c.log.Error()
	}
	ev.Str("file", r.File).
		Int("line", r.Line).
		Str("function", r.Function).
		Msg(r.Message)
}

// Devices lists the devices known to the runtime
func (c *Controller) Devices() ([]driver.DeviceIdentifier, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rt == nil {
		return nil, ErrDriverUnavailable
	}
	dm := c.rt.Devices()
	out := make([]driver.DeviceIdentifier, 0, dm.Count())
	for i := 0; i < dm.Count(); i++ {
		id, err := dm.Get(i)
		if err != nil {
			return nil, driverErr("device_manager_get", err)
		}
		out = append(out, id)
	}
	return out, nil
}

// Cameras returns the selectable camera names, starting with CameraNone
func (c *Controller) Cameras() ([]string, error) {
	devs, err := c.Devices()
	if err != nil {
		return nil, err
	}
	names := []string{CameraNone}
	for _, d := range devs {
		if d.Kind == driver.DeviceKindCamera {
			names = append(names, d.Name)
		}
	}
	return names, nil
}

// Settings returns the settings last applied or requested
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// State returns the lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current session, nil when idle
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	s.Cameras = append([]string(nil), c.session.Cameras...)
	return &s
}

// Configure validates the camera selection and applies s to the runtime.
// An invalid selection is rejected before the runtime is touched. On success
// the image buffers match the geometry the runtime accepted.
func (c *Controller) Configure(s Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configureLocked(s)
}

func (c *Controller) configureLocked(s Settings) error {
	if c.rt == nil {
		return ErrDriverUnavailable
	}
	if err := c.checkIdleLocked(); err != nil {
		return err
	}

	s = s.withDefaults()
	if err := s.validate(); err != nil {
		return err
	}
	sample, _ := s.PixelType.SampleType()
	dual := s.Dual()

	props, err := c.rt.Configuration()
	if err != nil {
		return driverErr("get_configuration", err)
	}

	dm := c.rt.Devices()
	cameras := s.Cameras()
	for i := range props.Video {
		v := &props.Video[i]
		if i < len(cameras) {
			id, err := dm.Select(driver.DeviceKindCamera, cameras[i])
			if err != nil {
				return driverErr("device_manager_select", fmt.Errorf("camera %q: %w", cameras[i], err))
			}
			v.Camera.Identifier = id
		} else {
			v.Camera.Identifier = driver.DeviceIdentifier{}
		}
		if id, err := dm.Select(driver.DeviceKindStorage, StorageTrash); err == nil {
			v.Storage.Identifier = id
		} else {
			c.log.Warn().Err(err).Int("stream", i).Msg("Trash storage not available")
		}
	}

	meta, err := c.rt.ConfigurationMetadata()
	if err != nil {
		return driverErr("get_configuration_metadata", err)
	}
	for i := range cameras {
		cam := &props.Video[i].Camera.Settings
		cam.Binning = uint8(s.Binning)
		cam.PixelType = sample
		cam.ExposureTimeUs = float32(s.ExposureMs * 1000)
		cam.Offset = driver.Size2{}
		cam.Shape = maxShape(meta, i, s.Binning)
		props.Video[i].MaxFrameCount = 1
	}

	if err := c.rt.Configure(&props); err != nil {
		c.toIdleLocked()
		return driverErr("configure", err)
	}
	if err := c.allocateBuffersLocked(len(cameras)); err != nil {
		c.toIdleLocked()
		return err
	}

	c.settings = s
	c.session = &Session{
		ID:            uuid.NewString(),
		Cameras:       cameras,
		Dual:          dual,
		MultiChannel:  s.IsMultiChannel(),
		CurrentCamera: s.CurrentCamera,
		Created:       time.Now(),
	}
	c.sync = nil
	c.sink = nil
	c.lastSnap = nil
	c.delivered = 0
	c.state = StateConfigured

	c.log.Info().
		Str("session", c.session.ID).
		Strs("cameras", cameras).
		Bool("multi_channel", c.session.MultiChannel).
		Int("binning", s.Binning).
		Str("pixel_type", string(s.PixelType)).
		Float64("exposure_ms", s.ExposureMs).
		Msg("Cameras configured")
	return nil
}

func maxShape(meta driver.PropertyMetadata, stream, binning int) driver.Size2 {
	if binning < 1 {
		binning = 1
	}
	shape := meta.Video[stream].Camera.Shape
	return driver.Size2{
		X: uint32(shape.X.High) / uint32(binning),
		Y: uint32(shape.Y.High) / uint32(binning),
	}
}

// allocateBuffersLocked sizes one buffer per active stream from the
// configuration the runtime accepted
func (c *Controller) allocateBuffersLocked(streams int) error {
	props, err := c.rt.Configuration()
	if err != nil {
		return driverErr("get_configuration", err)
	}
	cam := props.Video[0].Camera.Settings
	if _, err := PixelTypeOf(cam.PixelType); err != nil {
		return err
	}
	w, h, depth := int(cam.Shape.X), int(cam.Shape.Y), cam.PixelType.BytesPerPixel()

	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	if len(c.buffers) > streams {
		c.buffers = c.buffers[:streams]
	}
	for i := range c.buffers {
		c.buffers[i].Resize(w, h, depth)
	}
	for len(c.buffers) < streams {
		c.buffers = append(c.buffers, NewImageBuffer(w, h, depth))
	}
	return nil
}

func (c *Controller) toIdleLocked() {
	c.state = StateIdle
	c.session = nil
	c.sync = nil
	c.sink = nil
}

// checkIdleLocked fails while an acquisition is in progress
func (c *Controller) checkIdleLocked() error {
	c.reapLocked()
	switch c.state {
	case StateSnapping, StateStreaming, StateStopping:
		return fmt.Errorf("%w: %s", ErrBusy, c.state)
	}
	return nil
}

// checkConfiguredLocked fails unless the controller is configured and not
// acquiring
func (c *Controller) checkConfiguredLocked() error {
	if c.rt == nil {
		return ErrDriverUnavailable
	}
	if err := c.checkIdleLocked(); err != nil {
		return err
	}
	if c.state == StateIdle {
		return ErrNotConfigured
	}
	return nil
}

// reapLocked finishes a streaming episode whose poller already exited
func (c *Controller) reapLocked() {
	if c.state != StateStreaming || c.poller == nil {
		return
	}
	if done, _ := c.poller.finished(); done {
		if err := c.finishStreamingLocked(); err != nil {
			c.log.Warn().Err(err).Msg("Stopping finished acquisition failed")
		}
	}
}

// Snap acquires exactly one frame per active camera into the image buffers
func (c *Controller) Snap() error {
	c.mu.Lock()
	if err := c.checkConfiguredLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	rt := c.rt
	session := c.session
	c.state = StateSnapping
	c.mu.Unlock()

	md, err := c.snap(rt, session)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateSnapping {
		c.state = StateConfigured
	}
	c.lastErr = err
	if err != nil {
		return err
	}
	c.lastSnap = md
	return nil
}

func (c *Controller) snap(rt driver.Runtime, session *Session) ([]FrameMetadata, error) {
	props, err := rt.Configuration()
	if err != nil {
		return nil, driverErr("get_configuration", err)
	}
	for i := range props.Video {
		props.Video[i].MaxFrameCount = 1
	}
	if err := rt.Configure(&props); err != nil {
		return nil, driverErr("configure", err)
	}
	if err := rt.Start(); err != nil {
		return nil, driverErr("start", err)
	}

	reader := NewStreamReader(rt, c.opts.RetryInterval, c.opts.MaxRetries)
	syn := NewSynchronizer(reader, session.Dual)
	comp := NewCompositor(&c.bufMu, c.buffers, session.Cameras, session.ID)

	var md []FrameMetadata
	_, err = syn.Next(1, func(frames []Frame) (bool, error) {
		m, err := comp.Composite(frames)
		if err != nil {
			return false, err
		}
		md = m
		return true, nil
	})
	if stopErr := rt.Stop(); stopErr != nil {
		err = errors.Join(err, driverErr("stop", stopErr))
	}
	if err != nil {
		c.log.Error().Err(err).Str("session", session.ID).Msg("Snap failed")
		return nil, err
	}

	ev := c.log.Info().Str("session", session.ID)
	if len(md) > 0 {
		ev = ev.Uint64("frame_id", md[0].FrameID)
	}
	ev.Msg("Snapped image")
	return md, nil
}

// StartStreaming starts a continuous acquisition of numImages frames, zero
// meaning until stopped. Frames are delivered to the host no faster than one
// poll per interval.
func (c *Controller) StartStreaming(numImages int64, interval time.Duration, stopOnOverflow bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkConfiguredLocked(); err != nil {
		return err
	}
	if numImages < 0 {
		return fmt.Errorf("invalid image count %d", numImages)
	}

	if err := c.host.PrepareForAcquisition(c.opts.Owner); err != nil {
		return fmt.Errorf("prepare for acquisition: %w", err)
	}

	props, err := c.rt.Configuration()
	if err != nil {
		return driverErr("get_configuration", err)
	}
	maxFrames := driver.MaxFrameCountUnbounded
	if numImages > 0 {
		maxFrames = uint64(numImages)
	}
	for i := range props.Video {
		props.Video[i].MaxFrameCount = maxFrames
	}
	if err := c.rt.Configure(&props); err != nil {
		return driverErr("configure", err)
	}
	if err := c.rt.Start(); err != nil {
		return driverErr("start", err)
	}

	s := c.session
	s.StopOnOverflow = stopOnOverflow
	s.Target = uint64(numImages)

	reader := NewStreamReader(c.rt, c.opts.RetryInterval, c.opts.MaxRetries)
	c.sync = NewSynchronizer(reader, s.Dual)
	c.sink = NewSink(c.host, c.opts.Owner, s.MultiChannel, s.CurrentCamera, stopOnOverflow)
	comp := NewCompositor(&c.bufMu, c.buffers, s.Cameras, s.ID)
	c.poller = newPoller(c.sync, comp, c.sink, s.Target, interval)
	c.lastErr = nil
	c.delivered = 0
	c.state = StateStreaming
	c.poller.start()

	c.log.Info().
		Str("session", s.ID).
		Int64("images", numImages).
		Dur("interval", interval).
		Bool("stop_on_overflow", stopOnOverflow).
		Msg("Started sequence acquisition")
	return nil
}

// StopStreaming signals the poller, waits for it to exit and stops the
// runtime. It is a no-op when not streaming.
func (c *Controller) StopStreaming() error {
	c.mu.Lock()
	p := c.poller
	switch {
	case p == nil:
		c.mu.Unlock()
		return nil
	case c.state == StateStopping:
		// another caller owns the stop
		c.mu.Unlock()
		p.wait()
		return nil
	}
	c.state = StateStopping
	c.mu.Unlock()

	p.signal()
	p.wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishStreamingLocked()
}

func (c *Controller) finishStreamingLocked() error {
	p := c.poller
	_, perr := p.finished()
	c.poller = nil
	c.lastErr = perr
	c.delivered = p.delivered.Load()
	c.state = StateConfigured

	var err error
	if c.rt != nil {
		if stopErr := c.rt.Stop(); stopErr != nil {
			err = driverErr("stop", stopErr)
		}
	}

	c.log.Info().
		Uint64("delivered", c.delivered).
		Uint64("missed", c.sync.Missed()).
		Uint64("overflows", c.sink.Overflows()).
		AnErr("poller_error", perr).
		Msg("Stopped sequence acquisition")
	return err
}

// IsCapturing reports whether the streaming poller is running
func (c *Controller) IsCapturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poller != nil && c.poller.active()
}

// StreamError returns the error that ended the last acquisition, if any
func (c *Controller) StreamError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.poller != nil {
		_, err := c.poller.finished()
		return err
	}
	return c.lastErr
}

// Abort forwards an abort to the runtime without draining. The poller is
// signalled but not waited for; StopStreaming completes the teardown.
func (c *Controller) Abort() error {
	c.mu.Lock()
	rt, p := c.rt, c.poller
	c.mu.Unlock()

	if rt == nil {
		return ErrDriverUnavailable
	}
	if p != nil {
		p.signal()
	}
	if err := rt.Abort(); err != nil {
		return driverErr("abort", err)
	}
	c.log.Warn().Msg("Acquisition aborted")
	return nil
}

// Shutdown stops any acquisition and releases the runtime. It fails with
// ErrBusy while a snap is in flight.
func (c *Controller) Shutdown() error {
	stopErr := c.StopStreaming()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rt == nil {
		return stopErr
	}
	if c.state == StateSnapping {
		return errors.Join(stopErr, ErrBusy)
	}
	err := c.rt.Shutdown()
	c.rt = nil
	c.toIdleLocked()

	c.bufMu.Lock()
	c.buffers = nil
	c.bufMu.Unlock()

	c.log.Info().Msg("Acquisition runtime shut down")
	if err != nil {
		return errors.Join(stopErr, driverErr("shutdown", err))
	}
	return stopErr
}

// Channels returns the number of channels the host receives per event
func (c *Controller) Channels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return 0
	}
	if c.session.MultiChannel {
		return len(c.session.Cameras)
	}
	return 1
}

// Image returns a copy of a channel's image buffer. In single channel mode
// channel 0 is the current camera.
func (c *Controller) Image(channel int) (*ImageBuffer, error) {
	c.mu.Lock()
	s := c.session
	idx := channel
	if s != nil && !s.MultiChannel {
		if channel != 0 {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
		}
		idx = s.CurrentCamera
	}
	c.mu.Unlock()

	if s == nil {
		return nil, ErrNotConfigured
	}

	c.bufMu.RLock()
	defer c.bufMu.RUnlock()
	if idx < 0 || idx >= len(c.buffers) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	return c.buffers[idx].Clone(), nil
}

// LastSnap returns the metadata of the frames captured by the last Snap
func (c *Controller) LastSnap() []FrameMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]FrameMetadata(nil), c.lastSnap...)
}

// GenerateSyntheticImage fills a channel's image buffer with a constant
// level, for testing display paths without a camera
func (c *Controller) GenerateSyntheticImage(channel int, level byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkConfiguredLocked(); err != nil {
		return err
	}

	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	if channel < 0 || channel >= len(c.buffers) {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	c.buffers[channel].Fill(level)
	return nil
}

// Status returns a snapshot of the controller
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{State: c.state.String()}
	if c.session != nil {
		s := *c.session
		st.Session = &s
		st.Channels = 1
		if s.MultiChannel {
			st.Channels = len(s.Cameras)
		}
	}
	if c.poller != nil {
		st.Capturing = c.poller.active()
		st.Delivered = c.poller.delivered.Load()
		if _, err := c.poller.finished(); err != nil {
			st.LastError = err.Error()
		}
	} else {
		st.Delivered = c.delivered
		if c.lastErr != nil {
			st.LastError = c.lastErr.Error()
		}
	}
	if c.sync != nil {
		st.Missed = c.sync.Missed()
	}
	if c.sink != nil {
		st.Overflows = c.sink.Overflows()
	}
	st.SnapFrames = append([]FrameMetadata(nil), c.lastSnap...)

	c.bufMu.RLock()
	if len(c.buffers) > 0 {
		st.Width = c.buffers[0].Width()
		st.Height = c.buffers[0].Height()
		st.Depth = c.buffers[0].Depth()
	}
	c.bufMu.RUnlock()
	return st
}

package capture

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/AcquireStreamer/internal/driver"
	"github.com/bryanchriswhite/AcquireStreamer/internal/driver/sim"
)

// countingRuntime counts Configure calls reaching the runtime
type countingRuntime struct {
	driver.Runtime
	mu         sync.Mutex
	configures int
}

func (r *countingRuntime) Configure(props *driver.Properties) error {
	r.mu.Lock()
	r.configures++
	r.mu.Unlock()
	return r.Runtime.Configure(props)
}

func (r *countingRuntime) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configures
}

func newTestController(t *testing.T, opts sim.Options, host Host) (*Controller, *sim.Runtime) {
	t.Helper()

	var rt *sim.Runtime
	c, err := New(func(rep driver.Reporter) (driver.Runtime, error) {
		rt = sim.New(opts, rep)
		return rt, nil
	}, host, Options{RetryInterval: time.Millisecond, MaxRetries: 5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Shutdown() })
	return c, rt
}

func generatorOptions() sim.Options {
	o := manualOptions()
	o.FrameInterval = time.Millisecond
	return o
}

func dualSettings() Settings {
	return Settings{Camera1: sim.CameraRadialSin, Camera2: sim.CameraUniformRandom}
}

func TestConfigureRejectsInvalidSelectionBeforeDriver(t *testing.T) {
	counter := &countingRuntime{}
	c, err := New(func(rep driver.Reporter) (driver.Runtime, error) {
		counter.Runtime = sim.New(manualOptions(), rep)
		return counter, nil
	}, newRecordingHost(10), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Shutdown()

	tests := []struct {
		name string
		s    Settings
	}{
		{"mixed simulated and real", Settings{Camera1: sim.CameraRadialSin, Camera2: "Hamamatsu C15440"}},
		{"duplicate", Settings{Camera1: sim.CameraRadialSin, Camera2: sim.CameraRadialSin}},
		{"camera 1 none", Settings{Camera1: CameraNone, Camera2: sim.CameraRadialSin}},
		{"camera 1 empty", Settings{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Configure(tt.s); !errors.Is(err, ErrInvalidCameraSelection) {
				t.Errorf("Configure = %v, want ErrInvalidCameraSelection", err)
			}
		})
	}

	if n := counter.count(); n != 0 {
		t.Errorf("runtime configured %d times, want 0", n)
	}
	if c.State() != StateIdle {
		t.Errorf("State = %s, want idle", c.State())
	}
}

func TestConfigureAllocatesBuffers(t *testing.T) {
	c, _ := newTestController(t, manualOptions(), newRecordingHost(10))

	if err := c.Configure(dualSettings()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	st := c.Status()
	if st.State != "configured" || st.Channels != 2 {
		t.Errorf("status = %+v, want configured with 2 channels", st)
	}
	if st.Width != testWidth || st.Height != testHeight || st.Depth != 1 {
		t.Errorf("geometry = %dx%dx%d, want %dx%dx1", st.Width, st.Height, st.Depth, testWidth, testHeight)
	}
	if s := c.Session(); s == nil || s.ID == "" || !s.Dual || !s.MultiChannel {
		t.Errorf("session = %+v", s)
	}

	if err := c.SetBinning(2); err != nil {
		t.Fatalf("SetBinning: %v", err)
	}
	st = c.Status()
	if st.Width != testWidth/2 || st.Height != testHeight/2 {
		t.Errorf("binned geometry = %dx%d, want %dx%d", st.Width, st.Height, testWidth/2, testHeight/2)
	}

	if err := c.SetPixelType(PixelType16Bit); err != nil {
		t.Fatalf("SetPixelType: %v", err)
	}
	if d := c.Status().Depth; d != 2 {
		t.Errorf("Depth = %d, want 2", d)
	}
}

func TestSnap(t *testing.T) {
	c, rt := newTestController(t, manualOptions(), newRecordingHost(10))

	if err := c.Snap(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Snap before Configure = %v, want ErrNotConfigured", err)
	}
	if err := c.Configure(dualSettings()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	rt.SetNextFrameID(0, 7)
	rt.SetNextFrameID(1, 7)
	rt.Inject(0, 1)
	rt.Inject(1, 1)

	if err := c.Snap(); err != nil {
		t.Fatalf("Snap: %v", err)
	}
	md := c.LastSnap()
	if len(md) != 2 || md[0].FrameID != 7 || md[1].Camera != sim.CameraUniformRandom {
		t.Errorf("LastSnap = %+v", md)
	}
	for ch := 0; ch < 2; ch++ {
		img, err := c.Image(ch)
		if err != nil {
			t.Fatalf("Image(%d): %v", ch, err)
		}
		if img.Len() != testWidth*testHeight {
			t.Errorf("Image(%d) has %d bytes", ch, img.Len())
		}
		if got := rt.Stats(ch).BytesUnmapped; got != frameStride(1) {
			t.Errorf("stream %d unmapped %d bytes, want one frame", ch, got)
		}
	}
	if _, err := c.Image(2); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("Image(2) = %v, want ErrInvalidChannel", err)
	}
	if c.State() != StateConfigured || rt.Running() {
		t.Error("snap should leave the controller configured and the runtime stopped")
	}
}

func TestSnapTimeout(t *testing.T) {
	c, rt := newTestController(t, manualOptions(), newRecordingHost(10))
	if err := c.Configure(Settings{Camera1: sim.CameraEmpty}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	if err := c.Snap(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Snap = %v, want ErrTimeout", err)
	}
	if st := rt.Stats(0); st.BytesUnmapped != 0 {
		t.Errorf("unmapped %d bytes, want 0", st.BytesUnmapped)
	}
	if c.State() != StateConfigured {
		t.Errorf("State = %s, want configured", c.State())
	}
	if c.StreamError() == nil || c.Status().LastError == "" {
		t.Error("the timeout should be recorded as the last error")
	}
}

func TestStreamingReachesTarget(t *testing.T) {
	host := newRecordingHost(100)
	c, rt := newTestController(t, generatorOptions(), host)
	if err := c.Configure(dualSettings()); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	if err := c.StartStreaming(5, 0, false); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return !c.IsCapturing() })

	if st := c.Status(); st.Delivered != 5 || st.LastError != "" {
		t.Errorf("status = %+v, want 5 delivered without error", st)
	}
	images, _ := host.snapshot()
	if len(images) != 10 {
		t.Errorf("host received %d images, want 10", len(images))
	}
	if host.prepares != 1 {
		t.Errorf("PrepareForAcquisition called %d times, want 1", host.prepares)
	}

	if err := c.StopStreaming(); err != nil {
		t.Fatalf("StopStreaming: %v", err)
	}
	if st := c.Status(); st.Delivered != 5 || st.Capturing {
		t.Errorf("status after stop = %+v, want 5 delivered", st)
	}

	// finished episodes are reaped by the next state checked call
	if err := c.Configure(dualSettings()); err != nil {
		t.Fatalf("Configure after finished acquisition: %v", err)
	}
	if rt.Running() {
		t.Error("runtime should be stopped")
	}
}

func TestStreamingUntilStopped(t *testing.T) {
	c, rt := newTestController(t, generatorOptions(), newRecordingHost(1000))
	if err := c.Configure(dualSettings()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := c.StartStreaming(0, time.Millisecond, false); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}

	if err := c.Snap(); !errors.Is(err, ErrBusy) {
		t.Errorf("Snap while streaming = %v, want ErrBusy", err)
	}
	if err := c.Configure(dualSettings()); !errors.Is(err, ErrBusy) {
		t.Errorf("Configure while streaming = %v, want ErrBusy", err)
	}
	if err := c.StartStreaming(0, 0, false); !errors.Is(err, ErrBusy) {
		t.Errorf("second StartStreaming = %v, want ErrBusy", err)
	}

	waitFor(t, 5*time.Second, func() bool { return c.Status().Delivered >= 3 })

	start := time.Now()
	if err := c.StopStreaming(); err != nil {
		t.Fatalf("StopStreaming: %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("StopStreaming took %v", d)
	}
	if c.IsCapturing() || rt.Running() || c.State() != StateConfigured {
		t.Error("acquisition should be fully stopped")
	}
	if err := c.StopStreaming(); err != nil {
		t.Errorf("second StopStreaming = %v, want nil", err)
	}
}

func TestStreamingDeliveredKeptAfterStop(t *testing.T) {
	c, _ := newTestController(t, generatorOptions(), newRecordingHost(100))
	if err := c.Configure(dualSettings()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := c.StartStreaming(3, 0, false); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return !c.IsCapturing() })

	if err := c.StopStreaming(); err != nil {
		t.Fatalf("StopStreaming: %v", err)
	}
	if got := c.Status().Delivered; got != 3 {
		t.Errorf("Delivered = %d, want 3", got)
	}

	// configuring a new session forgets the last acquisition
	if err := c.Configure(dualSettings()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if got := c.Status().Delivered; got != 0 {
		t.Errorf("Delivered after Configure = %d, want 0", got)
	}
}

func TestAbort(t *testing.T) {
	c, rt := newTestController(t, generatorOptions(), newRecordingHost(1000))
	if err := c.Configure(dualSettings()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := c.StartStreaming(0, time.Millisecond, false); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return c.Status().Delivered >= 2 })

	if err := c.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if rt.Running() {
		t.Error("runtime should be halted by Abort")
	}
	waitFor(t, 5*time.Second, func() bool { return !c.IsCapturing() })

	for idx := 0; idx < 2; idx++ {
		data, err := rt.MapRead(idx)
		if err != nil {
			t.Fatalf("MapRead(%d): %v", idx, err)
		}
		if len(data) != 0 {
			t.Errorf("stream %d holds %d bytes after Abort, want 0", idx, len(data))
		}
		if err := rt.UnmapRead(idx, 0); err != nil {
			t.Fatalf("UnmapRead(%d): %v", idx, err)
		}
	}

	if err := c.StopStreaming(); err != nil {
		t.Errorf("StopStreaming after Abort = %v", err)
	}
	if c.State() != StateConfigured {
		t.Errorf("State = %s, want configured", c.State())
	}

	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := c.Abort(); !errors.Is(err, ErrDriverUnavailable) {
		t.Errorf("Abort after Shutdown = %v, want ErrDriverUnavailable", err)
	}
}

func TestShutdownWhileSnapping(t *testing.T) {
	c, err := New(sim.Open(manualOptions()), newRecordingHost(10), Options{RetryInterval: 5 * time.Millisecond, MaxRetries: 100})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Shutdown() })
	if err := c.Configure(Settings{Camera1: sim.CameraEmpty}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	snapErr := make(chan error, 1)
	go func() { snapErr <- c.Snap() }()
	waitFor(t, 5*time.Second, func() bool { return c.State() == StateSnapping })

	if err := c.Shutdown(); !errors.Is(err, ErrBusy) {
		t.Errorf("Shutdown while snapping = %v, want ErrBusy", err)
	}
	if err := <-snapErr; !errors.Is(err, ErrTimeout) {
		t.Errorf("Snap = %v, want ErrTimeout", err)
	}
	if c.State() != StateConfigured {
		t.Errorf("State = %s, want configured", c.State())
	}
	if err := c.Shutdown(); err != nil {
		t.Errorf("Shutdown = %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("State = %s, want idle", c.State())
	}
}

func TestStreamingStopOnOverflow(t *testing.T) {
	c, _ := newTestController(t, generatorOptions(), newRecordingHost(1))
	if err := c.Configure(dualSettings()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := c.StartStreaming(0, 0, true); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return !c.IsCapturing() })

	if err := c.StreamError(); !errors.Is(err, ErrBufferOverflow) {
		t.Errorf("StreamError = %v, want ErrBufferOverflow", err)
	}
	if st := c.Status(); st.Overflows != 1 || st.LastError == "" {
		t.Errorf("status = %+v, want one overflow and an error", st)
	}
	if err := c.StopStreaming(); err != nil {
		t.Errorf("StopStreaming = %v", err)
	}
	if c.State() != StateConfigured {
		t.Errorf("State = %s, want configured", c.State())
	}
}

func TestSingleChannelDeliversCurrentCamera(t *testing.T) {
	host := newRecordingHost(100)
	c, rt := newTestController(t, manualOptions(), host)
	multi := false
	s := dualSettings()
	s.MultiChannel = &multi
	if err := c.Configure(s); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := c.SetCurrentCamera(sim.CameraUniformRandom); err != nil {
		t.Fatalf("SetCurrentCamera: %v", err)
	}
	if c.Channels() != 1 {
		t.Errorf("Channels = %d, want 1", c.Channels())
	}

	rt.Inject(0, 3)
	rt.Inject(1, 3)
	if err := c.StartStreaming(3, 0, false); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return !c.IsCapturing() })

	images, _ := host.snapshot()
	if len(images) != 3 {
		t.Fatalf("host received %d images, want 3", len(images))
	}
	for _, md := range images {
		if md.Camera != sim.CameraUniformRandom {
			t.Errorf("delivered %q, want the current camera", md.Camera)
		}
	}
	if _, err := c.Image(1); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("Image(1) = %v, want ErrInvalidChannel", err)
	}
	if err := c.SetCurrentCamera(sim.CameraEmpty); !errors.Is(err, ErrInvalidCameraSelection) {
		t.Errorf("SetCurrentCamera(inactive) = %v", err)
	}
}

func TestStartFailure(t *testing.T) {
	c, rt := newTestController(t, manualOptions(), newRecordingHost(10))
	if err := c.Configure(dualSettings()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	rt.FailStart(errors.New("camera unplugged"))

	if err := c.StartStreaming(0, 0, false); !errors.Is(err, ErrDriver) {
		t.Errorf("StartStreaming = %v, want ErrDriver", err)
	}
	if err := c.Snap(); !errors.Is(err, ErrDriver) {
		t.Errorf("Snap = %v, want ErrDriver", err)
	}
	if c.State() != StateConfigured {
		t.Errorf("State = %s, want configured", c.State())
	}
}

func TestDriverUnavailable(t *testing.T) {
	_, err := New(func(driver.Reporter) (driver.Runtime, error) {
		return nil, errors.New("no runtime")
	}, newRecordingHost(1), Options{})
	if !errors.Is(err, ErrDriverUnavailable) {
		t.Errorf("New = %v, want ErrDriverUnavailable", err)
	}

	c, _ := newTestController(t, manualOptions(), newRecordingHost(1))
	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := c.Configure(dualSettings()); !errors.Is(err, ErrDriverUnavailable) {
		t.Errorf("Configure = %v, want ErrDriverUnavailable", err)
	}
	if err := c.Snap(); !errors.Is(err, ErrDriverUnavailable) {
		t.Errorf("Snap = %v, want ErrDriverUnavailable", err)
	}
}

func TestGenerateSyntheticImage(t *testing.T) {
	c, _ := newTestController(t, manualOptions(), newRecordingHost(1))
	if err := c.GenerateSyntheticImage(0, 9); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("GenerateSyntheticImage = %v, want ErrNotConfigured", err)
	}
	if err := c.Configure(Settings{Camera1: sim.CameraEmpty}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := c.GenerateSyntheticImage(0, 9); err != nil {
		t.Fatalf("GenerateSyntheticImage: %v", err)
	}
	img, _ := c.Image(0)
	if img.Pixels()[img.Len()-1] != 9 {
		t.Error("buffer not filled")
	}
}

func TestProperties(t *testing.T) {
	c, _ := newTestController(t, manualOptions(), newRecordingHost(1))

	if v, err := c.GetProperty(PropName); err != nil || v != DeviceName {
		t.Errorf("Name = %q, %v", v, err)
	}
	if err := c.SetProperty(PropName, "other"); err == nil {
		t.Error("Name should be read-only")
	}
	if err := c.SetProperty(PropCamera1, "no such camera"); err == nil {
		t.Error("unknown camera should be rejected")
	}
	if _, err := c.GetProperty("Gain"); err == nil {
		t.Error("unknown property should fail")
	}

	// idle: settings are only stored
	if err := c.SetProperty(PropCamera1, sim.CameraEmpty); err != nil {
		t.Fatalf("set Camera-1: %v", err)
	}
	if c.Settings().Camera1 != sim.CameraEmpty || c.State() != StateIdle {
		t.Error("idle property set should store the setting only")
	}
	if v, _ := c.GetProperty(PropCamera2); v != CameraNone {
		t.Errorf("Camera-2 = %q, want None", v)
	}

	if err := c.Configure(c.Settings()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := c.SetProperty(PropBinning, "4"); err != nil {
		t.Fatalf("set Binning: %v", err)
	}
	if w := c.Status().Width; w != testWidth/4 {
		t.Errorf("Width = %d, want %d", w, testWidth/4)
	}
	if err := c.SetProperty(PropBinning, "3"); err == nil {
		t.Error("binning 3 should be rejected")
	}
	if err := c.SetProperty(PropExposure, "12.5"); err != nil {
		t.Fatalf("set Exposure: %v", err)
	}
	if v, _ := c.GetProperty(PropExposure); v != "12.5" {
		t.Errorf("Exposure = %q", v)
	}

	props := c.Properties()
	for i := 1; i < len(props); i++ {
		if props[i-1].Name > props[i].Name {
			t.Fatalf("properties not sorted: %s before %s", props[i-1].Name, props[i].Name)
		}
	}
}

func TestSettingsDefaults(t *testing.T) {
	s := Settings{Camera1: "a", CurrentCamera: 1}.withDefaults()
	if s.ExposureMs != DefaultExposureMs || s.Binning != 1 || s.PixelType != PixelType8Bit {
		t.Errorf("defaults = %+v", s)
	}
	if s.CurrentCamera != 0 {
		t.Error("current camera must be 0 without a second camera")
	}
	if s.IsMultiChannel() {
		t.Error("single camera is never multi channel")
	}
	if !dualSettings().IsMultiChannel() {
		t.Error("dual defaults to multi channel")
	}
	if err := ValidateCameraSelection("real A", "real B"); err != nil {
		t.Errorf("two real cameras: %v", err)
	}
}

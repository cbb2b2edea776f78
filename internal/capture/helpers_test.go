package capture

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/AcquireStreamer/internal/driver"
	"github.com/bryanchriswhite/AcquireStreamer/internal/driver/sim"
)

const (
	testWidth  = 8
	testHeight = 4
)

// manualOptions disables the frame generator so tests inject frames
func manualOptions() sim.Options {
	return sim.Options{Width: testWidth, Height: testHeight, RingFrames: 16}
}

// configuredSim returns a simulated runtime with one or two cameras set up
// for 8 bit frames of the full sensor shape
func configuredSim(t *testing.T, dual bool) *sim.Runtime {
	t.Helper()

	rt := sim.New(manualOptions(), nil)
	var props driver.Properties
	cams := []string{sim.CameraRadialSin, sim.CameraUniformRandom}
	n := 1
	if dual {
		n = 2
	}
	for i := 0; i < n; i++ {
		props.Video[i].Camera.Identifier = driver.DeviceIdentifier{Kind: driver.DeviceKindCamera, Name: cams[i]}
		props.Video[i].Camera.Settings = driver.CameraSettings{
			Binning:   1,
			PixelType: driver.SampleTypeU8,
			Shape:     driver.Size2{X: testWidth, Y: testHeight},
		}
		props.Video[i].MaxFrameCount = driver.MaxFrameCountUnbounded
	}
	if err := rt.Configure(&props); err != nil {
		t.Fatalf("configure sim: %v", err)
	}
	t.Cleanup(func() { rt.Shutdown() })
	return rt
}

// frameStride returns the ring buffer stride of one test frame
func frameStride(depth int) uint64 {
	payload := make([]byte, testWidth*testHeight*depth)
	return uint64(len(driver.EncodeFrame(driver.FrameHeader{Width: testWidth, Height: testHeight}, payload)))
}

func fastReader(rt driver.Runtime) *StreamReader {
	return NewStreamReader(rt, time.Millisecond, 5)
}

// recordingHost is an in-memory Host with a fixed capacity
type recordingHost struct {
	mu       sync.Mutex
	capacity int
	images   []FrameMetadata
	pixels   [][]byte
	clears   int
	prepares int
	failWith error
}

func newRecordingHost(capacity int) *recordingHost {
	return &recordingHost{capacity: capacity}
}

func (h *recordingHost) PrepareForAcquisition(owner string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prepares++
	return nil
}

func (h *recordingHost) InsertImage(owner string, pixels []byte, width, height, depth, components int, md FrameMetadata) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failWith != nil {
		return h.failWith
	}
	if len(h.images) >= h.capacity {
		return fmt.Errorf("%w: full", ErrBufferOverflow)
	}
	h.images = append(h.images, md)
	h.pixels = append(h.pixels, append([]byte(nil), pixels...))
	return nil
}

func (h *recordingHost) ClearImageBuffer(owner string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clears++
	h.images = nil
	h.pixels = nil
	return nil
}

func (h *recordingHost) snapshot() ([]FrameMetadata, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]FrameMetadata(nil), h.images...), h.clears
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

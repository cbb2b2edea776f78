package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/AcquireStreamer/internal/capture"
	"github.com/bryanchriswhite/AcquireStreamer/internal/config"
	"github.com/bryanchriswhite/AcquireStreamer/internal/driver/sim"
	"github.com/bryanchriswhite/AcquireStreamer/internal/host"
	"github.com/gorilla/websocket"
)

type fixture struct {
	srv    *Server
	ctrl   *capture.Controller
	buffer *host.CircularBuffer
	cfg    *config.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	buffer := host.NewCircularBuffer(256)
	opts := sim.Options{FrameInterval: time.Millisecond, Width: 16, Height: 8, RingFrames: 32}
	ctrl, err := capture.New(sim.Open(opts), buffer, capture.Options{RetryInterval: time.Millisecond, MaxRetries: 200})
	if err != nil {
		t.Fatalf("capture.New: %v", err)
	}
	t.Cleanup(func() { ctrl.Shutdown() })

	cfg, err := config.NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("config.NewManager: %v", err)
	}
	return &fixture{srv: NewServer(ctrl, buffer, cfg, nil), ctrl: ctrl, buffer: buffer, cfg: cfg}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func dual() capture.Settings {
	return capture.Settings{Camera1: sim.CameraRadialSin, Camera2: sim.CameraUniformRandom}
}

func TestHealthAndDevices(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/api/health", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), Version) {
		t.Errorf("health = %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, "GET", "/api/devices", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), sim.CameraEmpty) {
		t.Errorf("devices = %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, "OPTIONS", "/api/status", nil)
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS headers missing")
	}
}

func TestErrorStatusCodes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/snap", nil)
	if rec.Code != http.StatusPreconditionFailed {
		t.Errorf("snap before configure = %d, want 412", rec.Code)
	}

	bad := capture.Settings{Camera1: sim.CameraRadialSin, Camera2: sim.CameraRadialSin}
	rec = f.do(t, "POST", "/api/configure", bad)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("duplicate camera = %d, want 400", rec.Code)
	}

	tests := []struct {
		err  error
		want int
	}{
		{capture.ErrBusy, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", capture.ErrTimeout), http.StatusGatewayTimeout},
		{capture.ErrDriverUnavailable, http.StatusServiceUnavailable},
		{capture.ErrUnknownPixelType, http.StatusBadRequest},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestConfigureSnapImage(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/api/configure?persist=true", dual())
	if rec.Code != http.StatusOK {
		t.Fatalf("configure = %d %s", rec.Code, rec.Body)
	}
	var st capture.Status
	json.NewDecoder(rec.Body).Decode(&st)
	if st.Channels != 2 || st.Width != 16 {
		t.Errorf("status = %+v", st)
	}
	if f.cfg.Get().Camera2 != sim.CameraUniformRandom {
		t.Error("persist=true should store the settings")
	}

	rec = f.do(t, "POST", "/api/snap", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("snap = %d %s", rec.Code, rec.Body)
	}
	var md []capture.FrameMetadata
	json.NewDecoder(rec.Body).Decode(&md)
	if len(md) != 2 {
		t.Errorf("snap metadata = %+v", md)
	}

	rec = f.do(t, "GET", "/api/snap/1.png", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("snap image = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("png: %v", err)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 8 {
		t.Errorf("image bounds = %v", img.Bounds())
	}

	if rec := f.do(t, "GET", "/api/snap/5.png", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing channel = %d, want 400", rec.Code)
	}
}

func TestAcquisitionLifecycle(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, "POST", "/api/configure", dual()); rec.Code != http.StatusOK {
		t.Fatalf("configure = %d", rec.Code)
	}

	rec := f.do(t, "POST", "/api/acquisition", map[string]any{"num_images": 0})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start = %d %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, "POST", "/api/snap", nil); rec.Code != http.StatusConflict {
		t.Errorf("snap while streaming = %d, want 409", rec.Code)
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.buffer.Stats().Inserted < 4 {
		if time.Now().After(deadline) {
			t.Fatal("no frames delivered")
		}
		time.Sleep(time.Millisecond)
	}

	rec = f.do(t, "DELETE", "/api/acquisition", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop = %d %s", rec.Code, rec.Body)
	}
	var st capture.Status
	json.NewDecoder(rec.Body).Decode(&st)
	if st.State != "configured" || st.Capturing {
		t.Errorf("status after stop = %+v", st)
	}
}

func TestProperties(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/api/properties/Name", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), capture.DeviceName) {
		t.Errorf("get Name = %d %s", rec.Code, rec.Body)
	}
	if rec := f.do(t, "GET", "/api/properties/Gain", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown property = %d, want 404", rec.Code)
	}
	if rec := f.do(t, "PUT", "/api/properties/Name", map[string]string{"value": "x"}); rec.Code != http.StatusBadRequest {
		t.Errorf("read-only set = %d, want 400", rec.Code)
	}
	if rec := f.do(t, "PUT", "/api/properties/Exposure", map[string]string{"value": "7"}); rec.Code != http.StatusOK {
		t.Errorf("set Exposure = %d %s", rec.Code, rec.Body)
	}
	if f.ctrl.Settings().ExposureMs != 7 {
		t.Error("exposure not applied")
	}

	var props []capture.PropertyInfo
	json.NewDecoder(f.do(t, "GET", "/api/properties", nil).Body).Decode(&props)
	if len(props) != 8 {
		t.Errorf("listed %d properties, want 8", len(props))
	}
}

func TestConfigEndpoints(t *testing.T) {
	f := newFixture(t)

	var cfg config.Config
	json.NewDecoder(f.do(t, "GET", "/api/config", nil).Body).Decode(&cfg)
	if cfg.ServerPort != 8080 {
		t.Fatalf("config = %+v", cfg)
	}

	cfg.IntervalMs = 50
	if rec := f.do(t, "PUT", "/api/config", cfg); rec.Code != http.StatusOK {
		t.Fatalf("update = %d %s", rec.Code, rec.Body)
	}
	if f.cfg.Get().IntervalMs != 50 {
		t.Error("config not updated")
	}

	cfg.Binning = 3
	if rec := f.do(t, "PUT", "/api/config", cfg); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid update = %d, want 400", rec.Code)
	}
}

func TestFrameStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/frames/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// the subscription is registered after the upgrade completes, so keep
	// inserting until the client reads one
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				f.buffer.ClearImageBuffer("test")
				f.buffer.InsertImage("test", make([]byte, 4), 2, 2, 1, 1, capture.FrameMetadata{FrameID: 11})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var md capture.FrameMetadata
	if err := conn.ReadJSON(&md); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if md.FrameID != 11 {
		t.Errorf("FrameID = %d, want 11", md.FrameID)
	}
}

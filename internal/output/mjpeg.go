package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/AcquireStreamer/internal/logger"
	"github.com/rs/zerolog"
)

// MJPEGOutput streams preview frames as Motion JPEG over HTTP
type MJPEGOutput struct {
	config  Config
	running bool
	mu      sync.RWMutex
	log     *zerolog.Logger

	lastUpdate atomic.Int64

	// Connected clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	frameCount atomic.Uint64
	startTime  time.Time
}

// Stats describes the stream for the stats endpoint
type Stats struct {
	Running    bool    `json:"running"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	TargetFPS  int     `json:"target_fps"`
	ActualFPS  float64 `json:"actual_fps"`
	Frames     uint64  `json:"frames"`
	Clients    int     `json:"clients"`
	LastUpdate string  `json:"last_update,omitempty"`
	Uptime     string  `json:"uptime,omitempty"`
}

// NewMJPEGOutput creates a new MJPEG stream output
func NewMJPEGOutput(config Config) *MJPEGOutput {
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = jpeg.DefaultQuality
	}
	return &MJPEGOutput{
		config:  config,
		clients: make(map[chan []byte]struct{}),
		log:     logger.WithComponent("mjpeg"),
	}
}

// Start marks the output running. The HTTP handler is mounted separately.
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}

	m.running = true
	m.startTime = time.Now()
	m.frameCount.Store(0)

	m.log.Info().
		Int("width", m.config.Width).
		Int("height", m.config.Height).
		Int("fps", m.config.FPS).
		Msg("Output started")
	return nil
}

// Stop closes every client connection
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	m.log.Info().Uint64("frames", m.frameCount.Load()).Msg("Output stopped")
	return nil
}

// WriteFrame encodes frame once and sends it to every client. Slow clients
// skip frames.
func (m *MJPEGOutput) WriteFrame(frame image.Image) error {
	if !m.IsRunning() {
		return fmt.Errorf("MJPEG output not running")
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, frame, &jpeg.Options{Quality: m.config.Quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	m.lastUpdate.Store(time.Now().UnixNano())
	m.frameCount.Add(1)

	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
		}
	}
	m.clientsMu.RUnlock()

	return nil
}

func (m *MJPEGOutput) Name() string {
	return "MJPEG HTTP Stream"
}

func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Clients returns the number of connected stream clients
func (m *MJPEGOutput) Clients() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// GetHTTPHandler returns the multipart stream handler
func (m *MJPEGOutput) GetHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		frameChan := make(chan []byte, 2)

		m.clientsMu.Lock()
		m.clients[frameChan] = struct{}{}
		clientCount := len(m.clients)
		m.clientsMu.Unlock()
		m.log.Info().Int("clients", clientCount).Msg("Client connected")

		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, frameChan)
			clientCount := len(m.clients)
			m.clientsMu.Unlock()
			m.log.Info().Int("clients", clientCount).Msg("Client disconnected")
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok := <-frameChan:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
					return
				}
				if _, err := w.Write(jpegData); err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
					return
				}
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			}
		}
	}
}

// Stats returns a snapshot of the stream statistics
func (m *MJPEGOutput) Stats() Stats {
	m.mu.RLock()
	running := m.running
	startTime := m.startTime
	m.mu.RUnlock()

	frames := m.frameCount.Load()
	st := Stats{
		Running:   running,
		Width:     m.config.Width,
		Height:    m.config.Height,
		TargetFPS: m.config.FPS,
		Frames:    frames,
		Clients:   m.Clients(),
	}
	if running && !startTime.IsZero() {
		if elapsed := time.Since(startTime).Seconds(); elapsed > 0 {
			st.ActualFPS = float64(frames) / elapsed
		}
		st.Uptime = time.Since(startTime).Round(time.Second).String()
	}
	if ns := m.lastUpdate.Load(); ns != 0 {
		st.LastUpdate = time.Since(time.Unix(0, ns)).Round(time.Millisecond).String() + " ago"
	}
	return st
}

// GetStatsHandler returns the stream statistics as JSON
func (m *MJPEGOutput) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Stats())
	}
}

// GetViewerHandler returns a page showing the live preview and status
func (m *MJPEGOutput) GetViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(viewerHTML))
	}
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>AcquireStreamer</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body { background: #000; color: #ccc; font-family: system-ui, sans-serif; min-height: 100vh; }
        img { width: 100vw; height: calc(100vh - 32px); object-fit: contain; display: block; }
        #status { height: 32px; padding: 8px 14px; font-size: 13px; background: #1e1e1e; font-family: monospace; }
    </style>
</head>
<body>
    <img src="/stream" alt="AcquireStreamer preview">
    <div id="status">connecting...</div>
    <script>
        const status = document.getElementById('status');
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/frames/stream');
        ws.onmessage = (ev) => {
            const md = JSON.parse(ev.data);
            status.textContent = md.channel_name + '  frame ' + md.frame_id + '  ' + md.camera;
        };
        ws.onclose = () => { status.textContent = 'disconnected'; };
    </script>
</body>
</html>`

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/bryanchriswhite/AcquireStreamer/internal/capture"
	"github.com/bryanchriswhite/AcquireStreamer/internal/config"
	"github.com/bryanchriswhite/AcquireStreamer/internal/host"
	"github.com/bryanchriswhite/AcquireStreamer/internal/logger"
	"github.com/bryanchriswhite/AcquireStreamer/internal/output"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	ctrl      *capture.Controller
	buffer    *host.CircularBuffer
	configMgr *config.Manager
	mjpeg     *output.MJPEGOutput
	upgrader  websocket.Upgrader
	log       *zerolog.Logger
}

// NewServer creates a new API server. configMgr and mjpeg may be nil.
func NewServer(ctrl *capture.Controller, buffer *host.CircularBuffer, configMgr *config.Manager, mjpeg *output.MJPEGOutput) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		ctrl:      ctrl,
		buffer:    buffer,
		configMgr: configMgr,
		mjpeg:     mjpeg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logger.WithComponent("api"),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/devices", s.handleDevices).Methods("GET")

	// Acquisition
	api.HandleFunc("/configure", s.handleConfigure).Methods("POST")
	api.HandleFunc("/snap", s.handleSnap).Methods("POST")
	api.HandleFunc("/snap/{channel:[0-9]+}.png", s.handleSnapImage).Methods("GET")
	api.HandleFunc("/acquisition", s.handleStartAcquisition).Methods("POST")
	api.HandleFunc("/acquisition", s.handleStopAcquisition).Methods("DELETE")
	api.HandleFunc("/abort", s.handleAbort).Methods("POST")

	// Properties
	api.HandleFunc("/properties", s.handleGetProperties).Methods("GET")
	api.HandleFunc("/properties/{name}", s.handleGetProperty).Methods("GET")
	api.HandleFunc("/properties/{name}", s.handleSetProperty).Methods("PUT")

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleUpdateConfig).Methods("PUT")

	api.HandleFunc("/frames/stream", s.handleFrameStream)

	if s.mjpeg != nil {
		s.router.HandleFunc("/stream", s.mjpeg.GetHTTPHandler())
		s.router.HandleFunc("/stats", s.mjpeg.GetStatsHandler())
		s.router.HandleFunc("/", s.mjpeg.GetViewerHandler())
	}
}

// Handler returns the routed handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until ctx is cancelled
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", "http://localhost"+srv.Addr).Msg("Starting server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusFor maps controller errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, capture.ErrInvalidCameraSelection),
		errors.Is(err, capture.ErrUnknownPixelType),
		errors.Is(err, capture.ErrInvalidChannel):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, capture.ErrNotConfigured):
		return http.StatusPreconditionFailed
	case errors.Is(err, capture.ErrDriverUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Controller capture.Status `json:"controller"`
		Buffer     host.Stats     `json:"buffer"`
	}{s.ctrl.Status(), s.buffer.Stats()})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.ctrl.Devices()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var settings capture.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.ctrl.Configure(settings); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.configMgr != nil && r.URL.Query().Get("persist") == "true" {
		if err := s.configMgr.SetCaptureSettings(s.ctrl.Settings()); err != nil {
			s.log.Warn().Err(err).Msg("Failed to persist settings")
		}
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleSnap(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Snap(); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.LastSnap())
}

func (s *Server) handleSnapImage(w http.ResponseWriter, r *http.Request) {
	channel, err := strconv.Atoi(mux.Vars(r)["channel"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	buf, err := s.ctrl.Image(channel)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	img, err := output.BufferImage(buf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode snap image")
	}
}

type acquisitionRequest struct {
	NumImages      int64 `json:"num_images"`
	IntervalMs     *int  `json:"interval_ms,omitempty"`
	StopOnOverflow *bool `json:"stop_on_overflow,omitempty"`
}

func (s *Server) handleStartAcquisition(w http.ResponseWriter, r *http.Request) {
	var req acquisitionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	var interval time.Duration
	var stopOnOverflow bool
	if s.configMgr != nil {
		cfg := s.configMgr.Get()
		interval = cfg.Interval()
		stopOnOverflow = cfg.StopOnOverflow
	}
	if req.IntervalMs != nil {
		interval = time.Duration(*req.IntervalMs) * time.Millisecond
	}
	if req.StopOnOverflow != nil {
		stopOnOverflow = *req.StopOnOverflow
	}

	if err := s.ctrl.StartStreaming(req.NumImages, interval, stopOnOverflow); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Status())
}

func (s *Server) handleStopAcquisition(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StopStreaming(); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Abort(); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) handleGetProperties(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Properties())
}

func (s *Server) handleGetProperty(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	value, err := s.ctrl.GetProperty(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "value": value})
}

func (s *Server) handleSetProperty(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	name := mux.Vars(r)["name"]
	if err := s.ctrl.SetProperty(name, req.Value); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeSuccess(w)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		http.Error(w, "configuration not available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		http.Error(w, "configuration not available", http.StatusNotFound)
		return
	}

	var cfg config.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.configMgr.Update(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeSuccess(w)
}

// handleFrameStream pushes the metadata of every image inserted into the host
// buffer over a websocket
func (s *Server) handleFrameStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	updates := s.buffer.Subscribe()
	defer s.buffer.Unsubscribe(updates)

	// reader detects the client closing
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case img, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(img.Metadata); err != nil {
				s.log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}

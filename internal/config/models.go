package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/AcquireStreamer/internal/capture"
	"github.com/bryanchriswhite/AcquireStreamer/internal/driver/sim"
	"github.com/bryanchriswhite/AcquireStreamer/internal/logger"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. ACQUIRESTREAMER_SERVER_PORT
const EnvPrefix = "ACQUIRESTREAMER"

// PreviewConfig controls the MJPEG preview
type PreviewConfig struct {
	Width   int `json:"width" yaml:"width" mapstructure:"width"`
	Height  int `json:"height" yaml:"height" mapstructure:"height"`
	FPS     int `json:"fps" yaml:"fps" mapstructure:"fps"`
	Quality int `json:"quality" yaml:"quality" mapstructure:"quality"`
	// Overlay stamps the channel and frame id onto preview frames
	Overlay bool `json:"overlay" yaml:"overlay" mapstructure:"overlay"`
}

// SimulatorConfig controls the simulated runtime
type SimulatorConfig struct {
	FrameIntervalMs int `json:"frame_interval_ms" yaml:"frame_interval_ms" mapstructure:"frame_interval_ms"`
	Width           int `json:"width" yaml:"width" mapstructure:"width"`
	Height          int `json:"height" yaml:"height" mapstructure:"height"`
	RingFrames      int `json:"ring_frames" yaml:"ring_frames" mapstructure:"ring_frames"`
}

// Config represents the application configuration
type Config struct {
	// Camera selection and acquisition settings
	Camera1       string  `json:"camera_1" yaml:"camera_1" mapstructure:"camera_1"`
	Camera2       string  `json:"camera_2" yaml:"camera_2" mapstructure:"camera_2"`
	ExposureMs    float64 `json:"exposure_ms" yaml:"exposure_ms" mapstructure:"exposure_ms"`
	Binning       int     `json:"binning" yaml:"binning" mapstructure:"binning"`
	PixelType     string  `json:"pixel_type" yaml:"pixel_type" mapstructure:"pixel_type"`
	MultiChannel  *bool   `json:"multi_channel,omitempty" yaml:"multi_channel,omitempty" mapstructure:"multi_channel"`
	CurrentCamera int     `json:"current_camera" yaml:"current_camera" mapstructure:"current_camera"`

	// Streaming
	StopOnOverflow  bool `json:"stop_on_overflow" yaml:"stop_on_overflow" mapstructure:"stop_on_overflow"`
	IntervalMs      int  `json:"interval_ms" yaml:"interval_ms" mapstructure:"interval_ms"`
	BufferCapacity  int  `json:"buffer_capacity" yaml:"buffer_capacity" mapstructure:"buffer_capacity"`
	RetryIntervalMs int  `json:"retry_interval_ms" yaml:"retry_interval_ms" mapstructure:"retry_interval_ms"`
	MaxRetries      int  `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`

	ServerPort int    `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel   string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`

	Preview   PreviewConfig   `json:"preview" yaml:"preview" mapstructure:"preview"`
	Simulator SimulatorConfig `json:"simulator" yaml:"simulator" mapstructure:"simulator"`
}

// Defaults returns the configuration written on first run
func Defaults() *Config {
	return &Config{
		Camera1:         sim.CameraRadialSin,
		Camera2:         sim.CameraUniformRandom,
		ExposureMs:      capture.DefaultExposureMs,
		Binning:         1,
		PixelType:       string(capture.PixelType8Bit),
		IntervalMs:      0,
		BufferCapacity:  64,
		RetryIntervalMs: int(capture.DefaultRetryInterval / time.Millisecond),
		MaxRetries:      capture.DefaultMaxRetries,
		ServerPort:      8080,
		LogLevel:        "info",
		Preview: PreviewConfig{
			Width:   640,
			Height:  480,
			FPS:     10,
			Quality: 80,
			Overlay: true,
		},
		Simulator: SimulatorConfig{
			FrameIntervalMs: 10,
			Width:           320,
			Height:          240,
			RingFrames:      64,
		},
	}
}

// Validate checks values that would otherwise fail later at configure time
func (c *Config) Validate() error {
	var errs []error
	if _, err := capture.ParsePixelType(c.PixelType); err != nil {
		errs = append(errs, err)
	}
	if !slices.Contains(capture.AllowedBinning, c.Binning) {
		errs = append(errs, fmt.Errorf("unsupported binning %d", c.Binning))
	}
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port %d", c.ServerPort))
	}
	if !slices.Contains(LogLevels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.LogLevel))
	}
	if c.BufferCapacity <= 0 {
		errs = append(errs, fmt.Errorf("invalid buffer capacity %d", c.BufferCapacity))
	}
	return errors.Join(errs...)
}

// LogLevels are the accepted log_level values
var LogLevels = []string{"debug", "info", "warn", "error"}

// CaptureSettings converts the camera section into controller settings
func (c *Config) CaptureSettings() capture.Settings {
	return capture.Settings{
		Camera1:       c.Camera1,
		Camera2:       c.Camera2,
		ExposureMs:    c.ExposureMs,
		Binning:       c.Binning,
		PixelType:     capture.PixelType(c.PixelType),
		MultiChannel:  c.MultiChannel,
		CurrentCamera: c.CurrentCamera,
	}
}

// ControllerOptions returns the retry policy of the controller
func (c *Config) ControllerOptions() capture.Options {
	return capture.Options{
		RetryInterval: time.Duration(c.RetryIntervalMs) * time.Millisecond,
		MaxRetries:    c.MaxRetries,
	}
}

// Interval is the minimum time between streaming polls
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// SimulatorOptions returns the simulated runtime settings
func (c *Config) SimulatorOptions() sim.Options {
	opts := sim.DefaultOptions()
	if c.Simulator.FrameIntervalMs > 0 {
		opts.FrameInterval = time.Duration(c.Simulator.FrameIntervalMs) * time.Millisecond
	}
	if c.Simulator.Width > 0 {
		opts.Width = uint32(c.Simulator.Width)
	}
	if c.Simulator.Height > 0 {
		opts.Height = uint32(c.Simulator.Height)
	}
	if c.Simulator.RingFrames > 0 {
		opts.RingFrames = c.Simulator.RingFrames
	}
	return opts
}

// Manager handles configuration
type Manager struct {
	configPath string
	v          *viper.Viper
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/acquirestreamer/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "acquirestreamer", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty. A missing
// file is created with the defaults.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Defaults())

	m := &Manager{configPath: path, v: v}

	log := logger.WithComponent("config")
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		log.Info().Str("path", path).Msg("Config not found, creating defaults")
		if err := m.reload(); err != nil {
			return nil, err
		}
		if err := m.Save(); err != nil {
			return nil, err
		}
		return m, nil
	}

	if err := m.reload(); err != nil {
		return nil, err
	}
	log.Debug().Str("path", path).Msg("Config loaded")
	return m, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("camera_1", d.Camera1)
	v.SetDefault("camera_2", d.Camera2)
	v.SetDefault("exposure_ms", d.ExposureMs)
	v.SetDefault("binning", d.Binning)
	v.SetDefault("pixel_type", d.PixelType)
	v.SetDefault("current_camera", d.CurrentCamera)
	v.SetDefault("stop_on_overflow", d.StopOnOverflow)
	v.SetDefault("interval_ms", d.IntervalMs)
	v.SetDefault("buffer_capacity", d.BufferCapacity)
	v.SetDefault("retry_interval_ms", d.RetryIntervalMs)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("server_port", d.ServerPort)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("preview.width", d.Preview.Width)
	v.SetDefault("preview.height", d.Preview.Height)
	v.SetDefault("preview.fps", d.Preview.FPS)
	v.SetDefault("preview.quality", d.Preview.Quality)
	v.SetDefault("preview.overlay", d.Preview.Overlay)
	v.SetDefault("simulator.frame_interval_ms", d.Simulator.FrameIntervalMs)
	v.SetDefault("simulator.width", d.Simulator.Width)
	v.SetDefault("simulator.height", d.Simulator.Height)
	v.SetDefault("simulator.ring_frames", d.Simulator.RingFrames)
}

// reload rebuilds the typed config from viper's merged view
func (m *Manager) reload() error {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return nil
}

// GetViper exposes the underlying viper instance for key based access
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	if m.config.MultiChannel != nil {
		mc := *m.config.MultiChannel
		cfg.MultiChannel = &mc
	}
	return &cfg
}

// Save writes the current viper state to disk
func (m *Manager) Save() error {
	if err := m.reload(); err != nil {
		return err
	}
	cfg := m.Get()
	log := logger.WithComponent("config")

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		log.Error().Err(err).Str("path", m.configPath).Msg("Failed to write config")
		return err
	}

	log.Info().Str("path", m.configPath).Msg("Config saved")
	return nil
}

// Update replaces the configuration and saves it
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to flatten config: %w", err)
	}
	for k, val := range values {
		m.v.Set(k, val)
	}
	if cfg.MultiChannel == nil {
		m.v.Set("multi_channel", nil)
	}
	return m.Save()
}

// SetCaptureSettings stores the camera section of the configuration
func (m *Manager) SetCaptureSettings(s capture.Settings) error {
	cfg := m.Get()
	cfg.Camera1 = s.Camera1
	cfg.Camera2 = s.Camera2
	cfg.ExposureMs = s.ExposureMs
	cfg.Binning = s.Binning
	cfg.PixelType = string(s.PixelType)
	cfg.MultiChannel = s.MultiChannel
	cfg.CurrentCamera = s.CurrentCamera
	return m.Update(cfg)
}

// GetPort gets the server port
func (m *Manager) GetPort() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.ServerPort
}

// GetLogLevel gets the log level
func (m *Manager) GetLogLevel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.LogLevel
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

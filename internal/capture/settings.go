package capture

import (
	"fmt"
	"slices"
	"strings"
)

// CameraNone is the camera selection meaning "no camera"
const CameraNone = "None"

// DefaultExposureMs is applied when Settings.ExposureMs is unset
const DefaultExposureMs = 20.0

// AllowedBinning lists the supported binning factors
var AllowedBinning = []int{1, 2, 4}

// Settings selects the cameras and acquisition parameters applied by Configure
type Settings struct {
	Camera1       string    `json:"camera_1" yaml:"camera_1"`
	Camera2       string    `json:"camera_2" yaml:"camera_2"`
	ExposureMs    float64   `json:"exposure_ms" yaml:"exposure_ms"`
	Binning       int       `json:"binning" yaml:"binning"`
	PixelType     PixelType `json:"pixel_type" yaml:"pixel_type"`
	MultiChannel  *bool     `json:"multi_channel,omitempty" yaml:"multi_channel,omitempty"`
	CurrentCamera int       `json:"current_camera" yaml:"current_camera"`
}

// Dual reports whether a second camera is selected
func (s Settings) Dual() bool {
	return !isNone(s.Camera2)
}

// Cameras returns the selected camera per channel
func (s Settings) Cameras() []string {
	if s.Dual() {
		return []string{s.Camera1, s.Camera2}
	}
	return []string{s.Camera1}
}

// IsMultiChannel reports whether both cameras are delivered as channels of
// one acquisition event. It defaults to true in dual mode.
func (s Settings) IsMultiChannel() bool {
	if !s.Dual() {
		return false
	}
	if s.MultiChannel != nil {
		return *s.MultiChannel
	}
	return true
}

func (s Settings) withDefaults() Settings {
	if s.ExposureMs <= 0 {
		s.ExposureMs = DefaultExposureMs
	}
	if s.Binning == 0 {
		s.Binning = 1
	}
	if s.PixelType == "" {
		s.PixelType = PixelType8Bit
	}
	if s.CurrentCamera < 0 || (s.CurrentCamera > 0 && !s.Dual()) {
		s.CurrentCamera = 0
	}
	if s.CurrentCamera > 1 {
		s.CurrentCamera = 1
	}
	return s
}

func (s Settings) validate() error {
	if err := ValidateCameraSelection(s.Camera1, s.Camera2); err != nil {
		return err
	}
	if _, err := s.PixelType.SampleType(); err != nil {
		return err
	}
	if !slices.Contains(AllowedBinning, s.Binning) {
		return fmt.Errorf("unsupported binning %d", s.Binning)
	}
	return nil
}

// ValidateCameraSelection checks that camera 1 is selected, that the two
// cameras differ, and that simulated cameras are not mixed with real ones.
func ValidateCameraSelection(camera1, camera2 string) error {
	if isNone(camera1) {
		return fmt.Errorf("%w: camera 1 not selected", ErrInvalidCameraSelection)
	}
	if camera1 == camera2 {
		return fmt.Errorf("%w: camera %q selected twice", ErrInvalidCameraSelection, camera1)
	}
	if !isNone(camera2) && isSimulated(camera1) != isSimulated(camera2) {
		return fmt.Errorf("%w: cannot mix simulated and real cameras", ErrInvalidCameraSelection)
	}
	return nil
}

func isNone(name string) bool {
	return name == "" || name == CameraNone
}

func isSimulated(name string) bool {
	return strings.HasPrefix(name, "simulated")
}

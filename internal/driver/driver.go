// Package driver defines the boundary to the external acquisition runtime.
//
// The runtime owns the cameras and one ring buffer per video stream. Callers
// configure it with a Properties value, start it, and then borrow ranges of
// captured frames with MapRead, handing them back with UnmapRead.
package driver

import (
	"errors"
	"fmt"
	"math"
)

// MaxStreams is the number of video streams a runtime exposes
const MaxStreams = 2

// MaxFrameCountUnbounded asks the runtime to acquire until stopped
const MaxFrameCountUnbounded uint64 = math.MaxUint64

// ErrNotFound is returned by DeviceManager.Select for unknown devices
var ErrNotFound = errors.New("device not found")

// DeviceKind identifies the class of a device
type DeviceKind int

const (
	DeviceKindNone DeviceKind = iota
	DeviceKindCamera
	DeviceKindStorage
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceKindCamera:
		return "camera"
	case DeviceKindStorage:
		return "storage"
	default:
		return "none"
	}
}

// DeviceIdentifier names one device known to the runtime
type DeviceIdentifier struct {
	Kind DeviceKind `json:"kind"`
	Name string     `json:"name"`
}

// IsZero reports whether no device was selected
func (d DeviceIdentifier) IsZero() bool {
	return d.Kind == DeviceKindNone && d.Name == ""
}

// SampleType is the pixel encoding produced by a camera
type SampleType uint8

const (
	SampleTypeU8 SampleType = iota
	SampleTypeU16
)

// BytesPerPixel returns the pixel depth for the sample type
func (t SampleType) BytesPerPixel() int {
	return int(t) + 1
}

func (t SampleType) String() string {
	switch t {
	case SampleTypeU8:
		return "u8"
	case SampleTypeU16:
		return "u16"
	default:
		return fmt.Sprintf("sample(%d)", uint8(t))
	}
}

// Supported pixel type bits reported in CameraMetadata.SupportedPixelTypes
const (
	SupportsU8  uint64 = 1 << SampleTypeU8
	SupportsU16 uint64 = 1 << SampleTypeU16
)

// Size2 is a two dimensional extent in pixels
type Size2 struct {
	X uint32 `json:"x"`
	Y uint32 `json:"y"`
}

// CameraSettings are the per-camera acquisition parameters
type CameraSettings struct {
	ExposureTimeUs float32    `json:"exposure_time_us"`
	Binning        uint8      `json:"binning"`
	PixelType      SampleType `json:"pixel_type"`
	Shape          Size2      `json:"shape"`
	Offset         Size2      `json:"offset"`
}

// Camera selects a camera device and its settings
type Camera struct {
	Identifier DeviceIdentifier `json:"identifier"`
	Settings   CameraSettings   `json:"settings"`
}

// Storage selects the storage device frames are written to
type Storage struct {
	Identifier DeviceIdentifier `json:"identifier"`
}

// VideoStream is the configuration of one video stream
type VideoStream struct {
	Camera        Camera  `json:"camera"`
	Storage       Storage `json:"storage"`
	MaxFrameCount uint64  `json:"max_frame_count"`
}

// Properties is the full runtime configuration
type Properties struct {
	Video [MaxStreams]VideoStream `json:"video"`
}

// Range is an inclusive numeric range
type Range struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// ShapeMetadata describes the allowed frame geometry
type ShapeMetadata struct {
	X Range `json:"x"`
	Y Range `json:"y"`
}

// CameraMetadata describes what a configured camera supports
type CameraMetadata struct {
	Shape               ShapeMetadata `json:"shape"`
	SupportedPixelTypes uint64        `json:"supported_pixel_types"`
}

// VideoMetadata is the per-stream configuration metadata
type VideoMetadata struct {
	Camera CameraMetadata `json:"camera"`
}

// PropertyMetadata is returned by Runtime.ConfigurationMetadata
type PropertyMetadata struct {
	Video [MaxStreams]VideoMetadata `json:"video"`
}

// Report is a diagnostic message emitted by the runtime
type Report struct {
	IsError  bool
	File     string
	Line     int
	Function string
	Message  string
}

func (r Report) String() string {
	prefix := ""
	if r.IsError {
		prefix = "ERROR "
	}
	return fmt.Sprintf("%s%s(%d) - %s: %s", prefix, r.File, r.Line, r.Function, r.Message)
}

// Reporter receives runtime diagnostics. It is bound at Open time so that no
// process-wide state is needed to route reports back to their owner.
type Reporter func(Report)

// Opener initializes a runtime
type Opener func(reporter Reporter) (Runtime, error)

// DeviceManager enumerates and selects devices
type DeviceManager interface {
	Count() int
	Get(index int) (DeviceIdentifier, error)
	Select(kind DeviceKind, name string) (DeviceIdentifier, error)
}

// Runtime is the acquisition runtime capability interface
type Runtime interface {
	Devices() DeviceManager

	// Configure applies props. The runtime may adjust props to the values it
	// actually accepted.
	Configure(props *Properties) error
	Configuration() (Properties, error)
	ConfigurationMetadata() (PropertyMetadata, error)

	Start() error
	Stop() error
	Abort() error

	// MapRead returns the unread frames of a stream. The returned slice is
	// owned by the runtime and is only valid until the matching UnmapRead.
	MapRead(stream int) ([]byte, error)
	// UnmapRead releases a mapped range, consuming the first n bytes.
	UnmapRead(stream int, n uint64) error

	Shutdown() error
}

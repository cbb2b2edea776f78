package capture

import (
	"fmt"
	"slices"
	"sort"
	"strconv"

	"github.com/bryanchriswhite/AcquireStreamer/internal/driver"
)

// Device identity exposed through the read-only properties
const (
	DeviceName        = "AcquireStreamer"
	DeviceDescription = "Acquires simultaneously from two cameras"
)

// Property names
const (
	PropName          = "Name"
	PropDescription   = "Description"
	PropCamera1       = "Camera-1"
	PropCamera2       = "Camera-2"
	PropCurrentCamera = "CurrentCamera"
	PropBinning       = "Binning"
	PropPixelType     = "PixelType"
	PropExposure      = "Exposure"
)

// Property is one named, string valued setting of the controller
type Property struct {
	Name     string
	ReadOnly bool
	Allowed  func() []string
	Get      func() (string, error)
	Set      func(string) error
}

// PropertyInfo is a display snapshot of a property
type PropertyInfo struct {
	Name     string   `json:"name"`
	Value    string   `json:"value"`
	ReadOnly bool     `json:"read_only"`
	Allowed  []string `json:"allowed,omitempty"`
}

func (c *Controller) buildProperties() map[string]*Property {
	props := []*Property{
		{
			Name:     PropName,
			ReadOnly: true,
			Get:      func() (string, error) { return DeviceName, nil },
		},
		{
			Name:     PropDescription,
			ReadOnly: true,
			Get:      func() (string, error) { return DeviceDescription, nil },
		},
		{
			Name:    PropCamera1,
			Allowed: c.cameraNames,
			Get:     func() (string, error) { return c.Settings().Camera1, nil },
			Set: func(v string) error {
				return c.updateSettings(func(s *Settings) { s.Camera1 = v })
			},
		},
		{
			Name:    PropCamera2,
			Allowed: c.cameraNames,
			Get: func() (string, error) {
				if cam := c.Settings().Camera2; !isNone(cam) {
					return cam, nil
				}
				return CameraNone, nil
			},
			Set: func(v string) error {
				return c.updateSettings(func(s *Settings) { s.Camera2 = v })
			},
		},
		{
			Name:    PropCurrentCamera,
			Allowed: func() []string { return c.Settings().Cameras() },
			Get: func() (string, error) {
				s := c.Settings()
				return s.Cameras()[min(s.CurrentCamera, len(s.Cameras())-1)], nil
			},
			Set: c.SetCurrentCamera,
		},
		{
			Name:    PropBinning,
			Allowed: func() []string { return intStrings(AllowedBinning) },
			Get:     func() (string, error) { return strconv.Itoa(c.Settings().Binning), nil },
			Set: func(v string) error {
				bin, err := strconv.Atoi(v)
				if err != nil {
					return fmt.Errorf("binning %q: %w", v, err)
				}
				return c.SetBinning(bin)
			},
		},
		{
			Name:    PropPixelType,
			Allowed: c.pixelTypeNames,
			Get:     func() (string, error) { return string(c.Settings().PixelType), nil },
			Set: func(v string) error {
				pt, err := ParsePixelType(v)
				if err != nil {
					return err
				}
				return c.SetPixelType(pt)
			},
		},
		{
			Name: PropExposure,
			Get: func() (string, error) {
				return strconv.FormatFloat(c.Settings().ExposureMs, 'f', -1, 64), nil
			},
			Set: func(v string) error {
				ms, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return fmt.Errorf("exposure %q: %w", v, err)
				}
				return c.SetExposure(ms)
			},
		},
	}

	m := make(map[string]*Property, len(props))
	for _, p := range props {
		m[p.Name] = p
	}
	return m
}

func intStrings(v []int) []string {
	out := make([]string, len(v))
	for i, n := range v {
		out[i] = strconv.Itoa(n)
	}
	return out
}

func (c *Controller) cameraNames() []string {
	names, err := c.Cameras()
	if err != nil {
		return []string{CameraNone}
	}
	return names
}

func (c *Controller) pixelTypeNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	supported := driver.SupportsU8 | driver.SupportsU16
	if c.rt != nil && c.state != StateIdle {
		if meta, err := c.rt.ConfigurationMetadata(); err == nil && meta.Video[0].Camera.SupportedPixelTypes != 0 {
			supported = meta.Video[0].Camera.SupportedPixelTypes
		}
	}
	var out []string
	if supported&driver.SupportsU8 != 0 {
		out = append(out, string(PixelType8Bit))
	}
	if supported&driver.SupportsU16 != 0 {
		out = append(out, string(PixelType16Bit))
	}
	return out
}

// Properties lists every property sorted by name
func (c *Controller) Properties() []PropertyInfo {
	names := make([]string, 0, len(c.props))
	for name := range c.props {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]PropertyInfo, 0, len(names))
	for _, name := range names {
		p := c.props[name]
		info := PropertyInfo{Name: p.Name, ReadOnly: p.ReadOnly}
		if v, err := p.Get(); err == nil {
			info.Value = v
		}
		if p.Allowed != nil {
			info.Allowed = p.Allowed()
		}
		out = append(out, info)
	}
	return out
}

// GetProperty returns the value of a named property
func (c *Controller) GetProperty(name string) (string, error) {
	p, ok := c.props[name]
	if !ok {
		return "", fmt.Errorf("unknown property %q", name)
	}
	return p.Get()
}

// SetProperty sets a named property. Values outside the allowed set are
// rejected.
func (c *Controller) SetProperty(name, value string) error {
	p, ok := c.props[name]
	if !ok {
		return fmt.Errorf("unknown property %q", name)
	}
	if p.ReadOnly || p.Set == nil {
		return fmt.Errorf("property %q is read-only", name)
	}
	if p.Allowed != nil {
		if allowed := p.Allowed(); len(allowed) > 0 && !slices.Contains(allowed, value) {
			return fmt.Errorf("property %q: value %q not in %v", name, value, allowed)
		}
	}
	return p.Set(value)
}

// updateSettings edits the requested settings and reconfigures when the
// controller is already configured
func (c *Controller) updateSettings(edit func(*Settings)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIdleLocked(); err != nil {
		return err
	}
	s := c.settings
	edit(&s)
	if c.state == StateIdle {
		c.settings = s
		return nil
	}
	return c.configureLocked(s)
}

// SetBinning changes the binning factor. The frame shape is reset to the
// largest the cameras allow at that binning and the image buffers follow.
func (c *Controller) SetBinning(binning int) error {
	if !slices.Contains(AllowedBinning, binning) {
		return fmt.Errorf("unsupported binning %d", binning)
	}
	return c.reconfigure(
		func(s *Settings) { s.Binning = binning },
		func(cam *driver.CameraSettings, meta driver.PropertyMetadata, stream int) {
			cam.Binning = uint8(binning)
			cam.Offset = driver.Size2{}
			cam.Shape = maxShape(meta, stream, binning)
		},
		true,
	)
}

// SetPixelType changes the sample type of every active camera
func (c *Controller) SetPixelType(pt PixelType) error {
	sample, err := pt.SampleType()
	if err != nil {
		return err
	}
	return c.reconfigure(
		func(s *Settings) { s.PixelType = pt },
		func(cam *driver.CameraSettings, _ driver.PropertyMetadata, _ int) {
			cam.PixelType = sample
		},
		true,
	)
}

// SetExposure changes the exposure time of every active camera
func (c *Controller) SetExposure(ms float64) error {
	if ms <= 0 {
		return fmt.Errorf("invalid exposure %gms", ms)
	}
	return c.reconfigure(
		func(s *Settings) { s.ExposureMs = ms },
		func(cam *driver.CameraSettings, _ driver.PropertyMetadata, _ int) {
			cam.ExposureTimeUs = float32(ms * 1000)
		},
		false,
	)
}

// SetCurrentCamera selects, by name, the camera delivered in single channel
// mode. It takes effect for the next acquisition.
func (c *Controller) SetCurrentCamera(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIdleLocked(); err != nil {
		return err
	}
	idx := slices.Index(c.settings.Cameras(), name)
	if idx < 0 {
		return fmt.Errorf("%w: %q is not an active camera", ErrInvalidCameraSelection, name)
	}
	c.settings.CurrentCamera = idx
	if c.session != nil {
		c.session.CurrentCamera = idx
	}
	return nil
}

// reconfigure applies a settings change. In the idle state only the requested
// settings are updated; otherwise the runtime is reconfigured in place and,
// when realloc is set, the image buffers are resized to the new geometry.
func (c *Controller) reconfigure(edit func(*Settings), apply func(*driver.CameraSettings, driver.PropertyMetadata, int), realloc bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rt == nil {
		return ErrDriverUnavailable
	}
	if err := c.checkIdleLocked(); err != nil {
		return err
	}
	s := c.settings
	edit(&s)
	if c.state == StateIdle {
		c.settings = s
		return nil
	}

	props, err := c.rt.Configuration()
	if err != nil {
		return driverErr("get_configuration", err)
	}
	meta, err := c.rt.ConfigurationMetadata()
	if err != nil {
		return driverErr("get_configuration_metadata", err)
	}
	streams := len(c.session.Cameras)
	for i := 0; i < streams; i++ {
		apply(&props.Video[i].Camera.Settings, meta, i)
	}
	if err := c.rt.Configure(&props); err != nil {
		return driverErr("configure", err)
	}
	if realloc {
		if err := c.allocateBuffersLocked(streams); err != nil {
			return err
		}
	}
	c.settings = s
	return nil
}

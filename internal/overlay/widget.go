// Package overlay annotates preview frames with acquisition details.
package overlay

import (
	"image"
	"image/color"

	"github.com/bryanchriswhite/AcquireStreamer/internal/capture"
)

// Widget draws onto a preview frame
type Widget interface {
	ID() string

	// Render draws the widget for the frame described by md
	Render(dst *image.RGBA, md capture.FrameMetadata) error

	IsEnabled() bool
	SetEnabled(enabled bool)
}

// BaseWidget holds the placement shared by all widgets
type BaseWidget struct {
	id      string
	enabled bool
	x       int
	y       int
	opacity float64
}

// NewBaseWidget creates an enabled widget at x, y
func NewBaseWidget(id string, x, y int, opacity float64) *BaseWidget {
	w := &BaseWidget{id: id, enabled: true, x: x, y: y}
	w.SetOpacity(opacity)
	return w
}

func (w *BaseWidget) ID() string              { return w.id }
func (w *BaseWidget) IsEnabled() bool         { return w.enabled }
func (w *BaseWidget) SetEnabled(enabled bool) { w.enabled = enabled }
func (w *BaseWidget) Position() (int, int)    { return w.x, w.y }
func (w *BaseWidget) SetPosition(x, y int)    { w.x, w.y = x, y }

// SetOpacity clamps opacity to [0, 1]
func (w *BaseWidget) SetOpacity(opacity float64) {
	w.opacity = min(max(opacity, 0), 1)
}

// BlendImage composites src onto dst at x, y scaled by opacity, clipping to
// dst's bounds
func BlendImage(dst *image.RGBA, src image.Image, x, y int, opacity float64) {
	sb := src.Bounds()
	db := dst.Bounds()

	for sy := sb.Min.Y; sy < sb.Max.Y; sy++ {
		dy := y + sy - sb.Min.Y
		if dy < db.Min.Y || dy >= db.Max.Y {
			continue
		}
		for sx := sb.Min.X; sx < sb.Max.X; sx++ {
			dx := x + sx - sb.Min.X
			if dx < db.Min.X || dx >= db.Max.X {
				continue
			}

			sr, sg, sbl, sa := src.At(sx, sy).RGBA()
			alpha := float64(sa) * opacity / 0xffff
			if alpha <= 0 {
				continue
			}
			dr, dg, dbl, _ := dst.At(dx, dy).RGBA()
			mix := func(s, d uint32) uint8 {
				return uint8((float64(s)*opacity + float64(d)*(1-alpha)) / 0x101)
			}
			dst.SetRGBA(dx, dy, color.RGBA{R: mix(sr, dr), G: mix(sg, dg), B: mix(sbl, dbl), A: 0xff})
		}
	}
}

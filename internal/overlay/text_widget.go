package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/bryanchriswhite/AcquireStreamer/internal/capture"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// TextFunc produces the text shown for a frame
type TextFunc func(md capture.FrameMetadata) string

// TextWidget draws one line of text over an optional background box
type TextWidget struct {
	*BaseWidget
	text      TextFunc
	textColor color.RGBA
	bgColor   *color.RGBA
	padding   int
}

// NewTextWidget creates a widget showing fixed text
func NewTextWidget(id string, x, y int, text string) *TextWidget {
	return NewDynamicTextWidget(id, x, y, func(capture.FrameMetadata) string { return text })
}

// NewDynamicTextWidget creates a widget whose text follows the frame
func NewDynamicTextWidget(id string, x, y int, text TextFunc) *TextWidget {
	return &TextWidget{
		BaseWidget: NewBaseWidget(id, x, y, 1),
		text:       text,
		textColor:  color.RGBA{0xff, 0xff, 0xff, 0xff},
		padding:    3,
	}
}

// NewFrameInfoWidget shows the channel, camera and frame id of each frame
func NewFrameInfoWidget(id string, x, y int) *TextWidget {
	w := NewDynamicTextWidget(id, x, y, FrameInfo)
	w.SetBackground(&color.RGBA{0, 0, 0, 0xff})
	w.SetOpacity(0.7)
	return w
}

// FrameInfo formats the frame identity shown by NewFrameInfoWidget
func FrameInfo(md capture.FrameMetadata) string {
	if md.Camera == "" {
		return fmt.Sprintf("%s  frame %d", md.ChannelName, md.FrameID)
	}
	return fmt.Sprintf("%s  %s  frame %d", md.ChannelName, md.Camera, md.FrameID)
}

func (w *TextWidget) SetColor(c color.RGBA) { w.textColor = c }

// SetBackground sets the box drawn behind the text, nil for none
func (w *TextWidget) SetBackground(c *color.RGBA) { w.bgColor = c }

// Text returns the text rendered for md
func (w *TextWidget) Text(md capture.FrameMetadata) string {
	return w.text(md)
}

// Render draws the text with basicfont's 7x13 face
func (w *TextWidget) Render(dst *image.RGBA, md capture.FrameMetadata) error {
	text := w.text(md)
	if !w.enabled || text == "" {
		return nil
	}

	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil()
	width := font.MeasureString(face, text).Ceil()

	if w.bgColor != nil {
		box := image.NewRGBA(image.Rect(0, 0, width+2*w.padding, lineHeight+2*w.padding))
		draw.Draw(box, box.Bounds(), image.NewUniform(*w.bgColor), image.Point{}, draw.Src)
		BlendImage(dst, box, w.x, w.y, w.opacity)
	}

	glyphs := image.NewRGBA(image.Rect(0, 0, width, lineHeight))
	d := &font.Drawer{
		Dst:  glyphs,
		Src:  image.NewUniform(w.textColor),
		Face: face,
		Dot:  fixed.P(0, face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)
	BlendImage(dst, glyphs, w.x+w.padding, w.y+w.padding, w.opacity)
	return nil
}

package output

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"time"

	"github.com/bryanchriswhite/AcquireStreamer/internal/capture"
	"github.com/bryanchriswhite/AcquireStreamer/internal/host"
	"github.com/bryanchriswhite/AcquireStreamer/internal/logger"
	"github.com/bryanchriswhite/AcquireStreamer/internal/overlay"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
)

// Source provides the image shown by the preview
type Source interface {
	Latest() (*host.Image, bool)
}

// Preview periodically scales the latest host image and writes it to an
// output
type Preview struct {
	src    Source
	out    Output
	width  int
	height int
	period time.Duration
	labels *overlay.Manager
	log    *zerolog.Logger

	lastSeq uint64
}

// NewPreview renders into a width x height frame fps times per second
func NewPreview(src Source, out Output, cfg Config) *Preview {
	fps := cfg.FPS
	if fps <= 0 {
		fps = 10
	}
	return &Preview{
		src:    src,
		out:    out,
		width:  cfg.Width,
		height: cfg.Height,
		period: time.Second / time.Duration(fps),
		log:    logger.WithComponent("preview"),
	}
}

// SetOverlay annotates every rendered frame with the widgets of m
func (p *Preview) SetOverlay(m *overlay.Manager) {
	p.labels = m
}

// Run renders until ctx is cancelled
func (p *Preview) Run(ctx context.Context) {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Render(); err != nil {
				p.log.Debug().Err(err).Msg("Preview frame skipped")
			}
		}
	}
}

// Render writes the latest image if it changed since the previous call
func (p *Preview) Render() error {
	img, ok := p.src.Latest()
	if !ok || img.Seq == p.lastSeq {
		return nil
	}
	frame, err := ToImage(img)
	if err != nil {
		return err
	}
	p.lastSeq = img.Seq

	scaled := Scale(frame, p.width, p.height)
	if p.labels == nil || !p.labels.IsEnabled() {
		return p.out.WriteFrame(scaled)
	}
	annotated := image.NewRGBA(scaled.Bounds())
	draw.Draw(annotated, annotated.Bounds(), scaled, scaled.Bounds().Min, draw.Src)
	p.labels.Render(annotated, img.Metadata)
	return p.out.WriteFrame(annotated)
}

// ToImage wraps host pixels in a grayscale image. 16 bit samples are little
// endian.
func ToImage(img *host.Image) (image.Image, error) {
	r := image.Rect(0, 0, img.Width, img.Height)
	n := img.Width * img.Height
	switch img.Depth * img.Components {
	case 1:
		if len(img.Pixels) < n {
			return nil, fmt.Errorf("short image: %d of %d bytes", len(img.Pixels), n)
		}
		return &image.Gray{Pix: img.Pixels[:n], Stride: img.Width, Rect: r}, nil
	case 2:
		if len(img.Pixels) < 2*n {
			return nil, fmt.Errorf("short image: %d of %d bytes", len(img.Pixels), 2*n)
		}
		g := image.NewGray16(r)
		for i := 0; i < n; i++ {
			binary.BigEndian.PutUint16(g.Pix[2*i:], binary.LittleEndian.Uint16(img.Pixels[2*i:]))
		}
		return g, nil
	}
	return nil, fmt.Errorf("unsupported depth %d", img.Depth)
}

// BufferImage wraps a channel image buffer like ToImage
func BufferImage(buf *capture.ImageBuffer) (image.Image, error) {
	return ToImage(&host.Image{
		Width:      buf.Width(),
		Height:     buf.Height(),
		Depth:      buf.Depth(),
		Components: 1,
		Pixels:     buf.Pixels(),
	})
}

// Scale fits src into a width x height grayscale frame keeping its aspect
// ratio. Non-positive sizes return src unchanged.
func Scale(src image.Image, width, height int) image.Image {
	sb := src.Bounds()
	if width <= 0 || height <= 0 || sb.Empty() {
		return src
	}

	w, h := width, sb.Dy()*width/sb.Dx()
	if h > height {
		w, h = sb.Dx()*height/sb.Dy(), height
	}
	x0, y0 := (width-w)/2, (height-h)/2

	dst := image.NewGray(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, image.Rect(x0, y0, x0+w, y0+h), src, sb, draw.Src, nil)
	return dst
}

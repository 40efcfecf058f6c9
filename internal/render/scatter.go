// Package render turns expression projections and visibility masks into
// drawable points, and draws them as scatterplot images using fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"github.com/atlasmap-sc/cellview/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	Width           int
	Height          int
	PointRadius     float64
	DefaultColormap string
}

// ScatterRenderer draws point sequences to PNG.
type ScatterRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewScatterRenderer creates a new scatter renderer.
func NewScatterRenderer(cfg Config) *ScatterRenderer {
	if cfg.Width <= 0 {
		cfg.Width = 512
	}
	if cfg.Height <= 0 {
		cfg.Height = 512
	}
	if cfg.PointRadius <= 0 {
		cfg.PointRadius = 1.5
	}
	if _, ok := colormap.ByName(cfg.DefaultColormap); !ok {
		cfg.DefaultColormap = "viridis"
	}

	return &ScatterRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Width, cfg.Height)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// Size returns the default image size.
func (r *ScatterRenderer) Size() (int, int) {
	return r.config.Width, r.config.Height
}

// Colormap resolves name, falling back to the configured default.
func (r *ScatterRenderer) Colormap(name string) (colormap.Colormap, string) {
	if cmap, ok := colormap.ByName(name); ok {
		return cmap, name
	}
	cmap, _ := colormap.ByName(r.config.DefaultColormap)
	return cmap, r.config.DefaultColormap
}

// Bounds is the extent of the first two embedding coordinates.
type Bounds struct {
	MinX, MaxX, MinY, MaxY float64
}

// PointBounds computes the extent over all points, visible or not, so the
// layout does not move when filters change.
func PointBounds(points []Point) Bounds {
	b := Bounds{MinX: math.Inf(1), MaxX: math.Inf(-1), MinY: math.Inf(1), MaxY: math.Inf(-1)}
	for _, p := range points {
		x, y := xy(p)
		b.MinX = math.Min(b.MinX, x)
		b.MaxX = math.Max(b.MaxX, x)
		b.MinY = math.Min(b.MinY, y)
		b.MaxY = math.Max(b.MaxY, y)
	}
	if len(points) == 0 {
		return Bounds{}
	}
	return b
}

func xy(p Point) (float64, float64) {
	switch len(p.Coords) {
	case 0:
		return 0, 0
	case 1:
		return p.Coords[0], 0
	default:
		return p.Coords[0], p.Coords[1]
	}
}

// Render draws the visible points colored by their normalized value. Width or
// height <= 0 use the configured size.
func (r *ScatterRenderer) Render(points []Point, colormapName string, width, height int) ([]byte, error) {
	var dc *gg.Context
	if (width <= 0 || width == r.config.Width) && (height <= 0 || height == r.config.Height) {
		dc = r.contextPool.Get().(*gg.Context)
		defer r.contextPool.Put(dc)
	} else {
		if width <= 0 {
			width = r.config.Width
		}
		if height <= 0 {
			height = r.config.Height
		}
		dc = gg.NewContext(width, height)
	}

	dc.SetColor(color.White)
	dc.Clear()

	if len(points) == 0 {
		return r.encodeContext(dc)
	}

	cmap, _ := r.Colormap(colormapName)

	w := float64(dc.Width())
	h := float64(dc.Height())
	pad := r.config.PointRadius * 2
	b := PointBounds(points)
	spanX := b.MaxX - b.MinX
	spanY := b.MaxY - b.MinY
	if spanX == 0 {
		spanX = 1
	}
	if spanY == 0 {
		spanY = 1
	}
	scale := math.Min((w-2*pad)/spanX, (h-2*pad)/spanY)

	for _, p := range points {
		if !p.Visible {
			continue
		}
		x, y := xy(p)
		px := pad + (x-b.MinX)*scale
		// Flip Y so larger embedding values are drawn towards the top.
		py := h - pad - (y-b.MinY)*scale

		dc.SetColor(cmap.At(p.Color))
		dc.DrawCircle(px, py, r.config.PointRadius)
		dc.Fill()
	}

	return r.encodeContext(dc)
}

func (r *ScatterRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyImage creates a transparent image of the configured size.
func (r *ScatterRenderer) CreateEmptyImage() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, r.config.Width, r.config.Height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255   // R
		img.Pix[i+1] = 255 // G
		img.Pix[i+2] = 255 // B
		img.Pix[i+3] = 0   // A (transparent)
	}

	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Package viz writes the artifacts a training run leaves behind: side-by-side
// PNG panels of tiles, masks and predictions, the scalar log and its curves.
package viz

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/Noofbiz/stormseg/tensor"
	"github.com/Noofbiz/stormseg/training"
)

const (
	margin     = 6
	lineHeight = 15
	swatch     = 10
)

var (
	background = color.RGBA{A: 255}
	paper      = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	ink        = color.RGBA{R: 20, G: 20, B: 20, A: 255}
)

// Palette resolves a colour per class. Class 0 is black; configured hex
// colours are used as given and the rest are spread around the HCL hue
// circle.
func Palette(colors map[int]string, numClasses int) map[int]color.RGBA {
	out := make(map[int]color.RGBA, numClasses)
	out[0] = background
	for c := 1; c < numClasses; c++ {
		if hex, ok := colors[c]; ok && hex != "" {
			if col, err := colorful.Hex(hex); err == nil {
				out[c] = rgba(col)
				continue
			}
		}
		h := 360 * float64(c-1) / float64(max(numClasses-1, 1))
		out[c] = rgba(colorful.Hcl(h, 0.7, 0.65).Clamped())
	}
	return out
}

func rgba(c colorful.Color) color.RGBA {
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// Renderer draws panels to PNG files. It implements training.ImageSink.
type Renderer struct {
	// Scale enlarges every panel by an integer factor. Zero means 1.
	Scale int
	// NumClasses sizes the palette; zero derives it from the colours given.
	NumClasses int
}

var _ training.ImageSink = (*Renderer)(nil)

// SaveImage renders the panels with titles, a class legend and the window
// coordinates, and writes them to path as PNG.
func (r *Renderer) SaveImage(panels []training.Panel, path string, layout training.Layout, colors map[int]string, labels map[int]string, coords string) error {
	if len(panels) == 0 {
		return fmt.Errorf("no panels to draw")
	}
	scale := max(r.Scale, 1)
	k := r.NumClasses
	if k == 0 {
		for c := range colors {
			k = max(k, c+1)
		}
		for c := range labels {
			k = max(k, c+1)
		}
	}
	pal := Palette(colors, max(k, 2))

	tiles := make([]*image.RGBA, len(panels))
	pw, ph := 0, 0
	for i, p := range panels {
		if p.Tensor == nil || len(p.Tensor.Shape) < 3 {
			return fmt.Errorf("panel %q has no [C,H,W] tensor", p.Title)
		}
		if p.Mask {
			tiles[i] = MaskImage(p.Tensor, pal)
		} else {
			tiles[i] = TileImage(p.Tensor)
		}
		pw = max(pw, tiles[i].Bounds().Dx()*scale)
		ph = max(ph, tiles[i].Bounds().Dy()*scale)
	}

	cols := len(panels)
	if layout == training.LayoutGrid {
		cols = int(math.Ceil(math.Sqrt(float64(len(panels)))))
	}
	rows := (len(panels) + cols - 1) / cols
	cellW, cellH := pw+margin, ph+lineHeight+margin
	footer := 2 * lineHeight
	width := max(cols*cellW+margin, 160)
	height := rows*cellH + margin + footer

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(paper), image.Point{}, draw.Src)
	for i, tile := range tiles {
		x0 := margin + (i%cols)*cellW
		y0 := margin + (i/cols)*cellH
		label(canvas, x0, y0+lineHeight-3, panels[i].Title)
		dst := image.Rect(x0, y0+lineHeight, x0+tile.Bounds().Dx()*scale, y0+lineHeight+tile.Bounds().Dy()*scale)
		draw.NearestNeighbor.Scale(canvas, dst, tile, tile.Bounds(), draw.Src, nil)
	}

	// legend: one swatch per class
	ids := make([]int, 0, len(pal))
	for c := range pal {
		ids = append(ids, c)
	}
	sort.Ints(ids)
	x, y := margin, rows*cellH+margin
	for _, c := range ids {
		name := labels[c]
		if name == "" {
			if c == 0 {
				name = "background"
			} else {
				name = fmt.Sprintf("class %d", c)
			}
		}
		draw.Draw(canvas, image.Rect(x, y+2, x+swatch, y+2+swatch), image.NewUniform(pal[c]), image.Point{}, draw.Src)
		label(canvas, x+swatch+3, y+lineHeight-4, name)
		x += swatch + 3 + font.MeasureString(basicfont.Face7x13, name).Ceil() + 2*margin
	}
	label(canvas, margin, y+2*lineHeight-4, coords)

	return writePNG(path, canvas)
}

func label(dst *image.RGBA, x, y int, s string) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(ink),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func writePNG(path string, img image.Image) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// TileImage converts a raw [C,H,W] tile with values in [0, 255] to RGBA.
// Single-band tiles are drawn in grey; only the first three bands are shown.
func TileImage(t *tensor.Tensor) *image.RGBA {
	h, w := t.Height(), t.Width()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bands := make([][]float32, 3)
	for i := range bands {
		bands[i] = t.Plane(min(i, t.Channels()-1))
	}
	for y := range h {
		for x := range w {
			p := y*w + x
			img.SetRGBA(x, y, color.RGBA{
				R: byteOf(bands[0][p]),
				G: byteOf(bands[1][p]),
				B: byteOf(bands[2][p]),
				A: 255,
			})
		}
	}
	return img
}

// MaskImage colours a [1,H,W] class mask with pal. Unknown classes are
// drawn white.
func MaskImage(t *tensor.Tensor, pal map[int]color.RGBA) *image.RGBA {
	h, w := t.Height(), t.Width()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	plane := t.Plane(0)
	for y := range h {
		for x := range w {
			c, ok := pal[int(math.Round(float64(plane[y*w+x])))]
			if !ok {
				c = paper
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func byteOf(v float32) uint8 {
	switch {
	case v <= 0 || math.IsNaN(float64(v)):
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}

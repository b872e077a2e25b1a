// Package convert turns arbitrary pictures into palette images a panel can
// show: orientation, crop-to-fill, tone adjustments and quantization to the
// panel palette. Its output only ever contains exact palette colors, so it
// always satisfies epd.Pack.
package convert

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"sync"

	"github.com/MaxHalford/halfgone"
	"github.com/disintegration/imaging"

	"epdpanel/internal/epd"
)

// Rotation selects how images are turned before cropping.
type Rotation int

const (
	// RotateAuto turns images whose orientation does not match the panel by
	// 270°. Square images keep the previous decision.
	RotateAuto Rotation = iota
	Rotate0
	Rotate90
	Rotate180
	Rotate270
)

var rotationNames = map[Rotation]string{
	RotateAuto: "auto",
	Rotate0:    "0",
	Rotate90:   "90",
	Rotate180:  "180",
	Rotate270:  "270",
}

func (r Rotation) String() string {
	if s, ok := rotationNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Rotation(%d)", int(r))
}

// ParseRotation accepts "auto" (or "") and "0", "90", "180", "270".
func ParseRotation(s string) (Rotation, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return RotateAuto, nil
	}
	for r, n := range rotationNames {
		if n == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("convert: invalid rotation %q", s)
}

// Options tunes a Converter. Contrast and Saturation are percentages in
// [-100, 100] as understood by imaging; zero leaves the image untouched.
type Options struct {
	Rotate     Rotation
	Contrast   float64
	Saturation float64
	Dither     bool
}

// Converter applies Options. It remembers the last automatic rotation, so a
// single Converter should serve one panel.
type Converter struct {
	opts Options

	mu         sync.Mutex
	lastRotate bool
}

// New returns a Converter.
func New(o Options) *Converter {
	return &Converter{opts: o}
}

// Load decodes an image file, honoring the EXIF orientation tag.
func Load(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("convert: load %s: %w", path, err)
	}
	return img, nil
}

// Convert fits img to the panel and quantizes it to the panel palette.
func (c *Converter) Convert(img image.Image, p *epd.Profile) *image.Paletted {
	fitted := c.Fit(img, p.Width, p.Height)
	return Quantize(fitted, p.Palette, c.opts.Dither)
}

// Fit rotates img per the options, scales and center-crops it to exactly
// w×h, then applies the tone adjustments.
func (c *Converter) Fit(img image.Image, w, h int) *image.NRGBA {
	switch c.rotation(img.Bounds(), w, h) {
	case Rotate90:
		img = imaging.Rotate90(img)
	case Rotate180:
		img = imaging.Rotate180(img)
	case Rotate270:
		img = imaging.Rotate270(img)
	}

	out := imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos)
	if c.opts.Contrast != 0 {
		out = imaging.AdjustContrast(out, c.opts.Contrast)
	}
	if c.opts.Saturation != 0 {
		out = imaging.AdjustSaturation(out, c.opts.Saturation)
	}
	return out
}

func (c *Converter) rotation(b image.Rectangle, w, h int) Rotation {
	if c.opts.Rotate != RotateAuto {
		return c.opts.Rotate
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	panelLandscape := w >= h
	switch {
	case b.Dx() > b.Dy():
		c.lastRotate = !panelLandscape
	case b.Dx() < b.Dy():
		c.lastRotate = panelLandscape
	}
	if c.lastRotate {
		return Rotate270
	}
	return Rotate0
}

// Quantize maps img onto pal. With dither set, two-color palettes use
// halfgone's Floyd-Steinberg on luminance and larger palettes use
// image/draw's Floyd-Steinberg in RGB; otherwise each pixel takes the
// nearest palette color.
func Quantize(img image.Image, pal epd.Palette, dither bool) *image.Paletted {
	b := img.Bounds()
	dst := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), pal.Colors())

	switch {
	case dither && len(pal) == 2:
		gray := image.NewGray(dst.Rect)
		draw.Draw(gray, gray.Rect, img, b.Min, draw.Src)
		dark, light := darkLight(pal)
		out := halfgone.FloydSteinbergDitherer{}.Apply(gray)
		for y := 0; y < out.Rect.Dy(); y++ {
			for x := 0; x < out.Rect.Dx(); x++ {
				idx := light
				if out.GrayAt(out.Rect.Min.X+x, out.Rect.Min.Y+y).Y < 128 {
					idx = dark
				}
				dst.SetColorIndex(x, y, uint8(idx))
			}
		}
	case dither:
		draw.FloydSteinberg.Draw(dst, dst.Rect, img, b.Min)
	default:
		draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	}
	return dst
}

// darkLight returns the indices of the darker and lighter entry of a
// two-color palette, ranked by luma.
func darkLight(pal epd.Palette) (dark, light int) {
	if luma(pal[0]) <= luma(pal[1]) {
		return 0, 1
	}
	return 1, 0
}

// luma is the Rec. 601 perceptual brightness in [0, 255].
func luma(c color.Color) float64 {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return 0.299*float64(n.R) + 0.587*float64(n.G) + 0.114*float64(n.B)
}

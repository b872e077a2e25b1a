package epd

import (
	"fmt"
	"image"
	"image/color"
)

// PixelBuffer is one packed plane. Rows are Stride bytes long, pixels are
// packed most significant bits first, and padding bits at the end of a row
// hold index 0.
type PixelBuffer struct {
	Bytes        []byte
	Stride       int
	BitsPerPixel int
}

// Frame is a packed image ready for Driver.Display. Planes are in profile
// order: for split two-plane panels, plane 0 holds the high bits and plane 1
// the low bits of each index.
type Frame struct {
	Rect   image.Rectangle
	Planes []PixelBuffer
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int { return f.Rect.Dx() }

// Height returns the frame height in pixels.
func (f *Frame) Height() int { return f.Rect.Dy() }

// Stride returns the byte length of a row of w pixels at bpp bits each.
func Stride(w, bpp int) int {
	return (w*bpp + 7) / 8
}

// PlaneSize returns the byte length of a w×h plane at bpp bits per pixel.
// Every row is padded to a whole byte, so this equals ceil(w*h*bpp/8) only
// when w*bpp is a multiple of 8; otherwise it is larger by the row padding.
func PlaneSize(w, h, bpp int) int {
	return Stride(w, bpp) * h
}

// Pack quantizes img against the profile palette by exact color match and
// packs the indices into the profile's plane layout. Any pixel without an
// exact palette entry aborts with ErrPaletteMiss; dithering belongs upstream.
//
// The frame has the size of img, so partial-refresh frames are packed from
// the sub-image alone.
func Pack(img image.Image, p *Profile) (*Frame, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pk := newPacker(p, w, h)

	lookup := indexer(img, p.Palette)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx, ok := lookup(b.Min.X+x, b.Min.Y+y)
			if !ok {
				c := toRGB(img.At(b.Min.X+x, b.Min.Y+y))
				return nil, fmt.Errorf("epd: pixel (%d,%d) is %s: %w", b.Min.X+x, b.Min.Y+y, c, ErrPaletteMiss)
			}
			pk.set(x, y, idx)
		}
	}
	return pk.frame(), nil
}

// Fill returns a w×h frame where every pixel is c.
func Fill(p *Profile, c color.Color, w, h int) (*Frame, error) {
	idx, ok := p.Palette.Index(c)
	if !ok {
		return nil, fmt.Errorf("epd: fill color %s: %w", toRGB(c), ErrPaletteMiss)
	}
	pk := newPacker(p, w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pk.set(x, y, uint8(idx))
		}
	}
	return pk.frame(), nil
}

// Unpack is the inverse of Pack. The result uses the profile palette, so its
// Pix holds the original palette indices.
func Unpack(f *Frame, p *Profile) (*image.Paletted, error) {
	w, h := f.Width(), f.Height()
	if err := checkFrame(f, p, w, h); err != nil {
		return nil, err
	}
	out := image.NewPaletted(image.Rect(0, 0, w, h), p.Palette.Colors())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var idx uint8
			if p.PlaneCount == 2 {
				hi := bitAt(f.Planes[0], x, y, 1)
				lo := bitAt(f.Planes[1], x, y, 1)
				idx = hi<<1 | lo
			} else {
				idx = bitAt(f.Planes[0], x, y, p.BitsPerPixel)
			}
			if int(idx) >= len(p.Palette) {
				return nil, fmt.Errorf("epd: pixel (%d,%d) has index %d beyond palette: %w", x, y, idx, ErrFrame)
			}
			out.SetColorIndex(x, y, idx)
		}
	}
	return out, nil
}

// checkFrame verifies that f has the plane layout of p and is w×h.
func checkFrame(f *Frame, p *Profile, w, h int) error {
	if f == nil {
		return fmt.Errorf("epd: nil frame: %w", ErrFrame)
	}
	if f.Width() != w || f.Height() != h {
		return fmt.Errorf("epd: frame is %dx%d, want %dx%d: %w", f.Width(), f.Height(), w, h, ErrFrame)
	}
	if len(f.Planes) != p.PlaneCount {
		return fmt.Errorf("epd: frame has %d planes, want %d: %w", len(f.Planes), p.PlaneCount, ErrFrame)
	}
	bpp := p.planeBits()
	stride := Stride(w, bpp)
	for i, pl := range f.Planes {
		if pl.BitsPerPixel != bpp || pl.Stride != stride || len(pl.Bytes) != stride*h {
			return fmt.Errorf("epd: plane %d is %d bytes (%d bpp, stride %d), want %d (%d bpp, stride %d): %w",
				i, len(pl.Bytes), pl.BitsPerPixel, pl.Stride, stride*h, bpp, stride, ErrFrame)
		}
	}
	return nil
}

// packer accumulates indices into the plane layout of a profile.
type packer struct {
	split  bool
	bpp    int
	stride int
	planes []PixelBuffer
	rect   image.Rectangle
}

func newPacker(p *Profile, w, h int) *packer {
	bpp := p.planeBits()
	stride := Stride(w, bpp)
	pk := &packer{
		split:  p.PlaneCount == 2,
		bpp:    bpp,
		stride: stride,
		rect:   image.Rect(0, 0, w, h),
	}
	for i := 0; i < p.PlaneCount; i++ {
		pk.planes = append(pk.planes, PixelBuffer{
			Bytes:        make([]byte, stride*h),
			Stride:       stride,
			BitsPerPixel: bpp,
		})
	}
	return pk
}

func (pk *packer) set(x, y int, idx uint8) {
	if pk.split {
		i := y*pk.stride + x/8
		mask := byte(0x80 >> (x % 8))
		if idx&2 != 0 {
			pk.planes[0].Bytes[i] |= mask
		}
		if idx&1 != 0 {
			pk.planes[1].Bytes[i] |= mask
		}
		return
	}
	ppb := 8 / pk.bpp
	i := y*pk.stride + x/ppb
	shift := uint(8 - pk.bpp*(x%ppb+1))
	pk.planes[0].Bytes[i] |= idx << shift
}

func (pk *packer) frame() *Frame {
	return &Frame{Rect: pk.rect, Planes: pk.planes}
}

// bitAt extracts the bpp-wide value of pixel (x, y) from a plane.
func bitAt(pl PixelBuffer, x, y, bpp int) uint8 {
	ppb := 8 / bpp
	shift := uint(8 - bpp*(x%ppb+1))
	mask := byte(1<<bpp - 1)
	return (pl.Bytes[y*pl.Stride+x/ppb] >> shift) & mask
}

// indexer returns a palette lookup for the pixels of img. Paletted images
// are translated once per source palette entry instead of once per pixel.
func indexer(img image.Image, pal Palette) func(x, y int) (uint8, bool) {
	if pi, ok := img.(*image.Paletted); ok {
		table := make([]int, len(pi.Palette))
		for i, c := range pi.Palette {
			if idx, ok := pal.Index(c); ok {
				table[i] = idx
			} else {
				table[i] = -1
			}
		}
		return func(x, y int) (uint8, bool) {
			src := int(pi.ColorIndexAt(x, y))
			if src >= len(table) || table[src] < 0 {
				return 0, false
			}
			return uint8(table[src]), true
		}
	}
	return func(x, y int) (uint8, bool) {
		idx, ok := pal.Index(img.At(x, y))
		return uint8(idx), ok
	}
}

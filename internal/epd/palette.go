package epd

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// RGB is an opaque 24-bit panel color.
type RGB struct {
	R, G, B uint8
}

// RGBA implements color.Color.
func (c RGB) RGBA() (r, g, b, a uint32) {
	r = uint32(c.R) * 0x101
	g = uint32(c.G) * 0x101
	b = uint32(c.B) * 0x101
	return r, g, b, 0xFFFF
}

// String returns the color as #rrggbb.
func (c RGB) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// ParseRGB parses "#rrggbb" (the leading '#' is optional).
func ParseRGB(s string) (RGB, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) != 6 {
		return RGB{}, fmt.Errorf("epd: invalid color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return RGB{}, fmt.Errorf("epd: invalid color %q: %w", s, err)
	}
	return RGB{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
}

// toRGB drops alpha after un-premultiplying, so that an opaque color.RGBA,
// color.NRGBA or RGB with the same channels compare equal.
func toRGB(c color.Color) RGB {
	if v, ok := c.(RGB); ok {
		return v
	}
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return RGB{R: n.R, G: n.G, B: n.B}
}

// Palette is the ordered set of colors a panel can show. The position of a
// color is its index on the wire, so indices are dense by construction.
type Palette []RGB

// Index returns the index of the entry exactly equal to c.
func (p Palette) Index(c color.Color) (int, bool) {
	v := toRGB(c)
	for i, e := range p {
		if e == v {
			return i, true
		}
	}
	return 0, false
}

// Colors returns the palette in index order, ready to be handed to a
// ditherer (image/draw, image.Paletted). The result is a copy.
func (p Palette) Colors() color.Palette {
	out := make(color.Palette, len(p))
	for i, c := range p {
		out[i] = c
	}
	return out
}

// Strings returns the palette as #rrggbb strings in index order.
func (p Palette) Strings() []string {
	out := make([]string, len(p))
	for i, c := range p {
		out[i] = c.String()
	}
	return out
}

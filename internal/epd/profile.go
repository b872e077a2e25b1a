package epd

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Op is a symbolic opcode name, resolved through Profile.Opcodes.
type Op string

// Opcode names the driver itself relies on for partial refresh.
const (
	OpWindowX Op = "window_x"
	OpWindowY Op = "window_y"
	OpCursorX Op = "cursor_x"
	OpCursorY Op = "cursor_y"
)

// Command is one bus transaction: an opcode in the command phase followed by
// its parameters in the data phase. WaitIdle busy-waits after the data, and
// Delay sleeps after that.
type Command struct {
	Opcode   byte
	Data     []byte
	WaitIdle bool
	Delay    time.Duration
}

// LUT is a waveform table uploaded during initialization. Segments slice the
// table into the registers the controller expects it in.
type LUT struct {
	Table    []byte
	Segments []LUTSegment
}

// LUTSegment sends Table[Offset:Offset+Length] as the data of Opcode.
type LUTSegment struct {
	Opcode   byte
	Offset   int
	Length   int
	WaitIdle bool
}

// PlaneWrite sends frame plane Plane as the data of Op.
type PlaneWrite struct {
	Op    Op
	Plane int
}

// Trigger starts a refresh: Op with Param, then each opcode of Then without
// data, then Settle before busy-waiting.
type Trigger struct {
	Op     Op
	Param  []byte
	Then   []Op
	Settle time.Duration
}

// ModeSpec is everything mode-specific about a panel. Initialization runs
// Init, uploads LUT, then runs Post.
type ModeSpec struct {
	Init    []Command
	LUT     *LUT
	Post    []Command
	Writes  []PlaneWrite
	Refresh Trigger
}

// Addressing describes how partial-window coordinates are encoded. Values
// are written as little-endian 16-bit words masked with Mask; columns are
// shifted right by ColumnShift first (3 for controllers addressing columns in
// bytes, which then take a single byte per column value). FlipY mirrors rows
// for controllers scanning bottom-up.
type Addressing struct {
	ColumnShift uint
	Mask        uint16
	FlipY       bool
}

// Profile is the static description of one panel model. Profiles are shared
// by every driver of that model and must not be modified once built.
type Profile struct {
	Name         string
	Width        int
	Height       int
	BitsPerPixel int
	PlaneCount   int
	Palette      Palette

	Opcodes map[Op]byte
	Modes   map[Mode]ModeSpec
	Sleep   []Command

	MaxChunkBytes   int
	SupportsPartial bool
	Addressing      Addressing

	// BusyLevel is the level of the busy line while the panel is working.
	BusyLevel   gpio.Level
	ResetPulse  time.Duration
	ResetSettle time.Duration
}

// Bounds returns the panel rectangle anchored at the origin.
func (p *Profile) Bounds() image.Rectangle {
	return image.Rect(0, 0, p.Width, p.Height)
}

// Supports reports whether the profile can be initialized in mode m.
func (p *Profile) Supports(m Mode) bool {
	_, err := RefreshPlan(p, m)
	return err == nil
}

// SupportedModes returns the modes of the profile in ascending order.
func (p *Profile) SupportedModes() []Mode {
	out := make([]Mode, 0, len(p.Modes))
	for m := range p.Modes {
		if p.Supports(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// planeBits is the bit width of a single plane.
func (p *Profile) planeBits() int {
	if p.PlaneCount == 2 {
		return 1
	}
	return p.BitsPerPixel
}

// minimalBits returns the smallest supported pixel width holding n colors.
func minimalBits(n int) int {
	switch {
	case n <= 2:
		return 1
	case n <= 4:
		return 2
	default:
		return 4
	}
}

// Validate checks the profile invariants.
func (p *Profile) Validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("epd: profile %q: invalid size %dx%d", p.Name, p.Width, p.Height)
	}
	switch p.BitsPerPixel {
	case 1, 2, 4:
	default:
		return fmt.Errorf("epd: profile %q: unsupported bits per pixel %d", p.Name, p.BitsPerPixel)
	}
	switch p.PlaneCount {
	case 1:
	case 2:
		if p.BitsPerPixel != 2 {
			return fmt.Errorf("epd: profile %q: two planes require 2 bits per pixel", p.Name)
		}
	default:
		return fmt.Errorf("epd: profile %q: unsupported plane count %d", p.Name, p.PlaneCount)
	}
	n := len(p.Palette)
	if n < 2 || n > 1<<p.BitsPerPixel {
		return fmt.Errorf("epd: profile %q: %d colors do not fit %d bits per pixel", p.Name, n, p.BitsPerPixel)
	}
	if minimalBits(n) != p.BitsPerPixel {
		return fmt.Errorf("epd: profile %q: %d colors need %d bits per pixel, not %d", p.Name, n, minimalBits(n), p.BitsPerPixel)
	}
	seen := make(map[RGB]int, n)
	for i, c := range p.Palette {
		if j, dup := seen[c]; dup {
			return fmt.Errorf("epd: profile %q: palette entries %d and %d are both %s", p.Name, j, i, c)
		}
		seen[c] = i
	}
	if p.MaxChunkBytes <= 0 {
		return fmt.Errorf("epd: profile %q: max chunk bytes must be positive", p.Name)
	}
	if p.Addressing.ColumnShift > 3 {
		return fmt.Errorf("epd: profile %q: column shift %d exceeds 3", p.Name, p.Addressing.ColumnShift)
	}
	if len(p.Sleep) == 0 {
		return fmt.Errorf("epd: profile %q: no sleep sequence", p.Name)
	}
	if len(p.Modes) == 0 {
		return fmt.Errorf("epd: profile %q: no modes", p.Name)
	}
	for m, spec := range p.Modes {
		if _, err := RefreshPlan(p, m); err != nil {
			return fmt.Errorf("epd: profile %q: %w", p.Name, err)
		}
		if m == Gray4 && (spec.LUT == nil || len(spec.LUT.Segments) == 0) {
			return fmt.Errorf("epd: profile %q: %s mode needs a LUT", p.Name, m)
		}
		if spec.LUT != nil {
			for _, s := range spec.LUT.Segments {
				if s.Offset < 0 || s.Length < 0 || s.Offset+s.Length > len(spec.LUT.Table) {
					return fmt.Errorf("epd: profile %q: %s LUT segment 0x%02x out of range", p.Name, m, s.Opcode)
				}
			}
		}
	}
	return nil
}

var errNoProfile = errors.New("epd: unknown profile")

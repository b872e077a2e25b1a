package epd

import (
	"fmt"
	"sort"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Symbolic opcodes of the SSD16xx family (4in26, 1in54v2).
const (
	opRAMBW     Op = "ram_bw"
	opRAMRed    Op = "ram_red"
	opUpdateCtl Op = "update_control"
	opActivate  Op = "activate"
)

// Symbolic opcodes of the 7.3" ACeP/Spectra controllers.
const (
	opDTM Op = "dtm"
	opDRF Op = "drf"
)

var (
	black = RGB{0x00, 0x00, 0x00}
	white = RGB{0xFF, 0xFF, 0xFF}
)

func cmd(op byte, data ...byte) Command {
	return Command{Opcode: op, Data: data}
}

func cmdWait(op byte, data ...byte) Command {
	return Command{Opcode: op, Data: data, WaitIdle: true}
}

var builtin = map[string]*Profile{}

func register(p *Profile) {
	if err := p.Validate(); err != nil {
		panic(err)
	}
	builtin[p.Name] = p
}

func init() {
	register(epd4in26())
	register(epd4in26Gray4())
	register(epd7in3f())
	register(epd7in3e())
	register(epd1in54v2())
}

// ProfileByName returns the built-in profile called name. The result is
// shared and must not be modified.
func ProfileByName(name string) (*Profile, error) {
	p, ok := builtin[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (have %v)", errNoProfile, name, ProfileNames())
	}
	return p, nil
}

// ProfileNames lists the built-in profiles in lexical order.
func ProfileNames() []string {
	out := make([]string, 0, len(builtin))
	for n := range builtin {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// 4.26" 800×480, SSD1677-class controller.

func ssd4in26Init() []Command {
	return []Command{
		cmdWait(0x12),                           // SWRESET
		cmd(0x18, 0x80),                         // internal temperature sensor
		cmd(0x0C, 0xAE, 0xC7, 0xC3, 0xC0, 0x80), // soft start
		cmd(0x01, 0xDF, 0x01, 0x02),             // driver output control, 480 gates
		cmd(0x3C, 0x01),                         // border
		cmd(0x11, 0x01),                         // data entry: x+ y-
		cmd(0x44, 0x00, 0x00, 0x1F, 0x03),       // x window 0..799
		cmd(0x45, 0xDF, 0x01, 0x00, 0x00),       // y window 479..0
		cmd(0x4E, 0x00, 0x00),
		cmdWait(0x4F, 0x00, 0x00),
	}
}

var ssd4in26Opcodes = map[Op]byte{
	opRAMBW:     0x24,
	opRAMRed:    0x26,
	opUpdateCtl: 0x22,
	opActivate:  0x20,
	OpWindowX:   0x44,
	OpWindowY:   0x45,
	OpCursorX:   0x4E,
	OpCursorY:   0x4F,
}

func ssd4in26Base(name string) *Profile {
	return &Profile{
		Name:          name,
		Width:         800,
		Height:        480,
		Opcodes:       ssd4in26Opcodes,
		Sleep:         []Command{{Opcode: 0x10, Data: []byte{0x01}, Delay: 100 * time.Millisecond}},
		MaxChunkBytes: 4096,
		Addressing:    Addressing{Mask: 0x03FF, FlipY: true},
		BusyLevel:     gpio.High,
		ResetPulse:    10 * time.Millisecond,
		ResetSettle:   10 * time.Millisecond,
	}
}

func epd4in26() *Profile {
	p := ssd4in26Base("4in26")
	p.BitsPerPixel = 1
	p.PlaneCount = 1
	p.Palette = Palette{black, white}
	p.SupportsPartial = true

	both := []PlaneWrite{{Op: opRAMBW, Plane: 0}, {Op: opRAMRed, Plane: 0}}
	fast := append(ssd4in26Init(),
		cmd(0x1A, 0x5A), // temperature override, 1.5s waveform
		cmd(0x22, 0x91),
		cmdWait(0x20),
	)
	p.Modes = map[Mode]ModeSpec{
		Normal: {
			Init:    ssd4in26Init(),
			Writes:  both,
			Refresh: Trigger{Op: opUpdateCtl, Param: []byte{0xF7}, Then: []Op{opActivate}},
		},
		Fast: {
			Init:    fast,
			Writes:  both,
			Refresh: Trigger{Op: opUpdateCtl, Param: []byte{0xC7}, Then: []Op{opActivate}},
		},
		Partial: {
			Init: []Command{
				cmd(0x18, 0x80),
				cmd(0x3C, 0x80),
				cmd(0x01, 0xDF, 0x01),
				cmd(0x11, 0x01),
			},
			Writes:  []PlaneWrite{{Op: opRAMBW, Plane: 0}},
			Refresh: Trigger{Op: opUpdateCtl, Param: []byte{0xFF}, Then: []Op{opActivate}},
		},
	}
	return p
}

// lut4in26Gray4 is the four-level grayscale waveform: 105 bytes of LUT
// registers, then VGH, VSH1/VSH2/VSL and VCOM.
var lut4in26Gray4 = []byte{
	0x80, 0x48, 0x4A, 0x22, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x0A, 0x48, 0x68, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x88, 0x48, 0x60, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xA8, 0x48, 0x45, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x07, 0x1E, 0x1C, 0x02, 0x00,
	0x05, 0x01, 0x05, 0x01, 0x02,
	0x08, 0x01, 0x01, 0x04, 0x04,
	0x00, 0x02, 0x00, 0x02, 0x01,
	0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x01,
	0x22, 0x22, 0x22, 0x22, 0x22,
	0x17, 0x41, 0xA8, 0x32, 0x30,
	0x00, 0x00,
}

func epd4in26Gray4() *Profile {
	p := ssd4in26Base("4in26-gray4")
	p.BitsPerPixel = 2
	p.PlaneCount = 2
	p.Palette = Palette{white, {40, 40, 40}, {6, 6, 6}, black}
	p.Modes = map[Mode]ModeSpec{
		Gray4: {
			Init: ssd4in26Init(),
			LUT: &LUT{
				Table: lut4in26Gray4,
				Segments: []LUTSegment{
					{Opcode: 0x32, Offset: 0, Length: 105},
					{Opcode: 0x03, Offset: 105, Length: 1},
					{Opcode: 0x04, Offset: 106, Length: 3},
					{Opcode: 0x2C, Offset: 109, Length: 1},
				},
			},
			// High bits go to the "red" RAM, low bits to the B/W RAM.
			Writes:  []PlaneWrite{{Op: opRAMRed, Plane: 0}, {Op: opRAMBW, Plane: 1}},
			Refresh: Trigger{Op: opUpdateCtl, Param: []byte{0xC7}, Then: []Op{opActivate}},
		},
	}
	return p
}

// 7.3" 800×480 color panels. Both controllers share the power-up sequence
// and differ only in the color each index selects.

func acep7in3Init() []Command {
	return []Command{
		cmd(0xAA, 0x49, 0x55, 0x20, 0x08, 0x09, 0x18), // CMDH
		cmd(0x01, 0x3F, 0x00, 0x32, 0x2A, 0x0E, 0x2A), // PWRR
		cmd(0x00, 0x5F, 0x69),                         // PSR
		cmd(0x03, 0x00, 0x54, 0x00, 0x44),             // POFS
		cmd(0x05, 0x40, 0x1F, 0x1F, 0x2C),             // BTST1
		cmd(0x06, 0x6F, 0x1F, 0x16, 0x25),             // BTST2
		cmd(0x08, 0x6F, 0x1F, 0x1F, 0x22),             // BTST3
		cmd(0x13, 0x00, 0x04),                         // IPC
		cmd(0x30, 0x02),                               // PLL
		cmd(0x41, 0x00),                               // TSE
		cmd(0x50, 0x3F),                               // CDI
		cmd(0x60, 0x02, 0x00),                         // TCON
		cmd(0x61, 0x03, 0x20, 0x01, 0xE0),             // TRES 800×480
		cmd(0x82, 0x1E),                               // VDCS
		cmd(0x84, 0x01),                               // T_VDCS
		cmd(0x86, 0x00),                               // AGID
		cmd(0xE3, 0x2F),                               // PWS
		cmd(0xE0, 0x00),                               // CCSET
		cmd(0xE6, 0x00),                               // TSSET
		cmdWait(0x04),                                 // PON
	}
}

func acep7in3(name string, pal Palette) *Profile {
	return &Profile{
		Name:         name,
		Width:        800,
		Height:       480,
		BitsPerPixel: 4,
		PlaneCount:   1,
		Palette:      pal,
		Opcodes:      map[Op]byte{opDTM: 0x10, opDRF: 0x12},
		Modes: map[Mode]ModeSpec{
			Normal: {
				Init:    acep7in3Init(),
				Writes:  []PlaneWrite{{Op: opDTM, Plane: 0}},
				Refresh: Trigger{Op: opDRF, Param: []byte{0x00}, Settle: time.Millisecond},
			},
		},
		Sleep: []Command{
			cmdWait(0x02, 0x00), // POF
			cmd(0x07, 0xA5),     // DSLP
		},
		MaxChunkBytes: 4096,
		BusyLevel:     gpio.Low,
		ResetPulse:    10 * time.Millisecond,
		ResetSettle:   10 * time.Millisecond,
	}
}

func epd7in3f() *Profile {
	return acep7in3("7in3f", Palette{
		black,
		white,
		{0x00, 0xFF, 0x00}, // green
		{0x00, 0x00, 0xFF}, // blue
		{0xFF, 0x00, 0x00}, // red
		{0xFF, 0xFF, 0x00}, // yellow
		{0xFF, 0x7F, 0x00}, // orange
	})
}

func epd7in3e() *Profile {
	return acep7in3("7in3e", Palette{
		black,
		white,
		{0xFF, 0xFF, 0x00}, // yellow
		{0xFF, 0x00, 0x00}, // red
		{0xFF, 0x7F, 0x00}, // orange
		{0x00, 0x00, 0xFF}, // blue
		{0x00, 0xFF, 0x00}, // green
	})
}

// 1.54" 200×200 SSD1681.

var lut1in54Full = []byte{
	0x80, 0x48, 0x40, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x40, 0x48, 0x80, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x80, 0x48, 0x40, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x40, 0x48, 0x80, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0xA, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x8, 0x1, 0x0, 0x8, 0x1, 0x0, 0x2,
	0xA, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x0, 0x0, 0x0,
	0x22, 0x17, 0x41, 0x0, 0x32, 0x20,
}

var lut1in54Partial = []byte{
	0x0, 0x40, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x80, 0x80, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x40, 0x40, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x80, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0xF, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x1, 0x1, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0,
	0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x0, 0x0, 0x0,
	0x02, 0x17, 0x41, 0xB0, 0x32, 0x28,
}

// ssd1681LUT splits a 159-byte waveform into the waveform registers and the
// gate/source voltages that trail it.
func ssd1681LUT(table []byte) *LUT {
	return &LUT{
		Table: table,
		Segments: []LUTSegment{
			{Opcode: 0x32, Offset: 0, Length: 153, WaitIdle: true},
			{Opcode: 0x3F, Offset: 153, Length: 1},
			{Opcode: 0x03, Offset: 154, Length: 1},
			{Opcode: 0x04, Offset: 155, Length: 3},
			{Opcode: 0x2C, Offset: 158, Length: 1},
		},
	}
}

func epd1in54v2() *Profile {
	return &Profile{
		Name:         "1in54v2",
		Width:        200,
		Height:       200,
		BitsPerPixel: 1,
		PlaneCount:   1,
		Palette:      Palette{black, white},
		Opcodes: map[Op]byte{
			opRAMBW:     0x24,
			opUpdateCtl: 0x22,
			opActivate:  0x20,
			OpWindowX:   0x44,
			OpWindowY:   0x45,
			OpCursorX:   0x4E,
			OpCursorY:   0x4F,
		},
		Modes: map[Mode]ModeSpec{
			Normal: {
				Init: []Command{
					cmdWait(0x12),
					cmd(0x01, 0xC7, 0x00, 0x01),
					cmd(0x11, 0x01),
					cmd(0x44, 0x00, 0x18),
					cmd(0x45, 0xC7, 0x00, 0x00, 0x00),
					cmd(0x3C, 0x01),
					cmd(0x18, 0x80),
					cmd(0x22, 0xB1), // load temperature and waveform
					cmd(0x20),
					cmd(0x4E, 0x00),
					cmdWait(0x4F, 0xC7, 0x00),
				},
				LUT:     ssd1681LUT(lut1in54Full),
				Writes:  []PlaneWrite{{Op: opRAMBW, Plane: 0}},
				Refresh: Trigger{Op: opUpdateCtl, Param: []byte{0xC7}, Then: []Op{opActivate}},
			},
			Partial: {
				LUT: ssd1681LUT(lut1in54Partial),
				Post: []Command{
					cmd(0x37, 0x00, 0x00, 0x00, 0x00, 0x00, 0x40, 0x00, 0x00, 0x00, 0x00),
					cmd(0x3C, 0x80),
					cmd(0x22, 0xC0),
					cmdWait(0x20),
				},
				Writes:  []PlaneWrite{{Op: opRAMBW, Plane: 0}},
				Refresh: Trigger{Op: opUpdateCtl, Param: []byte{0xCF}, Then: []Op{opActivate}},
			},
		},
		Sleep:           []Command{{Opcode: 0x10, Data: []byte{0x01}, Delay: 100 * time.Millisecond}},
		MaxChunkBytes:   4096,
		SupportsPartial: true,
		Addressing:      Addressing{ColumnShift: 3, Mask: 0x01FF, FlipY: true},
		BusyLevel:       gpio.High,
		ResetPulse:      2 * time.Millisecond,
		ResetSettle:     20 * time.Millisecond,
	}
}

package epd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/gpio"
)

// Profile documents are YAML:
//
//	name: 4in26
//	width: 800
//	height: 480
//	bits_per_pixel: 1
//	plane_count: 1
//	palette: ["#000000", "#ffffff"]
//	opcodes: {ram_bw: 0x24, update_control: 0x22, activate: 0x20}
//	modes:
//	  normal:
//	    init:
//	      - {op: 0x12, wait: true}
//	      - {op: 0x0C, data: "AE C7 C3 C0 80"}
//	    writes: [{op: ram_bw, plane: 0}]
//	    refresh: {op: update_control, param: [0xF7], then: [activate]}
//	sleep: [{op: 0x10, data: [0x01], delay: 100ms}]
//	max_chunk_bytes: 4096
//	busy_level: high
//	reset_pulse: 10ms
//	reset_settle: 10ms
//
// Byte lists are either YAML integer sequences or hex strings.

type profileDoc struct {
	Name            string             `yaml:"name"`
	Width           int                `yaml:"width"`
	Height          int                `yaml:"height"`
	BitsPerPixel    int                `yaml:"bits_per_pixel"`
	PlaneCount      int                `yaml:"plane_count"`
	Palette         []string           `yaml:"palette"`
	Opcodes         map[string]int     `yaml:"opcodes"`
	Modes           map[string]modeDoc `yaml:"modes"`
	Sleep           []commandDoc       `yaml:"sleep"`
	MaxChunkBytes   int                `yaml:"max_chunk_bytes"`
	SupportsPartial bool               `yaml:"supports_partial"`
	Addressing      struct {
		ColumnShift uint   `yaml:"column_shift"`
		Mask        uint16 `yaml:"mask"`
		FlipY       bool   `yaml:"flip_y"`
	} `yaml:"addressing"`
	BusyLevel   string        `yaml:"busy_level"`
	ResetPulse  time.Duration `yaml:"reset_pulse"`
	ResetSettle time.Duration `yaml:"reset_settle"`
}

type commandDoc struct {
	Op    int           `yaml:"op"`
	Data  hexBytes      `yaml:"data"`
	Wait  bool          `yaml:"wait"`
	Delay time.Duration `yaml:"delay"`
}

type modeDoc struct {
	Init []commandDoc `yaml:"init"`
	LUT  *struct {
		Table    hexBytes `yaml:"table"`
		Segments []struct {
			Op     int  `yaml:"op"`
			Offset int  `yaml:"offset"`
			Length int  `yaml:"length"`
			Wait   bool `yaml:"wait"`
		} `yaml:"segments"`
	} `yaml:"lut"`
	Post   []commandDoc `yaml:"post"`
	Writes []struct {
		Op    string `yaml:"op"`
		Plane int    `yaml:"plane"`
	} `yaml:"writes"`
	Refresh struct {
		Op     string        `yaml:"op"`
		Param  hexBytes      `yaml:"param"`
		Then   []string      `yaml:"then"`
		Settle time.Duration `yaml:"settle"`
	} `yaml:"refresh"`
}

// hexBytes decodes from a sequence of integers or from a string of hex
// octets separated by spaces or commas.
type hexBytes []byte

func (h *hexBytes) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			*h = nil
			return nil
		}
		fields := strings.FieldsFunc(n.Value, func(r rune) bool {
			return r == ' ' || r == ',' || r == '\t' || r == '\n'
		})
		out := make([]byte, 0, len(fields))
		for _, f := range fields {
			v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(f), "0x"), 16, 8)
			if err != nil {
				return fmt.Errorf("line %d: invalid byte %q", n.Line, f)
			}
			out = append(out, byte(v))
		}
		*h = out
		return nil
	case yaml.SequenceNode:
		var vals []int
		if err := n.Decode(&vals); err != nil {
			return err
		}
		out := make([]byte, len(vals))
		for i, v := range vals {
			if v < 0 || v > 0xFF {
				return fmt.Errorf("line %d: byte %d out of range", n.Line, v)
			}
			out[i] = byte(v)
		}
		*h = out
		return nil
	}
	return fmt.Errorf("line %d: expected byte list", n.Line)
}

func opcodeByte(v int) (byte, error) {
	if v < 0 || v > 0xFF {
		return 0, fmt.Errorf("opcode %d out of range", v)
	}
	return byte(v), nil
}

func (c commandDoc) command() (Command, error) {
	op, err := opcodeByte(c.Op)
	if err != nil {
		return Command{}, err
	}
	return Command{Opcode: op, Data: []byte(c.Data), WaitIdle: c.Wait, Delay: c.Delay}, nil
}

func commands(docs []commandDoc) ([]Command, error) {
	var out []Command
	for _, d := range docs {
		c, err := d.command()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ParseProfile decodes and validates a YAML profile document.
func ParseProfile(b []byte) (*Profile, error) {
	var doc profileDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("epd: parse profile: %w", err)
	}
	p, err := doc.profile()
	if err != nil {
		return nil, fmt.Errorf("epd: profile %q: %w", doc.Name, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadProfile reads a YAML profile document from path.
func LoadProfile(path string) (*Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("epd: read profile: %w", err)
	}
	return ParseProfile(b)
}

func (doc *profileDoc) profile() (*Profile, error) {
	p := &Profile{
		Name:            doc.Name,
		Width:           doc.Width,
		Height:          doc.Height,
		BitsPerPixel:    doc.BitsPerPixel,
		PlaneCount:      doc.PlaneCount,
		Opcodes:         make(map[Op]byte, len(doc.Opcodes)),
		Modes:           make(map[Mode]ModeSpec, len(doc.Modes)),
		MaxChunkBytes:   doc.MaxChunkBytes,
		SupportsPartial: doc.SupportsPartial,
		Addressing: Addressing{
			ColumnShift: doc.Addressing.ColumnShift,
			Mask:        doc.Addressing.Mask,
			FlipY:       doc.Addressing.FlipY,
		},
		ResetPulse:  doc.ResetPulse,
		ResetSettle: doc.ResetSettle,
	}
	if p.PlaneCount == 0 {
		p.PlaneCount = 1
	}
	if p.Addressing.Mask == 0 {
		p.Addressing.Mask = 0xFFFF
	}

	switch strings.ToLower(doc.BusyLevel) {
	case "", "high":
		p.BusyLevel = gpio.High
	case "low":
		p.BusyLevel = gpio.Low
	default:
		return nil, fmt.Errorf("busy_level %q: want high or low", doc.BusyLevel)
	}

	for _, s := range doc.Palette {
		c, err := ParseRGB(s)
		if err != nil {
			return nil, err
		}
		p.Palette = append(p.Palette, c)
	}
	for name, v := range doc.Opcodes {
		b, err := opcodeByte(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		p.Opcodes[Op(name)] = b
	}

	var err error
	if p.Sleep, err = commands(doc.Sleep); err != nil {
		return nil, fmt.Errorf("sleep: %w", err)
	}
	for name, md := range doc.Modes {
		m, err := ParseMode(name)
		if err != nil {
			return nil, err
		}
		spec, err := md.spec()
		if err != nil {
			return nil, fmt.Errorf("mode %s: %w", m, err)
		}
		p.Modes[m] = spec
	}
	return p, nil
}

func (md *modeDoc) spec() (ModeSpec, error) {
	var (
		spec ModeSpec
		err  error
	)
	if spec.Init, err = commands(md.Init); err != nil {
		return spec, fmt.Errorf("init: %w", err)
	}
	if spec.Post, err = commands(md.Post); err != nil {
		return spec, fmt.Errorf("post: %w", err)
	}
	if md.LUT != nil {
		lut := &LUT{Table: []byte(md.LUT.Table)}
		for _, s := range md.LUT.Segments {
			op, err := opcodeByte(s.Op)
			if err != nil {
				return spec, fmt.Errorf("lut: %w", err)
			}
			lut.Segments = append(lut.Segments, LUTSegment{Opcode: op, Offset: s.Offset, Length: s.Length, WaitIdle: s.Wait})
		}
		spec.LUT = lut
	}
	for _, w := range md.Writes {
		spec.Writes = append(spec.Writes, PlaneWrite{Op: Op(w.Op), Plane: w.Plane})
	}
	spec.Refresh = Trigger{
		Op:     Op(md.Refresh.Op),
		Param:  []byte(md.Refresh.Param),
		Settle: md.Refresh.Settle,
	}
	for _, op := range md.Refresh.Then {
		spec.Refresh.Then = append(spec.Refresh.Then, Op(op))
	}
	return spec, nil
}

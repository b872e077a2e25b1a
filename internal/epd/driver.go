// Package epd drives e-paper panels from a declarative Profile: it packs
// palette images into the panel's plane layout and sequences the register
// protocol (reset, mode initialization, plane writes, refresh, deep sleep)
// over an injected Bus.
//
// A Driver is a small state machine:
//
//	Uninitialized/Asleep/Ready --Initialize--> Ready(mode)
//	Ready(mode) --Display--> Transmitting --> Refreshing --> Ready(mode)
//	Ready(mode) --Sleep--> Asleep
//
// Packing is pure and may run on any goroutine; Driver methods serialize on
// an internal mutex for the whole duration of their bus traffic.
package epd

import (
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"

	appLog "epdpanel/internal/log"
)

// State is the protocol state of a Driver.
type State int

const (
	Uninitialized State = iota
	Ready
	Transmitting
	Refreshing
	Asleep
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Transmitting:
		return "transmitting"
	case Refreshing:
		return "refreshing"
	case Asleep:
		return "asleep"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	// DefaultBusyTimeout bounds every busy-wait. Full refreshes of color
	// panels take tens of seconds, so it is well above a mono refresh.
	DefaultBusyTimeout = 45 * time.Second
	// DefaultPollInterval is the busy line polling period.
	DefaultPollInterval = 5 * time.Millisecond
)

// Opts tunes a Driver. The zero value selects the defaults.
type Opts struct {
	BusyTimeout  time.Duration
	PollInterval time.Duration
}

// Driver sequences the register protocol of one panel.
type Driver struct {
	mu      sync.Mutex
	bus     Bus
	profile *Profile
	opts    Opts
	chunk   int

	state  State
	mode   Mode
	closed bool

	sleep func(time.Duration)
	now   func() time.Time
}

// New returns a driver for the panel described by p, attached to bus. opts
// may be nil. No bus traffic happens until Initialize.
func New(bus Bus, p *Profile, opts *Opts) (*Driver, error) {
	if bus == nil {
		return nil, fmt.Errorf("epd: nil bus")
	}
	if p == nil {
		return nil, fmt.Errorf("epd: nil profile")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	o := Opts{}
	if opts != nil {
		o = *opts
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = DefaultBusyTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return &Driver{
		bus:     bus,
		profile: p,
		opts:    o,
		chunk:   chunkSize(bus, p.MaxChunkBytes),
		sleep:   time.Sleep,
		now:     time.Now,
	}, nil
}

// Profile returns the panel profile.
func (d *Driver) Profile() *Profile {
	return d.profile
}

// State returns the current state and the mode of the last initialization.
func (d *Driver) State() (State, Mode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.mode
}

// String implements fmt.Stringer.
func (d *Driver) String() string {
	s, m := d.State()
	return fmt.Sprintf("epd.Driver{%s %dx%d %s/%s}", d.profile.Name, d.profile.Width, d.profile.Height, s, m)
}

// Initialize resets the panel and runs the initialization sequence of m,
// including its LUT upload. It is also how the mode is changed: there is no
// incremental transition between modes.
func (d *Driver) Initialize(m Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("epd: initialize after close: %w", ErrState)
	}
	if _, err := RefreshPlan(d.profile, m); err != nil {
		return err
	}
	spec := d.profile.Modes[m]

	d.state = Transmitting
	if err := d.initialize(spec); err != nil {
		d.state = Uninitialized
		return fmt.Errorf("epd: initialize %s: %w", m, err)
	}
	d.state, d.mode = Ready, m
	appLog.Debug("epd: panel ready", "profile", d.profile.Name, "mode", m.String())
	return nil
}

func (d *Driver) initialize(spec ModeSpec) error {
	if err := d.bus.PulseReset(d.profile.ResetPulse, d.profile.ResetSettle); err != nil {
		return err
	}
	if err := d.waitIdle(); err != nil {
		return err
	}
	for _, c := range spec.Init {
		if err := d.run(c); err != nil {
			return err
		}
	}
	if spec.LUT != nil {
		for _, s := range spec.LUT.Segments {
			if err := d.send(s.Opcode, spec.LUT.Table[s.Offset:s.Offset+s.Length]); err != nil {
				return err
			}
			if s.WaitIdle {
				if err := d.waitIdle(); err != nil {
					return err
				}
			}
		}
	}
	for _, c := range spec.Post {
		if err := d.run(c); err != nil {
			return err
		}
	}
	return nil
}

// Display transmits a full-panel frame and refreshes. In Partial mode the
// window covers the whole panel.
func (d *Driver) Display(f *Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Ready {
		return fmt.Errorf("epd: display while %s: %w", d.state, ErrState)
	}
	return d.display(f, d.profile.Bounds())
}

// DisplayRegion transmits f into rectangle r of the panel and refreshes only
// that region. The driver must be in Partial mode, r must lie within the
// panel and start on a column the controller can address, and f must be
// exactly the size of r. Invalid input is rejected before any bus traffic.
func (d *Driver) DisplayRegion(f *Frame, r image.Rectangle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Ready {
		return fmt.Errorf("epd: display while %s: %w", d.state, ErrState)
	}
	if err := d.checkRegion(r); err != nil {
		return err
	}
	if d.mode != Partial {
		return fmt.Errorf("epd: region refresh in %s mode: %w", d.mode, ErrUnsupportedMode)
	}
	return d.display(f, r)
}

// Clear fills the panel with c, which must be a palette color.
func (d *Driver) Clear(c color.Color) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Ready {
		return fmt.Errorf("epd: clear while %s: %w", d.state, ErrState)
	}
	f, err := Fill(d.profile, c, d.profile.Width, d.profile.Height)
	if err != nil {
		return err
	}
	return d.display(f, d.profile.Bounds())
}

func (d *Driver) checkRegion(r image.Rectangle) error {
	p := d.profile
	if r.Empty() || !r.In(p.Bounds()) {
		return fmt.Errorf("epd: region %v outside %v: %w", r, p.Bounds(), ErrInvalidRegion)
	}
	unit := 8 / p.planeBits()
	if u := 1 << p.Addressing.ColumnShift; u > unit {
		unit = u
	}
	if r.Min.X%unit != 0 || (r.Dx()%unit != 0 && r.Max.X != p.Width) {
		return fmt.Errorf("epd: region %v not aligned to %d columns: %w", r, unit, ErrInvalidRegion)
	}
	return nil
}

func (d *Driver) display(f *Frame, r image.Rectangle) error {
	plan, err := RefreshPlan(d.profile, d.mode)
	if err != nil {
		return err
	}
	if err := checkFrame(f, d.profile, r.Dx(), r.Dy()); err != nil {
		return err
	}

	d.state = Transmitting
	if err := d.transmit(plan, f, r); err != nil {
		d.state = Uninitialized
		return fmt.Errorf("epd: display: %w", err)
	}
	d.state = Ready
	return nil
}

func (d *Driver) transmit(plan Plan, f *Frame, r image.Rectangle) error {
	if d.mode == Partial {
		if err := d.setWindow(r); err != nil {
			return err
		}
	}
	for _, w := range plan.Writes {
		if err := d.send(w.Opcode, f.Planes[w.Plane].Bytes); err != nil {
			return err
		}
	}

	d.state = Refreshing
	if err := d.send(plan.RefreshOpcode, plan.RefreshParam); err != nil {
		return err
	}
	for _, op := range plan.Activate {
		if err := d.send(op, nil); err != nil {
			return err
		}
	}
	if plan.Settle > 0 {
		d.sleep(plan.Settle)
	}
	return d.waitIdle()
}

// setWindow programs the RAM window and address counters for r.
func (d *Driver) setWindow(r image.Rectangle) error {
	p := d.profile
	a := p.Addressing

	x0, x1 := r.Min.X>>a.ColumnShift, (r.Max.X-1)>>a.ColumnShift
	y0, y1 := r.Min.Y, r.Max.Y-1
	if a.FlipY {
		y0, y1 = p.Height-1-r.Min.Y, p.Height-r.Max.Y
	}

	column := func(v int) []byte {
		if a.ColumnShift > 0 {
			return []byte{byte(uint16(v) & a.Mask)}
		}
		return word(v, a.Mask)
	}

	regs := []struct {
		op   Op
		data []byte
	}{
		{OpWindowX, append(column(x0), column(x1)...)},
		{OpWindowY, append(word(y0, a.Mask), word(y1, a.Mask)...)},
		{OpCursorX, column(x0)},
		{OpCursorY, word(y0, a.Mask)},
	}
	for _, reg := range regs {
		if err := d.send(p.Opcodes[reg.op], reg.data); err != nil {
			return err
		}
	}
	return nil
}

// word encodes v as a little-endian 16-bit value masked with mask.
func word(v int, mask uint16) []byte {
	u := uint16(v) & mask
	return []byte{byte(u), byte(u >> 8)}
}

// Sleep puts the panel in deep sleep. It is a no-op when already asleep.
func (d *Driver) Sleep() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case Asleep:
		return nil
	case Ready:
	default:
		return fmt.Errorf("epd: sleep while %s: %w", d.state, ErrState)
	}
	for _, c := range d.profile.Sleep {
		if err := d.run(c); err != nil {
			d.state = Uninitialized
			return fmt.Errorf("epd: sleep: %w", err)
		}
	}
	d.state = Asleep
	appLog.Debug("epd: panel asleep", "profile", d.profile.Name)
	return nil
}

// Close releases the bus. It may be called in any state, more than once.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.state = Uninitialized
	return d.bus.Close()
}

// run executes one sequence step.
func (d *Driver) run(c Command) error {
	if err := d.send(c.Opcode, c.Data); err != nil {
		return err
	}
	if c.WaitIdle {
		if err := d.waitIdle(); err != nil {
			return err
		}
	}
	if c.Delay > 0 {
		d.sleep(c.Delay)
	}
	return nil
}

// send issues op in the command phase, then data in the data phase. The
// select line is raised once; data is split into chunks without toggling it.
func (d *Driver) send(op byte, data []byte) error {
	if err := d.bus.SetSelect(gpio.Low); err != nil {
		return err
	}
	if err := d.bus.WriteCommand(op); err != nil {
		return fmt.Errorf("command 0x%02x: %w", op, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := d.bus.SetSelect(gpio.High); err != nil {
		return err
	}
	if err := forEachChunk(data, d.chunk, d.bus.WriteData); err != nil {
		return fmt.Errorf("data for 0x%02x: %w", op, err)
	}
	return nil
}

// waitIdle polls the busy line until it leaves the profile's busy level.
func (d *Driver) waitIdle() error {
	start := d.now()
	deadline := start.Add(d.opts.BusyTimeout)
	for d.bus.Busy() == d.profile.BusyLevel {
		if !d.now().Before(deadline) {
			return fmt.Errorf("epd: panel busy for %s: %w", d.opts.BusyTimeout, ErrTimeout)
		}
		d.sleep(d.opts.PollInterval)
	}
	appLog.Debug("epd: busy released", "waited", d.now().Sub(start).String())
	return nil
}

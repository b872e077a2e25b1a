// Package spibus wires an e-paper panel to the host over periph.io: an SPI
// connection plus the DC, RST and BUSY lines (and an optional software chip
// select). It implements epd.Bus.
package spibus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// DefaultHz is used when Opts.Hz is zero. Waveshare HATs are specified for
// 20MHz writes; 4MHz keeps long ribbon cables happy.
const DefaultHz = 4 * physic.MegaHertz

// Opts selects the SPI port and pins by their periph registry names.
type Opts struct {
	// Port is the spireg name, "" for the first port (/dev/spidev0.0 on a Pi).
	Port string
	Hz   physic.Frequency

	DC    string
	Reset string
	Busy  string
	// CS is optional: leave empty to rely on the port's hardware chip select.
	CS string
}

// Bus is an epd.Bus over periph.io.
type Bus struct {
	mu sync.Mutex

	c    spi.Conn
	port spi.PortCloser

	dc   gpio.PinOut
	rst  gpio.PinOut
	busy gpio.PinIn
	cs   gpio.PinOut

	sleep  func(time.Duration)
	closed bool
}

// New drives an already connected SPI conn. cs may be nil.
func New(c spi.Conn, dc, rst gpio.PinOut, busy gpio.PinIn, cs gpio.PinOut) (*Bus, error) {
	if c == nil {
		return nil, fmt.Errorf("spibus: nil spi conn")
	}
	if dc == nil || dc == gpio.INVALID {
		return nil, fmt.Errorf("spibus: dc pin is required")
	}
	if rst == nil || rst == gpio.INVALID {
		return nil, fmt.Errorf("spibus: reset pin is required")
	}
	if busy == nil || busy == gpio.INVALID {
		return nil, fmt.Errorf("spibus: busy pin is required")
	}

	if err := dc.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("spibus: dc %s: %w", dc, err)
	}
	if err := rst.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("spibus: reset %s: %w", rst, err)
	}
	// The panel drives BUSY push-pull; no pull resistor needed.
	if err := busy.In(gpio.Float, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("spibus: busy %s: %w", busy, err)
	}
	if cs != nil {
		if err := cs.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("spibus: cs %s: %w", cs, err)
		}
	}

	return &Bus{
		c:     c,
		dc:    dc,
		rst:   rst,
		busy:  busy,
		cs:    cs,
		sleep: time.Sleep,
	}, nil
}

// Open initializes the periph host, opens the SPI port named in o and looks
// the pins up in gpioreg.
func Open(o Opts) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("spibus: periph host init failed: %w", err)
	}

	lookup := func(role, name string) (gpio.PinIO, error) {
		if name == "" {
			return nil, fmt.Errorf("spibus: %s pin not configured", role)
		}
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("spibus: %s pin %q not found", role, name)
		}
		return p, nil
	}
	dc, err := lookup("dc", o.DC)
	if err != nil {
		return nil, err
	}
	rst, err := lookup("reset", o.Reset)
	if err != nil {
		return nil, err
	}
	busy, err := lookup("busy", o.Busy)
	if err != nil {
		return nil, err
	}
	var cs gpio.PinOut
	if o.CS != "" {
		p, err := lookup("cs", o.CS)
		if err != nil {
			return nil, err
		}
		cs = p
	}

	port, err := spireg.Open(o.Port)
	if err != nil {
		return nil, fmt.Errorf("spibus: open spi port %q: %w", o.Port, err)
	}
	hz := o.Hz
	if hz == 0 {
		hz = DefaultHz
	}
	c, err := port.Connect(hz, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("spibus: connect spi at %s: %w", hz, err)
	}

	b, err := New(c, dc, rst, busy, cs)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	b.port = port
	return b, nil
}

// SetSelect drives the DC line.
func (b *Bus) SetSelect(l gpio.Level) error {
	return b.dc.Out(l)
}

// WriteCommand sends a single opcode byte.
func (b *Bus) WriteCommand(c byte) error {
	return b.tx([]byte{c})
}

// WriteData sends one burst.
func (b *Bus) WriteData(p []byte) error {
	return b.tx(p)
}

func (b *Bus) tx(w []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("spibus: closed")
	}
	if b.cs != nil {
		if err := b.cs.Out(gpio.Low); err != nil {
			return err
		}
	}
	err := b.c.Tx(w, nil)
	if b.cs != nil {
		if cerr := b.cs.Out(gpio.High); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("spibus: tx %d bytes: %w", len(w), err)
	}
	return nil
}

// PulseReset holds RST low for low, then releases it and waits settle.
func (b *Bus) PulseReset(low, settle time.Duration) error {
	if err := b.rst.Out(gpio.Low); err != nil {
		return fmt.Errorf("spibus: reset: %w", err)
	}
	b.sleep(low)
	if err := b.rst.Out(gpio.High); err != nil {
		return fmt.Errorf("spibus: reset: %w", err)
	}
	b.sleep(settle)
	return nil
}

// Busy reads the BUSY line.
func (b *Bus) Busy() gpio.Level {
	return b.busy.Read()
}

// MaxTxSize implements conn.Limits. It returns 0 when the SPI driver does
// not report a limit.
func (b *Bus) MaxTxSize() int {
	if l, ok := b.c.(conn.Limits); ok {
		return l.MaxTxSize()
	}
	return 0
}

// String implements conn.Resource.
func (b *Bus) String() string {
	return fmt.Sprintf("spibus{%s dc=%s rst=%s busy=%s}", b.c, b.dc, b.rst, b.busy)
}

// Close halts the DC, RST and CS lines and releases the SPI port when the
// bus opened it. It is safe to call more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for _, p := range []gpio.PinOut{b.dc, b.rst, b.cs} {
		if p == nil {
			continue
		}
		if err := p.Halt(); err != nil {
			errs = append(errs, fmt.Errorf("spibus: halt %s: %w", p, err))
		}
	}
	if b.port != nil {
		if err := b.port.Close(); err != nil {
			errs = append(errs, fmt.Errorf("spibus: close port: %w", err))
		}
	}
	return errors.Join(errs...)
}

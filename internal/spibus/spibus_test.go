package spibus

import (
	"bytes"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spitest"
)

type pins struct {
	dc, rst, busy, cs *gpiotest.Pin
}

func newTestBus(t *testing.T, withCS bool) (*Bus, *spitest.Record, pins) {
	t.Helper()
	rec := &spitest.Record{}
	c, err := rec.Connect(4*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		t.Fatal(err)
	}
	p := pins{
		dc:   &gpiotest.Pin{N: "DC", L: gpio.High},
		rst:  &gpiotest.Pin{N: "RST", L: gpio.Low},
		busy: &gpiotest.Pin{N: "BUSY"},
	}
	var cs gpio.PinOut
	if withCS {
		p.cs = &gpiotest.Pin{N: "CS"}
		cs = p.cs
	}
	b, err := New(c, p.dc, p.rst, p.busy, cs)
	if err != nil {
		t.Fatal(err)
	}
	b.sleep = func(time.Duration) {}
	return b, rec, p
}

func TestNewSetsIdleLevels(t *testing.T) {
	_, _, p := newTestBus(t, true)
	if p.dc.L != gpio.Low {
		t.Errorf("dc %s, want Low", p.dc.L)
	}
	if p.rst.L != gpio.High {
		t.Errorf("rst %s, want High", p.rst.L)
	}
	if p.cs.L != gpio.High {
		t.Errorf("cs %s, want High", p.cs.L)
	}
}

func TestNewRequiresPins(t *testing.T) {
	rec := &spitest.Record{}
	c, err := rec.Connect(physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		t.Fatal(err)
	}
	pin := &gpiotest.Pin{N: "X"}
	for _, tc := range []struct {
		name string
		c    spi.Conn
		dc   gpio.PinOut
		rst  gpio.PinOut
		busy gpio.PinIn
	}{
		{"no conn", nil, pin, pin, pin},
		{"no dc", c, nil, pin, pin},
		{"invalid dc", c, gpio.INVALID, pin, pin},
		{"no reset", c, pin, nil, pin},
		{"no busy", c, pin, pin, nil},
	} {
		if _, err := New(tc.c, tc.dc, tc.rst, tc.busy, nil); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestWrites(t *testing.T) {
	b, rec, p := newTestBus(t, false)
	if err := b.SetSelect(gpio.Low); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteCommand(0x24); err != nil {
		t.Fatal(err)
	}
	if p.dc.L != gpio.Low {
		t.Errorf("dc %s during command", p.dc.L)
	}
	if err := b.SetSelect(gpio.High); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteData([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if p.dc.L != gpio.High {
		t.Errorf("dc %s during data", p.dc.L)
	}

	if len(rec.Ops) != 2 {
		t.Fatalf("%d ops recorded", len(rec.Ops))
	}
	if !bytes.Equal(rec.Ops[0].W, []byte{0x24}) || !bytes.Equal(rec.Ops[1].W, []byte{1, 2, 3}) {
		t.Errorf("ops %+v", rec.Ops)
	}
}

func TestSoftwareChipSelect(t *testing.T) {
	b, _, p := newTestBus(t, true)
	if err := b.WriteData([]byte{0xFF}); err != nil {
		t.Fatal(err)
	}
	if p.cs.L != gpio.High {
		t.Errorf("cs left %s after write", p.cs.L)
	}
}

func TestPulseReset(t *testing.T) {
	b, _, p := newTestBus(t, false)
	var levels []gpio.Level
	var slept []time.Duration
	b.sleep = func(d time.Duration) {
		levels = append(levels, p.rst.L)
		slept = append(slept, d)
	}
	if err := b.PulseReset(2*time.Millisecond, 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if len(levels) != 2 || levels[0] != gpio.Low || levels[1] != gpio.High {
		t.Errorf("rst levels while sleeping %v", levels)
	}
	if slept[0] != 2*time.Millisecond || slept[1] != 20*time.Millisecond {
		t.Errorf("slept %v", slept)
	}
}

func TestBusy(t *testing.T) {
	b, _, p := newTestBus(t, false)
	p.busy.L = gpio.High
	if b.Busy() != gpio.High {
		t.Error("busy not reported")
	}
	p.busy.L = gpio.Low
	if b.Busy() != gpio.Low {
		t.Error("idle not reported")
	}
}

func TestCloseIdempotent(t *testing.T) {
	b, _, _ := newTestBus(t, false)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteCommand(0x10); err == nil {
		t.Error("write after close succeeded")
	}
}

// haltPin counts Halt calls.
type haltPin struct {
	*gpiotest.Pin
	halts int
}

func (p *haltPin) Halt() error {
	p.halts++
	return nil
}

func TestCloseHaltsPins(t *testing.T) {
	rec := &spitest.Record{}
	c, err := rec.Connect(physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		t.Fatal(err)
	}
	dc := &haltPin{Pin: &gpiotest.Pin{N: "DC"}}
	rst := &haltPin{Pin: &gpiotest.Pin{N: "RST"}}
	cs := &haltPin{Pin: &gpiotest.Pin{N: "CS"}}
	busy := &gpiotest.Pin{N: "BUSY"}
	b, err := New(c, dc, rst, busy, cs)
	if err != nil {
		t.Fatal(err)
	}
	b.sleep = func(time.Duration) {}

	for i := 0; i < 2; i++ {
		if err := b.Close(); err != nil {
			t.Fatal(err)
		}
	}
	for _, p := range []*haltPin{dc, rst, cs} {
		if p.halts != 1 {
			t.Errorf("%s halted %d times, want 1", p, p.halts)
		}
	}
}

package epd

import (
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
)

// Bus is the hardware capability the driver sequences: a serial link, the
// data/command select line, the reset line and the busy line.
//
// A Bus that also implements conn.Limits has its MaxTxSize honored when data
// is split into chunks.
type Bus interface {
	// SetSelect drives the select line: gpio.Low for the command phase,
	// gpio.High for the data phase.
	SetSelect(l gpio.Level) error
	// WriteCommand sends a single opcode byte.
	WriteCommand(b byte) error
	// WriteData sends one burst of data bytes.
	WriteData(p []byte) error
	// PulseReset holds reset low for low, then releases it and waits settle.
	PulseReset(low, settle time.Duration) error
	// Busy reads the busy line.
	Busy() gpio.Level
	// Close releases the SPI port and pins.
	Close() error
}

// chunkSize returns the largest burst the driver may hand to b.
func chunkSize(b Bus, max int) int {
	if l, ok := b.(conn.Limits); ok {
		if n := l.MaxTxSize(); n > 0 && n < max {
			return n
		}
	}
	return max
}

// forEachChunk calls fn with consecutive slices of p no longer than max.
func forEachChunk(p []byte, max int, fn func([]byte) error) error {
	for len(p) > 0 {
		n := len(p)
		if n > max {
			n = max
		}
		if err := fn(p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

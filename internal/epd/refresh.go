package epd

import (
	"fmt"
	"time"
)

// Write is a resolved plane write.
type Write struct {
	Opcode byte
	Plane  int
}

// Plan is the resolved transmission and refresh sequence of one mode.
type Plan struct {
	Writes        []Write
	RefreshOpcode byte
	RefreshParam  []byte
	Activate      []byte
	Settle        time.Duration
}

// RefreshPlan resolves the write and refresh opcodes of mode m. It fails with
// ErrUnsupportedMode rather than produce a sequence the panel cannot honor.
func RefreshPlan(p *Profile, m Mode) (Plan, error) {
	spec, ok := p.Modes[m]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s has no %s mode", ErrUnsupportedMode, p.Name, m)
	}
	switch m {
	case Gray4:
		if p.PlaneCount != 2 {
			return Plan{}, fmt.Errorf("%w: %s needs two planes, %s has %d", ErrUnsupportedMode, m, p.Name, p.PlaneCount)
		}
	case Partial:
		if !p.SupportsPartial {
			return Plan{}, fmt.Errorf("%w: %s does not support partial refresh", ErrUnsupportedMode, p.Name)
		}
		for _, op := range []Op{OpWindowX, OpWindowY, OpCursorX, OpCursorY} {
			if _, ok := p.Opcodes[op]; !ok {
				return Plan{}, fmt.Errorf("%w: %s: partial refresh needs opcode %q", ErrUnsupportedMode, p.Name, op)
			}
		}
	}
	if len(spec.Writes) == 0 {
		return Plan{}, fmt.Errorf("%w: %s %s writes no planes", ErrUnsupportedMode, p.Name, m)
	}

	resolve := func(op Op) (byte, error) {
		b, ok := p.Opcodes[op]
		if !ok {
			return 0, fmt.Errorf("%w: %s %s: opcode %q not defined", ErrUnsupportedMode, p.Name, m, op)
		}
		return b, nil
	}

	plan := Plan{Settle: spec.Refresh.Settle}
	written := make([]bool, p.PlaneCount)
	for _, w := range spec.Writes {
		if w.Plane < 0 || w.Plane >= p.PlaneCount {
			return Plan{}, fmt.Errorf("%w: %s %s writes plane %d of %d", ErrUnsupportedMode, p.Name, m, w.Plane, p.PlaneCount)
		}
		b, err := resolve(w.Op)
		if err != nil {
			return Plan{}, err
		}
		written[w.Plane] = true
		plan.Writes = append(plan.Writes, Write{Opcode: b, Plane: w.Plane})
	}
	for i, ok := range written {
		if !ok {
			return Plan{}, fmt.Errorf("%w: %s %s never writes plane %d", ErrUnsupportedMode, p.Name, m, i)
		}
	}

	b, err := resolve(spec.Refresh.Op)
	if err != nil {
		return Plan{}, err
	}
	plan.RefreshOpcode = b
	plan.RefreshParam = spec.Refresh.Param
	for _, op := range spec.Refresh.Then {
		b, err := resolve(op)
		if err != nil {
			return Plan{}, err
		}
		plan.Activate = append(plan.Activate, b)
	}
	return plan, nil
}

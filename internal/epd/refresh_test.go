package epd

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestRefreshPlan(t *testing.T) {
	for _, tc := range []struct {
		profile  string
		mode     Mode
		writes   []Write
		refresh  byte
		param    []byte
		activate []byte
		err      error
	}{
		{
			profile:  "4in26",
			mode:     Normal,
			writes:   []Write{{0x24, 0}, {0x26, 0}},
			refresh:  0x22,
			param:    []byte{0xF7},
			activate: []byte{0x20},
		},
		{
			profile:  "4in26",
			mode:     Fast,
			writes:   []Write{{0x24, 0}, {0x26, 0}},
			refresh:  0x22,
			param:    []byte{0xC7},
			activate: []byte{0x20},
		},
		{
			profile:  "4in26",
			mode:     Partial,
			writes:   []Write{{0x24, 0}},
			refresh:  0x22,
			param:    []byte{0xFF},
			activate: []byte{0x20},
		},
		{profile: "4in26", mode: Gray4, err: ErrUnsupportedMode},
		{
			profile:  "4in26-gray4",
			mode:     Gray4,
			writes:   []Write{{0x26, 0}, {0x24, 1}},
			refresh:  0x22,
			param:    []byte{0xC7},
			activate: []byte{0x20},
		},
		{profile: "4in26-gray4", mode: Normal, err: ErrUnsupportedMode},
		{
			profile: "7in3f",
			mode:    Normal,
			writes:  []Write{{0x10, 0}},
			refresh: 0x12,
			param:   []byte{0x00},
		},
		{profile: "7in3f", mode: Partial, err: ErrUnsupportedMode},
		{profile: "7in3e", mode: Fast, err: ErrUnsupportedMode},
		{
			profile:  "1in54v2",
			mode:     Partial,
			writes:   []Write{{0x24, 0}},
			refresh:  0x22,
			param:    []byte{0xCF},
			activate: []byte{0x20},
		},
	} {
		t.Run(tc.profile+"/"+tc.mode.String(), func(t *testing.T) {
			plan, err := RefreshPlan(mustProfile(t, tc.profile), tc.mode)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("got %v, want %v", err, tc.err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(plan.Writes, tc.writes) {
				t.Errorf("writes %v, want %v", plan.Writes, tc.writes)
			}
			if plan.RefreshOpcode != tc.refresh || !bytes.Equal(plan.RefreshParam, tc.param) {
				t.Errorf("refresh %#02x % x, want %#02x % x", plan.RefreshOpcode, plan.RefreshParam, tc.refresh, tc.param)
			}
			if !bytes.Equal(plan.Activate, tc.activate) {
				t.Errorf("activate % x, want % x", plan.Activate, tc.activate)
			}
		})
	}
}

func TestRefreshPlanGray4NeedsTwoPlanes(t *testing.T) {
	p := *mustProfile(t, "4in26")
	p.Modes = map[Mode]ModeSpec{
		Gray4: {
			Writes:  []PlaneWrite{{Op: opRAMBW, Plane: 0}},
			Refresh: Trigger{Op: opUpdateCtl, Param: []byte{0xC7}},
		},
	}
	if _, err := RefreshPlan(&p, Gray4); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("got %v, want ErrUnsupportedMode", err)
	}
}

func TestRefreshPlanPartialWithoutWindowOpcodes(t *testing.T) {
	p := *mustProfile(t, "4in26")
	p.Opcodes = map[Op]byte{opRAMBW: 0x24, opRAMRed: 0x26, opUpdateCtl: 0x22, opActivate: 0x20}
	if _, err := RefreshPlan(&p, Partial); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("got %v, want ErrUnsupportedMode", err)
	}
	p.Opcodes = ssd4in26Opcodes
	p.SupportsPartial = false
	if _, err := RefreshPlan(&p, Partial); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("got %v, want ErrUnsupportedMode", err)
	}
}

func TestRefreshPlanUndefinedOpcode(t *testing.T) {
	p := *mustProfile(t, "7in3f")
	p.Modes = map[Mode]ModeSpec{
		Normal: {
			Writes:  []PlaneWrite{{Op: "nope", Plane: 0}},
			Refresh: Trigger{Op: opDRF},
		},
	}
	if _, err := RefreshPlan(&p, Normal); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("got %v, want ErrUnsupportedMode", err)
	}
}

package slideshow

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"epdpanel/internal/epd"
)

type fakePanel struct {
	calls   []string
	frames  []*epd.Frame
	state   epd.State
	mode    epd.Mode
	failOn  string
	failErr error
}

func (p *fakePanel) do(name string) error {
	p.calls = append(p.calls, name)
	if name == p.failOn {
		p.state = epd.Uninitialized
		return p.failErr
	}
	return nil
}

func (p *fakePanel) Initialize(m epd.Mode) error {
	if err := p.do("init:" + m.String()); err != nil {
		return err
	}
	p.state, p.mode = epd.Ready, m
	return nil
}

func (p *fakePanel) Display(f *epd.Frame) error {
	p.frames = append(p.frames, f)
	return p.do("display")
}

func (p *fakePanel) Sleep() error {
	if err := p.do("sleep"); err != nil {
		return err
	}
	p.state = epd.Asleep
	return nil
}

func (p *fakePanel) State() (epd.State, epd.Mode) { return p.state, p.mode }

func profile(t *testing.T, name string) *epd.Profile {
	t.Helper()
	p, err := epd.ProfileByName(name)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func writePNG(t *testing.T, dir, name string, w, h int, c color.Color) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewValidates(t *testing.T) {
	p := profile(t, "7in3f")
	if _, err := New(&fakePanel{}, nil, Options{}); err == nil {
		t.Error("expected error for nil profile")
	}
	if _, err := New(nil, p, Options{}); err == nil {
		t.Error("expected error for nil panel")
	}
	if _, err := New(nil, p, Options{RenderOnly: true}); err != nil {
		t.Errorf("render-only without panel: %v", err)
	}
	if _, err := New(&fakePanel{}, p, Options{Mode: epd.Gray4}); !errors.Is(err, epd.ErrUnsupportedMode) {
		t.Errorf("gray4 on 7in3f: %v", err)
	}
}

func TestShowRunsWakeCycle(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "red.png", 40, 30, color.NRGBA{255, 0, 0, 255})
	p := profile(t, "7in3f")
	panel := &fakePanel{}
	s, err := New(panel, p, Options{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Show(path); err != nil {
		t.Fatal(err)
	}
	want := []string{"init:normal", "display", "sleep"}
	if !slices.Equal(panel.calls, want) {
		t.Errorf("calls = %v, want %v", panel.calls, want)
	}
	f := panel.frames[0]
	if f.Width() != p.Width || f.Height() != p.Height {
		t.Errorf("frame %v", f.Rect)
	}
	// Solid red is index 4: every byte holds two 0x4 nibbles.
	for i, b := range f.Planes[0].Bytes {
		if b != 0x44 {
			t.Fatalf("byte %d = %#02x", i, b)
		}
	}

	st := s.Status()
	if st.Image != "red.png" || st.Updates != 1 || st.LastError != "" || st.State != "asleep" {
		t.Errorf("status = %+v", st)
	}
	if pv := s.Preview(); pv == nil || pv.Bounds() != p.Bounds() {
		t.Error("preview not kept")
	}
}

func TestShowPanelFailure(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "a.png", 8, 8, color.White)
	boom := errors.New("boom")
	panel := &fakePanel{failOn: "display", failErr: boom}
	s, err := New(panel, profile(t, "4in26"), Options{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Show(path); !errors.Is(err, boom) {
		t.Fatalf("Show() = %v", err)
	}
	if slices.Contains(panel.calls, "sleep") {
		t.Error("slept after failed display")
	}
	st := s.Status()
	if st.LastError != "boom" || st.Updates != 0 || st.State != "uninitialized" {
		t.Errorf("status = %+v", st)
	}
}

func TestShowMissingFile(t *testing.T) {
	s, err := New(&fakePanel{}, profile(t, "4in26"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Show(filepath.Join(t.TempDir(), "nope.png")); err == nil {
		t.Error("expected error")
	}
	if s.Preview() != nil {
		t.Error("preview set for failed render")
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.JPG", "a.png", "notes.txt", ".hidden.png", "c.tiff"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "d.png"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := List(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, p := range got {
		names = append(names, filepath.Base(p))
	}
	if want := []string{"a.png", "b.JPG", "c.tiff"}; !slices.Equal(names, want) {
		t.Errorf("List() = %v, want %v", names, want)
	}
	if _, err := List(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing dir")
	}
}

func TestNextSequential(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"1.png", "2.png", "3.png"} {
		writePNG(t, dir, n, 4, 4, color.Black)
	}
	s, err := New(nil, profile(t, "1in54v2"), Options{Dir: dir, RenderOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	var seen []string
	for i := 0; i < 4; i++ {
		if err := s.Next(); err != nil {
			t.Fatal(err)
		}
		seen = append(seen, s.Status().Image)
	}
	if want := []string{"1.png", "2.png", "3.png", "1.png"}; !slices.Equal(seen, want) {
		t.Errorf("order = %v, want %v", seen, want)
	}
	if st := s.Status(); st.State != "render-only" || st.Updates != 4 {
		t.Errorf("status = %+v", st)
	}
}

func TestNextShuffleAvoidsRepeat(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, dir, "a.png", 4, 4, color.Black)
	writePNG(t, dir, "b.png", 4, 4, color.White)
	s, err := New(nil, profile(t, "1in54v2"), Options{Dir: dir, Shuffle: true, RenderOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	s.pick = func(int) int { return 0 }

	var seen []string
	for i := 0; i < 3; i++ {
		if err := s.Next(); err != nil {
			t.Fatal(err)
		}
		seen = append(seen, s.Status().Image)
	}
	if want := []string{"a.png", "b.png", "a.png"}; !slices.Equal(seen, want) {
		t.Errorf("order = %v, want %v", seen, want)
	}
}

func TestNextEmptyDir(t *testing.T) {
	s, err := New(nil, profile(t, "4in26"), Options{Dir: t.TempDir(), RenderOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Next(); !errors.Is(err, ErrNoImages) {
		t.Errorf("Next() = %v", err)
	}
}

func TestDump(t *testing.T) {
	dir := t.TempDir()
	dumpDir := filepath.Join(dir, "dump")
	path := writePNG(t, dir, "g.png", 20, 20, color.Gray{Y: 90})
	p := profile(t, "4in26-gray4")
	s, err := New(nil, p, Options{Mode: epd.Gray4, RenderOnly: true, DumpDir: dumpDir})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Show(path); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"preview.png", "plane0.bin", "plane1.bin"} {
		fi, err := os.Stat(filepath.Join(dumpDir, name))
		if err != nil {
			t.Fatal(err)
		}
		if name != "preview.png" && fi.Size() != int64(epd.PlaneSize(p.Width, p.Height, 1)) {
			t.Errorf("%s size %d", name, fi.Size())
		}
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, dir, "only.png", 4, 4, color.White)
	panel := &fakePanel{}
	s, err := New(panel, profile(t, "4in26"), Options{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Run(context.Background(), "not a schedule"); err == nil {
		t.Error("expected schedule error")
	}
	if len(panel.calls) != 0 {
		t.Errorf("panel touched with bad schedule: %v", panel.calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx, "0 0 1 1 *"); err != nil {
		t.Fatal(err)
	}
	if st := s.Status(); st.Updates != 1 || st.Image != "only.png" {
		t.Errorf("status after Run = %+v", st)
	}
}

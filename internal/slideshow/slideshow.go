// Package slideshow cycles pictures from a directory onto a panel. Every
// update is a full wake cycle: initialize, display, sleep.
package slideshow

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"epdpanel/internal/convert"
	"epdpanel/internal/epd"
	appLog "epdpanel/internal/log"
)

// ErrNoImages is returned by Next when the directory holds no pictures.
var ErrNoImages = errors.New("slideshow: no images")

var extensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff"}

// Panel is the part of *epd.Driver a Show needs.
type Panel interface {
	Initialize(epd.Mode) error
	Display(*epd.Frame) error
	Sleep() error
	State() (epd.State, epd.Mode)
}

// Options configures a Show.
type Options struct {
	Dir     string
	Shuffle bool
	Mode    epd.Mode
	Convert convert.Options

	// RenderOnly skips the panel entirely; pictures are still converted
	// and kept for Preview.
	RenderOnly bool

	// DumpDir, if set, receives preview.png and one planeN.bin per plane
	// for every rendered picture.
	DumpDir string
}

// Status describes the last update.
type Status struct {
	Image     string    `json:"image,omitempty"`
	ShownAt   time.Time `json:"shown_at,omitempty"`
	Updates   int       `json:"updates"`
	LastError string    `json:"last_error,omitempty"`
	State     string    `json:"state"`
	Mode      string    `json:"mode"`
}

// Show renders pictures for one panel.
type Show struct {
	panel   Panel
	profile *epd.Profile
	opts    Options
	conv    *convert.Converter

	// mu serializes updates; the panel handles one at a time.
	mu     sync.Mutex
	cursor int
	last   string
	pick   func(n int) int

	stMu    sync.RWMutex
	status  Status
	preview *image.Paletted
}

// New returns a Show. panel may be nil only with RenderOnly set.
func New(panel Panel, p *epd.Profile, o Options) (*Show, error) {
	if p == nil {
		return nil, errors.New("slideshow: nil profile")
	}
	if panel == nil && !o.RenderOnly {
		return nil, errors.New("slideshow: nil panel")
	}
	if !p.Supports(o.Mode) {
		return nil, fmt.Errorf("slideshow: %s on %s: %w", o.Mode, p.Name, epd.ErrUnsupportedMode)
	}
	return &Show{
		panel:   panel,
		profile: p,
		opts:    o,
		conv:    convert.New(o.Convert),
		pick:    rand.Intn,
	}, nil
}

// Render loads and converts one picture without touching the panel.
func (s *Show) Render(path string) (*image.Paletted, *epd.Frame, error) {
	img, err := convert.Load(path)
	if err != nil {
		return nil, nil, err
	}
	q := s.conv.Convert(img, s.profile)
	f, err := epd.Pack(q, s.profile)
	if err != nil {
		return nil, nil, fmt.Errorf("slideshow: pack %s: %w", path, err)
	}
	return q, f, nil
}

// Show renders path and puts it on the panel.
func (s *Show) Show(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.show(path)
}

func (s *Show) show(path string) error {
	start := time.Now()
	q, f, err := s.Render(path)
	if err != nil {
		s.record(path, err)
		return err
	}

	s.stMu.Lock()
	s.preview = q
	s.stMu.Unlock()

	if s.opts.DumpDir != "" {
		if err := dump(s.opts.DumpDir, q, f); err != nil {
			appLog.Warn("dump failed", "dir", s.opts.DumpDir, "err", err)
		}
	}

	if !s.opts.RenderOnly {
		err = s.cycle(f)
	}
	s.record(path, err)
	if err != nil {
		return err
	}
	appLog.Info("picture shown",
		"image", filepath.Base(path),
		"panel", s.profile.Name,
		"mode", s.opts.Mode,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"render_only", s.opts.RenderOnly,
	)
	return nil
}

func (s *Show) cycle(f *epd.Frame) error {
	if err := s.panel.Initialize(s.opts.Mode); err != nil {
		return err
	}
	if err := s.panel.Display(f); err != nil {
		return err
	}
	return s.panel.Sleep()
}

func (s *Show) record(path string, err error) {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	s.status.Image = filepath.Base(path)
	s.status.ShownAt = time.Now()
	if err != nil {
		s.status.LastError = err.Error()
		return
	}
	s.status.LastError = ""
	s.status.Updates++
}

// Next shows the next picture from Dir, at random when Shuffle is set and
// in name order otherwise. A random pick never repeats the previous one
// unless it is the only picture.
func (s *Show) Next() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := List(s.opts.Dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%w in %s", ErrNoImages, s.opts.Dir)
	}

	var path string
	if s.opts.Shuffle {
		candidates := files
		if len(files) > 1 {
			candidates = slices.DeleteFunc(slices.Clone(files), func(f string) bool { return f == s.last })
		}
		path = candidates[s.pick(len(candidates))]
	} else {
		path = files[s.cursor%len(files)]
		s.cursor++
	}
	s.last = path
	return s.show(path)
}

// List returns the pictures in dir, sorted by name.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("slideshow: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if slices.Contains(extensions, strings.ToLower(filepath.Ext(e.Name()))) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(out)
	return out, nil
}

// Run shows a picture immediately and then on every tick of schedule (a
// standard 5-field cron expression) until ctx is done. Ticks that fire
// while an update is still running are skipped.
func (s *Show) Run(ctx context.Context, schedule string) error {
	l := cronLogger{}
	c := cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	tick := func() {
		if err := s.Next(); err != nil {
			appLog.Error("slideshow update failed", err, "dir", s.opts.Dir)
		}
	}
	if _, err := c.AddFunc(schedule, tick); err != nil {
		return fmt.Errorf("slideshow: schedule %q: %w", schedule, err)
	}

	appLog.Info("slideshow started", "dir", s.opts.Dir, "schedule", schedule, "shuffle", s.opts.Shuffle)
	tick()
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	appLog.Info("slideshow stopped")
	return nil
}

// Status returns a snapshot of the last update and the panel state.
func (s *Show) Status() Status {
	s.stMu.RLock()
	st := s.status
	s.stMu.RUnlock()

	st.State = "render-only"
	st.Mode = s.opts.Mode.String()
	if s.panel != nil {
		state, mode := s.panel.State()
		st.State = state.String()
		if state != epd.Uninitialized {
			st.Mode = mode.String()
		}
	}
	return st
}

// Preview returns the last quantized picture, or nil before the first
// update. The image must not be modified.
func (s *Show) Preview() *image.Paletted {
	s.stMu.RLock()
	defer s.stMu.RUnlock()
	return s.preview
}

// Profile returns the panel profile pictures are rendered for.
func (s *Show) Profile() *epd.Profile {
	return s.profile
}

func dump(dir string, q *image.Paletted, f *epd.Frame) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	out, err := os.Create(filepath.Join(dir, "preview.png"))
	if err != nil {
		return err
	}
	if err := png.Encode(out, q); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	for i, pl := range f.Planes {
		name := filepath.Join(dir, fmt.Sprintf("plane%d.bin", i))
		if err := os.WriteFile(name, pl.Bytes, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// cronLogger routes cron's own logging through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}

package web

import (
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"epdpanel/internal/config"
	"epdpanel/internal/epd"
	"epdpanel/internal/slideshow"
)

type fakeSource struct {
	profile *epd.Profile
	preview *image.Paletted
	nexts   chan struct{}
}

func (f *fakeSource) Profile() *epd.Profile { return f.profile }

func (f *fakeSource) Status() slideshow.Status {
	return slideshow.Status{Image: "cat.jpg", Updates: 3, State: "asleep", Mode: "normal"}
}

func (f *fakeSource) Preview() *image.Paletted { return f.preview }

func (f *fakeSource) Next() error {
	f.nexts <- struct{}{}
	return nil
}

func newTestServer(t *testing.T, auth *config.BasicAuthConfig) (*Server, *fakeSource) {
	t.Helper()
	p, err := epd.ProfileByName("7in3f")
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.BasicAuth = auth
	src := &fakeSource{profile: p, nexts: make(chan struct{}, 4)}
	return NewServer(cfg, src), src
}

func do(h http.Handler, method, path string, auth ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if len(auth) == 2 {
		req.SetBasicAuth(auth[0], auth[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &config.BasicAuthConfig{Username: "admin", Password: "pw"})
	rec := do(s.Handler(), http.MethodGet, "/health")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("/health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestPanel(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(s.Handler(), http.MethodGet, "/api/panel")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp panelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Profile != "7in3f" || resp.Width != 800 || resp.Height != 480 || resp.BitsPerPixel != 4 {
		t.Errorf("panel = %+v", resp)
	}
	want := []string{"#000000", "#ffffff", "#00ff00", "#0000ff", "#ff0000", "#ffff00", "#ff7f00"}
	if strings.Join(resp.Palette, ",") != strings.Join(want, ",") {
		t.Errorf("palette = %v", resp.Palette)
	}
	if len(resp.Modes) != 1 || resp.Modes[0] != "normal" {
		t.Errorf("modes = %v", resp.Modes)
	}
	if resp.Status.Image != "cat.jpg" || resp.Status.Updates != 3 {
		t.Errorf("status = %+v", resp.Status)
	}

	if rec := do(s.Handler(), http.MethodPost, "/api/panel"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/panel = %d", rec.Code)
	}
}

func TestPreview(t *testing.T) {
	s, src := newTestServer(t, nil)
	if rec := do(s.Handler(), http.MethodGet, "/preview.png"); rec.Code != http.StatusNotFound {
		t.Errorf("empty preview = %d", rec.Code)
	}

	src.preview = image.NewPaletted(image.Rect(0, 0, 800, 480), src.profile.Palette.Colors())
	rec := do(s.Handler(), http.MethodGet, "/preview.png")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("preview = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 800 || img.Bounds().Dy() != 480 {
		t.Errorf("preview bounds %v", img.Bounds())
	}
}

func TestBasicAuth(t *testing.T) {
	s, _ := newTestServer(t, &config.BasicAuthConfig{Username: "admin", Password: "pw"})
	h := s.Handler()
	for _, tc := range []struct {
		name string
		auth []string
		want int
	}{
		{"none", nil, http.StatusUnauthorized},
		{"wrong", []string{"admin", "nope"}, http.StatusUnauthorized},
		{"right", []string{"admin", "pw"}, http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(h, http.MethodGet, "/api/panel", tc.auth...)
			if rec.Code != tc.want {
				t.Errorf("code = %d, want %d", rec.Code, tc.want)
			}
		})
	}

	// Half-configured credentials disable auth.
	s, _ = newTestServer(t, &config.BasicAuthConfig{Username: "admin"})
	if rec := do(s.Handler(), http.MethodGet, "/api/panel"); rec.Code != http.StatusOK {
		t.Errorf("half-configured auth = %d", rec.Code)
	}
}

func TestConfigHidesPassword(t *testing.T) {
	s, _ := newTestServer(t, &config.BasicAuthConfig{Username: "admin", Password: "secret"})
	rec := do(s.Handler(), http.MethodGet, "/api/config", "admin", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Errorf("password leaked: %s", rec.Body.String())
	}
}

func TestRefreshQueuesNext(t *testing.T) {
	s, src := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.refreshLoop(ctx)

	if rec := do(s.Handler(), http.MethodGet, "/api/refresh"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/refresh = %d", rec.Code)
	}
	rec := do(s.Handler(), http.MethodPost, "/api/refresh")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /api/refresh = %d", rec.Code)
	}
	select {
	case <-src.nexts:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh not run")
	}
}

func TestStaticAndUnknownAPI(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(s.Handler(), http.MethodGet, "/")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "epdpanel") {
		t.Errorf("/ = %d", rec.Code)
	}
	if rec := do(s.Handler(), http.MethodGet, "/api/unknown"); rec.Code != http.StatusNotFound {
		t.Errorf("/api/unknown = %d", rec.Code)
	}
}

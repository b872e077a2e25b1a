package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"periph.io/x/conn/v3/physic"

	"epdpanel/internal/config"
	"epdpanel/internal/convert"
	"epdpanel/internal/epd"
	appLog "epdpanel/internal/log"
	"epdpanel/internal/slideshow"
	"epdpanel/internal/spibus"
	"epdpanel/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	image      string
	clear      bool
	renderOnly bool
	dump       string
	list       bool
}

func main() {
	flags := parseFlags()

	if flags.list {
		listProfiles()
		return
	}

	appLog.Info("epdpanel starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	level, _ := appLog.ParseLevel(conf.LogLevel)
	appLog.SetLevel(level)

	if err := run(conf, flags); err != nil {
		appLog.Error("epdpanel failed", err)
		os.Exit(1)
	}
	appLog.Info("epdpanel exiting")
}

func run(conf *config.Config, flags flagConfig) error {
	profile, err := resolveProfile(conf.Panel)
	if err != nil {
		return err
	}
	mode, err := epd.ParseMode(conf.Panel.Mode)
	if err != nil {
		return err
	}
	rotate, err := convert.ParseRotation(conf.Slideshow.Rotate)
	if err != nil {
		return err
	}

	appLog.Info("effective config",
		"panel", profile.Name,
		"mode", mode,
		"listen", conf.Listen,
		"image_dir", conf.Slideshow.ImageDir,
		"schedule", conf.Slideshow.Schedule,
		"once", flags.once,
		"render_only", flags.renderOnly,
	)

	var panel slideshow.Panel
	if !flags.renderOnly {
		drv, err := openDriver(conf, profile)
		if err != nil {
			return err
		}
		defer shutdownPanel(drv)
		panel = drv

		if flags.clear {
			return clearPanel(drv, mode)
		}
	} else if flags.clear {
		return errors.New("-clear needs the panel; drop -render-only")
	}

	show, err := slideshow.New(panel, profile, slideshow.Options{
		Dir:     conf.Slideshow.ImageDir,
		Shuffle: conf.Slideshow.Shuffle,
		Mode:    mode,
		Convert: convert.Options{
			Rotate:     rotate,
			Contrast:   conf.Slideshow.Contrast,
			Saturation: conf.Slideshow.Saturation,
			Dither:     conf.Slideshow.Dither,
		},
		RenderOnly: flags.renderOnly,
		DumpDir:    flags.dump,
	})
	if err != nil {
		return err
	}

	switch {
	case flags.image != "":
		return show.Show(flags.image)
	case flags.once:
		return show.Next()
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if conf.Listen != "" {
		go func() {
			if err := web.StartServer(ctx, conf, show); err != nil {
				appLog.Error("HTTP server failed", err)
				cancel()
			}
		}()
	}

	if conf.Slideshow.Schedule == "" {
		// No schedule: one picture now, further updates only via /api/refresh.
		if err := show.Next(); err != nil {
			appLog.Error("slideshow update failed", err)
		}
		<-ctx.Done()
		return nil
	}
	return show.Run(ctx, conf.Slideshow.Schedule)
}

func resolveProfile(pc config.PanelConfig) (*epd.Profile, error) {
	if pc.ProfileFile != "" {
		return epd.LoadProfile(pc.ProfileFile)
	}
	return epd.ProfileByName(pc.Model)
}

func openDriver(conf *config.Config, p *epd.Profile) (*epd.Driver, error) {
	bus, err := spibus.Open(spibus.Opts{
		Port:  conf.Bus.SPIPort,
		Hz:    physic.Frequency(conf.Bus.SpeedHz) * physic.Hertz,
		DC:    conf.Bus.DCPin,
		Reset: conf.Bus.ResetPin,
		Busy:  conf.Bus.BusyPin,
		CS:    conf.Bus.CSPin,
	})
	if err != nil {
		return nil, err
	}
	drv, err := epd.New(bus, p, &epd.Opts{
		BusyTimeout:  conf.Panel.BusyTimeout,
		PollInterval: conf.Panel.PollInterval,
	})
	if err != nil {
		bus.Close()
		return nil, err
	}
	appLog.Info("panel opened", "driver", drv.String(), "bus", bus.String())
	return drv, nil
}

func clearPanel(drv *epd.Driver, mode epd.Mode) error {
	if err := drv.Initialize(mode); err != nil {
		return err
	}
	if err := drv.Clear(color.White); err != nil {
		return err
	}
	appLog.Info("panel cleared", "panel", drv.Profile().Name)
	return nil
}

// shutdownPanel leaves the panel in deep sleep and releases the bus. A panel
// that is still powered with an image on it ages faster.
func shutdownPanel(drv *epd.Driver) {
	if state, _ := drv.State(); state == epd.Ready {
		if err := drv.Sleep(); err != nil {
			appLog.Error("failed to put panel to sleep", err)
		}
	}
	if err := drv.Close(); err != nil {
		appLog.Error("failed to close bus", err)
	}
}

func listProfiles() {
	for _, name := range epd.ProfileNames() {
		p, err := epd.ProfileByName(name)
		if err != nil {
			continue
		}
		modes := make([]string, 0, len(p.Modes))
		for _, m := range p.SupportedModes() {
			modes = append(modes, m.String())
		}
		fmt.Printf("%-12s %4dx%-4d %dbpp  %d colors  modes=%s\n",
			name, p.Width, p.Height, p.BitsPerPixel, len(p.Palette), strings.Join(modes, ","))
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/epdpanel/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Show one picture from the image directory and exit")
	flag.StringVar(&cfg.image, "image", "", "Show this picture and exit")
	flag.BoolVar(&cfg.clear, "clear", false, "Clear the panel to white and exit")
	flag.BoolVar(&cfg.renderOnly, "render-only", false, "Render only; do not touch display hardware")
	flag.StringVar(&cfg.dump, "dump", "", "Directory for debug artifacts (preview.png, planeN.bin)")
	flag.BoolVar(&cfg.list, "list", false, "List built-in panel profiles and exit")

	flag.Parse()

	return cfg
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"epdpanel/internal/convert"
	"epdpanel/internal/epd"
	appLog "epdpanel/internal/log"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// PanelConfig selects the panel model and how it is driven.
type PanelConfig struct {
	// Model is a built-in profile name (see epdpanel -list).
	Model string `yaml:"model" json:"model"`

	// ProfileFile, if set, loads the profile from a YAML document instead
	// of the built-in Model.
	ProfileFile string `yaml:"profile_file,omitempty" json:"profile_file,omitempty"`

	// Mode is the refresh mode used for every update: normal, fast, gray4
	// or partial. It must be supported by the profile.
	Mode string `yaml:"mode" json:"mode"`

	// BusyTimeout bounds each wait on the BUSY line.
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"`

	// PollInterval is the BUSY line polling period.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// BusConfig names the SPI port and GPIO lines in periph's registries.
type BusConfig struct {
	SPIPort  string `yaml:"spi_port" json:"spi_port"`
	SpeedHz  int64  `yaml:"speed_hz" json:"speed_hz"`
	DCPin    string `yaml:"dc_pin" json:"dc_pin"`
	ResetPin string `yaml:"reset_pin" json:"reset_pin"`
	BusyPin  string `yaml:"busy_pin" json:"busy_pin"`
	// CSPin is optional; empty uses the SPI port's hardware chip select.
	CSPin string `yaml:"cs_pin,omitempty" json:"cs_pin,omitempty"`
}

// SlideshowConfig controls which pictures are shown and when.
type SlideshowConfig struct {
	ImageDir string `yaml:"image_dir" json:"image_dir"`

	// Schedule is a standard 5-field cron expression (e.g. "*/30 * * * *").
	Schedule string `yaml:"schedule" json:"schedule"`

	Shuffle bool `yaml:"shuffle" json:"shuffle"`

	// Rotate is "auto", "0", "90", "180" or "270".
	Rotate string `yaml:"rotate" json:"rotate"`

	Dither     bool    `yaml:"dither" json:"dither"`
	Contrast   float64 `yaml:"contrast" json:"contrast"`
	Saturation float64 `yaml:"saturation" json:"saturation"`
}

// Config is the top-level application configuration.
type Config struct {
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Listen is the HTTP listen address for the status server. Empty
	// disables the server.
	Listen string `yaml:"listen" json:"listen"`

	Panel     PanelConfig     `yaml:"panel" json:"panel"`
	Bus       BusConfig       `yaml:"bus" json:"bus"`
	Slideshow SlideshowConfig `yaml:"slideshow" json:"slideshow"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Listen:   "127.0.0.1:8080",
		Panel: PanelConfig{
			Model:        "7in3f",
			Mode:         "normal",
			BusyTimeout:  epd.DefaultBusyTimeout,
			PollInterval: epd.DefaultPollInterval,
		},
		Bus: BusConfig{
			SpeedHz:  4_000_000,
			DCPin:    "GPIO25",
			ResetPin: "GPIO24",
			BusyPin:  "GPIO23",
		},
		Slideshow: SlideshowConfig{
			ImageDir: "./images",
			Schedule: "*/30 * * * *",
			Shuffle:  true,
			Rotate:   "auto",
			Dither:   true,
		},
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Panel.Model == "" && c.Panel.ProfileFile == "" {
		c.Panel.Model = def.Panel.Model
	}
	if c.Panel.Mode == "" {
		c.Panel.Mode = def.Panel.Mode
	}
	if c.Panel.BusyTimeout <= 0 {
		c.Panel.BusyTimeout = def.Panel.BusyTimeout
	}
	if c.Panel.PollInterval <= 0 {
		c.Panel.PollInterval = def.Panel.PollInterval
	}
	if c.Bus.SpeedHz <= 0 {
		c.Bus.SpeedHz = def.Bus.SpeedHz
	}
	if c.Bus.DCPin == "" {
		c.Bus.DCPin = def.Bus.DCPin
	}
	if c.Bus.ResetPin == "" {
		c.Bus.ResetPin = def.Bus.ResetPin
	}
	if c.Bus.BusyPin == "" {
		c.Bus.BusyPin = def.Bus.BusyPin
	}
	if c.Slideshow.ImageDir == "" {
		c.Slideshow.ImageDir = def.Slideshow.ImageDir
	}
	if c.Slideshow.Rotate == "" {
		c.Slideshow.Rotate = def.Slideshow.Rotate
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" && c.BasicAuth.Password == "" {
		c.BasicAuth = nil
	}
}

// Validate checks the values Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := appLog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := epd.ParseMode(c.Panel.Mode); err != nil {
		errs = append(errs, fmt.Errorf("panel.mode: %w", err))
	}
	if c.Panel.ProfileFile == "" {
		if _, err := epd.ProfileByName(c.Panel.Model); err != nil {
			errs = append(errs, fmt.Errorf("panel.model: %w", err))
		}
	}
	if _, err := convert.ParseRotation(c.Slideshow.Rotate); err != nil {
		errs = append(errs, fmt.Errorf("slideshow.rotate: %w", err))
	}
	if c.Slideshow.Schedule != "" {
		if _, err := cron.ParseStandard(c.Slideshow.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("slideshow.schedule: %w", err))
		}
	}
	for name, v := range map[string]float64{
		"slideshow.contrast":   c.Slideshow.Contrast,
		"slideshow.saturation": c.Slideshow.Saturation,
	} {
		if v < -100 || v > 100 {
			errs = append(errs, fmt.Errorf("%s: %v outside [-100, 100]", name, v))
		}
	}
	return errors.Join(errs...)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms (creating the parent directory) and returned.
//   - Otherwise the YAML is decoded, normalized and validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".epdpanel-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

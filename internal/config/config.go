// Package config loads the daemon configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
	"github.com/w1xm/mount_interface/coord"
	"github.com/w1xm/mount_interface/ephem"
)

// Duration is a time.Duration written as "5s" or "250ms" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type IndigoConfig struct {
	Host              string   `toml:"host"`
	Port              int      `toml:"port"`
	MaxRetries        int      `toml:"max_retries"`
	ReconnectInterval Duration `toml:"reconnect_interval"`
}

// Addr returns host:port, bracketing IPv6 hosts.
func (c IndigoConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type MountConfig struct {
	Device         string   `toml:"device"`
	DefaultProfile string   `toml:"default_profile"`
	PollInterval   Duration `toml:"poll_interval"`
	TrackInterval  Duration `toml:"track_interval"`
	AstroInterval  Duration `toml:"astro_interval"`

	// Park position in hours/degrees and how close the mount must get.
	ParkRA           float64  `toml:"park_ra"`
	ParkDec          float64  `toml:"park_dec"`
	ParkTolerance    float64  `toml:"park_tolerance"`
	ParkAttempts     int      `toml:"park_attempts"`
	ParkPollInterval Duration `toml:"park_poll_interval"`
}

// ParkPosition returns the configured park coordinates.
func (c MountConfig) ParkPosition() coord.Equatorial {
	return coord.Equatorial{RA: c.ParkRA, Dec: c.ParkDec}
}

type FocuserConfig struct {
	Device       string   `toml:"device"`
	PollInterval Duration `toml:"poll_interval"`
}

type EphemerisConfig struct {
	// File is the JPL ephemeris. It is opened at process start from $JPLEPH,
	// so mountd re-executes itself when this names a different file.
	File string `toml:"file"`
}

type ArduinoConfig struct {
	// Port is a serial device; empty disables dome and etalon control.
	Port string `toml:"port"`
	Baud int    `toml:"baud"`
}

type HTTPConfig struct {
	Addr        string `toml:"addr"`
	RotctldAddr string `toml:"rotctld_addr"`
	StaticDir   string `toml:"static_dir"`
}

type Config struct {
	LogLevel  string          `toml:"log_level"`
	Indigo    IndigoConfig    `toml:"indigo"`
	Mount     MountConfig     `toml:"mount"`
	Focuser   FocuserConfig   `toml:"focuser"`
	Ephemeris EphemerisConfig `toml:"ephemeris"`
	Arduino   ArduinoConfig   `toml:"arduino"`
	HTTP      HTTPConfig      `toml:"http"`
	// Sites is the ordered location profile table; toggling walks it in order.
	Sites []ephem.Site `toml:"sites"`
}

// DefaultSites are the observing locations known without a config file.
var DefaultSites = []ephem.Site{
	{Name: "chapel_hill", Latitude: 35.9132, Longitude: -79.0558, Elevation: 80, Timezone: "America/New_York"},
	{Name: "kansas_city", Latitude: 39.0997, Longitude: -94.5786, Elevation: 277, Timezone: "America/Chicago"},
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Indigo: IndigoConfig{
			Host:              "indigosky.local",
			Port:              7624,
			MaxRetries:        10,
			ReconnectInterval: Duration{5 * time.Second},
		},
		Mount: MountConfig{
			Device:           "Mount Simulator",
			DefaultProfile:   "chapel_hill",
			PollInterval:     Duration{1 * time.Second},
			TrackInterval:    Duration{30 * time.Second},
			AstroInterval:    Duration{20 * time.Second},
			ParkRA:           0,
			ParkDec:          90,
			ParkTolerance:    0.5,
			ParkAttempts:     60,
			ParkPollInterval: Duration{1 * time.Second},
		},
		Focuser: FocuserConfig{
			Device:       "nSTEP",
			PollInterval: Duration{2 * time.Second},
		},
		Arduino: ArduinoConfig{Baud: 9600},
		HTTP: HTTPConfig{
			Addr:        "127.0.0.1:8502",
			RotctldAddr: "127.0.0.1:4533",
			StaticDir:   "static",
		},
		Sites: append([]ephem.Site(nil), DefaultSites...),
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	// A [[sites]] table in the file replaces the default profiles entirely.
	cfg.Sites = nil
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("reading %q: %w", path, err)
	}
	if len(cfg.Sites) == 0 {
		cfg.Sites = append([]ephem.Site(nil), DefaultSites...)
	}
	for _, key := range md.Undecoded() {
		log.Warn().Str("path", path).Str("key", key.String()).Msg("ignoring unknown config key")
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	var problems []string
	if cfg.Indigo.Host == "" {
		problems = append(problems, "indigo.host is required")
	}
	if cfg.Indigo.Port <= 0 || cfg.Indigo.Port > 65535 {
		problems = append(problems, fmt.Sprintf("indigo.port %d out of range", cfg.Indigo.Port))
	}
	if cfg.Mount.Device == "" {
		problems = append(problems, "mount.device is required")
	}
	if cfg.Mount.ParkTolerance <= 0 {
		problems = append(problems, "mount.park_tolerance must be positive")
	}
	if len(cfg.Sites) == 0 {
		problems = append(problems, "at least one [[sites]] entry is required")
	}
	seen := make(map[string]bool)
	found := false
	for _, s := range cfg.Sites {
		if s.Name == "" {
			problems = append(problems, "site without name")
			continue
		}
		if seen[s.Name] {
			problems = append(problems, fmt.Sprintf("duplicate site %q", s.Name))
		}
		seen[s.Name] = true
		if s.Latitude < -90 || s.Latitude > 90 {
			problems = append(problems, fmt.Sprintf("site %q latitude out of range", s.Name))
		}
		if s.Name == cfg.Mount.DefaultProfile {
			found = true
		}
	}
	if cfg.Mount.DefaultProfile != "" && !found {
		problems = append(problems, fmt.Sprintf("mount.default_profile %q is not a configured site", cfg.Mount.DefaultProfile))
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Package ephem computes where the Sun and Moon are for an observer.
package ephem

import (
	"fmt"
	"strings"
	"time"

	"github.com/w1xm/mount_interface/coord"
)

// Body is a celestial body the mount can track.
type Body int

const (
	Sun Body = iota
	Moon
)

func (b Body) String() string {
	switch b {
	case Sun:
		return "sun"
	case Moon:
		return "moon"
	}
	return fmt.Sprintf("Body(%d)", int(b))
}

// ParseBody accepts "sun" or "moon" in any case.
func ParseBody(name string) (Body, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sun":
		return Sun, nil
	case "moon":
		return Moon, nil
	}
	return 0, fmt.Errorf("unknown body %q", name)
}

// Site is an observer location.
type Site struct {
	Name string `toml:"name" json:"name"`
	// Latitude and Longitude are in decimal degrees, east positive.
	Latitude  float64 `toml:"latitude" json:"latitude"`
	Longitude float64 `toml:"longitude" json:"longitude"`
	// Elevation is in meters above sea level.
	Elevation float64 `toml:"elevation" json:"elevation"`
	// Timezone is an IANA zone name used for local time-of-day labels.
	Timezone string `toml:"timezone" json:"timezone"`
}

// Location returns the site's time zone, or UTC if it cannot be loaded.
func (s Site) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Provider computes body positions. Implementations must be safe for
// concurrent use and free of side effects.
type Provider interface {
	Equatorial(body Body, site Site, t time.Time) (coord.Equatorial, error)
	Position(body Body, site Site, t time.Time) (coord.Horizontal, error)
	// Horizontal converts an arbitrary equatorial position for the site and time.
	Horizontal(eq coord.Equatorial, site Site, t time.Time) coord.Horizontal
	// Times finds the body's next rise, transit and set after t.
	Times(body Body, site Site, t time.Time) (Times, error)
}

// Times are a body's next rise, transit and set. A nil entry means the
// event does not happen within a day, e.g. a circumpolar body never sets.
type Times struct {
	Rise    *time.Time `json:"rise,omitempty"`
	Transit *time.Time `json:"transit,omitempty"`
	Set     *time.Time `json:"set,omitempty"`
}

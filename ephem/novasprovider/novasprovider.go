// Package novasprovider computes Sun and Moon positions with the NOVAS C
// library.
//
// The JPL ephemeris named by $JPLEPH is opened when the novas package
// initializes, and the process exits if it is missing. Only commands import
// this package; libraries take an ephem.Provider.
package novasprovider

import (
	"fmt"
	"sync"
	"time"

	"github.com/pebbe/novas"
	"github.com/w1xm/mount_interface/coord"
	"github.com/w1xm/mount_interface/ephem"
)

const (
	// Standard atmosphere for the observer; refraction is not applied.
	siteTemperature = 10   // degrees C
	sitePressure    = 1010 // millibar

	// horizonDip is the altitude of the body's center at rise and set:
	// semidiameter plus standard refraction below the horizon.
	horizonDip = -0.8333

	eventPrecision = time.Minute
)

// File returns the ephemeris file the process opened.
func File() string {
	return novas.JPLephFile
}

// Provider is an ephem.Provider backed by NOVAS.
type Provider struct {
	// The C library keeps global state; calls are serialized.
	mu sync.Mutex
}

func New() *Provider {
	return &Provider{}
}

func novasBody(body ephem.Body) (*novas.Body, error) {
	switch body {
	case ephem.Sun:
		return novas.Sun(), nil
	case ephem.Moon:
		return novas.Moon(), nil
	}
	return nil, fmt.Errorf("unsupported body %v", body)
}

func novasTime(t time.Time) novas.Time {
	t = t.UTC()
	return novas.Date(t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func place(site ephem.Site) *novas.Place {
	return novas.NewPlace(site.Latitude, site.Longitude, site.Elevation, siteTemperature, sitePressure)
}

// Equatorial returns the apparent (geocentric) place of body.
func (p *Provider) Equatorial(body ephem.Body, site ephem.Site, t time.Time) (coord.Equatorial, error) {
	b, err := novasBody(body)
	if err != nil {
		return coord.Equatorial{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	data := b.App(novasTime(t))
	return coord.Equatorial{RA: data.RA, Dec: data.Dec}, nil
}

func (p *Provider) Position(body ephem.Body, site ephem.Site, t time.Time) (coord.Horizontal, error) {
	b, err := novasBody(body)
	if err != nil {
		return coord.Horizontal{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	data := b.Topo(novasTime(t), place(site), novas.REFR_NONE)
	return coord.Horizontal{Alt: data.Alt, Az: data.Az}, nil
}

func (p *Provider) Horizontal(eq coord.Equatorial, site ephem.Site, t time.Time) coord.Horizontal {
	return ephem.ToHorizontal(eq, site, t)
}

// Times searches the 24 hours after t for the next rise, transit and set.
func (p *Provider) Times(body ephem.Body, site ephem.Site, t time.Time) (ephem.Times, error) {
	b, err := novasBody(body)
	if err != nil {
		return ephem.Times{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	start, geo := novasTime(t), place(site)
	var times ephem.Times
	if rise, _, err := b.Rise(start, geo, horizonDip, eventPrecision, novas.REFR_NONE); err == nil {
		times.Rise = utc(rise)
	}
	if high, _, err := b.High(start, geo, eventPrecision, novas.REFR_NONE); err == nil {
		times.Transit = utc(high)
	}
	if set, _, err := b.Set(start, geo, horizonDip, eventPrecision, novas.REFR_NONE); err == nil {
		times.Set = utc(set)
	}
	return times, nil
}

func utc(t novas.Time) *time.Time {
	u := t.Time.UTC()
	return &u
}

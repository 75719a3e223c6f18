package ephem

import (
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
	"github.com/w1xm/mount_interface/coord"
)

// equhor converts hour-angle/declination to azimuth/altitude.
// Phi is the observer's latitude.
// Arguments are in radians.
// Algorithm from https://metacpan.org/dist/Astro-Montenbruck/source/lib/Astro/Montenbruck/CoCo.pm
func equhor(x, y, phi float64) (float64, float64) {
	sx, sy, sphi := math.Sin(x), math.Sin(y), math.Sin(phi)
	cx, cy, cphi := math.Cos(x), math.Cos(y), math.Cos(phi)

	sq := clamp((sy * sphi) + (cy * cphi * cx))
	q := math.Asin(sq)

	cp := (sy - (sphi * sq)) / (cphi * math.Cos(q))
	if math.IsNaN(cp) {
		// Azimuth is undefined at the zenith.
		cp = 1
	}
	cp = clamp(cp)
	p := math.Acos(cp)
	if sx > 0 {
		p = 2*math.Pi - p
	}
	return p, q
}

// clamp keeps rounding error from pushing a cosine outside [-1,1].
func clamp(x float64) float64 {
	return math.Max(-1, math.Min(1, x))
}

func deg2rad(x float64) float64 {
	return x * math.Pi / 180
}

func rad2deg(x float64) float64 {
	return x * 180 / math.Pi
}

// SiderealTime returns the local mean sidereal time in radians.
func SiderealTime(longitude float64, t time.Time) float64 {
	t = t.UTC()
	jd := satellite.JDay(t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	jd += float64(t.Nanosecond()) / float64(24*time.Hour)
	lst := math.Mod(satellite.ThetaG_JD(jd)+deg2rad(longitude), 2*math.Pi)
	if lst < 0 {
		lst += 2 * math.Pi
	}
	return lst
}

// ToHorizontal converts eq to altitude/azimuth as seen from site at t.
// Refraction and parallax are ignored.
func ToHorizontal(eq coord.Equatorial, site Site, t time.Time) coord.Horizontal {
	ha := SiderealTime(site.Longitude, t) - deg2rad(eq.RA*15)
	az, alt := equhor(ha, deg2rad(eq.Dec), deg2rad(site.Latitude))
	return coord.Horizontal{
		Alt: rad2deg(alt),
		Az:  math.Mod(rad2deg(az)+360, 360),
	}
}

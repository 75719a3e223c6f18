// Package coord holds the sky coordinate types shared by the ephemeris,
// protocol and mount packages, and converts them to and from the
// sexagesimal strings shown to operators.
package coord

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Equatorial is a position on the celestial sphere.
// RA is in decimal hours, Dec in decimal degrees.
type Equatorial struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// Horizontal is a position relative to an observer's horizon.
// Both fields are in decimal degrees; azimuth is measured from north through east.
type Horizontal struct {
	Alt float64 `json:"alt"`
	Az  float64 `json:"az"`
}

const centisecondsPerUnit = 3600 * 100

// split breaks a non-negative value into whole units, minutes, seconds and
// hundredths of a second, carrying any rounding into the larger fields.
func split(v float64) (int64, int64, int64, int64) {
	total := int64(math.Round(v * centisecondsPerUnit))
	units := total / centisecondsPerUnit
	rem := total % centisecondsPerUnit
	return units, rem / 6000, (rem % 6000) / 100, rem % 100
}

// FormatRA formats right ascension in hours as HH:MM:SS.ss, wrapping into [0,24).
func FormatRA(hours float64) string {
	hours = math.Mod(hours, 24)
	if hours < 0 {
		hours += 24
	}
	h, m, s, cs := split(hours)
	if h >= 24 {
		h -= 24
	}
	return fmt.Sprintf("%02d:%02d:%02d.%02d", h, m, s, cs)
}

// FormatDec formats declination in degrees as ±DD:MM:SS.ss.
// The sign comes from the value itself, so small negative values that round to
// zero still print as negative.
func FormatDec(degrees float64) string {
	sign := '+'
	if degrees < 0 {
		sign = '-'
		degrees = -degrees
	}
	d, m, s, cs := split(degrees)
	return fmt.Sprintf("%c%02d:%02d:%02d.%02d", sign, d, m, s, cs)
}

var errFormat = errors.New("expected [±]DD:MM[:SS.ss] or a decimal number")

func parse(input string) (float64, bool, error) {
	input = strings.TrimSpace(input)
	negative := false
	switch {
	case strings.HasPrefix(input, "-"):
		negative = true
		input = input[1:]
	case strings.HasPrefix(input, "+"):
		input = input[1:]
	}
	if input == "" {
		return 0, false, errFormat
	}
	parts := strings.Split(input, ":")
	if len(parts) > 3 {
		return 0, false, errFormat
	}
	var v float64
	scale := 1.0
	for i, part := range parts {
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0, false, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || (i > 0 && f >= 60) {
			return 0, false, errFormat
		}
		v += f / scale
		scale *= 60
	}
	return v, negative, nil
}

// ParseRA parses HH:MM:SS.ss (or decimal hours) into decimal hours.
func ParseRA(input string) (float64, error) {
	v, negative, err := parse(input)
	if err != nil {
		return 0, fmt.Errorf("parsing RA %q: %w", input, err)
	}
	if negative || v >= 24 {
		return 0, fmt.Errorf("parsing RA %q: out of range [0,24)", input)
	}
	return v, nil
}

// ParseDec parses ±DD:MM:SS.ss (or decimal degrees) into decimal degrees.
func ParseDec(input string) (float64, error) {
	v, negative, err := parse(input)
	if err != nil {
		return 0, fmt.Errorf("parsing DEC %q: %w", input, err)
	}
	if v > 90 {
		return 0, fmt.Errorf("parsing DEC %q: out of range [-90,90]", input)
	}
	if negative {
		v = -v
	}
	return v, nil
}

func deg2rad(x float64) float64 {
	return x * math.Pi / 180
}

func rad2deg(x float64) float64 {
	return x * 180 / math.Pi
}

// Separation returns the great-circle angle between a and b in degrees.
func Separation(a, b Equatorial) float64 {
	ra1, ra2 := deg2rad(a.RA*15), deg2rad(b.RA*15)
	d1, d2 := deg2rad(a.Dec), deg2rad(b.Dec)
	sd := math.Sin((d2 - d1) / 2)
	sr := math.Sin((ra2 - ra1) / 2)
	h := sd*sd + math.Cos(d1)*math.Cos(d2)*sr*sr
	if h > 1 {
		h = 1
	}
	return rad2deg(2 * math.Asin(math.Sqrt(h)))
}

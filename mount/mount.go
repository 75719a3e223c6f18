// Package mount drives a solar/lunar telescope mount through an INDIGO
// server. Commands are fire-and-forget; the position the mount reports back
// arrives asynchronously and is kept in a Cache.
package mount

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/w1xm/mount_interface/coord"
	"github.com/w1xm/mount_interface/ephem"
	"github.com/w1xm/mount_interface/indigo"
)

// State is the motion state of the mount.
type State string

const (
	Idle     State = "idle"
	Slewing  State = "slewing"
	Tracking State = "tracking"
	Parking  State = "parking"
	Parked   State = "parked"
)

var allStates = []string{string(Idle), string(Slewing), string(Tracking), string(Parking), string(Parked)}

type Direction string

const (
	North Direction = "north"
	South Direction = "south"
	East  Direction = "east"
	West  Direction = "west"
)

func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(s)); d {
	case North, South, East, West:
		return d, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Rate is a manual slew speed.
type Rate string

const (
	Solar Rate = "solar"
	Slow  Rate = "slow"
	Fast  Rate = "fast"
)

func ParseRate(s string) (Rate, error) {
	switch r := Rate(strings.ToLower(s)); r {
	case Solar, Slow, Fast:
		return r, nil
	}
	return "", fmt.Errorf("unknown rate %q", s)
}

// slewRateItem maps a Rate to its MOUNT_SLEW_RATE switch.
func (r Rate) slewRateItem() string {
	switch r {
	case Solar:
		return "GUIDE"
	case Fast:
		return "MAX"
	}
	return "CENTERING"
}

var (
	// ErrParked is returned for motion commands while parking or parked.
	ErrParked      = errors.New("mount is parked")
	ErrUnknownSite = errors.New("unknown location profile")
)

// Sender is the part of the INDIGO client the controller needs.
type Sender interface {
	Send(msg indigo.Message, quiet bool) error
	OnProperty(kind indigo.Kind, property string, h indigo.Handler)
	Connected() bool
}

// Emitter receives status and log events on every state change. Calls are
// made without controller locks held and must not block.
type Emitter interface {
	EmitStatus(Status)
	EmitLog(msg string)
}

type nopEmitter struct{}

func (nopEmitter) EmitStatus(Status) {}
func (nopEmitter) EmitLog(string)    {}

// Snapshot is the cached mount position in both numeric and display form.
// Alt and Az are derived for the active site and never fed back.
type Snapshot struct {
	RA      float64   `json:"ra"`
	Dec     float64   `json:"dec"`
	RAStr   string    `json:"ra_str"`
	DecStr  string    `json:"dec_str"`
	Valid   bool      `json:"valid"`
	Alt     float64   `json:"alt"`
	Az      float64   `json:"az"`
	Updated time.Time `json:"updated"`
}

type Status struct {
	State       State      `json:"state"`
	Target      string     `json:"target"`
	Site        ephem.Site `json:"site"`
	Tracking    bool       `json:"tracking"`
	Connected   bool       `json:"connected"`
	Coordinates Snapshot   `json:"coordinates"`
	// TargetPosition is where the target body is in the sky, refreshed by the
	// astro loop. Nil until first computed.
	TargetPosition *coord.Horizontal `json:"target_position,omitempty"`
	// SunTimes and MoonTimes are the next rise, transit and set at the
	// active site.
	SunTimes  *ephem.Times `json:"sun_times,omitempty"`
	MoonTimes *ephem.Times `json:"moon_times,omitempty"`
}

// ParkResult reports whether the mount reached the park position.
type ParkResult struct {
	Converged bool `json:"converged"`
	// Attempts is the number of cache polls made.
	Attempts int `json:"attempts"`
}

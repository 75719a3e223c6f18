// Package simulator is a minimal INDIGO server hosting one mount and one
// focuser, for tests and bench work without hardware.
package simulator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/w1xm/mount_interface/indigo"
	"golang.org/x/sync/errgroup"
)

const (
	// Discrete simulation step size
	stepSize = 50 * time.Millisecond
	// Goto speed in degrees/second
	gotoVel = 30
	// Positions closer than this (degrees) count as arrived
	arrived = 0.01
)

// Manual motion speeds in degrees/second by MOUNT_SLEW_RATE item.
var slewRates = map[string]float64{
	"GUIDE":     0.1,
	"CENTERING": 1,
	"FIND":      5,
	"MAX":       15,
}

type mountState struct {
	RA, Dec             float64
	TargetRA, TargetDec float64
	Slewing             bool
	Tracking            bool
	Motion              map[string]bool
	SlewRate            string
	TrackRate           string
	OnCoordinatesSet    string
	Latitude, Longitude float64
	Elevation           float64
}

type Simulator struct {
	// Mount and Focuser are the device names served.
	Mount   string
	Focuser string

	mu       sync.Mutex
	frozen   bool
	state    mountState
	lastRA   float64
	lastDec  float64
	focusPos float64
	// focusIn makes FOCUSER_STEPS move inward.
	focusIn  bool
	conns    map[net.Conn]bool
	received []indigo.Message
}

func New(mount, focuser string) *Simulator {
	return &Simulator{
		Mount:   mount,
		Focuser: focuser,
		state: mountState{
			Dec:      90,
			Motion:   make(map[string]bool),
			SlewRate: "CENTERING",
		},
		lastRA:   math.NaN(),
		lastDec:  math.NaN(),
		focusPos: 5000,
		conns:    make(map[net.Conn]bool),
	}
}

// Serve accepts clients on ln and runs the simulation until ctx is canceled.
func (s *Simulator) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	})
	g.Go(func() error {
		t := time.NewTicker(stepSize)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			s.step()
		}
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("accepting: %w", err)
			}
			s.mu.Lock()
			s.conns[conn] = true
			s.mu.Unlock()
			go s.reader(conn)
		}
	})
	return g.Wait()
}

// Received returns every message clients have sent, in arrival order.
func (s *Simulator) Received() []indigo.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]indigo.Message(nil), s.received...)
}

// Position returns the simulated mount's RA (hours) and DEC (degrees).
func (s *Simulator) Position() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.RA, s.state.Dec
}

// Freeze stops (or restarts) all mount motion, e.g. to exercise timeouts.
func (s *Simulator) Freeze(frozen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = frozen
}

// SetPosition teleports the mount.
func (s *Simulator) SetPosition(ra, dec float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.RA, s.state.Dec = ra, dec
	s.state.TargetRA, s.state.TargetDec = ra, dec
}

func (s *Simulator) reader(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		input := scanner.Bytes()
		if len(input) == 0 {
			continue
		}
		log.Debug().Bytes("line", input).Msg("client->sim")
		msg, err := indigo.Parse(input)
		if err != nil {
			log.Printf("parsing %q: %v", input, err)
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		if err := s.handle(conn, msg); err != nil {
			log.Printf("handling %s: %v", msg.Key(), err)
		}
		s.mu.Unlock()
	}
}

// handle applies msg. Called with s.mu held.
func (s *Simulator) handle(conn net.Conn, msg indigo.Message) error {
	switch msg.Kind {
	case indigo.GetProperties:
		return s.define(conn, msg.Device, msg.Name)
	case indigo.NewNumberVector, indigo.NewSwitchVector, indigo.NewTextVector:
	default:
		return fmt.Errorf("unexpected kind %q", msg.Kind)
	}
	switch msg.Device {
	case s.Mount:
		return s.handleMount(msg)
	case s.Focuser:
		return s.handleFocuser(msg)
	}
	return fmt.Errorf("unknown device %q", msg.Device)
}

func (s *Simulator) handleMount(msg indigo.Message) error {
	st := &s.state
	switch msg.Name {
	case "MOUNT_EQUATORIAL_COORDINATES":
		ra, okRA := msg.Number("RA")
		dec, okDec := msg.Number("DEC")
		if !okRA || !okDec {
			return errors.New("RA and DEC required")
		}
		if st.OnCoordinatesSet == "SYNC" {
			st.RA, st.Dec = ra, dec
		}
		st.TargetRA, st.TargetDec = ra, dec
		st.Slewing = true
	case "GEOGRAPHIC_COORDINATES":
		if v, ok := msg.Number("LATITUDE"); ok {
			st.Latitude = v
		}
		if v, ok := msg.Number("LONGITUDE"); ok {
			st.Longitude = v
		}
		if v, ok := msg.Number("ELEVATION"); ok {
			st.Elevation = v
		}
	case "MOUNT_MOTION_NS", "MOUNT_MOTION_WE":
		for _, item := range msg.Items {
			on, _ := item.Value.(bool)
			st.Motion[item.Name] = on
		}
		st.Slewing = false
	case "MOUNT_ABORT_MOTION":
		st.Motion = make(map[string]bool)
		st.Slewing = false
		st.Tracking = false
	case "MOUNT_TRACKING":
		if on, ok := msg.Switch("ON"); ok {
			st.Tracking = on
		}
	case "MOUNT_SLEW_RATE":
		st.SlewRate = selected(msg, st.SlewRate)
	case "MOUNT_TRACK_RATE":
		st.TrackRate = selected(msg, st.TrackRate)
	case "MOUNT_ON_COORDINATES_SET":
		st.OnCoordinatesSet = selected(msg, st.OnCoordinatesSet)
	case "MOUNT_PARK", "MOUNT_HOME":
	default:
		return fmt.Errorf("unknown property %q", msg.Name)
	}
	return nil
}

func selected(msg indigo.Message, current string) string {
	for _, item := range msg.Items {
		if on, _ := item.Value.(bool); on {
			return item.Name
		}
	}
	return current
}

func (s *Simulator) handleFocuser(msg indigo.Message) error {
	switch msg.Name {
	case "FOCUSER_STEPS":
		steps, ok := msg.Number("STEPS")
		if !ok {
			return errors.New("STEPS required")
		}
		if s.focusIn {
			steps = -steps
		}
		s.focusPos += steps
		return s.broadcast(indigo.Message{Kind: indigo.SetNumberVector, Vector: indigo.Vector{
			Device: s.Focuser, Name: "FOCUSER_POSITION", State: indigo.StateOk,
			Items: []indigo.Item{indigo.Number("POSITION", s.focusPos)},
		}})
	case "FOCUSER_DIRECTION":
		if in, ok := msg.Switch("MOVE_INWARD"); ok {
			s.focusIn = in
		}
		return nil
	case "FOCUSER_SPEED", "FOCUSER_ABORT_MOTION":
		return nil
	}
	return fmt.Errorf("unknown property %q", msg.Name)
}

// define answers getProperties with the current coordinate vectors.
func (s *Simulator) define(conn net.Conn, device, property string) error {
	if (device == "" || device == s.Mount) && (property == "" || property == "MOUNT_EQUATORIAL_COORDINATES") {
		kind := indigo.SetNumberVector
		if property == "" {
			kind = indigo.DefNumberVector
		}
		if err := s.send(conn, s.coordinates(kind)); err != nil {
			return err
		}
	}
	if s.Focuser != "" && (device == "" || device == s.Focuser) && (property == "" || property == "FOCUSER_POSITION") {
		return s.send(conn, indigo.Message{Kind: indigo.DefNumberVector, Vector: indigo.Vector{
			Device: s.Focuser, Name: "FOCUSER_POSITION", State: indigo.StateOk,
			Items: []indigo.Item{indigo.Number("POSITION", s.focusPos)},
		}})
	}
	return nil
}

func (s *Simulator) coordinates(kind indigo.Kind) indigo.Message {
	state := indigo.StateOk
	if s.moving() {
		state = indigo.StateBusy
	}
	return indigo.Message{Kind: kind, Vector: indigo.Vector{
		Device: s.Mount,
		Name:   "MOUNT_EQUATORIAL_COORDINATES",
		State:  state,
		Items: []indigo.Item{
			indigo.Number("RA", s.state.RA),
			indigo.Number("DEC", s.state.Dec),
		},
	}}
}

func (s *Simulator) moving() bool {
	if s.state.Slewing {
		return true
	}
	for _, on := range s.state.Motion {
		if on {
			return true
		}
	}
	return false
}

// approach moves cur toward target by at most maxStep.
func approach(cur, target, maxStep float64) float64 {
	delta := target - cur
	if math.Abs(delta) <= maxStep {
		return target
	}
	if delta < 0 {
		return cur - maxStep
	}
	return cur + maxStep
}

func (s *Simulator) step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return
	}
	st := &s.state
	dt := stepSize.Seconds()
	if st.Slewing {
		// RA takes the short way around; working in degrees keeps both axes at one speed.
		raDeg := st.RA * 15
		delta := math.Remainder(st.TargetRA*15-raDeg, 360)
		raDeg = approach(raDeg, raDeg+delta, gotoVel*dt)
		st.RA = math.Mod(raDeg/15+24, 24)
		st.Dec = approach(st.Dec, st.TargetDec, gotoVel*dt)
		if math.Abs(math.Remainder(st.TargetRA-st.RA, 24))*15 < arrived && math.Abs(st.TargetDec-st.Dec) < arrived {
			st.RA, st.Dec = st.TargetRA, st.TargetDec
			st.Slewing = false
		}
	}
	rate := slewRates[st.SlewRate] * dt
	switch {
	case st.Motion["MOTION_NORTH"]:
		st.Dec = math.Min(90, st.Dec+rate)
	case st.Motion["MOTION_SOUTH"]:
		st.Dec = math.Max(-90, st.Dec-rate)
	}
	switch {
	case st.Motion["MOTION_WEST"]:
		st.RA = math.Mod(st.RA-rate/15+24, 24)
	case st.Motion["MOTION_EAST"]:
		st.RA = math.Mod(st.RA+rate/15, 24)
	}
	if st.RA != s.lastRA || st.Dec != s.lastDec {
		s.lastRA, s.lastDec = st.RA, st.Dec
		if err := s.broadcast(s.coordinates(indigo.SetNumberVector)); err != nil {
			log.Printf("sending status: %v", err)
		}
	}
}

func (s *Simulator) broadcast(msg indigo.Message) error {
	var firstErr error
	for conn := range s.conns {
		if err := s.send(conn, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Simulator) send(conn net.Conn, msg indigo.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	log.Debug().Bytes("line", data).Msg("sim->client")
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, err = conn.Write(append(data, '\n'))
	return err
}

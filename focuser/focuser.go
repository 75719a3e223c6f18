// Package focuser controls an INDIGO focuser (an nSTEP stepper by default)
// over the shared protocol client.
package focuser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/w1xm/mount_interface/indigo"
)

type Direction string

const (
	Inward  Direction = "inward"
	Outward Direction = "outward"
)

func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(s)); d {
	case Inward, Outward:
		return d, nil
	}
	return "", fmt.Errorf("unknown focuser direction %q", s)
}

// Sender is the part of the INDIGO client the focuser needs.
type Sender interface {
	Send(msg indigo.Message, quiet bool) error
	OnProperty(kind indigo.Kind, property string, h indigo.Handler)
}

type Status struct {
	Position    float64 `json:"position"`
	Temperature float64 `json:"temperature"`
	// Valid is false until the device has reported a position.
	Valid bool   `json:"valid"`
	State string `json:"state,omitempty"`
}

type Focuser struct {
	device string
	client Sender

	mu     sync.Mutex
	status Status
}

// New registers position and temperature handlers for device on client.
func New(client Sender, device string) *Focuser {
	f := &Focuser{device: device, client: client}
	for _, kind := range []indigo.Kind{indigo.DefNumberVector, indigo.SetNumberVector} {
		client.OnProperty(kind, "FOCUSER_POSITION", f.handlePosition)
		client.OnProperty(kind, "FOCUSER_TEMPERATURE", f.handleTemperature)
	}
	return f
}

func (f *Focuser) handlePosition(msg indigo.Message) {
	if msg.Device != f.device {
		return
	}
	pos, ok := msg.Number("POSITION")
	if !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.Position = pos
	f.status.Valid = true
	f.status.State = msg.State
}

func (f *Focuser) handleTemperature(msg indigo.Message) {
	if msg.Device != f.device {
		return
	}
	if temp, ok := msg.Number("TEMPERATURE"); ok {
		f.mu.Lock()
		f.status.Temperature = temp
		f.mu.Unlock()
	}
}

func (f *Focuser) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *Focuser) send(msg indigo.Message) error {
	if err := f.client.Send(msg, false); err != nil {
		log.Warn().Err(err).Str("device", f.device).Str("property", msg.Name).Msg("focuser command not sent")
		return err
	}
	return nil
}

// SetSpeed sets the stepping speed.
func (f *Focuser) SetSpeed(speed float64) error {
	if speed <= 0 {
		return fmt.Errorf("speed %v must be positive", speed)
	}
	return f.send(indigo.NewNumber(f.device, "FOCUSER_SPEED", indigo.Number("SPEED", speed)))
}

// Move steps the focuser steps in direction.
func (f *Focuser) Move(direction Direction, steps int) error {
	if _, err := ParseDirection(string(direction)); err != nil {
		return err
	}
	if steps <= 0 {
		return fmt.Errorf("steps %d must be positive", steps)
	}
	err := f.send(indigo.NewSwitch(f.device, "FOCUSER_DIRECTION",
		indigo.Switch("MOVE_INWARD", direction == Inward),
		indigo.Switch("MOVE_OUTWARD", direction == Outward)))
	if err != nil {
		return err
	}
	log.Info().Str("direction", string(direction)).Int("steps", steps).Msg("moving focuser")
	return f.send(indigo.NewNumber(f.device, "FOCUSER_STEPS", indigo.Number("STEPS", float64(steps))))
}

func (f *Focuser) Abort() error {
	return f.send(indigo.NewSwitch(f.device, "FOCUSER_ABORT_MOTION", indigo.Switch("ABORT_MOTION", true)))
}

// Refresh asks the device to report its position and temperature again.
func (f *Focuser) Refresh() {
	f.client.Send(indigo.Query(f.device, "FOCUSER_POSITION"), true)
	f.client.Send(indigo.Query(f.device, "FOCUSER_TEMPERATURE"), true)
}

// Poll refreshes the status every interval until ctx is canceled.
func (f *Focuser) Poll(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		f.Refresh()
	}
}

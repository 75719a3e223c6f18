// Package arduino talks to the Arduino that drives the dome and the two
// etalon tilt servos. Commands are single lines; each gets a one-line reply.
package arduino

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tarm/serial"
)

const (
	DomeOpen    = "OPEN"
	DomeClosed  = "CLOSED"
	DomeUnknown = "UNKNOWN"

	// Etalon servo limits in degrees.
	EtalonMin = 0
	EtalonMax = 180

	pollInterval = 5 * time.Second
)

var ErrNotConnected = errors.New("arduino not connected")

// Dome opens and closes the observatory dome.
type Dome interface {
	SetDome(open bool) error
	DomeState() string
}

// Etalons positions the two etalon servos, numbered 1 and 2.
type Etalons interface {
	SetEtalon(index, degrees int) error
	Etalon(index int) int
}

type Status struct {
	Connected bool      `json:"connected"`
	Dome      string    `json:"dome"`
	Etalon1   int       `json:"etalon1"`
	Etalon2   int       `json:"etalon2"`
	Updated   time.Time `json:"updated"`
}

type StatusCallback func(Status)

type Arduino struct {
	statusCallback StatusCallback

	// ioMu serializes command/reply exchanges.
	ioMu sync.Mutex

	mu     sync.Mutex
	port   io.ReadWriteCloser
	reader *bufio.Reader
	status Status
}

func newArduino(statusCallback StatusCallback) *Arduino {
	return &Arduino{
		statusCallback: statusCallback,
		status:         Status{Dome: DomeUnknown, Etalon1: 90, Etalon2: 90},
	}
}

// Connect opens port in the background, reopening it whenever it fails,
// until ctx is canceled.
func Connect(ctx context.Context, port string, baud int, statusCallback StatusCallback) (*Arduino, error) {
	a := newArduino(statusCallback)
	go a.reconnectLoop(ctx, port, baud)
	return a, nil
}

func (a *Arduino) reconnectLoop(ctx context.Context, port string, baud int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
		c := &serial.Config{Name: port, Baud: baud, ReadTimeout: 2 * time.Second}
		s, err := serial.OpenPort(c)
		if err != nil {
			log.Printf("opening %q: %v", port, err)
			continue
		}
		log.Printf("opened %q", port)
		a.attach(s)
		if err := a.watch(ctx, pollInterval); err != nil {
			log.Printf("arduino on %q: %v", port, err)
		}
		a.detach()
	}
}

func (a *Arduino) attach(rw io.ReadWriteCloser) {
	a.mu.Lock()
	a.port = rw
	a.reader = bufio.NewReader(rw)
	a.status.Connected = true
	a.mu.Unlock()
	a.notifyStatus()
}

func (a *Arduino) detach() {
	a.mu.Lock()
	if a.port != nil {
		a.port.Close()
	}
	a.port = nil
	a.reader = nil
	a.status.Connected = false
	a.mu.Unlock()
	a.notifyStatus()
}

// watch polls the device until an exchange fails or ctx is canceled.
func (a *Arduino) watch(ctx context.Context, interval time.Duration) error {
	for {
		if err := a.Poll(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func (a *Arduino) notifyStatus() {
	if a.statusCallback != nil {
		a.statusCallback(a.Status())
	}
}

func (a *Arduino) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// command sends cmd and returns the trimmed reply line.
func (a *Arduino) command(cmd string) (string, error) {
	a.ioMu.Lock()
	defer a.ioMu.Unlock()
	a.mu.Lock()
	port, reader := a.port, a.reader
	a.mu.Unlock()
	if port == nil {
		return "", ErrNotConnected
	}
	if _, err := io.WriteString(port, cmd+"\n"); err != nil {
		return "", fmt.Errorf("writing %s: %w", cmd, err)
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading reply to %s: %w", cmd, err)
	}
	reply := strings.TrimSpace(line)
	log.Debug().Str("command", cmd).Str("reply", reply).Msg("arduino")
	return reply, nil
}

func (a *Arduino) expectOK(cmd string) error {
	reply, err := a.command(cmd)
	if err != nil {
		return err
	}
	if !strings.EqualFold(reply, "OK") {
		return fmt.Errorf("%s: device replied %q", cmd, reply)
	}
	return nil
}

// Poll refreshes the dome and etalon state from the device.
func (a *Arduino) Poll() error {
	dome, err := a.command("DOME_STATUS")
	if err != nil {
		return err
	}
	var etalons [2]int
	var valid [2]bool
	for i := range etalons {
		raw, err := a.command(fmt.Sprintf("ETALON%d_GET", i+1))
		if err != nil {
			return err
		}
		if v, err := strconv.Atoi(raw); err == nil {
			etalons[i], valid[i] = v, true
		}
	}
	a.mu.Lock()
	if dome == DomeOpen || dome == DomeClosed {
		a.status.Dome = dome
	}
	if valid[0] {
		a.status.Etalon1 = etalons[0]
	}
	if valid[1] {
		a.status.Etalon2 = etalons[1]
	}
	a.status.Updated = time.Now()
	a.mu.Unlock()
	a.notifyStatus()
	return nil
}

func (a *Arduino) SetDome(open bool) error {
	cmd, state := "DOME_CLOSE", DomeClosed
	if open {
		cmd, state = "DOME_OPEN", DomeOpen
	}
	if err := a.expectOK(cmd); err != nil {
		return err
	}
	a.mu.Lock()
	a.status.Dome = state
	a.status.Updated = time.Now()
	a.mu.Unlock()
	a.notifyStatus()
	return nil
}

func (a *Arduino) DomeState() string {
	return a.Status().Dome
}

func (a *Arduino) SetEtalon(index, degrees int) error {
	if index != 1 && index != 2 {
		return fmt.Errorf("no etalon %d", index)
	}
	if degrees < EtalonMin || degrees > EtalonMax {
		return fmt.Errorf("etalon position %d outside [%d, %d]", degrees, EtalonMin, EtalonMax)
	}
	if err := a.expectOK(fmt.Sprintf("ETALON%d_SET:%d", index, degrees)); err != nil {
		return err
	}
	a.mu.Lock()
	if index == 1 {
		a.status.Etalon1 = degrees
	} else {
		a.status.Etalon2 = degrees
	}
	a.status.Updated = time.Now()
	a.mu.Unlock()
	a.notifyStatus()
	return nil
}

func (a *Arduino) Etalon(index int) int {
	st := a.Status()
	if index == 2 {
		return st.Etalon2
	}
	return st.Etalon1
}

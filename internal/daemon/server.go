// Package daemon serves the mount, focuser and dome controls over REST, a
// websocket status stream and a rotctld-compatible TCP port.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/w1xm/mount_interface/arduino"
	"github.com/w1xm/mount_interface/ephem"
	"github.com/w1xm/mount_interface/focuser"
	"github.com/w1xm/mount_interface/mount"
)

// maxLogs bounds the log lines kept for newly connected clients.
const maxLogs = 100

type Status struct {
	Mount   mount.Status    `json:"mount"`
	Focuser *focuser.Status `json:"focuser,omitempty"`
	Arduino *arduino.Status `json:"arduino,omitempty"`
}

type LogEntry struct {
	seq     uint64
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Event is one websocket message to the browser.
type Event struct {
	Type   string    `json:"type"`
	Status *Status   `json:"status,omitempty"`
	Log    *LogEntry `json:"log,omitempty"`
}

type Command struct {
	Command   string  `json:"command"`
	Direction string  `json:"direction,omitempty"`
	Rate      string  `json:"rate,omitempty"`
	Target    string  `json:"target,omitempty"`
	Profile   string  `json:"profile,omitempty"`
	Steps     int     `json:"steps,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Open      bool    `json:"open,omitempty"`
	Index     int     `json:"index,omitempty"`
	Value     int     `json:"value,omitempty"`
	// Delta nudges an etalon by degrees; the result is clamped to the servo range.
	Delta     int     `json:"delta,omitempty"`
}

var (
	errNoFocuser      = errors.New("no focuser configured")
	errNoArduino      = errors.New("no arduino configured")
	errUnknownCommand = errors.New("unknown command")
)

// Focuser is the focuser surface the UI drives.
type Focuser interface {
	Move(direction focuser.Direction, steps int) error
	SetSpeed(speed float64) error
	Abort() error
	Status() focuser.Status
}

// Arduino is the dome and etalon controller.
type Arduino interface {
	arduino.Dome
	arduino.Etalons
	Status() arduino.Status
}

// Devices are what a Server controls. Focuser and Arduino may be nil.
type Devices struct {
	Mount   *mount.Controller
	Focuser Focuser
	Arduino Arduino
}

// Server is the mount.Emitter for the daemon; it fans status and log
// events out to websocket clients.
type Server struct {
	// ctx bounds long-running commands such as park.
	ctx     context.Context
	mount   *mount.Controller
	focuser Focuser
	arduino Arduino

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	// version increments on every status or log event, statusVersion
	// only on status events.
	version       uint64
	statusVersion uint64
	status        Status
	logs          []LogEntry
	logSeq        uint64
}

func NewServer() *Server {
	s := &Server{ctx: context.Background()}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

// Attach sets the controlled devices and the context for background
// commands. It must be called before serving.
func (s *Server) Attach(ctx context.Context, d Devices) {
	s.ctx = ctx
	s.mount, s.focuser, s.arduino = d.Mount, d.Focuser, d.Arduino
}

func (s *Server) EmitStatus(status mount.Status) {
	var fs *focuser.Status
	if s.focuser != nil {
		st := s.focuser.Status()
		fs = &st
	}
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status.Mount = status
	s.status.Focuser = fs
	s.statusVersion++
	s.version++
	s.statusCond.Broadcast()
}

func (s *Server) EmitLog(msg string) {
	log.Info().Str("event", msg).Msg("status log")
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.logSeq++
	s.logs = append(s.logs, LogEntry{seq: s.logSeq, Time: time.Now(), Message: msg})
	if len(s.logs) > maxLogs {
		s.logs = s.logs[len(s.logs)-maxLogs:]
	}
	s.version++
	s.statusCond.Broadcast()
}

// ArduinoStatus is the arduino.StatusCallback for the daemon.
func (s *Server) ArduinoStatus(status arduino.Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status.Arduino = &status
	s.statusVersion++
	s.version++
	s.statusCond.Broadcast()
}

// currentStatus reads every device directly rather than the last event.
func (s *Server) currentStatus() Status {
	st := Status{Mount: s.mount.Status()}
	if s.focuser != nil {
		fs := s.focuser.Status()
		st.Focuser = &fs
	}
	if s.arduino != nil {
		as := s.arduino.Status()
		st.Arduino = &as
	}
	return st
}

// Execute runs one UI command. Park runs in the background.
func (s *Server) Execute(cmd Command) error {
	switch cmd.Command {
	case "slew":
		dir, err := mount.ParseDirection(cmd.Direction)
		if err != nil {
			return err
		}
		rate, err := mount.ParseRate(cmd.Rate)
		if err != nil {
			return err
		}
		return s.mount.Slew(dir, rate)
	case "stop":
		s.mount.Stop()
	case "track":
		return s.mount.Track()
	case "stop_tracking":
		s.mount.StopTracking()
	case "set_target":
		body, err := ephem.ParseBody(cmd.Target)
		if err != nil {
			return err
		}
		s.mount.SetTarget(body)
	case "toggle_target":
		s.mount.ToggleTarget()
	case "set_location":
		return s.mount.SetLocationProfile(cmd.Profile)
	case "toggle_location":
		s.mount.ToggleLocationProfile()
	case "park":
		go s.mount.Park(s.ctx)
	case "unpark":
		s.mount.Unpark()
	case "focus_move", "focus_speed", "focus_abort":
		if s.focuser == nil {
			return errNoFocuser
		}
		switch cmd.Command {
		case "focus_move":
			dir, err := focuser.ParseDirection(cmd.Direction)
			if err != nil {
				return err
			}
			return s.focuser.Move(dir, cmd.Steps)
		case "focus_speed":
			return s.focuser.SetSpeed(cmd.Speed)
		}
		return s.focuser.Abort()
	case "dome", "dome_toggle", "etalon", "etalon_nudge":
		if s.arduino == nil {
			return errNoArduino
		}
		switch cmd.Command {
		case "dome":
			return s.arduino.SetDome(cmd.Open)
		case "dome_toggle":
			return s.arduino.SetDome(s.arduino.DomeState() != arduino.DomeOpen)
		case "etalon_nudge":
			v := s.arduino.Etalon(cmd.Index) + cmd.Delta
			if v < arduino.EtalonMin {
				v = arduino.EtalonMin
			}
			if v > arduino.EtalonMax {
				v = arduino.EtalonMax
			}
			return s.arduino.SetEtalon(cmd.Index, v)
		}
		return s.arduino.SetEtalon(cmd.Index, cmd.Value)
	default:
		return fmt.Errorf("%w %q", errUnknownCommand, cmd.Command)
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Print(err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadRequest
	if errors.Is(err, errNoFocuser) || errors.Is(err, errNoArduino) {
		code = http.StatusNotFound
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// Routes installs the REST and websocket API on r.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/status", s.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/coordinates", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.mount.Coordinates())
	}).Methods(http.MethodGet)
	r.HandleFunc("/path", s.PathHandler).Methods(http.MethodGet)
	r.HandleFunc("/sites", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.mount.Sites())
	}).Methods(http.MethodGet)
	r.HandleFunc("/command", s.CommandHandler).Methods(http.MethodPost)
	r.HandleFunc("/slew/{direction}/{rate}", s.verb(func(v map[string]string) Command {
		return Command{Command: "slew", Direction: v["direction"], Rate: v["rate"]}
	})).Methods(http.MethodPost)
	r.HandleFunc("/target/{target}", s.verb(func(v map[string]string) Command {
		return Command{Command: "set_target", Target: v["target"]}
	})).Methods(http.MethodPost)
	r.HandleFunc("/location/{profile}", s.verb(func(v map[string]string) Command {
		return Command{Command: "set_location", Profile: v["profile"]}
	})).Methods(http.MethodPost)
	for _, name := range []string{"stop", "track", "stop_tracking", "toggle_target", "toggle_location", "park", "unpark"} {
		name := name
		r.HandleFunc("/"+name, s.verb(func(map[string]string) Command {
			return Command{Command: name}
		})).Methods(http.MethodPost)
	}
	r.HandleFunc("/ws", s.StatusSocketHandler)
}

func (s *Server) verb(build func(vars map[string]string) Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Execute(build(mux.Vars(r))); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentStatus())
}

func (s *Server) PathHandler(w http.ResponseWriter, r *http.Request) {
	path, err := s.mount.ObservingPath()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, path)
}

func (s *Server) CommandHandler(w http.ResponseWriter, r *http.Request) {
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, fmt.Errorf("decoding command: %w", err))
		return
	}
	if err := s.Execute(cmd); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Print(err)
		return
	}
	defer conn.Close()

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var cmd Command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if err := s.Execute(cmd); err != nil {
				log.Printf("command %q: %v", cmd.Command, err)
				s.EmitLog(fmt.Sprintf("%s failed: %v", cmd.Command, err))
			}
		}
	}()
	// Wake the writer below when the client goes away.
	go func() {
		<-ctx.Done()
		s.statusMu.Lock()
		s.statusCond.Broadcast()
		s.statusMu.Unlock()
	}()

	send := func(ev Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	s.statusMu.RLock()
	seen, statusSeen := s.version, s.statusVersion
	backlog := append([]LogEntry(nil), s.logs...)
	s.statusMu.RUnlock()
	var logSeq uint64
	for i := range backlog {
		if err := send(Event{Type: "log", Log: &backlog[i]}); err != nil {
			log.Print(err)
			return
		}
		logSeq = backlog[i].seq
	}
	status := s.currentStatus()
	if err := send(Event{Type: "status", Status: &status}); err != nil {
		log.Print(err)
		return
	}

	for {
		s.statusMu.RLock()
		for s.version == seen && ctx.Err() == nil {
			s.statusCond.Wait()
		}
		if ctx.Err() != nil {
			s.statusMu.RUnlock()
			return
		}
		seen = s.version
		status := s.status
		statusChanged := s.statusVersion != statusSeen
		statusSeen = s.statusVersion
		var logs []LogEntry
		for _, l := range s.logs {
			if l.seq > logSeq {
				logs = append(logs, l)
				logSeq = l.seq
			}
		}
		s.statusMu.RUnlock()

		for i := range logs {
			if err := send(Event{Type: "log", Log: &logs[i]}); err != nil {
				log.Print(err)
				return
			}
		}
		if statusChanged {
			if err := send(Event{Type: "status", Status: &status}); err != nil {
				log.Print(err)
				return
			}
		}
	}
}

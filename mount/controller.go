package mount

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/w1xm/mount_interface/coord"
	"github.com/w1xm/mount_interface/ephem"
	"github.com/w1xm/mount_interface/indigo"
	"github.com/w1xm/mount_interface/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const coordinatesProperty = "MOUNT_EQUATORIAL_COORDINATES"

type Config struct {
	// Device is the INDIGO mount device name.
	Device string
	// Sites is the location profile table, in toggle order.
	Sites          []ephem.Site
	DefaultProfile string
	Target         ephem.Body

	PollInterval  time.Duration
	TrackInterval time.Duration
	AstroInterval time.Duration

	ParkPosition     coord.Equatorial
	ParkTolerance    float64
	ParkAttempts     int
	ParkPollInterval time.Duration
	// UnparkPosition is used when nothing was cached before parking.
	UnparkPosition coord.Equatorial

	Metrics *metrics.Collector
	// Now defaults to time.Now.
	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.TrackInterval <= 0 {
		c.TrackInterval = 30 * time.Second
	}
	if c.AstroInterval <= 0 {
		c.AstroInterval = 20 * time.Second
	}
	if c.ParkTolerance <= 0 {
		c.ParkTolerance = 0.5
	}
	if c.ParkAttempts <= 0 {
		c.ParkAttempts = 60
	}
	if c.ParkPollInterval <= 0 {
		c.ParkPollInterval = time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type Controller struct {
	cfg      Config
	client   Sender
	provider ephem.Provider
	emitter  Emitter
	cache    Cache
	paths    *ephem.PathCache

	// retrack restarts the tracking timer after a fresh slew.
	retrack chan struct{}
	// out holds commands decided under mu until they are written.
	out outbox

	mu        sync.Mutex
	state     State
	body      ephem.Body
	site      int
	prePark   coord.Equatorial
	hasPark   bool
	targetPos *coord.Horizontal
	sunTimes  *ephem.Times
	moonTimes *ephem.Times

	runMu  sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a controller and registers its coordinate handlers on client.
// Background loops are not running until Start.
func New(client Sender, provider ephem.Provider, emitter Emitter, cfg Config) (*Controller, error) {
	cfg.setDefaults()
	if len(cfg.Sites) == 0 {
		return nil, errors.New("no location profiles configured")
	}
	site := 0
	if cfg.DefaultProfile != "" {
		var ok bool
		if site, ok = findSite(cfg.Sites, cfg.DefaultProfile); !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownSite, cfg.DefaultProfile)
		}
	}
	if emitter == nil {
		emitter = nopEmitter{}
	}
	c := &Controller{
		cfg:      cfg,
		client:   client,
		provider: provider,
		emitter:  emitter,
		paths:    ephem.NewPathCache(provider),
		retrack:  make(chan struct{}, 1),
		state:    Idle,
		body:     cfg.Target,
		site:     site,
	}
	c.out.send = c.deliver
	client.OnProperty(indigo.DefNumberVector, coordinatesProperty, c.handleCoordinates)
	client.OnProperty(indigo.SetNumberVector, coordinatesProperty, c.handleCoordinates)
	cfg.Metrics.SetMountState(string(Idle), allStates)
	return c, nil
}

func findSite(sites []ephem.Site, name string) (int, bool) {
	for i, s := range sites {
		if s.Name == name {
			return i, true
		}
	}
	return 0, false
}

// handleCoordinates is the only writer of the cache.
func (c *Controller) handleCoordinates(msg indigo.Message) {
	if msg.Device != c.cfg.Device {
		return
	}
	prev, _, valid := c.cache.Get()
	ra, okRA := msg.Number("RA")
	dec, okDec := msg.Number("DEC")
	switch {
	case okRA && okDec:
	case valid && okRA:
		dec = prev.Dec
	case valid && okDec:
		ra = prev.RA
	default:
		log.Debug().Str("state", msg.State).Msg("ignoring incomplete coordinate update")
		return
	}
	c.cache.Set(coord.Equatorial{RA: ra, Dec: dec}, c.cfg.Now())
}

// Start runs the poll, tracking and astro loops until ctx is canceled or
// Close is called.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.group != nil {
		return errors.New("controller already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.pollLoop(ctx) })
	g.Go(func() error { return c.trackLoop(ctx) })
	g.Go(func() error { return c.astroLoop(ctx) })
	c.cancel = cancel
	c.group = g
	return nil
}

// Close stops the background loops and waits for them to exit.
func (c *Controller) Close() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.group == nil {
		return nil
	}
	c.cancel()
	err := c.group.Wait()
	c.group = nil
	return err
}

// deliver writes one command. Failures are logged, never returned: the
// caller already moved on and the cache shows what the mount really did.
func (c *Controller) deliver(msg indigo.Message) {
	if err := c.client.Send(msg, false); err != nil {
		log.Warn().Err(err).Str("property", msg.Name).Msg("mount command not sent")
	}
}

// send queues msg behind everything decided before it. It must be called
// with c.mu held; the message is written by unlock.
func (c *Controller) send(msg indigo.Message) {
	c.out.push(msg)
}

// unlock releases c.mu and then writes whatever was queued while it was held,
// so a slow link never blocks readers of the controller.
func (c *Controller) unlock() {
	c.mu.Unlock()
	c.out.flush()
}

func (c *Controller) sendSwitch(property string, items ...indigo.Item) {
	c.send(indigo.NewSwitch(c.cfg.Device, property, items...))
}

func (c *Controller) gotoLocked(pos coord.Equatorial) {
	c.send(indigo.NewNumber(c.cfg.Device, coordinatesProperty,
		indigo.Number("RA", pos.RA), indigo.Number("DEC", pos.Dec)))
}

// setStateLocked must be called with c.mu held.
func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	log.Info().Str("from", string(c.state)).Str("to", string(s)).Msg("mount state")
	c.state = s
	c.cfg.Metrics.SetMountState(string(s), allStates)
}

// publish emits the current status and a log line. It must be called
// without c.mu held.
func (c *Controller) publish(format string, args ...interface{}) {
	c.emitter.EmitStatus(c.Status())
	if format != "" {
		c.emitter.EmitLog(fmt.Sprintf(format, args...))
	}
}

func (c *Controller) stopMotionLocked() {
	c.sendSwitch("MOUNT_MOTION_NS", indigo.Switch("MOTION_NORTH", false), indigo.Switch("MOTION_SOUTH", false))
	c.sendSwitch("MOUNT_MOTION_WE", indigo.Switch("MOTION_WEST", false), indigo.Switch("MOTION_EAST", false))
	c.sendSwitch("MOUNT_ABORT_MOTION", indigo.Switch("ABORT_MOTION", true))
}

// Slew starts manual motion in direction at rate until Stop.
func (c *Controller) Slew(direction Direction, rate Rate) error {
	if _, err := ParseDirection(string(direction)); err != nil {
		return err
	}
	if _, err := ParseRate(string(rate)); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state == Parking || c.state == Parked {
		c.mu.Unlock()
		return ErrParked
	}
	c.sendSwitch("MOUNT_SLEW_RATE", indigo.Switch(rate.slewRateItem(), true))
	switch direction {
	case North, South:
		c.sendSwitch("MOUNT_MOTION_NS", indigo.Switch("MOTION_NORTH", direction == North), indigo.Switch("MOTION_SOUTH", direction == South))
	case East, West:
		c.sendSwitch("MOUNT_MOTION_WE", indigo.Switch("MOTION_WEST", direction == West), indigo.Switch("MOTION_EAST", direction == East))
	}
	c.setStateLocked(Slewing)
	c.unlock()
	c.publish("Slewing %s at %s rate", direction, rate)
	return nil
}

// Stop halts all motion and tracking. Stopping while parking abandons the park.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopMotionLocked()
	c.setStateLocked(Idle)
	c.unlock()
	c.publish("Stopped")
}

// targetLocked computes the current position of the target body.
func (c *Controller) targetLocked() (coord.Equatorial, error) {
	site := c.cfg.Sites[c.site]
	eq, err := c.provider.Equatorial(c.body, site, c.cfg.Now())
	if err != nil {
		return coord.Equatorial{}, fmt.Errorf("computing %s position for %s: %w", c.body, site.Name, err)
	}
	return eq, nil
}

func trackRateItem(b ephem.Body) string {
	if b == ephem.Moon {
		return "LUNAR"
	}
	return "SOLAR"
}

// Track slews to the target body and keeps following it.
func (c *Controller) Track() error {
	c.mu.Lock()
	if c.state == Parking || c.state == Parked {
		c.mu.Unlock()
		return ErrParked
	}
	eq, err := c.targetLocked()
	if err != nil {
		c.mu.Unlock()
		log.Error().Err(err).Msg("cannot track")
		return err
	}
	if c.state == Slewing {
		c.stopMotionLocked()
	}
	c.sendSwitch("MOUNT_ON_COORDINATES_SET", indigo.Switch("TRACK", true))
	c.sendSwitch("MOUNT_TRACK_RATE", indigo.Switch(trackRateItem(c.body), true))
	c.sendSwitch("MOUNT_TRACKING", indigo.Switch("ON", true), indigo.Switch("OFF", false))
	c.gotoLocked(eq)
	c.setStateLocked(Tracking)
	body := c.body
	c.unlock()
	c.kickTracking()
	c.publish("Tracking %s at RA %s DEC %s", body, coord.FormatRA(eq.RA), coord.FormatDec(eq.Dec))
	return nil
}

// StopTracking turns tracking off and leaves the mount idle.
func (c *Controller) StopTracking() {
	c.mu.Lock()
	if c.state != Tracking {
		c.mu.Unlock()
		return
	}
	c.sendSwitch("MOUNT_TRACKING", indigo.Switch("ON", false), indigo.Switch("OFF", true))
	c.setStateLocked(Idle)
	c.unlock()
	c.publish("Tracking stopped")
}

// retrackLocked re-issues the slew to the target while tracking.
func (c *Controller) retrackLocked() {
	if c.state != Tracking {
		return
	}
	eq, err := c.targetLocked()
	if err != nil {
		log.Error().Err(err).Msg("updating track")
		return
	}
	c.gotoLocked(eq)
	log.Debug().Str("ra", coord.FormatRA(eq.RA)).Str("dec", coord.FormatDec(eq.Dec)).Msg("tracking update")
}

func (c *Controller) kickTracking() {
	select {
	case c.retrack <- struct{}{}:
	default:
	}
}

// SetTarget selects the body to track.
func (c *Controller) SetTarget(body ephem.Body) {
	c.mu.Lock()
	c.setTargetLocked(body)
	c.unlock()
	c.kickTracking()
	c.publish("Target set to %s", body)
}

// ToggleTarget switches between the Sun and the Moon.
func (c *Controller) ToggleTarget() ephem.Body {
	c.mu.Lock()
	body := ephem.Moon
	if c.body == ephem.Moon {
		body = ephem.Sun
	}
	c.setTargetLocked(body)
	c.unlock()
	c.kickTracking()
	c.publish("Target set to %s", body)
	return body
}

func (c *Controller) setTargetLocked(body ephem.Body) {
	c.body = body
	c.targetPos = nil
	c.pushSiteLocked()
	c.paths.Invalidate()
	if c.state == Tracking {
		c.sendSwitch("MOUNT_TRACK_RATE", indigo.Switch(trackRateItem(body), true))
		c.retrackLocked()
	}
}

// SetLocationProfile selects a site by name.
func (c *Controller) SetLocationProfile(name string) error {
	c.mu.Lock()
	i, ok := findSite(c.cfg.Sites, name)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w %q", ErrUnknownSite, name)
	}
	c.setSiteLocked(i)
	c.unlock()
	c.kickTracking()
	c.publish("Location set to %s", name)
	return nil
}

// ToggleLocationProfile advances to the next site in the table.
func (c *Controller) ToggleLocationProfile() ephem.Site {
	c.mu.Lock()
	i := (c.site + 1) % len(c.cfg.Sites)
	c.setSiteLocked(i)
	site := c.cfg.Sites[i]
	c.unlock()
	c.kickTracking()
	c.publish("Location set to %s", site.Name)
	return site
}

func (c *Controller) setSiteLocked(i int) {
	c.site = i
	c.targetPos = nil
	c.sunTimes, c.moonTimes = nil, nil
	c.pushSiteLocked()
	c.paths.Invalidate()
	c.retrackLocked()
}

// PushSite sends the active site to the device, e.g. after reconnecting.
func (c *Controller) PushSite() {
	c.mu.Lock()
	c.pushSiteLocked()
	c.unlock()
}

func (c *Controller) pushSiteLocked() {
	site := c.cfg.Sites[c.site]
	c.send(indigo.NewNumber(c.cfg.Device, "GEOGRAPHIC_COORDINATES",
		indigo.Number("LATITUDE", site.Latitude),
		indigo.Number("LONGITUDE", normalizeLongitude(site.Longitude)),
		indigo.Number("ELEVATION", site.Elevation)))
}

// normalizeLongitude maps east-positive degrees to [0, 360).
func normalizeLongitude(lon float64) float64 {
	lon = math.Mod(lon, 360)
	if lon < 0 {
		lon += 360
	}
	return lon
}

// Park slews to the park position and waits for the cache to report it,
// polling up to ParkAttempts times. The mount is stopped and Parked either
// way; a park that never converges is only logged. Stop or ctx cancellation
// abandon the park and leave the mount Idle.
func (c *Controller) Park(ctx context.Context) ParkResult {
	c.mu.Lock()
	if state := c.state; state == Parked || state == Parking {
		c.mu.Unlock()
		log.Info().Str("state", string(state)).Msg("park ignored")
		return ParkResult{Converged: state == Parked}
	}
	pos, _, valid := c.cache.Get()
	c.prePark, c.hasPark = pos, valid
	if c.state == Slewing {
		c.stopMotionLocked()
	}
	c.sendSwitch("MOUNT_TRACKING", indigo.Switch("ON", false), indigo.Switch("OFF", true))
	c.sendSwitch("MOUNT_ON_COORDINATES_SET", indigo.Switch("SLEW", true))
	c.gotoLocked(c.cfg.ParkPosition)
	c.setStateLocked(Parking)
	c.unlock()
	c.publish("Parking at RA %s DEC %s", coord.FormatRA(c.cfg.ParkPosition.RA), coord.FormatDec(c.cfg.ParkPosition.Dec))

	var result ParkResult
	for result.Attempts < c.cfg.ParkAttempts {
		result.Attempts++
		if pos, _, ok := c.cache.Get(); ok && coord.Separation(pos, c.cfg.ParkPosition) <= c.cfg.ParkTolerance {
			result.Converged = true
			break
		}
		if result.Attempts == c.cfg.ParkAttempts {
			break
		}
		select {
		case <-ctx.Done():
			log.Warn().Err(ctx.Err()).Msg("park canceled")
			c.Stop()
			return result
		case <-time.After(c.cfg.ParkPollInterval):
		}
		if c.currentState() != Parking {
			log.Warn().Msg("park interrupted")
			return result
		}
	}

	c.mu.Lock()
	if c.state != Parking {
		c.mu.Unlock()
		return result
	}
	c.stopMotionLocked()
	c.setStateLocked(Parked)
	c.unlock()
	c.cfg.Metrics.Park(result.Converged)
	if result.Converged {
		log.Info().Int("attempts", result.Attempts).Msg("parked")
		c.publish("Parked")
	} else {
		log.Warn().Int("attempts", result.Attempts).Float64("tolerance", c.cfg.ParkTolerance).Msg("park position not reached; stopped anyway")
		c.publish("Park position not reached after %d checks; mount stopped", result.Attempts)
	}
	return result
}

// Unpark slews back to where the mount was before parking, or to the
// default unpark position if that was unknown.
func (c *Controller) Unpark() {
	c.mu.Lock()
	if c.state != Parked {
		state := c.state
		c.mu.Unlock()
		log.Info().Str("state", string(state)).Msg("unpark ignored; not parked")
		c.emitter.EmitLog("Mount is not parked")
		return
	}
	dest := c.cfg.UnparkPosition
	if c.hasPark {
		dest = c.prePark
	}
	c.sendSwitch("MOUNT_ON_COORDINATES_SET", indigo.Switch("SLEW", true))
	c.gotoLocked(dest)
	c.hasPark = false
	c.setStateLocked(Idle)
	c.unlock()
	c.publish("Unparked to RA %s DEC %s", coord.FormatRA(dest.RA), coord.FormatDec(dest.Dec))
}

func (c *Controller) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Coordinates returns the cached position.
func (c *Controller) Coordinates() Snapshot {
	pos, updated, valid := c.cache.Get()
	snap := Snapshot{
		RA:      pos.RA,
		Dec:     pos.Dec,
		RAStr:   coord.FormatRA(pos.RA),
		DecStr:  coord.FormatDec(pos.Dec),
		Valid:   valid,
		Updated: updated,
	}
	if valid {
		c.mu.Lock()
		site := c.cfg.Sites[c.site]
		c.mu.Unlock()
		hor := c.provider.Horizontal(pos, site, c.cfg.Now())
		snap.Alt, snap.Az = hor.Alt, hor.Az
	}
	return snap
}

// ObservingPath returns today's path of the target across the sky.
func (c *Controller) ObservingPath() (ephem.ObservingPath, error) {
	c.mu.Lock()
	body, site := c.body, c.cfg.Sites[c.site]
	c.mu.Unlock()
	return c.paths.Get(body, site, c.cfg.Now())
}

func (c *Controller) Status() Status {
	snap := c.Coordinates()
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:       c.state,
		Target:      c.body.String(),
		Site:        c.cfg.Sites[c.site],
		Tracking:    c.state == Tracking,
		Connected:   c.client.Connected(),
		Coordinates: snap,
	}
	if c.targetPos != nil {
		pos := *c.targetPos
		st.TargetPosition = &pos
	}
	st.SunTimes = copyTimes(c.sunTimes)
	st.MoonTimes = copyTimes(c.moonTimes)
	return st
}

// Sites returns the configured location profiles.
func (c *Controller) Sites() []ephem.Site {
	return append([]ephem.Site(nil), c.cfg.Sites...)
}

func copyTimes(t *ephem.Times) *ephem.Times {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

package mount

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/w1xm/mount_interface/coord"
	"github.com/w1xm/mount_interface/ephem"
	"github.com/w1xm/mount_interface/indigo"
	"github.com/w1xm/mount_interface/internal/metrics"
)

const device = "Mount Simulator"

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

var testSites = []ephem.Site{
	{Name: "chapel_hill", Latitude: 35.9132, Longitude: -79.0558, Elevation: 80, Timezone: "America/New_York"},
	{Name: "kansas_city", Latitude: 39.0997, Longitude: -94.5786, Elevation: 277, Timezone: "America/Chicago"},
}

// fakeClient records commands. When echo is set it answers every
// coordinate command with a matching push, like a mount that arrives
// instantly. Sends fail with err when it is set.
type fakeClient struct {
	mu        sync.Mutex
	sent      []indigo.Message
	handlers  map[string]indigo.Handler
	connected bool
	echo      bool
	err       error

	// Sends of holdProperty block until release is closed.
	holdProperty string
	held         chan struct{}
	heldOnce     sync.Once
	release      chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]indigo.Handler), connected: true}
}

func (f *fakeClient) Send(msg indigo.Message, quiet bool) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	echo, err := f.echo, f.err
	hold := f.release != nil && msg.Name == f.holdProperty
	held, release := f.held, f.release
	f.mu.Unlock()
	if hold {
		f.heldOnce.Do(func() { close(held) })
		<-release
	}
	if err != nil {
		return err
	}
	if echo && msg.Kind == indigo.NewNumberVector && msg.Name == coordinatesProperty {
		f.push(msg.Items...)
	}
	return nil
}

// hold makes sends of property block until release is called. held is
// closed once the first of them is in flight.
func (f *fakeClient) hold(property string) (held <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdProperty = property
	f.held = make(chan struct{})
	f.release = make(chan struct{})
	return f.held, func() { close(f.release) }
}

func (f *fakeClient) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeClient) OnProperty(kind indigo.Kind, property string, h indigo.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[indigo.Key(kind, property)] = h
}

func (f *fakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) setEcho(echo bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.echo = echo
}

// push delivers a coordinate update as the receive loop would.
func (f *fakeClient) push(items ...indigo.Item) {
	f.mu.Lock()
	h := f.handlers[indigo.Key(indigo.SetNumberVector, coordinatesProperty)]
	f.mu.Unlock()
	h(indigo.Message{Kind: indigo.SetNumberVector, Vector: indigo.Vector{
		Device: device, Name: coordinatesProperty, State: indigo.StateOk, Items: items,
	}})
}

func (f *fakeClient) messages() []indigo.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]indigo.Message(nil), f.sent...)
}

func (f *fakeClient) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// named returns the sent messages for property.
func (f *fakeClient) named(property string) []indigo.Message {
	var out []indigo.Message
	for _, msg := range f.messages() {
		if msg.Name == property {
			out = append(out, msg)
		}
	}
	return out
}

// switches folds every sent switch command into the final on/off state of
// each property item, as the device would see it.
func (f *fakeClient) switches() map[string]bool {
	state := make(map[string]bool)
	for _, msg := range f.messages() {
		if msg.Kind != indigo.NewSwitchVector {
			continue
		}
		for _, item := range msg.Items {
			state[msg.Name+"."+item.Name] = item.Value.(bool)
		}
	}
	return state
}

type fakeProvider struct{}

var (
	sunPos  = coord.Equatorial{RA: 13.5, Dec: -10.25}
	moonPos = coord.Equatorial{RA: 2.25, Dec: 18.5}
)

func (fakeProvider) Equatorial(body ephem.Body, site ephem.Site, t time.Time) (coord.Equatorial, error) {
	if body == ephem.Moon {
		return moonPos, nil
	}
	return sunPos, nil
}

func (fakeProvider) Position(body ephem.Body, site ephem.Site, t time.Time) (coord.Horizontal, error) {
	return coord.Horizontal{Alt: 45, Az: 180}, nil
}

func (fakeProvider) Horizontal(eq coord.Equatorial, site ephem.Site, t time.Time) coord.Horizontal {
	return coord.Horizontal{Alt: eq.Dec, Az: eq.RA * 15}
}

// Times has the Moon staying up for the next day.
func (fakeProvider) Times(body ephem.Body, site ephem.Site, t time.Time) (ephem.Times, error) {
	rise, transit, set := t.Add(time.Hour), t.Add(6*time.Hour), t.Add(11*time.Hour)
	if body == ephem.Moon {
		return ephem.Times{Rise: &rise, Transit: &transit}, nil
	}
	return ephem.Times{Rise: &rise, Transit: &transit, Set: &set}, nil
}

// siteProvider reports bodies at the site's latitude and holds the first
// Position call until release is closed.
type siteProvider struct {
	fakeProvider
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *siteProvider) Position(body ephem.Body, site ephem.Site, t time.Time) (coord.Horizontal, error) {
	p.once.Do(func() {
		close(p.entered)
		<-p.release
	})
	return coord.Horizontal{Alt: site.Latitude, Az: 180}, nil
}

type recorder struct {
	mu       sync.Mutex
	statuses []Status
	logs     []string
}

func (r *recorder) EmitStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) EmitLog(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, msg)
}

func (r *recorder) lastLog() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.logs) == 0 {
		return ""
	}
	return r.logs[len(r.logs)-1]
}

var testNow = time.Date(2024, 6, 21, 16, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Device:           device,
		Sites:            testSites,
		DefaultProfile:   "chapel_hill",
		ParkPosition:     coord.Equatorial{RA: 0, Dec: 90},
		ParkTolerance:    0.5,
		ParkAttempts:     5,
		ParkPollInterval: time.Millisecond,
		Now:              func() time.Time { return testNow },
	}
}

func newTestController(t *testing.T, cfg Config) (*Controller, *fakeClient, *recorder) {
	t.Helper()
	client := newFakeClient()
	rec := &recorder{}
	c, err := New(client, fakeProvider{}, rec, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c, client, rec
}

func coordinates(msg indigo.Message) coord.Equatorial {
	ra, _ := msg.Number("RA")
	dec, _ := msg.Number("DEC")
	return coord.Equatorial{RA: ra, Dec: dec}
}

func lastGoto(t *testing.T, f *fakeClient) coord.Equatorial {
	t.Helper()
	msgs := f.named(coordinatesProperty)
	if len(msgs) == 0 {
		t.Fatal("no coordinate command sent")
	}
	return coordinates(msgs[len(msgs)-1])
}

func TestNewErrors(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultProfile = "nowhere"
	if _, err := New(newFakeClient(), fakeProvider{}, nil, cfg); err == nil {
		t.Errorf("New with unknown profile succeeded")
	}
	cfg = testConfig()
	cfg.Sites = nil
	if _, err := New(newFakeClient(), fakeProvider{}, nil, cfg); err == nil {
		t.Errorf("New without sites succeeded")
	}
}

func TestCacheLastWriteWins(t *testing.T) {
	c, client, _ := newTestController(t, testConfig())
	if got := c.Coordinates(); got.Valid {
		t.Fatalf("cache valid before any update: %+v", got)
	}
	updates := []coord.Equatorial{{RA: 1, Dec: 2}, {RA: 23.99, Dec: -89}, {RA: 12, Dec: 0}, {RA: 6.5, Dec: 45.25}}
	for _, u := range updates {
		client.push(indigo.Number("RA", u.RA), indigo.Number("DEC", u.Dec))
	}
	got := c.Coordinates()
	if diff := cmp.Diff(updates[len(updates)-1], coord.Equatorial{RA: got.RA, Dec: got.Dec}); diff != "" {
		t.Errorf("cache (-want +got):\n%s", diff)
	}

	// Another device's coordinates are ignored.
	h := client.handlers[indigo.Key(indigo.SetNumberVector, coordinatesProperty)]
	h(indigo.Message{Kind: indigo.SetNumberVector, Vector: indigo.Vector{
		Device: "Other Mount", Name: coordinatesProperty,
		Items: []indigo.Item{indigo.Number("RA", 3), indigo.Number("DEC", 3)},
	}})
	// A single-axis update keeps the other axis.
	client.push(indigo.Number("DEC", 50))
	got = c.Coordinates()
	if diff := cmp.Diff(coord.Equatorial{RA: 6.5, Dec: 50}, coord.Equatorial{RA: got.RA, Dec: got.Dec}); diff != "" {
		t.Errorf("cache after partial update (-want +got):\n%s", diff)
	}
}

func TestCacheConcurrentReadersSeeWholePairs(t *testing.T) {
	c, client, _ := newTestController(t, testConfig())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			v := float64(i % 20)
			client.push(indigo.Number("RA", v), indigo.Number("DEC", v))
		}
	}()
	for {
		select {
		case <-done:
			return
		default:
		}
		pos, _, ok := c.cache.Get()
		if ok && pos.RA != pos.Dec {
			t.Fatalf("torn read: %+v", pos)
		}
	}
}

func TestCoordinatesSnapshot(t *testing.T) {
	c, client, _ := newTestController(t, testConfig())
	client.push(indigo.Number("RA", 5.0), indigo.Number("DEC", 20.0))
	want := Snapshot{RA: 5, Dec: 20, RAStr: "05:00:00.00", DecStr: "+20:00:00.00", Valid: true, Alt: 20, Az: 75, Updated: testNow}
	if diff := cmp.Diff(want, c.Coordinates()); diff != "" {
		t.Errorf("Coordinates() (-want +got):\n%s", diff)
	}
}

func TestSlew(t *testing.T) {
	for _, test := range []struct {
		direction Direction
		rate      Rate
		want      []indigo.Message
	}{
		{North, Solar, []indigo.Message{
			indigo.NewSwitch(device, "MOUNT_SLEW_RATE", indigo.Switch("GUIDE", true)),
			indigo.NewSwitch(device, "MOUNT_MOTION_NS", indigo.Switch("MOTION_NORTH", true), indigo.Switch("MOTION_SOUTH", false)),
		}},
		{South, Slow, []indigo.Message{
			indigo.NewSwitch(device, "MOUNT_SLEW_RATE", indigo.Switch("CENTERING", true)),
			indigo.NewSwitch(device, "MOUNT_MOTION_NS", indigo.Switch("MOTION_NORTH", false), indigo.Switch("MOTION_SOUTH", true)),
		}},
		{West, Fast, []indigo.Message{
			indigo.NewSwitch(device, "MOUNT_SLEW_RATE", indigo.Switch("MAX", true)),
			indigo.NewSwitch(device, "MOUNT_MOTION_WE", indigo.Switch("MOTION_WEST", true), indigo.Switch("MOTION_EAST", false)),
		}},
		{East, Slow, []indigo.Message{
			indigo.NewSwitch(device, "MOUNT_SLEW_RATE", indigo.Switch("CENTERING", true)),
			indigo.NewSwitch(device, "MOUNT_MOTION_WE", indigo.Switch("MOTION_WEST", false), indigo.Switch("MOTION_EAST", true)),
		}},
	} {
		t.Run(string(test.direction), func(t *testing.T) {
			c, client, rec := newTestController(t, testConfig())
			if err := c.Slew(test.direction, test.rate); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(test.want, client.messages()); diff != "" {
				t.Errorf("commands (-want +got):\n%s", diff)
			}
			if got := c.Status().State; got != Slewing {
				t.Errorf("state = %v, want slewing", got)
			}
			if rec.lastLog() == "" {
				t.Errorf("no log emitted")
			}
		})
	}
}

func TestSlewInvalid(t *testing.T) {
	c, client, _ := newTestController(t, testConfig())
	if err := c.Slew("up", Slow); err == nil {
		t.Errorf("Slew(up) succeeded")
	}
	if err := c.Slew(North, "warp"); err == nil {
		t.Errorf("Slew(warp) succeeded")
	}
	if len(client.messages()) != 0 {
		t.Errorf("invalid slews sent commands: %v", client.messages())
	}
}

func TestStopIdempotent(t *testing.T) {
	once, onceClient, _ := newTestController(t, testConfig())
	once.Slew(North, Fast)
	once.Stop()

	twice, twiceClient, _ := newTestController(t, testConfig())
	twice.Slew(North, Fast)
	twice.Stop()
	twice.Stop()

	if diff := cmp.Diff(onceClient.switches(), twiceClient.switches()); diff != "" {
		t.Errorf("switch state differs (-once +twice):\n%s", diff)
	}
	want := map[string]bool{
		"MOUNT_SLEW_RATE.MAX":             true,
		"MOUNT_MOTION_NS.MOTION_NORTH":    false,
		"MOUNT_MOTION_NS.MOTION_SOUTH":    false,
		"MOUNT_MOTION_WE.MOTION_WEST":     false,
		"MOUNT_MOTION_WE.MOTION_EAST":     false,
		"MOUNT_ABORT_MOTION.ABORT_MOTION": true,
	}
	if diff := cmp.Diff(want, twiceClient.switches()); diff != "" {
		t.Errorf("switch state (-want +got):\n%s", diff)
	}
	if got := twice.Status().State; got != Idle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestTrack(t *testing.T) {
	c, client, _ := newTestController(t, testConfig())
	if err := c.Track(); err != nil {
		t.Fatal(err)
	}
	want := []indigo.Message{
		indigo.NewSwitch(device, "MOUNT_ON_COORDINATES_SET", indigo.Switch("TRACK", true)),
		indigo.NewSwitch(device, "MOUNT_TRACK_RATE", indigo.Switch("SOLAR", true)),
		indigo.NewSwitch(device, "MOUNT_TRACKING", indigo.Switch("ON", true), indigo.Switch("OFF", false)),
		indigo.NewNumber(device, coordinatesProperty, indigo.Number("RA", sunPos.RA), indigo.Number("DEC", sunPos.Dec)),
	}
	if diff := cmp.Diff(want, client.messages()); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}
	st := c.Status()
	if st.State != Tracking || !st.Tracking {
		t.Errorf("status = %+v, want tracking", st)
	}

	c.StopTracking()
	if got := c.Status(); got.State != Idle || got.Tracking {
		t.Errorf("after StopTracking status = %+v", got)
	}
}

func TestSetTargetWhileTracking(t *testing.T) {
	c, client, _ := newTestController(t, testConfig())
	if err := c.Track(); err != nil {
		t.Fatal(err)
	}
	client.reset()
	c.SetTarget(ephem.Moon)

	gotos := client.named(coordinatesProperty)
	if len(gotos) != 1 {
		t.Fatalf("got %d coordinate commands, want 1", len(gotos))
	}
	if diff := cmp.Diff(moonPos, coordinates(gotos[0])); diff != "" {
		t.Errorf("re-slew target (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]bool{"MOUNT_TRACK_RATE.LUNAR": true}, client.switches()); diff != "" {
		t.Errorf("switches (-want +got):\n%s", diff)
	}
	if got := c.Status().Target; got != "moon" {
		t.Errorf("target = %q", got)
	}
}

func TestSetTargetWhileIdle(t *testing.T) {
	c, client, _ := newTestController(t, testConfig())
	if got := c.ToggleTarget(); got != ephem.Moon {
		t.Errorf("ToggleTarget() = %v, want moon", got)
	}
	if n := len(client.named(coordinatesProperty)); n != 0 {
		t.Errorf("idle target change sent %d coordinate commands", n)
	}
	if n := len(client.named("GEOGRAPHIC_COORDINATES")); n != 1 {
		t.Errorf("site pushed %d times, want 1", n)
	}
	if got := c.ToggleTarget(); got != ephem.Sun {
		t.Errorf("second ToggleTarget() = %v, want sun", got)
	}
}

func TestLocationProfile(t *testing.T) {
	c, client, _ := newTestController(t, testConfig())
	if err := c.SetLocationProfile("atlantis"); err == nil {
		t.Errorf("unknown profile accepted")
	}
	if err := c.SetLocationProfile("kansas_city"); err != nil {
		t.Fatal(err)
	}
	want := []indigo.Message{
		indigo.NewNumber(device, "GEOGRAPHIC_COORDINATES",
			indigo.Number("LATITUDE", 39.0997),
			indigo.Number("LONGITUDE", normalizeLongitude(-94.5786)),
			indigo.Number("ELEVATION", 277)),
	}
	if diff := cmp.Diff(want, client.messages()); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}
	if got := c.ToggleLocationProfile(); got.Name != "chapel_hill" {
		t.Errorf("toggle wrapped to %q, want chapel_hill", got.Name)
	}
	if got := c.Status().Site.Name; got != "chapel_hill" {
		t.Errorf("site = %q", got)
	}
}

func TestNormalizeLongitude(t *testing.T) {
	for _, test := range []struct{ in, want float64 }{
		{0, 0},
		{-79.0558, 280.9442},
		{180, 180},
		{-180, 180},
		{360, 0},
		{725, 5},
	} {
		if got := normalizeLongitude(test.in); !cmp.Equal(got, test.want, cmpopts.EquateApprox(0, 1e-9)) {
			t.Errorf("normalizeLongitude(%v) = %v, want %v", test.in, got, test.want)
		}
	}
}

func TestParkUnparkRestores(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Metrics = m
	c, client, _ := newTestController(t, cfg)
	client.push(indigo.Number("RA", 5), indigo.Number("DEC", 20))
	client.setEcho(true)

	result := c.Park(context.Background())
	if diff := cmp.Diff(ParkResult{Converged: true, Attempts: 1}, result); diff != "" {
		t.Errorf("Park() (-want +got):\n%s", diff)
	}
	if got := c.Status().State; got != Parked {
		t.Errorf("state = %v, want parked", got)
	}
	if err := c.Slew(North, Slow); err != ErrParked {
		t.Errorf("Slew while parked = %v, want ErrParked", err)
	}
	if err := c.Track(); err != ErrParked {
		t.Errorf("Track while parked = %v, want ErrParked", err)
	}

	c.Unpark()
	if diff := cmp.Diff(coord.Equatorial{RA: 5, Dec: 20}, lastGoto(t, client)); diff != "" {
		t.Errorf("unpark destination (-want +got):\n%s", diff)
	}
	got := c.Coordinates()
	if got.RA != 5 || got.Dec != 20 {
		t.Errorf("coordinates after unpark = %v, %v", got.RA, got.Dec)
	}
	if st := c.Status().State; st != Idle {
		t.Errorf("state after unpark = %v", st)
	}
	if got := testutil.ToFloat64(m.ParkResults.WithLabelValues("converged")); got != 1 {
		t.Errorf("converged parks = %v, want 1", got)
	}
}

func TestParkTimeout(t *testing.T) {
	c, client, rec := newTestController(t, testConfig())
	result := c.Park(context.Background())
	if diff := cmp.Diff(ParkResult{Converged: false, Attempts: 5}, result); diff != "" {
		t.Errorf("Park() (-want +got):\n%s", diff)
	}
	if got := c.Status().State; got != Parked {
		t.Errorf("state = %v, want parked", got)
	}
	msgs := client.messages()
	if last := msgs[len(msgs)-1]; last.Name != "MOUNT_ABORT_MOTION" {
		t.Errorf("last command = %s, want MOUNT_ABORT_MOTION", last.Name)
	}
	if rec.lastLog() == "Parked" {
		t.Errorf("timeout reported as a clean park")
	}

	// Nothing was cached before parking.
	c.Unpark()
	if diff := cmp.Diff(coord.Equatorial{}, lastGoto(t, client)); diff != "" {
		t.Errorf("unpark destination (-want +got):\n%s", diff)
	}
}

func TestParkInterruptedByStop(t *testing.T) {
	cfg := testConfig()
	cfg.ParkAttempts = 1000
	cfg.ParkPollInterval = 5 * time.Millisecond
	c, _, _ := newTestController(t, cfg)
	done := make(chan ParkResult)
	go func() { done <- c.Park(context.Background()) }()
	for c.Status().State != Parking {
		time.Sleep(time.Millisecond)
	}
	c.Stop()
	select {
	case result := <-done:
		if result.Converged {
			t.Errorf("interrupted park converged")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Park did not return after Stop")
	}
	if got := c.Status().State; got != Idle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestParkCanceled(t *testing.T) {
	cfg := testConfig()
	cfg.ParkAttempts = 1000
	cfg.ParkPollInterval = time.Hour
	c, _, _ := newTestController(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result := c.Park(ctx)
	if result.Converged || result.Attempts != 1 {
		t.Errorf("Park() = %+v", result)
	}
	if got := c.Status().State; got != Idle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestUnparkWhenNotParked(t *testing.T) {
	c, client, rec := newTestController(t, testConfig())
	c.Unpark()
	if n := len(client.messages()); n != 0 {
		t.Errorf("Unpark sent %d commands while idle", n)
	}
	if rec.lastLog() == "" {
		t.Errorf("no log emitted")
	}
}

func TestObservingPath(t *testing.T) {
	c, _, _ := newTestController(t, testConfig())
	path, err := c.ObservingPath()
	if err != nil {
		t.Fatal(err)
	}
	if len(path) == 0 {
		t.Fatal("empty path")
	}
	for _, p := range path {
		if p.Alt != 45 || p.Az != 180 {
			t.Fatalf("unexpected point %+v", p)
		}
	}
}

func TestLoops(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.TrackInterval = 10 * time.Millisecond
	cfg.AstroInterval = 5 * time.Millisecond
	c, client, rec := newTestController(t, cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Errorf("second Start succeeded")
	}
	if err := c.Track(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		queries := 0
		for _, msg := range client.messages() {
			if msg.Kind == indigo.GetProperties && msg.Name == coordinatesProperty && msg.Device == device {
				queries++
			}
		}
		if queries >= 2 && len(client.named(coordinatesProperty)) >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("loops did not run: %d polls, %d gotos", queries, len(client.named(coordinatesProperty)))
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitStatus := time.Now().Add(5 * time.Second)
	for c.Status().TargetPosition == nil {
		if time.Now().After(waitStatus) {
			t.Fatal("astro loop never set the target position")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	c.Close()
	count := len(client.messages())
	time.Sleep(30 * time.Millisecond)
	if got := len(client.messages()); got != count {
		t.Errorf("%d commands sent after Close", got-count)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.statuses) == 0 {
		t.Errorf("no status emitted")
	}
}

func TestSlowSendDoesNotBlockCallers(t *testing.T) {
	c, client, _ := newTestController(t, testConfig())
	client.push(indigo.Number("RA", 5), indigo.Number("DEC", 20))
	held, release := client.hold(coordinatesProperty)
	tracked := make(chan error, 1)
	go func() { tracked <- c.Track() }()
	<-held

	within := func(name string, f func()) {
		t.Helper()
		done := make(chan struct{})
		go func() {
			defer close(done)
			f()
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s blocked behind a slow send", name)
		}
	}
	within("Coordinates", func() {
		if got := c.Coordinates(); !got.Valid || got.RA != 5 || got.Dec != 20 {
			t.Errorf("Coordinates() = %+v", got)
		}
	})
	within("Status", func() { c.Status() })
	within("Stop", c.Stop)
	if got := c.Status().State; got != Idle {
		t.Errorf("state = %v, want idle", got)
	}

	release()
	if err := <-tracked; err != nil {
		t.Fatal(err)
	}
	// Stop's commands are written after Track's, in decision order.
	var names []string
	for _, msg := range client.messages() {
		names = append(names, msg.Name)
	}
	want := []string{
		"MOUNT_ON_COORDINATES_SET", "MOUNT_TRACK_RATE", "MOUNT_TRACKING", coordinatesProperty,
		"MOUNT_MOTION_NS", "MOUNT_MOTION_WE", "MOUNT_ABORT_MOTION",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("command order (-want +got):\n%s", diff)
	}
}

func TestSendFailuresAreNotReturned(t *testing.T) {
	for _, test := range []struct {
		name  string
		setup func(c *Controller)
		run   func(c *Controller) error
		want  State
	}{
		{
			name: "slew",
			run:  func(c *Controller) error { return c.Slew(North, Fast) },
			want: Slewing,
		},
		{
			name:  "stop",
			setup: func(c *Controller) { c.Slew(North, Fast) },
			run:   func(c *Controller) error { c.Stop(); return nil },
			want:  Idle,
		},
		{
			name: "track",
			run:  func(c *Controller) error { return c.Track() },
			want: Tracking,
		},
		{
			name:  "set_target",
			setup: func(c *Controller) { c.Track() },
			run:   func(c *Controller) error { c.SetTarget(ephem.Moon); return nil },
			want:  Tracking,
		},
		{
			name: "set_location",
			run:  func(c *Controller) error { return c.SetLocationProfile("kansas_city") },
			want: Idle,
		},
		{
			name: "park",
			run:  func(c *Controller) error { c.Park(context.Background()); return nil },
			want: Parked,
		},
		{
			name:  "unpark",
			setup: func(c *Controller) { c.Park(context.Background()) },
			run:   func(c *Controller) error { c.Unpark(); return nil },
			want:  Idle,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			c, client, _ := newTestController(t, testConfig())
			client.setErr(indigo.ErrNotConnected)
			if test.setup != nil {
				test.setup(c)
			}
			client.reset()
			if err := test.run(c); err != nil {
				t.Errorf("%s returned %v", test.name, err)
			}
			if len(client.messages()) == 0 {
				t.Errorf("%s attempted no sends", test.name)
			}
			if got := c.Status().State; got != test.want {
				t.Errorf("state = %v, want %v", got, test.want)
			}
		})
	}
}

func TestParkedErrorsSurviveSendFailures(t *testing.T) {
	c, client, _ := newTestController(t, testConfig())
	client.setErr(indigo.ErrNotConnected)
	c.Park(context.Background())
	if err := c.Slew(North, Fast); !errors.Is(err, ErrParked) {
		t.Errorf("Slew while parked = %v, want ErrParked", err)
	}
	if err := c.Track(); !errors.Is(err, ErrParked) {
		t.Errorf("Track while parked = %v, want ErrParked", err)
	}
}

func TestObservingPathFollowsSiteChange(t *testing.T) {
	p := &siteProvider{entered: make(chan struct{}), release: make(chan struct{})}
	c, err := New(newFakeClient(), p, nil, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.updateAstro()
	}()
	<-p.entered
	if err := c.SetLocationProfile("kansas_city"); err != nil {
		t.Fatal(err)
	}
	close(p.release)
	<-done

	path, err := c.ObservingPath()
	if err != nil {
		t.Fatal(err)
	}
	if len(path) == 0 {
		t.Fatal("empty path")
	}
	if got := path[0].Alt; got != 39.1 {
		t.Errorf("path altitude = %v, want 39.1 for kansas_city", got)
	}
	if st := c.Status(); st.TargetPosition != nil || st.SunTimes != nil {
		t.Errorf("results for the old site kept: %+v", st)
	}
}

func TestAstroTimes(t *testing.T) {
	c, _, rec := newTestController(t, testConfig())
	if st := c.Status(); st.SunTimes != nil || st.MoonTimes != nil {
		t.Fatalf("times set before the astro loop ran: %+v", st)
	}
	c.updateAstro()

	rise, transit, set := testNow.Add(time.Hour), testNow.Add(6*time.Hour), testNow.Add(11*time.Hour)
	st := c.Status()
	if diff := cmp.Diff(&ephem.Times{Rise: &rise, Transit: &transit, Set: &set}, st.SunTimes); diff != "" {
		t.Errorf("SunTimes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(&ephem.Times{Rise: &rise, Transit: &transit}, st.MoonTimes); diff != "" {
		t.Errorf("MoonTimes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(&coord.Horizontal{Alt: 45, Az: 180}, st.TargetPosition); diff != "" {
		t.Errorf("TargetPosition (-want +got):\n%s", diff)
	}
	rec.mu.Lock()
	emitted := len(rec.statuses)
	rec.mu.Unlock()
	if emitted == 0 {
		t.Errorf("no status emitted")
	}

	// A new site invalidates times until they are recomputed there.
	c.ToggleLocationProfile()
	if st := c.Status(); st.SunTimes != nil || st.MoonTimes != nil {
		t.Errorf("times kept after site change: %+v", st)
	}
}

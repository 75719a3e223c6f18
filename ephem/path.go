package ephem

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PathStep is the sampling interval of an ObservingPath.
const PathStep = 5 * time.Minute

// PathPoint is one sample of a body's track across the sky.
type PathPoint struct {
	Az   float64 `json:"az"`
	Alt  float64 `json:"alt"`
	Time string  `json:"time"` // local HH:MM at the site
}

// ObservingPath is where a body will be over one diurnal cycle.
type ObservingPath []PathPoint

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// SamplePath samples body between start and end. Altitude is clamped to
// [0,90] and azimuth wrapped to [0,360).
func SamplePath(p Provider, body Body, site Site, start, end time.Time, step time.Duration) (ObservingPath, error) {
	loc := site.Location()
	var path ObservingPath
	for t := start; t.Before(end); t = t.Add(step) {
		h, err := p.Position(body, site, t)
		if err != nil {
			return nil, err
		}
		path = append(path, PathPoint{
			Az:   round2(math.Mod(h.Az+360, 360)),
			Alt:  round2(math.Max(0, math.Min(h.Alt, 90))),
			Time: t.In(loc).Format("15:04"),
		})
	}
	return path, nil
}

// DayPath returns the path for the calendar day containing now.
// The Sun is sampled over the local day and trimmed to the daylight span;
// the Moon, whose rise and set can fall on different days, is sampled over
// the next 24 hours.
func DayPath(p Provider, body Body, site Site, now time.Time) (ObservingPath, error) {
	if body == Moon {
		return SamplePath(p, body, site, now, now.Add(24*time.Hour), PathStep)
	}
	loc := site.Location()
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	path, err := SamplePath(p, body, site, midnight, midnight.Add(24*time.Hour), PathStep)
	if err != nil {
		return nil, err
	}
	first, last := -1, -1
	for i, pt := range path {
		if pt.Alt > 0 {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		// Polar night: keep the whole day so callers still see the track.
		return path, nil
	}
	return path[first : last+1], nil
}

type pathKey struct {
	body Body
	site string
	day  string
}

// PathCache memoizes DayPath per (body, site, calendar day).
type PathCache struct {
	provider Provider

	mu    sync.Mutex
	paths map[pathKey]ObservingPath
}

func NewPathCache(p Provider) *PathCache {
	return &PathCache{provider: p, paths: make(map[pathKey]ObservingPath)}
}

// Get returns the cached path for body on the site-local day of now,
// computing it if needed. Entries for other sites or days are dropped.
func (c *PathCache) Get(body Body, site Site, now time.Time) (ObservingPath, error) {
	key := pathKey{body: body, site: site.Name, day: now.In(site.Location()).Format("2006-01-02")}
	c.mu.Lock()
	if path, ok := c.paths[key]; ok {
		c.mu.Unlock()
		return path, nil
	}
	c.mu.Unlock()

	path, err := DayPath(c.provider, body, site, now)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.paths {
		if k.day != key.day || k.site != key.site {
			delete(c.paths, k)
		}
	}
	c.paths[key] = path
	log.Debug().Str("body", body.String()).Str("site", site.Name).Int("points", len(path)).Msg("generated observing path")
	return path, nil
}

// Invalidate drops every cached path, e.g. after the site changes.
func (c *PathCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = make(map[pathKey]ObservingPath)
}

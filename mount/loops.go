package mount

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/w1xm/mount_interface/ephem"
	"github.com/w1xm/mount_interface/indigo"
)

// pollLoop asks for the mount position every PollInterval and publishes the
// cached status. Replies update the cache through the dispatch handler.
func (c *Controller) pollLoop(ctx context.Context) error {
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		c.client.Send(indigo.Query(c.cfg.Device, coordinatesProperty), true)
		c.emitter.EmitStatus(c.Status())
	}
}

// trackLoop re-slews to the target every TrackInterval while tracking. A
// fresh slew (Track, target or site change) restarts the interval.
func (c *Controller) trackLoop(ctx context.Context) error {
	timer := time.NewTimer(c.cfg.TrackInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.retrack:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.cfg.TrackInterval)
			continue
		case <-timer.C:
			timer.Reset(c.cfg.TrackInterval)
		}
		c.mu.Lock()
		c.retrackLocked()
		c.unlock()
	}
}

// astroLoop refreshes where the target is in the sky and keeps today's
// observing path warm.
func (c *Controller) astroLoop(ctx context.Context) error {
	c.updateAstro()
	t := time.NewTicker(c.cfg.AstroInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		c.updateAstro()
	}
}

func (c *Controller) updateAstro() {
	c.mu.Lock()
	body, site := c.body, c.cfg.Sites[c.site]
	c.mu.Unlock()
	now := c.cfg.Now()

	pos, posErr := c.provider.Position(body, site, now)
	if posErr != nil {
		log.Error().Err(posErr).Str("body", body.String()).Msg("computing target position")
	}
	if _, err := c.paths.Get(body, site, now); err != nil {
		log.Error().Err(err).Str("body", body.String()).Msg("computing observing path")
	}
	sun := c.bodyTimes(ephem.Sun, site, now)
	moon := c.bodyTimes(ephem.Moon, site, now)

	c.mu.Lock()
	// Drop results for a site that was switched away from meanwhile.
	if c.cfg.Sites[c.site].Name != site.Name {
		c.mu.Unlock()
		return
	}
	c.sunTimes, c.moonTimes = sun, moon
	if posErr == nil && c.body == body {
		c.targetPos = &pos
	}
	c.mu.Unlock()
	log.Debug().Str("body", body.String()).Float64("alt", pos.Alt).Float64("az", pos.Az).Msg("target position")
	c.emitter.EmitStatus(c.Status())
}

// bodyTimes returns nil if the events cannot be computed.
func (c *Controller) bodyTimes(body ephem.Body, site ephem.Site, now time.Time) *ephem.Times {
	times, err := c.provider.Times(body, site, now)
	if err != nil {
		log.Error().Err(err).Str("body", body.String()).Msg("computing rise and set")
		return nil
	}
	return &times
}

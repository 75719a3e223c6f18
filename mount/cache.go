package mount

import (
	"sync"
	"time"

	"github.com/w1xm/mount_interface/coord"
)

// Cache holds the last equatorial position reported by the device. RA and
// DEC are always read and written together.
type Cache struct {
	mu      sync.RWMutex
	pos     coord.Equatorial
	valid   bool
	updated time.Time
}

// Set replaces the cached position.
func (c *Cache) Set(pos coord.Equatorial, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos = pos
	c.valid = true
	c.updated = at
}

// Get returns the cached position, when it was reported, and whether any
// report has arrived yet.
func (c *Cache) Get() (coord.Equatorial, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pos, c.updated, c.valid
}

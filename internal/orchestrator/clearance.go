package orchestrator

import (
	"maps"
	"time"
)

// clearance tracks the photo sensors guarding a Return job. Readings are
// recorded at all times; the continuous-clear timer only runs while armed.
type clearance struct {
	sensors []string
	states  map[string]int
	armed   bool
	since   time.Time // zero: no timer
}

func newClearance(sensors []string) *clearance {
	return &clearance{
		sensors: append([]string(nil), sensors...),
		states:  make(map[string]int),
	}
}

// update records a reading and reports whether it changed the stored state.
func (c *clearance) update(name string, clear bool, now time.Time) bool {
	v := 0
	if clear {
		v = 1
	}
	prev, seen := c.states[name]
	c.states[name] = v
	c.recompute(now)
	return !seen || prev != v
}

// tracks reports whether name is one of the guarded sensors.
func (c *clearance) tracks(name string) bool {
	for _, s := range c.sensors {
		if s == name {
			return true
		}
	}
	return false
}

// arm restarts the timer from scratch; sensors already clear start it now.
func (c *clearance) arm(now time.Time) {
	c.armed = true
	c.since = time.Time{}
	c.recompute(now)
}

func (c *clearance) disarm() {
	c.armed = false
	c.since = time.Time{}
}

func (c *clearance) allClear() bool {
	for _, s := range c.sensors {
		if v, ok := c.states[s]; !ok || v != 1 {
			return false
		}
	}
	return len(c.sensors) > 0
}

func (c *clearance) recompute(now time.Time) {
	if !c.armed {
		return
	}
	if !c.allClear() {
		c.since = time.Time{}
		return
	}
	if c.since.IsZero() {
		c.since = now
	}
}

// held reports whether every sensor has been clear for at least d.
func (c *clearance) held(now time.Time, d time.Duration) bool {
	return c.armed && !c.since.IsZero() && now.Sub(c.since) >= d
}

func (c *clearance) snapshot() (map[string]int, *time.Time) {
	states := maps.Clone(c.states)
	if c.since.IsZero() {
		return states, nil
	}
	since := c.since
	return states, &since
}

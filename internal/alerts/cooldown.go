package alerts

import (
	"strconv"
	"sync"
	"time"
)

// Cooldown remembers when each rule last fired.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time)}
}

// Allow reports whether ruleID may fire at now and, if so, records now as
// its last firing.
func (c *Cooldown) Allow(ruleID int64, cooldown time.Duration, now time.Time) bool {
	return c.AllowKey(itoa(ruleID), cooldown, now)
}

func (c *Cooldown) AllowKey(key string, cooldown time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok && cooldown > 0 {
		if now.Sub(ts) < cooldown {
			return false
		}
	}
	c.last[key] = now
	return true
}

// Seed records a firing loaded from storage unless a later one is known.
func (c *Cooldown) Seed(ruleID int64, at time.Time) {
	key := itoa(ruleID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok && !at.After(ts) {
		return
	}
	c.last[key] = at
}

func (c *Cooldown) Ready(ruleID int64, cooldown time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.last[itoa(ruleID)]
	return !ok || cooldown <= 0 || now.Sub(ts) >= cooldown
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

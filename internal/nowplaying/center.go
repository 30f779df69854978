// Package nowplaying is the process-wide "now playing" surface. One
// owner at a time holds a Claim and publishes a Snapshot through it;
// sinks (the state file, Discord presence) follow changes with Watch.
package nowplaying

import (
	"sync"
	"time"
)

// Snapshot is the metadata shown while something is playing.
type Snapshot struct {
	Title    string        `json:"title,omitempty"`
	Author   string        `json:"author,omitempty"`
	Artwork  string        `json:"artwork,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
	Duration time.Duration `json:"duration"`
	Rate     float64       `json:"rate"`
}

// Playing reports whether the snapshot describes active playback.
func (s Snapshot) Playing() bool {
	return s.Rate > 0
}

// Update is delivered to watchers on every change. A nil Snapshot means
// the surface was cleared.
type Update struct {
	Snapshot *Snapshot
	At       time.Time
}

// Center holds the published snapshot and the identity of its owner.
type Center struct {
	mu       sync.Mutex
	current  *Snapshot
	owner    uint64
	nextID   uint64
	watchers map[uint64]chan Update
	now      func() time.Time
}

// NewCenter creates an empty surface.
func NewCenter() *Center {
	return &Center{
		watchers: make(map[uint64]chan Update),
		now:      time.Now,
	}
}

var (
	defaultOnce   sync.Once
	defaultCenter *Center
)

// Default returns the process-wide surface.
func Default() *Center {
	defaultOnce.Do(func() {
		defaultCenter = NewCenter()
	})
	return defaultCenter
}

// Claim makes the caller the owner of the surface. Any earlier claim
// becomes stale: its calls no longer have any effect. The snapshot
// published by the previous owner stays until the new owner publishes or
// clears.
func (c *Center) Claim() *Claim {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.owner = c.nextID
	return &Claim{center: c, id: c.nextID}
}

// NowPlaying returns a copy of the published snapshot.
func (c *Center) NowPlaying() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Snapshot{}, false
	}
	return *c.current, true
}

// Watch returns a channel receiving the current state followed by every
// change. When the watcher falls behind, the oldest pending update is
// dropped. Call the returned function to stop watching.
func (c *Center) Watch(buf int) (<-chan Update, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Update, buf)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.watchers[id] = ch
	ch <- c.updateLocked()
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Center) updateLocked() Update {
	u := Update{At: c.now()}
	if c.current != nil {
		s := *c.current
		u.Snapshot = &s
	}
	return u
}

func (c *Center) notifyLocked() {
	u := c.updateLocked()
	for _, ch := range c.watchers {
		select {
		case ch <- u:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}

// set applies fn when id still owns the surface.
func (c *Center) set(id uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != c.owner {
		return false
	}
	fn()
	c.notifyLocked()
	return true
}

// Claim is the capability to publish on a Center.
type Claim struct {
	center *Center
	id     uint64
	once   sync.Once
}

// Active reports whether this claim still owns the surface.
func (cl *Claim) Active() bool {
	if cl == nil {
		return false
	}
	cl.center.mu.Lock()
	defer cl.center.mu.Unlock()
	return cl.center.owner == cl.id
}

// Publish replaces the whole snapshot.
func (cl *Claim) Publish(s Snapshot) bool {
	return cl.center.set(cl.id, func() {
		cl.center.current = &s
	})
}

// Update changes only the elapsed time and rate of the published
// snapshot. Ignored when nothing is published.
func (cl *Claim) Update(elapsed time.Duration, rate float64) bool {
	c := cl.center
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl.id != c.owner || c.current == nil {
		return false
	}
	s := *c.current
	s.Elapsed = elapsed
	s.Rate = rate
	c.current = &s
	c.notifyLocked()
	return true
}

// Clear removes the published snapshot while keeping the claim.
func (cl *Claim) Clear() bool {
	return cl.center.set(cl.id, func() {
		cl.center.current = nil
	})
}

// Release clears the surface and gives up ownership. Only the first call
// has an effect, and a stale claim leaves the new owner's snapshot alone.
func (cl *Claim) Release() {
	if cl == nil {
		return
	}
	cl.once.Do(func() {
		c := cl.center
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.owner != cl.id {
			return
		}
		c.owner = 0
		c.current = nil
		c.notifyLocked()
	})
}

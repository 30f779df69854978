// Package engine is the boundary to the external playback engine.
//
// An Instance is one running engine (an mpv process, or a fake in tests).
// The Adapter owns at most one Instance at a time and turns the events it
// emits into typed signals delivered on the main loop.
package engine

import (
	"errors"
	"net/url"
	"time"
)

// ErrNoInstance is returned by transport calls made before any item has
// been handed to the adapter.
var ErrNoInstance = errors.New("no engine instance")

// Status is the readiness of the current item.
type Status int

const (
	StatusUnknown     Status = iota // Item still loading
	StatusReadyToPlay               // Item can be played
	StatusFailed                    // Item could not be loaded
)

// String returns a human-readable representation of the Status
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusReadyToPlay:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Item is a playable item. Items are compared by identity: two loads of
// the same location are different items.
type Item struct {
	Location *url.URL
}

// NewItem returns an item for loc, or nil when loc is nil.
func NewItem(loc *url.URL) *Item {
	if loc == nil {
		return nil
	}
	return &Item{Location: loc}
}

func (i *Item) String() string {
	if i == nil || i.Location == nil {
		return "<none>"
	}
	return i.Location.String()
}

// EventKind identifies the signal carried by an Event.
type EventKind int

const (
	EventStatus      EventKind = iota // Item readiness changed
	EventRate                         // Playback rate changed
	EventCurrentItem                  // Current item replaced or detached
	EventPlayedToEnd                  // Item reached its end
)

func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventRate:
		return "rate"
	case EventCurrentItem:
		return "current-item"
	case EventPlayedToEnd:
		return "played-to-end"
	default:
		return "unknown"
	}
}

// Event is a raw notification from an Instance.
type Event struct {
	Kind   EventKind
	Status Status  // EventStatus
	Err    error   // EventStatus when Status is StatusFailed
	Rate   float64 // EventRate
	Item   *Item   // Item the event refers to; the new item for EventCurrentItem
}

// Emitter delivers events from an Instance. It is safe for concurrent use
// and never blocks.
type Emitter func(Event)

// Instance is one running playback engine.
//
// Implementations must be safe for concurrent use and must report every
// change through the Emitter they were constructed with, never by calling
// back into the caller synchronously. Replace emits EventCurrentItem for
// the new item (nil when detaching); the initial item passed to the
// Factory is reported by the Adapter instead.
type Instance interface {
	// Replace swaps the current item. A nil item detaches the current one.
	Replace(item *Item) error

	// Play starts playback of the current item. No-op if nothing is ready.
	Play() error

	// Pause pauses playback.
	Pause() error

	// Seek moves the playhead of the current item.
	Seek(to time.Duration) error

	// CurrentTime returns the playhead position.
	CurrentTime() time.Duration

	// Duration returns the length of the current item, if known.
	Duration() (time.Duration, bool)

	// Rate returns the current playback rate, 0 when paused.
	Rate() float64

	// Err returns the last engine error.
	Err() error

	// Close releases the engine. No events are emitted after Close returns.
	Close() error
}

// Factory constructs an Instance with item loaded (nil for an empty
// engine). Events must go through emit.
type Factory func(item *Item, emit Emitter) (Instance, error)

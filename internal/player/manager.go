package player

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfmyers9/earshot/internal/message"
	"github.com/jfmyers9/earshot/internal/track"
)

// Event describes a state transition of a managed controller.
type Event struct {
	Controller *Controller
	State      State
	LoadID     string
	Track      *track.Descriptor
	Source     message.ID
	Err        error
	At         time.Time
}

// Observer is told about every state transition of every managed
// controller, on the loop.
type Observer interface {
	PlaybackStateChanged(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// PlaybackStateChanged calls f.
func (f ObserverFunc) PlaybackStateChanged(ev Event) {
	f(ev)
}

// Status is a point-in-time view of the current controller.
type Status struct {
	State    State
	HasState bool
	Playing  bool
	Track    *track.Descriptor
	Source   message.ID
	LoadID   string
	Elapsed  time.Duration
	Duration time.Duration
	Progress float64
	Err      error
}

// Manager owns the current Controller and tracks which controller is
// active, that is, the last one to start playing. Transport commands go
// to the active controller, or to the current one when none is active,
// and are dropped when they would not change anything.
type Manager struct {
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	current   *Controller
	active    *Controller
	observers map[uint64]Observer
	nextID    uint64
	closed    bool
}

// NewManager creates a manager and its first controller. opts.Delegate is
// replaced by the manager; use Observe instead.
func NewManager(opts Options) (*Manager, error) {
	m := &Manager{
		logger:    opts.Logger.With().Str("component", "manager").Logger(),
		observers: make(map[uint64]Observer),
	}
	opts.Delegate = m
	m.opts = opts

	c, err := New(opts)
	if err != nil {
		return nil, err
	}
	m.current = c
	return m, nil
}

// Player returns the current controller.
func (m *Manager) Player() *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Active returns the controller that last started playing, or nil.
func (m *Manager) Active() *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) target() *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return m.active
	}
	return m.current
}

// Observe registers o. Call the returned function to unregister.
func (m *Manager) Observe(o Observer) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.observers[id] = o

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.observers, id)
		})
	}
}

// Load loads t on the current controller.
func (m *Manager) Load(t *track.Descriptor, source message.ID, onReady ReadyFunc) error {
	return m.Player().Load(t, source, onReady)
}

// Play plays unless the target is already playing.
func (m *Manager) Play() error {
	c := m.target()
	if s, ok := c.State(); ok && s == StatePlaying {
		m.logger.Debug().Msg("Ignoring play, already playing")
		return nil
	}
	return c.Play()
}

// Pause pauses only when the target is playing.
func (m *Manager) Pause() error {
	c := m.target()
	if s, ok := c.State(); !ok || s != StatePlaying {
		m.logger.Debug().Msg("Ignoring pause, not playing")
		return nil
	}
	return c.Pause()
}

// Stop stops unless the target has already completed.
func (m *Manager) Stop() {
	c := m.target()
	if s, ok := c.State(); ok && s == StateCompleted {
		m.logger.Debug().Msg("Ignoring stop, already completed")
		return
	}
	c.Stop()
}

// Resume plays the target without the duplicate-play guard.
func (m *Manager) Resume() error {
	return m.target().Play()
}

// Reset stops and shuts down the current controller and replaces it with
// a fresh one.
func (m *Manager) Reset() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old := m.current
	m.mu.Unlock()

	old.Stop()
	old.Shutdown()

	c, err := New(m.opts)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.current = c
	if m.active == old {
		m.active = nil
	}
	m.mu.Unlock()

	m.logger.Info().Msg("Player reset")
	return nil
}

// Status reports on the current controller.
func (m *Manager) Status() Status {
	c := m.Player()
	s := Status{
		Track:    c.Track(),
		Source:   c.Source(),
		LoadID:   c.LoadID(),
		Playing:  c.IsPlaying(),
		Elapsed:  c.Elapsed(),
		Duration: c.Duration(),
		Progress: c.Progress(),
		Err:      c.Err(),
	}
	s.State, s.HasState = c.State()
	return s
}

// Close shuts down the current controller.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	c := m.current
	m.active = nil
	m.mu.Unlock()

	c.Shutdown()
}

// StateDidChange implements Delegate.
func (m *Manager) StateDidChange(c *Controller, s State) {
	var pause *Controller

	m.mu.Lock()
	switch s {
	case StatePlaying:
		if m.active != nil && m.active != c {
			pause = m.active
		}
		m.active = c
	case StateCompleted:
		if m.active == c {
			m.active = nil
		}
	}
	observers := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		observers = append(observers, o)
	}
	m.mu.Unlock()

	if pause != nil {
		if err := pause.Pause(); err != nil {
			m.logger.Debug().Err(err).Msg("Failed to pause previous player")
		}
	}

	ev := Event{
		Controller: c,
		State:      s,
		LoadID:     c.LoadID(),
		Track:      c.Track(),
		Source:     c.Source(),
		At:         time.Now(),
	}
	if s == StateError {
		ev.Err = c.Err()
	}
	m.logger.Debug().Str("state", s.String()).Str("load", ev.LoadID).Msg("Player state changed")

	for _, o := range observers {
		o.PlaybackStateChanged(ev)
	}
}

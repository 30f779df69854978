// Package player plays audio tracks referenced from conversation messages.
//
// A Controller drives a small state machine from asynchronous engine
// signals, keeps a progress value, claims the now-playing surface while an
// item is present, and stops itself when the message that started playback
// is deleted. All signals, ticks and timers run on one mainloop.Loop.
package player

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jfmyers9/earshot/internal/engine"
	"github.com/jfmyers9/earshot/internal/mainloop"
	"github.com/jfmyers9/earshot/internal/message"
	"github.com/jfmyers9/earshot/internal/nowplaying"
	"github.com/jfmyers9/earshot/internal/remote"
	"github.com/jfmyers9/earshot/internal/track"
)

// DefaultEndDebounce delays the completed transition after the engine
// reports the end of an item. Some engines deliver a pause to an item
// that has already finished; waiting lets that pause land first.
const DefaultEndDebounce = 100 * time.Millisecond

var (
	// ErrNoTrackLoaded is returned by Play and Pause when nothing is loaded.
	ErrNoTrackLoaded = errors.New("no track loaded")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("controller shut down")

	// ErrNilTrack is returned by Load when given a nil track.
	ErrNilTrack = errors.New("nil track")

	// ErrNoStream is reported to the ready callback of a track without a
	// stream location.
	ErrNoStream = errors.New("track has no stream location")
)

// Delegate is told about every state transition, on the loop.
type Delegate interface {
	StateDidChange(c *Controller, s State)
}

// DelegateFunc adapts a function to Delegate.
type DelegateFunc func(c *Controller, s State)

// StateDidChange calls f.
func (f DelegateFunc) StateDidChange(c *Controller, s State) {
	f(c, s)
}

// ReadyFunc is called once per load: with true when the engine is ready,
// or false and the engine error when it failed.
type ReadyFunc func(loaded bool, err error)

// Options configures a Controller.
type Options struct {
	Loop    *mainloop.Loop // Required
	Factory engine.Factory // Required

	Center   *nowplaying.Center     // Defaults to nowplaying.Default()
	Commands *remote.CommandCenter  // Defaults to remote.Default()
	Bus      *message.Bus           // Nil disables deletion tracking
	Delegate Delegate

	ProgressInterval time.Duration // Defaults to DefaultProgressInterval
	EndDebounce      time.Duration // Defaults to DefaultEndDebounce

	Logger zerolog.Logger
}

// Controller plays one track at a time.
//
// opMu serializes the operations that drive the engine (Load, Play,
// Pause, Stop, Shutdown) and is held across engine calls. mu guards the
// fields below it and is never held across engine I/O, so accessors and
// signal handlers do not wait for the engine. Lock order is opMu, then mu.
type Controller struct {
	loop     *mainloop.Loop
	adapter  *engine.Adapter
	sampler  *Sampler
	bus      *message.Bus
	delegate Delegate
	debounce time.Duration
	logger   zerolog.Logger

	opMu sync.Mutex

	mu          sync.Mutex
	bridge      *nowplaying.Bridge
	engineSub   *engine.Subscription
	msgSub      *message.Subscription
	track       *track.Descriptor
	source      message.ID
	loadID      string
	loadSeq     uint64
	onReady     ReadyFunc
	state       State
	hasState    bool
	transitions int // since the last Load
	endTimer    *mainloop.Timer
	closed      bool
}

// New creates a controller. No engine is started until the first Load.
func New(opts Options) (*Controller, error) {
	if opts.Loop == nil {
		return nil, errors.New("player: loop is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("player: engine factory is required")
	}
	if opts.Center == nil {
		opts.Center = nowplaying.Default()
	}
	if opts.Commands == nil {
		opts.Commands = remote.Default()
	}
	if opts.EndDebounce <= 0 {
		opts.EndDebounce = DefaultEndDebounce
	}

	logger := opts.Logger.With().Str("component", "player").Logger()
	adapter := engine.NewAdapter(opts.Loop, opts.Factory, opts.Logger)

	c := &Controller{
		loop:     opts.Loop,
		adapter:  adapter,
		sampler:  NewSampler(adapter, opts.ProgressInterval, opts.Logger),
		bus:      opts.Bus,
		delegate: opts.Delegate,
		debounce: opts.EndDebounce,
		logger:   logger,
	}
	c.bridge = nowplaying.NewBridge(opts.Center, opts.Commands, c, opts.Logger)
	return c, nil
}

// Load hands t to the engine. The outcome arrives asynchronously through
// state transitions and onReady (which may be nil). A track without a
// stream location loads an empty engine, which completes immediately, and
// onReady is told ErrNoStream. When source is not empty, deleting that
// message stops playback.
func (c *Controller) Load(t *track.Descriptor, source message.ID, onReady ReadyFunc) error {
	if t == nil {
		return ErrNilTrack
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	c.cancelEndLocked()
	c.sampler.Invalidate()
	c.sampler.Reset()

	c.track = t
	c.source = source
	c.onReady = onReady
	c.loadSeq++
	c.loadID = uuid.NewString()
	c.transitions = 0
	loadID := c.loadID

	if t.StreamLocation == nil && onReady != nil {
		c.onReady = nil
		c.loop.Post(func() { onReady(false, ErrNoStream) })
	}

	if c.engineSub == nil {
		c.engineSub = c.adapter.Observe(engine.Observer{
			StatusChanged:      c.statusChanged,
			RateChanged:        c.rateChanged,
			CurrentItemChanged: c.currentItemChanged,
			PlayedToEnd:        c.playedToEnd,
		})
	}

	c.msgSub.Cancel()
	c.msgSub = nil
	if c.bus != nil && source != "" {
		seq := c.loadSeq
		c.msgSub = c.bus.Subscribe(source, func(ch message.Change) {
			if ch.HasBeenDeleted {
				c.sourceDeleted(seq)
			}
		})
	}
	c.mu.Unlock()

	if c.adapter.ReplaceCurrentItem(t.StreamLocation) {
		c.logger.Debug().Msg("Starting engine")
	}
	c.sampler.Bind()

	c.logger.Info().
		Str("load", loadID).
		Str("track", t.String()).
		Str("message", string(source)).
		Msg("Loading track")
	return nil
}

// Play starts or resumes playback. A completed item restarts from the
// beginning.
func (c *Controller) Play() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	err := c.checkLoadedLocked()
	rewind := c.hasState && c.state == StateCompleted
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if rewind {
		if err := c.adapter.Seek(0); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to rewind")
		}
	}
	if err := c.adapter.Play(); err != nil {
		return fmt.Errorf("play: %w", err)
	}
	return nil
}

// Pause pauses playback.
func (c *Controller) Pause() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	err := c.checkLoadedLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if err := c.adapter.Pause(); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	return nil
}

func (c *Controller) checkLoadedLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.track == nil {
		return ErrNoTrackLoaded
	}
	return nil
}

// Stop pauses, removes the item from the engine and forgets the track.
// Removing the item drives the completed transition. Safe to call before
// Load and more than once.
func (c *Controller) Stop() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stop()
}

// stop requires opMu.
func (c *Controller) stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.cancelEndLocked()
	c.sampler.Invalidate()

	hadTrack, loadID := c.track != nil, c.loadID
	c.track = nil
	c.source = ""
	c.onReady = nil
	c.loadSeq++
	c.msgSub.Cancel()
	c.msgSub = nil
	c.mu.Unlock()

	if err := c.adapter.Pause(); err != nil && !errors.Is(err, engine.ErrNoInstance) {
		c.logger.Warn().Err(err).Msg("Failed to pause on stop")
	}
	c.adapter.Detach()

	if hadTrack {
		c.logger.Info().Str("load", loadID).Msg("Stopped")
	}
}

func (c *Controller) sourceDeleted(seq uint64) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	current, source := seq == c.loadSeq, c.source
	c.mu.Unlock()
	if !current {
		return
	}
	c.logger.Info().Str("message", string(source)).Msg("Source message deleted")
	c.stop()
}

// Shutdown tears the controller down. In order it stops engine signal
// delivery, the progress registration, the remote command handlers, the
// now-playing claim and the message subscription, then closes the engine.
// Safe to call more than once.
func (c *Controller) Shutdown() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancelEndLocked()

	c.engineSub.Cancel()
	c.engineSub = nil
	c.sampler.Invalidate()
	c.bridge.UnregisterCommands()
	c.bridge.Release()
	c.msgSub.Cancel()
	c.msgSub = nil

	c.track = nil
	c.source = ""
	c.onReady = nil
	c.mu.Unlock()

	if err := c.adapter.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to close engine")
	}
	c.logger.Debug().Msg("Controller shut down")
}

// State returns the current state. ok is false until the first
// transition.
func (c *Controller) State() (s State, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.hasState
}

// Track returns the loaded track, or nil.
func (c *Controller) Track() *track.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.track
}

// Title returns the loaded track's title.
func (c *Controller) Title() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.track == nil {
		return ""
	}
	return c.track.Title
}

// Source returns the message the current track was loaded from.
func (c *Controller) Source() message.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

// LoadID identifies the most recent Load.
func (c *Controller) LoadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadID
}

// HasTrack reports whether a track is loaded.
func (c *Controller) HasTrack() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.track != nil
}

// Progress returns the last sampled progress in [0, 1].
func (c *Controller) Progress() float64 {
	return c.sampler.Progress()
}

// Rate returns the engine's playback rate.
func (c *Controller) Rate() float64 {
	return c.adapter.Rate()
}

// IsPlaying reports whether the engine is playing without error.
func (c *Controller) IsPlaying() bool {
	return c.adapter.Rate() > 0 && c.adapter.LastError() == nil
}

// Elapsed returns the playhead position.
func (c *Controller) Elapsed() time.Duration {
	return c.adapter.CurrentTime()
}

// Duration returns the item's length as reported by the engine, falling
// back to the track's hint.
func (c *Controller) Duration() time.Duration {
	if d, ok := c.adapter.Duration(); ok {
		return d
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.track == nil {
		return 0
	}
	return c.track.DurationHint
}

// Err returns the last engine error.
func (c *Controller) Err() error {
	return c.adapter.LastError()
}

// transitionLocked moves to next and returns the delegate notification
// to run once the lock is released, or nil when next is the current
// state.
func (c *Controller) transitionLocked(next State) func() {
	if c.hasState && c.state == next {
		return nil
	}
	prev := c.state
	hadState := c.hasState
	c.state = next
	c.hasState = true
	c.transitions++

	ev := c.logger.Debug().Str("state", next.String())
	if hadState {
		ev = ev.Str("from", prev.String())
	}
	ev.Msg("State changed")

	if c.delegate == nil {
		return nil
	}
	return func() { c.delegate.StateDidChange(c, next) }
}

func run(fns ...func()) {
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

// Engine signals. All of these run on the loop.

func (c *Controller) statusChanged(status engine.Status, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	var notify, ready func()
	switch status {
	case engine.StatusReadyToPlay:
		if c.transitions == 0 {
			notify = c.transitionLocked(StateReady)
		}
		if fn := c.onReady; fn != nil {
			c.onReady = nil
			ready = func() { fn(true, nil) }
		}
	case engine.StatusFailed:
		if c.track != nil {
			c.track.MarkFailedToLoad()
		}
		c.logger.Warn().Err(err).Str("load", c.loadID).Msg("Engine failed to load track")
		notify = c.transitionLocked(StateError)
		if fn := c.onReady; fn != nil {
			c.onReady = nil
			ready = func() { fn(false, err) }
		}
	}
	c.mu.Unlock()

	run(notify, ready)
}

func (c *Controller) rateChanged(rate float64) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	var notify func()
	switch {
	case rate > 0:
		notify = c.transitionLocked(StatePlaying)
	case c.hasState && (c.state == StateCompleted || c.state == StateError):
		// The engine pauses finished and failed items; neither resumes.
	default:
		notify = c.transitionLocked(StatePaused)
	}
	c.bridge.Refresh(c.adapter.CurrentTime(), rate)
	c.mu.Unlock()

	run(notify)
}

func (c *Controller) currentItemChanged(item *engine.Item) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	var notify func()
	if item == nil {
		c.cancelEndLocked()
		c.bridge.Deactivate()
		notify = c.transitionLocked(StateCompleted)
	} else {
		c.bridge.Activate(c.snapshotLocked())
	}
	c.mu.Unlock()

	run(notify)
}

func (c *Controller) snapshotLocked() nowplaying.Snapshot {
	var s nowplaying.Snapshot
	if c.track != nil {
		s.Title = c.track.Title
		s.Author = c.track.Author
		s.Artwork = c.track.Artwork
		s.Duration = c.track.DurationHint
	}
	if d, ok := c.adapter.Duration(); ok {
		s.Duration = d
	}
	return s
}

func (c *Controller) playedToEnd(*engine.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.cancelEndLocked()
	seq := c.loadSeq
	c.endTimer = c.loop.After(c.debounce, func() {
		c.finish(seq)
	})
}

func (c *Controller) finish(seq uint64) {
	c.mu.Lock()
	if c.closed || seq != c.loadSeq {
		c.mu.Unlock()
		return
	}
	c.endTimer = nil
	c.bridge.ClearSnapshot()
	notify := c.transitionLocked(StateCompleted)
	c.mu.Unlock()

	run(notify)
}

func (c *Controller) cancelEndLocked() {
	if c.endTimer != nil {
		c.endTimer.Stop()
		c.endTimer = nil
	}
}

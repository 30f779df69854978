package engine

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfmyers9/earshot/internal/mainloop"
)

// Observer receives typed engine signals on the main loop. Nil fields are
// ignored.
type Observer struct {
	StatusChanged      func(status Status, err error)
	RateChanged        func(rate float64)
	CurrentItemChanged func(item *Item)
	PlayedToEnd        func(item *Item)
}

// Subscription cancels an observer or a periodic registration.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel stops deliveries. Safe to call more than once and on nil.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Sample is one periodic reading of the playhead.
type Sample struct {
	Elapsed       time.Duration
	Duration      time.Duration
	DurationKnown bool
}

type observerEntry struct {
	Observer
	active atomic.Bool
}

// Adapter is the only component that talks to the engine. It owns at
// most one Instance, rebinds its signal routing whenever a new instance is
// constructed, and drops deliveries that belong to a replaced instance or
// item.
//
// Calls that talk to the engine (construction aside) are serialized on
// ioMu and made without holding mu, so readers and signal dispatch never
// wait on engine I/O. Lock order is ioMu, then mu.
type Adapter struct {
	ioMu    sync.Mutex
	mu      sync.Mutex
	loop    *mainloop.Loop
	factory Factory
	logger  zerolog.Logger

	inst     Instance
	starting bool   // an instance is being constructed in the background
	instGen  uint64 // bumped when construction starts or an instance is closed
	itemGen  uint64 // bumped on every item change
	item     *Item
	lastRate float64
	lastErr  error

	observers map[uint64]*observerEntry
	nextID    uint64
}

// NewAdapter creates an adapter that constructs engines with factory and
// delivers their signals on loop.
func NewAdapter(loop *mainloop.Loop, factory Factory, logger zerolog.Logger) *Adapter {
	return &Adapter{
		loop:      loop,
		factory:   factory,
		logger:    logger.With().Str("component", "engine").Logger(),
		observers: make(map[uint64]*observerEntry),
	}
}

// Observe registers o for all future signals.
func (a *Adapter) Observe(o Observer) *Subscription {
	entry := &observerEntry{Observer: o}
	entry.active.Store(true)

	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.observers[id] = entry
	a.mu.Unlock()

	return &Subscription{cancel: func() {
		entry.active.Store(false)
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}}
}

// ReplaceCurrentItem swaps the playable item. When no instance exists one
// is constructed from loc in the background, and a nil loc yields an
// empty instance. Reports whether construction was started. An item
// handed over while construction is running replaces the initial one as
// soon as the instance is up. Failures are delivered as a failed status
// signal, never returned.
func (a *Adapter) ReplaceCurrentItem(loc *url.URL) bool {
	a.ioMu.Lock()
	defer a.ioMu.Unlock()

	item := NewItem(loc)

	a.mu.Lock()
	a.itemGen++
	a.item = item
	a.lastErr = nil
	inst, gen := a.inst, a.instGen

	if inst == nil {
		if a.starting {
			a.mu.Unlock()
			return false
		}
		a.instGen++
		gen = a.instGen
		a.starting = true
		a.lastRate = 0
		a.mu.Unlock()

		if !a.loop.Go(func() { a.construct(gen, item) }) {
			a.mu.Lock()
			a.starting = false
			a.mu.Unlock()
			return false
		}
		return true
	}
	a.mu.Unlock()

	a.replace(inst, gen, item)
	return false
}

// construct runs in the background. An instance built for a generation
// that was closed in the meantime is discarded.
func (a *Adapter) construct(gen uint64, item *Item) {
	inst, err := a.factory(item, a.emitter(gen))

	a.ioMu.Lock()
	defer a.ioMu.Unlock()

	a.mu.Lock()
	if gen != a.instGen {
		a.mu.Unlock()
		if inst != nil {
			_ = inst.Close()
		}
		a.logger.Debug().Str("item", item.String()).Msg("Discarding engine built for a closed adapter")
		return
	}
	a.starting = false
	current := a.item

	if err != nil {
		err = fmt.Errorf("construct engine: %w", err)
		a.lastErr = err
		a.mu.Unlock()
		a.logger.Warn().Err(err).Str("item", item.String()).Msg("Engine construction failed")
		a.post(gen, Event{Kind: EventStatus, Status: StatusFailed, Err: err, Item: current})
		return
	}

	a.inst = inst
	a.mu.Unlock()
	a.logger.Debug().Str("item", item.String()).Msg("Engine instance constructed")

	if current != item {
		a.replace(inst, gen, current)
		return
	}
	// Observers get the initial item the same way they get later ones.
	a.post(gen, Event{Kind: EventCurrentItem, Item: item})
}

// replace requires ioMu.
func (a *Adapter) replace(inst Instance, gen uint64, item *Item) {
	err := inst.Replace(item)
	if err == nil {
		return
	}
	if item == nil {
		a.logger.Warn().Err(err).Msg("Failed to detach item")
		return
	}

	a.mu.Lock()
	if a.item == item {
		a.lastErr = err
	}
	a.mu.Unlock()
	a.logger.Warn().Err(err).Str("item", item.String()).Msg("Failed to replace item")
	a.post(gen, Event{Kind: EventStatus, Status: StatusFailed, Err: err, Item: item})
}

// Detach removes the current item. No-op when nothing is loaded.
func (a *Adapter) Detach() {
	a.ioMu.Lock()
	defer a.ioMu.Unlock()

	a.mu.Lock()
	if a.item == nil || (a.inst == nil && !a.starting) {
		a.mu.Unlock()
		return
	}
	a.itemGen++
	a.item = nil
	inst, gen := a.inst, a.instGen
	a.mu.Unlock()

	// A running construction picks the removal up when it finishes.
	if inst != nil {
		a.replace(inst, gen, nil)
	}
}

// Play forwards to the engine.
func (a *Adapter) Play() error {
	return a.forward(Instance.Play)
}

// Pause forwards to the engine.
func (a *Adapter) Pause() error {
	return a.forward(Instance.Pause)
}

// Seek forwards to the engine.
func (a *Adapter) Seek(to time.Duration) error {
	return a.forward(func(inst Instance) error { return inst.Seek(to) })
}

func (a *Adapter) forward(fn func(Instance) error) error {
	a.ioMu.Lock()
	defer a.ioMu.Unlock()

	a.mu.Lock()
	inst := a.inst
	a.mu.Unlock()

	if inst == nil {
		return ErrNoInstance
	}
	return fn(inst)
}

// CurrentTime returns the live playhead position.
func (a *Adapter) CurrentTime() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inst == nil {
		return 0
	}
	return a.inst.CurrentTime()
}

// Duration returns the live duration of the current item, if known.
func (a *Adapter) Duration() (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inst == nil || a.item == nil {
		return 0, false
	}
	return a.inst.Duration()
}

// Rate returns the live playback rate.
func (a *Adapter) Rate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inst == nil {
		return 0
	}
	return a.inst.Rate()
}

// LastError returns the most recent engine error.
func (a *Adapter) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inst != nil {
		if err := a.inst.Err(); err != nil {
			return err
		}
	}
	return a.lastErr
}

// CurrentItem returns the item most recently handed to the engine.
func (a *Adapter) CurrentItem() *Item {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.item
}

// AddPeriodicObserver calls fn on the loop every interval with a reading
// of the current item. The registration is tied to the instance and item
// current at the time of the call: once either is replaced, ticks are
// dropped without calling fn.
func (a *Adapter) AddPeriodicObserver(interval time.Duration, fn func(Sample)) *Subscription {
	a.mu.Lock()
	instGen, itemGen := a.instGen, a.itemGen
	a.mu.Unlock()

	ticker := a.loop.Every(interval, func() {
		if s, ok := a.sample(instGen, itemGen); ok {
			fn(s)
		}
	})
	return &Subscription{cancel: ticker.Stop}
}

func (a *Adapter) sample(instGen, itemGen uint64) (Sample, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inst == nil || instGen != a.instGen || itemGen != a.itemGen {
		return Sample{}, false
	}
	s := Sample{Elapsed: a.inst.CurrentTime()}
	s.Duration, s.DurationKnown = a.inst.Duration()
	return s, true
}

// Close releases the current instance. Signals still in flight are
// dropped, and an instance still under construction is closed as soon as
// it is built.
func (a *Adapter) Close() error {
	a.ioMu.Lock()
	defer a.ioMu.Unlock()

	a.mu.Lock()
	if a.inst == nil && !a.starting {
		a.mu.Unlock()
		return nil
	}
	inst := a.inst
	a.inst = nil
	a.starting = false
	a.instGen++
	a.itemGen++
	a.item = nil
	a.lastRate = 0
	a.mu.Unlock()

	if inst == nil {
		return nil
	}
	if err := inst.Close(); err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	return nil
}

func (a *Adapter) emitter(gen uint64) Emitter {
	return func(ev Event) {
		a.post(gen, ev)
	}
}

func (a *Adapter) post(gen uint64, ev Event) {
	a.loop.Post(func() { a.dispatch(gen, ev) })
}

// dispatch runs on the loop.
func (a *Adapter) dispatch(gen uint64, ev Event) {
	a.mu.Lock()
	if gen != a.instGen {
		a.mu.Unlock()
		a.logger.Debug().Str("event", ev.Kind.String()).Msg("Dropping signal from replaced engine")
		return
	}

	switch ev.Kind {
	case EventStatus, EventPlayedToEnd, EventCurrentItem:
		if ev.Item != a.item {
			a.mu.Unlock()
			a.logger.Debug().
				Str("event", ev.Kind.String()).
				Str("item", ev.Item.String()).
				Msg("Dropping signal for replaced item")
			return
		}
		if ev.Kind == EventStatus && ev.Status == StatusFailed && ev.Err != nil {
			a.lastErr = ev.Err
		}
	case EventRate:
		if ev.Rate == a.lastRate {
			a.mu.Unlock()
			return
		}
		a.lastRate = ev.Rate
	}

	observers := make([]*observerEntry, 0, len(a.observers))
	for _, o := range a.observers {
		observers = append(observers, o)
	}
	a.mu.Unlock()

	for _, o := range observers {
		if !o.active.Load() {
			continue
		}
		switch ev.Kind {
		case EventStatus:
			if o.StatusChanged != nil {
				o.StatusChanged(ev.Status, ev.Err)
			}
		case EventRate:
			if o.RateChanged != nil {
				o.RateChanged(ev.Rate)
			}
		case EventCurrentItem:
			if o.CurrentItemChanged != nil {
				o.CurrentItemChanged(ev.Item)
			}
		case EventPlayedToEnd:
			if o.PlayedToEnd != nil {
				o.PlayedToEnd(ev.Item)
			}
		}
	}
}

// Package enginetest provides a scriptable engine for tests.
package enginetest

import (
	"errors"
	"sync"
	"time"

	"github.com/jfmyers9/earshot/internal/engine"
)

// Factory builds Fake instances and remembers them.
type Factory struct {
	mu        sync.Mutex
	instances []*Fake

	// AutoReady makes every loaded item report StatusReadyToPlay as soon
	// as it is handed to the engine.
	AutoReady bool

	// FailWith makes construction fail with this error.
	FailWith error

	// Duration is the length reported for loaded items. Zero means unknown.
	Duration time.Duration
}

// New implements engine.Factory.
func (f *Factory) New(item *engine.Item, emit engine.Emitter) (engine.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailWith != nil {
		return nil, f.FailWith
	}

	fake := &Fake{
		emit:      emit,
		item:      item,
		autoReady: f.AutoReady,
		duration:  f.Duration,
	}
	f.instances = append(f.instances, fake)
	if item != nil && fake.autoReady {
		emit(engine.Event{Kind: engine.EventStatus, Status: engine.StatusReadyToPlay, Item: item})
	}
	return fake, nil
}

// Instances returns every Fake constructed so far.
func (f *Factory) Instances() []*Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Fake(nil), f.instances...)
}

// Last returns the most recently constructed Fake, or nil.
func (f *Factory) Last() *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.instances) == 0 {
		return nil
	}
	return f.instances[len(f.instances)-1]
}

// Fake is an in-memory engine instance. Transport calls behave like a
// well-behaved engine (Play raises the rate, Pause drops it) and the Emit
// helpers let tests inject arbitrary, duplicated or out-of-order signals.
type Fake struct {
	mu        sync.Mutex
	emit      engine.Emitter
	item      *engine.Item
	autoReady bool
	rate      float64
	elapsed   time.Duration
	duration  time.Duration
	err       error
	closed    bool
	calls     []string
}

var errClosed = errors.New("fake engine closed")

func (f *Fake) record(call string) {
	f.calls = append(f.calls, call)
}

// Replace implements engine.Instance.
func (f *Fake) Replace(item *engine.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errClosed
	}
	f.record("replace")
	f.item = item
	f.elapsed = 0
	f.err = nil
	f.emit(engine.Event{Kind: engine.EventCurrentItem, Item: item})
	if item != nil && f.autoReady {
		f.emit(engine.Event{Kind: engine.EventStatus, Status: engine.StatusReadyToPlay, Item: item})
	}
	return nil
}

// Play implements engine.Instance.
func (f *Fake) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errClosed
	}
	f.record("play")
	if f.item == nil || f.rate > 0 {
		return nil
	}
	f.rate = 1
	f.emit(engine.Event{Kind: engine.EventRate, Rate: 1})
	return nil
}

// Pause implements engine.Instance.
func (f *Fake) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errClosed
	}
	f.record("pause")
	if f.rate == 0 {
		return nil
	}
	f.rate = 0
	f.emit(engine.Event{Kind: engine.EventRate, Rate: 0})
	return nil
}

// Seek implements engine.Instance.
func (f *Fake) Seek(to time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errClosed
	}
	f.record("seek")
	f.elapsed = to
	return nil
}

// CurrentTime implements engine.Instance.
func (f *Fake) CurrentTime() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.elapsed
}

// Duration implements engine.Instance.
func (f *Fake) Duration() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.item == nil || f.duration <= 0 {
		return 0, false
	}
	return f.duration, true
}

// Rate implements engine.Instance.
func (f *Fake) Rate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate
}

// Err implements engine.Instance.
func (f *Fake) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close implements engine.Instance.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("close")
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Calls returns the transport calls received, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Item returns the item currently loaded.
func (f *Fake) Item() *engine.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.item
}

// SetPlayhead sets the values returned by CurrentTime and Duration.
func (f *Fake) SetPlayhead(elapsed, duration time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elapsed = elapsed
	f.duration = duration
}

// EmitReady reports the current item as ready to play.
func (f *Fake) EmitReady() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit(engine.Event{Kind: engine.EventStatus, Status: engine.StatusReadyToPlay, Item: f.item})
}

// EmitFailed reports the current item as failed.
func (f *Fake) EmitFailed(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	f.emit(engine.Event{Kind: engine.EventStatus, Status: engine.StatusFailed, Err: err, Item: f.item})
}

// EmitRate sets the rate and reports it, even when unchanged.
func (f *Fake) EmitRate(rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rate = rate
	f.emit(engine.Event{Kind: engine.EventRate, Rate: rate})
}

// EmitPlayedToEnd reports that the current item reached its end.
func (f *Fake) EmitPlayedToEnd() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit(engine.Event{Kind: engine.EventPlayedToEnd, Item: f.item})
}

// EmitCurrentItem reports item as current without changing the fake's
// own item, for replaying stale notifications.
func (f *Fake) EmitCurrentItem(item *engine.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emit(engine.Event{Kind: engine.EventCurrentItem, Item: item})
}

// Finish plays the item to its end the way a real engine does: the rate
// drops to zero and the end-of-item event follows.
func (f *Fake) Finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.duration > 0 {
		f.elapsed = f.duration
	}
	f.rate = 0
	f.emit(engine.Event{Kind: engine.EventRate, Rate: 0})
	f.emit(engine.Event{Kind: engine.EventPlayedToEnd, Item: f.item})
}

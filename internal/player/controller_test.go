package player

import (
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfmyers9/earshot/internal/engine"
	"github.com/jfmyers9/earshot/internal/engine/enginetest"
	"github.com/jfmyers9/earshot/internal/mainloop"
	"github.com/jfmyers9/earshot/internal/message"
	"github.com/jfmyers9/earshot/internal/nowplaying"
	"github.com/jfmyers9/earshot/internal/remote"
	"github.com/jfmyers9/earshot/internal/track"
)

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) StateDidChange(_ *Controller, s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) all() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func (l *stateLog) count(s State) int {
	n := 0
	for _, st := range l.all() {
		if st == s {
			n++
		}
	}
	return n
}

type readyLog struct {
	mu    sync.Mutex
	calls []error
	oks   []bool
}

func (r *readyLog) fn(loaded bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oks = append(r.oks, loaded)
	r.calls = append(r.calls, err)
}

type harness struct {
	loop     *mainloop.Loop
	factory  *enginetest.Factory
	center   *nowplaying.Center
	commands *remote.CommandCenter
	bus      *message.Bus
	log      *stateLog
}

func newHarness(t *testing.T, factory *enginetest.Factory) *harness {
	t.Helper()
	loop := mainloop.New(zerolog.Nop())
	t.Cleanup(loop.Close)
	return &harness{
		loop:     loop,
		factory:  factory,
		center:   nowplaying.NewCenter(),
		commands: remote.NewCommandCenter(zerolog.Nop()),
		bus:      message.NewBus(),
		log:      &stateLog{},
	}
}

func (h *harness) options() Options {
	return Options{
		Loop:             h.loop,
		Factory:          h.factory.New,
		Center:           h.center,
		Commands:         h.commands,
		Bus:              h.bus,
		Delegate:         h.log,
		ProgressInterval: time.Millisecond,
		EndDebounce:      5 * time.Millisecond,
		Logger:           zerolog.Nop(),
	}
}

func (h *harness) controller(t *testing.T) *Controller {
	t.Helper()
	c, err := New(h.options())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

func newTrack(t *testing.T) *track.Descriptor {
	t.Helper()
	loc, err := url.Parse("https://cdn.example.com/voice/track.m4a")
	if err != nil {
		t.Fatal(err)
	}
	return &track.Descriptor{
		Title:          "Song",
		Author:         "Band",
		DurationHint:   3 * time.Minute,
		StreamLocation: loc,
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func stateIs(c *Controller, want State) func() bool {
	return func() bool {
		s, ok := c.State()
		return ok && s == want
	}
}

func assertStates(t *testing.T, got []State, want ...State) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestLoadThenPlay(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{AutoReady: true})
	c := h.controller(t)
	ready := &readyLog{}

	if err := c.Load(newTrack(t), "m1", ready.fn); err != nil {
		t.Fatalf("Load: %v", err)
	}
	h.loop.Flush()

	if s, ok := c.State(); !ok || s != StateReady {
		t.Fatalf("State() = %v, %v; want ready", s, ok)
	}
	if len(ready.oks) != 1 || !ready.oks[0] || ready.calls[0] != nil {
		t.Errorf("onReady calls = %v %v", ready.oks, ready.calls)
	}

	if err := c.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h.loop.Flush()

	assertStates(t, h.log.all(), StateReady, StatePlaying)
	if !c.IsPlaying() {
		t.Error("IsPlaying() = false")
	}

	snap, ok := h.center.NowPlaying()
	if !ok {
		t.Fatal("nothing published")
	}
	if snap.Title != "Song" || snap.Author != "Band" || snap.Rate != 1 || snap.Duration != 3*time.Minute {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestEndOfItemIsTerminalAndNotifiesOnce(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{AutoReady: true})
	c := h.controller(t)

	c.Load(newTrack(t), "", nil)
	h.loop.Flush()
	c.Play()
	h.loop.Flush()

	fake := h.factory.Last()
	fake.Finish()
	eventually(t, stateIs(c, StateCompleted))

	fake.EmitPlayedToEnd()
	fake.EmitPlayedToEnd()
	time.Sleep(20 * time.Millisecond)
	h.loop.Flush()

	assertStates(t, h.log.all(), StateReady, StatePlaying, StatePaused, StateCompleted)
	if _, ok := h.center.NowPlaying(); ok {
		t.Error("now-playing surface should be empty after completion")
	}
}

func TestEndOfItemIgnoresLatePause(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{AutoReady: true})
	c := h.controller(t)

	c.Load(newTrack(t), "", nil)
	h.loop.Flush()
	c.Play()
	h.loop.Flush()

	fake := h.factory.Last()
	fake.EmitPlayedToEnd()
	eventually(t, stateIs(c, StateCompleted))

	fake.EmitRate(0)
	h.loop.Flush()

	if s, _ := c.State(); s != StateCompleted {
		t.Errorf("State() = %v, want completed", s)
	}
	if n := h.log.count(StatePaused); n != 0 {
		t.Errorf("paused entered %d times after completion", n)
	}
}

func TestLoadCancelsPendingCompletion(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{AutoReady: true})
	opts := h.options()
	opts.EndDebounce = 30 * time.Millisecond
	c, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Shutdown)

	c.Load(newTrack(t), "", nil)
	h.loop.Flush()
	h.factory.Last().EmitPlayedToEnd()
	h.loop.Flush()

	c.Load(newTrack(t), "", nil)
	time.Sleep(60 * time.Millisecond)
	h.loop.Flush()

	if n := h.log.count(StateCompleted); n != 0 {
		t.Errorf("completed entered %d times for a replaced item", n)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{AutoReady: true})
	c := h.controller(t)

	c.Load(newTrack(t), "m1", nil)
	h.loop.Flush()
	c.Play()
	h.loop.Flush()

	c.Stop()
	h.loop.Flush()
	after := h.log.all()
	assertStates(t, after, StateReady, StatePlaying, StatePaused, StateCompleted)

	c.Stop()
	h.loop.Flush()
	assertStates(t, h.log.all(), after...)

	if c.HasTrack() || c.Track() != nil || c.Source() != "" {
		t.Error("track and source should be cleared")
	}
	if err := c.Play(); !errors.Is(err, ErrNoTrackLoaded) {
		t.Errorf("Play() after Stop = %v, want ErrNoTrackLoaded", err)
	}
	if _, ok := h.center.NowPlaying(); ok {
		t.Error("now-playing surface should be empty")
	}
}

func TestStopBeforeLoad(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{})
	c := h.controller(t)

	c.Stop()
	c.Stop()
	h.loop.Flush()

	if _, ok := c.State(); ok {
		t.Error("Stop before Load must not produce a state")
	}
	if len(h.factory.Instances()) != 0 {
		t.Error("Stop before Load must not start an engine")
	}
}

func TestPlayAndPauseBeforeLoad(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{})
	c := h.controller(t)

	if err := c.Play(); !errors.Is(err, ErrNoTrackLoaded) {
		t.Errorf("Play() = %v, want ErrNoTrackLoaded", err)
	}
	if err := c.Pause(); !errors.Is(err, ErrNoTrackLoaded) {
		t.Errorf("Pause() = %v, want ErrNoTrackLoaded", err)
	}
	h.loop.Flush()
	if _, ok := c.State(); ok {
		t.Error("state changed")
	}
}

func TestLoadNilTrack(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{})
	c := h.controller(t)

	if err := c.Load(nil, "", nil); !errors.Is(err, ErrNilTrack) {
		t.Errorf("Load(nil) = %v, want ErrNilTrack", err)
	}
}

func TestSourceDeletionStopsPlayback(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{AutoReady: true, Duration: time.Minute})
	c := h.controller(t)

	c.Load(newTrack(t), "m1", nil)
	h.loop.Flush()
	c.Play()
	h.factory.Last().SetPlayhead(10*time.Second, time.Minute)
	eventually(t, func() bool { return c.Progress() > 0 })

	// An edit is not a deletion.
	h.bus.Publish(message.Change{ID: "m1"})
	h.loop.Flush()
	if s, _ := c.State(); s != StatePlaying {
		t.Fatalf("State() after edit = %v, want playing", s)
	}

	h.bus.Publish(message.Change{ID: "m1", HasBeenDeleted: true})
	h.loop.Flush()

	if s, _ := c.State(); s != StateCompleted {
		t.Errorf("State() = %v, want completed", s)
	}
	if _, ok := h.center.NowPlaying(); ok {
		t.Error("now-playing surface should be empty")
	}
	if h.commands.Targets(remote.CommandPlay) != 0 {
		t.Error("remote handlers still registered")
	}
	if h.bus.Subscribers("m1") != 0 {
		t.Error("message subscription still active")
	}
	if c.HasTrack() {
		t.Error("track still loaded")
	}
}

func TestLoadReplacesMessageSubscription(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{AutoReady: true})
	c := h.controller(t)

	c.Load(newTrack(t), "m1", nil)
	c.Load(newTrack(t), "m2", nil)
	h.loop.Flush()

	if h.bus.Subscribers("m1") != 0 || h.bus.Subscribers("m2") != 1 {
		t.Fatalf("subscribers m1=%d m2=%d", h.bus.Subscribers("m1"), h.bus.Subscribers("m2"))
	}

	h.bus.Publish(message.Change{ID: "m1", HasBeenDeleted: true})
	h.loop.Flush()
	if !c.HasTrack() {
		t.Error("deleting the previous message stopped the new track")
	}
}

func TestProgressFollowsCurrentTrack(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{AutoReady: true, Duration: time.Minute})
	c := h.controller(t)

	c.Load(newTrack(t), "", nil)
	h.loop.Flush()
	fake := h.factory.Last()
	fake.SetPlayhead(30*time.Second, time.Minute)
	eventually(t, func() bool { return c.Progress() == 0.5 })

	c.Load(newTrack(t), "", nil)
	if p := c.Progress(); p != 0 {
		t.Fatalf("Progress() right after Load = %v, want 0", p)
	}

	fake.SetPlayhead(15*time.Second, time.Minute)
	deadline := time.Now().Add(2 * time.Second)
	for c.Progress() != 0.25 {
		if p := c.Progress(); p != 0 && p != 0.25 {
			t.Fatalf("Progress() = %v, not a reading of the current track", p)
		}
		if time.Now().After(deadline) {
			t.Fatal("progress never reflected the new track")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestProgressSkipsUnknownDuration(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{AutoReady: true})
	c := h.controller(t)

	c.Load(newTrack(t), "", nil)
	h.loop.Flush()
	h.factory.Last().SetPlayhead(30*time.Second, 0)
	time.Sleep(20 * time.Millisecond)
	h.loop.Flush()

	if p := c.Progress(); p != 0 {
		t.Errorf("Progress() = %v, want 0 while duration is unknown", p)
	}
}

func TestRemotePlayWhilePlayingFails(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{AutoReady: true})
	c := h.controller(t)

	c.Load(newTrack(t), "", nil)
	h.loop.Flush()
	c.Play()
	h.loop.Flush()

	if got := h.commands.Dispatch(remote.CommandPlay); got != remote.StatusCommandFailed {
		t.Errorf("Dispatch(play) = %v, want commandFailed", got)
	}
	h.loop.Flush()
	if n := h.log.count(StatePlaying); n != 1 {
		t.Errorf("playing entered %d times, want 1", n)
	}

	if got := h.commands.Dispatch(remote.CommandPause); got != remote.StatusSuccess {
		t.Errorf("Dispatch(pause) = %v, want success", got)
	}
	h.loop.Flush()
	if got := h.commands.Dispatch(remote.CommandPause); got != remote.StatusCommandFailed {
		t.Errorf("second Dispatch(pause) = %v, want commandFailed", got)
	}
	if got := h.commands.Dispatch(remote.CommandPlay); got != remote.StatusSuccess {
		t.Errorf("Dispatch(play) while paused = %v, want success", got)
	}
	h.loop.Flush()

	assertStates(t, h.log.all(), StateReady, StatePlaying, StatePaused, StatePlaying)
}

func TestRemoteNextAndPreviousAreUnhandled(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{AutoReady: true})
	c := h.controller(t)

	c.Load(newTrack(t), "", nil)
	h.loop.Flush()

	for _, cmd := range []remote.Command{remote.CommandNextTrack, remote.CommandPreviousTrack} {
		if got := h.commands.Dispatch(cmd); got != remote.StatusNoSuchContent {
			t.Errorf("Dispatch(%s) = %v, want noSuchContent", cmd, got)
		}
	}
}

func TestFailureTransitionsOnce(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{})
	c := h.controller(t)
	tr := newTrack(t)
	ready := &readyLog{}
	boom := errors.New("unsupported codec")

	c.Load(tr, "", ready.fn)
	h.loop.Flush()

	fake := h.factory.Last()
	fake.EmitFailed(boom)
	fake.EmitFailed(boom)
	h.loop.Flush()

	assertStates(t, h.log.all(), StateError)
	if !tr.FailedToLoad() {
		t.Error("track not marked as failed to load")
	}
	if len(ready.oks) != 1 || ready.oks[0] || !errors.Is(ready.calls[0], boom) {
		t.Errorf("onReady calls = %v %v", ready.oks, ready.calls)
	}
	if !errors.Is(c.Err(), boom) {
		t.Errorf("Err() = %v, want %v", c.Err(), boom)
	}
	if c.IsPlaying() {
		t.Error("IsPlaying() = true after failure")
	}
}

func TestEngineConstructionFailure(t *testing.T) {
	boom := errors.New("mpv not installed")
	h := newHarness(t, &enginetest.Factory{FailWith: boom})
	c := h.controller(t)
	tr := newTrack(t)
	ready := &readyLog{}

	c.Load(tr, "", ready.fn)
	h.loop.Flush()

	assertStates(t, h.log.all(), StateError)
	if !tr.FailedToLoad() {
		t.Error("track not marked as failed to load")
	}
	if len(ready.calls) != 1 || !errors.Is(ready.calls[0], boom) {
		t.Errorf("onReady errors = %v", ready.calls)
	}
	if err := c.Play(); !errors.Is(err, engine.ErrNoInstance) {
		t.Errorf("Play() = %v, want ErrNoInstance", err)
	}
}

func TestMissingStreamLocationCompletes(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{AutoReady: true})
	c := h.controller(t)

	tr := newTrack(t)
	tr.StreamLocation = nil
	c.Load(tr, "", nil)
	h.loop.Flush()

	assertStates(t, h.log.all(), StateCompleted)
	if _, ok := h.center.NowPlaying(); ok {
		t.Error("an empty engine must not publish now-playing info")
	}
}

func TestReadyOnlyBeforeOtherTransitions(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{})
	c := h.controller(t)
	ready := &readyLog{}

	c.Load(newTrack(t), "", ready.fn)
	h.loop.Flush()

	fake := h.factory.Last()
	fake.EmitRate(1)
	fake.EmitReady()
	h.loop.Flush()

	assertStates(t, h.log.all(), StatePlaying)
	if len(ready.oks) != 1 || !ready.oks[0] {
		t.Errorf("onReady calls = %v", ready.oks)
	}
}

func TestPlayAfterCompletionRewinds(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{AutoReady: true})
	c := h.controller(t)

	c.Load(newTrack(t), "", nil)
	h.loop.Flush()
	c.Play()
	h.loop.Flush()

	fake := h.factory.Last()
	fake.Finish()
	eventually(t, stateIs(c, StateCompleted))

	if err := c.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	h.loop.Flush()

	calls := fake.Calls()
	if len(calls) < 2 || calls[len(calls)-2] != "seek" || calls[len(calls)-1] != "play" {
		t.Errorf("calls = %v, want seek then play", calls)
	}
	if s, _ := c.State(); s != StatePlaying {
		t.Errorf("State() = %v, want playing", s)
	}
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{AutoReady: true})
	c := h.controller(t)

	c.Load(newTrack(t), "m1", nil)
	h.loop.Flush()
	c.Play()
	h.loop.Flush()
	before := h.log.all()

	c.Shutdown()
	c.Shutdown()

	fake := h.factory.Last()
	if !fake.Closed() {
		t.Error("engine not closed")
	}
	if _, ok := h.center.NowPlaying(); ok {
		t.Error("now-playing surface not cleared")
	}
	if h.commands.Targets(remote.CommandPlay) != 0 || h.commands.Targets(remote.CommandPause) != 0 {
		t.Error("remote handlers still registered")
	}
	if h.bus.Subscribers("m1") != 0 {
		t.Error("message subscription still active")
	}

	fake.EmitRate(0)
	fake.EmitPlayedToEnd()
	time.Sleep(20 * time.Millisecond)
	h.loop.Flush()
	assertStates(t, h.log.all(), before...)

	if err := c.Load(newTrack(t), "", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Load after Shutdown = %v, want ErrClosed", err)
	}
	if err := c.Play(); !errors.Is(err, ErrClosed) {
		t.Errorf("Play after Shutdown = %v, want ErrClosed", err)
	}
	c.Stop()
}

func TestSecondControllerKeepsSurface(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{AutoReady: true})
	first := h.controller(t)
	second := h.controller(t)

	first.Load(newTrack(t), "", nil)
	h.loop.Flush()

	tr := newTrack(t)
	tr.Title = "Other"
	second.Load(tr, "", nil)
	h.loop.Flush()

	if first.bridge.Active() {
		t.Error("first controller still holds the surface after the second claimed it")
	}
	if !second.bridge.Active() {
		t.Error("second controller does not hold the surface")
	}

	first.Shutdown()

	snap, ok := h.center.NowPlaying()
	if !ok || snap.Title != "Other" {
		t.Fatalf("NowPlaying() = %+v, %v; want the second controller's track", snap, ok)
	}
	if got := h.commands.Dispatch(remote.CommandPlay); got != remote.StatusSuccess {
		t.Errorf("Dispatch(play) = %v, want success", got)
	}
	h.loop.Flush()
	if s, _ := second.State(); s != StatePlaying {
		t.Errorf("second.State() = %v, want playing", s)
	}
}

func TestLoadDoesNotBlockAccessorsWhileEngineStarts(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{AutoReady: true})
	release := make(chan struct{})
	opts := h.options()
	opts.Factory = func(item *engine.Item, emit engine.Emitter) (engine.Instance, error) {
		<-release
		return h.factory.New(item, emit)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Shutdown)

	tr := newTrack(t)
	loaded := make(chan error, 1)
	go func() { loaded <- c.Load(tr, "m1", nil) }()

	select {
	case err := <-loaded:
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Load waited for the engine to start")
	}

	answered := make(chan struct{})
	go func() {
		defer close(answered)
		c.State()
		c.HasTrack()
		c.Progress()
		h.commands.Dispatch(remote.CommandPause)
	}()
	select {
	case <-answered:
	case <-time.After(time.Second):
		t.Fatal("accessors blocked while the engine was starting")
	}

	if err := c.Play(); !errors.Is(err, engine.ErrNoInstance) {
		t.Errorf("Play while starting = %v, want ErrNoInstance", err)
	}

	close(release)
	h.loop.Flush()
	eventually(t, stateIs(c, StateReady))
	if !c.HasTrack() {
		t.Error("track lost once the engine started")
	}
}

func TestLoadWithoutStreamResolvesReadyCallback(t *testing.T) {
	h := newHarness(t, &enginetest.Factory{AutoReady: true})
	c := h.controller(t)

	ready := &readyLog{}
	tr := newTrack(t)
	tr.StreamLocation = nil
	if err := c.Load(tr, "", ready.fn); err != nil {
		t.Fatalf("Load: %v", err)
	}
	h.loop.Flush()
	eventually(t, stateIs(c, StateCompleted))

	ready.mu.Lock()
	defer ready.mu.Unlock()
	if len(ready.calls) != 1 {
		t.Fatalf("ready callback ran %d times, want 1", len(ready.calls))
	}
	if ready.oks[0] || !errors.Is(ready.calls[0], ErrNoStream) {
		t.Errorf("ready = (%v, %v), want (false, ErrNoStream)", ready.oks[0], ready.calls[0])
	}
}

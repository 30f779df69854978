package nowplaying

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfmyers9/earshot/internal/remote"
)

func TestClaim_PublishAndRelease(t *testing.T) {
	c := NewCenter()
	cl := c.Claim()

	cl.Publish(Snapshot{Title: "Song", Author: "Band", Duration: 3 * time.Minute})
	got, ok := c.NowPlaying()
	if !ok || got.Title != "Song" {
		t.Fatalf("NowPlaying() = %+v, %v", got, ok)
	}

	cl.Release()
	cl.Release()
	if _, ok := c.NowPlaying(); ok {
		t.Error("expected surface to be empty after release")
	}
	if cl.Active() {
		t.Error("released claim still active")
	}
}

func TestClaim_StaleReleaseKeepsNewOwner(t *testing.T) {
	c := NewCenter()
	first := c.Claim()
	first.Publish(Snapshot{Title: "First"})

	second := c.Claim()
	second.Publish(Snapshot{Title: "Second"})

	if first.Publish(Snapshot{Title: "Late"}) {
		t.Error("stale claim should not publish")
	}
	first.Release()

	got, ok := c.NowPlaying()
	if !ok || got.Title != "Second" {
		t.Errorf("NowPlaying() = %+v, %v; want the second owner's snapshot", got, ok)
	}
	if !second.Active() {
		t.Error("second claim lost ownership")
	}
}

func TestClaim_UpdateOnlyTouchesElapsedAndRate(t *testing.T) {
	c := NewCenter()
	cl := c.Claim()

	if cl.Update(time.Second, 1) {
		t.Error("Update with nothing published should be ignored")
	}

	cl.Publish(Snapshot{Title: "Song", Duration: time.Minute})
	cl.Update(10*time.Second, 1)

	got, _ := c.NowPlaying()
	want := Snapshot{Title: "Song", Duration: time.Minute, Elapsed: 10 * time.Second, Rate: 1}
	if got != want {
		t.Errorf("NowPlaying() = %+v, want %+v", got, want)
	}
}

func TestWatch_ReceivesCurrentThenChanges(t *testing.T) {
	c := NewCenter()
	cl := c.Claim()
	cl.Publish(Snapshot{Title: "Song"})

	ch, stop := c.Watch(4)
	defer stop()

	first := <-ch
	if first.Snapshot == nil || first.Snapshot.Title != "Song" {
		t.Fatalf("initial update = %+v", first)
	}

	cl.Clear()
	second := <-ch
	if second.Snapshot != nil {
		t.Errorf("expected a cleared update, got %+v", second.Snapshot)
	}
}

func TestWatch_DropsOldestWhenFull(t *testing.T) {
	c := NewCenter()
	cl := c.Claim()

	ch, stop := c.Watch(1)
	defer stop()

	cl.Publish(Snapshot{Title: "a"})
	cl.Publish(Snapshot{Title: "b"})
	cl.Publish(Snapshot{Title: "c"})

	u := <-ch
	if u.Snapshot == nil || u.Snapshot.Title != "c" {
		t.Errorf("expected the newest update, got %+v", u.Snapshot)
	}
}

func TestWatch_StopClosesChannel(t *testing.T) {
	c := NewCenter()
	ch, stop := c.Watch(1)
	<-ch
	stop()
	stop()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed")
	}
	// Publishing after stop must not panic.
	c.Claim().Publish(Snapshot{Title: "x"})
}

type fakeTransport struct {
	hasTrack bool
	rate     float64
	err      error
	plays    int
	pauses   int
}

func (f *fakeTransport) Play() error {
	f.plays++
	return f.err
}

func (f *fakeTransport) Pause() error {
	f.pauses++
	return f.err
}

func (f *fakeTransport) Rate() float64  { return f.rate }
func (f *fakeTransport) HasTrack() bool { return f.hasTrack }

func TestBridge_Handlers(t *testing.T) {
	tests := []struct {
		name      string
		transport fakeTransport
		command   remote.Command
		want      remote.Status
		wantPlays int
		wantPause int
	}{
		{"play without track", fakeTransport{}, remote.CommandPlay, remote.StatusNoSuchContent, 0, 0},
		{"play while paused", fakeTransport{hasTrack: true}, remote.CommandPlay, remote.StatusSuccess, 1, 0},
		{"play while playing", fakeTransport{hasTrack: true, rate: 1}, remote.CommandPlay, remote.StatusCommandFailed, 0, 0},
		{"play engine error", fakeTransport{hasTrack: true, err: errors.New("boom")}, remote.CommandPlay, remote.StatusCommandFailed, 1, 0},
		{"pause while playing", fakeTransport{hasTrack: true, rate: 1}, remote.CommandPause, remote.StatusSuccess, 0, 1},
		{"pause while paused", fakeTransport{hasTrack: true}, remote.CommandPause, remote.StatusCommandFailed, 0, 0},
		{"pause without track", fakeTransport{}, remote.CommandPause, remote.StatusNoSuchContent, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			commands := remote.NewCommandCenter(zerolog.Nop())
			tr := tt.transport
			b := NewBridge(NewCenter(), commands, &tr, zerolog.Nop())
			b.Activate(Snapshot{Title: "Song"})

			if got := commands.Dispatch(tt.command); got != tt.want {
				t.Errorf("Dispatch(%s) = %v, want %v", tt.command, got, tt.want)
			}
			if tr.plays != tt.wantPlays || tr.pauses != tt.wantPause {
				t.Errorf("plays=%d pauses=%d, want %d/%d", tr.plays, tr.pauses, tt.wantPlays, tt.wantPause)
			}
		})
	}
}

func TestBridge_ActivatePublishesZeroRate(t *testing.T) {
	center := NewCenter()
	commands := remote.NewCommandCenter(zerolog.Nop())
	b := NewBridge(center, commands, &fakeTransport{hasTrack: true}, zerolog.Nop())

	b.Activate(Snapshot{Title: "Song", Duration: time.Minute, Rate: 1, Elapsed: time.Second})
	b.Activate(Snapshot{Title: "Song", Duration: time.Minute})

	got, ok := center.NowPlaying()
	if !ok || got.Rate != 0 || got.Elapsed != 0 || got.Duration != time.Minute {
		t.Errorf("NowPlaying() = %+v, %v", got, ok)
	}
	if n := commands.Targets(remote.CommandPlay); n != 1 {
		t.Errorf("play handlers = %d, want 1", n)
	}

	b.Refresh(5*time.Second, 1)
	got, _ = center.NowPlaying()
	if got.Elapsed != 5*time.Second || got.Rate != 1 || got.Title != "Song" {
		t.Errorf("after refresh = %+v", got)
	}
}

func TestBridge_Deactivate(t *testing.T) {
	center := NewCenter()
	commands := remote.NewCommandCenter(zerolog.Nop())
	b := NewBridge(center, commands, &fakeTransport{hasTrack: true}, zerolog.Nop())

	b.Deactivate() // nothing claimed yet
	b.Activate(Snapshot{Title: "Song"})
	b.Deactivate()
	b.Deactivate()

	if _, ok := center.NowPlaying(); ok {
		t.Error("surface not cleared")
	}
	if commands.Targets(remote.CommandPlay) != 0 || commands.Targets(remote.CommandPause) != 0 {
		t.Error("handlers still registered")
	}
	if got := commands.Dispatch(remote.CommandPlay); got != remote.StatusNoSuchContent {
		t.Errorf("Dispatch after deactivate = %v", got)
	}
}

func TestBridge_SecondOwnerSurvivesFirstRelease(t *testing.T) {
	center := NewCenter()
	commands := remote.NewCommandCenter(zerolog.Nop())
	a := NewBridge(center, commands, &fakeTransport{hasTrack: true}, zerolog.Nop())
	b := NewBridge(center, commands, &fakeTransport{hasTrack: true, rate: 1}, zerolog.Nop())

	a.Activate(Snapshot{Title: "A"})
	b.Activate(Snapshot{Title: "B"})
	a.Deactivate()

	got, ok := center.NowPlaying()
	if !ok || got.Title != "B" {
		t.Errorf("NowPlaying() = %+v, %v; want B", got, ok)
	}
	// b is playing, so the newest play handler refuses.
	if status := commands.Dispatch(remote.CommandPlay); status != remote.StatusCommandFailed {
		t.Errorf("Dispatch(play) = %v, want commandFailed", status)
	}
}

func TestBridge_ClearSnapshotKeepsHandlers(t *testing.T) {
	center := NewCenter()
	commands := remote.NewCommandCenter(zerolog.Nop())
	tr := &fakeTransport{hasTrack: true}
	b := NewBridge(center, commands, tr, zerolog.Nop())

	b.ClearSnapshot() // nothing claimed yet
	b.Activate(Snapshot{Title: "Song"})
	b.ClearSnapshot()

	if _, ok := center.NowPlaying(); ok {
		t.Error("surface not cleared")
	}
	if !b.Active() {
		t.Error("claim should survive ClearSnapshot")
	}
	if got := commands.Dispatch(remote.CommandPlay); got != remote.StatusSuccess {
		t.Errorf("Dispatch(play) = %v, want success", got)
	}
}

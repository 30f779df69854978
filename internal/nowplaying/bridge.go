package nowplaying

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/jfmyers9/earshot/internal/remote"
)

// Transport is the player side of the bridge.
type Transport interface {
	Play() error
	Pause() error
	Rate() float64
	HasTrack() bool
}

// Bridge pairs a player with the now-playing surface and the remote
// command registry. It claims the surface and registers play/pause
// handlers while an item is present, and gives both up when the item
// goes away.
//
// Callers serialize method calls; the player holds its state mutex.
type Bridge struct {
	center    *Center
	commands  *remote.CommandCenter
	transport Transport
	logger    zerolog.Logger

	claim   *Claim
	targets []*remote.Target
}

// NewBridge creates an inactive bridge.
func NewBridge(center *Center, commands *remote.CommandCenter, t Transport, logger zerolog.Logger) *Bridge {
	return &Bridge{
		center:    center,
		commands:  commands,
		transport: t,
		logger:    logger.With().Str("component", "nowplaying").Logger(),
	}
}

// Activate publishes s with a zero rate and registers the command
// handlers. Calling it again republishes without registering twice.
func (b *Bridge) Activate(s Snapshot) {
	if !b.claim.Active() {
		b.claim = b.center.Claim()
	}
	s.Rate = 0
	s.Elapsed = 0
	b.claim.Publish(s)

	if b.targets == nil {
		b.targets = []*remote.Target{
			b.commands.AddTarget(remote.CommandPlay, b.handlePlay),
			b.commands.AddTarget(remote.CommandPause, b.handlePause),
		}
	}
	b.logger.Debug().Str("title", s.Title).Msg("Claimed now-playing surface")
}

// Refresh updates elapsed time and rate of the published snapshot.
func (b *Bridge) Refresh(elapsed time.Duration, rate float64) {
	if b.claim == nil {
		return
	}
	b.claim.Update(elapsed, rate)
}

// Active reports whether the bridge currently holds the surface.
func (b *Bridge) Active() bool {
	return b.claim.Active()
}

// ClearSnapshot empties the surface but keeps the claim and the command
// handlers, so a finished item can still be restarted remotely.
func (b *Bridge) ClearSnapshot() {
	if b.claim == nil {
		return
	}
	b.claim.Clear()
}

// UnregisterCommands removes the play/pause handlers. Safe to call when
// none are registered.
func (b *Bridge) UnregisterCommands() {
	for _, t := range b.targets {
		b.commands.RemoveTarget(t)
	}
	b.targets = nil
}

// Release clears the snapshot and gives up the claim. Safe to call when
// nothing is claimed.
func (b *Bridge) Release() {
	if b.claim == nil {
		return
	}
	b.claim.Release()
	b.claim = nil
	b.logger.Debug().Msg("Released now-playing surface")
}

// Deactivate unregisters the handlers, then releases the surface.
func (b *Bridge) Deactivate() {
	b.UnregisterCommands()
	b.Release()
}

func (b *Bridge) handlePlay() remote.Status {
	if !b.transport.HasTrack() {
		return remote.StatusNoSuchContent
	}
	if b.transport.Rate() != 0 {
		return remote.StatusCommandFailed
	}
	if err := b.transport.Play(); err != nil {
		b.logger.Warn().Err(err).Msg("Remote play failed")
		return remote.StatusCommandFailed
	}
	return remote.StatusSuccess
}

func (b *Bridge) handlePause() remote.Status {
	if !b.transport.HasTrack() {
		return remote.StatusNoSuchContent
	}
	if b.transport.Rate() <= 0 {
		return remote.StatusCommandFailed
	}
	if err := b.transport.Pause(); err != nil {
		b.logger.Warn().Err(err).Msg("Remote pause failed")
		return remote.StatusCommandFailed
	}
	return remote.StatusSuccess
}

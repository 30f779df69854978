// Package discord mirrors the now-playing surface into Discord Rich
// Presence.
package discord

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfmyers9/earshot/internal/nowplaying"
)

// resyncThreshold is how far the computed start time may drift before
// the activity is resent.
const resyncThreshold = 2 * time.Second

type rpcClient interface {
	SetActivity(Activity) error
	Close()
}

// Presence manages Discord Rich Presence updates.
type Presence struct {
	appID   string
	logger  zerolog.Logger
	client  rpcClient
	connect func(string) (rpcClient, error)
	last    lastActivity
	artwork *artworkLookup
	now     func() time.Time
}

type lastActivity struct {
	title, author, artwork string
	playing                bool
	start                  time.Time
}

func New(appID string, logger zerolog.Logger) *Presence {
	return &Presence{
		appID:  appID,
		logger: logger.With().Str("component", "discord").Logger(),
		connect: func(appID string) (rpcClient, error) {
			return ipcConnect(appID)
		},
		artwork: newArtworkLookup(),
		now:     time.Now,
	}
}

// Run consumes now-playing updates and sets Discord Rich Presence.
// Connects lazily on first playing snapshot. If Discord isn't running,
// logs the error and retries on the next update.
func (p *Presence) Run(ctx context.Context, updates <-chan nowplaying.Update) {
	for {
		select {
		case <-ctx.Done():
			p.close()
			return
		case u, ok := <-updates:
			if !ok {
				p.close()
				return
			}
			p.handleSnapshot(u.Snapshot, u.At)
		}
	}
}

func (p *Presence) handleSnapshot(snap *nowplaying.Snapshot, at time.Time) {
	if snap == nil || !snap.Playing() {
		if p.last.playing {
			p.clearActivity()
			p.last = lastActivity{}
		}
		return
	}

	if at.IsZero() {
		at = p.clock()
	}
	cur := lastActivity{
		title:   snap.Title,
		author:  snap.Author,
		artwork: snap.Artwork,
		playing: true,
		start:   at.Add(-snap.Elapsed),
	}
	if p.same(cur) {
		return
	}

	if err := p.ensureConnected(); err != nil {
		p.logger.Warn().Err(err).Msg("Discord not available")
		return
	}

	largeImage := snap.Artwork
	if largeImage == "" && p.artwork != nil && snap.Title != "" {
		largeImage = p.artwork.Lookup(snap.Author, snap.Title)
	}

	startUnix := cur.start.Unix()
	ts := &Timestamps{Start: &startUnix}
	if snap.Duration > 0 {
		endUnix := cur.start.Add(snap.Duration).Unix()
		ts.End = &endUnix
	}

	details := snap.Title
	if details == "" {
		details = "Audio message"
	}
	var state string
	if snap.Author != "" {
		state = "by " + snap.Author
	}

	err := p.client.SetActivity(Activity{
		Type:       2, // Listening
		Name:       "earshot",
		Details:    details,
		State:      state,
		Timestamps: ts,
		Assets: &Assets{
			LargeImage: largeImage,
			LargeText:  snap.Title,
			SmallImage: "earshot",
			SmallText:  "earshot",
		},
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to set activity")
		p.close()
		return
	}
	p.last = cur
}

// same reports whether cur matches what Discord already shows. A seek
// moves the start time and forces a resend.
func (p *Presence) same(cur lastActivity) bool {
	if cur.title != p.last.title || cur.author != p.last.author ||
		cur.artwork != p.last.artwork || cur.playing != p.last.playing {
		return false
	}
	drift := cur.start.Sub(p.last.start)
	if drift < 0 {
		drift = -drift
	}
	return drift < resyncThreshold
}

func (p *Presence) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func (p *Presence) ensureConnected() error {
	if p.client != nil {
		return nil
	}
	client, err := p.connect(p.appID)
	if err != nil {
		return err
	}
	p.logger.Info().Msg("Connected to Discord")
	p.client = client
	return nil
}

func (p *Presence) clearActivity() {
	if p.client == nil {
		return
	}
	if err := p.client.SetActivity(Activity{}); err != nil {
		p.logger.Debug().Err(err).Msg("Failed to clear activity")
		p.close()
	}
}

func (p *Presence) close() {
	if p.client == nil {
		return
	}
	p.client.Close()
	p.client = nil
}

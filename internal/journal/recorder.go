// Package journal records playback state transitions in SQLite so that
// past playback can be inspected with `earshot history`.
package journal

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/jfmyers9/earshot/internal/player"
)

// Recorder turns player events into journal entries. Events are queued
// and written from Run, off the player's loop.
type Recorder struct {
	journal *Journal
	events  chan Entry
	logger  zerolog.Logger
}

// NewRecorder creates a recorder writing to j.
func NewRecorder(j *Journal, logger zerolog.Logger) *Recorder {
	return &Recorder{
		journal: j,
		events:  make(chan Entry, 64),
		logger:  logger.With().Str("component", "journal").Logger(),
	}
}

// PlaybackStateChanged implements player.Observer. Entries are dropped
// when the queue is full.
func (r *Recorder) PlaybackStateChanged(ev player.Event) {
	e := Entry{
		LoadID:    ev.LoadID,
		MessageID: string(ev.Source),
		State:     ev.State.String(),
		At:        ev.At,
	}
	if ev.Track != nil {
		e.Title = ev.Track.Title
		e.Author = ev.Track.Author
		if ev.Track.StreamLocation != nil {
			e.Location = ev.Track.StreamLocation.String()
		}
	}
	if ev.Controller != nil {
		e.Elapsed = ev.Controller.Elapsed()
	}
	if ev.Err != nil {
		e.Error = ev.Err.Error()
	}

	select {
	case r.events <- e:
	default:
		r.logger.Warn().Str("state", e.State).Msg("Journal queue full, dropping entry")
	}
}

// Run writes queued entries until ctx is cancelled, then drains what is
// left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-r.events:
					r.write(context.Background(), e)
				default:
					return
				}
			}
		case e := <-r.events:
			r.write(ctx, e)
		}
	}
}

func (r *Recorder) write(ctx context.Context, e Entry) {
	if _, err := r.journal.Record(ctx, e); err != nil {
		r.logger.Warn().Err(err).Str("load", e.LoadID).Msg("Failed to record transition")
		return
	}
	r.logger.Debug().Str("load", e.LoadID).Str("state", e.State).Msg("Recorded transition")
}

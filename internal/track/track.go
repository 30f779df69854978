package track

import (
	"fmt"
	"net/url"
	"sync/atomic"
	"time"
)

// Descriptor describes a playable audio track referenced from a
// conversation message.
//
// Once handed to a player, only the failed-to-load flag changes. A
// Descriptor must not be copied after first use.
type Descriptor struct {
	Title        string        // Track title, empty if unknown
	Author       string        // Author/artist, empty if unknown
	Artwork      string        // Artwork image reference (URL), empty if none
	DurationHint time.Duration // Duration advertised by the message, zero if unknown

	StreamLocation        *url.URL // Full stream, nil if absent
	PreviewStreamLocation *url.URL // Short preview stream, nil if absent
	ExternalLocation      *url.URL // Link to the track on its origin service, nil if absent

	failedToLoad atomic.Bool
}

// FailedToLoad reports whether the engine rejected this track.
func (d *Descriptor) FailedToLoad() bool {
	return d.failedToLoad.Load()
}

// MarkFailedToLoad records that the engine could not load the track.
func (d *Descriptor) MarkFailedToLoad() {
	d.failedToLoad.Store(true)
}

// String returns "Author - Title", falling back to whichever is present.
func (d *Descriptor) String() string {
	switch {
	case d.Author != "" && d.Title != "":
		return d.Author + " - " + d.Title
	case d.Title != "":
		return d.Title
	case d.Author != "":
		return d.Author
	case d.StreamLocation != nil:
		return d.StreamLocation.String()
	default:
		return "untitled"
	}
}

// ParseLocation parses an optional location. An empty string yields nil.
// Bare filesystem paths are accepted and turned into file URLs.
func ParseLocation(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid location %q: %w", raw, err)
	}
	if u.Scheme == "" {
		u = &url.URL{Scheme: "file", Path: raw}
	}
	return u, nil
}

// Package control exposes the player over a local unix socket so that
// the CLI can drive a running daemon.
//
// Each request and response is a single frame: an opcode and a payload
// length (little-endian uint32 each) followed by a JSON document.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jfmyers9/earshot/internal/player"
	"github.com/jfmyers9/earshot/internal/track"
)

// Frame opcodes.
const (
	opRequest  = 1
	opResponse = 2
)

// maxFrame bounds the payload size accepted from a peer.
const maxFrame = 1 << 20

// Request operations.
const (
	OpLoad           = "load"
	OpCommand        = "command"
	OpStop           = "stop"
	OpReset          = "reset"
	OpStatus         = "status"
	OpMessageChanged = "message-changed"
)

var errFrameTooLarge = errors.New("frame too large")

// Request is sent by a client.
type Request struct {
	Op string `json:"op"`

	// load
	Track  *TrackSpec `json:"track,omitempty"`
	Source string     `json:"source,omitempty"`
	Wait   bool       `json:"wait,omitempty"`

	// command
	Command string `json:"command,omitempty"`

	// message-changed
	MessageID string `json:"message_id,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// Response answers one Request.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	// Remote command status for OpCommand.
	CommandStatus string `json:"command_status,omitempty"`

	// Outcome of a load with Wait set.
	Loaded *bool `json:"loaded,omitempty"`

	// Number of subscribers told about a message change.
	Delivered int `json:"delivered,omitempty"`

	Status *StatusView `json:"status,omitempty"`
}

// TrackSpec describes a track to load.
type TrackSpec struct {
	Title      string `json:"title,omitempty"`
	Author     string `json:"author,omitempty"`
	Artwork    string `json:"artwork,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Stream     string `json:"stream,omitempty"`
	Preview    string `json:"preview,omitempty"`
	External   string `json:"external,omitempty"`
}

// Descriptor converts the wire form into a track descriptor.
func (s *TrackSpec) Descriptor() (*track.Descriptor, error) {
	stream, err := track.ParseLocation(s.Stream)
	if err != nil {
		return nil, fmt.Errorf("stream location: %w", err)
	}
	preview, err := track.ParseLocation(s.Preview)
	if err != nil {
		return nil, fmt.Errorf("preview location: %w", err)
	}
	external, err := track.ParseLocation(s.External)
	if err != nil {
		return nil, fmt.Errorf("external location: %w", err)
	}
	return &track.Descriptor{
		Title:                 s.Title,
		Author:                s.Author,
		Artwork:               s.Artwork,
		DurationHint:          time.Duration(s.DurationMs) * time.Millisecond,
		StreamLocation:        stream,
		PreviewStreamLocation: preview,
		ExternalLocation:      external,
	}, nil
}

// StatusView is the wire form of player.Status.
type StatusView struct {
	State      string  `json:"state,omitempty"`
	Playing    bool    `json:"playing"`
	Title      string  `json:"title,omitempty"`
	Author     string  `json:"author,omitempty"`
	Location   string  `json:"location,omitempty"`
	Source     string  `json:"source,omitempty"`
	LoadID     string  `json:"load_id,omitempty"`
	ElapsedMs  int64   `json:"elapsed_ms"`
	DurationMs int64   `json:"duration_ms"`
	Progress   float64 `json:"progress"`
	Failed     bool    `json:"failed,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Elapsed returns the elapsed time.
func (v *StatusView) Elapsed() time.Duration {
	return time.Duration(v.ElapsedMs) * time.Millisecond
}

// Duration returns the track duration, zero if unknown.
func (v *StatusView) Duration() time.Duration {
	return time.Duration(v.DurationMs) * time.Millisecond
}

func viewOf(s player.Status) *StatusView {
	v := &StatusView{
		Playing:    s.Playing,
		Source:     string(s.Source),
		LoadID:     s.LoadID,
		ElapsedMs:  s.Elapsed.Milliseconds(),
		DurationMs: s.Duration.Milliseconds(),
		Progress:   s.Progress,
	}
	if s.HasState {
		v.State = s.State.String()
	}
	if s.Track != nil {
		v.Title = s.Track.Title
		v.Author = s.Track.Author
		v.Failed = s.Track.FailedToLoad()
		if s.Track.StreamLocation != nil {
			v.Location = s.Track.StreamLocation.String()
		}
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	return v
}

// writeFrame sends [opcode LE u32][length LE u32][payload].
func writeFrame(w io.Writer, opcode uint32, payload []byte) error {
	if len(payload) > maxFrame {
		return errFrameTooLarge
	}
	buf := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], opcode)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[8:], payload)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one frame, allocating exactly the declared length.
func readFrame(r io.Reader) (uint32, []byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	opcode := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[4:8])
	if length > maxFrame {
		return 0, nil, errFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return opcode, payload, nil
}

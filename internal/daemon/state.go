package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jfmyers9/earshot/internal/nowplaying"
	"github.com/jfmyers9/earshot/internal/player"
)

// NowPlaying is what the daemon writes to the state file: the published
// now-playing snapshot plus the state of the current player.
type NowPlaying struct {
	Title    string        `json:"title,omitempty"`
	Author   string        `json:"author,omitempty"`
	Artwork  string        `json:"artwork,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
	Duration time.Duration `json:"duration"`
	Rate     float64       `json:"rate"`

	Published bool   `json:"published"`
	State     string `json:"state,omitempty"`
	LoadID    string `json:"load_id,omitempty"`
	Source    string `json:"source,omitempty"`
	Error     string `json:"error,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Playing reports whether playback was running when the file was written.
func (n *NowPlaying) Playing() bool {
	return n.Published && n.Rate > 0
}

// Position extrapolates the elapsed time to now for a playing snapshot.
func (n *NowPlaying) Position(now time.Time) time.Duration {
	pos := n.Elapsed
	if n.Playing() && !n.UpdatedAt.IsZero() {
		pos += time.Duration(float64(now.Sub(n.UpdatedAt)) * n.Rate)
	}
	if n.Duration > 0 && pos > n.Duration {
		pos = n.Duration
	}
	if pos < 0 {
		pos = 0
	}
	return pos
}

// State keeps the now-playing state file up to date. Changes of track or
// player state are written immediately; elapsed-time updates are
// throttled to persistInterval.
type State struct {
	mu              sync.RWMutex
	current         NowPlaying
	filePath        string
	persistInterval time.Duration
	lastPersist     time.Time
	dirty           bool
}

// NewState creates a State writing to filePath. An existing file is
// restored so readers see the last known state until the first update.
func NewState(filePath string) (*State, error) {
	s := &State{
		filePath:        filePath,
		persistInterval: 5 * time.Second,
	}

	if filePath != "" {
		if err := s.restore(); err != nil && !os.IsNotExist(err) {
			return s, err
		}
	}

	return s, nil
}

// ApplySnapshot records a change of the now-playing surface. A nil
// snapshot means the surface was cleared.
func (s *State) ApplySnapshot(snap *nowplaying.Snapshot, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if at.IsZero() {
		at = time.Now()
	}

	if snap == nil {
		if !s.current.Published {
			return nil
		}
		s.current.Published = false
		s.current.Title = ""
		s.current.Author = ""
		s.current.Artwork = ""
		s.current.Elapsed = 0
		s.current.Duration = 0
		s.current.Rate = 0
		s.current.UpdatedAt = at
		return s.persist()
	}

	prev := s.current
	s.current.Published = true
	s.current.Title = snap.Title
	s.current.Author = snap.Author
	s.current.Artwork = snap.Artwork
	s.current.Elapsed = snap.Elapsed
	s.current.Duration = snap.Duration
	s.current.Rate = snap.Rate
	s.current.UpdatedAt = at

	if !prev.Published || prev.Title != snap.Title || prev.Author != snap.Author ||
		(prev.Rate > 0) != (snap.Rate > 0) {
		return s.persist()
	}
	return s.throttledPersist()
}

// ApplyEvent records a player state transition.
func (s *State) ApplyEvent(ev player.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current.State = ev.State.String()
	s.current.LoadID = ev.LoadID
	s.current.Source = string(ev.Source)
	s.current.Error = ""
	if ev.Err != nil {
		s.current.Error = ev.Err.Error()
	}
	if ev.At.IsZero() {
		s.current.UpdatedAt = time.Now()
	} else {
		s.current.UpdatedAt = ev.At
	}

	return s.persist()
}

// GetState returns a copy of the current state
func (s *State) GetState() NowPlaying {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current
}

// Flush writes pending throttled changes.
func (s *State) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}
	return s.persist()
}

// Reset clears the current state
func (s *State) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = NowPlaying{UpdatedAt: time.Now()}
	return s.persist()
}

// throttledPersist writes only when persistInterval has passed since the
// last write, otherwise marks the state dirty.
// Must be called with lock held
func (s *State) throttledPersist() error {
	if time.Since(s.lastPersist) < s.persistInterval {
		s.dirty = true
		return nil
	}
	return s.persist()
}

// persist saves the current state to disk
// Must be called with lock held
func (s *State) persist() error {
	if s.filePath == "" {
		s.dirty = false
		return nil
	}

	data, err := json.MarshalIndent(s.current, "", "  ")
	if err != nil {
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// Write atomically via temp file + rename
	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return err
	}
	s.lastPersist = time.Now()
	s.dirty = false
	return nil
}

// restore loads state from disk
func (s *State) restore() error {
	np, err := ReadNowPlaying(s.filePath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = *np
	return nil
}

// ReadNowPlaying reads a state file written by the daemon.
func ReadNowPlaying(path string) (*NowPlaying, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var np NowPlaying
	if err := json.Unmarshal(data, &np); err != nil {
		return nil, err
	}
	return &np, nil
}

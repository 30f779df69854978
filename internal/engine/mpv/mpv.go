// Package mpv runs mpv as the playback engine and drives it over its JSON
// IPC socket.
package mpv

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jfmyers9/earshot/internal/engine"
)

// Config configures how mpv is started.
type Config struct {
	Path           string        // mpv binary, default "mpv"
	SocketDir      string        // Directory for IPC sockets, default os.TempDir()
	DialTimeout    time.Duration // How long to wait for the socket, default 5s
	RequestTimeout time.Duration // How long to wait for a reply, default 2s
	ExtraArgs      []string
	Logger         zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "mpv"
	}
	if c.SocketDir == "" {
		c.SocketDir = os.TempDir()
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Second
	}
	return c
}

// NewFactory returns an engine.Factory that starts one mpv process per
// instance.
func NewFactory(cfg Config) engine.Factory {
	cfg = cfg.withDefaults()
	return func(item *engine.Item, emit engine.Emitter) (engine.Instance, error) {
		return Start(cfg, item, emit)
	}
}

var errClosed = errors.New("mpv: player closed")

// Observed property IDs.
const (
	propPause = iota + 1
	propSpeed
	propTimePos
	propDuration
	propEOFReached
)

var observed = map[int]string{
	propPause:      "pause",
	propSpeed:      "speed",
	propTimePos:    "time-pos",
	propDuration:   "duration",
	propEOFReached: "eof-reached",
}

type request struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id"`
}

type response struct {
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

// message is anything mpv writes on the socket: a reply (RequestID set)
// or an event.
type message struct {
	RequestID *int64          `json:"request_id"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"event"`
	ID        int             `json:"id"`
	Name      string          `json:"name"`
	Reason    string          `json:"reason"`
	FileError string          `json:"file_error"`
}

// Player is a running mpv process.
type Player struct {
	cfg    Config
	emit   engine.Emitter
	logger zerolog.Logger

	cmd    *exec.Cmd
	socket string
	conn   net.Conn
	wmu    sync.Mutex
	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan response
	item     *engine.Item
	loading  bool
	paused   bool
	speed    float64
	timePos  float64
	duration float64
	hasDur   bool
	err      error
	closed   bool

	done chan struct{}
}

func newPlayer(cfg Config, emit engine.Emitter) *Player {
	return &Player{
		cfg:     cfg,
		emit:    emit,
		logger:  cfg.Logger.With().Str("component", "mpv").Logger(),
		pending: make(map[int64]chan response),
		paused:  true,
		speed:   1,
		done:    make(chan struct{}),
	}
}

// Start launches mpv paused and idle, connects to its IPC socket and loads
// item when it is not nil.
func Start(cfg Config, item *engine.Item, emit engine.Emitter) (*Player, error) {
	cfg = cfg.withDefaults()
	p := newPlayer(cfg, emit)
	p.socket = filepath.Join(cfg.SocketDir, "earshot-mpv-"+uuid.NewString()+".sock")

	args := []string{
		"--idle=yes",
		"--pause",
		"--keep-open=yes",
		"--no-video",
		"--no-terminal",
		"--input-ipc-server=" + p.socket,
	}
	args = append(args, cfg.ExtraArgs...)

	p.cmd = exec.Command(cfg.Path, args...)
	if err := p.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Path, err)
	}

	conn, err := dialSocket(p.socket, cfg.DialTimeout)
	if err != nil {
		p.kill()
		return nil, err
	}
	p.conn = conn
	go p.readLoop()

	for id, name := range observed {
		if _, err := p.command("observe_property", id, name); err != nil {
			p.Close()
			return nil, fmt.Errorf("observe %s: %w", name, err)
		}
	}

	if item != nil {
		if err := p.load(item); err != nil {
			p.Close()
			return nil, err
		}
	}

	p.logger.Debug().Str("socket", p.socket).Int("pid", p.cmd.Process.Pid).Msg("mpv started")
	return p, nil
}

func dialSocket(path string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("unix", path, time.Second)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("dial mpv socket %s: %w", path, lastErr)
}

func (p *Player) load(item *engine.Item) error {
	p.mu.Lock()
	p.item = item
	p.loading = true
	p.timePos = 0
	p.hasDur = false
	p.err = nil
	p.mu.Unlock()

	if _, err := p.command("set_property", "pause", true); err != nil {
		return fmt.Errorf("pause before load: %w", err)
	}
	if _, err := p.command("loadfile", item.Location.String(), "replace"); err != nil {
		return fmt.Errorf("loadfile: %w", err)
	}
	return nil
}

// Replace implements engine.Instance.
func (p *Player) Replace(item *engine.Item) error {
	if item == nil {
		p.mu.Lock()
		p.item = nil
		p.loading = false
		p.hasDur = false
		p.timePos = 0
		p.mu.Unlock()

		if _, err := p.command("stop"); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		p.send(engine.Event{Kind: engine.EventCurrentItem})
		return nil
	}

	if err := p.load(item); err != nil {
		return err
	}
	p.send(engine.Event{Kind: engine.EventCurrentItem, Item: item})
	return nil
}

// Play implements engine.Instance.
func (p *Player) Play() error {
	_, err := p.command("set_property", "pause", false)
	return err
}

// Pause implements engine.Instance.
func (p *Player) Pause() error {
	_, err := p.command("set_property", "pause", true)
	return err
}

// Seek implements engine.Instance.
func (p *Player) Seek(to time.Duration) error {
	_, err := p.command("seek", to.Seconds(), "absolute")
	return err
}

// CurrentTime implements engine.Instance.
func (p *Player) CurrentTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return seconds(p.timePos)
}

// Duration implements engine.Instance.
func (p *Player) Duration() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.item == nil || !p.hasDur {
		return 0, false
	}
	return seconds(p.duration), true
}

// Rate implements engine.Instance.
func (p *Player) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rateLocked()
}

func (p *Player) rateLocked() float64 {
	if p.paused || p.item == nil {
		return 0
	}
	return p.speed
}

// Err implements engine.Instance.
func (p *Player) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close implements engine.Instance.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.conn != nil {
		p.write(request{Command: []any{"quit"}, RequestID: p.nextID.Add(1)})
		p.conn.Close()
	}
	p.kill()
	if p.socket != "" {
		os.Remove(p.socket)
	}
	return nil
}

func (p *Player) kill() {
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	exited := make(chan struct{})
	go func() {
		p.cmd.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		p.cmd.Process.Kill()
		<-exited
	}
}

func (p *Player) command(args ...any) (json.RawMessage, error) {
	id := p.nextID.Add(1)
	ch := make(chan response, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errClosed
	}
	p.pending[id] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.write(request{Command: args, RequestID: id}); err != nil {
		return nil, fmt.Errorf("mpv %v: %w", args[0], err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" && resp.Error != "success" {
			return nil, fmt.Errorf("mpv %v: %s", args[0], resp.Error)
		}
		return resp.Data, nil
	case <-p.done:
		return nil, errClosed
	case <-time.After(p.cfg.RequestTimeout):
		return nil, fmt.Errorf("mpv %v: timed out", args[0])
	}
}

func (p *Player) write(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err = p.conn.Write(data)
	return err
}

func (p *Player) readLoop() {
	defer close(p.done)
	scanner := bufio.NewScanner(p.conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.handleLine(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		p.logger.Debug().Err(err).Msg("mpv socket closed")
	}
}

func (p *Player) handleLine(line []byte) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		p.logger.Debug().Err(err).Msg("Ignoring malformed mpv message")
		return
	}

	if msg.RequestID != nil && msg.Event == "" {
		p.mu.Lock()
		ch := p.pending[*msg.RequestID]
		p.mu.Unlock()
		if ch != nil {
			ch <- response{Error: msg.Error, Data: msg.Data}
		}
		return
	}

	p.handleEvent(msg)
}

func (p *Player) handleEvent(msg message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch msg.Event {
	case "property-change":
		p.propertyChangedLocked(msg.ID, msg.Data)

	case "file-loaded":
		if p.item == nil || !p.loading {
			return
		}
		p.loading = false
		p.sendLocked(engine.Event{Kind: engine.EventStatus, Status: engine.StatusReadyToPlay, Item: p.item})

	case "end-file":
		if p.item == nil {
			return
		}
		switch msg.Reason {
		case "error":
			err := fmt.Errorf("mpv: %s", msg.FileError)
			if msg.FileError == "" {
				err = errors.New("mpv: failed to load file")
			}
			p.err = err
			p.loading = false
			p.sendLocked(engine.Event{Kind: engine.EventStatus, Status: engine.StatusFailed, Err: err, Item: p.item})
		case "eof":
			if !p.loading {
				p.sendLocked(engine.Event{Kind: engine.EventPlayedToEnd, Item: p.item})
			}
		}
	}
}

func (p *Player) propertyChangedLocked(id int, data json.RawMessage) {
	switch id {
	case propPause:
		var paused bool
		if json.Unmarshal(data, &paused) != nil {
			return
		}
		p.paused = paused
		p.sendLocked(engine.Event{Kind: engine.EventRate, Rate: p.rateLocked()})

	case propSpeed:
		var speed float64
		if json.Unmarshal(data, &speed) != nil {
			return
		}
		p.speed = speed
		p.sendLocked(engine.Event{Kind: engine.EventRate, Rate: p.rateLocked()})

	case propTimePos:
		p.timePos, _ = optFloat(data)

	case propDuration:
		d, ok := optFloat(data)
		p.duration = d
		p.hasDur = ok && d > 0

	case propEOFReached:
		var eof bool
		if json.Unmarshal(data, &eof) != nil || !eof {
			return
		}
		if p.item != nil && !p.loading {
			p.sendLocked(engine.Event{Kind: engine.EventPlayedToEnd, Item: p.item})
		}
	}
}

func (p *Player) send(ev engine.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendLocked(ev)
}

func (p *Player) sendLocked(ev engine.Event) {
	if p.closed {
		return
	}
	p.emit(ev)
}

// optFloat decodes a number that mpv reports as absent (no data or null)
// while nothing is loaded.
func optFloat(data json.RawMessage) (float64, bool) {
	var v *float64
	if len(data) == 0 || json.Unmarshal(data, &v) != nil || v == nil {
		return 0, false
	}
	return *v, true
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

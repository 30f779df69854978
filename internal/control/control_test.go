package control

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfmyers9/earshot/internal/message"
	"github.com/jfmyers9/earshot/internal/player"
	"github.com/jfmyers9/earshot/internal/remote"
	"github.com/jfmyers9/earshot/internal/track"
)

type fakePlayer struct {
	mu      sync.Mutex
	loaded  []*track.Descriptor
	sources []message.ID
	stops   int
	resets  int
	ready   *bool
	loadErr error
	status  player.Status
}

func (f *fakePlayer) Load(t *track.Descriptor, source message.ID, onReady player.ReadyFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded = append(f.loaded, t)
	f.sources = append(f.sources, source)
	if onReady != nil && f.ready != nil {
		if *f.ready {
			go onReady(true, nil)
		} else {
			go onReady(false, errors.New("unsupported format"))
		}
	}
	return nil
}

func (f *fakePlayer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakePlayer) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakePlayer) Status() player.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func newTestServer(t *testing.T, p *fakePlayer) (*Server, *remote.CommandCenter, *message.Bus) {
	t.Helper()
	commands := remote.NewCommandCenter(zerolog.Nop())
	bus := message.NewBus()
	s := NewServer(Config{
		Path:        filepath.Join(t.TempDir(), "control.sock"),
		Player:      p,
		Commands:    commands,
		Bus:         bus,
		LoadTimeout: time.Second,
		Logger:      zerolog.Nop(),
	})
	return s, commands, bus
}

func TestFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	payload := `{"op":"status"}`
	go func() {
		if err := writeFrame(client, opRequest, []byte(payload)); err != nil {
			t.Errorf("writeFrame: %v", err)
		}
	}()

	header := make([]byte, 8)
	if _, err := io.ReadFull(server, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	if op := binary.LittleEndian.Uint32(header[0:4]); op != opRequest {
		t.Errorf("opcode = %d, want %d", op, opRequest)
	}
	if n := binary.LittleEndian.Uint32(header[4:8]); int(n) != len(payload) {
		t.Errorf("length = %d, want %d", n, len(payload))
	}

	body := make([]byte, len(payload))
	if _, err := io.ReadFull(server, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != payload {
		t.Errorf("body = %q", body)
	}
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	client, server := net.Pipe()
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	go func() {
		header := make([]byte, 8)
		binary.LittleEndian.PutUint32(header[0:4], opRequest)
		binary.LittleEndian.PutUint32(header[4:8], maxFrame+1)
		_, _ = client.Write(header)
	}()

	if _, _, err := readFrame(server); !errors.Is(err, errFrameTooLarge) {
		t.Errorf("err = %v, want errFrameTooLarge", err)
	}
}

func TestHandle_Load(t *testing.T) {
	p := &fakePlayer{}
	s, _, _ := newTestServer(t, p)

	resp := s.Handle(Request{
		Op:     OpLoad,
		Source: "m1",
		Track: &TrackSpec{
			Title:      "Song",
			Stream:     "https://cdn.example.com/a.m4a",
			DurationMs: 90000,
		},
	})
	if !resp.OK {
		t.Fatalf("load failed: %s", resp.Error)
	}
	if len(p.loaded) != 1 || p.sources[0] != "m1" {
		t.Fatalf("loaded = %v, sources = %v", p.loaded, p.sources)
	}
	got := p.loaded[0]
	if got.Title != "Song" || got.DurationHint != 90*time.Second || got.StreamLocation.Host != "cdn.example.com" {
		t.Errorf("descriptor = %+v", got)
	}
}

func TestHandle_LoadWait(t *testing.T) {
	tests := []struct {
		name   string
		ready  bool
		wantOK bool
	}{
		{"ready", true, true},
		{"failed", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ready := tt.ready
			p := &fakePlayer{ready: &ready}
			s, _, _ := newTestServer(t, p)

			resp := s.Handle(Request{Op: OpLoad, Wait: true, Track: &TrackSpec{Stream: "/tmp/a.m4a"}})
			if resp.OK != tt.wantOK {
				t.Errorf("OK = %v, want %v (%s)", resp.OK, tt.wantOK, resp.Error)
			}
			if resp.Loaded == nil || *resp.Loaded != tt.wantOK {
				t.Errorf("Loaded = %v", resp.Loaded)
			}
		})
	}
}

func TestHandle_LoadErrors(t *testing.T) {
	p := &fakePlayer{loadErr: player.ErrClosed}
	s, _, _ := newTestServer(t, p)

	if resp := s.Handle(Request{Op: OpLoad}); resp.OK || resp.Error == "" {
		t.Errorf("load without track = %+v", resp)
	}
	if resp := s.Handle(Request{Op: OpLoad, Track: &TrackSpec{}}); resp.Error != player.ErrClosed.Error() {
		t.Errorf("load error = %q", resp.Error)
	}
}

func TestHandle_CommandDispatch(t *testing.T) {
	p := &fakePlayer{}
	s, commands, _ := newTestServer(t, p)

	if resp := s.Handle(Request{Op: OpCommand, Command: "play"}); resp.CommandStatus != "noSuchContent" || resp.OK {
		t.Errorf("play without target = %+v", resp)
	}

	played := 0
	commands.AddTarget(remote.CommandPlay, func() remote.Status {
		played++
		return remote.StatusSuccess
	})
	commands.AddTarget(remote.CommandPause, func() remote.Status {
		return remote.StatusCommandFailed
	})

	if resp := s.Handle(Request{Op: OpCommand, Command: "play"}); !resp.OK || resp.CommandStatus != "success" {
		t.Errorf("play = %+v", resp)
	}
	if played != 1 {
		t.Errorf("play handler ran %d times", played)
	}
	if resp := s.Handle(Request{Op: OpCommand, Command: "pause"}); resp.CommandStatus != "commandFailed" {
		t.Errorf("pause = %+v", resp)
	}
	if resp := s.Handle(Request{Op: OpCommand, Command: "shuffle"}); resp.Error == "" {
		t.Errorf("unknown command = %+v", resp)
	}
}

func TestHandle_MessageChanged(t *testing.T) {
	p := &fakePlayer{}
	s, _, bus := newTestServer(t, p)

	var got []message.Change
	bus.Subscribe("m1", func(c message.Change) { got = append(got, c) })

	resp := s.Handle(Request{Op: OpMessageChanged, MessageID: "m1", Deleted: true})
	if !resp.OK || resp.Delivered != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if len(got) != 1 || !got[0].HasBeenDeleted {
		t.Errorf("changes = %+v", got)
	}

	if resp := s.Handle(Request{Op: OpMessageChanged}); resp.OK {
		t.Error("missing message id accepted")
	}
}

func TestHandle_StatusStopReset(t *testing.T) {
	p := &fakePlayer{status: player.Status{
		State:    player.StatePlaying,
		HasState: true,
		Playing:  true,
		Track:    &track.Descriptor{Title: "Song", Author: "Band"},
		Elapsed:  30 * time.Second,
		Duration: time.Minute,
		Progress: 0.5,
	}}
	s, _, _ := newTestServer(t, p)

	resp := s.Handle(Request{Op: OpStatus})
	if resp.Status == nil {
		t.Fatal("no status")
	}
	v := resp.Status
	if v.State != "playing" || !v.Playing || v.Title != "Song" || v.Elapsed() != 30*time.Second || v.Progress != 0.5 {
		t.Errorf("status = %+v", v)
	}

	s.Handle(Request{Op: OpStop})
	s.Handle(Request{Op: OpReset})
	if p.stops != 1 || p.resets != 1 {
		t.Errorf("stops = %d, resets = %d", p.stops, p.resets)
	}

	if resp := s.Handle(Request{Op: "bogus"}); resp.OK {
		t.Error("unknown op accepted")
	}
}

func TestServerClientOverSocket(t *testing.T) {
	p := &fakePlayer{status: player.Status{State: player.StatePaused, HasState: true}}
	s, _, _ := newTestServer(t, p)

	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	c, err := Dial(ctx, s.cfg.Path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = c.Close() }()

	reqCtx, reqCancel := context.WithTimeout(ctx, 2*time.Second)
	defer reqCancel()

	resp, err := c.Do(reqCtx, Request{Op: OpStatus})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp.Status == nil || resp.Status.State != "paused" {
		t.Errorf("status = %+v", resp.Status)
	}

	if _, err := c.Do(reqCtx, Request{Op: "bogus"}); err == nil {
		t.Error("expected error for unknown op")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve: %v", err)
	}
}

func TestDial_NoDaemon(t *testing.T) {
	_, err := Dial(context.Background(), filepath.Join(t.TempDir(), "missing.sock"))
	if !errors.Is(err, ErrDaemonNotRunning) {
		t.Errorf("err = %v, want ErrDaemonNotRunning", err)
	}
}

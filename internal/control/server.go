package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfmyers9/earshot/internal/mainloop"
	"github.com/jfmyers9/earshot/internal/message"
	"github.com/jfmyers9/earshot/internal/player"
	"github.com/jfmyers9/earshot/internal/remote"
	"github.com/jfmyers9/earshot/internal/track"
)

// DefaultLoadTimeout bounds how long a waiting load blocks.
const DefaultLoadTimeout = 15 * time.Second

// Player is the part of player.Manager the server drives.
type Player interface {
	Load(t *track.Descriptor, source message.ID, onReady player.ReadyFunc) error
	Stop()
	Reset() error
	Status() player.Status
}

// Config configures a Server.
type Config struct {
	Path     string
	Player   Player
	Commands *remote.CommandCenter
	Bus      *message.Bus
	Loop     *mainloop.Loop // Remote commands run on it when set

	LoadTimeout time.Duration
	Logger      zerolog.Logger
}

// Server answers control requests on a unix socket.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server. Call Listen then Serve.
func NewServer(cfg Config) *Server {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.Commands == nil {
		cfg.Commands = remote.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "control").Logger(),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket, replacing a stale one left by a previous run.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.cfg.Path); err == nil {
		if conn, err := net.DialTimeout("unix", s.cfg.Path, time.Second); err == nil {
			conn.Close()
			return fmt.Errorf("control socket %s is in use", s.cfg.Path)
		}
		if err := os.Remove(s.cfg.Path); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Path, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info().Str("path", s.cfg.Path).Msg("Control socket listening")
	return nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("control: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Close stops listening, drops open connections and waits for their
// handlers to return.
func (s *Server) Close() {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		opcode, payload, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Err(err).Msg("Control connection closed")
			}
			return
		}

		var resp Response
		if opcode != opRequest {
			resp = failure(fmt.Errorf("unexpected opcode %d", opcode))
		} else {
			var req Request
			if err := json.Unmarshal(payload, &req); err != nil {
				resp = failure(fmt.Errorf("invalid request: %w", err))
			} else {
				resp = s.Handle(req)
			}
		}

		data, err := json.Marshal(resp)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to encode response")
			return
		}
		if err := writeFrame(conn, opResponse, data); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to write response")
			return
		}
	}
}

// Handle executes one request.
func (s *Server) Handle(req Request) Response {
	s.logger.Debug().Str("op", req.Op).Msg("Control request")

	switch req.Op {
	case OpLoad:
		return s.load(req)
	case OpCommand:
		return s.command(req.Command)
	case OpStop:
		s.cfg.Player.Stop()
		return Response{OK: true}
	case OpReset:
		if err := s.cfg.Player.Reset(); err != nil {
			return failure(err)
		}
		return Response{OK: true}
	case OpStatus:
		return Response{OK: true, Status: viewOf(s.cfg.Player.Status())}
	case OpMessageChanged:
		return s.messageChanged(req)
	default:
		return failure(fmt.Errorf("unknown op %q", req.Op))
	}
}

func (s *Server) load(req Request) Response {
	if req.Track == nil {
		return failure(errors.New("load requires a track"))
	}
	t, err := req.Track.Descriptor()
	if err != nil {
		return failure(err)
	}

	var onReady player.ReadyFunc
	result := make(chan error, 1)
	if req.Wait {
		onReady = func(loaded bool, err error) {
			if !loaded && err == nil {
				err = errors.New("load failed")
			}
			select {
			case result <- err:
			default:
			}
		}
	}

	if err := s.cfg.Player.Load(t, message.ID(req.Source), onReady); err != nil {
		return failure(err)
	}
	if !req.Wait {
		return Response{OK: true}
	}

	select {
	case err := <-result:
		loaded := err == nil
		resp := Response{OK: loaded, Loaded: &loaded}
		if err != nil {
			resp.Error = err.Error()
		}
		return resp
	case <-time.After(s.cfg.LoadTimeout):
		return failure(fmt.Errorf("track not ready after %s", s.cfg.LoadTimeout))
	}
}

func (s *Server) command(name string) Response {
	cmd, err := remote.ParseCommand(name)
	if err != nil {
		return failure(err)
	}

	var status remote.Status
	dispatch := func() { status = s.cfg.Commands.Dispatch(cmd) }
	if s.cfg.Loop != nil {
		if !s.cfg.Loop.Sync(dispatch) {
			return failure(errors.New("player loop stopped"))
		}
	} else {
		dispatch()
	}

	return Response{OK: status == remote.StatusSuccess, CommandStatus: status.String()}
}

func (s *Server) messageChanged(req Request) Response {
	if req.MessageID == "" {
		return failure(errors.New("message-changed requires a message id"))
	}
	if s.cfg.Bus == nil {
		return failure(errors.New("message tracking disabled"))
	}
	n := s.cfg.Bus.Publish(message.Change{ID: message.ID(req.MessageID), HasBeenDeleted: req.Deleted})
	return Response{OK: true, Delivered: n}
}

func failure(err error) Response {
	return Response{Error: err.Error()}
}

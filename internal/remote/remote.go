// Package remote is the process-wide remote-control surface: a registry
// of command handlers that external actors (the control socket, media
// keys) dispatch into.
package remote

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Command names a remote-control command.
type Command string

const (
	CommandPlay          Command = "play"
	CommandPause         Command = "pause"
	CommandNextTrack     Command = "nextTrack"
	CommandPreviousTrack Command = "previousTrack"
)

// ParseCommand accepts the canonical command names plus the short CLI
// spellings "next" and "prev".
func ParseCommand(s string) (Command, error) {
	switch s {
	case "play":
		return CommandPlay, nil
	case "pause":
		return CommandPause, nil
	case "nextTrack", "next":
		return CommandNextTrack, nil
	case "previousTrack", "prev", "previous":
		return CommandPreviousTrack, nil
	default:
		return "", fmt.Errorf("unknown remote command %q", s)
	}
}

// Status is the outcome of a dispatched command.
type Status int

const (
	StatusSuccess       Status = iota // Command handled
	StatusCommandFailed               // Handler refused in the current state
	StatusNoSuchContent               // Nothing loaded to act on
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCommandFailed:
		return "commandFailed"
	case StatusNoSuchContent:
		return "noSuchContent"
	default:
		return "unknown"
	}
}

// Handler handles one command.
type Handler func() Status

// Target is a registered handler. Pass it to RemoveTarget to unregister.
type Target struct {
	id      uint64
	command Command
}

type target struct {
	id      uint64
	handler Handler
}

// CommandCenter routes commands to the most recently registered handler.
type CommandCenter struct {
	mu      sync.Mutex
	targets map[Command][]target
	nextID  uint64
	logger  zerolog.Logger
}

// NewCommandCenter creates an empty registry.
func NewCommandCenter(logger zerolog.Logger) *CommandCenter {
	return &CommandCenter{
		targets: make(map[Command][]target),
		logger:  logger.With().Str("component", "remote").Logger(),
	}
}

var (
	defaultOnce   sync.Once
	defaultCenter *CommandCenter
)

// Default returns the process-wide command center.
func Default() *CommandCenter {
	defaultOnce.Do(func() {
		defaultCenter = NewCommandCenter(zerolog.Nop())
	})
	return defaultCenter
}

// AddTarget registers h for cmd.
func (c *CommandCenter) AddTarget(cmd Command, h Handler) *Target {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	c.targets[cmd] = append(c.targets[cmd], target{id: c.nextID, handler: h})
	return &Target{id: c.nextID, command: cmd}
}

// RemoveTarget unregisters t. Nil and already removed targets are ignored.
func (c *CommandCenter) RemoveTarget(t *Target) {
	if t == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.targets[t.command]
	for i, tg := range list {
		if tg.id == t.id {
			c.targets[t.command] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Targets returns the number of handlers registered for cmd.
func (c *CommandCenter) Targets(cmd Command) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.targets[cmd])
}

// Dispatch runs the newest handler for cmd. Without a handler the
// command has nothing to act on and reports StatusNoSuchContent.
func (c *CommandCenter) Dispatch(cmd Command) Status {
	c.mu.Lock()
	list := c.targets[cmd]
	var h Handler
	if len(list) > 0 {
		h = list[len(list)-1].handler
	}
	c.mu.Unlock()

	if h == nil {
		c.logger.Debug().Str("command", string(cmd)).Msg("No handler registered")
		return StatusNoSuchContent
	}

	status := h()
	c.logger.Debug().
		Str("command", string(cmd)).
		Str("status", status.String()).
		Msg("Dispatched remote command")
	return status
}

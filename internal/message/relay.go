package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// RelayConfig configures the NATS connection.
type RelayConfig struct {
	URL           string
	Subject       string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultRelayConfig returns the relay defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		URL:           nats.DefaultURL,
		Subject:       "earshot.messages.changed",
		Name:          "earshot",
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Relay republishes message changes received over NATS onto a Bus, so
// that the process hosting the conversation can announce deletions to a
// running player.
type Relay struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	bus    *Bus
	logger zerolog.Logger
}

// NewRelay connects to NATS and starts relaying cfg.Subject onto bus.
func NewRelay(cfg RelayConfig, bus *Bus, logger zerolog.Logger) (*Relay, error) {
	r := &Relay{
		bus:    bus,
		logger: logger.With().Str("component", "relay").Logger(),
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				r.logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			r.logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}

	sub, err := conn.Subscribe(cfg.Subject, r.handle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", cfg.Subject, err)
	}

	r.conn = conn
	r.sub = sub
	r.logger.Info().Str("url", cfg.URL).Str("subject", cfg.Subject).Msg("Relaying message changes")
	return r, nil
}

func (r *Relay) handle(msg *nats.Msg) {
	c, err := DecodeChange(msg.Data)
	if err != nil {
		r.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed message change")
		return
	}
	n := r.bus.Publish(c)
	r.logger.Debug().
		Str("message", string(c.ID)).
		Bool("deleted", c.HasBeenDeleted).
		Int("subscribers", n).
		Msg("Relayed message change")
}

// Close drains the subscription and closes the connection.
func (r *Relay) Close() error {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			r.logger.Debug().Err(err).Msg("Failed to unsubscribe")
		}
	}
	r.conn.Close()
	return nil
}

var errMissingID = errors.New("decode message change: missing id")

// DecodeChange parses a JSON change payload.
func DecodeChange(data []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(data, &c); err != nil {
		return Change{}, fmt.Errorf("decode message change: %w", err)
	}
	if c.ID == "" {
		return Change{}, errMissingID
	}
	return c, nil
}

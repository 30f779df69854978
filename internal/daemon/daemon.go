package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfmyers9/earshot/internal/control"
	"github.com/jfmyers9/earshot/internal/discord"
	"github.com/jfmyers9/earshot/internal/engine"
	"github.com/jfmyers9/earshot/internal/journal"
	"github.com/jfmyers9/earshot/internal/mainloop"
	"github.com/jfmyers9/earshot/internal/message"
	"github.com/jfmyers9/earshot/internal/nowplaying"
	"github.com/jfmyers9/earshot/internal/player"
	"github.com/jfmyers9/earshot/internal/remote"
)

// Config holds daemon configuration
type Config struct {
	StateFile     string // Path to the now-playing state file
	JournalDB     string // Path to the playback journal database
	ControlSocket string // Unix socket for control requests

	ProgressInterval time.Duration // Progress sampling period
	EndDebounce      time.Duration // Delay before an ended item completes
	FlushInterval    time.Duration // How often throttled state is written
	JournalRetention time.Duration // How long journal entries are kept

	DiscordEnabled bool
	DiscordAppID   string

	NATSEnabled bool
	NATS        message.RelayConfig
}

// Daemon hosts the player and connects it to the control socket, the
// state file, the journal and the optional Discord and NATS integrations.
type Daemon struct {
	config   Config
	loop     *mainloop.Loop
	manager  *player.Manager
	center   *nowplaying.Center
	commands *remote.CommandCenter
	bus      *message.Bus
	journal  *journal.Journal
	recorder *journal.Recorder
	state    *State
	control  *control.Server
	presence *discord.Presence
	relay    *message.Relay
	base     zerolog.Logger
	logger   zerolog.Logger

	unobserve func()
}

// New creates a new Daemon instance playing through factory
func New(cfg Config, factory engine.Factory, logger zerolog.Logger) (*Daemon, error) {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.JournalRetention <= 0 {
		cfg.JournalRetention = 30 * 24 * time.Hour
	}

	// Create state
	state, err := NewState(cfg.StateFile)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to restore state file, starting fresh")
		if state == nil {
			return nil, fmt.Errorf("failed to create state: %w", err)
		}
	}

	// Create journal
	j, err := journal.Open(cfg.JournalDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	loop := mainloop.New(logger)
	center := nowplaying.Default()
	commands := remote.Default()
	bus := message.NewBus()

	manager, err := player.NewManager(player.Options{
		Loop:             loop,
		Factory:          factory,
		Center:           center,
		Commands:         commands,
		Bus:              bus,
		ProgressInterval: cfg.ProgressInterval,
		EndDebounce:      cfg.EndDebounce,
		Logger:           logger,
	})
	if err != nil {
		loop.Close()
		j.Close()
		return nil, fmt.Errorf("failed to create player: %w", err)
	}

	d := &Daemon{
		config:   cfg,
		loop:     loop,
		manager:  manager,
		center:   center,
		commands: commands,
		bus:      bus,
		journal:  j,
		recorder: journal.NewRecorder(j, logger),
		state:    state,
		base:     logger,
		logger:   logger.With().Str("component", "daemon").Logger(),
	}

	d.control = control.NewServer(control.Config{
		Path:     cfg.ControlSocket,
		Player:   manager,
		Commands: commands,
		Bus:      bus,
		Loop:     loop,
		Logger:   logger,
	})

	if cfg.DiscordEnabled {
		d.presence = discord.New(cfg.DiscordAppID, logger)
	}

	d.unobserve = manager.Observe(player.ObserverFunc(d.stateChanged))

	return d, nil
}

// Run starts the daemon and blocks until shutdown signal received
func (d *Daemon) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Handle first signal gracefully, second signal forces exit
	go func() {
		<-sigChan
		d.logger.Info().Msg("Shutdown signal received, initiating graceful shutdown")
		cancel()

		// Second signal forces exit
		<-sigChan
		d.logger.Warn().Msg("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()

	// Run the daemon
	if err := d.run(ctx); err != nil && err != context.Canceled {
		return err
	}

	return nil
}

// run is the main daemon loop
func (d *Daemon) run(ctx context.Context) error {
	d.logger.Info().Msg("Starting daemon")

	if err := d.control.Listen(); err != nil {
		return err
	}

	if d.config.NATSEnabled {
		relay, err := message.NewRelay(d.config.NATS, d.bus, d.base)
		if err != nil {
			// Not fatal, deletions can still arrive over the control socket
			d.logger.Warn().Err(err).Msg("Message relay unavailable")
		} else {
			d.relay = relay
		}
	}

	var wg sync.WaitGroup

	// Start journal writer
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.recorder.Run(ctx)
	}()

	// Start control server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.control.Serve(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Control server error")
		}
	}()

	// Mirror the now-playing surface into the state file
	snapshots, stopSnapshots := d.center.Watch(16)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stopSnapshots()
		d.handleSnapshots(ctx, snapshots)
	}()

	// Mirror the now-playing surface into Discord
	if d.presence != nil {
		updates, stopUpdates := d.center.Watch(4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer stopUpdates()
			d.presence.Run(ctx, updates)
		}()
	}

	// Periodic housekeeping
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.housekeeping(ctx)
	}()

	// Wait for all goroutines to finish
	wg.Wait()

	d.logger.Info().Msg("Daemon stopped")
	return nil
}

// handleSnapshots writes now-playing changes to the state file
func (d *Daemon) handleSnapshots(ctx context.Context, updates <-chan nowplaying.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := d.state.ApplySnapshot(u.Snapshot, u.At); err != nil {
				d.logger.Warn().Err(err).Msg("Failed to write state file")
			}
		}
	}
}

// stateChanged runs on the player loop for every transition
func (d *Daemon) stateChanged(ev player.Event) {
	d.logger.Info().
		Str("state", ev.State.String()).
		Str("load", ev.LoadID).
		Msg("Playback state changed")

	if err := d.state.ApplyEvent(ev); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to write state file")
	}
	d.recorder.PlaybackStateChanged(ev)
}

// Manager returns the player manager
func (d *Daemon) Manager() *player.Manager {
	return d.manager
}

// Shutdown gracefully shuts down the daemon
func (d *Daemon) Shutdown() error {
	d.logger.Info().Msg("Shutting down daemon")

	d.manager.Stop()
	d.unobserve()
	d.manager.Close()
	d.loop.Close()

	if d.relay != nil {
		if err := d.relay.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to close message relay")
		}
	}

	if err := d.state.Reset(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to clear state file")
	}

	ctx := context.Background()

	// Cleanup old records
	if _, err := d.journal.Cleanup(ctx, d.config.JournalRetention); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to cleanup journal")
	}

	// Close journal
	if err := d.journal.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}

	return nil
}

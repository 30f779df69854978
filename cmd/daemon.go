package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jfmyers9/earshot/internal/config"
	"github.com/jfmyers9/earshot/internal/daemon"
	"github.com/jfmyers9/earshot/internal/engine/mpv"
	"github.com/jfmyers9/earshot/internal/message"
)

var (
	daemonLogFile  string
	daemonLogLevel string
	daemonDataDir  string
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the playback daemon",
	Long: `Run the playback daemon that hosts the player.

The daemon will:
- Play tracks handed to it over the control socket, using mpv
- Publish the now-playing track to a state file (read by 'earshot now')
  and, when enabled, to Discord Rich Presence
- Answer play/pause remote commands while a track is loaded
- Stop playback when the message that started it is deleted, announced
  over the control socket or the optional NATS relay
- Record every playback state change in a local journal
- Handle graceful shutdown on SIGINT/SIGTERM

The daemon runs in the foreground and logs to stderr by default.
Use the --log-file flag to log to a file (useful for launchd).`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	// Command-line flags
	daemonCmd.Flags().StringVar(&daemonLogFile, "log-file", "", "Log file path (default: stderr)")
	daemonCmd.Flags().StringVar(&daemonLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	daemonCmd.Flags().StringVar(&daemonDataDir, "data-dir", "", "Data directory for state and journal (default: ~/.local/share/earshot)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Set up logging
	logger := setupLogger(daemonLogFile, daemonLogLevel)

	logger.Info().
		Str("version", version).
		Msg("Starting earshot daemon")

	// Determine data directory
	dataDir := daemonDataDir
	if dataDir == "" {
		dataDir, err = config.GetDataDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
	}

	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	logger.Info().Str("data_dir", dataDir).Msg("Using data directory")

	journalPath := cfg.JournalPath
	if journalPath == "" {
		journalPath = filepath.Join(dataDir, "journal.db")
	}

	relayCfg := message.DefaultRelayConfig()
	if cfg.NATS.URL != "" {
		relayCfg.URL = cfg.NATS.URL
	}
	if cfg.NATS.Subject != "" {
		relayCfg.Subject = cfg.NATS.Subject
	}

	// Create daemon config
	daemonCfg := daemon.Config{
		StateFile:        filepath.Join(dataDir, "state.json"),
		JournalDB:        journalPath,
		ControlSocket:    controlSocket(cfg),
		ProgressInterval: cfg.ProgressInterval,
		EndDebounce:      cfg.EndDebounce,
		JournalRetention: cfg.JournalRetention,
		DiscordEnabled:   cfg.Discord.Enabled && cfg.Discord.AppID != "",
		DiscordAppID:     cfg.Discord.AppID,
		NATSEnabled:      cfg.NATS.URL != "",
		NATS:             relayCfg,
	}

	if cfg.Discord.Enabled && cfg.Discord.AppID == "" {
		logger.Warn().Msg("Discord presence enabled without discord.app_id, skipping")
	}

	// Create the mpv engine factory
	factory := mpv.NewFactory(mpv.Config{
		Path:      cfg.Engine.MPVPath,
		SocketDir: cfg.Engine.SocketDir,
		ExtraArgs: cfg.Engine.ExtraArgs,
		Logger:    logger,
	})

	// Create daemon
	d, err := daemon.New(daemonCfg, factory, logger)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	// Run daemon (blocks until shutdown signal)
	runErr := d.Run()

	// Graceful shutdown
	if err := d.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
		return err
	}
	if runErr != nil {
		return fmt.Errorf("daemon error: %w", runErr)
	}

	logger.Info().Msg("Daemon stopped")
	return nil
}

// setupLogger creates a logger with the specified configuration
func setupLogger(logFile, logLevel string) zerolog.Logger {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	// Set up output
	var output *os.File
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			output = os.Stderr
		} else {
			output = f
		}
	} else {
		output = os.Stderr
	}

	// Create logger
	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	// Use pretty console output if logging to stderr
	if output == os.Stderr {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	return logger
}

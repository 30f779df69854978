package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	// Output format template for the now command
	// Default: "{{.Author}} - {{.Title}}"
	OutputFormat string

	// Fixed output width for the now command (0 disables padding)
	OutputWidth int

	// Marquee scrolling for text wider than OutputWidth
	MarqueeEnabled   bool
	MarqueeSpeed     int
	MarqueeSeparator string

	// How often the playback progress is sampled
	ProgressInterval time.Duration

	// Delay between the end of an item and the completed transition
	EndDebounce time.Duration

	// Unix socket the daemon listens on for control requests
	ControlSocket string

	// Path of the SQLite playback journal (empty uses the data directory)
	JournalPath string

	// How long journal entries are kept
	JournalRetention time.Duration

	Engine  EngineConfig
	Discord DiscordConfig
	NATS    NATSConfig
}

// EngineConfig configures the mpv playback engine
type EngineConfig struct {
	MPVPath   string
	SocketDir string
	ExtraArgs []string
}

// DiscordConfig configures Rich Presence
type DiscordConfig struct {
	Enabled bool
	AppID   string
}

// NATSConfig configures the message-change relay. An empty URL disables it.
type NATSConfig struct {
	URL     string
	Subject string
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	v := viper.New()

	// Set config name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Config file locations (in order of precedence)
	configDir := getConfigDir()
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)

	// Read config file (optional - don't fail if missing)
	_ = v.ReadInConfig()

	// Read from environment variables
	// Nested keys map to EARSHOT_DISCORD_APP_ID and friends
	v.SetEnvPrefix("EARSHOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return fromViper(v), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output_format", "{{.Author}} - {{.Title}}")
	v.SetDefault("output_width", 0)
	v.SetDefault("marquee_enabled", false)
	v.SetDefault("marquee_speed", 2)
	v.SetDefault("marquee_separator", " • ")
	v.SetDefault("progress_interval", time.Second/60)
	v.SetDefault("end_debounce", 100*time.Millisecond)
	v.SetDefault("control_socket", filepath.Join(os.TempDir(), "earshot.sock"))
	v.SetDefault("journal_path", "")
	v.SetDefault("journal_retention", 30*24*time.Hour)
	v.SetDefault("engine.mpv_path", "mpv")
	v.SetDefault("engine.socket_dir", "")
	v.SetDefault("discord.enabled", false)
	v.SetDefault("discord.app_id", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "earshot.messages.changed")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		OutputFormat:     v.GetString("output_format"),
		OutputWidth:      v.GetInt("output_width"),
		MarqueeEnabled:   v.GetBool("marquee_enabled"),
		MarqueeSpeed:     v.GetInt("marquee_speed"),
		MarqueeSeparator: v.GetString("marquee_separator"),
		ProgressInterval: v.GetDuration("progress_interval"),
		EndDebounce:      v.GetDuration("end_debounce"),
		ControlSocket:    v.GetString("control_socket"),
		JournalPath:      v.GetString("journal_path"),
		JournalRetention: v.GetDuration("journal_retention"),
		Engine: EngineConfig{
			MPVPath:   v.GetString("engine.mpv_path"),
			SocketDir: v.GetString("engine.socket_dir"),
			ExtraArgs: v.GetStringSlice("engine.extra_args"),
		},
		Discord: DiscordConfig{
			Enabled: v.GetBool("discord.enabled"),
			AppID:   v.GetString("discord.app_id"),
		},
		NATS: NATSConfig{
			URL:     v.GetString("nats.url"),
			Subject: v.GetString("nats.subject"),
		},
	}
}

// getConfigDir returns the configuration directory path
// Creates the directory if it doesn't exist
func getConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	configDir := filepath.Join(homeDir, ".config", "earshot")

	// Create config directory if it doesn't exist
	_ = os.MkdirAll(configDir, 0755)

	return configDir
}

// GetConfigDir returns the configuration directory path (public helper)
func GetConfigDir() string {
	return getConfigDir()
}

// GetDataDir returns the directory holding the journal and state file
func GetDataDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".local", "share", "earshot"), nil
}

// Save writes configuration to file
func (c *Config) Save() error {
	return c.saveTo(filepath.Join(getConfigDir(), "config.yaml"))
}

func (c *Config) saveTo(configFile string) error {
	v := viper.New()

	v.Set("output_format", c.OutputFormat)
	v.Set("output_width", c.OutputWidth)
	v.Set("marquee_enabled", c.MarqueeEnabled)
	v.Set("marquee_speed", c.MarqueeSpeed)
	v.Set("marquee_separator", c.MarqueeSeparator)
	v.Set("progress_interval", c.ProgressInterval.String())
	v.Set("end_debounce", c.EndDebounce.String())
	v.Set("control_socket", c.ControlSocket)
	v.Set("journal_path", c.JournalPath)
	v.Set("journal_retention", c.JournalRetention.String())
	v.Set("engine.mpv_path", c.Engine.MPVPath)
	v.Set("engine.socket_dir", c.Engine.SocketDir)
	v.Set("engine.extra_args", c.Engine.ExtraArgs)
	v.Set("discord.enabled", c.Discord.Enabled)
	v.Set("discord.app_id", c.Discord.AppID)
	v.Set("nats.url", c.NATS.URL)
	v.Set("nats.subject", c.NATS.Subject)

	return v.WriteConfigAs(configFile)
}

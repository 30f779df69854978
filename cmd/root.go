package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// socketPath overrides the configured control socket
var socketPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "earshot",
	Short: "Play audio tracks shared in conversations",
	Long: `earshot plays audio tracks referenced from conversation messages.

It runs as a background daemon that hosts the player, publishes what is
playing, and stops playback when the message that started it is deleted.
The remaining commands talk to the daemon over its control socket.

It also provides a CLI command to print the currently playing track,
useful for displaying in tmux status lines or other status bars.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Control socket path (overrides config)")
}

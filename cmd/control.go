package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfmyers9/earshot/internal/config"
	"github.com/jfmyers9/earshot/internal/control"
	"github.com/jfmyers9/earshot/internal/track"
)

var (
	loadTitle    string
	loadAuthor   string
	loadArtwork  string
	loadDuration time.Duration
	loadPreview  string
	loadExternal string
	loadMessage  string
	loadPlay     bool
	loadNoWait   bool
	statusJSON   bool
)

// loadCmd represents the load command
var loadCmd = &cobra.Command{
	Use:   "load <location>",
	Short: "Load a track into the player",
	Long: `Load a track into the daemon's player.

The location may be a URL or a local file path. By default the command
waits until the engine is ready (or has failed) and reports the outcome.
With --message, deleting that message (see 'earshot delete') stops playback.`,
	Args: cobra.ExactArgs(1),
	RunE: runLoad,
}

// playCmd represents the play command
var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Resume playback",
	Long:  `Send the play remote command. A track that played to the end restarts from the beginning.`,
	RunE:  remoteCommand("play"),
}

// pauseCmd represents the pause command
var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause playback",
	Long:  `Send the pause remote command to the player.`,
	RunE:  remoteCommand("pause"),
}

// nextCmd represents the next command
var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Send the next track remote command",
	Long:  `Send the next track remote command. The player has no queue, so this reports noSuchContent unless another handler is registered.`,
	RunE:  remoteCommand("nextTrack"),
}

// prevCmd represents the prev command
var prevCmd = &cobra.Command{
	Use:   "prev",
	Short: "Send the previous track remote command",
	Long:  `Send the previous track remote command. The player has no queue, so this reports noSuchContent unless another handler is registered.`,
	RunE:  remoteCommand("previousTrack"),
}

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop playback and unload the track",
	RunE:  simpleRequest(control.OpStop),
}

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Stop playback and replace the player with a fresh one",
	RunE:  simpleRequest(control.OpReset),
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the player state",
	RunE:  runStatus,
}

// deleteCmd represents the delete command
var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Announce that a message was deleted",
	Long:  `Tell the daemon that a message was deleted. If it started the current playback, playback stops.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(nextCmd)
	rootCmd.AddCommand(prevCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(deleteCmd)

	loadCmd.Flags().StringVar(&loadTitle, "title", "", "Track title")
	loadCmd.Flags().StringVar(&loadAuthor, "author", "", "Track author")
	loadCmd.Flags().StringVar(&loadArtwork, "artwork", "", "Artwork URL")
	loadCmd.Flags().DurationVar(&loadDuration, "duration", 0, "Advertised duration")
	loadCmd.Flags().StringVar(&loadPreview, "preview", "", "Preview stream location")
	loadCmd.Flags().StringVar(&loadExternal, "external", "", "Link to the track on its origin service")
	loadCmd.Flags().StringVarP(&loadMessage, "message", "m", "", "ID of the message the track came from")
	loadCmd.Flags().BoolVarP(&loadPlay, "play", "p", false, "Start playing once ready")
	loadCmd.Flags().BoolVar(&loadNoWait, "no-wait", false, "Return without waiting for the engine")

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw status as JSON")
}

// controlSocket returns the socket path from the flag or configuration
func controlSocket(cfg *config.Config) string {
	if socketPath != "" {
		return socketPath
	}
	return cfg.ControlSocket
}

// send performs one request against the daemon
func send(req control.Request, timeout time.Duration) (control.Response, error) {
	cfg, err := config.Load()
	if err != nil {
		return control.Response{}, fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := control.Dial(ctx, controlSocket(cfg))
	if err != nil {
		if errors.Is(err, control.ErrDaemonNotRunning) {
			return control.Response{}, fmt.Errorf("%w (start it with 'earshot daemon')", err)
		}
		return control.Response{}, err
	}
	defer func() { _ = client.Close() }()

	return client.Do(ctx, req)
}

func runLoad(cmd *cobra.Command, args []string) error {
	// Validate locations locally so typos fail fast
	for _, loc := range []string{args[0], loadPreview, loadExternal} {
		if _, err := track.ParseLocation(loc); err != nil {
			return err
		}
	}

	req := control.Request{
		Op:     control.OpLoad,
		Source: loadMessage,
		Wait:   !loadNoWait,
		Track: &control.TrackSpec{
			Title:      loadTitle,
			Author:     loadAuthor,
			Artwork:    loadArtwork,
			DurationMs: loadDuration.Milliseconds(),
			Stream:     args[0],
			Preview:    loadPreview,
			External:   loadExternal,
		},
	}

	resp, err := send(req, control.DefaultLoadTimeout+5*time.Second)
	if err != nil {
		return fmt.Errorf("failed to load: %w", err)
	}
	if resp.Loaded != nil {
		fmt.Println("✓ Track ready")
	}

	if loadPlay {
		return remoteCommand("play")(cmd, nil)
	}
	return nil
}

// remoteCommand sends a remote-control command and reports its status
func remoteCommand(name string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		resp, err := send(control.Request{Op: control.OpCommand, Command: name}, 5*time.Second)
		if err != nil {
			return fmt.Errorf("failed to send %s: %w", name, err)
		}
		if !resp.OK {
			return fmt.Errorf("%s: %s", name, resp.CommandStatus)
		}
		return nil
	}
}

func simpleRequest(op string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if _, err := send(control.Request{Op: op}, 5*time.Second); err != nil {
			return fmt.Errorf("failed to %s: %w", op, err)
		}
		return nil
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := send(control.Request{Op: control.OpStatus}, 5*time.Second)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	if statusJSON {
		return printJSON(resp.Status)
	}

	printStatus(resp.Status)
	return nil
}

func printStatus(s *control.StatusView) {
	if s == nil || s.State == "" {
		fmt.Println("Nothing loaded")
		return
	}

	fmt.Printf("State:    %s\n", s.State)
	if s.Title != "" || s.Author != "" {
		fmt.Printf("Track:    %s\n", joinNonEmpty(" - ", s.Author, s.Title))
	}
	if s.Location != "" {
		fmt.Printf("Location: %s\n", s.Location)
	}
	if s.Source != "" {
		fmt.Printf("Message:  %s\n", s.Source)
	}
	if s.DurationMs > 0 {
		fmt.Printf("Position: %s / %s (%.0f%%)\n", fmtDuration(s.Elapsed()), fmtDuration(s.Duration()), s.Progress*100)
	} else {
		fmt.Printf("Position: %s\n", fmtDuration(s.Elapsed()))
	}
	if s.Error != "" {
		fmt.Printf("Error:    %s\n", s.Error)
	}
}

func runDelete(cmd *cobra.Command, args []string) error {
	resp, err := send(control.Request{Op: control.OpMessageChanged, MessageID: args[0], Deleted: true}, 5*time.Second)
	if err != nil {
		return fmt.Errorf("failed to announce deletion: %w", err)
	}
	if resp.Delivered == 0 {
		fmt.Println("No player was following that message")
	}
	return nil
}

package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/jfmyers9/earshot/internal/config"
	"github.com/jfmyers9/earshot/internal/daemon"
)

// errNotPlaying makes runNow exit 1 without printing anything
var errNotPlaying = errors.New("not playing")

// nowCmd represents the now command
var nowCmd = &cobra.Command{
	Use:   "now",
	Short: "Display the track the daemon is playing",
	Long: `Read the daemon's state file and display the currently playing track.

The output format can be customized in ~/.config/earshot/config.yaml
using a Go template. Available fields: .Title, .Author, .Artwork, .State,
.Elapsed, .Duration, .Position, .Progress

.Elapsed and .Duration are formatted as m:ss, .Position as "m:ss / m:ss"
and .Progress as a whole percentage.

With --watch the line is re-rendered whenever the state file changes.

Exit codes:
  0 - Track is currently playing
  1 - No track playing, paused, or daemon not running`,
	RunE: runNow,
}

func init() {
	rootCmd.AddCommand(nowCmd)

	// Add format flag to override config
	nowCmd.Flags().StringP("format", "f", "", "Output format template (overrides config)")
	// Add width flag to set fixed output width
	nowCmd.Flags().IntP("width", "w", 0, "Fixed output width (0=disabled, overrides config)")
	// Add marquee flag to enable scrolling
	nowCmd.Flags().Bool("marquee", false, "Enable marquee scrolling for long text (overrides config)")
	nowCmd.Flags().Bool("watch", false, "Keep running and print a new line on every change")
	nowCmd.Flags().String("state-file", "", "State file to read (default: <data dir>/state.json)")
}

// nowView is the data handed to the output template
type nowView struct {
	Title    string
	Author   string
	Artwork  string
	State    string
	Elapsed  string
	Duration string
	Position string
	Progress int
}

// nowRenderer holds the resolved output options
type nowRenderer struct {
	format    string
	width     int
	marquee   bool
	speed     int
	separator string
}

func runNow(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	r := nowRenderer{
		format:    cfg.OutputFormat,
		width:     cfg.OutputWidth,
		marquee:   cfg.MarqueeEnabled,
		speed:     cfg.MarqueeSpeed,
		separator: cfg.MarqueeSeparator,
	}

	// Check for flag overrides
	if f, _ := cmd.Flags().GetString("format"); f != "" {
		r.format = f
	}
	if w, _ := cmd.Flags().GetInt("width"); w != 0 {
		r.width = w
	}
	if cmd.Flags().Changed("marquee") {
		r.marquee, _ = cmd.Flags().GetBool("marquee")
	}

	statePath, _ := cmd.Flags().GetString("state-file")
	if statePath == "" {
		dataDir, err := config.GetDataDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		statePath = filepath.Join(dataDir, "state.json")
	}

	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return watchNow(ctx, statePath, r)
	}

	output, err := r.render(statePath, time.Now())
	if errors.Is(err, errNotPlaying) {
		os.Exit(1)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Println(output)
	return nil
}

// render reads the state file and formats the current track. It returns
// errNotPlaying when nothing is playing or the daemon never wrote the file.
func (r nowRenderer) render(statePath string, now time.Time) (string, error) {
	np, err := daemon.ReadNowPlaying(statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errNotPlaying
		}
		return "", fmt.Errorf("failed to read state: %w", err)
	}
	if !np.Playing() {
		return "", errNotPlaying
	}

	output, err := formatNowPlaying(np, r.format, now)
	if err != nil {
		return "", fmt.Errorf("failed to format output: %w", err)
	}

	if r.width > 0 {
		if r.marquee {
			output = marqueeText(output, r.width, r.speed, r.separator)
		} else {
			output = padToWidth(output, r.width)
		}
	}
	return output, nil
}

// watchNow prints a line each time the rendered output changes. The
// directory is watched because the daemon replaces the file by rename.
// A one-second tick keeps the position and marquee moving.
func watchNow(ctx context.Context, statePath string, r nowRenderer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(statePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := "\x00"
	show := func() {
		output, err := r.render(statePath, time.Now())
		if errors.Is(err, errNotPlaying) {
			output, err = "", nil
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}
		if output != last {
			fmt.Println(output)
			last = output
		}
	}

	show()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(statePath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				show()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		case <-ticker.C:
			show()
		}
	}
}

// formatNowPlaying applies the template to the state file contents
func formatNowPlaying(np *daemon.NowPlaying, templateStr string, now time.Time) (string, error) {
	tmpl, err := template.New("output").Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("invalid template: %w", err)
	}

	pos := np.Position(now)
	view := nowView{
		Title:    np.Title,
		Author:   np.Author,
		Artwork:  np.Artwork,
		State:    np.State,
		Elapsed:  fmtDuration(pos),
		Duration: fmtDuration(np.Duration),
		Position: fmtDuration(pos),
	}
	if np.Duration > 0 {
		view.Position = fmtDuration(pos) + " / " + fmtDuration(np.Duration)
		view.Progress = int(pos * 100 / np.Duration)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("template execution failed: %w", err)
	}

	return buf.String(), nil
}

// fmtDuration formats d as m:ss, or h:mm:ss past an hour
func fmtDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d.Round(time.Second) / time.Second)
	if s >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", s/3600, s%3600/60, s%60)
	}
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

// padToWidth pads or truncates text to a fixed display width.
// Width is measured in display columns, accounting for Unicode characters.
// If text is longer than width, it is truncated with a "..." suffix.
func padToWidth(text string, width int) string {
	if width <= 0 {
		return text
	}

	currentWidth := runewidth.StringWidth(text)

	switch {
	case currentWidth > width:
		const ellipsis = "..."
		ellipsisWidth := runewidth.StringWidth(ellipsis)
		if width <= ellipsisWidth {
			return runewidth.Truncate(ellipsis, width, "")
		}

		result := runewidth.Truncate(text, width-ellipsisWidth, "") + ellipsis
		// Wide runes can leave the truncation one column short
		if w := runewidth.StringWidth(result); w < width {
			return result + strings.Repeat(" ", width-w)
		}
		return result
	case currentWidth < width:
		return text + strings.Repeat(" ", width-currentWidth)
	}

	return text
}

// marqueeText scrolls text wider than width through a fixed window.
// The offset is derived from the wall clock (speed columns per second) so
// repeated invocations from a status bar advance without shared state.
// Text that fits is padded instead.
func marqueeText(text string, width int, speed int, separator string) string {
	return marqueeAt(text, width, speed, separator, time.Now())
}

func marqueeAt(text string, width int, speed int, separator string, now time.Time) string {
	if width <= 0 {
		return text
	}
	if runewidth.StringWidth(text) <= width {
		return padToWidth(text, width)
	}

	extended := []rune(text + separator)
	total := len(extended)
	position := int((now.Unix() * int64(speed)) % int64(total))
	if position < 0 {
		position += total
	}

	// Walk the loop from position until the window is full
	var b strings.Builder
	resultWidth := 0
	for i := 0; i < total; i++ {
		r := extended[(position+i)%total]
		rw := runewidth.RuneWidth(r)
		if resultWidth+rw > width {
			break
		}
		b.WriteRune(r)
		resultWidth += rw
	}

	if resultWidth < width {
		b.WriteString(strings.Repeat(" ", width-resultWidth))
	}
	return b.String()
}

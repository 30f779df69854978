package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfmyers9/earshot/internal/config"
	"github.com/jfmyers9/earshot/internal/journal"
)

var (
	historyLimit int
	historyLoad  string
	historyJSON  bool
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent playback state transitions",
	Long: `Show playback state transitions recorded in the daemon's journal.

By default the most recent transitions are listed newest first. With --load
every transition of a single load is listed in order.`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of transitions to show (0=all)")
	historyCmd.Flags().StringVar(&historyLoad, "load", "", "Show the transitions of one load ID")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print entries as JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	path := cfg.JournalPath
	if path == "" {
		dataDir, err := config.GetDataDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(dataDir, "journal.db")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("No journal yet (has the daemon run?)")
		return nil
	}

	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var entries []journal.Entry
	if historyLoad != "" {
		entries, err = j.ForLoad(ctx, historyLoad)
	} else {
		entries, err = j.Recent(ctx, historyLimit)
	}
	if err != nil {
		return err
	}

	if historyJSON {
		return printJSON(entries)
	}
	printEntries(entries)
	return nil
}

func printEntries(entries []journal.Entry) {
	if len(entries) == 0 {
		fmt.Println("No transitions recorded")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSTATE\tELAPSED\tTRACK\tLOAD")
	for _, e := range entries {
		state := e.State
		if e.Error != "" {
			state += " (" + e.Error + ")"
		}
		name := joinNonEmpty(" - ", e.Author, e.Title)
		if name == "" {
			name = e.Location
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.At.Local().Format("2006-01-02 15:04:05"), state, fmtDuration(e.Elapsed), name, e.LoadID)
	}
	_ = w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

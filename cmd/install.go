package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jfmyers9/earshot/internal/config"
	"github.com/jfmyers9/earshot/internal/daemon"
)

var installLogLevel string

// installCmd represents the install command
var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Run the player daemon at login",
	Long: `Register 'earshot daemon' as a launchd agent so the player is always
available on the control socket.

launchd starts agents with a minimal PATH. The directory holding mpv
(engine.mpv_path, resolved against your current PATH) is put first on
the agent's PATH, followed by the Homebrew and system directories. If mpv
cannot be found the agent is still installed, but every load will fail
until mpv is installed or engine.mpv_path points at it.

Running install again replaces the agent with the current binary.`,
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)

	installCmd.Flags().StringVar(&installLogLevel, "log-level", "info", "Log level passed to the daemon")
}

func runInstall(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	binaryPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	binaryPath, err = filepath.EvalSymlinks(binaryPath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	logPath, err := daemon.GetDefaultLogPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(logPath, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	var mpvDir string
	if mpv, err := exec.LookPath(cfg.Engine.MPVPath); err != nil {
		fmt.Printf("! mpv not found (%s): install it or set engine.mpv_path before loading tracks\n", cfg.Engine.MPVPath)
	} else {
		mpvDir = filepath.Dir(mpv)
	}

	plistPath, warning, err := daemon.InstallAgent(daemon.PlistConfig{
		BinaryPath:       binaryPath,
		LogPath:          logPath,
		LogLevel:         installLogLevel,
		WorkingDirectory: home,
		Path:             daemon.AgentPath(mpvDir),
	})
	if warning != "" {
		fmt.Printf("! previous agent: %s\n", warning)
	}
	if err != nil {
		return fmt.Errorf("failed to install agent: %w", err)
	}

	fmt.Printf("✓ Agent %s installed at %s\n", daemon.LaunchdLabel, plistPath)
	fmt.Printf("✓ Daemon logs: %s\n", logPath)
	fmt.Printf("✓ Control socket: %s\n", controlSocket(cfg))
	fmt.Println("\nTry it:")
	fmt.Println("  earshot load --play <url-or-file>")
	fmt.Println("  earshot status")
	return nil
}

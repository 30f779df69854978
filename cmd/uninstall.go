package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfmyers9/earshot/internal/daemon"
)

// uninstallCmd represents the uninstall command
var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop running the player daemon at login",
	Long: `Stop the launchd agent installed by 'earshot install' and remove its
plist. Whatever is playing stops with it. The journal, configuration and
logs are left in place.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		removed, warning, err := daemon.UninstallAgent()
		if warning != "" {
			fmt.Printf("! %s\n", warning)
		}
		if err != nil {
			return fmt.Errorf("failed to uninstall agent: %w", err)
		}
		if !removed {
			fmt.Println("earshot is not installed")
			return nil
		}

		fmt.Printf("✓ Agent %s removed\n", daemon.LaunchdLabel)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(uninstallCmd)
}

package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

// LaunchdLabel identifies the agent in launchd.
const LaunchdLabel = "com.earshot.daemon"

const plistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.BinaryPath}}</string>
		<string>daemon</string>
		<string>--log-level</string>
		<string>{{.LogLevel}}</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
	<key>ProcessType</key>
	<string>Interactive</string>
	<key>StandardOutPath</key>
	<string>{{.LogPath}}/earshot.log</string>
	<key>StandardErrorPath</key>
	<string>{{.LogPath}}/earshot.err</string>
	<key>WorkingDirectory</key>
	<string>{{.WorkingDirectory}}</string>
	<key>EnvironmentVariables</key>
	<dict>
		<key>PATH</key>
		<string>{{.Path}}</string>
	</dict>
</dict>
</plist>
`

// defaultAgentPath includes Homebrew prefixes so the agent finds mpv.
const defaultAgentPath = "/opt/homebrew/bin:/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin"

// PlistConfig holds the configuration for generating a launchd plist
type PlistConfig struct {
	BinaryPath       string
	LogPath          string
	LogLevel         string // Defaults to "info"
	WorkingDirectory string
	Path             string // PATH for the agent, defaults to defaultAgentPath
}

// GeneratePlist generates a launchd plist file from the template
func GeneratePlist(config PlistConfig) (string, error) {
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.Path == "" {
		config.Path = defaultAgentPath
	}

	tmpl, err := template.New("plist").Parse(plistTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse plist template: %w", err)
	}

	data := struct {
		PlistConfig
		Label string
	}{config, LaunchdLabel}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute plist template: %w", err)
	}

	return buf.String(), nil
}

// AgentPath returns the PATH handed to the agent: dirs first, then the
// defaults, without empty or repeated entries.
func AgentPath(dirs ...string) string {
	all := append(append([]string(nil), dirs...), filepath.SplitList(defaultAgentPath)...)
	seen := make(map[string]bool, len(all))
	parts := make([]string, 0, len(all))
	for _, d := range all {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		parts = append(parts, d)
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

// GetPlistPath returns the path where the plist should be installed
func GetPlistPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(home, "Library", "LaunchAgents", LaunchdLabel+".plist"), nil
}

// GetDefaultLogPath returns the default path for daemon logs
func GetDefaultLogPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(home, ".local", "share", "earshot", "logs"), nil
}

// launchctl runs launchctl and returns its combined output. Replaced in
// tests.
var launchctl = func(args ...string) ([]byte, error) {
	return exec.Command("launchctl", args...).CombinedOutput()
}

// guiDomain returns the launchd domain of the current user.
func guiDomain() string {
	return fmt.Sprintf("gui/%d", os.Getuid())
}

// Bootstrap loads the agent described by plistPath.
func Bootstrap(plistPath string) error {
	output, err := launchctl("bootstrap", guiDomain(), plistPath)
	if err != nil {
		if msg := strings.TrimSpace(string(output)); msg != "" {
			return fmt.Errorf("launchctl bootstrap failed: %s", msg)
		}
		return fmt.Errorf("failed to run launchctl bootstrap: %w", err)
	}
	return nil
}

// Bootout unloads the agent. An agent that is not loaded is not an
// error; the launchctl message is returned as a warning instead.
func Bootout() (warning string, err error) {
	output, err := launchctl("bootout", guiDomain()+"/"+LaunchdLabel)
	if err != nil {
		msg := strings.TrimSpace(string(output))
		if msg == "" {
			return "", fmt.Errorf("failed to run launchctl bootout: %w", err)
		}
		return msg, nil
	}
	return "", nil
}

// InstallAgent writes the plist for config and (re)loads the agent. Any
// loaded copy is booted out first; launchctl's note about an agent that
// was not loaded comes back as warning.
func InstallAgent(config PlistConfig) (plistPath, warning string, err error) {
	content, err := GeneratePlist(config)
	if err != nil {
		return "", "", err
	}

	plistPath, err = GetPlistPath()
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(filepath.Dir(plistPath), 0755); err != nil {
		return "", "", fmt.Errorf("failed to create LaunchAgents directory: %w", err)
	}

	if _, statErr := os.Stat(plistPath); statErr == nil {
		warning, err = Bootout()
		if err != nil {
			warning = err.Error()
		}
	}

	if err := os.WriteFile(plistPath, []byte(content), 0644); err != nil {
		return "", warning, fmt.Errorf("failed to write plist: %w", err)
	}
	if err := Bootstrap(plistPath); err != nil {
		return plistPath, warning, err
	}
	return plistPath, warning, nil
}

// UninstallAgent boots the agent out and removes its plist. removed is
// false when no plist was installed. A failed bootout does not stop the
// plist from being removed; it is reported as warning.
func UninstallAgent() (removed bool, warning string, err error) {
	plistPath, err := GetPlistPath()
	if err != nil {
		return false, "", err
	}
	if _, err := os.Stat(plistPath); os.IsNotExist(err) {
		return false, "", nil
	}

	warning, err = Bootout()
	if err != nil {
		warning = err.Error()
	}
	if err := os.Remove(plistPath); err != nil {
		return false, warning, fmt.Errorf("failed to remove plist: %w", err)
	}
	return true, warning, nil
}

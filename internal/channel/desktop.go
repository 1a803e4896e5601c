package channel

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/t77yq/hazard-announcer/internal/model"
)

const desktopTimeout = 5 * time.Second

// CommandRunner runs an external command to completion
type CommandRunner func(ctx context.Context, name string, args ...string) error

func runCommand(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// DesktopNotifier raises an OS desktop notification via notify-send on Linux
// and osascript on macOS
type DesktopNotifier struct {
	appName string
	goos    string
	run     CommandRunner
}

// NewDesktopNotifier creates a notifier for the running platform
func NewDesktopNotifier(appName string) *DesktopNotifier {
	return &DesktopNotifier{appName: appName, goos: runtime.GOOS, run: runCommand}
}

func (n *DesktopNotifier) Name() string { return model.ChannelDesktop }

// Notify shows a desktop popup for a
func (n *DesktopNotifier) Notify(ctx context.Context, a *model.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, desktopTimeout)
	defer cancel()

	title := a.Title
	if title == "" {
		title = fmt.Sprintf("%s alert", a.Kind)
	}

	switch n.goos {
	case "linux":
		urgency := "normal"
		if a.Severity >= model.AlertSeverityCritical {
			urgency = "critical"
		}
		return n.run(ctx, "notify-send", "--urgency", urgency, "--app-name", n.appName, title, a.Message)
	case "darwin":
		script := fmt.Sprintf(`display notification "%s" with title "%s"`,
			escapeAppleScript(a.Message), escapeAppleScript(title))
		return n.run(ctx, "osascript", "-e", script)
	default:
		return fmt.Errorf("desktop notifications unsupported on %s", n.goos)
	}
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

package agent

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// ADBProber reports whether an Android device answers `adb get-state`.
// Plugged into the device pool it keeps unreachable devices out of the
// idle set at registration and refresh time.
func ADBProber(ctx context.Context, deviceID string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, "adb", "-s", deviceID, "get-state").Output() // #nosec G204
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "device"
}

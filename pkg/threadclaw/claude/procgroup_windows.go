//go:build windows

package claude

import "os/exec"

// setProcessGroup is a no-op on Windows; exec.CommandContext kills the
// direct child only.
func setProcessGroup(_ *exec.Cmd) {}

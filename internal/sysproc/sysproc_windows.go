//go:build windows

package sysproc

import "os/exec"

// Configure is a no-op; Windows has no process groups to join.
func Configure(cmd *exec.Cmd) {}

// Terminate kills cmd.
func Terminate(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

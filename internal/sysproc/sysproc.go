// Package sysproc runs child processes in their own process group so that
// cancelling one also stops everything it spawned.
package sysproc

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Bind puts cmd in its own process group and makes context cancellation
// kill the whole group. After the process exits, Wait gives inherited
// output pipes waitDelay to close before forcing them shut.
//
// cmd must have been created with exec.CommandContext and not yet started.
func Bind(cmd *exec.Cmd, waitDelay time.Duration) {
	Configure(cmd)
	cmd.Cancel = func() error {
		err := Terminate(cmd)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = waitDelay
}

//go:build !windows

package jobs

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

func configureCmdSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func (e *execution) terminate(grace time.Duration) error {
	if e.cmd.Process == nil {
		return nil
	}
	pid := e.cmd.Process.Pid

	// Attempt a graceful shutdown first.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal process group %s: %w", e.name, err)
	}
	select {
	case <-e.done:
		return nil
	case <-time.After(grace):
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group %s: %w", e.name, err)
	}
	<-e.done
	return nil
}

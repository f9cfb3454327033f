//go:build windows

package jobs

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

func configureCmdSysProcAttr(cmd *exec.Cmd) {}

func (e *execution) terminate(grace time.Duration) error {
	if e.cmd.Process == nil {
		return nil
	}
	// Attempt a graceful shutdown first.
	_ = e.cmd.Process.Signal(os.Interrupt)

	select {
	case <-e.done:
		return nil
	case <-time.After(grace):
	}

	if err := e.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill process %s: %w", e.name, err)
	}
	<-e.done
	return nil
}

//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// configureCommand puts the child in its own process group and asks the
// kernel to kill it when the supervisor thread dies.
func configureCommand(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

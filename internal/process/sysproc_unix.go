//go:build unix && !linux

package process

import (
	"os/exec"
	"syscall"
)

// configureCommand puts the child in its own process group.
func configureCommand(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

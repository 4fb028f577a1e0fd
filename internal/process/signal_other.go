//go:build !unix

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func configureCommand(*exec.Cmd) {}

func signalGroup(p *os.Process, _ syscall.Signal) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

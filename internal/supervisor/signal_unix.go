//go:build !windows

package supervisor

import (
	"os"
	"syscall"
)

func sendInterrupt(p *os.Process) error { return p.Signal(syscall.SIGINT) }
func sendTerminate(p *os.Process) error { return p.Signal(syscall.SIGTERM) }
func sendKill(p *os.Process) error      { return p.Signal(syscall.SIGKILL) }

//go:build windows

package supervisor

import "os"

// Windows has no SIGINT/SIGTERM delivery to an arbitrary process; the
// interrupt escalation ladder degrades to Kill at every step.
func sendInterrupt(p *os.Process) error { return p.Kill() }
func sendTerminate(p *os.Process) error { return p.Kill() }
func sendKill(p *os.Process) error { return p.Kill() }

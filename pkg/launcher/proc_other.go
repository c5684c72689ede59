//go:build !unix

package launcher

import (
	"os"
	"os/exec"
)

// stopSignal asks a node to shut down gracefully
var stopSignal = os.Interrupt

func setProcessGroup(cmd *exec.Cmd) {}

// terminate signals the node process only; there are no process groups
func terminate(p *os.Process) error {
	return p.Signal(stopSignal)
}

func forceKill(p *os.Process) error {
	return p.Kill()
}

func groupAlive(p *os.Process) bool {
	return false
}

//go:build unix

package launcher

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// stopSignal asks a node to shut down gracefully
const stopSignal = syscall.SIGTERM

// setProcessGroup starts the node in its own process group, so a wrapper
// command such as `go run` is torn down together with the binary it builds
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	err := syscall.Kill(-p.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// terminate sends stopSignal to every process in the node's group
func terminate(p *os.Process) error {
	return signalGroup(p, stopSignal)
}

// forceKill sends SIGKILL to every process in the node's group
func forceKill(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}

// groupAlive reports whether any process of the node's group still exists
func groupAlive(p *os.Process) bool {
	err := syscall.Kill(-p.Pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

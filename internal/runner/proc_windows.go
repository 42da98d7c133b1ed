//go:build windows

package runner

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup creates the child in a new process group so
// termination reaches the whole tree.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// signalGroup has no graceful group signal on Windows; Kill is the
// only reliable delivery.
func signalGroup(cmd *exec.Cmd, _ os.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// groupAlive always reports false; Kill is synchronous on Windows.
func groupAlive(cmd *exec.Cmd) bool { return false }

func termSignal() os.Signal { return os.Kill }
func killSignal() os.Signal { return os.Kill }

func killedBySignal(state *os.ProcessState) bool {
	return false
}

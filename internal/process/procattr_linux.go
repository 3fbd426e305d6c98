//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group.
// This allows us to kill all child processes together.
// On Linux, we also set Pdeathsig to ensure the child is killed if the parent dies
// unexpectedly (SIGKILL, crash, etc.) before calling Handle.Terminate/Kill.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// killProcessGroup kills the entire process group for the given PID.
// Returns nil if successful, or an error if the kill failed.
func killProcessGroup(pid int) error {
	// Kill the entire process group by using negative PID
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// terminateProcessGroup sends SIGTERM to the entire process group for graceful shutdown.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// pauseProcessGroup sends SIGSTOP to the entire process group.
func pauseProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGSTOP)
}

// resumeProcessGroup sends SIGCONT to the entire process group.
func resumeProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGCONT)
}

//go:build windows

package process

import (
	"os"
	"os/exec"
)

// terminateProcess kills the process on Windows.
// Windows does not support SIGTERM; process termination is immediate.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}

// processGroupID has no direct Windows analogue; job objects are keyed by
// the leading process's pid, so the group id and the pid are the same value.
func processGroupID(pid int) (int, error) {
	return pid, nil
}

// waitStatusExitCode extracts the exit code from an *exec.ExitError. Windows
// does not expose POSIX signal numbers, so the "terminated by signal"
// negative-code convention from spec.md §4.2 does not apply here.
func waitStatusExitCode(exitErr *exec.ExitError) (code int, signal string) {
	return exitErr.ExitCode(), ""
}

// waitPtyProcess waits for the PTY process to exit and returns exit info.
// On Windows, uses cmd.Process.Wait() since the process may have been started
// via ConPTY rather than cmd.Start().
func waitPtyProcess(cmd *exec.Cmd, _ PtyHandle) (exitCode int, signalName string, err error) {
	state, err := cmd.Process.Wait()
	if err != nil {
		return 1, "", err
	}
	code := state.ExitCode()
	if code != 0 {
		return code, "", &exec.ExitError{ProcessState: state}
	}
	return 0, "", nil
}

//go:build unix

package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"syscall"
)

// configureProcess puts the child in its own process group so the whole tree
// can be signalled at once.
func configureProcess(cmd *exec.Cmd, isolateNetwork bool) error {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	if isolateNetwork {
		return applyNetworkIsolation(cmd.SysProcAttr)
	}
	return nil
}

// killGroup sends SIGKILL to the child's process group.
func killGroup(cmd *exec.Cmd) {
	signalGroup(cmd, syscall.SIGKILL)
}

// terminateGroup asks the child's process group to exit.
func terminateGroup(cmd *exec.Cmd) {
	signalGroup(cmd, syscall.SIGTERM)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		_ = cmd.Process.Signal(sig)
	}
}

// rusagePeakKB returns the peak RSS reported by the kernel for a reaped
// process.
func rusagePeakKB(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return 0
	}
	if runtime.GOOS == "darwin" {
		// Maxrss is in bytes on darwin.
		return int64(ru.Maxrss) / 1024
	}
	return int64(ru.Maxrss)
}

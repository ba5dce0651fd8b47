//go:build !unix

package sandbox

import (
	"errors"
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd, isolateNetwork bool) error {
	if isolateNetwork {
		return errors.New("network isolation is not supported on this platform")
	}
	return nil
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func terminateGroup(cmd *exec.Cmd) {
	killGroup(cmd)
}

func rusagePeakKB(*os.ProcessState) int64 {
	return 0
}

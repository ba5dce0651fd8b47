//go:build unix && !linux

package sandbox

import (
	"errors"
	"syscall"
)

func applyNetworkIsolation(*syscall.SysProcAttr) error {
	return errors.New("network isolation requires linux namespaces")
}

//go:build linux

package sandbox

import (
	"os"
	"syscall"
)

// applyNetworkIsolation starts the child in new user and network namespaces.
// The new network namespace only has a down loopback interface.
func applyNetworkIsolation(attr *syscall.SysProcAttr) error {
	attr.Cloneflags |= syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	return nil
}

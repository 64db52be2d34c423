//go:build linux
// +build linux

package styx

import (
	"os"
	"strings"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

func IsRoot() bool {
	return os.Geteuid() == 0
}

// HasNetAdmin reports whether CAP_NET_ADMIN is in the effective set.
func HasNetAdmin() bool {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return false
	}
	return data[0].Effective&(1<<uint(unix.CAP_NET_ADMIN)) != 0
}

// IsSysbox reports whether the outer runtime is Sysbox, whose user-namespace
// isolation already fences the sandbox network.
func IsSysbox() bool {
	mounts, err := mountinfo.GetMounts(func(i *mountinfo.Info) (skip, stop bool) {
		hit := i.Source == "sysboxfs" || strings.Contains(i.FSType, "sysboxfs")
		return !hit, hit
	})
	return err == nil && len(mounts) > 0
}

//go:build !linux
// +build !linux

package styx

import "os"

func IsRoot() bool {
	return os.Geteuid() == 0
}

func HasNetAdmin() bool {
	return false
}

func IsSysbox() bool {
	return false
}

//go:build !linux
// +build !linux

package styx

import (
	"context"
	"fmt"
	"net/netip"
)

type stubLinks struct{}

// NewLocalLinks returns an inspector that reports local interfaces as
// unsupported; on these platforms the engine runs in a VM.
func NewLocalLinks() LinkInspector {
	return stubLinks{}
}

func (stubLinks) LinkExists(ctx context.Context, name string) (bool, error) {
	return false, fmt.Errorf("link inspection not supported on non-Linux platforms")
}

func (stubLinks) LinkAddr(ctx context.Context, name string) (netip.Prefix, error) {
	return netip.Prefix{}, fmt.Errorf("link inspection not supported on non-Linux platforms")
}

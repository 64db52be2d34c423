package domain

import (
	"errors"
	"fmt"
	"net/netip"
)

// Environments

type Environment string

const (
	EnvHost    Environment = "host"
	EnvNested  Environment = "nested"
	EnvVMProxy Environment = "vm-proxy"
)

// ErrInvalidContext is returned when a NetworkContext is missing any of its
// address fields. Rule operations must not proceed on such a context.
var ErrInvalidContext = errors.New("incomplete network context")

// NetworkContext describes the bridge that sandboxes attach to in the
// current execution environment. It is derived fresh for every operation.
type NetworkContext struct {
	Environment Environment  `json:"environment" yaml:"environment"`
	BridgeName  string       `json:"bridge_name" yaml:"bridge_name"`
	Gateway     netip.Addr   `json:"gateway" yaml:"gateway"`
	Subnet      netip.Prefix `json:"subnet" yaml:"subnet"`
}

// Validate fails closed: every address field must be populated and IPv4.
func (nc NetworkContext) Validate() error {
	switch nc.Environment {
	case EnvHost, EnvNested, EnvVMProxy:
	default:
		return fmt.Errorf("%w: unknown environment %q", ErrInvalidContext, nc.Environment)
	}
	if nc.BridgeName == "" {
		return fmt.Errorf("%w: bridge name is empty", ErrInvalidContext)
	}
	if !nc.Gateway.IsValid() || !nc.Gateway.Is4() {
		return fmt.Errorf("%w: gateway address is missing or not IPv4", ErrInvalidContext)
	}
	if !nc.Subnet.IsValid() || !nc.Subnet.Addr().Is4() {
		return fmt.Errorf("%w: subnet is missing or not IPv4", ErrInvalidContext)
	}
	return nil
}

func (nc NetworkContext) String() string {
	return fmt.Sprintf("%s bridge=%s gateway=%s subnet=%s", nc.Environment, nc.BridgeName, nc.Gateway, nc.Subnet)
}

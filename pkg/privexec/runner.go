package privexec

import (
	"context"
	"os/exec"
)

// Runner executes a single process and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	// Never let sudo or a remote shell block on a prompt.
	cmd.Stdin = nil
	return cmd.CombinedOutput()
}

package chain

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/containai/containai/pkg/privexec"
)

// ExecChain drives the chain through the privileged executor, which covers
// sudo elevation and the remote shell into a proxy VM.
type ExecChain struct {
	name string
	exec *privexec.Executor
}

func NewExecChain(name string, exec *privexec.Executor) *ExecChain {
	return &ExecChain{name: name, exec: exec}
}

func (c *ExecChain) Name() string {
	return c.name
}

func (c *ExecChain) run(ctx context.Context, args ...string) (string, error) {
	res := c.exec.Run(ctx, append([]string{"-w", "-t", filterTable}, args...)...)
	if res.Kind == privexec.KindFailed && isMissingChain(res.Output) {
		return "", fmt.Errorf("%w: %s", ErrChainMissing, strings.TrimSpace(res.Output))
	}
	if err := res.Err(); err != nil {
		return "", err
	}
	return res.Output, nil
}

func (c *ExecChain) List(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "-S", c.name)
	if err != nil {
		return nil, err
	}
	return ruleLines(c.name, strings.Split(out, "\n")), nil
}

func (c *ExecChain) InsertAt(ctx context.Context, pos int, args []string) error {
	_, err := c.run(ctx, append([]string{"-I", c.name, strconv.Itoa(pos)}, args...)...)
	return err
}

func (c *ExecChain) Append(ctx context.Context, args []string) error {
	_, err := c.run(ctx, append([]string{"-A", c.name}, args...)...)
	return err
}

func (c *ExecChain) Delete(ctx context.Context, pos int) error {
	_, err := c.run(ctx, "-D", c.name, strconv.Itoa(pos))
	return err
}

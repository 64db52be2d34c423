package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/containai/containai/pkg/privexec"
	"github.com/coreos/go-iptables/iptables"
)

const filterTable = "filter"

// IPTablesChain drives the chain through go-iptables. It needs the process
// to hold CAP_NET_ADMIN itself.
type IPTablesChain struct {
	name string
	ipt  *iptables.IPTables
}

func NewIPTablesChain(name string) (*IPTablesChain, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize iptables: %v", privexec.ErrToolMissing, err)
	}
	return &IPTablesChain{name: name, ipt: ipt}, nil
}

func (c *IPTablesChain) Name() string {
	return c.name
}

func (c *IPTablesChain) List(ctx context.Context) ([]string, error) {
	lines, err := c.ipt.List(filterTable, c.name)
	if err != nil {
		return nil, translate(err)
	}
	return ruleLines(c.name, lines), nil
}

func (c *IPTablesChain) InsertAt(ctx context.Context, pos int, args []string) error {
	return translate(c.ipt.Insert(filterTable, c.name, pos, args...))
}

func (c *IPTablesChain) Append(ctx context.Context, args []string) error {
	return translate(c.ipt.Append(filterTable, c.name, args...))
}

func (c *IPTablesChain) Delete(ctx context.Context, pos int) error {
	// A bare ordinal as the rulespec deletes by position.
	return translate(c.ipt.Delete(filterTable, c.name, strconv.Itoa(pos)))
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var iptErr *iptables.Error
	if errors.As(err, &iptErr) && isMissingChain(msg) {
		return fmt.Errorf("%w: %s", ErrChainMissing, strings.TrimSpace(msg))
	}
	if strings.Contains(strings.ToLower(msg), "permission denied") {
		return fmt.Errorf("%w: %s", privexec.ErrPermission, strings.TrimSpace(msg))
	}
	return err
}

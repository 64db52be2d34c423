package styx

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/containai/containai/pkg/hermes"
	"github.com/containai/containai/pkg/privexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRemote(r privexec.Runner) *RemoteInspector {
	return NewRemoteInspector(privexec.NewExecutor(r, nil, hermes.NewNopLogger()).WithShell([]string{"limactl", "shell", "vm", "--"}))
}

func TestRemoteInspector_LinkExists(t *testing.T) {
	r := &privexec.MockRunner{}
	r.On("limactl", "shell", "vm", "--", "ip", "link", "show", "docker0").Return([]byte("5: docker0: <NO-CARRIER,BROADCAST,MULTICAST,UP>"), nil)
	r.On("limactl", "shell", "vm", "--", "ip", "link", "show", "cai0").
		Return([]byte(`Device "cai0" does not exist.`), errors.New("exit status 1"))

	remote := newRemote(r)
	ok, err := remote.LinkExists(context.Background(), "docker0")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = remote.LinkExists(context.Background(), "cai0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteInspector_LinkExistsVMDown(t *testing.T) {
	r := &privexec.MockRunner{}
	r.On("limactl", "shell", "vm", "--", "ip", "link", "show", "docker0").
		Return([]byte(`instance "vm" is stopped, run limactl start vm`), errors.New("exit status 1"))

	_, err := newRemote(r).LinkExists(context.Background(), "docker0")
	assert.Error(t, err)
}

func TestRemoteInspector_LinkAddr(t *testing.T) {
	r := &privexec.MockRunner{}
	r.On("limactl", "shell", "vm", "--", "ip", "-4", "-o", "addr", "show", "dev", "docker0").Return([]byte(
		"4: docker0    inet 172.17.0.1/16 brd 172.17.255.255 scope global docker0\\       valid_lft forever preferred_lft forever\n"), nil)

	p, err := newRemote(r).LinkAddr(context.Background(), "docker0")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParsePrefix("172.17.0.1/16"), p)
}

func TestParseIPAddrOutput_NoAddress(t *testing.T) {
	_, err := parseIPAddrOutput("")
	assert.Error(t, err)
}

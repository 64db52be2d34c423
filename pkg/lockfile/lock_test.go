package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	l := New(t.TempDir(), 0)
	ctx := context.Background()

	lock, err := l.Acquire(ctx, "DOCKER-USER")
	require.NoError(t, err)
	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())

	again, err := l.Acquire(ctx, "DOCKER-USER")
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquireBlocksUntilContextDone(t *testing.T) {
	l := New(t.TempDir(), 0)

	held, err := l.Acquire(context.Background(), "chain")
	require.NoError(t, err)
	defer held.Release()

	// flock locks are per open file description, so a second open contends.
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "chain")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireTimeoutBoundsWait(t *testing.T) {
	l := New(t.TempDir(), 100*time.Millisecond)

	held, err := l.Acquire(context.Background(), "chain")
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = l.Acquire(context.Background(), "chain")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAcquireCreatesPrivateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	lock, err := New(dir, 0).Acquire(context.Background(), "chain")
	require.NoError(t, err)
	defer lock.Release()

	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Zero(t, fi.Mode().Perm()&0o077)
}

func TestAcquireRejectsWritableDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o777))

	_, err := New(dir, time.Second).Acquire(context.Background(), "chain")
	assert.ErrorIs(t, err, ErrUnsafeDir)
}

func TestAcquireRejectsSymlinkedDir(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "real")
	require.NoError(t, os.Mkdir(target, 0o700))
	link := filepath.Join(base, "link")
	require.NoError(t, os.Symlink(target, link))

	_, err := New(link, time.Second).Acquire(context.Background(), "chain")
	assert.ErrorIs(t, err, ErrUnsafeDir)
}

func TestAcquireRefusesSymlinkedLockFile(t *testing.T) {
	dir := t.TempDir()
	victim := filepath.Join(t.TempDir(), "victim")
	require.NoError(t, os.WriteFile(victim, nil, 0o600))
	require.NoError(t, os.Symlink(victim, filepath.Join(dir, "chain.lock")))

	_, err := New(dir, time.Second).Acquire(context.Background(), "chain")
	assert.Error(t, err)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "cai_foo_.._bar", sanitize("cai:foo/../bar"))
}

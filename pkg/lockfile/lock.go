// Package lockfile provides advisory cross-process locks keyed by name.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const pollInterval = 50 * time.Millisecond

var ErrUnsafeDir = errors.New("unsafe lock directory")

type Locker struct {
	dir     string
	timeout time.Duration
}

// New returns a Locker keeping its files in dir. A positive timeout bounds
// every Acquire on top of the caller's context.
func New(dir string, timeout time.Duration) *Locker {
	return &Locker{dir: dir, timeout: timeout}
}

// Lock is a held lock. Release is safe to call more than once.
type Lock struct {
	f *os.File
}

// Acquire blocks until the named lock is held, ctx is done or the Locker's
// timeout expires.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lock, error) {
	if err := l.prepareDir(); err != nil {
		return nil, err
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	path := filepath.Join(l.dir, sanitize(name)+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|unix.O_NOFOLLOW, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock %s: %w", path, err)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("waiting for lock %s: %w", path, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// prepareDir creates the lock directory and refuses one that another user
// could plant lock files in.
func (l *Locker) prepareDir() error {
	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create lock dir %s: %w", l.dir, err)
	}
	var st unix.Stat_t
	if err := unix.Lstat(l.dir, &st); err != nil {
		return fmt.Errorf("failed to stat lock dir %s: %w", l.dir, err)
	}
	switch {
	case uint32(st.Mode)&unix.S_IFMT != unix.S_IFDIR:
		return fmt.Errorf("%w: %s is not a directory", ErrUnsafeDir, l.dir)
	case int(st.Uid) != os.Geteuid():
		return fmt.Errorf("%w: %s is owned by uid %d, not %d", ErrUnsafeDir, l.dir, st.Uid, os.Geteuid())
	case st.Mode&0o022 != 0:
		return fmt.Errorf("%w: %s is group or world writable", ErrUnsafeDir, l.dir)
	}
	return nil
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return cerr
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}

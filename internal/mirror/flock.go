package mirror

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// lockFileName is the advisory lock file inside the cache root. Scan
// and Watch ignore it like any other stray root file.
const lockFileName = ".lock"

// Flock is a simple class to implement filesystem advisory file locks.
type Flock struct {
	*os.File
}

// Lock acquires an advisory lock on a file without blocking.
func (l Flock) Lock() error {
	return unix.Flock(int(l.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

// Unlock releases the lock.
func (l Flock) Unlock() error {
	return unix.Flock(int(l.Fd()), unix.LOCK_UN)
}

// Lock takes an exclusive advisory lock on the cache so two daemons do
// not fight over the same staging files. The returned function releases
// the lock.
func (c *Cache) Lock() (func(), error) {
	f, err := os.OpenFile(filepath.Join(c.dir, lockFileName), os.O_RDONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "open cache lock")
	}

	fl := Flock{f}
	if err := fl.Lock(); err != nil {
		if closeErr := f.Close(); closeErr != nil {
			slog.Warn("failed to close cache lock", "error", closeErr)
		}
		return nil, errors.Wrap(err, "cache is locked by another process")
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			slog.Warn("failed to unlock cache", "error", err)
		}
		if err := f.Close(); err != nil {
			slog.Warn("failed to close cache lock", "error", err)
		}
	}, nil
}

// Package buildlock is a cross-process mutex backed by an exclusively
// created marker file.
//
// Build agents that share an output tree use it to serialize changes to
// shared files, such as the build number header or the intermediate
// directories used while assembling installers. A lock is a single bounded
// attempt: there is no waiting. A caller that does not get the lock reports
// it and skips the protected work.
//
// The lock file holds the decimal process id of the holder. It is
// informational only. A lock file older than the staleness threshold is
// assumed to be left over from a killed build, and is reclaimed.
package buildlock

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/agilityrecordbook/installer/pkg/contexts/ctxlog"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// DefaultStaleAfter is how old a lock file must be before it is reclaimed.
const DefaultStaleAfter = 300 * time.Second

// ErrBusy is returned by Do when the lock is held elsewhere.
var ErrBusy = errors.New("lock is held by another process")

// AcquireResult describes the outcome of an Acquire call.
type AcquireResult int

const (
	// Busy means the lock is held by someone else, and is not stale.
	Busy AcquireResult = iota
	// Acquired means the lock file was created by this call.
	Acquired
	// StaleReclaimed means an abandoned lock file was removed and this
	// call created a new one.
	StaleReclaimed
)

// Held reports whether the result means the caller now owns the lock.
func (r AcquireResult) Held() bool {
	return r == Acquired || r == StaleReclaimed
}

func (r AcquireResult) String() string {
	switch r {
	case Acquired:
		return "acquired"
	case StaleReclaimed:
		return "stale-reclaimed"
	case Busy:
		return "busy"
	}
	return fmt.Sprintf("AcquireResult(%d)", int(r))
}

// Lock is one logical acquisition of the lock file at path. A Lock value
// only ever removes a file it created itself.
type Lock struct {
	path       string
	staleAfter time.Duration
	now        func() time.Time
	pid        int

	mu sync.Mutex
	fh *os.File
}

type Option func(*Lock)

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(l *Lock) {
		l.staleAfter = d
	}
}

// WithClock sets the time source used for the staleness check.
func WithClock(now func() time.Time) Option {
	return func(l *Lock) {
		l.now = now
	}
}

func New(path string, opts ...Option) *Lock {
	l := &Lock{
		path:       path,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		pid:        os.Getpid(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Acquire makes a single attempt to create the lock file. If the file
// already exists and is older than the staleness threshold, it is removed
// and the create is retried exactly once. Contention is reported as Busy
// with a nil error. Errors are reserved for unexpected filesystem failures.
func (l *Lock) Acquire(ctx context.Context) (AcquireResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	logger := ctxlog.FromContext(ctx)

	if l.fh != nil {
		return Busy, errors.Errorf("lock %s already held by this acquisition", l.path)
	}

	err := l.create()
	if err == nil {
		level.Debug(logger).Log("msg", "acquired lock", "path", l.path)
		return Acquired, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return Busy, errors.Wrapf(err, "creating lock file %s", l.path)
	}

	info, err := os.Stat(l.path)
	if err != nil {
		// The holder released between our create and stat. That is
		// still contention; we don't loop.
		return Busy, nil
	}

	age := l.now().Sub(info.ModTime())
	if age <= l.staleAfter {
		level.Debug(logger).Log("msg", "lock is busy", "path", l.path, "age", age)
		return Busy, nil
	}

	level.Info(logger).Log("msg", "reclaiming stale lock", "path", l.path, "age", age)

	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Busy, nil
	}

	if err := l.create(); err != nil {
		return Busy, nil
	}

	return StaleReclaimed, nil
}

func (l *Lock) create() error {
	fh, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return err
	}

	if _, err := fh.WriteString(strconv.Itoa(l.pid)); err != nil {
		fh.Close()
		os.Remove(l.path)
		return errors.Wrap(err, "writing pid")
	}

	l.fh = fh
	return nil
}

// Release closes and removes the lock file. It is a no-op when this Lock
// does not hold it, so it is safe to call more than once. If the file was
// reclaimed as stale and recreated by another acquisition, only the handle
// is closed and the other lock is left in place.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fh == nil {
		return nil
	}

	held, heldErr := l.fh.Stat()
	closeErr := l.fh.Close()
	l.fh = nil

	current, err := os.Stat(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errors.Wrap(closeErr, "closing lock file")
	case err != nil:
		return errors.Wrapf(err, "checking lock file %s", l.path)
	case heldErr != nil:
		return errors.Wrapf(heldErr, "checking lock file %s", l.path)
	case !os.SameFile(held, current):
		return errors.Wrap(closeErr, "closing lock file")
	}

	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "removing lock file %s", l.path)
	}

	return errors.Wrap(closeErr, "closing lock file")
}

// Do runs fn while holding the lock at path. The lock is released on every
// exit path, including a panic in fn, which is re-raised after release.
// When the lock is busy fn is not called and ErrBusy is returned.
func Do(ctx context.Context, path string, fn func(context.Context) error, opts ...Option) error {
	l := New(path, opts...)

	res, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	if !res.Held() {
		return ErrBusy
	}

	defer func() {
		if err := l.Release(); err != nil {
			level.Info(ctxlog.FromContext(ctx)).Log("msg", "releasing lock", "path", path, "err", err)
		}
	}()

	return fn(ctx)
}

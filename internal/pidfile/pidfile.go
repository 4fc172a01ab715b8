// Package pidfile guards a scheduler identity with an exclusive lock file.
//
// The lock file is removed only when the owning scope exits through Release.
// A process killed without running its cleanup leaves the file behind and it
// must be removed by hand before the scheduler can start again.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// ErrAlreadyRunning is returned when the lock path already exists.
var ErrAlreadyRunning = errors.New("already running")

// Guard holds an acquired lock file open until Release.
type Guard struct {
	path string
	file *os.File
	once sync.Once
	err  error
}

// Acquire creates path, locks it exclusively and writes the current pid into it.
func Acquire(path string) (*Guard, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: lock file %s exists", ErrAlreadyRunning, path)
		}
		return nil, fmt.Errorf("create pid file: %w", err)
	}
	fail := func(err error) (*Guard, error) {
		f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	if err := lockFile(f); err != nil {
		return fail(fmt.Errorf("%w: lock %s: %v", ErrAlreadyRunning, path, err))
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		return fail(fmt.Errorf("write pid file: %w", err))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("sync pid file: %w", err))
	}
	return &Guard{path: path, file: f}, nil
}

// Path returns the lock file path.
func (g *Guard) Path() string { return g.path }

// Release closes the handle and deletes the lock file. It is safe to call more than once.
func (g *Guard) Release() error {
	g.once.Do(func() {
		closeErr := g.file.Close()
		removeErr := os.Remove(g.path)
		if removeErr != nil && errors.Is(removeErr, os.ErrNotExist) {
			removeErr = nil
		}
		g.err = errors.Join(closeErr, removeErr)
	})
	return g.err
}

// Do runs fn and releases the guard on every exit path, including a panic.
func (g *Guard) Do(fn func() error) (err error) {
	defer func() {
		if relErr := g.Release(); relErr != nil && err == nil {
			err = fmt.Errorf("release pid file: %w", relErr)
		}
	}()
	return fn()
}

// With runs fn while holding the lock at path and releases it on every exit path.
func With(path string, fn func() error) error {
	g, err := Acquire(path)
	if err != nil {
		return err
	}
	return g.Do(fn)
}

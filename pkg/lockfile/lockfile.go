// Package lockfile provides advisory, create-if-absent lock files.
//
// A lock on resource "worktodo.ini" is the file "worktodo.ini.lck". The lock
// is held while the file exists and is released by removing it. Lock files
// are shared with the computation engine and with sibling agent processes on
// the same node, so a held lock is never broken by this package: callers back
// off and retry a bounded number of times instead.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// Suffix is appended to a resource path to form its lock file path.
const Suffix = ".lck"

// ErrLocked indicates the lock file already exists.
var ErrLocked = errors.New("resource is locked")

// IsLocked returns true if the error indicates lock contention.
func IsLocked(err error) bool {
	return errors.Is(err, ErrLocked)
}

// Options controls how Acquire waits for a contended lock.
type Options struct {
	// Attempts is the total number of acquisition attempts.
	// Default: 5
	Attempts uint

	// Delay is the fixed wait between attempts.
	// Default: 2s
	Delay time.Duration

	Logger *zap.Logger
}

// DefaultOptions returns the default lock wait policy.
func DefaultOptions() Options {
	return Options{
		Attempts: 5,
		Delay:    2 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Attempts == 0 {
		o.Attempts = d.Attempts
	}
	if o.Delay <= 0 {
		o.Delay = d.Delay
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Path returns the lock file path guarding resource.
func Path(resource string) string {
	return resource + Suffix
}

// Guard represents a held lock. Release is safe to call more than once.
type Guard struct {
	resource string
	once     sync.Once
	err      error
}

// Resource returns the path of the guarded resource.
func (g *Guard) Resource() string {
	return g.resource
}

// Release removes the lock file.
func (g *Guard) Release() error {
	if g == nil {
		return nil
	}
	g.once.Do(func() {
		if err := os.Remove(Path(g.resource)); err != nil && !os.IsNotExist(err) {
			g.err = fmt.Errorf("release lock %s: %w", Path(g.resource), err)
		}
	})
	return g.err
}

// TryAcquire makes a single attempt to lock resource.
func TryAcquire(resource string) (*Guard, error) {
	// #nosec G304 -- lock path is derived from operator-configured work dir
	f, err := os.OpenFile(Path(resource), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%s: %w", resource, ErrLocked)
		}
		return nil, fmt.Errorf("create lock %s: %w", Path(resource), err)
	}
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	if err := f.Close(); err != nil {
		_ = os.Remove(Path(resource))
		return nil, fmt.Errorf("close lock %s: %w", Path(resource), err)
	}
	return &Guard{resource: resource}, nil
}

// Acquire locks resource, sleeping between attempts while another process
// holds it. It returns an error wrapping ErrLocked once attempts run out.
func Acquire(ctx context.Context, resource string, opts Options) (*Guard, error) {
	opts = opts.withDefaults()

	var guard *Guard
	err := retry.Do(
		func() error {
			g, err := TryAcquire(resource)
			if err != nil {
				if IsLocked(err) {
					return err
				}
				return retry.Unrecoverable(err)
			}
			guard = g
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(opts.Attempts),
		retry.Delay(opts.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			opts.Logger.Debug("Waiting for lock",
				zap.String("resource", resource),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return guard, nil
}

// AcquireAll locks every resource in order. If any lock cannot be taken the
// ones already held are released before returning.
func AcquireAll(ctx context.Context, opts Options, resources ...string) ([]*Guard, error) {
	guards := make([]*Guard, 0, len(resources))
	for _, r := range resources {
		g, err := Acquire(ctx, r, opts)
		if err != nil {
			_ = ReleaseAll(guards)
			return nil, err
		}
		guards = append(guards, g)
	}
	return guards, nil
}

// ReleaseAll releases guards in reverse order and returns the first error.
func ReleaseAll(guards []*Guard) error {
	var first error
	for i := len(guards) - 1; i >= 0; i-- {
		if err := guards[i].Release(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// With runs fn while holding the lock on resource. The lock is released on
// every return path, including a panic in fn.
func With(ctx context.Context, resource string, opts Options, fn func() error) (err error) {
	g, err := Acquire(ctx, resource, opts)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := g.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}

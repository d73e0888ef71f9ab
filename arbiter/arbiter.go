// Package arbiter serializes access to physical GPUs across processes.
//
// A GPU cannot be time-sliced between independent proof computations, so
// every process that wants to launch kernels on a device first takes an
// exclusive advisory lock on a file derived from the device UUID. The OS
// drops the lock when the holder exits, crashed or not.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/consensys/gnark/logger"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/eon-protocol/zkaccel/device"
)

var (
	ErrBusy    = errors.New("device lock busy")
	ErrTimeout = errors.New("device lock wait timed out")
	// ErrIO means the lock file itself is unusable. Device safety can't be
	// guaranteed, so callers must not fall back silently.
	ErrIO = errors.New("device lock file unavailable")
)

const DefaultPollInterval = 10 * time.Millisecond

// Arbiter hands out device locks rooted in one lock directory.
type Arbiter struct {
	dir  string
	poll time.Duration
	log  zerolog.Logger
}

type Option func(*Arbiter)

// WithPollInterval sets how often a bounded or blocking acquire retries.
func WithPollInterval(d time.Duration) Option {
	return func(a *Arbiter) {
		if d > 0 {
			a.poll = d
		}
	}
}

// New returns an arbiter using dir for lock files. The directory must exist;
// it is never created here.
func New(dir string, opts ...Option) *Arbiter {
	a := &Arbiter{
		dir:  dir,
		poll: DefaultPollInterval,
		log:  logger.Logger().With().Str("component", "arbiter").Str("dir", dir).Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Path is the lock file guarding h.
func (a *Arbiter) Path(h device.Handle) string {
	return filepath.Join(a.dir, fmt.Sprintf("zkaccel.gpu.%s.lock", h.UUID))
}

// Acquire takes the exclusive lock for h.
//
//	timeout == 0: one attempt, ErrBusy if another holder exists
//	timeout  > 0: retry until acquired, ErrTimeout after timeout
//	timeout  < 0: retry until acquired or ctx is done
func (a *Arbiter) Acquire(ctx context.Context, h device.Handle, timeout time.Duration) (*Lock, error) {
	path := a.Path(h)
	fl := flock.New(path)
	start := time.Now()

	var (
		ok  bool
		err error
	)
	switch {
	case timeout == 0:
		ok, err = fl.TryLock()
		if err != nil {
			_ = fl.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrIO, path, err)
		}
		if !ok {
			_ = fl.Close()
			return nil, fmt.Errorf("%w: %s", ErrBusy, h)
		}
	default:
		wctx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			wctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		ok, err = fl.TryLockContext(wctx, a.poll)
		if !ok || err != nil {
			_ = fl.Close()
			switch {
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case errors.Is(err, context.DeadlineExceeded):
				return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, h, timeout)
			case err != nil:
				return nil, fmt.Errorf("%w: %s: %v", ErrIO, path, err)
			default:
				return nil, fmt.Errorf("%w: %s", ErrBusy, h)
			}
		}
	}

	wait := time.Since(start)
	a.log.Debug().Str("device", h.String()).Dur("wait", wait).Msg("device lock acquired")
	return &Lock{
		device:   h,
		fl:       fl,
		wait:     wait,
		acquired: time.Now(),
		log:      a.log,
	}, nil
}

// Lock is a lease on one device. Release it on every exit path.
type Lock struct {
	device   device.Handle
	fl       *flock.Flock
	wait     time.Duration
	acquired time.Time
	log      zerolog.Logger

	once     sync.Once
	released atomic.Bool
	err      error
}

func (l *Lock) Device() device.Handle { return l.device }

// Wait is how long Acquire blocked before the lock was granted.
func (l *Lock) Wait() time.Duration { return l.wait }

// Held reports whether the lease is still valid.
func (l *Lock) Held() bool {
	return l != nil && !l.released.Load()
}

// Release drops the lock. Calling it again, or on a nil lock, is a no-op.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		l.released.Store(true)
		if err := l.fl.Unlock(); err != nil {
			l.err = fmt.Errorf("%w: release %s: %v", ErrIO, l.fl.Path(), err)
		}
		l.log.Debug().Str("device", l.device.String()).Dur("held", time.Since(l.acquired)).Msg("device lock released")
	})
	return l.err
}

package zkaccel

import (
	"context"
	"errors"

	"github.com/eon-protocol/zkaccel/arbiter"
	"github.com/eon-protocol/zkaccel/backend"
)

// lease is a locked device with its program loaded.
type lease struct {
	lock *arbiter.Lock
	prog backend.Program
	gpu  *backend.GPU
}

func (l *lease) release() error {
	if l == nil {
		return nil
	}
	return errors.Join(l.prog.Close(), l.lock.Release())
}

// route picks the device for an operation over n items. A nil lease means
// the CPU. Busy or timed-out devices are skipped; only an unusable lock file
// or a finished context is an error.
func (me *Engine) route(ctx context.Context, op string, n int) (*lease, error) {
	if !me.cfg.EnableGPU || len(me.devices) == 0 || n < me.cfg.GPUMinSize {
		return nil, nil
	}

	reason := "busy"
	for _, h := range me.devices {
		lock, err := me.arbiter.Acquire(ctx, h, me.cfg.LockTimeout)
		switch {
		case err == nil:
		case errors.Is(err, arbiter.ErrBusy):
			continue
		case errors.Is(err, arbiter.ErrTimeout):
			reason = "timeout"
			continue
		case errors.Is(err, arbiter.ErrIO):
			return nil, opError(op, ErrIOFailure, err)
		default:
			return nil, err
		}
		me.metrics.lockWait.Observe(lock.Wait().Seconds())

		l, err := me.open(lock)
		if err != nil {
			reason = "unavailable"
			me.log.Warn().Err(err).Str("op", op).Str("device", h.String()).Msg("device unusable, trying next")
			continue
		}
		return l, nil
	}

	me.metrics.fallback.WithLabelValues(op, reason).Inc()
	me.log.Debug().Str("op", op).Int("size", n).Str("reason", reason).Msg("no device free, running on cpu")
	return nil, nil
}

// open loads the program for a locked device. The lock is released on
// failure.
func (me *Engine) open(lock *arbiter.Lock) (*lease, error) {
	prog, err := me.load(lock.Device())
	if err != nil {
		_ = lock.Release()
		return nil, opError("load", ErrDeviceUnavailable, err)
	}
	g, err := backend.NewGPU(lock, prog)
	if err != nil {
		_ = prog.Close()
		_ = lock.Release()
		return nil, opError("load", ErrDeviceUnavailable, err)
	}
	return &lease{lock: lock, prog: prog, gpu: g}, nil
}

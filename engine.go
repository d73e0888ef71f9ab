// Package zkaccel dispatches the FFTs and multi-scalar multiplications of a
// zk prover to a GPU when one is free and falls back to a CPU thread pool
// when it is not. Results are bit-identical whichever backend ran them.
package zkaccel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/consensys/gnark/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/eon-protocol/zkaccel/arbiter"
	"github.com/eon-protocol/zkaccel/backend"
	"github.com/eon-protocol/zkaccel/device"
	"github.com/eon-protocol/zkaccel/fft"
	"github.com/eon-protocol/zkaccel/gpu"
	"github.com/eon-protocol/zkaccel/multiexp"
)

// Engine is safe for concurrent use.
type Engine struct {
	cfg     Config
	devices []device.Handle
	load    gpu.Loader
	arbiter *arbiter.Arbiter
	cpu     *backend.CPU
	metrics *metrics
	log     zerolog.Logger

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

func New(opts ...Option) (*Engine, error) {
	s := settings{cfg: DefaultConfig(), load: gpu.Load}
	for _, opt := range opts {
		if err := opt(&s); err != nil {
			return nil, err
		}
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.Logger().With().Str("component", "zkaccel").Logger()

	devices := s.devices
	if !s.pinned {
		d := device.Discover()
		for name, err := range d.Errors {
			log.Debug().Err(err).Str("driver", name).Msg("device discovery failed")
		}
		devices = d.GPUs
	}
	if s.cfg.EnableGPU && s.cfg.DeviceIndex != AUTO_DEVICE {
		if s.cfg.DeviceIndex >= len(devices) {
			return nil, opError("new", ErrConfiguration, fmt.Errorf("device %d requested, %d found", s.cfg.DeviceIndex, len(devices)))
		}
		devices = devices[s.cfg.DeviceIndex : s.cfg.DeviceIndex+1]
	}

	reg := s.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m, err := newMetrics(reg)
	if err != nil {
		return nil, opError("new", ErrConfiguration, err)
	}

	e := &Engine{
		cfg:     s.cfg,
		devices: slices.Clone(devices),
		load:    s.load,
		arbiter: arbiter.New(s.cfg.LockDir),
		cpu:     backend.NewCPU(s.cfg.Workers),
		metrics: m,
		log:     log,
	}
	log.Debug().
		Bool("gpu", s.cfg.EnableGPU).
		Int("devices", len(e.devices)).
		Int("workers", e.cpu.Workers()).
		Int("gpuMinSize", s.cfg.GPUMinSize).
		Msg("engine ready")
	return e, nil
}

func (me *Engine) Config() Config { return me.cfg }

// Devices lists the GPUs the engine may dispatch to.
func (me *Engine) Devices() []device.Handle { return slices.Clone(me.devices) }

// Close waits for in-flight operations. Later calls fail with ErrClosed.
func (me *Engine) Close() error {
	me.mu.Lock()
	me.closed = true
	me.mu.Unlock()
	me.inflight.Wait()
	return nil
}

func (me *Engine) enter(op string) error {
	me.mu.RLock()
	defer me.mu.RUnlock()
	if me.closed {
		return opError(op, ErrConfiguration, ErrClosed)
	}
	me.inflight.Add(1)
	return nil
}

// RunFFT replaces the coefficients in buf by their evaluations over d.
func (me *Engine) RunFFT(ctx context.Context, buf []fr.Element, d *fft.Domain) error {
	return me.once(ctx, "fft", len(buf), func(s *Session) error {
		return s.RunFFT(ctx, buf, d)
	})
}

// RunInverseFFT replaces evaluations over d by coefficients.
func (me *Engine) RunInverseFFT(ctx context.Context, buf []fr.Element, d *fft.Domain) error {
	return me.once(ctx, "ifft", len(buf), func(s *Session) error {
		return s.RunInverseFFT(ctx, buf, d)
	})
}

// RunCosetFFT evaluates over the coset shift*d.
func (me *Engine) RunCosetFFT(ctx context.Context, buf []fr.Element, d *fft.Domain, shift fr.Element) error {
	return me.once(ctx, "coset_fft", len(buf), func(s *Session) error {
		return s.RunCosetFFT(ctx, buf, d, shift)
	})
}

func (me *Engine) RunCosetInverseFFT(ctx context.Context, buf []fr.Element, d *fft.Domain, shift fr.Element) error {
	return me.once(ctx, "coset_ifft", len(buf), func(s *Session) error {
		return s.RunCosetInverseFFT(ctx, buf, d, shift)
	})
}

// RunLowDegreeExtension evaluates the polynomial with coefficients coeffs
// over the coset shift*D' where D' has factor times the size of d.
func (me *Engine) RunLowDegreeExtension(ctx context.Context, coeffs []fr.Element, d *fft.Domain, factor int, shift fr.Element) (out []fr.Element, err error) {
	err = me.once(ctx, "lde", len(coeffs)*max(factor, 1), func(s *Session) (err error) {
		out, err = s.RunLowDegreeExtension(ctx, coeffs, d, factor, shift)
		return err
	})
	return out, err
}

// RunMSM returns sum_i scalars[i]*bases[i].
func (me *Engine) RunMSM(ctx context.Context, scalars []fr.Element, bases []bls12381.G1Affine) (res bls12381.G1Affine, err error) {
	err = me.once(ctx, "msm", len(scalars), func(s *Session) (err error) {
		res, err = s.RunMSM(ctx, scalars, bases)
		return err
	})
	return res, err
}

type Direction uint8

const (
	Forward Direction = iota
	Inverse
)

// RunFFTBatch transforms every buffer under a single device lease. On error
// the buffers before the failing one are already transformed.
func (me *Engine) RunFFTBatch(ctx context.Context, bufs [][]fr.Element, d *fft.Domain, dir Direction) error {
	if len(bufs) == 0 {
		return nil
	}
	return me.once(ctx, "fft_batch", len(bufs[0]), func(s *Session) error {
		for i, buf := range bufs {
			var err error
			switch dir {
			case Forward:
				err = s.RunFFT(ctx, buf, d)
			case Inverse:
				err = s.RunInverseFFT(ctx, buf, d)
			default:
				err = opError("fft_batch", ErrConfiguration, fmt.Errorf("direction %d", dir))
			}
			if err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
		}
		return nil
	})
}

// RunFFTAsync runs RunFFT in its own goroutine. The channel yields exactly
// one value.
func (me *Engine) RunFFTAsync(ctx context.Context, buf []fr.Element, d *fft.Domain) <-chan error {
	ch := make(chan error, 1)
	if err := me.enter("fft"); err != nil {
		ch <- err
		close(ch)
		return ch
	}
	go func() {
		defer me.inflight.Done()
		defer close(ch)
		ch <- me.withLease(ctx, "fft", len(buf), func(s *Session) error {
			return s.RunFFT(ctx, buf, d)
		})
	}()
	return ch
}

type MSMResult struct {
	Point bls12381.G1Affine
	Err   error
}

// RunMSMAsync runs RunMSM in its own goroutine. The channel yields exactly
// one value.
func (me *Engine) RunMSMAsync(ctx context.Context, scalars []fr.Element, bases []bls12381.G1Affine) <-chan MSMResult {
	ch := make(chan MSMResult, 1)
	if err := me.enter("msm"); err != nil {
		ch <- MSMResult{Err: err}
		close(ch)
		return ch
	}
	go func() {
		defer me.inflight.Done()
		defer close(ch)
		var r MSMResult
		r.Err = me.withLease(ctx, "msm", len(scalars), func(s *Session) (err error) {
			r.Point, err = s.RunMSM(ctx, scalars, bases)
			return err
		})
		ch <- r
	}()
	return ch
}

// WithDevice holds one device lease across every operation fn runs on the
// session, instead of locking per call. When no device can be leased the
// session runs on the CPU.
func (me *Engine) WithDevice(ctx context.Context, fn func(s *Session) error) error {
	return me.once(ctx, "session", math.MaxInt, fn)
}

func (me *Engine) once(ctx context.Context, op string, n int, fn func(s *Session) error) error {
	if err := me.enter(op); err != nil {
		return err
	}
	defer me.inflight.Done()
	return me.withLease(ctx, op, n, fn)
}

func (me *Engine) withLease(ctx context.Context, op string, n int, fn func(s *Session) error) error {
	l, err := me.route(ctx, op, n)
	if err != nil {
		return err
	}
	s := &Session{e: me, lease: l}
	defer s.drop()
	return fn(s)
}

// Session runs operations under the lease taken by WithDevice. It is not
// safe for concurrent use.
type Session struct {
	e     *Engine
	lease *lease
}

// Device is the leased GPU, or the CPU device when there is none.
func (s *Session) Device() device.Handle {
	if s.lease == nil {
		return device.CPU()
	}
	return s.lease.gpu.Device()
}

func (s *Session) RunFFT(ctx context.Context, buf []fr.Element, d *fft.Domain) error {
	return s.transform(ctx, "fft", buf, d, func(e *fft.Engine, b []fr.Element) error {
		return e.Forward(ctx, b, d)
	})
}

func (s *Session) RunInverseFFT(ctx context.Context, buf []fr.Element, d *fft.Domain) error {
	return s.transform(ctx, "ifft", buf, d, func(e *fft.Engine, b []fr.Element) error {
		return e.Inverse(ctx, b, d)
	})
}

func (s *Session) RunCosetFFT(ctx context.Context, buf []fr.Element, d *fft.Domain, shift fr.Element) error {
	return s.transform(ctx, "coset_fft", buf, d, func(e *fft.Engine, b []fr.Element) error {
		return e.CosetForward(ctx, b, d, shift)
	})
}

func (s *Session) RunCosetInverseFFT(ctx context.Context, buf []fr.Element, d *fft.Domain, shift fr.Element) error {
	return s.transform(ctx, "coset_ifft", buf, d, func(e *fft.Engine, b []fr.Element) error {
		return e.CosetInverse(ctx, b, d, shift)
	})
}

// RunLowDegreeExtension returns a new slice; coeffs is not modified.
func (s *Session) RunLowDegreeExtension(ctx context.Context, coeffs []fr.Element, d *fft.Domain, factor int, shift fr.Element) ([]fr.Element, error) {
	if err := checkDomain("lde", coeffs, d); err != nil {
		return nil, err
	}
	var out []fr.Element
	extend := func(b backend.Backend) error {
		r, err := s.e.fftEngine(b).LowDegreeExtension(ctx, coeffs, d, factor, shift)
		if err == nil {
			out = r
		}
		return err
	}
	err := s.run(ctx, "lde", len(coeffs)*max(factor, 1), extend, extend)
	return out, err
}

// RunMSM returns sum_i scalars[i]*bases[i]. Neither slice is modified.
func (s *Session) RunMSM(ctx context.Context, scalars []fr.Element, bases []bls12381.G1Affine) (bls12381.G1Affine, error) {
	var res bls12381.G1Affine
	if len(scalars) != len(bases) {
		return res, opError("msm", ErrConfiguration,
			fmt.Errorf("%w: %d scalars, %d bases", multiexp.ErrLengthMismatch, len(scalars), len(bases)))
	}
	compute := func(b backend.Backend) error {
		p, err := multiexp.NewEngine(b, multiexp.WithWindowWidth(s.e.cfg.WindowWidth)).Compute(ctx, scalars, bases)
		if err == nil {
			res = p
		}
		return err
	}
	err := s.run(ctx, "msm", len(scalars), compute, compute)
	return res, err
}

// transform runs fn on a scratch copy on either backend. buf is written
// only once an attempt succeeds.
func (s *Session) transform(ctx context.Context, op string, buf []fr.Element, d *fft.Domain, fn func(*fft.Engine, []fr.Element) error) error {
	if err := checkDomain(op, buf, d); err != nil {
		return err
	}
	attempt := func(b backend.Backend) error {
		scratch := slices.Clone(buf)
		if err := fn(s.e.fftEngine(b), scratch); err != nil {
			return err
		}
		copy(buf, scratch)
		return nil
	}
	return s.run(ctx, op, len(buf), attempt, attempt)
}

func checkDomain(op string, buf []fr.Element, d *fft.Domain) error {
	if d == nil {
		return opError(op, ErrConfiguration, errors.New("nil domain"))
	}
	if uint64(len(buf)) != d.Size() {
		return opError(op, ErrConfiguration, fmt.Errorf("%w: %d != %d", fft.ErrSizeMismatch, len(buf), d.Size()))
	}
	return nil
}

// run executes one operation on the lease if it has one and n is large
// enough, otherwise on the CPU. A device failure drops the lease and the
// operation is retried once on the CPU.
func (s *Session) run(ctx context.Context, op string, n int, onGPU, onCPU func(backend.Backend) error) error {
	e := s.e
	start := time.Now()

	if s.lease != nil && n >= e.cfg.GPUMinSize {
		dev := s.lease.gpu.Device()
		err := onGPU(s.lease.gpu)
		if err == nil {
			e.finish(op, "gpu", start)
			return nil
		}
		if !errors.Is(err, backend.ErrDeviceFailure) {
			return classify(op, err)
		}

		e.log.Warn().Err(err).Str("op", op).Str("device", dev.String()).Msg("GPU failed -> CPU")
		e.metrics.fallback.WithLabelValues(op, "device_failure").Inc()
		s.drop()
		if cerr := onCPU(e.cpu); cerr != nil {
			return opError(op, ErrDeviceFailure, errors.Join(err, cerr))
		}
		e.finish(op, "cpu", start)
		return nil
	}

	if err := onCPU(e.cpu); err != nil {
		return classify(op, err)
	}
	e.finish(op, "cpu", start)
	return nil
}

func (s *Session) drop() {
	if s.lease == nil {
		return
	}
	if err := s.lease.release(); err != nil {
		s.e.log.Warn().Err(err).Str("device", s.lease.gpu.Device().String()).Msg("device release failed")
	}
	s.lease = nil
}

func (me *Engine) fftEngine(b backend.Backend) *fft.Engine {
	return fft.NewEngine(b, fft.WithCPU(me.cpu), fft.WithRoundThreshold(me.cfg.RoundThreshold))
}

func (me *Engine) finish(op, backendName string, start time.Time) {
	took := time.Since(start)
	me.metrics.dispatch.WithLabelValues(op, backendName).Inc()
	me.metrics.duration.WithLabelValues(op, backendName).Observe(took.Seconds())
	me.log.Debug().Str("op", op).Str("backend", backendName).Dur("took", took).Msg("done")
}

// classify maps errors that are not device failures. Context errors are
// returned as they are.
func classify(op string, err error) error {
	var classified *Error
	switch {
	case errors.As(err, &classified):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, backend.ErrDeviceFailure):
		return opError(op, ErrDeviceFailure, err)
	default:
		return opError(op, ErrConfiguration, err)
	}
}

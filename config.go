package zkaccel

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eon-protocol/zkaccel/device"
	"github.com/eon-protocol/zkaccel/fft"
	"github.com/eon-protocol/zkaccel/gpu"
	"github.com/eon-protocol/zkaccel/multiexp"
)

// Config holds the process-wide dispatch settings.
type Config struct {
	// EnableGPU allows dispatch to a GPU. With no device present the engine
	// runs on the CPU either way.
	EnableGPU bool
	// DeviceIndex pins one discovered GPU; AUTO_DEVICE tries them in order.
	DeviceIndex int
	// GPUMinSize is the smallest input (buffer or pair count) sent to a GPU.
	GPUMinSize int
	// Workers sizes the CPU pool; zero means one per logical core.
	Workers int
	// LockDir holds the per-device lock files. It must already exist.
	LockDir string
	// LockTimeout bounds the wait for a busy device: zero tries once, a
	// negative value waits until the context ends.
	LockTimeout time.Duration
	// RoundThreshold keeps FFT rounds with a narrower butterfly span on
	// the CPU while the wide rounds run on the GPU.
	RoundThreshold int
	// WindowWidth fixes the MSM window; zero picks ceil(ln n).
	WindowWidth int
}

func DefaultConfig() Config {
	return Config{
		EnableGPU:      true,
		DeviceIndex:    AUTO_DEVICE,
		GPUMinSize:     GPU_MIN_SIZE,
		LockDir:        os.TempDir(),
		LockTimeout:    LOCK_TIMEOUT,
		RoundThreshold: fft.DefaultRoundThreshold,
	}
}

// LoadEnv overrides fields from ZKACCEL_* variables that are set.
func (c *Config) LoadEnv() error {
	if v, ok := os.LookupEnv(ENV_GPU); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError(ENV_GPU, v, err)
		}
		c.EnableGPU = b
	}
	for _, f := range []struct {
		name string
		dst  *int
	}{
		{ENV_DEVICE, &c.DeviceIndex},
		{ENV_GPU_MIN_SIZE, &c.GPUMinSize},
		{ENV_WORKERS, &c.Workers},
		{ENV_ROUND_THRESHOLD, &c.RoundThreshold},
		{ENV_WINDOW, &c.WindowWidth},
	} {
		v, ok := os.LookupEnv(f.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError(f.name, v, err)
		}
		*f.dst = n
	}
	if v, ok := os.LookupEnv(ENV_LOCK_DIR); ok && v != "" {
		c.LockDir = v
	}
	if v, ok := os.LookupEnv(ENV_LOCK_TIMEOUT); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return envError(ENV_LOCK_TIMEOUT, v, err)
		}
		c.LockTimeout = d
	}
	return nil
}

func envError(name, value string, err error) error {
	return opError("config", ErrConfiguration, fmt.Errorf("%s=%q: %w", name, value, err))
}

func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return opError("config", ErrConfiguration, fmt.Errorf(format, args...))
	}
	switch {
	case c.DeviceIndex < AUTO_DEVICE:
		return invalid("device index %d", c.DeviceIndex)
	case c.GPUMinSize < 0:
		return invalid("gpu min size %d", c.GPUMinSize)
	case c.Workers < 0:
		return invalid("workers %d", c.Workers)
	case c.EnableGPU && c.LockDir == "":
		return invalid("empty lock directory")
	case c.RoundThreshold < 0:
		return invalid("round threshold %d", c.RoundThreshold)
	case c.WindowWidth != 0 && (c.WindowWidth < multiexp.MinWindowWidth || c.WindowWidth > multiexp.MaxWindowWidth):
		return invalid("window width %d outside [%d, %d]", c.WindowWidth, multiexp.MinWindowWidth, multiexp.MaxWindowWidth)
	}
	return nil
}

type settings struct {
	cfg      Config
	devices  []device.Handle
	pinned   bool
	load     gpu.Loader
	registry prometheus.Registerer
}

// Option configures New.
type Option func(*settings) error

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(s *settings) error {
		s.cfg = cfg
		return nil
	}
}

// WithEnv applies ZKACCEL_* overrides on top of the options before it.
func WithEnv() Option {
	return func(s *settings) error {
		return s.cfg.LoadEnv()
	}
}

func WithGPU(enable bool) Option {
	return func(s *settings) error {
		s.cfg.EnableGPU = enable
		return nil
	}
}

func WithDeviceIndex(i int) Option {
	return func(s *settings) error {
		s.cfg.DeviceIndex = i
		return nil
	}
}

func WithGPUMinSize(n int) Option {
	return func(s *settings) error {
		s.cfg.GPUMinSize = n
		return nil
	}
}

func WithWorkers(n int) Option {
	return func(s *settings) error {
		s.cfg.Workers = n
		return nil
	}
}

func WithLockDir(dir string) Option {
	return func(s *settings) error {
		s.cfg.LockDir = dir
		return nil
	}
}

func WithLockTimeout(d time.Duration) Option {
	return func(s *settings) error {
		s.cfg.LockTimeout = d
		return nil
	}
}

func WithRoundThreshold(t int) Option {
	return func(s *settings) error {
		s.cfg.RoundThreshold = t
		return nil
	}
}

func WithWindowWidth(c int) Option {
	return func(s *settings) error {
		s.cfg.WindowWidth = c
		return nil
	}
}

// WithDevices replaces discovery with an explicit device list.
func WithDevices(hs ...device.Handle) Option {
	return func(s *settings) error {
		for _, h := range hs {
			if !h.IsGPU() {
				return opError("config", ErrConfiguration, fmt.Errorf("%s is not a gpu", h))
			}
		}
		s.devices, s.pinned = hs, true
		return nil
	}
}

// WithProgramLoader replaces the driver registry used to load programs.
func WithProgramLoader(load gpu.Loader) Option {
	return func(s *settings) error {
		s.load = load
		return nil
	}
}

// WithRegisterer registers the engine's metrics on reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *settings) error {
		s.registry = reg
		return nil
	}
}

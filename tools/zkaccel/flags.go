package main

import (
	"github.com/spf13/pflag"

	"github.com/eon-protocol/zkaccel"
)

const (
	GPUKey            = "gpu"
	DeviceKey         = "device"
	GPUMinSizeKey     = "gpu-min-size"
	WorkersKey        = "workers"
	LockDirKey        = "lock-dir"
	LockTimeoutKey    = "lock-timeout"
	RoundThresholdKey = "round-threshold"
	WindowKey         = "window"
	VerboseKey        = "verbose"
)

func AddFlags(flags *pflag.FlagSet) {
	def := zkaccel.DefaultConfig()
	flags.Bool(GPUKey, def.EnableGPU, "Dispatch to a GPU when one is free")
	flags.Int(DeviceKey, def.DeviceIndex, "Index of the GPU to use, -1 tries each in order")
	flags.Int(GPUMinSizeKey, def.GPUMinSize, "Smallest input sent to a GPU")
	flags.Int(WorkersKey, def.Workers, "CPU pool size, 0 for one per logical core")
	flags.String(LockDirKey, def.LockDir, "Directory holding the device lock files")
	flags.Duration(LockTimeoutKey, def.LockTimeout, "How long to wait for a busy device, 0 tries once")
	flags.Int(RoundThresholdKey, def.RoundThreshold, "Narrowest FFT round span run on a GPU")
	flags.Int(WindowKey, def.WindowWidth, "MSM window width, 0 picks one from the input size")
	flags.BoolP(VerboseKey, "v", false, "Log dispatch decisions to stderr")
}

// ParseConfig starts from the defaults, applies ZKACCEL_* variables and then
// the flags given on the command line.
func ParseConfig(flags *pflag.FlagSet) (zkaccel.Config, error) {
	cfg := zkaccel.DefaultConfig()
	if err := cfg.LoadEnv(); err != nil {
		return cfg, err
	}

	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case GPUKey:
			cfg.EnableGPU, err = flags.GetBool(GPUKey)
		case DeviceKey:
			cfg.DeviceIndex, err = flags.GetInt(DeviceKey)
		case GPUMinSizeKey:
			cfg.GPUMinSize, err = flags.GetInt(GPUMinSizeKey)
		case WorkersKey:
			cfg.Workers, err = flags.GetInt(WorkersKey)
		case LockDirKey:
			cfg.LockDir, err = flags.GetString(LockDirKey)
		case LockTimeoutKey:
			cfg.LockTimeout, err = flags.GetDuration(LockTimeoutKey)
		case RoundThresholdKey:
			cfg.RoundThreshold, err = flags.GetInt(RoundThresholdKey)
		case WindowKey:
			cfg.WindowWidth, err = flags.GetInt(WindowKey)
		}
	})
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func newEngine(flags *pflag.FlagSet) (*zkaccel.Engine, zkaccel.Config, error) {
	cfg, err := ParseConfig(flags)
	if err != nil {
		return nil, cfg, err
	}
	e, err := zkaccel.New(zkaccel.WithConfig(cfg))
	return e, cfg, err
}

package zkaccel

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "zkaccel"

type metrics struct {
	dispatch *prometheus.CounterVec
	fallback *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lockWait prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Operations completed, by backend.",
		}, []string{"op", "backend"}),
		fallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_total",
			Help:      "GPU-eligible operations that ran on the CPU, by reason.",
		}, []string{"op", "reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "op_duration_seconds",
			Help:      "Operation wall time, by backend.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"op", "backend"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a device lock that was granted.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}

	var err error
	m.dispatch, err = register(reg, m.dispatch)
	if err != nil {
		return nil, err
	}
	m.fallback, err = register(reg, m.fallback)
	if err != nil {
		return nil, err
	}
	m.duration, err = register(reg, m.duration)
	if err != nil {
		return nil, err
	}
	m.lockWait, err = register(reg, m.lockWait)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, or returns the collector already registered under
// the same name so several engines can share one registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

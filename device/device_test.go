package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCPUHandle(t *testing.T) {
	require := require.New(t)

	h := CPU()
	require.Equal(KindCPU, h.Kind)
	require.False(h.IsGPU())
	require.Equal("cpu", h.String())
	require.GreaterOrEqual(h.Caps.ComputeUnits, 1)
	require.Equal(h, CPU())
}

func TestLogicalCores(t *testing.T) {
	require.GreaterOrEqual(t, LogicalCores(), 1)
}

func TestDiscoverIsStable(t *testing.T) {
	require := require.New(t)

	a := Discover()
	b := Discover()
	require.Equal(a.GPUs, b.GPUs)
	for _, h := range a.GPUs {
		require.True(h.IsGPU())
	}
}

func TestHandleString(t *testing.T) {
	h := Handle{Index: 2, UUID: "abc", Driver: "sim", Kind: KindGPU}
	require.Equal(t, "sim:2(abc)", h.String())
	require.Equal(t, "gpu", KindGPU.String())
}

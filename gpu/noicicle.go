//go:build !icicle

package gpu

// HasIcicle reports whether the ICICLE driver is compiled in. Without the
// icicle build tag only the simulator driver is registered.
const HasIcicle = false

package fft

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	gnarkfft "github.com/consensys/gnark-crypto/ecc/bls12-381/fr/fft"
	lru "github.com/hashicorp/golang-lru"
)

var (
	// ErrDomainTooLarge covers every size the field cannot host. A size that
	// is not a power of two also matches ErrNotPowerOfTwo.
	ErrDomainTooLarge = errors.New("unsupported domain size")
	ErrNotPowerOfTwo  = errors.New("not a power of two")
)

// MaxLogSize is the two-adicity of the BLS12-381 scalar field.
const MaxLogSize = 32

const domainCacheSize = 32

// Domain is a multiplicative subgroup of size n with its twiddle tables.
// A Domain never changes after NewDomain returns and is safe to share.
type Domain struct {
	size           uint64
	logSize        int
	generator      fr.Element
	generatorInv   fr.Element
	cardinalityInv fr.Element
	twiddles       []fr.Element
	twiddlesInv    []fr.Element
}

func NewDomain(n uint64) (*Domain, error) {
	if n == 0 || n&(n-1) != 0 {
		return nil, fmt.Errorf("%w: %w: %d", ErrDomainTooLarge, ErrNotPowerOfTwo, n)
	}
	logN := bits.TrailingZeros64(n)
	if logN > MaxLogSize {
		return nil, fmt.Errorf("%w: 2^%d exceeds the two-adicity 2^%d", ErrDomainTooLarge, logN, MaxLogSize)
	}
	w, err := gnarkfft.Generator(n)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDomainTooLarge, err)
	}

	d := &Domain{
		size:      n,
		logSize:   logN,
		generator: w,
	}
	d.generatorInv.Inverse(&w)
	d.cardinalityInv.SetUint64(n).Inverse(&d.cardinalityInv)

	d.twiddles = make([]fr.Element, n/2)
	d.twiddlesInv = make([]fr.Element, n/2)
	if n > 1 {
		gnarkfft.BuildExpTable(d.generator, d.twiddles)
		gnarkfft.BuildExpTable(d.generatorInv, d.twiddlesInv)
	}
	return d, nil
}

var domains = sync.OnceValue(func() *lru.Cache {
	c, err := lru.New(domainCacheSize)
	if err != nil {
		panic(err)
	}
	return c
})

// CachedDomain returns the process-wide domain of size n, building it on
// first use.
func CachedDomain(n uint64) (*Domain, error) {
	cache := domains()
	if d, ok := cache.Get(n); ok {
		return d.(*Domain), nil
	}
	d, err := NewDomain(n)
	if err != nil {
		return nil, err
	}
	// a concurrent builder may have won; keep the first one
	if prev, ok, _ := cache.PeekOrAdd(n, d); ok {
		return prev.(*Domain), nil
	}
	return d, nil
}

func (d *Domain) Size() uint64 { return d.size }

func (d *Domain) LogSize() int { return d.logSize }

func (d *Domain) Generator() fr.Element { return d.generator }

func (d *Domain) GeneratorInv() fr.Element { return d.generatorInv }

func (d *Domain) CardinalityInv() fr.Element { return d.cardinalityInv }

// Twiddles is omega^j for j < n/2. Callers must not modify it.
func (d *Domain) Twiddles() []fr.Element { return d.twiddles }

// TwiddlesInv is omega^-j for j < n/2. Callers must not modify it.
func (d *Domain) TwiddlesInv() []fr.Element { return d.twiddlesInv }

package blockio

import (
	"errors"
	"math/rand/v2"
	"sync"
)

// ErrInjected is returned by [Fault] in place of the wrapped device's
// result when a fault is injected.
var ErrInjected = errors.New("blockio: injected fault")

// FaultConfig controls fault injection probabilities for [Fault], mirroring
// the teacher's pkg/fs.ChaosConfig rate-based design but scoped to the
// four operations the cache engine actually performs against a device.
//
// The zero value disables all injection.
type FaultConfig struct {
	// ReadFailRate is the fraction of ReadSync/ReadAsync calls that fail
	// outright.
	ReadFailRate float64

	// WriteFailRate is the fraction of WriteSync/WriteAsync calls that
	// fail outright.
	WriteFailRate float64

	// TornWriteRate is the fraction of WriteAsync calls that report
	// success to the caller but only partially apply the write to the
	// backing store, simulating a crash mid-write. Only meaningful in
	// combination with a subsequent restart against the same underlying
	// bytes; ReadSync/ReadAsync of a torn sector returns whatever bytes
	// happen to be there, same as real hardware.
	TornWriteRate float64

	// Rand, if non-nil, supplies randomness. When nil, [NewFault] gives
	// the Fault its own PCG source with a fixed seed, so runs repeat
	// exactly; set this to use a different seeded source.
	Rand *rand.Rand
}

// Fault wraps a [Device] and injects failures according to [FaultConfig]:
// a test double for read/write errors and torn writes. Only this
// package's own tests construct one.
type Fault struct {
	inner Device
	cfg   FaultConfig
	mu    sync.Mutex
}

// NewFault wraps inner with fault injection governed by cfg.
func NewFault(inner Device, cfg FaultConfig) *Fault {
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(1, 2))
	}

	return &Fault{inner: inner, cfg: cfg}
}

func (f *Fault) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.cfg.Rand.Float64() < rate
}

// SectorCount implements [Device].
func (f *Fault) SectorCount() int64 { return f.inner.SectorCount() }

// ReadSync implements [Device].
func (f *Fault) ReadSync(sector int64, buf []byte) error {
	if f.roll(f.cfg.ReadFailRate) {
		return newError(DiskRead, sector, len(buf)/SectorSize, ErrInjected)
	}

	return f.inner.ReadSync(sector, buf)
}

// WriteSync implements [Device].
func (f *Fault) WriteSync(sector int64, buf []byte) error {
	if f.roll(f.cfg.WriteFailRate) {
		return newError(DiskWrite, sector, len(buf)/SectorSize, ErrInjected)
	}

	return f.inner.WriteSync(sector, buf)
}

// ReadAsync implements [Device].
func (f *Fault) ReadAsync(sector int64, buf []byte, done func(error)) {
	if f.roll(f.cfg.ReadFailRate) {
		done(newError(CacheRead, sector, len(buf)/SectorSize, ErrInjected))

		return
	}

	f.inner.ReadAsync(sector, buf, done)
}

// WriteAsync implements [Device]. When a torn write is rolled, only the
// first half of buf is written before reporting success, simulating a
// crash partway through an in-flight write.
func (f *Fault) WriteAsync(sector int64, buf []byte, done func(error)) {
	if f.roll(f.cfg.WriteFailRate) {
		done(newError(CacheWrite, sector, len(buf)/SectorSize, ErrInjected))

		return
	}

	if f.roll(f.cfg.TornWriteRate) && len(buf) > SectorSize {
		half := (len(buf) / SectorSize / 2) * SectorSize
		if half == 0 {
			half = SectorSize
		}

		f.inner.WriteAsync(sector, buf[:half], func(error) { done(nil) })

		return
	}

	f.inner.WriteAsync(sector, buf, done)
}

// Sync implements [Device].
func (f *Fault) Sync() error { return f.inner.Sync() }

// Close implements [Device].
func (f *Fault) Close() error { return f.inner.Close() }

var _ Device = (*Real)(nil)
var _ Device = (*Fault)(nil)

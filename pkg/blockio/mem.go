package blockio

import "sync"

// Mem is an in-memory [Device] backed by a byte slice. It is used by
// package tests across blockio/metadata/index/engine/cleaner/persistence
// to exercise the cache engine without touching the filesystem.
type Mem struct {
	mu   sync.Mutex
	data []byte
}

// NewMem allocates an in-memory device of the given sector count.
func NewMem(sectorCount int64) *Mem {
	return &Mem{data: make([]byte, sectorCount*SectorSize)}
}

// SectorCount implements [Device].
func (m *Mem) SectorCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int64(len(m.data)) / SectorSize
}

// ReadSync implements [Device].
func (m *Mem) ReadSync(sector int64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !checkRange(sector, buf, int64(len(m.data))/SectorSize) {
		return newError(DiskRead, sector, len(buf)/SectorSize, errOutOfRange)
	}

	copy(buf, m.data[sector*SectorSize:])

	return nil
}

// WriteSync implements [Device].
func (m *Mem) WriteSync(sector int64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !checkRange(sector, buf, int64(len(m.data))/SectorSize) {
		return newError(DiskWrite, sector, len(buf)/SectorSize, errOutOfRange)
	}

	copy(m.data[sector*SectorSize:], buf)

	return nil
}

// ReadAsync implements [Device]; completes synchronously before invoking
// done, since there is no real I/O latency to overlap in memory.
func (m *Mem) ReadAsync(sector int64, buf []byte, done func(error)) {
	done(m.readKind(CacheRead, sector, buf))
}

// WriteAsync implements [Device].
func (m *Mem) WriteAsync(sector int64, buf []byte, done func(error)) {
	done(m.writeKind(CacheWrite, sector, buf))
}

func (m *Mem) readKind(kind Kind, sector int64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !checkRange(sector, buf, int64(len(m.data))/SectorSize) {
		return newError(kind, sector, len(buf)/SectorSize, errOutOfRange)
	}

	copy(buf, m.data[sector*SectorSize:])

	return nil
}

func (m *Mem) writeKind(kind Kind, sector int64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !checkRange(sector, buf, int64(len(m.data))/SectorSize) {
		return newError(kind, sector, len(buf)/SectorSize, errOutOfRange)
	}

	copy(m.data[sector*SectorSize:], buf)

	return nil
}

// Sync implements [Device]; a no-op for memory.
func (m *Mem) Sync() error { return nil }

// Close implements [Device]; a no-op for memory.
func (m *Mem) Close() error { return nil }

var _ Device = (*Mem)(nil)

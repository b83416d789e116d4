package persistence

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wbcache/wbcache/pkg/blockio"
	"github.com/wbcache/wbcache/pkg/metadata"
)

// ErrExistingCache is returned by Create when a valid superblock already
// exists on the cache device and force was not requested.
var ErrExistingCache = errors.New("persistence: existing cache detected")

// ErrConfigInvalid is returned when construction arguments fail
// validation (spec §7).
var ErrConfigInvalid = errors.New("persistence: invalid configuration")

// metadataIOBlockSize is METADATA_IO_BLOCKSIZE: the chunk size, in
// sectors, used when streaming the descriptor region during Load.
const metadataIOBlockSize = 128

// Geometry describes the fixed parameters of a cache instance.
type Geometry struct {
	Format      metadata.Format
	BlockSize   uint32 // sectors per block
	Size        uint64 // slots, after assoc-alignment
	Assoc       uint32
	DiskName    string
	CacheName   string
	DiskSectors uint64 // backing disk capacity, in sectors
}

// Manager orchestrates the on-device layout lifecycle for one cache
// instance's cache device (spec §4.F).
type Manager struct {
	cache     blockio.Device
	geometry  Geometry
	mdSectors int64

	mu      sync.Mutex
	batches map[int64]*sectorBatch

	mirrorMu sync.Mutex
	mirror   map[int64][]byte // sector -> full SectorSize image of its current descriptor bytes
}

func newManager(cache blockio.Device, geom Geometry) *Manager {
	return &Manager{
		cache:     cache,
		geometry:  geom,
		mdSectors: geom.Format.MDSectors(int64(geom.Size)),
		batches:   make(map[int64]*sectorBatch),
		mirror:    make(map[int64][]byte),
	}
}

// Hydrate seeds the descriptor-sector mirror from a freshly Create'd or
// Load'd descriptor slice, so the first UpdateSlot call for each sector
// starts from its true on-device neighbors rather than zeroes.
func (m *Manager) Hydrate(descriptors []metadata.Descriptor) {
	m.mirrorMu.Lock()
	defer m.mirrorMu.Unlock()

	for slotIdx, d := range descriptors {
		m.putMirrorLocked(slotIdx, d)
	}
}

func (m *Manager) mirrorSectorLocked(sector int64) []byte {
	buf, ok := m.mirror[sector]
	if !ok {
		buf = make([]byte, metadata.SectorSize)
		m.mirror[sector] = buf
	}

	return buf
}

func (m *Manager) putMirrorLocked(slotIdx int, d metadata.Descriptor) {
	sector, off := m.SectorOf(slotIdx)
	buf := m.mirrorSectorLocked(sector)
	descSize := m.geometry.Format.DescriptorSize()
	copy(buf[off:off+descSize], metadata.EncodeSlot(m.geometry.Format, d))
}

// UpdateSlot records d as slotIdx's current descriptor in the in-memory
// sector mirror, then asynchronously writes the whole sector through the
// coalescing batch (spec §4.F/§9: concurrent updates to slots sharing a
// sector must never lose one another's state). The mirror mutation is
// applied immediately, before the write is even dispatched, so a write
// that gets coalesced away still carries every update made up to the
// moment it actually runs.
func (m *Manager) UpdateSlot(slotIdx int, d metadata.Descriptor, done func(error)) {
	m.mirrorMu.Lock()
	m.putMirrorLocked(slotIdx, d)
	m.mirrorMu.Unlock()

	sector, _ := m.SectorOf(slotIdx)

	m.WriteDescriptorSector(sector, func() []byte {
		m.mirrorMu.Lock()
		defer m.mirrorMu.Unlock()

		buf := m.mirrorSectorLocked(sector)
		out := make([]byte, len(buf))
		copy(out, buf)

		return out
	}, done)
}

// MDSectors returns md_sectors: the number of sectors occupied by the
// superblock plus descriptor region, i.e. the sector the block payload
// area begins at.
func (m *Manager) MDSectors() int64 { return m.mdSectors }

// SectorOf returns the metadata sector index (an absolute device sector)
// holding slotIdx's descriptor, and the descriptor's byte offset within
// that sector.
func (m *Manager) SectorOf(slotIdx int) (sector int64, byteOffset int) {
	perSector := m.geometry.Format.BlocksPerSector()

	return 1 + int64(slotIdx/perSector), (slotIdx % perSector) * m.geometry.Format.DescriptorSize()
}

// PayloadSector returns the absolute cache-device sector slotIdx's block
// payload begins at, given blockSectors (sectors per block). Shared by
// the request engine and the cleaner so the payload-region arithmetic is
// defined once.
func (m *Manager) PayloadSector(slotIdx int, blockSectors int64) int64 {
	return m.mdSectors + int64(slotIdx)*blockSectors
}

// Create implements spec §4.F create(force?).
func Create(cache blockio.Device, geom Geometry, force bool) (*Manager, []metadata.Descriptor, error) {
	if geom.Assoc == 0 || geom.BlockSize == 0 {
		return nil, nil, fmt.Errorf("persistence: assoc and block size must be nonzero: %w", ErrConfigInvalid)
	}

	if !force {
		buf := make([]byte, metadata.SectorSize)
		if err := cache.ReadSync(0, buf); err == nil {
			if sb, decErr := metadata.DecodeSuperblock(buf); decErr == nil {
				switch sb.State {
				case metadata.StateClean, metadata.StateDirty, metadata.StateFastClean:
					return nil, nil, ErrExistingCache
				}
			}
		}
	}

	geom.Size -= geom.Size % uint64(geom.Assoc)

	m := newManager(cache, geom)

	descRegionSectors := m.mdSectors - 1
	zeroed := make([]byte, descRegionSectors*metadata.SectorSize)

	if err := cache.WriteSync(1, zeroed); err != nil {
		return nil, nil, fmt.Errorf("persistence: writing descriptor region: %w", err)
	}

	sb := metadata.Superblock{
		State:        metadata.StateDirty,
		BlockSize:    geom.BlockSize,
		Size:         geom.Size,
		Assoc:        geom.Assoc,
		DiskName:     geom.DiskName,
		CacheName:    geom.CacheName,
		DiskSectors:  geom.DiskSectors,
		CacheSectors: uint64(cache.SectorCount()),
		Version:      metadata.CacheVersion,
	}

	if err := cache.WriteSync(0, metadata.EncodeSuperblock(sb)); err != nil {
		return nil, nil, fmt.Errorf("persistence: writing superblock: %w", err)
	}

	descriptors := make([]metadata.Descriptor, geom.Size)

	return m, descriptors, nil
}

// Load implements spec §4.F load.
func Load(cache blockio.Device, format metadata.Format) (*Manager, []metadata.Descriptor, error) {
	sbBuf := make([]byte, metadata.SectorSize)
	if err := cache.ReadSync(0, sbBuf); err != nil {
		return nil, nil, fmt.Errorf("persistence: reading superblock: %w", err)
	}

	sb, err := metadata.DecodeSuperblock(sbBuf)
	if err != nil {
		return nil, nil, err
	}

	if sb.State == metadata.StateUnstable {
		return nil, nil, fmt.Errorf("persistence: cache left in unstable state: %w", metadata.ErrMalformedMetadata)
	}

	if !isPow2(sb.BlockSize) || !isPow2(uint64(sb.Assoc)) {
		return nil, nil, fmt.Errorf("persistence: block_size/assoc must be powers of two: %w", ErrConfigInvalid)
	}

	geom := Geometry{
		Format:      format,
		BlockSize:   sb.BlockSize,
		Size:        sb.Size,
		Assoc:       sb.Assoc,
		DiskName:    sb.DiskName,
		CacheName:   sb.CacheName,
		DiskSectors: sb.DiskSectors,
	}

	m := newManager(cache, geom)

	descriptors, err := m.readDescriptorRegion(sb.Size)
	if err != nil {
		return nil, nil, err
	}

	applyShutdownPolicy(descriptors, sb.State)

	sb.State = metadata.StateDirty
	if err := cache.WriteSync(0, metadata.EncodeSuperblock(sb)); err != nil {
		return nil, nil, fmt.Errorf("persistence: marking cache open: %w", err)
	}

	return m, descriptors, nil
}

func (m *Manager) readDescriptorRegion(size uint64) ([]metadata.Descriptor, error) {
	descSize := m.geometry.Format.DescriptorSize()
	descRegionSectors := m.mdSectors - 1

	descriptors := make([]metadata.Descriptor, size)

	var slot int64

	for sector := int64(0); sector < descRegionSectors; sector += metadataIOBlockSize {
		chunk := min(metadataIOBlockSize, descRegionSectors-sector)

		buf := make([]byte, chunk*metadata.SectorSize)
		if err := m.cache.ReadSync(1+sector, buf); err != nil {
			return nil, fmt.Errorf("persistence: reading descriptor region at sector %d: %w", 1+sector, err)
		}

		for off := 0; off+descSize <= len(buf) && slot < int64(size); off += descSize {
			d, err := metadata.DecodeSlot(m.geometry.Format, buf[off:off+descSize])
			if err != nil {
				return nil, err
			}

			descriptors[slot] = d
			slot++
		}
	}

	return descriptors, nil
}

// applyShutdownPolicy enforces spec §4.F's per-state trust policy on the
// descriptors just read from disk.
func applyShutdownPolicy(descriptors []metadata.Descriptor, state metadata.State) {
	switch state {
	case metadata.StateDirty:
		for i := range descriptors {
			if descriptors[i].State != metadata.Dirty {
				descriptors[i] = metadata.Descriptor{}
			}
		}
	case metadata.StateClean:
		for i := range descriptors {
			if descriptors[i].State == metadata.Dirty {
				descriptors[i] = metadata.Descriptor{}
			}
		}
	case metadata.StateFastClean:
		// both CLEAN and DIRTY descriptors are trusted verbatim.
	}
}

// StoreResult is the outcome Store reports back so callers can surface
// UNSTABLE to monitoring.
type StoreResult struct {
	State metadata.State
}

// Store implements spec §4.F store: a full resync of the descriptor
// region followed by the superblock, used at shutdown.
func (m *Manager) Store(descriptors []metadata.Descriptor, nrDirty int, geom Geometry) (StoreResult, error) {
	descSize := m.geometry.Format.DescriptorSize()
	perSector := m.geometry.Format.BlocksPerSector()

	writeFailed := false

	buf := make([]byte, metadata.SectorSize)
	nSectors := int64((len(descriptors) + perSector - 1) / perSector)

	for sector := int64(0); sector < nSectors; sector++ {
		start := int(sector) * perSector
		end := min(start+perSector, len(descriptors))

		for i := range buf {
			buf[i] = 0
		}

		for i, d := range descriptors[start:end] {
			off := i * descSize
			rec := metadata.EncodeSlot(m.geometry.Format, d)
			copy(buf[off:off+descSize], rec)
		}

		// Always write a full SectorSize-aligned sector, even when this
		// is the last, partially-filled one: WriteSync/checkRange reject
		// any buffer whose length isn't a multiple of SectorSize.
		if err := m.cache.WriteSync(1+sector, buf); err != nil {
			writeFailed = true
		}
	}

	state := metadata.StateClean
	switch {
	case writeFailed:
		state = metadata.StateUnstable
	case nrDirty > 0:
		state = metadata.StateFastClean
	}

	sb := metadata.Superblock{
		State:        state,
		BlockSize:    geom.BlockSize,
		Size:         geom.Size,
		Assoc:        geom.Assoc,
		DiskName:     geom.DiskName,
		CacheName:    geom.CacheName,
		DiskSectors:  geom.DiskSectors,
		CacheSectors: uint64(m.cache.SectorCount()),
		Version:      metadata.CacheVersion,
	}

	if err := m.cache.WriteSync(0, metadata.EncodeSuperblock(sb)); err != nil {
		return StoreResult{State: metadata.StateUnstable}, fmt.Errorf("persistence: writing superblock: %w", err)
	}

	if err := m.cache.Sync(); err != nil {
		return StoreResult{State: state}, fmt.Errorf("persistence: fsync: %w", err)
	}

	return StoreResult{State: state}, nil
}

func isPow2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// SectorSize is the fixed unit of the on-device layout, matching
// blockio.SectorSize. Kept as an independent constant so this package has
// no dependency on blockio — the codec only ever sees raw bytes.
const SectorSize = 512

// DevPathLen is the fixed width, in bytes, of the disk/cache device path
// strings embedded in the superblock (mirrors the legacy DEV_PATHLEN;
// the header defining its exact legacy value was not part of the
// retrieval pack, so 128 is chosen as a generous, sector-friendly width).
const DevPathLen = 128

// CacheVersion is the on-disk format version this codec writes.
const CacheVersion = 1

const superblockMagic = "WBC1"

// State is the superblock's `cache_sb_state`: the shutdown/crash-recovery
// state of the cache (spec §4.F, §6).
type State uint32

const (
	// StateDirty means the cache is open or was not shut down cleanly.
	StateDirty State = 1
	// StateClean means all dirty blocks were flushed before shutdown.
	StateClean State = 2
	// StateFastClean means shutdown skipped cleaning (fast_remove) but
	// persisted dirty descriptors verbatim.
	StateFastClean State = 3
	// StateUnstable means a metadata write failed during the final
	// flush; the device must not be trusted without repair.
	StateUnstable State = 4
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateDirty:
		return "DIRTY"
	case StateClean:
		return "CLEAN"
	case StateFastClean:
		return "FASTCLEAN"
	case StateUnstable:
		return "UNSTABLE"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether s is one of the four defined states.
func (s State) Valid() bool {
	return s >= StateDirty && s <= StateUnstable
}

// Superblock is the decoded form of sector 0.
type Superblock struct {
	State        State
	BlockSize    uint32 // sectors per block
	Size         uint64 // total slots
	Assoc        uint32
	DiskName     string
	CacheName    string
	DiskSectors  uint64
	CacheSectors uint64
	Version      uint32
}

// Superblock field offsets, little-endian, matching the teacher's
// off<Field> convention in pkg/slotcache/format.go.
const (
	offMagic        = 0x000 // [4]byte
	offState        = 0x004 // uint32
	offBlockSize    = 0x008 // uint32
	offAssoc        = 0x00C // uint32
	offSize         = 0x010 // uint64
	offDiskSectors  = 0x018 // uint64
	offCacheSectors = 0x020 // uint64
	offVersion      = 0x028 // uint32
	offCRC32C       = 0x02C // uint32
	offDiskName     = 0x030 // [DevPathLen]byte
	offCacheName    = offDiskName + DevPathLen
)

// ErrMalformedMetadata is returned by DecodeSuperblock/DecodeSlot when the
// buffer fails magic, version, or CRC validation.
var ErrMalformedMetadata = errors.New("metadata: malformed")

// EncodeSuperblock serializes sb into a SectorSize-byte sector.
func EncodeSuperblock(sb Superblock) []byte {
	buf := make([]byte, SectorSize)

	copy(buf[offMagic:], superblockMagic)
	binary.LittleEndian.PutUint32(buf[offState:], uint32(sb.State))
	binary.LittleEndian.PutUint32(buf[offBlockSize:], sb.BlockSize)
	binary.LittleEndian.PutUint32(buf[offAssoc:], sb.Assoc)
	binary.LittleEndian.PutUint64(buf[offSize:], sb.Size)
	binary.LittleEndian.PutUint64(buf[offDiskSectors:], sb.DiskSectors)
	binary.LittleEndian.PutUint64(buf[offCacheSectors:], sb.CacheSectors)
	binary.LittleEndian.PutUint32(buf[offVersion:], sb.Version)
	putPathString(buf[offDiskName:offDiskName+DevPathLen], sb.DiskName)
	putPathString(buf[offCacheName:offCacheName+DevPathLen], sb.CacheName)

	binary.LittleEndian.PutUint32(buf[offCRC32C:], computeSuperblockCRC(buf))

	return buf
}

// DecodeSuperblock parses a SectorSize-byte sector written by
// EncodeSuperblock, validating magic, CRC, version, and state.
func DecodeSuperblock(buf []byte) (Superblock, error) {
	if len(buf) != SectorSize {
		return Superblock{}, fmt.Errorf("metadata: superblock must be %d bytes, got %d: %w", SectorSize, len(buf), ErrMalformedMetadata)
	}

	if string(buf[offMagic:offMagic+4]) != superblockMagic {
		return Superblock{}, fmt.Errorf("metadata: bad superblock magic: %w", ErrMalformedMetadata)
	}

	storedCRC := binary.LittleEndian.Uint32(buf[offCRC32C:])
	if storedCRC != computeSuperblockCRC(buf) {
		return Superblock{}, fmt.Errorf("metadata: superblock CRC mismatch: %w", ErrMalformedMetadata)
	}

	if version := binary.LittleEndian.Uint32(buf[offVersion:]); version != CacheVersion {
		return Superblock{}, fmt.Errorf("metadata: unsupported superblock version %d: %w", version, ErrMalformedMetadata)
	}

	state := State(binary.LittleEndian.Uint32(buf[offState:]))
	if !state.Valid() {
		return Superblock{}, fmt.Errorf("metadata: unknown superblock state %d: %w", state, ErrMalformedMetadata)
	}

	return Superblock{
		State:        state,
		BlockSize:    binary.LittleEndian.Uint32(buf[offBlockSize:]),
		Assoc:        binary.LittleEndian.Uint32(buf[offAssoc:]),
		Size:         binary.LittleEndian.Uint64(buf[offSize:]),
		DiskSectors:  binary.LittleEndian.Uint64(buf[offDiskSectors:]),
		CacheSectors: binary.LittleEndian.Uint64(buf[offCacheSectors:]),
		Version:      binary.LittleEndian.Uint32(buf[offVersion:]),
		DiskName:     getPathString(buf[offDiskName : offDiskName+DevPathLen]),
		CacheName:    getPathString(buf[offCacheName : offCacheName+DevPathLen]),
	}, nil
}

// computeSuperblockCRC hashes the sector with the CRC field itself
// zeroed, the same excluded-field technique the teacher uses for its
// header CRC in pkg/slotcache/format.go.
func computeSuperblockCRC(buf []byte) uint32 {
	tmp := make([]byte, SectorSize)
	copy(tmp, buf)

	for i := offCRC32C; i < offCRC32C+4; i++ {
		tmp[i] = 0
	}

	return crc32.Checksum(tmp, crc32.MakeTable(crc32.Castagnoli))
}

func putPathString(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}

	copy(dst, s)
}

func getPathString(src []byte) string {
	n := 0
	for n < len(src) && src[n] != 0 {
		n++
	}

	return string(src[:n])
}

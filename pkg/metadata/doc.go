// Package metadata encodes and decodes the on-device layout of a cache
// device: a single superblock at sector 0 and a packed region of per-slot
// descriptors starting at sector 1.
//
// Layout and field widths mirror the teacher's pkg/slotcache/format.go
// style — fixed byte offsets, encoding/binary.LittleEndian, a
// CRC32-Castagnoli header checksum — generalized from a single mmap'd
// header to the superblock/descriptor split this spec requires.
package metadata

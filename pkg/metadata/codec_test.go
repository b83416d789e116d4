package metadata_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/wbcache/wbcache/pkg/metadata"
)

func TestSuperblockRoundTrip(t *testing.T) {
	want := metadata.Superblock{
		State:        metadata.StateClean,
		BlockSize:    8,
		Size:         16,
		Assoc:        4,
		DiskName:     "/dev/sdb",
		CacheName:    "/dev/nvme0n1",
		DiskSectors:  1 << 20,
		CacheSectors: 1 << 16,
		Version:      metadata.CacheVersion,
	}

	buf := metadata.EncodeSuperblock(want)
	require.Len(t, buf, metadata.SectorSize)

	got, err := metadata.DecodeSuperblock(buf)
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("superblock round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeSuperblock_RejectsBadMagic(t *testing.T) {
	buf := metadata.EncodeSuperblock(metadata.Superblock{State: metadata.StateClean})
	buf[0] = 'X'

	_, err := metadata.DecodeSuperblock(buf)
	require.ErrorIs(t, err, metadata.ErrMalformedMetadata)
}

func TestDecodeSuperblock_RejectsCorruptedCRC(t *testing.T) {
	buf := metadata.EncodeSuperblock(metadata.Superblock{State: metadata.StateDirty, BlockSize: 8})
	buf[20] ^= 0xFF

	_, err := metadata.DecodeSuperblock(buf)
	require.ErrorIs(t, err, metadata.ErrMalformedMetadata)
}

func TestSlotRoundTrip_NoChecksum(t *testing.T) {
	format := metadata.Format{Checksums: false}
	want := metadata.Descriptor{DBN: 4096, State: metadata.Dirty}

	buf := metadata.EncodeSlot(format, want)
	require.Len(t, buf, 16)

	got, err := metadata.DecodeSlot(format, buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSlotRoundTrip_WithChecksum(t *testing.T) {
	format := metadata.Format{Checksums: true}
	want := metadata.Descriptor{DBN: 8, Checksum: 0xDEADBEEF, State: metadata.Valid}

	buf := metadata.EncodeSlot(format, want)
	require.Len(t, buf, 24)

	got, err := metadata.DecodeSlot(format, buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSlot_StateMaskedBeforeEncode(t *testing.T) {
	format := metadata.Format{Checksums: false}

	// Transient in-progress bits (values beyond the persisted {0,1,3}
	// set) must never survive a round trip.
	buf := metadata.EncodeSlot(format, metadata.Descriptor{DBN: 1, State: metadata.Dirty | 0x100})

	got, err := metadata.DecodeSlot(format, buf)
	require.NoError(t, err)
	require.Equal(t, metadata.Dirty, got.State)
}

func TestFormat_BlocksPerSector(t *testing.T) {
	require.Equal(t, 32, metadata.Format{Checksums: false}.BlocksPerSector())
	require.Equal(t, 21, metadata.Format{Checksums: true}.BlocksPerSector())
}

func TestFormat_MDSectors(t *testing.T) {
	format := metadata.Format{Checksums: false}
	// 16 slots at 32/sector = 1 descriptor sector, plus superblock(1) + spare(1).
	require.Equal(t, int64(3), format.MDSectors(16))
}

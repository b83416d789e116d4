package wbcache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wbcache/wbcache"
	"github.com/wbcache/wbcache/pkg/blockio"
	"github.com/wbcache/wbcache/pkg/control"
	"github.com/wbcache/wbcache/pkg/engine"
	"github.com/wbcache/wbcache/pkg/metadata"
)

// newDevices builds a fresh disk/cache device pair at spec §8's
// walkthrough geometry (block_size=8 sectors, assoc=4, size=16 blocks,
// 4 sets).
func newDevices(t *testing.T) (disk, cacheDev blockio.Device) {
	t.Helper()

	const (
		size      = 16
		blockSecs = 8
	)

	format := metadata.Format{Checksums: true}
	mdSectors := format.MDSectors(size)

	return blockio.NewMem(1 << 20 / blockio.SectorSize), blockio.NewMem(mdSectors + size*blockSecs)
}

func openTestCache(t *testing.T, disk, cacheDev blockio.Device, mode wbcache.Mode) *wbcache.Cache {
	t.Helper()

	c, err := wbcache.OpenDevices(disk, cacheDev, wbcache.Options{
		DiskPath:  "/dev/disk",
		CachePath: "/dev/cache",
		Mode:      mode,
		BlockSize: 8,
		Assoc:     4,
		Size:      16 * 8,
		Checksums: true,
		Tunables:  control.DefaultTunables(),
	})
	require.NoError(t, err)

	return c
}

func blockBuf(fill byte) []byte {
	buf := make([]byte, 8*blockio.SectorSize)
	for i := range buf {
		buf[i] = fill
	}

	return buf
}

func TestWriteThenReadHit(t *testing.T) {
	disk, cacheDev := newDevices(t)
	c := openTestCache(t, disk, cacheDev, wbcache.Create)

	want := blockBuf(0xAA)
	require.NoError(t, c.SubmitSync(engine.Request{Op: engine.Write, DBN: 0, Buf: want}))

	got := make([]byte, len(want))
	require.NoError(t, c.SubmitSync(engine.Request{Op: engine.Read, DBN: 0, Buf: got}))
	require.Equal(t, want, got)

	require.NoError(t, c.Shutdown(context.Background(), false))
}

func TestReadMissFillsCacheThenHits(t *testing.T) {
	disk, cacheDev := newDevices(t)
	c := openTestCache(t, disk, cacheDev, wbcache.Create)

	require.NoError(t, disk.WriteSync(8, blockBuf(0xBB)))

	got := make([]byte, 8*blockio.SectorSize)
	require.NoError(t, c.SubmitSync(engine.Request{Op: engine.Read, DBN: 8, Buf: got}))
	require.Equal(t, blockBuf(0xBB), got)

	got2 := make([]byte, 8*blockio.SectorSize)
	require.NoError(t, c.SubmitSync(engine.Request{Op: engine.Read, DBN: 8, Buf: got2}))
	require.Equal(t, blockBuf(0xBB), got2)

	require.NoError(t, c.Shutdown(context.Background(), false))
}

func TestVictimWriteBack(t *testing.T) {
	disk, cacheDev := newDevices(t)
	c := openTestCache(t, disk, cacheDev, wbcache.Create)

	// Set 0 holds DBNs {0, 32, 64, 96}: hash_block(dbn) = (dbn/blockSecs)
	// mod nsets, and blockSecs=8, nsets=4 here, so each step of 32
	// (= blockSecs*nsets) stays in the same set.
	for _, dbn := range []uint64{0, 32, 64, 96} {
		require.NoError(t, c.SubmitSync(engine.Request{Op: engine.Write, DBN: dbn, Buf: blockBuf(byte(dbn))}))
	}

	// A 5th DBN hashing to set 0 evicts the FIFO-first slot (dbn 0).
	require.NoError(t, c.SubmitSync(engine.Request{Op: engine.Write, DBN: 128, Buf: blockBuf(0xFF)}))

	readBack := make([]byte, 8*blockio.SectorSize)
	require.NoError(t, disk.ReadSync(0, readBack))
	require.Equal(t, blockBuf(0), readBack, "evicted dirty slot must be written back before reuse")

	require.NoError(t, c.Shutdown(context.Background(), false))
}

func TestCrashRecoveryDirty(t *testing.T) {
	disk, cacheDev := newDevices(t)
	c := openTestCache(t, disk, cacheDev, wbcache.Create)

	for _, dbn := range []uint64{0, 8, 16} {
		require.NoError(t, c.SubmitSync(engine.Request{Op: engine.Write, DBN: dbn, Buf: blockBuf(byte(dbn))}))
	}

	// No Shutdown: simulate a crash by reopening the same cache device
	// without a graceful store, exercising spec §4.F's DIRTY-state load
	// policy.
	reopened := openTestCache(t, disk, cacheDev, wbcache.Reload)

	for _, dbn := range []uint64{0, 8, 16} {
		got := make([]byte, 8*blockio.SectorSize)
		require.NoError(t, reopened.SubmitSync(engine.Request{Op: engine.Read, DBN: dbn, Buf: got}))
		require.Equal(t, blockBuf(byte(dbn)), got)
	}

	require.NoError(t, reopened.Shutdown(context.Background(), false))
}

func TestFastRemove(t *testing.T) {
	disk, cacheDev := newDevices(t)
	c := openTestCache(t, disk, cacheDev, wbcache.Create)

	dbns := []uint64{0, 8, 16, 24, 32}
	for _, dbn := range dbns {
		require.NoError(t, c.SubmitSync(engine.Request{Op: engine.Write, DBN: dbn, Buf: blockBuf(byte(dbn))}))
	}

	require.NoError(t, c.Shutdown(context.Background(), true))

	reopened := openTestCache(t, disk, cacheDev, wbcache.Reload)

	for _, dbn := range dbns {
		got := make([]byte, 8*blockio.SectorSize)
		require.NoError(t, reopened.SubmitSync(engine.Request{Op: engine.Read, DBN: dbn, Buf: got}))
		require.Equal(t, blockBuf(byte(dbn)), got)
	}

	require.NoError(t, reopened.Shutdown(context.Background(), false))
}

func TestUncacheablePID(t *testing.T) {
	disk, cacheDev := newDevices(t)
	c := openTestCache(t, disk, cacheDev, wbcache.Create)

	const deniedPID = 1234
	require.True(t, c.PIDs().Add(control.DenyList, deniedPID))

	require.NoError(t, c.SubmitSync(engine.Request{Op: engine.Write, DBN: 0, PID: deniedPID, Buf: blockBuf(0x55)}))

	got := make([]byte, 8*blockio.SectorSize)
	require.NoError(t, disk.ReadSync(0, got))
	require.Equal(t, blockBuf(0x55), got, "uncacheable write must land directly on the backing disk")

	require.NoError(t, c.Shutdown(context.Background(), false))
}

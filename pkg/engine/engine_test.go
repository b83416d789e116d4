package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wbcache/wbcache/pkg/blockio"
	"github.com/wbcache/wbcache/pkg/engine"
	"github.com/wbcache/wbcache/pkg/index"
	"github.com/wbcache/wbcache/pkg/metadata"
	"github.com/wbcache/wbcache/pkg/persistence"
)

// testHarness wires a fresh Engine over in-memory disk/cache devices,
// matching the 16-slot/assoc-4/8-sector-block geometry the index package's
// own tests use (spec §8's walkthrough geometry).
type testHarness struct {
	engine *engine.Engine
	disk   blockio.Device
	cache  blockio.Device
	idx    *index.Index
}

func newHarness(t *testing.T, policy engine.Policy) *testHarness {
	t.Helper()

	const (
		size      = 16
		assoc     = 4
		blockSecs = 8
	)

	geom := persistence.Geometry{
		Format:    metadata.Format{Checksums: true},
		BlockSize: blockSecs,
		Size:      size,
		Assoc:     assoc,
		DiskName:  "/dev/disk",
		CacheName: "/dev/cache",
	}

	mdSectors := geom.Format.MDSectors(size)
	cache := blockio.NewMem(mdSectors + size*blockSecs)

	mgr, descriptors, err := persistence.Create(cache, geom, false)
	require.NoError(t, err)
	mgr.Hydrate(descriptors)

	disk := blockio.NewMem(1 << 20 / blockio.SectorSize)

	idx := index.New(size, assoc, blockSecs, index.FIFO)
	e := engine.New(idx, disk, cache, mgr, geom.Format, blockSecs, policy)

	return &testHarness{engine: e, disk: disk, cache: cache, idx: idx}
}

func submit(t *testing.T, e *engine.Engine, req engine.Request) error {
	t.Helper()

	var (
		called bool
		result error
	)

	e.Submit(req, func(err error) {
		called = true
		result = err
	})

	require.True(t, called, "done must be invoked synchronously against in-memory devices")

	return result
}

func blockBuf(blockSecs int, fill byte) []byte {
	buf := make([]byte, blockSecs*blockio.SectorSize)
	for i := range buf {
		buf[i] = fill
	}

	return buf
}

func TestWriteThenReadHit(t *testing.T) {
	h := newHarness(t, nil)

	want := blockBuf(8, 0x42)
	require.NoError(t, submit(t, h.engine, engine.Request{Op: engine.Write, DBN: 8, Buf: want}))
	require.Equal(t, int64(1), h.engine.Counters.WriteMisses.Load())

	got := make([]byte, len(want))
	require.NoError(t, submit(t, h.engine, engine.Request{Op: engine.Read, DBN: 8, Buf: got}))
	require.Equal(t, want, got)
	require.Equal(t, int64(1), h.engine.Counters.ReadHits.Load())
}

func TestOnDirtyHookFiresAfterWrite(t *testing.T) {
	h := newHarness(t, nil)

	var gotSet, gotNRDirty int

	h.engine.OnDirty = func(setIdx, nrDirty int) {
		gotSet = setIdx
		gotNRDirty = nrDirty
	}

	buf := blockBuf(8, 0x1)
	require.NoError(t, submit(t, h.engine, engine.Request{Op: engine.Write, DBN: 8, Buf: buf}))

	require.Equal(t, h.idx.HashBlock(8), gotSet)
	require.Equal(t, 1, gotNRDirty)
}

func TestReadMissFillsFromDisk(t *testing.T) {
	h := newHarness(t, nil)

	diskContent := blockBuf(8, 0x7)
	require.NoError(t, h.disk.WriteSync(8, diskContent))

	got := make([]byte, len(diskContent))
	require.NoError(t, submit(t, h.engine, engine.Request{Op: engine.Read, DBN: 8, Buf: got}))
	require.Equal(t, diskContent, got)
	require.Equal(t, int64(1), h.engine.Counters.ReadMisses.Load())

	slotIdx, hit := h.idx.Lookup(8)
	require.True(t, hit)
	require.False(t, h.idx.Slot(slotIdx).State&index.Dirty != 0)
}

// dbnForSet builds a dbn that hashes to setIdx: hash_block(dbn) is
// (dbn/blockSecs) mod nSets, so stepping by blockSecs*nSets between
// "copies" keeps every one of them in the same set while still being a
// distinct backing-disk location.
func dbnForSet(setIdx, nSets, blockSecs, copy int) uint64 {
	return uint64(setIdx+copy*nSets) * uint64(blockSecs)
}

func TestVictimWriteBackOnReplace(t *testing.T) {
	h := newHarness(t, nil)

	const blockSecs = 8

	setIdx := h.idx.HashBlock(0)
	nSets := h.idx.NSets()

	dbns := make([]uint64, h.idx.Assoc())
	for local := 0; local < h.idx.Assoc(); local++ {
		dbn := dbnForSet(setIdx, nSets, blockSecs, local)
		dbns[local] = dbn
		buf := blockBuf(blockSecs, byte(local+1))
		require.NoError(t, submit(t, h.engine, engine.Request{Op: engine.Write, DBN: dbn, Buf: buf}))
	}

	require.Equal(t, h.idx.Assoc(), h.idx.NRDirty(setIdx))

	// Every slot in the set is now dirty; a new dbn hashing to the same
	// set must write back a victim before installing.
	newDBN := dbnForSet(setIdx, nSets, blockSecs, h.idx.Assoc())
	newBuf := blockBuf(blockSecs, 0xEE)
	require.NoError(t, submit(t, h.engine, engine.Request{Op: engine.Write, DBN: newDBN, Buf: newBuf}))
	require.Equal(t, int64(1), h.engine.Counters.Replace.Load())

	evictedDBN := dbns[0]
	diskBuf := make([]byte, len(newBuf))
	require.NoError(t, h.disk.ReadSync(evictedDBN, diskBuf))
	require.Equal(t, byte(1), diskBuf[0], "victim's dirty payload must reach disk before reuse")
}

func TestUncacheablePolicyForwardsToDisk(t *testing.T) {
	policy := engine.PolicyFunc(func(req engine.Request) bool { return req.PID == 99 })
	h := newHarness(t, policy)

	buf := blockBuf(8, 0x5)
	require.NoError(t, submit(t, h.engine, engine.Request{Op: engine.Write, DBN: 8, PID: 99, Buf: buf}))
	require.Equal(t, int64(1), h.engine.Counters.UncachedWrites.Load())

	_, hit := h.idx.Lookup(8)
	require.False(t, hit, "an uncacheable request must never populate the index")

	got := make([]byte, len(buf))
	require.NoError(t, h.disk.ReadSync(8, got))
	require.Equal(t, buf, got)
}

func TestNoRoomFallsBackToDisk(t *testing.T) {
	h := newHarness(t, nil)

	const blockSecs = 8

	setIdx := h.idx.HashBlock(0)
	base := setIdx * h.idx.Assoc()
	nSets := h.idx.NSets()

	h.idx.Lock()
	for local := 0; local < h.idx.Assoc(); local++ {
		h.idx.SetStateLocked(base+local, index.DiskReadInProgress)
	}
	h.idx.Unlock()

	buf := blockBuf(blockSecs, 0x9)
	newDBN := dbnForSet(setIdx, nSets, blockSecs, h.idx.Assoc())
	require.NoError(t, submit(t, h.engine, engine.Request{Op: engine.Write, DBN: newDBN, Buf: buf}))
	require.Equal(t, int64(1), h.engine.Counters.NoRoom.Load())

	_, hit := h.idx.Lookup(newDBN)
	require.False(t, hit)
}

func TestChecksumMismatchDemotesAndRetriesFromDisk(t *testing.T) {
	h := newHarness(t, nil)

	want := blockBuf(8, 0x3)
	require.NoError(t, submit(t, h.engine, engine.Request{Op: engine.Write, DBN: 8, Buf: want}))

	slotIdx, hit := h.idx.Lookup(8)
	require.True(t, hit)

	// Corrupt the cache payload directly so the checksum no longer matches.
	corrupt := blockBuf(8, 0xFF)
	require.NoError(t, h.cache.WriteSync(h.engineSlotSector(t, slotIdx), corrupt))

	diskContent := blockBuf(8, 0x3)
	require.NoError(t, h.disk.WriteSync(8, diskContent))

	got := make([]byte, len(want))
	require.NoError(t, submit(t, h.engine, engine.Request{Op: engine.Read, DBN: 8, Buf: got}))
	require.Equal(t, diskContent, got, "a checksum mismatch must fall back to the backing disk")
	require.Equal(t, int64(1), h.engine.Counters.ChecksumInvalid.Load())

	_, hit = h.idx.Lookup(8)
	require.False(t, hit, "the corrupted slot must be invalidated")
}

// engineSlotSector mirrors the engine's own slotSector arithmetic so the
// test can corrupt exactly the bytes the engine will read back. It is
// kept in lock-step with persistence's MDSectors/geometry by construction
// of the harness (md_sectors + slotIdx*blockSectors).
func (h *testHarness) engineSlotSector(t *testing.T, slotIdx int) int64 {
	t.Helper()

	const blockSecs = 8

	mdSectors := metadata.Format{Checksums: true}.MDSectors(16)

	return mdSectors + int64(slotIdx)*blockSecs
}

package index_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wbcache/wbcache/pkg/index"
)

// 16 slots, assoc 4, block size 8 sectors -> 4 sets, matching the scenarios
// spec §8 walks through.
func newTestIndex(t *testing.T, policy index.Policy) *index.Index {
	t.Helper()

	return index.New(16, 4, 8, policy)
}

func TestLookup_MissOnEmptyIndex(t *testing.T) {
	idx := newTestIndex(t, index.FIFO)

	_, hit := idx.Lookup(0)
	require.False(t, hit)
}

func TestLookup_FindsInstalledSlot(t *testing.T) {
	idx := newTestIndex(t, index.FIFO)

	setIdx := idx.HashBlock(8)
	slotIdx, err := idx.FindVictim(setIdx)
	require.NoError(t, err)

	idx.Lock()
	idx.InstallLocked(slotIdx, 8, 0)
	idx.SetStateLocked(slotIdx, index.Valid)
	idx.Unlock()

	got, hit := idx.Lookup(8)
	require.True(t, hit)
	require.Equal(t, slotIdx, got)
}

func TestLookup_SkipsInstallingSlot(t *testing.T) {
	idx := newTestIndex(t, index.FIFO)

	setIdx := idx.HashBlock(8)
	slotIdx, err := idx.FindVictim(setIdx)
	require.NoError(t, err)

	idx.Lock()
	idx.InstallLocked(slotIdx, 8, 0)
	idx.SetStateLocked(slotIdx, index.Valid|index.Installing|index.DiskReadInProgress)
	idx.Unlock()

	_, hit := idx.Lookup(8)
	require.False(t, hit, "a slot mid-install must not satisfy lookup for its prospective dbn")
}

func TestFindVictim_FIFOAdvancesAndWrapsAroundPinned(t *testing.T) {
	idx := newTestIndex(t, index.FIFO)
	setIdx := idx.HashBlock(0)

	first, err := idx.FindVictim(setIdx)
	require.NoError(t, err)

	second, err := idx.FindVictim(setIdx)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// Pin every slot in the set; next call must report NoRoom.
	base := setIdx * idx.Assoc()
	idx.Lock()
	for local := 0; local < idx.Assoc(); local++ {
		idx.SetStateLocked(base+local, index.DiskReadInProgress)
	}
	idx.Unlock()

	_, err = idx.FindVictim(setIdx)
	require.ErrorIs(t, err, index.ErrNoRoom)
}

func TestFindVictim_LRUPrefersLeastRecentlyTouched(t *testing.T) {
	idx := newTestIndex(t, index.LRU)
	setIdx := idx.HashBlock(0)
	base := setIdx * idx.Assoc()

	// Touch every slot except local offset 1, making it the LRU victim.
	idx.Touch(base + 0)
	idx.Touch(base + 2)
	idx.Touch(base + 3)

	victim, err := idx.FindVictim(setIdx)
	require.NoError(t, err)
	require.Equal(t, base+1, victim)
}

func TestSetState_TracksNRDirty(t *testing.T) {
	idx := newTestIndex(t, index.FIFO)
	setIdx := idx.HashBlock(0)

	slotIdx, err := idx.FindVictim(setIdx)
	require.NoError(t, err)

	idx.SetState(slotIdx, index.Valid)
	require.Equal(t, 0, idx.NRDirty(setIdx))

	idx.SetState(slotIdx, index.Dirty)
	require.Equal(t, 1, idx.NRDirty(setIdx))

	idx.ClearState(slotIdx, index.Dirty)
	require.Equal(t, 0, idx.NRDirty(setIdx))
}

func TestNRDirtyTotalAndCachedBlocks(t *testing.T) {
	idx := newTestIndex(t, index.FIFO)
	setIdx := idx.HashBlock(0)

	slotIdx, err := idx.FindVictim(setIdx)
	require.NoError(t, err)

	idx.SetState(slotIdx, index.Valid|index.Dirty)

	otherSet := (setIdx + 1) % idx.NSets()
	otherSlot, err := idx.FindVictim(otherSet)
	require.NoError(t, err)

	idx.SetState(otherSlot, index.Valid)

	require.Equal(t, 1, idx.NRDirtyTotal())
	require.Equal(t, 2, idx.CachedBlocks())
}

func TestPendingQueue_DrainsFIFO(t *testing.T) {
	idx := newTestIndex(t, index.FIFO)
	setIdx := idx.HashBlock(0)

	slotIdx, err := idx.FindVictim(setIdx)
	require.NoError(t, err)

	var order []int

	idx.Lock()
	idx.EnqueuePendingLocked(slotIdx, func() { order = append(order, 1) })
	idx.EnqueuePendingLocked(slotIdx, func() { order = append(order, 2) })
	require.Equal(t, 2, idx.SlotLocked(slotIdx).NRQueued)
	waiters := idx.DrainPendingLocked(slotIdx)
	idx.Unlock()

	for _, w := range waiters {
		w()
	}

	require.Equal(t, []int{1, 2}, order)
	require.Equal(t, 0, idx.Slot(slotIdx).NRQueued)
}

func TestSetChecksumLocked_UpdatesIndependentlyOfInstall(t *testing.T) {
	idx := newTestIndex(t, index.FIFO)

	setIdx := idx.HashBlock(8)
	slotIdx, err := idx.FindVictim(setIdx)
	require.NoError(t, err)

	idx.Lock()
	idx.InstallLocked(slotIdx, 8, 0)
	idx.SetStateLocked(slotIdx, index.Valid)
	idx.SetChecksumLocked(slotIdx, 0xABCD)
	idx.Unlock()

	require.Equal(t, uint64(0xABCD), idx.Slot(slotIdx).Checksum, "a later payload write must update the checksum without reinstalling the slot")
}

func TestPinnedSlotCannotBeVictim(t *testing.T) {
	idx := newTestIndex(t, index.FIFO)
	setIdx := idx.HashBlock(0)

	slotIdx, err := idx.FindVictim(setIdx)
	require.NoError(t, err)

	idx.Lock()
	idx.EnqueuePendingLocked(slotIdx, func() {})
	idx.Unlock()

	for i := 1; i < idx.Assoc(); i++ {
		v, err := idx.FindVictim(setIdx)
		require.NoError(t, err)
		require.NotEqual(t, slotIdx, v, "a slot with nr_queued > 0 is pinned")
	}
}

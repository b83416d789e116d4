package index

import "sync"

// ErrNoRoom is returned by FindVictim when every slot in a set is pinned.
type noRoomError struct{}

func (noRoomError) Error() string { return "index: no unpinned slot available in set" }

// ErrNoRoom is the error FindVictim returns when every slot in the set is
// pinned; callers test for it with errors.Is.
var ErrNoRoom error = noRoomError{}

// Index owns the flat slot array, the per-set structures, and the single
// lock serializing all mutation (spec §4.C, §5).
type Index struct {
	mu sync.Mutex

	slots     []Slot
	sets      []Set
	assoc     int
	blockSize uint32
	policy    Policy

	// pending holds, per slot, the resume callbacks of requests waiting
	// for the slot to unpin (spec §9 "intrusive FIFO queue rooted in
	// each slot"). Guarded by mu, same as everything else: the spec
	// requires the single instance lock to cover pending lists too.
	pending [][]func()
}

// New constructs an Index for nSlots slots grouped into sets of assoc
// slots each, using blockSize (sectors per block) to compute
// hash_block(dbn) and the given replacement policy.
func New(nSlots, assoc int, blockSize uint32, policy Policy) *Index {
	nSets := nSlots / assoc

	idx := &Index{
		slots:     make([]Slot, nSlots),
		sets:      make([]Set, nSets),
		assoc:     assoc,
		blockSize: blockSize,
		policy:    policy,
		pending:   make([][]func(), nSlots),
	}

	for i := range idx.slots {
		idx.slots[i].State = Invalid
		idx.slots[i].lruPrev = -1
		idx.slots[i].lruNext = -1
	}

	if policy == LRU {
		for s := range idx.sets {
			idx.initLRU(s)
		}
	} else {
		for s := range idx.sets {
			idx.sets[s].lruHead = -1
			idx.sets[s].lruTail = -1
		}
	}

	return idx
}

// initLRU links every slot of set s into a head-to-tail chain in
// ascending local-offset order, the natural order at construction time.
func (idx *Index) initLRU(s int) {
	base := s * idx.assoc

	for local := 0; local < idx.assoc; local++ {
		slot := &idx.slots[base+local]
		slot.lruPrev = local - 1
		slot.lruNext = local + 1

		if local == idx.assoc-1 {
			slot.lruNext = -1
		}
	}

	idx.sets[s].lruHead = 0
	idx.sets[s].lruTail = idx.assoc - 1
}

// Lock acquires the instance lock. Exported so that callers (the request
// engine, the cleaner) can extend a single critical section across index
// mutation and their own per-slot bookkeeping (pending metadata writes,
// dirty counters) that the spec requires share the same lock.
func (idx *Index) Lock() { idx.mu.Lock() }

// Unlock releases the instance lock.
func (idx *Index) Unlock() { idx.mu.Unlock() }

// NSets returns the number of sets.
func (idx *Index) NSets() int { return len(idx.sets) }

// Assoc returns the configured associativity.
func (idx *Index) Assoc() int { return idx.assoc }

// SetOf returns the set index owning slotIdx.
func (idx *Index) SetOf(slotIdx int) int { return slotIdx / idx.assoc }

// HashBlock computes hash_block(dbn) mod n_sets (spec §4.C).
func (idx *Index) HashBlock(dbn uint64) int {
	return int((dbn / uint64(idx.blockSize)) % uint64(len(idx.sets)))
}

// Slot returns a copy of the slot at slotIdx. Callers needing a
// consistent snapshot must hold the lock across the read and any
// decision made from it.
func (idx *Index) Slot(slotIdx int) Slot {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	return idx.slots[slotIdx]
}

// SlotLocked is the same as Slot but assumes the caller already holds
// the lock (via Lock/Unlock).
func (idx *Index) SlotLocked(slotIdx int) Slot {
	return idx.slots[slotIdx]
}

// NRDirty returns the set's current dirty count.
func (idx *Index) NRDirty(setIdx int) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	return idx.sets[setIdx].nrDirty
}

// NRDirtyLocked is NRDirty for a caller already holding the lock.
func (idx *Index) NRDirtyLocked(setIdx int) int {
	return idx.sets[setIdx].nrDirty
}

// NSlots returns the total slot count across every set.
func (idx *Index) NSlots() int { return len(idx.slots) }

// NRDirtyTotal sums nr_dirty across every set, for the control surface's
// per-instance stats report (spec §6).
func (idx *Index) NRDirtyTotal() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	total := 0
	for i := range idx.sets {
		total += idx.sets[i].nrDirty
	}

	return total
}

// CachedBlocks counts slots currently Valid, for the same stats report.
func (idx *Index) CachedBlocks() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n := 0
	for i := range idx.slots {
		if idx.slots[i].State&Valid != 0 {
			n++
		}
	}

	return n
}

// Lookup implements spec §4.C lookup(dbn): the first slot in dbn's set
// that is Valid, not mid-installation, and matches dbn exactly.
func (idx *Index) Lookup(dbn uint64) (slotIdx int, hit bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	return idx.LookupLocked(dbn)
}

// LookupLocked is Lookup for a caller already holding the lock.
func (idx *Index) LookupLocked(dbn uint64) (slotIdx int, hit bool) {
	setIdx := idx.HashBlock(dbn)
	base := setIdx * idx.assoc

	for local := 0; local < idx.assoc; local++ {
		slot := &idx.slots[base+local]
		if slot.State&Valid != 0 && slot.State&Installing == 0 && slot.DBN == dbn {
			return base + local, true
		}
	}

	return 0, false
}

// FindVictim implements spec §4.C find_victim: the first unpinned slot
// in setIdx under the index's configured policy, or ErrNoRoom.
func (idx *Index) FindVictim(setIdx int) (slotIdx int, err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	return idx.FindVictimLocked(setIdx)
}

// FindVictimLocked is FindVictim for a caller already holding the lock.
func (idx *Index) FindVictimLocked(setIdx int) (int, error) {
	if idx.policy == LRU {
		return idx.findVictimLRU(setIdx)
	}

	return idx.findVictimFIFO(setIdx)
}

func (idx *Index) findVictimFIFO(setIdx int) (int, error) {
	set := &idx.sets[setIdx]
	base := setIdx * idx.assoc

	for i := 0; i < idx.assoc; i++ {
		local := (set.fifoNext + i) % idx.assoc
		slot := &idx.slots[base+local]

		if !slot.pinned() {
			set.fifoNext = (local + 1) % idx.assoc

			return base + local, nil
		}
	}

	return 0, ErrNoRoom
}

func (idx *Index) findVictimLRU(setIdx int) (int, error) {
	set := &idx.sets[setIdx]
	base := setIdx * idx.assoc

	for local := set.lruHead; local != -1; {
		slot := &idx.slots[base+local]
		if !slot.pinned() {
			return base + local, nil
		}

		local = slot.lruNext
	}

	return 0, ErrNoRoom
}

// Touch implements spec §4.C touch: detach slotIdx from its set's LRU
// list and push it to the tail (most recently used). A no-op under FIFO.
func (idx *Index) Touch(slotIdx int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.TouchLocked(slotIdx)
}

// TouchLocked is Touch for a caller already holding the lock.
func (idx *Index) TouchLocked(slotIdx int) {
	if idx.policy != LRU {
		return
	}

	setIdx := idx.SetOf(slotIdx)
	base := setIdx * idx.assoc
	local := slotIdx - base
	set := &idx.sets[setIdx]
	slot := &idx.slots[slotIdx]

	if set.lruTail == local {
		return // already at the tail
	}

	// Detach.
	if slot.lruPrev != -1 {
		idx.slots[base+slot.lruPrev].lruNext = slot.lruNext
	} else {
		set.lruHead = slot.lruNext
	}

	if slot.lruNext != -1 {
		idx.slots[base+slot.lruNext].lruPrev = slot.lruPrev
	} else {
		set.lruTail = slot.lruPrev
	}

	// Push to tail.
	slot.lruPrev = set.lruTail
	slot.lruNext = -1

	if set.lruTail != -1 {
		idx.slots[base+set.lruTail].lruNext = local
	} else {
		set.lruHead = local
	}

	set.lruTail = local
}

// SetState implements spec §4.C set_state: ORs flags into the slot's
// state, adjusting nr_dirty when the Dirty bit transitions 0->1.
func (idx *Index) SetState(slotIdx int, flags State) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.SetStateLocked(slotIdx, flags)
}

// SetStateLocked is SetState for a caller already holding the lock.
func (idx *Index) SetStateLocked(slotIdx int, flags State) {
	slot := &idx.slots[slotIdx]

	wasDirty := slot.State&Dirty != 0
	slot.State |= flags

	if !wasDirty && slot.State&Dirty != 0 {
		idx.sets[idx.SetOf(slotIdx)].nrDirty++
	}
}

// ClearState implements spec §4.C clear_state: clears flags from the
// slot's state, adjusting nr_dirty when the Dirty bit transitions 1->0.
func (idx *Index) ClearState(slotIdx int, flags State) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.ClearStateLocked(slotIdx, flags)
}

// ClearStateLocked is ClearState for a caller already holding the lock.
func (idx *Index) ClearStateLocked(slotIdx int, flags State) {
	slot := &idx.slots[slotIdx]

	wasDirty := slot.State&Dirty != 0
	slot.State &^= flags

	if wasDirty && slot.State&Dirty == 0 {
		idx.sets[idx.SetOf(slotIdx)].nrDirty--
	}
}

// Restore installs slotIdx's dbn/checksum/state from a descriptor read
// back by the persistence manager at construction time (spec §4.F
// load()). wantState must be Invalid, Valid, or Valid|Dirty — the only
// states the on-device format carries. Unlike SetState/ClearState this
// is not a transition from a prior in-memory state: it is the index's
// one chance to seed nr_dirty and the slot table directly from on-device
// truth before any client request is ever dispatched. Callers must not
// use this after construction.
func (idx *Index) Restore(slotIdx int, dbn uint64, checksum uint64, wantState State) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	slot := &idx.slots[slotIdx]
	slot.DBN = dbn
	slot.Checksum = checksum
	slot.State = wantState

	if wantState&Dirty != 0 {
		idx.sets[idx.SetOf(slotIdx)].nrDirty++
	}
}

// CleanInProgLocked returns a set's current in-flight cleaning count, for
// a caller already holding the lock.
func (idx *Index) CleanInProgLocked(setIdx int) int {
	return idx.sets[setIdx].cleanInprog
}

// IncCleanInProgLocked and DecCleanInProgLocked track a set's in-flight
// write-back count (spec §4.E's `clean_inprog`), for a caller already
// holding the lock. Owned here, alongside nr_dirty, since both are
// per-set counters the cleaner and the index must agree on under the
// same lock.
func (idx *Index) IncCleanInProgLocked(setIdx int) { idx.sets[setIdx].cleanInprog++ }
func (idx *Index) DecCleanInProgLocked(setIdx int) { idx.sets[setIdx].cleanInprog-- }

// InstallLocked sets dbn and checksum (state is left as it is) for a slot being
// (re)installed, for a caller already holding the lock. Used by the
// request engine when allocating a victim for a miss.
func (idx *Index) InstallLocked(slotIdx int, dbn uint64, checksum uint64) {
	slot := &idx.slots[slotIdx]
	slot.DBN = dbn
	slot.Checksum = checksum
}

// SetChecksumLocked records the checksum of a slot's newly written cache
// payload, for a caller already holding the lock. InstallLocked only runs
// at miss time; every later overwrite of the payload (a write hit, a
// read-miss fill) must update the checksum Lookup's hit path compares
// against on its own.
func (idx *Index) SetChecksumLocked(slotIdx int, checksum uint64) {
	idx.slots[slotIdx].Checksum = checksum
}

// EnqueuePendingLocked appends resume to slotIdx's pending FIFO and
// increments NRQueued, for a caller already holding the lock (spec §4.D
// Conflict dispatch).
func (idx *Index) EnqueuePendingLocked(slotIdx int, resume func()) {
	idx.pending[slotIdx] = append(idx.pending[slotIdx], resume)
	idx.slots[slotIdx].NRQueued++
}

// DrainPendingLocked removes and returns every resume callback queued
// against slotIdx, resetting NRQueued to zero, for a caller already
// holding the lock (spec §4.D Completion: "drains the pending list").
func (idx *Index) DrainPendingLocked(slotIdx int) []func() {
	waiters := idx.pending[slotIdx]
	idx.pending[slotIdx] = nil
	idx.slots[slotIdx].NRQueued = 0

	return waiters
}

package cleaner

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wbcache/wbcache/pkg/blockio"
	"github.com/wbcache/wbcache/pkg/index"
	"github.com/wbcache/wbcache/pkg/metadata"
	"github.com/wbcache/wbcache/pkg/persistence"
)

// syncAllPollInterval is how long SyncAll waits after each pass over the
// sets in which any set still showed dirty slots, before the next pass.
const syncAllPollInterval = 20 * time.Millisecond

// Limits caps the cleaner's in-flight write-backs (spec §4.E
// `max_clean_ios_set`/`max_clean_ios_total`).
type Limits struct {
	PerSet int
	Total  int
}

// Counters are the cleaner's statistics, exported the same way the
// engine's are (spec §6).
type Counters struct {
	Cleaned           atomic.Int64
	Errors            atomic.Int64
	MetadataErrors    atomic.Int64
	SetLimitReached   atomic.Int64
	TotalLimitReached atomic.Int64
}

// candidate is a dirty, unpinned slot collected for one clean_set pass.
type candidate struct {
	slotIdx  int
	dbn      uint64
	checksum uint64
}

// Cleaner drains dirty slots to the backing disk in the background (spec
// §4.E).
type Cleaner struct {
	idx          *index.Index
	disk         blockio.Device
	cache        blockio.Device
	persist      *persistence.Manager
	blockSectors int64

	mu           sync.Mutex
	cond         *sync.Cond
	limits       Limits
	globalInprog int
	stopSync     bool

	triggers chan int

	Counters Counters
}

// New constructs a Cleaner. blockSectors is the block size in sectors,
// matching the value the request engine was constructed with.
func New(idx *index.Index, disk, cache blockio.Device, persist *persistence.Manager, blockSectors int64, limits Limits) *Cleaner {
	c := &Cleaner{
		idx:          idx,
		disk:         disk,
		cache:        cache,
		persist:      persist,
		blockSectors: blockSectors,
		limits:       limits,
		triggers:     make(chan int, idx.NSets()),
	}
	c.cond = sync.NewCond(&c.mu)

	return c
}

// Run processes triggered sets until ctx is cancelled. Intended to run
// for the lifetime of the owning cache instance in its own goroutine.
func (c *Cleaner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case setIdx := <-c.triggers:
			c.CleanSet(setIdx)
		}
	}
}

// Trigger requests a clean pass over setIdx (spec §4.E trigger (a): a
// write pushed nr_dirty past dirty_thresh_set). Non-blocking: the
// request is dropped only when the trigger queue is full; a request for
// a set that is already queued is queued again, not merged. CleanSet
// re-collects the set's current dirty slots every time it runs, so a
// dropped or repeated trigger just rescans the same state.
func (c *Cleaner) Trigger(setIdx int) {
	select {
	case c.triggers <- setIdx:
	default:
	}
}

// SetLimits replaces the cleaner's concurrency limits (spec §4.E:
// shutdown temporarily elevates max_clean_ios_* to drain aggressively).
func (c *Cleaner) SetLimits(limits Limits) {
	c.mu.Lock()
	c.limits = limits
	c.mu.Unlock()
}

// StopSync sets the abort flag SyncAll polls (spec §4.E `stop_sync`). It
// stays set until ResetStopSync is called: SyncAll does not clear it on
// entry, since doing so would let a stop issued just before a racing
// SyncAll call silently get ignored. Whatever issues a fresh sync
// request (the control surface) is responsible for calling
// ResetStopSync first.
func (c *Cleaner) StopSync() {
	c.mu.Lock()
	c.stopSync = true
	c.mu.Unlock()
}

// ResetStopSync clears the abort flag, for a caller about to start a new
// SyncAll after a previous one was stopped.
func (c *Cleaner) ResetStopSync() {
	c.mu.Lock()
	c.stopSync = false
	c.mu.Unlock()
}

// Drain blocks until every in-flight write-back completes. Used during
// shutdown after the caller has stopped admitting new dirty writes.
func (c *Cleaner) Drain() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.globalInprog > 0 {
		c.cond.Wait()
	}
}

// SyncAll implements spec §4.E sync-all: iterate every set, issuing
// CleanSet under the normal limits gate, until no set has dirty slots
// left or StopSync is called.
func (c *Cleaner) SyncAll(ctx context.Context) {
	for {
		if c.syncStopped() {
			return
		}

		anyDirty := false

		for setIdx := 0; setIdx < c.idx.NSets(); setIdx++ {
			if c.syncStopped() {
				return
			}

			if c.idx.NRDirty(setIdx) == 0 {
				continue
			}

			anyDirty = true

			c.CleanSet(setIdx)
		}

		if !anyDirty {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(syncAllPollInterval):
		}
	}
}

func (c *Cleaner) syncStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stopSync
}

// CleanSet runs one pass of spec §4.E's clean_set(set_idx): collect
// candidates, admit as many as the per-set and global limits allow, and
// issue their write-backs. It never blocks: slots that don't fit the
// current budget are simply left for the next trigger or sync pass.
func (c *Cleaner) CleanSet(setIdx int) {
	budget := c.admit(setIdx)
	if budget <= 0 {
		return
	}

	candidates := c.collectCandidates(setIdx, budget)
	c.release(budget - len(candidates))

	if len(candidates) == 0 {
		return
	}

	c.idx.Lock()
	for _, cand := range candidates {
		c.idx.IncCleanInProgLocked(setIdx)
		c.idx.SetStateLocked(cand.slotIdx, index.DiskWriteInProgress|index.WriteBackInProgress)
	}
	c.idx.Unlock()

	for _, cand := range candidates {
		c.cleanSlot(setIdx, cand)
	}
}

// admit reserves up to the set's and the global budget's remaining room,
// recording the corresponding limit-reached counter when either is
// already exhausted (spec §4.E step 1).
func (c *Cleaner) admit(setIdx int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.idx.Lock()
	setInProg := c.idx.CleanInProgLocked(setIdx)
	c.idx.Unlock()

	if setInProg >= c.limits.PerSet {
		c.Counters.SetLimitReached.Add(1)

		return 0
	}

	if c.globalInprog >= c.limits.Total {
		c.Counters.TotalLimitReached.Add(1)

		return 0
	}

	budget := min(c.limits.PerSet-setInProg, c.limits.Total-c.globalInprog)
	c.globalInprog += budget

	return budget
}

// release returns n reserved-but-unused slots of global budget, for when
// fewer candidates existed than the admitted budget allowed.
func (c *Cleaner) release(n int) {
	if n == 0 {
		return
	}

	c.mu.Lock()
	c.globalInprog -= n

	if c.globalInprog == 0 {
		c.cond.Broadcast()
	}

	c.mu.Unlock()
}

// collectCandidates gathers up to budget DIRTY, unpinned slots from
// setIdx, sorted by dbn ascending to maximize sequential disk writes
// (spec §4.E step 2).
func (c *Cleaner) collectCandidates(setIdx, budget int) []candidate {
	base := setIdx * c.idx.Assoc()

	c.idx.Lock()
	defer c.idx.Unlock()

	var out []candidate

	for local := 0; local < c.idx.Assoc(); local++ {
		slotIdx := base + local
		slot := c.idx.SlotLocked(slotIdx)

		if slot.State&index.Dirty == 0 || slot.State.Pinned() || slot.NRQueued > 0 {
			continue
		}

		out = append(out, candidate{slotIdx: slotIdx, dbn: slot.DBN, checksum: slot.Checksum})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].dbn < out[j].dbn })

	if len(out) > budget {
		out = out[:budget]
	}

	return out
}

// cleanSlot issues the cache-read-then-disk-write pair for one candidate
// (spec §4.E step 3).
func (c *Cleaner) cleanSlot(setIdx int, cand candidate) {
	buf := make([]byte, c.blockSectors*blockio.SectorSize)

	c.cache.ReadAsync(c.persist.PayloadSector(cand.slotIdx, c.blockSectors), buf, func(err error) {
		if err != nil {
			c.finishClean(setIdx, cand, err)

			return
		}

		c.disk.WriteAsync(cand.dbn, buf, func(werr error) {
			c.finishClean(setIdx, cand, werr)
		})
	})
}

// finishClean implements spec §4.E step 4: on success, clear DIRTY and
// update the metadata sector; on failure, leave DIRTY set so the slot is
// picked up again by a later trigger or sync pass.
func (c *Cleaner) finishClean(setIdx int, cand candidate, ioErr error) {
	c.idx.Lock()
	c.idx.ClearStateLocked(cand.slotIdx, index.DiskWriteInProgress|index.WriteBackInProgress)

	if ioErr == nil {
		c.idx.ClearStateLocked(cand.slotIdx, index.Dirty)
	}

	c.idx.DecCleanInProgLocked(setIdx)
	waiters := c.idx.DrainPendingLocked(cand.slotIdx)
	c.idx.Unlock()

	for _, w := range waiters {
		w()
	}

	c.release(1)

	if ioErr != nil {
		c.Counters.Errors.Add(1)

		return
	}

	c.Counters.Cleaned.Add(1)

	d := metadata.Descriptor{DBN: cand.dbn, Checksum: cand.checksum, State: metadata.Valid}
	c.persist.UpdateSlot(cand.slotIdx, d, func(err error) {
		if err != nil {
			c.Counters.MetadataErrors.Add(1)
		}
	})
}

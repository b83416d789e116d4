package engine

import (
	"hash/crc32"

	"github.com/wbcache/wbcache/pkg/blockio"
	"github.com/wbcache/wbcache/pkg/index"
	"github.com/wbcache/wbcache/pkg/metadata"
	"github.com/wbcache/wbcache/pkg/persistence"
)

// Engine dispatches block requests against an [index.Index], reading and
// writing a disk and cache [blockio.Device], persisting slot state
// through a [persistence.Manager] (spec §4.D).
type Engine struct {
	idx     *index.Index
	disk    blockio.Device
	cache   blockio.Device
	persist *persistence.Manager
	format  metadata.Format

	blockSectors int64 // block size in sectors
	policy       Policy

	Counters Counters

	// OnDirty, if set, is called after a write leaves a slot dirty, with
	// the set's current dirty count. It is the request engine's half of
	// spec §4.E trigger (a): the engine has no notion of a dirty
	// threshold (that tunable belongs to the control surface), so it
	// simply reports every transition and leaves the threshold decision
	// to the hook — typically [cleaner.Cleaner.Trigger] wrapped by the
	// owning instance.
	OnDirty func(setIdx, nrDirty int)
}

// New constructs an Engine. blockSectors is the block size in sectors;
// the payload region's start sector is derived from persist itself (see
// [persistence.Manager.PayloadSector]).
func New(idx *index.Index, disk, cache blockio.Device, persist *persistence.Manager, format metadata.Format, blockSectors int64, policy Policy) *Engine {
	if policy == nil {
		policy = AlwaysCacheable
	}

	return &Engine{
		idx:          idx,
		disk:         disk,
		cache:        cache,
		persist:      persist,
		format:       format,
		blockSectors: blockSectors,
		policy:       policy,
	}
}

func (e *Engine) slotSector(slotIdx int) int64 {
	return e.persist.PayloadSector(slotIdx, e.blockSectors)
}

// Submit dispatches req and invokes done exactly once with the result
// (spec §4.D Lookup -> Dispatch -> Completion).
func (e *Engine) Submit(req Request, done func(error)) {
	if e.policy.Uncacheable(req) {
		e.forwardUncached(req, done)

		return
	}

	e.idx.Lock()

	slotIdx, hit := e.idx.LookupLocked(req.DBN)
	if !hit {
		e.dispatchMiss(req, done)

		return
	}

	slot := e.idx.SlotLocked(slotIdx)
	if slot.State.Pinned() || slot.NRQueued > 0 {
		e.Counters.PendingJobs.Add(1)
		e.idx.EnqueuePendingLocked(slotIdx, func() { e.Submit(req, done) })
		e.idx.Unlock()

		return
	}

	e.idx.Unlock()

	if req.Op == Read {
		e.readHit(slotIdx, req, done)
	} else {
		e.writeHit(slotIdx, req, done)
	}
}

func (e *Engine) forwardUncached(req Request, done func(error)) {
	if req.Op == Read {
		e.Counters.UncachedReads.Add(1)
		e.disk.ReadAsync(req.DBN, req.Buf, func(err error) { e.finishUncached(err, done) })
	} else {
		e.Counters.UncachedWrites.Add(1)
		e.disk.WriteAsync(req.DBN, req.Buf, func(err error) { e.finishUncached(err, done) })
	}
}

func (e *Engine) finishUncached(err error, done func(error)) {
	if err != nil {
		e.Counters.DiskErrors.Add(1)
	}

	done(err)
}

// dispatchMiss handles ReadMiss/WriteMiss, called with the index lock
// held; it releases the lock itself before issuing any I/O.
func (e *Engine) dispatchMiss(req Request, done func(error)) {
	setIdx := e.idx.HashBlock(req.DBN)

	victim, err := e.idx.FindVictimLocked(setIdx)
	if err != nil {
		e.idx.Unlock()
		e.Counters.NoRoom.Add(1)
		e.forwardUncached(req, done)

		return
	}

	vslot := e.idx.SlotLocked(victim)
	wasDirty := vslot.State&index.Dirty != 0

	installFlags := index.Installing | index.CacheWriteInProgress
	if req.Op == Read {
		installFlags |= index.DiskReadInProgress
	}

	e.idx.SetStateLocked(victim, installFlags)
	e.idx.ClearStateLocked(victim, index.Invalid)
	e.idx.Unlock()

	proceed := func() {
		e.idx.Lock()
		e.idx.InstallLocked(victim, req.DBN, 0)
		e.idx.Unlock()

		if req.Op == Read {
			e.readMissFill(victim, req, done)
		} else {
			e.writeMissFill(victim, req, done)
		}
	}

	if !wasDirty {
		proceed()

		return
	}

	e.Counters.Replace.Add(1)
	e.writeBackVictim(victim, vslot.DBN, func(err error) {
		if err != nil {
			e.abortMiss(victim, err, done)

			return
		}

		e.idx.Lock()
		e.idx.ClearStateLocked(victim, index.Valid|index.Dirty)
		e.idx.Unlock()
		proceed()
	})
}

func (e *Engine) abortMiss(slotIdx int, err error, done func(error)) {
	e.idx.Lock()
	e.idx.ClearStateLocked(slotIdx, index.Installing|index.DiskReadInProgress|index.CacheWriteInProgress)
	waiters := e.idx.DrainPendingLocked(slotIdx)
	e.idx.Unlock()

	for _, w := range waiters {
		w()
	}

	e.Counters.DiskErrors.Add(1)
	done(err)
}

// writeBackVictim reads a dirty victim's cache payload and writes it to
// the backing disk, implementing the write-back-before-reuse step of
// ReadMiss/WriteMiss dispatch (spec §4.D).
func (e *Engine) writeBackVictim(slotIdx int, dbn uint64, done func(error)) {
	buf := make([]byte, e.blockSectors*blockio.SectorSize)

	e.cache.ReadAsync(e.slotSector(slotIdx), buf, func(err error) {
		if err != nil {
			done(err)

			return
		}

		e.disk.WriteAsync(dbn, buf, done)
	})
}

func (e *Engine) readMissFill(slotIdx int, req Request, done func(error)) {
	e.disk.ReadAsync(req.DBN, req.Buf, func(err error) {
		if err != nil {
			e.abortMiss(slotIdx, err, done)

			return
		}

		checksum := e.computeChecksum(req.Buf)

		e.cache.WriteAsync(e.slotSector(slotIdx), req.Buf, func(werr error) {
			if werr != nil {
				e.Counters.CacheErrors.Add(1)
				e.abortMiss(slotIdx, werr, done)

				return
			}

			e.idx.Lock()
			e.idx.ClearStateLocked(slotIdx, index.Installing|index.DiskReadInProgress|index.CacheWriteInProgress|index.Invalid)
			e.idx.SetStateLocked(slotIdx, index.Valid)
			e.idx.SetChecksumLocked(slotIdx, checksum)
			waiters := e.idx.DrainPendingLocked(slotIdx)
			e.idx.Unlock()

			e.Counters.ReadMisses.Add(1)
			e.persistSlot(slotIdx, req.DBN, checksum, index.Valid, done, waiters)
		})
	})
}

func (e *Engine) writeMissFill(slotIdx int, req Request, done func(error)) {
	checksum := e.computeChecksum(req.Buf)

	e.cache.WriteAsync(e.slotSector(slotIdx), req.Buf, func(err error) {
		if err != nil {
			e.Counters.CacheErrors.Add(1)
			e.abortMiss(slotIdx, err, done)

			return
		}

		e.idx.Lock()
		e.idx.ClearStateLocked(slotIdx, index.Installing|index.CacheWriteInProgress|index.Invalid)
		e.idx.SetStateLocked(slotIdx, index.Valid|index.Dirty)
		e.idx.SetChecksumLocked(slotIdx, checksum)
		nrDirty := e.idx.NRDirtyLocked(e.idx.SetOf(slotIdx))
		waiters := e.idx.DrainPendingLocked(slotIdx)
		e.idx.Unlock()

		e.Counters.WriteMisses.Add(1)
		e.reportDirty(e.idx.SetOf(slotIdx), nrDirty)
		e.persistSlot(slotIdx, req.DBN, checksum, index.Dirty, done, waiters)
	})
}

func (e *Engine) readHit(slotIdx int, req Request, done func(error)) {
	e.idx.Lock()
	e.idx.SetStateLocked(slotIdx, index.CacheReadInProgress)
	e.idx.TouchLocked(slotIdx)
	slot := e.idx.SlotLocked(slotIdx)
	e.idx.Unlock()

	e.cache.ReadAsync(e.slotSector(slotIdx), req.Buf, func(err error) {
		e.idx.Lock()
		e.idx.ClearStateLocked(slotIdx, index.CacheReadInProgress)
		waiters := e.idx.DrainPendingLocked(slotIdx)
		e.idx.Unlock()

		defer e.wake(waiters)

		if err != nil {
			e.Counters.CacheErrors.Add(1)
			e.demoteAndRetryFromDisk(slotIdx, req, done)

			return
		}

		if e.format.Checksums && e.computeChecksum(req.Buf) != slot.Checksum {
			e.Counters.ChecksumInvalid.Add(1)
			e.demoteAndRetryFromDisk(slotIdx, req, done)

			return
		}

		e.Counters.ReadHits.Add(1)
		done(nil)
	})
}

// demoteAndRetryFromDisk implements spec §7's cache-read-error /
// checksum-mismatch policy: invalidate the slot and restart the request
// against the backing disk.
func (e *Engine) demoteAndRetryFromDisk(slotIdx int, req Request, done func(error)) {
	e.idx.Lock()
	e.idx.ClearStateLocked(slotIdx, index.Valid|index.Dirty)
	e.idx.SetStateLocked(slotIdx, index.Invalid)
	e.idx.Unlock()

	e.disk.ReadAsync(req.DBN, req.Buf, func(err error) {
		if err != nil {
			e.Counters.DiskErrors.Add(1)
		}

		done(err)
	})
}

func (e *Engine) writeHit(slotIdx int, req Request, done func(error)) {
	e.idx.Lock()
	e.idx.SetStateLocked(slotIdx, index.CacheWriteInProgress)
	e.idx.TouchLocked(slotIdx)
	e.idx.Unlock()

	checksum := e.computeChecksum(req.Buf)

	e.cache.WriteAsync(e.slotSector(slotIdx), req.Buf, func(err error) {
		e.idx.Lock()
		e.idx.ClearStateLocked(slotIdx, index.CacheWriteInProgress)

		if err != nil {
			waiters := e.idx.DrainPendingLocked(slotIdx)
			e.idx.Unlock()
			e.wake(waiters)
			e.Counters.CacheErrors.Add(1)
			done(err)

			return
		}

		e.idx.SetStateLocked(slotIdx, index.Dirty)
		e.idx.SetChecksumLocked(slotIdx, checksum)
		nrDirty := e.idx.NRDirtyLocked(e.idx.SetOf(slotIdx))
		waiters := e.idx.DrainPendingLocked(slotIdx)
		e.idx.Unlock()

		e.Counters.WriteHits.Add(1)
		e.reportDirty(e.idx.SetOf(slotIdx), nrDirty)
		e.persistSlot(slotIdx, req.DBN, checksum, index.Dirty, done, waiters)
	})
}

// persistSlot writes the slot's descriptor sector through the
// persistence manager's coalescing batch, then invokes done. waiters
// (already drained from the index) are woken once the metadata write
// completes, not before, since a metadata failure reverts slot state
// and those waiters must see the reverted state, not the one they were
// queued against (spec §4.D: "metadata-sector write failure ... reverts
// the in-memory transition that required it").
func (e *Engine) persistSlot(slotIdx int, dbn uint64, checksum uint64, wantState index.State, done func(error), waiters []func()) {
	d := metadata.Descriptor{DBN: dbn, Checksum: checksum, State: e.maskPersisted(wantState)}

	e.persist.UpdateSlot(slotIdx, d, func(err error) {
		if err != nil {
			e.idx.Lock()
			e.idx.ClearStateLocked(slotIdx, index.Valid|index.Dirty)
			e.idx.SetStateLocked(slotIdx, index.Invalid)
			e.idx.Unlock()

			e.Counters.MetadataErrors.Add(1)
			e.wake(waiters)
			done(err)

			return
		}

		e.wake(waiters)
		done(nil)
	})
}

func (e *Engine) reportDirty(setIdx, nrDirty int) {
	if e.OnDirty != nil {
		e.OnDirty(setIdx, nrDirty)
	}
}

func (e *Engine) wake(waiters []func()) {
	for _, w := range waiters {
		w()
	}
}

func (e *Engine) maskPersisted(state index.State) metadata.PersistedState {
	if state&index.Dirty != 0 {
		return metadata.Dirty
	}

	if state&index.Valid != 0 {
		return metadata.Valid
	}

	return metadata.Invalid
}

func (e *Engine) computeChecksum(buf []byte) uint64 {
	if !e.format.Checksums {
		return 0
	}

	return uint64(crc32.ChecksumIEEE(buf))
}

package wbcache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wbcache/wbcache/pkg/blockio"
	"github.com/wbcache/wbcache/pkg/cleaner"
	"github.com/wbcache/wbcache/pkg/control"
	"github.com/wbcache/wbcache/pkg/engine"
	"github.com/wbcache/wbcache/pkg/index"
	"github.com/wbcache/wbcache/pkg/metadata"
	"github.com/wbcache/wbcache/pkg/persistence"
)

// Cache is one open cache instance: the spec §3 "Cache instance" wired up
// by Open/OpenDevices. Its zero value is not usable; construct it only
// through Open/OpenDevices.
type Cache struct {
	disk  blockio.Device
	cache blockio.Device

	idx     *index.Index
	engine  *engine.Engine
	cleaner *cleaner.Cleaner
	persist *persistence.Manager

	geom     persistence.Geometry
	tunables control.Tunables

	instance *control.Instance
	registry *control.Registry

	// cancel stops the cleaner's background trigger loop, started by
	// OpenDevices in its own goroutine.
	cancel context.CancelFunc

	// jobs tracks outstanding Submit calls: Shutdown's destroy path
	// "waits on nr_jobs == 0 before releasing resources" (spec §5), and
	// closed makes every Submit after Shutdown begins fail fast instead
	// of racing the device Close calls.
	jobs   sync.WaitGroup
	closed atomic.Bool
}

// Submit dispatches one client I/O (spec §4.D). done is invoked exactly
// once, from whatever goroutine the underlying I/O completes on.
func (c *Cache) Submit(req engine.Request, done func(error)) {
	if c.closed.Load() {
		done(wrapErr("submit", Aborted, ErrAborted))

		return
	}

	c.jobs.Add(1)
	c.engine.Submit(req, func(err error) {
		defer c.jobs.Done()
		done(err)
	})
}

// SubmitSync is Submit's synchronous form, for callers that don't need
// to overlap requests themselves (the CLI, tests).
func (c *Cache) SubmitSync(req engine.Request) error {
	var (
		wg  sync.WaitGroup
		err error
	)

	wg.Add(1)
	c.Submit(req, func(e error) {
		err = e
		wg.Done()
	})
	wg.Wait()

	return err
}

// Sync drives a full drain of this instance's dirty blocks (spec §4.E
// sync-all / the `do_sync` control input scoped to one instance, rather
// than [control.Registry.DoSync]'s every-instance fan-out).
func (c *Cache) Sync(ctx context.Context) {
	c.cleaner.ResetStopSync()
	c.cleaner.SyncAll(ctx)
}

// StopSync aborts an in-progress Sync between sets (spec §4.E
// `stop_sync`).
func (c *Cache) StopSync() {
	c.cleaner.StopSync()
}

// Report renders this instance's text stats report (spec §6).
func (c *Cache) Report() string {
	return c.instance.Report()
}

// ZeroStats resets this instance's hit/miss/error counters (spec §4.G
// `zero_stats`), leaving nr_dirty and the slot table untouched.
func (c *Cache) ZeroStats() {
	c.instance.ZeroStats()
}

// PIDs returns the allow/deny list policy governing this instance, for a
// control surface to add/delete PIDs against (spec §4.G).
func (c *Cache) PIDs() *control.PIDPolicy {
	return c.instance.PIDs
}

// Geometry returns the instance's fixed layout parameters (spec §3): block
// size, slot count, and associativity, for a caller that needs to size
// its own request buffers (e.g. the CLI).
func (c *Cache) Geometry() persistence.Geometry {
	return c.geom
}

// Shutdown implements spec §3's destroy action: quiesce outstanding I/O,
// then either drain dirty blocks and persist a clean shutdown state, or
// — if fastRemove is set — skip draining entirely and leave the
// superblock as the DIRTY state Open already wrote, so a later Open
// recovers exactly spec §8 scenario 5's "next load recovers all 5 as
// DIRTY".
//
// ctx bounds the drain-to-clean step only; in-flight adapter I/O (spec
// §5: "awaited unconditionally") and the final device Close are not
// subject to it.
func (c *Cache) Shutdown(ctx context.Context, fastRemove bool) error {
	if !c.closed.CompareAndSwap(false, true) {
		return wrapErr("shutdown", Aborted, ErrAborted)
	}

	if c.registry != nil {
		c.registry.Unregister(c.instance)
	}

	c.jobs.Wait()

	var shutdownErr error

	if !fastRemove {
		// Elevate the clean-IO budget for shutdown's drain (spec §4.E:
		// "During shutdown (not fast-remove) these are temporarily
		// elevated to drain aggressively"), wide enough that every set's
		// dirty slots can clean concurrently.
		c.cleaner.SetLimits(cleaner.Limits{PerSet: c.idx.Assoc(), Total: c.idx.NSlots()})

		c.cleaner.ResetStopSync()
		c.cleaner.SyncAll(ctx)
		c.cleaner.Drain()

		descriptors := c.snapshotDescriptors()
		nrDirty := c.idx.NRDirtyTotal()

		if _, err := c.persist.Store(descriptors, nrDirty, c.geom); err != nil {
			shutdownErr = wrapErr("shutdown", MetadataWrite, err)
		}
	}

	c.cancel()

	diskErr := c.disk.Close()
	cacheErr := c.cache.Close()

	if shutdownErr != nil {
		return shutdownErr
	}

	if diskErr != nil {
		return wrapErr("shutdown", DeviceOpen, diskErr)
	}

	if cacheErr != nil {
		return wrapErr("shutdown", DeviceOpen, cacheErr)
	}

	return nil
}

// snapshotDescriptors reads every slot's current (dbn, checksum, state)
// back out of the index, masked to the on-device vocabulary, for
// Shutdown's final Store (spec §4.F store).
func (c *Cache) snapshotDescriptors() []metadata.Descriptor {
	out := make([]metadata.Descriptor, c.idx.NSlots())

	for i := range out {
		slot := c.idx.Slot(i)
		out[i] = metadata.Descriptor{
			DBN:      slot.DBN,
			Checksum: slot.Checksum,
			State:    maskPersisted(slot.State),
		}
	}

	return out
}

func maskPersisted(state index.State) metadata.PersistedState {
	if state&index.Dirty != 0 {
		return metadata.Dirty
	}

	if state&index.Valid != 0 {
		return metadata.Valid
	}

	return metadata.Invalid
}

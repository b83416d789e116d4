package control

import (
	"fmt"
	"strings"

	"github.com/wbcache/wbcache/pkg/cleaner"
	"github.com/wbcache/wbcache/pkg/engine"
	"github.com/wbcache/wbcache/pkg/index"
	"github.com/wbcache/wbcache/pkg/persistence"
)

// Instance is one registered cache's control-surface view: the pieces a
// stats report or a tunable change needs to reach into, gathered behind
// one handle instead of scattering engine/cleaner/index references
// across the control surface.
type Instance struct {
	Name string // disk/cache device pair identity, for multi-instance reports

	Geometry  persistence.Geometry
	Idx       *index.Index
	EngineCtr *engine.Counters
	CleanCtr  *cleaner.Counters
	PIDs      *PIDPolicy
	Histogram *Histogram
	Cleaner   *cleaner.Cleaner
}

// ZeroStats resets the engine's hit/miss/error counters, the cleaner's
// counters and the I/O-size histogram (spec §4 supplemented features:
// zero_stats never touches nr_dirty or the slot table). The PID-list
// bookkeeping counters are not reset.
func (in *Instance) ZeroStats() {
	in.EngineCtr.ZeroStats()
	in.Histogram.Zero()
	in.CleanCtr.Cleaned.Store(0)
	in.CleanCtr.Errors.Store(0)
	in.CleanCtr.MetadataErrors.Store(0)
	in.CleanCtr.SetLimitReached.Store(0)
	in.CleanCtr.TotalLimitReached.Store(0)
}

// Report renders a text stats/config report in the shape
// original_source's flashcache_status_info/flashcache_status_table
// produce: device identity and geometry, then hit/miss/error counters,
// then cleaner and PID-list counters.
func (in *Instance) Report() string {
	var b strings.Builder

	size := in.Idx.NSlots()
	cached := in.Idx.CachedBlocks()
	dirty := in.Idx.NRDirtyTotal()

	var cachePct, dirtyPct float64
	if size > 0 {
		cachePct = float64(cached) * 100 / float64(size)
		dirtyPct = float64(dirty) * 100 / float64(size)
	}

	fmt.Fprintf(&b, "conf:\n\tssd dev (%s), disk dev (%s)\n", in.Geometry.CacheName, in.Geometry.DiskName)
	fmt.Fprintf(&b, "\tsize(%d), associativity(%d), block size(%d sectors)\n",
		size, in.Geometry.Assoc, in.Geometry.BlockSize)
	fmt.Fprintf(&b, "\tcached blocks(%d, %.1f%%), dirty blocks(%d, %.1f%%)\n",
		cached, cachePct, dirty, dirtyPct)

	s := in.EngineCtr.Snapshot()

	fmt.Fprintf(&b, "stats:\n\treads(%d), writes(%d)\n", s.ReadHits+s.ReadMisses, s.WriteHits+s.WriteMisses)
	fmt.Fprintf(&b, "\tread hits(%d) read misses(%d)\n", s.ReadHits, s.ReadMisses)
	fmt.Fprintf(&b, "\twrite hits(%d) write misses(%d)\n", s.WriteHits, s.WriteMisses)
	fmt.Fprintf(&b, "\tuncached reads(%d) uncached writes(%d)\n", s.UncachedReads, s.UncachedWrites)
	fmt.Fprintf(&b, "\treplacement(%d) no room(%d) pending jobs(%d)\n", s.Replace, s.NoRoom, s.PendingJobs)
	fmt.Fprintf(&b, "\tchecksum invalid(%d)\n", s.ChecksumInvalid)
	fmt.Fprintf(&b, "\tdisk errors(%d) cache errors(%d) metadata errors(%d)\n",
		s.DiskErrors, s.CacheErrors, s.MetadataErrors)

	fmt.Fprintf(&b, "\tcleanings(%d) clean errors(%d) clean metadata errors(%d)\n",
		in.CleanCtr.Cleaned.Load(), in.CleanCtr.Errors.Load(), in.CleanCtr.MetadataErrors.Load())
	fmt.Fprintf(&b, "\tset limit reached(%d) total limit reached(%d)\n",
		in.CleanCtr.SetLimitReached.Load(), in.CleanCtr.TotalLimitReached.Load())

	pc := in.PIDs.Counters()
	fmt.Fprintf(&b, "\tpid_adds(%d) pid_dels(%d) pid_drops(%d) pid_expiry(%d)\n",
		pc.Adds, pc.Dels, pc.Drops, pc.Expiry)
	fmt.Fprintf(&b, "\tallow list(%d) deny list(%d)\n", pc.AllowLen, pc.DenyLen)

	return b.String()
}

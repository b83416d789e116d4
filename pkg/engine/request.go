package engine

import "sync/atomic"

// OpKind distinguishes a read from a write request.
type OpKind int

const (
	Read OpKind = iota
	Write
)

// String implements [fmt.Stringer].
func (o OpKind) String() string {
	if o == Write {
		return "write"
	}

	return "read"
}

// Request is one block-granular client I/O.
type Request struct {
	Op  OpKind
	DBN uint64 // backing-disk sector, block-aligned
	PID int

	// Buf is the client's buffer: read destination for Read, payload
	// source for Write. Its length must equal the engine's block size
	// in bytes.
	Buf []byte
}

// Policy decides whether a request bypasses the cache entirely (spec
// §4.D Uncacheable dispatch: PID deny list, cache_all inversion,
// alignment/size policy — all owned by the control surface, §4.G).
type Policy interface {
	Uncacheable(req Request) bool
}

// PolicyFunc adapts a function to [Policy].
type PolicyFunc func(req Request) bool

// Uncacheable implements [Policy].
func (f PolicyFunc) Uncacheable(req Request) bool { return f(req) }

// AlwaysCacheable is the [Policy] New uses when given nil: nothing is
// forwarded uncached.
var AlwaysCacheable Policy = PolicyFunc(func(Request) bool { return false })

// Counters are the engine's non-lock-protected statistics (spec §5:
// "counters that need not be atomic with state"). Safe for concurrent
// use; readers accept torn snapshots across distinct fields.
type Counters struct {
	ReadHits        atomic.Int64
	ReadMisses      atomic.Int64
	WriteHits       atomic.Int64
	WriteMisses     atomic.Int64
	UncachedReads   atomic.Int64
	UncachedWrites  atomic.Int64
	NoRoom          atomic.Int64
	Replace         atomic.Int64
	Cleanings       atomic.Int64
	ChecksumInvalid atomic.Int64
	PendingJobs     atomic.Int64
	DiskErrors      atomic.Int64
	CacheErrors     atomic.Int64
	MetadataErrors  atomic.Int64
}

// Snapshot is a point-in-time copy of Counters, convenient for the
// control surface's stats export (spec §6).
type Snapshot struct {
	ReadHits, ReadMisses          int64
	WriteHits, WriteMisses        int64
	UncachedReads, UncachedWrites int64
	NoRoom, Replace, Cleanings    int64
	ChecksumInvalid, PendingJobs  int64
	DiskErrors, CacheErrors       int64
	MetadataErrors                int64
}

// Snapshot reads every counter. Individual fields may be mutually
// inconsistent with one another, by design (spec §5).
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		ReadHits:        c.ReadHits.Load(),
		ReadMisses:      c.ReadMisses.Load(),
		WriteHits:       c.WriteHits.Load(),
		WriteMisses:     c.WriteMisses.Load(),
		UncachedReads:   c.UncachedReads.Load(),
		UncachedWrites:  c.UncachedWrites.Load(),
		NoRoom:          c.NoRoom.Load(),
		Replace:         c.Replace.Load(),
		Cleanings:       c.Cleanings.Load(),
		ChecksumInvalid: c.ChecksumInvalid.Load(),
		PendingJobs:     c.PendingJobs.Load(),
		DiskErrors:      c.DiskErrors.Load(),
		CacheErrors:     c.CacheErrors.Load(),
		MetadataErrors:  c.MetadataErrors.Load(),
	}
}

// ZeroStats resets the counters that spec §4.G's `zero_stats` control
// input targets: hit/miss/error counters, never anything that must stay
// consistent with index state (nr_dirty lives in [index.Index], not
// here, precisely so zero_stats cannot touch it).
func (c *Counters) ZeroStats() {
	c.ReadHits.Store(0)
	c.ReadMisses.Store(0)
	c.WriteHits.Store(0)
	c.WriteMisses.Store(0)
	c.UncachedReads.Store(0)
	c.UncachedWrites.Store(0)
	c.NoRoom.Store(0)
	c.Replace.Store(0)
	c.Cleanings.Store(0)
	c.ChecksumInvalid.Store(0)
	c.DiskErrors.Store(0)
	c.CacheErrors.Store(0)
	c.MetadataErrors.Store(0)
}

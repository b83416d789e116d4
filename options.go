package wbcache

import (
	"github.com/wbcache/wbcache/pkg/control"
	"github.com/wbcache/wbcache/pkg/engine"
)

// Mode selects the persistence action Open takes, matching spec §6's
// positional construction argument {RELOAD, CREATE, FORCECREATE}.
type Mode int

const (
	// Reload loads an existing cache device, applying the crash-recovery
	// policy for whatever shutdown state its superblock carries.
	Reload Mode = iota
	// Create initializes a fresh cache device, refusing if a valid
	// superblock is already present.
	Create
	// ForceCreate initializes a fresh cache device unconditionally,
	// overwriting any existing superblock.
	ForceCreate
)

// MaxAssoc is the hard ceiling on associativity spec §3 names ("a hard
// maximum such as 8192").
const MaxAssoc = 8192

// DefaultBlockSize and DefaultAssoc are spec §6's construction defaults.
const (
	DefaultBlockSize uint32 = 8
	DefaultAssoc     uint32 = 512
)

// Options are spec §6's construction arguments, plus the knobs an
// embedder needs to wire the control surface (tunables, PID policy,
// persisted config) around the engine.
type Options struct {
	// DiskPath and CachePath name the backing disk and cache device.
	// Consumed only by Open; OpenDevices takes already-opened
	// [blockio.Device] values instead, for callers that manage device
	// lifetime themselves (the block-device integration shim, spec §1).
	DiskPath  string
	CachePath string

	Mode Mode

	// BlockSize is the block size in sectors, a power of two. Zero
	// means DefaultBlockSize.
	BlockSize uint32

	// Size is the cache size in sectors. Zero means "the whole cache
	// device" (spec §6: "default = cache device size").
	Size uint64

	// Assoc is the associativity, a power of two no larger than
	// MaxAssoc. Zero means DefaultAssoc.
	Assoc uint32

	// Checksums enables the optional per-block integrity digest (spec
	// §3, §4.B). Must match whatever a cache device was created with;
	// Open does not attempt to auto-detect it.
	Checksums bool

	// Tunables seeds the control surface. The zero value is a sentinel
	// for "use control.DefaultTunables()" rather than a literal
	// all-zero configuration, since a zero Tunables would cache_all
	// nothing and every numeric tunable would immediately clamp back to
	// its default anyway.
	Tunables control.Tunables

	// Policy overrides the request engine's Uncacheable policy. Nil
	// means the PID allow/deny list built from Tunables governs
	// caching, the spec §4.G default.
	Policy engine.Policy

	// Registry, if non-nil, receives this cache's [control.Instance] on
	// successful Open, for the do_sync/stop_sync/zero_stats control
	// inputs to fan out across every open instance (spec §5's "Global
	// list of cache instances").
	Registry *control.Registry

	// Name identifies this instance in registry-wide stats reports.
	// Defaults to "<CachePath> on <DiskPath>" when empty.
	Name string
}

func (o Options) blockSize() uint32 {
	if o.BlockSize == 0 {
		return DefaultBlockSize
	}

	return o.BlockSize
}

func (o Options) assoc() uint32 {
	if o.Assoc == 0 {
		return DefaultAssoc
	}

	return o.Assoc
}

func zeroTunables(t control.Tunables) bool {
	return t == control.Tunables{}
}

func (o Options) tunables() control.Tunables {
	t := o.Tunables
	if zeroTunables(t) {
		t = control.DefaultTunables()
	}

	return t.Clamp()
}

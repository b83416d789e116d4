package control

import "github.com/wbcache/wbcache/pkg/index"

// Tunable default/min/max values, carried forward from
// original_source/src/flashcache_conf.c's sysctl defaults
// (sysctl_flashcache_dirty_thresh, sysctl_max_clean_ios_total/set,
// sysctl_flashcache_max_pids, sysctl_pid_expiry_check).
const (
	DirtyThreshPctDefault = 20
	DirtyThreshPctMin     = 10
	DirtyThreshPctMax     = 90

	MaxCleanIOsTotalDefault = 4
	MaxCleanIOsSetDefault   = 2

	MaxPidsDefault = 100

	PidExpirySecsDefault = 60
)

// Tunables holds the mutable, instance-wide knobs spec §6's "Control
// inputs" table names. Fields here are set, not atomics: Tunables is a
// plain value that each component copies at construction (the dirty
// threshold, cleaner limits and PID policy settings). Registry has no
// method that applies a Tunables change to registered instances; a
// component's settings change only through its own setter
// (PIDPolicy.ApplyTunables, Cleaner.SetLimits).
type Tunables struct {
	DirtyThreshPct   int
	MaxCleanIOsTotal int
	MaxCleanIOsSet   int
	MaxPids          int
	PidExpirySecs    int
	DoPidExpiry      bool
	ReclaimPolicy    index.Policy
	CacheAll         bool
	FastRemove       bool
}

// DefaultTunables returns the tunable set a freshly constructed cache
// instance starts with.
func DefaultTunables() Tunables {
	return Tunables{
		DirtyThreshPct:   DirtyThreshPctDefault,
		MaxCleanIOsTotal: MaxCleanIOsTotalDefault,
		MaxCleanIOsSet:   MaxCleanIOsSetDefault,
		MaxPids:          MaxPidsDefault,
		PidExpirySecs:    PidExpirySecsDefault,
		ReclaimPolicy:    index.FIFO,
		CacheAll:         true,
	}
}

// Clamp coerces every out-of-range field to its default, per spec §6:
// "out-of-range values coerced to default". Each tunable gets its own
// explicit rule rather than one blanket bounds check, matching how
// flashcache_dirty_thresh_sysctl_handler clamps only dirty_thresh while
// leaving the plain concurrency caps unbounded above (any positive value
// is a legitimate, if unusual, operator choice).
func (t Tunables) Clamp() Tunables {
	if t.DirtyThreshPct < DirtyThreshPctMin || t.DirtyThreshPct > DirtyThreshPctMax {
		t.DirtyThreshPct = DirtyThreshPctDefault
	}

	if t.MaxCleanIOsTotal < 1 {
		t.MaxCleanIOsTotal = MaxCleanIOsTotalDefault
	}

	if t.MaxCleanIOsSet < 1 {
		t.MaxCleanIOsSet = MaxCleanIOsSetDefault
	}

	if t.MaxPids < 1 {
		t.MaxPids = MaxPidsDefault
	}

	if t.PidExpirySecs < 1 {
		t.PidExpirySecs = PidExpirySecsDefault
	}

	if t.ReclaimPolicy != index.FIFO && t.ReclaimPolicy != index.LRU {
		t.ReclaimPolicy = index.FIFO
	}

	return t
}

// DirtyThreshSet converts the percent-of-associativity tunable into the
// per-set slot-count threshold the cleaner's trigger compares nr_dirty
// against (original_source: `dmc->assoc * sysctl_flashcache_dirty_thresh
// / 100`).
func (t Tunables) DirtyThreshSet(assoc int) int {
	return (assoc * t.DirtyThreshPct) / 100
}

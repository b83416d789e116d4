package control

import (
	"sync"
	"time"

	"github.com/wbcache/wbcache/pkg/engine"
)

// ListKind distinguishes the allow list from the deny list.
type ListKind int

const (
	AllowList ListKind = iota
	DenyList
)

type pidEntry struct {
	addedAt time.Time
}

// PIDPolicy implements engine.Policy over an allow/deny list pair with
// optional expiry (spec §4.G). cache_all inverts which list governs:
// CacheAll true caches everything except the deny list; CacheAll false
// caches only the allow list (original_source's FLASHCACHE_WHITELIST /
// FLASHCACHE_BLACKLIST modes, selected by sysctl_cache_all).
type PIDPolicy struct {
	mu sync.Mutex

	cacheAll      bool
	maxPids       int
	doExpiry      bool
	expiryAfter   time.Duration
	allow, deny   map[int]pidEntry
	adds, dels    int64
	drops, expiry int64

	now func() time.Time
}

// NewPIDPolicy constructs a policy from an initial Tunables snapshot.
func NewPIDPolicy(t Tunables) *PIDPolicy {
	return &PIDPolicy{
		cacheAll:    t.CacheAll,
		maxPids:     t.MaxPids,
		doExpiry:    t.DoPidExpiry,
		expiryAfter: time.Duration(t.PidExpirySecs) * time.Second,
		allow:       make(map[int]pidEntry),
		deny:        make(map[int]pidEntry),
		now:         time.Now,
	}
}

// ApplyTunables updates the knobs a tunables change affects (cache_all,
// max_pids, do_pid_expiry, pid_expiry_secs), without touching the lists
// themselves.
func (p *PIDPolicy) ApplyTunables(t Tunables) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cacheAll = t.CacheAll
	p.maxPids = t.MaxPids
	p.doExpiry = t.DoPidExpiry
	p.expiryAfter = time.Duration(t.PidExpirySecs) * time.Second
}

// Add inserts pid into the allow or deny list, dropping the request and
// counting it under Drops if the list is already at max_pids.
func (p *PIDPolicy) Add(kind ListKind, pid int) (added bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.listLocked(kind)
	if _, exists := list[pid]; exists {
		list[pid] = pidEntry{addedAt: p.now()}
		return true
	}

	if len(list) >= p.maxPids {
		p.drops++
		return false
	}

	list[pid] = pidEntry{addedAt: p.now()}
	p.adds++

	return true
}

// Del removes pid from the allow or deny list.
func (p *PIDPolicy) Del(kind ListKind, pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.listLocked(kind)
	if _, exists := list[pid]; exists {
		delete(list, pid)
		p.dels++
	}
}

// DelAll clears the allow or deny list, for shutdown (original_source's
// flashcache_del_all_pids call from the destructor path).
func (p *PIDPolicy) DelAll(kind ListKind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.listLocked(kind)
	p.dels += int64(len(list))

	for pid := range list {
		delete(list, pid)
	}
}

func (p *PIDPolicy) listLocked(kind ListKind) map[int]pidEntry {
	if kind == DenyList {
		return p.deny
	}

	return p.allow
}

// Expire sweeps both lists for entries older than pid_expiry_secs,
// invoked lazily from the do_pid_expiry control input rather than a
// background timer (spec §4 supplemented features: "avoiding a ticking
// goroutine per instance"). A no-op unless DoPidExpiry is set.
func (p *PIDPolicy) Expire() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.doExpiry {
		return
	}

	cutoff := p.now().Add(-p.expiryAfter)

	for _, list := range []map[int]pidEntry{p.allow, p.deny} {
		for pid, entry := range list {
			if entry.addedAt.Before(cutoff) {
				delete(list, pid)
				p.expiry++
			}
		}
	}
}

// Uncacheable implements engine.Policy (spec §4.D Uncacheable dispatch).
func (p *PIDPolicy) Uncacheable(req engine.Request) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cacheAll {
		_, denied := p.deny[req.PID]
		return denied
	}

	_, allowed := p.allow[req.PID]

	return !allowed
}

// PIDCounters is a point-in-time snapshot of the list's bookkeeping
// counters, matching original_source's pid_adds/pid_dels/pid_drops/expiry
// fields reported by flashcache_status_info.
type PIDCounters struct {
	Adds, Dels, Drops, Expiry int64
	AllowLen, DenyLen         int
}

// Counters returns a snapshot of the policy's bookkeeping.
func (p *PIDPolicy) Counters() PIDCounters {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PIDCounters{
		Adds:     p.adds,
		Dels:     p.dels,
		Drops:    p.drops,
		Expiry:   p.expiry,
		AllowLen: len(p.allow),
		DenyLen:  len(p.deny),
	}
}

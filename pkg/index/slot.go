package index

// State is a bitmask of slot flags (spec §3). Invalid/Valid/Dirty are the
// three states the metadata codec persists; the `*InProgress` flags and
// Installing are transient, held only in memory.
type State uint32

const (
	Invalid State = 1 << iota
	Valid
	Dirty
	DiskReadInProgress
	CacheWriteInProgress
	CacheReadInProgress
	DiskWriteInProgress
	WriteBackInProgress
	MetaWriteInProgress

	// Installing marks a slot being installed for a new dbn: neither its
	// old nor its prospective dbn may be matched by Lookup while this
	// flag is set. Resolves the ambiguity spec §9 flags in the legacy
	// implementation, where the dbn field itself was overwritten before
	// the state transition completed.
	Installing
)

const inProgressMask = DiskReadInProgress | CacheWriteInProgress | CacheReadInProgress |
	DiskWriteInProgress | WriteBackInProgress | MetaWriteInProgress

// Pinned reports whether a slot carrying this state may not be chosen as
// a victim (spec §3: "a slot with any *_IN_PROGRESS flag is pinned").
func (s State) Pinned() bool {
	return s&inProgressMask != 0 || s&Installing != 0
}

// Slot is one cache-device position.
type Slot struct {
	DBN      uint64
	State    State
	NRQueued int
	Checksum uint64

	lruPrev int // local offset within the slot's set, -1 if none
	lruNext int
}

func (s Slot) pinned() bool {
	return s.State.Pinned() || s.NRQueued > 0
}

// Set is the per-assoc-group bookkeeping (spec §3).
type Set struct {
	fifoNext    int // local offset, next candidate for FIFO victim scan
	cleanNext   int // local offset, cleaner's scan cursor
	nrDirty     int
	cleanInprog int
	lruHead     int // local offset, -1 if empty
	lruTail     int
}

// Policy selects the replacement policy FindVictim applies (spec §4.C,
// §9: "expose as a two-variant policy object rather than a boolean").
type Policy int

const (
	FIFO Policy = iota
	LRU
)

// Package index owns the in-memory cache-slot table: per-slot state,
// per-set FIFO/LRU cursors, and the single lock that guards all of it
// (spec §4.C, §5).
//
// # Concurrency
//
// [Index] is safe for concurrent use by multiple goroutines. A single
// [sync.Mutex] guards the slot table, per-set structures, and every
// counter that must stay consistent with state transitions (nr_dirty,
// clean_inprog). Counters that need not be atomic with state (hit/miss
// totals) live one layer up, in the request engine, and are updated
// without this lock.
package index

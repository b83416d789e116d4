// Package cleaner implements the background write-back task that drains
// dirty slots to the backing disk (spec §4.E).
//
// A [Cleaner] is triggered two ways: per-set, when a write pushes a
// set's dirty count past a threshold (the request engine calls
// [Cleaner.Trigger]); and globally, via [Cleaner.SyncAll], for an
// explicit sync request or a shutdown drain. Both paths fan into the
// same [Cleaner.CleanSet], which never holds the index lock across
// cache/disk I/O, matching the request engine's own discipline.
package cleaner

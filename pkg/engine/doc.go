// Package engine implements the per-request state machine that turns a
// client block I/O into cache hits, misses, write-backs, and metadata
// updates (spec §4.D).
//
// Each [Request] is exactly one cache block (the caller is responsible
// for splitting a larger client I/O into block-aligned pieces, per
// spec §4.D's "the Engine splits requests so that each handled request
// touches exactly one block"). Completion is delivered via callback,
// matching [blockio.Device]'s async style, since the engine itself never
// blocks while holding the index lock (spec §5).
package engine

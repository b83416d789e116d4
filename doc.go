// Package wbcache wires the block-level, set-associative, write-back
// cache engine (pkg/index, pkg/engine, pkg/cleaner, pkg/persistence,
// pkg/metadata, pkg/blockio, pkg/control) into the single Cache lifecycle
// spec §3's "Cache instance" describes: construct (create/reload),
// submit client I/O, shut down (quiesce, drain unless fast-remove,
// persist).
//
// The sub-packages are the reusable engine; this package is the thin
// assembly that a block-device integration shim (spec §1, out of core
// scope) would call into.
package wbcache

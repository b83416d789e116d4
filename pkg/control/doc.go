// Package control implements the control surface spec §4.G names as
// "consumed, not specified": tunables with clamp-to-default coercion,
// PID allow/deny lists with lazy expiry, a multi-instance registry for
// fanned-out signals (do_sync, stop_sync, zero_stats), and the
// stats/histogram export spec §6 describes. None of it is exercised by
// the core's correctness properties; it is the slow-path surface an
// administrative caller (cmd/wbcachectl) drives.
//
// Grounded on original_source/src/flashcache_conf.c for the tunable set,
// their coerce-out-of-range-to-default behavior, and the text stats
// report shape; grounded on the teacher's config.go for the hujson
// config-file loading precedence (defaults -> file -> CLI overrides).
package control

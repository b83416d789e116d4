// Package blockio abstracts sector-granular I/O against a backing disk and
// a cache device.
//
// [Device] is the single interface the rest of the cache engine consumes:
// a synchronous vectored form used only for metadata, and an asynchronous
// sector-granular form (completion delivered via callback) used for block
// payload and write-back I/O. [Real] implements it against an open file or
// block special file using pread/pwrite/fsync; [Fault] wraps a [Device] to
// inject errors and partial I/O for crash/chaos testing.
//
// The adapter never retries. A failed read or write is reported to the
// caller exactly once; retry policy belongs to the request engine.
package blockio

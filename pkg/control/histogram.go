package control

import "sync/atomic"

// histogramBuckets covers I/O sizes 512B..16KiB in 512B steps (spec §6:
// "I/O-size histogram (buckets 512 B..16 KiB by 512 B)"), mirroring
// original_source's `size_hist[33]` table indexed by sectors-per-request.
const histogramBuckets = 32

// Histogram counts client I/O sizes into 512-byte buckets. Like
// engine.Counters, it is not atomic with index state (spec §5) and reads
// may observe torn snapshots across buckets.
type Histogram struct {
	buckets [histogramBuckets]atomic.Int64
}

// Observe records one I/O of sizeBytes, clamping anything at or above the
// top bucket's floor (16KiB) into the last bucket rather than dropping
// it, since the histogram categorizes "how big" requests run, not a hard
// bound on what the core will serve.
func (h *Histogram) Observe(sizeBytes int) {
	bucket := sizeBytes/512 - 1
	if bucket < 0 {
		bucket = 0
	}

	if bucket >= histogramBuckets {
		bucket = histogramBuckets - 1
	}

	h.buckets[bucket].Add(1)
}

// Snapshot copies every bucket's count.
func (h *Histogram) Snapshot() [histogramBuckets]int64 {
	var out [histogramBuckets]int64
	for i := range h.buckets {
		out[i] = h.buckets[i].Load()
	}

	return out
}

// Zero resets every bucket, for zero_stats.
func (h *Histogram) Zero() {
	for i := range h.buckets {
		h.buckets[i].Store(0)
	}
}

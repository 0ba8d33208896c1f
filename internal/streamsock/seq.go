package streamsock

import "sync/atomic"

// indexGen is a per-stream packet index generator. The index wraps at
// 2^32. Safe for concurrent use.
type indexGen struct {
	val atomic.Uint32
}

// Next returns the next index, starting at 0.
func (g *indexGen) Next() uint32 {
	return g.val.Add(1) - 1
}

// lossTracker counts gaps in the packet indexes seen on one stream. It is
// used by the single consumer goroutine of a Receiver; only the total is
// read concurrently.
type lossTracker struct {
	expected uint32
	started  bool
	lost     atomic.Uint64
}

// observe records index and returns how many indexes were skipped since
// the previous one. Indexes at or behind the expected one (duplicates, or
// a late packet from before a gap) count as no loss.
func (t *lossTracker) observe(index uint32) uint32 {
	if !t.started {
		t.started = true
		t.expected = index + 1
		return 0
	}

	gap := index - t.expected // wrapping
	if gap >= 1<<31 {
		return 0
	}
	t.expected = index + 1
	if gap > 0 {
		t.lost.Add(uint64(gap))
	}
	return gap
}

func (t *lossTracker) total() uint64 {
	return t.lost.Load()
}

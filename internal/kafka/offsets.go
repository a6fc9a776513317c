package kafka

import "sync"

// offsetTracker works out how far each partition may be committed. Records
// finish out of order across plots, so the commit point is the highest
// offset whose predecessors (as fetched) are all finished. Offsets may have
// gaps, so it follows fetch order rather than offset+1.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	pending []int64 // fetched, oldest first
	done    map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

// Track records a fetched offset. A rewind (rebalance, reset) drops
// whatever was pending for the partition.
func (t *offsetTracker) Track(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[partition]
	if !ok || (len(p.pending) > 0 && offset <= p.pending[len(p.pending)-1]) {
		p = &partitionOffsets{done: make(map[int64]bool)}
		t.partitions[partition] = p
	}
	p.pending = append(p.pending, offset)
}

// Done marks an offset finished and returns the new commit point, if it moved.
func (t *offsetTracker) Done(partition int, offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[partition]
	if !ok || len(p.pending) == 0 || offset < p.pending[0] {
		// from before a rewind
		return 0, false
	}
	p.done[offset] = true

	var (
		commit   int64
		advanced bool
	)
	for len(p.pending) > 0 && p.done[p.pending[0]] {
		commit = p.pending[0]
		delete(p.done, commit)
		p.pending = p.pending[1:]
		advanced = true
	}
	return commit, advanced
}

// Pending reports how many fetched offsets are not yet committable.
func (t *offsetTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.partitions {
		n += len(p.pending)
	}
	return n
}

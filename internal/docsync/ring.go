package docsync

// DefaultRingSize is the number of recent records kept in memory per room.
const DefaultRingSize = 20000

// RingBuffer is a fixed-capacity window over the most recent records.
// The slot for seq is (seq-1) mod N; an empty slot has Seq 0.
type RingBuffer struct {
	slots []UpdateRecord
}

// NewRingBuffer allocates a ring of capacity n (DefaultRingSize if n <= 0).
func NewRingBuffer(n int) *RingBuffer {
	if n <= 0 {
		n = DefaultRingSize
	}
	return &RingBuffer{slots: make([]UpdateRecord, n)}
}

// Cap returns N.
func (rb *RingBuffer) Cap() int { return len(rb.slots) }

func (rb *RingBuffer) slot(seq uint64) int {
	return int((seq - 1) % uint64(len(rb.slots)))
}

// Put stores rec in its slot, overwriting whatever was there.
func (rb *RingBuffer) Put(rec UpdateRecord) {
	rb.slots[rb.slot(rec.Seq)] = rec
}

// Reset clears every slot.
func (rb *RingBuffer) Reset() {
	clear(rb.slots)
}

// MinCovered is the oldest seq a catch-up may start from given the head seq
// and the snapshot anchor.
func (rb *RingBuffer) MinCovered(seq, baseSeq uint64) uint64 {
	minCovered := baseSeq + 1
	if n := uint64(len(rb.slots)); seq+1 > n {
		if w := seq - n + 1; w > minCovered {
			minCovered = w
		}
	}
	return minCovered
}

// GetSince returns records lastSeq+1..seq in order. An empty result means the
// caller is current. ErrNotCoverable means the gap starts before the window,
// or a slot along the way was overwritten.
func (rb *RingBuffer) GetSince(lastSeq, seq, baseSeq uint64) ([]UpdateRecord, error) {
	if lastSeq >= seq {
		return nil, nil
	}
	if lastSeq+1 < rb.MinCovered(seq, baseSeq) {
		return nil, ErrNotCoverable
	}
	out := make([]UpdateRecord, 0, seq-lastSeq)
	for s := lastSeq + 1; s <= seq; s++ {
		rec := rb.slots[rb.slot(s)]
		if rec.Seq != s {
			return nil, ErrNotCoverable
		}
		out = append(out, rec)
	}
	return out, nil
}

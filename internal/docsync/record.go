package docsync

// UpdateRecord is one accepted CRDT update. Ordering is defined by Seq only.
type UpdateRecord struct {
	Seq      uint64
	PrevSeq  uint64
	Update   []byte
	Producer string
}

// SnapshotRecord is the full encoded state of a room at Seq.
type SnapshotRecord struct {
	Seq   uint64
	State []byte
}

// Updates returns the raw update payloads of recs in order.
func Updates(recs []UpdateRecord) [][]byte {
	out := make([][]byte, len(recs))
	for i, r := range recs {
		out[i] = r.Update
	}
	return out
}

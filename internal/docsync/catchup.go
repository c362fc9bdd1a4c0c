package docsync

import "errors"

// ReplyKind tells a client how to apply a catch-up reply.
type ReplyKind int

const (
	// ReplyPatch carries the exact records after the client's cursor.
	ReplyPatch ReplyKind = iota
	// ReplyFull carries the whole document; the client discards its replica.
	ReplyFull
)

func (k ReplyKind) String() string {
	if k == ReplyFull {
		return "full"
	}
	return "patch"
}

// Reply is the answer to a catch-up request.
//
// For a patch, FromSeq is the client's cursor and Updates are the records
// FromSeq+1..ToSeq. For a full reply, State is the document at Seq.
type Reply struct {
	Kind    ReplyKind
	FromSeq uint64
	ToSeq   uint64
	Updates []UpdateRecord
	Seq     uint64
	State   []byte
}

// CatchUpCoordinator decides between an incremental patch and a full resend.
type CatchUpCoordinator struct{}

// Resolve answers a request from a client whose last applied seq is fromSeq.
// ds and ring must be observed under the room lock so seq, the window and
// baseSeq belong together.
func (CatchUpCoordinator) Resolve(ds *DocumentState, ring *RingBuffer, fromSeq uint64) Reply {
	seq := ds.Seq()
	if fromSeq > seq {
		// The client claims state this room never had.
		return full(ds)
	}
	recs, err := ring.GetSince(fromSeq, seq, ds.BaseSeq())
	if errors.Is(err, ErrNotCoverable) {
		return full(ds)
	}
	return Reply{Kind: ReplyPatch, FromSeq: fromSeq, ToSeq: seq, Updates: recs, Seq: seq}
}

func full(ds *DocumentState) Reply {
	seq, state := ds.EncodeFull()
	return Reply{Kind: ReplyFull, Seq: seq, ToSeq: seq, State: state}
}

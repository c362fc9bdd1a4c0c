package docsync

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

/*
LEARNING: DOCUMENT STATE

The room's authoritative replica. Merge semantics belong to automerge:
applying a set of changes is commutative and applying a change twice is a
no-op. What this type adds is the sequence counter that orders updates for
the log, and the rule that an accepted update moves the document: it has to
carry at least one change whose dependencies are already present.

  seq     incremented by exactly 1 per accepted update, never reused
  baseSeq seq at the last snapshot, baseSeq <= seq

DocumentState is not safe for concurrent use. Room serializes access.
*/

// DocumentState owns the CRDT document of one room.
type DocumentState struct {
	doc     *automerge.Doc
	seq     uint64
	baseSeq uint64
}

// NewDocumentState returns an empty document at seq 0.
func NewDocumentState() *DocumentState {
	return &DocumentState{doc: automerge.New()}
}

// RestoreDocumentState seeds a document from a snapshot.
func RestoreDocumentState(snap SnapshotRecord) (*DocumentState, error) {
	ds := NewDocumentState()
	if err := ds.ApplySnapshot(snap.Seq, snap.State); err != nil {
		return nil, err
	}
	return ds, nil
}

// Seq returns the current sequence number.
func (ds *DocumentState) Seq() uint64 { return ds.seq }

// BaseSeq returns the seq of the last snapshot.
func (ds *DocumentState) BaseSeq() uint64 { return ds.baseSeq }

// ApplyUpdate merges update into the document and returns the new seq.
func (ds *DocumentState) ApplyUpdate(update []byte) (uint64, error) {
	next, err := ds.prepare(update)
	if err != nil {
		return ds.seq, err
	}
	ds.commit(next, ds.seq+1)
	return ds.seq, nil
}

// prepare merges update into a fork of the document and returns the fork.
// The document itself is untouched, so a rejected update leaves no trace.
// An update must add at least one change: one whose dependencies the
// document lacks is held back by automerge and leaves the heads where they
// were, as does one that is already fully merged.
func (ds *DocumentState) prepare(update []byte) (*automerge.Doc, error) {
	if len(update) == 0 {
		return nil, fmt.Errorf("%w: empty update", ErrBadPayload)
	}
	next, err := ds.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("fork document: %w", err)
	}
	if err := next.LoadIncremental(update); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if sameHeads(ds.doc.Heads(), next.Heads()) {
		return nil, fmt.Errorf("%w: no applicable changes", ErrBadPayload)
	}
	return next, nil
}

// commit installs a document returned by prepare as the state at seq.
func (ds *DocumentState) commit(next *automerge.Doc, seq uint64) {
	ds.doc = next
	ds.seq = seq
}

// EncodeFull returns the whole document and the seq it corresponds to.
func (ds *DocumentState) EncodeFull() (uint64, []byte) {
	return ds.seq, ds.doc.Save()
}

// EncodeSnapshot is the compaction artifact; same encoding as EncodeFull.
func (ds *DocumentState) EncodeSnapshot() []byte {
	return ds.doc.Save()
}

// ApplySnapshot replaces the document with a fresh one loaded from state and
// moves both seq and baseSeq to seq.
func (ds *DocumentState) ApplySnapshot(seq uint64, state []byte) error {
	doc := automerge.New()
	if len(state) > 0 {
		loaded, err := automerge.Load(state)
		if err != nil {
			return fmt.Errorf("%w: load snapshot: %v", ErrBadPayload, err)
		}
		doc = loaded
	}
	ds.doc = doc
	ds.seq = seq
	ds.baseSeq = seq
	return nil
}

// markSnapshot records that a snapshot was taken at the current seq.
func (ds *DocumentState) markSnapshot() {
	ds.baseSeq = ds.seq
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[automerge.ChangeHash]struct{}, len(a))
	for _, h := range a {
		seen[h] = struct{}{}
	}
	for _, h := range b {
		if _, ok := seen[h]; !ok {
			return false
		}
	}
	return true
}

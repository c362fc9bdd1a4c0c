package docsync

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCatchUpCoordinatorResolve(t *testing.T) {
	// Room at seq 6 with a ring of 4 and no snapshot: records 3..6 are covered.
	ds := NewDocumentState()
	rb := NewRingBuffer(4)
	ed := newEditor(t, "a")
	for i := 0; i < 6; i++ {
		u := ed.next()
		seq, err := ds.ApplyUpdate(u)
		if err != nil {
			t.Fatalf("ApplyUpdate: %v", err)
		}
		rb.Put(UpdateRecord{Seq: seq, PrevSeq: seq - 1, Update: u})
	}

	tests := []struct {
		name     string
		fromSeq  uint64
		wantKind ReplyKind
		wantSeqs []uint64
	}{
		{name: "current", fromSeq: 6, wantKind: ReplyPatch},
		{name: "in window", fromSeq: 3, wantKind: ReplyPatch, wantSeqs: []uint64{4, 5, 6}},
		{name: "window edge", fromSeq: 2, wantKind: ReplyPatch, wantSeqs: []uint64{3, 4, 5, 6}},
		{name: "below window", fromSeq: 1, wantKind: ReplyFull},
		{name: "from scratch", fromSeq: 0, wantKind: ReplyFull},
		{name: "ahead of room", fromSeq: 9, wantKind: ReplyFull},
	}

	var c CatchUpCoordinator
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := c.Resolve(ds, rb, tt.fromSeq)
			if reply.Kind != tt.wantKind {
				t.Fatalf("Kind = %v, want %v", reply.Kind, tt.wantKind)
			}
			if reply.Seq != 6 || reply.ToSeq != 6 {
				t.Errorf("Seq/ToSeq = %d/%d, want 6/6", reply.Seq, reply.ToSeq)
			}
			switch reply.Kind {
			case ReplyPatch:
				if reply.FromSeq != tt.fromSeq {
					t.Errorf("FromSeq = %d, want %d", reply.FromSeq, tt.fromSeq)
				}
				if diff := cmp.Diff(tt.wantSeqs, recordSeqs(reply.Updates)); diff != "" {
					t.Errorf("patch seqs mismatch (-want +got):\n%s", diff)
				}
			case ReplyFull:
				if diff := cmp.Diff(hashStrings(ed.doc.Heads()), heads(t, reply.State)); diff != "" {
					t.Errorf("full state heads mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestReplyKindString(t *testing.T) {
	if ReplyPatch.String() != "patch" || ReplyFull.String() != "full" {
		t.Errorf("String() = %q/%q", ReplyPatch.String(), ReplyFull.String())
	}
}

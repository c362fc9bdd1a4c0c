package docsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/automerge/automerge-go"
)

// editor produces real automerge updates from an independent document.
type editor struct {
	t   *testing.T
	doc *automerge.Doc
	key string
	n   int
}

func newEditor(t *testing.T, key string) *editor {
	t.Helper()
	return &editor{t: t, doc: automerge.New(), key: key}
}

// next makes one change and returns it as an incremental update.
func (e *editor) next() []byte {
	e.t.Helper()
	e.n++
	if err := e.doc.Path(fmt.Sprintf("%s-%d", e.key, e.n)).Set(int64(e.n)); err != nil {
		e.t.Fatalf("set: %v", err)
	}
	if _, err := e.doc.Commit("edit"); err != nil {
		e.t.Fatalf("commit: %v", err)
	}
	update := e.doc.SaveIncremental()
	if len(update) == 0 {
		e.t.Fatalf("empty incremental save")
	}
	return update
}

// heads returns sorted change hashes of an encoded document.
func heads(t *testing.T, state []byte) []string {
	t.Helper()
	doc, err := automerge.Load(state)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return hashStrings(doc.Heads())
}

func hashStrings(hs []automerge.ChangeHash) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.String()
	}
	sort.Strings(out)
	return out
}

// recorder is a Subscriber that keeps what it was sent.
type recorder struct {
	id string

	mu   sync.Mutex
	recs []UpdateRecord
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) DeliverUpdate(rec UpdateRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recorder) seqs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.recs))
	for i, rec := range r.recs {
		out[i] = rec.Seq
	}
	return out
}

var errDiskFull = errors.New("disk full")

// failingLog rejects appends but otherwise behaves like a MemoryLog.
type failingLog struct {
	*MemoryLog
}

func (failingLog) AppendMany(context.Context, string, uint64, [][]byte, string) (uint64, error) {
	return 0, errDiskFull
}

func seqRange(from, to uint64) []uint64 {
	var out []uint64
	for s := from; s <= to; s++ {
		out = append(out, s)
	}
	return out
}

func recordSeqs(recs []UpdateRecord) []uint64 {
	var out []uint64
	for _, r := range recs {
		out = append(out, r.Seq)
	}
	return out
}

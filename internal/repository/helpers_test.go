package repository

import (
	"fmt"
	"sort"
	"testing"

	"github.com/automerge/automerge-go"
)

type editor struct {
	t   *testing.T
	doc *automerge.Doc
	n   int
}

func newEditor(t *testing.T) *editor {
	return &editor{t: t, doc: automerge.New()}
}

func (e *editor) next() []byte {
	e.t.Helper()
	e.n++
	if err := e.doc.Path(fmt.Sprintf("k%d", e.n)).Set(int64(e.n)); err != nil {
		e.t.Fatalf("set: %v", err)
	}
	if _, err := e.doc.Commit("edit"); err != nil {
		e.t.Fatalf("commit: %v", err)
	}
	return e.doc.SaveIncremental()
}

func headsOf(t *testing.T, state []byte) []string {
	t.Helper()
	doc, err := automerge.Load(state)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var out []string
	for _, h := range doc.Heads() {
		out = append(out, h.String())
	}
	sort.Strings(out)
	return out
}

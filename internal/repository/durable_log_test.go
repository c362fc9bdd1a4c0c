package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"docsync/internal/db"
	"docsync/internal/docsync"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
)

func newSQLiteLog(t *testing.T) docsync.DurableLog {
	t.Helper()
	database, err := db.Open(sqlite.Open(filepath.Join(t.TempDir(), "log.db")), false)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewGormLog(database.DB)
}

func newRedisLog(t *testing.T) docsync.DurableLog {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLog(rdb, "test")
}

// Every backend must honor the same DurableLog contract.
var backends = []struct {
	name string
	open func(t *testing.T) docsync.DurableLog
}{
	{name: "sqlite", open: newSQLiteLog},
	{name: "redis", open: newRedisLog},
	{name: "memory", open: func(*testing.T) docsync.DurableLog { return docsync.NewMemoryLog() }},
}

func seqs(recs []docsync.UpdateRecord) []uint64 {
	var out []uint64
	for _, r := range recs {
		out = append(out, r.Seq)
	}
	return out
}

func TestDurableLogAppendAndRead(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			l := b.open(t)

			last, err := l.AppendMany(ctx, "room", 0, [][]byte{[]byte("u1"), []byte("u2")}, "alice")
			if err != nil {
				t.Fatalf("AppendMany: %v", err)
			}
			if last != 2 {
				t.Fatalf("AppendMany = %d, want 2", last)
			}
			if _, err := l.AppendMany(ctx, "room", 2, [][]byte{[]byte("u3")}, "bob"); err != nil {
				t.Fatalf("AppendMany: %v", err)
			}

			recs, err := l.ReadRange(ctx, "room", 2)
			if err != nil {
				t.Fatalf("ReadRange: %v", err)
			}
			want := []docsync.UpdateRecord{
				{Seq: 2, PrevSeq: 1, Update: []byte("u2"), Producer: "alice"},
				{Seq: 3, PrevSeq: 2, Update: []byte("u3"), Producer: "bob"},
			}
			if diff := cmp.Diff(want, recs); diff != "" {
				t.Errorf("ReadRange mismatch (-want +got):\n%s", diff)
			}

			// Rooms are independent.
			other, err := l.ReadRange(ctx, "other", 0)
			if err != nil {
				t.Fatalf("ReadRange(other): %v", err)
			}
			if len(other) != 0 {
				t.Errorf("other room has %d records", len(other))
			}
		})
	}
}

func TestDurableLogRejectsStaleAppend(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			l := b.open(t)

			if _, err := l.AppendMany(ctx, "room", 0, [][]byte{[]byte("a")}, "p1"); err != nil {
				t.Fatalf("AppendMany: %v", err)
			}
			// A second process that also thinks the room is at 0.
			_, err := l.AppendMany(ctx, "room", 0, [][]byte{[]byte("b")}, "p2")
			if !errors.Is(err, docsync.ErrSeqConflict) {
				t.Fatalf("stale AppendMany error = %v, want ErrSeqConflict", err)
			}
			// Ahead of the tail is just as wrong.
			_, err = l.AppendMany(ctx, "room", 5, [][]byte{[]byte("c")}, "p2")
			if !errors.Is(err, docsync.ErrSeqConflict) {
				t.Fatalf("future AppendMany error = %v, want ErrSeqConflict", err)
			}

			recs, _ := l.ReadRange(ctx, "room", 0)
			if diff := cmp.Diff([]uint64{1}, seqs(recs)); diff != "" {
				t.Errorf("seqs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDurableLogCompact(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			l := b.open(t)

			updates := [][]byte{[]byte("1"), []byte("2"), []byte("3"), []byte("4"), []byte("5")}
			if _, err := l.AppendMany(ctx, "room", 0, updates, "alice"); err != nil {
				t.Fatalf("AppendMany: %v", err)
			}
			if _, found, err := l.LoadSnapshot(ctx, "room"); err != nil || found {
				t.Fatalf("LoadSnapshot before Compact = %v, %v", found, err)
			}

			if err := l.Compact(ctx, "room", docsync.SnapshotRecord{Seq: 4, State: []byte("state@4")}); err != nil {
				t.Fatalf("Compact: %v", err)
			}
			recs, err := l.ReadRange(ctx, "room", 0)
			if err != nil {
				t.Fatalf("ReadRange: %v", err)
			}
			if diff := cmp.Diff([]uint64{4, 5}, seqs(recs)); diff != "" {
				t.Errorf("retained seqs (-want +got):\n%s", diff)
			}

			// An older snapshot never replaces a newer one.
			if err := l.Compact(ctx, "room", docsync.SnapshotRecord{Seq: 2, State: []byte("state@2")}); err != nil {
				t.Fatalf("Compact(older): %v", err)
			}
			snap, found, err := l.LoadSnapshot(ctx, "room")
			if err != nil || !found {
				t.Fatalf("LoadSnapshot = %v, %v", found, err)
			}
			if diff := cmp.Diff(docsync.SnapshotRecord{Seq: 4, State: []byte("state@4")}, snap); diff != "" {
				t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
			}

			// Appends continue from the tail, not from the snapshot.
			if _, err := l.AppendMany(ctx, "room", 5, [][]byte{[]byte("6")}, "alice"); err != nil {
				t.Errorf("AppendMany after Compact: %v", err)
			}
		})
	}
}

func TestDurableLogExists(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			l := b.open(t)

			if ok, err := l.Exists(ctx, "room"); err != nil || ok {
				t.Fatalf("Exists on empty log = %v, %v", ok, err)
			}
			if _, err := l.AppendMany(ctx, "room", 0, [][]byte{[]byte("x")}, ""); err != nil {
				t.Fatalf("AppendMany: %v", err)
			}
			if ok, err := l.Exists(ctx, "room"); err != nil || !ok {
				t.Errorf("Exists after append = %v, %v", ok, err)
			}
		})
	}
}

// The log is what a room restores from, whatever the backend.
func TestDurableLogBacksRoomRestore(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			l := b.open(t)
			opts := docsync.RoomOptions{Log: l, SnapshotInterval: 3}

			room, err := docsync.OpenRoom(ctx, "room", opts)
			if err != nil {
				t.Fatalf("OpenRoom: %v", err)
			}
			ed := newEditor(t)
			for prev := uint64(0); prev < 5; prev++ {
				if _, err := room.Accept(ctx, prev, ed.next(), "alice", nil); err != nil {
					t.Fatalf("Accept(%d): %v", prev, err)
				}
			}

			reopened, err := docsync.OpenRoom(ctx, "room", opts)
			if err != nil {
				t.Fatalf("OpenRoom again: %v", err)
			}
			got := reopened.Stats()
			if got.Seq != 5 || got.BaseSeq != 3 {
				t.Errorf("reopened seq/baseSeq = %d/%d, want 5/3", got.Seq, got.BaseSeq)
			}
			_, a := room.EncodeFull()
			_, c := reopened.EncodeFull()
			if diff := cmp.Diff(headsOf(t, a), headsOf(t, c)); diff != "" {
				t.Errorf("reopened room diverged (-original +reopened):\n%s", diff)
			}
		})
	}
}

package docsync

import (
	"context"
	"fmt"

	"docsync/internal/middleware"

	"go.opentelemetry.io/otel/attribute"
)

// DefaultSnapshotInterval is the number of updates between compactions.
const DefaultSnapshotInterval = 300

// SnapshotManager compacts a room into a full-state snapshot and trims the
// log behind it. Memory stays bounded by the ring size and the durable log
// by one snapshot interval.
type SnapshotManager struct {
	interval uint64
	log      DurableLog
}

// NewSnapshotManager returns a manager that compacts every interval updates.
func NewSnapshotManager(log DurableLog, interval int) *SnapshotManager {
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	return &SnapshotManager{interval: uint64(interval), log: log}
}

// Interval returns the compaction interval.
func (sm *SnapshotManager) Interval() uint64 { return sm.interval }

// Due reports whether reaching seq triggers a compaction.
func (sm *SnapshotManager) Due(seq uint64) bool {
	return seq > 0 && seq%sm.interval == 0
}

// Compact snapshots ds at its current seq. With persist set, the snapshot is
// written to the durable log (which trims everything before it) and the
// in-memory window is only reset once that write succeeded. Without persist
// only the in-memory window moves; that is what a follower process does,
// the accepting process owns the durable compaction.
func (sm *SnapshotManager) Compact(ctx context.Context, roomID string, ds *DocumentState, ring *RingBuffer, persist bool) (SnapshotRecord, error) {
	ctx, span := middleware.StartSpan(ctx, "Snapshot.Compact",
		attribute.String("room.id", roomID),
		attribute.Int64("seq", int64(ds.Seq())),
		attribute.Bool("persist", persist),
	)
	defer span.End()

	snap := SnapshotRecord{Seq: ds.Seq(), State: ds.EncodeSnapshot()}
	if persist {
		if err := sm.log.Compact(ctx, roomID, snap); err != nil {
			middleware.AddSpanError(ctx, err)
			return SnapshotRecord{}, fmt.Errorf("compact room %s at seq %d: %w", roomID, snap.Seq, err)
		}
	}
	ring.Reset()
	ds.markSnapshot()
	return snap, nil
}

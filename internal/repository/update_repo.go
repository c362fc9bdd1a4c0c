package repository

import (
	"context"
	"errors"
	"fmt"

	"docsync/internal/docsync"
	"docsync/internal/middleware"
	"docsync/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/*
LEARNING: SQL AS THE SEQ AUTHORITY

The room's in-memory seq is only a cache of the log tail. AppendMany reads
the tail inside a transaction and inserts prevSeq+1..prevSeq+n; if another
server process inserted the same seq first, the unique (room_id, seq) index
rejects ours and the caller resyncs instead of forking history.

Query patterns:
- ReadRange: catch-up past the ring window and restore on room load
- Compact:   snapshot upsert + prefix trim in one transaction
*/

// GormLog is a docsync.DurableLog backed by gorm (postgres or sqlite)
type GormLog struct {
	db *gorm.DB
}

// NewGormLog creates a new SQL durable log
func NewGormLog(db *gorm.DB) *GormLog {
	return &GormLog{db: db}
}

var _ docsync.DurableLog = (*GormLog)(nil)

// tail returns the highest seq known for a room, counting the snapshot
// anchor in case every row before it was trimmed
func (r *GormLog) tail(tx *gorm.DB, roomID string) (uint64, error) {
	var rows, snap int64
	if err := tx.Model(&models.RoomUpdate{}).
		Select("COALESCE(MAX(seq), 0)").
		Where("room_id = ?", roomID).
		Row().Scan(&rows); err != nil {
		return 0, fmt.Errorf("failed to read log tail: %w", err)
	}
	if err := tx.Model(&models.RoomSnapshot{}).
		Select("COALESCE(MAX(seq), 0)").
		Where("room_id = ?", roomID).
		Row().Scan(&snap); err != nil {
		return 0, fmt.Errorf("failed to read snapshot seq: %w", err)
	}
	return uint64(max(rows, snap)), nil
}

// AppendMany stores each update as its own row tagged with its predecessor
func (r *GormLog) AppendMany(ctx context.Context, roomID string, prevSeq uint64, updates [][]byte, producer string) (uint64, error) {
	ctx, span := middleware.StartSpan(ctx, "Log.AppendMany",
		attribute.String("log.backend", "sql"),
		attribute.String("room.id", roomID),
		attribute.Int("updates", len(updates)),
	)
	defer span.End()

	last := prevSeq
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tail, err := r.tail(tx, roomID)
		if err != nil {
			return err
		}
		if tail != prevSeq {
			return fmt.Errorf("%w: room %s tail %d, expected %d", docsync.ErrSeqConflict, roomID, tail, prevSeq)
		}

		rows := make([]*models.RoomUpdate, 0, len(updates))
		for i, u := range updates {
			seq := prevSeq + uint64(i) + 1
			rows = append(rows, &models.RoomUpdate{
				RoomID:   roomID,
				Seq:      seq,
				PrevSeq:  seq - 1,
				Update:   u,
				Producer: producer,
			})
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: room %s seq %d already taken", docsync.ErrSeqConflict, roomID, prevSeq+1)
			}
			return fmt.Errorf("failed to store room update: %w", err)
		}
		last = rows[len(rows)-1].Seq
		return nil
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return 0, err
	}
	return last, nil
}

// ReadRange returns the retained rows with seq >= fromSeq
func (r *GormLog) ReadRange(ctx context.Context, roomID string, fromSeq uint64) ([]docsync.UpdateRecord, error) {
	var rows []*models.RoomUpdate

	err := r.db.WithContext(ctx).
		Where("room_id = ? AND seq >= ?", roomID, fromSeq).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read room updates: %w", err)
	}

	out := make([]docsync.UpdateRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, docsync.UpdateRecord{
			Seq:      row.Seq,
			PrevSeq:  row.PrevSeq,
			Update:   row.Update,
			Producer: row.Producer,
		})
	}
	return out, nil
}

// Compact overwrites the room snapshot and deletes the rows it covers.
// A snapshot never moves backwards: an older one (say, from a process that
// flushes a stale replica) leaves the stored one in place.
func (r *GormLog) Compact(ctx context.Context, roomID string, snap docsync.SnapshotRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := &models.RoomSnapshot{RoomID: roomID, Seq: snap.Seq, State: snap.State}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"seq", "state", "updated_at"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "room_snapshots.seq < excluded.seq"},
			}},
		}).Create(row).Error
		if err != nil {
			return fmt.Errorf("failed to store snapshot: %w", err)
		}

		if err := tx.Where("room_id = ? AND seq < ?", roomID, snap.Seq).
			Delete(&models.RoomUpdate{}).Error; err != nil {
			return fmt.Errorf("failed to trim room updates: %w", err)
		}
		return nil
	})
}

// LoadSnapshot returns the current snapshot of a room
func (r *GormLog) LoadSnapshot(ctx context.Context, roomID string) (docsync.SnapshotRecord, bool, error) {
	var row models.RoomSnapshot

	err := r.db.WithContext(ctx).First(&row, "room_id = ?", roomID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return docsync.SnapshotRecord{}, false, nil
		}
		return docsync.SnapshotRecord{}, false, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return docsync.SnapshotRecord{Seq: row.Seq, State: row.State}, true, nil
}

// Exists reports whether the room has any row or snapshot
func (r *GormLog) Exists(ctx context.Context, roomID string) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.RoomSnapshot{}).
		Where("room_id = ?", roomID).Count(&n).Error; err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if err := r.db.WithContext(ctx).Model(&models.RoomUpdate{}).
		Where("room_id = ?", roomID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: DURABLE UPDATE LOG IN SQL

One row per accepted CRDT update. Rows are ordered by seq, never by
created_at: the unique (room_id, seq) index is what turns a concurrent
append from a second server process into a constraint violation instead of
a silently forked history.

  accepted update → INSERT room_updates (room_id, seq, ...)
  compaction      → UPSERT room_snapshots + DELETE room_updates WHERE seq < snapshot.seq
*/

// RoomUpdate is one entry of a room's durable log
type RoomUpdate struct {
	ID        string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	RoomID    string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_room_seq,priority:1" json:"room_id"`
	Seq       uint64    `gorm:"not null;uniqueIndex:idx_room_seq,priority:2" json:"seq"`
	PrevSeq   uint64    `gorm:"not null" json:"prev_seq"` // client-known predecessor, kept for auditing
	Update    []byte    `gorm:"not null" json:"-"`
	Producer  string    `gorm:"type:varchar(255);not null;default:''" json:"producer"`
	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate generates KSUID
func (u *RoomUpdate) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (RoomUpdate) TableName() string {
	return "room_updates"
}

// RoomSnapshot is the single current snapshot of a room, overwritten on
// every compaction
type RoomSnapshot struct {
	RoomID    string    `gorm:"type:varchar(255);primaryKey" json:"room_id"`
	Seq       uint64    `gorm:"not null" json:"seq"`
	State     []byte    `gorm:"not null" json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName override
func (RoomSnapshot) TableName() string {
	return "room_snapshots"
}

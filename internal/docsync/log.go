package docsync

import (
	"context"
	"fmt"
	"sync"
)

// DurableLog is the ordered per-room store behind the ring buffer.
//
// AppendMany is a compare-and-append: the entries get seqs prevSeq+1..prevSeq+n
// and the call fails with ErrSeqConflict when the stored tail is not prevSeq.
// That makes the log the seq authority when several processes serve a room.
type DurableLog interface {
	AppendMany(ctx context.Context, roomID string, prevSeq uint64, updates [][]byte, producer string) (uint64, error)
	// ReadRange returns every retained record with seq >= fromSeq, in order.
	ReadRange(ctx context.Context, roomID string, fromSeq uint64) ([]UpdateRecord, error)
	// Compact stores snap as the room's current snapshot and trims records
	// with seq < snap.Seq, atomically where the backend allows.
	Compact(ctx context.Context, roomID string, snap SnapshotRecord) error
	// LoadSnapshot returns the current snapshot, found=false if none exists.
	LoadSnapshot(ctx context.Context, roomID string) (SnapshotRecord, bool, error)
	// Exists reports whether the log holds anything for roomID.
	Exists(ctx context.Context, roomID string) (bool, error)
}

// MemoryLog is an in-process DurableLog. It survives room eviction but not
// a process restart.
type MemoryLog struct {
	mu    sync.Mutex
	rooms map[string]*memoryRoomLog
}

type memoryRoomLog struct {
	records []UpdateRecord
	tail    uint64
	snap    *SnapshotRecord
}

// NewMemoryLog returns an empty in-process log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{rooms: make(map[string]*memoryRoomLog)}
}

func (m *MemoryLog) room(roomID string) *memoryRoomLog {
	rl, ok := m.rooms[roomID]
	if !ok {
		rl = &memoryRoomLog{}
		m.rooms[roomID] = rl
	}
	return rl
}

func (m *MemoryLog) AppendMany(ctx context.Context, roomID string, prevSeq uint64, updates [][]byte, producer string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rl := m.room(roomID)
	if rl.tail != prevSeq {
		return rl.tail, fmt.Errorf("%w: room %s tail %d, expected %d", ErrSeqConflict, roomID, rl.tail, prevSeq)
	}
	for _, u := range updates {
		rl.tail++
		rl.records = append(rl.records, UpdateRecord{
			Seq:      rl.tail,
			PrevSeq:  rl.tail - 1,
			Update:   append([]byte(nil), u...),
			Producer: producer,
		})
	}
	return rl.tail, nil
}

func (m *MemoryLog) ReadRange(ctx context.Context, roomID string, fromSeq uint64) ([]UpdateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rl, ok := m.rooms[roomID]
	if !ok {
		return nil, nil
	}
	var out []UpdateRecord
	for _, r := range rl.records {
		if r.Seq >= fromSeq {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryLog) Compact(ctx context.Context, roomID string, snap SnapshotRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rl := m.room(roomID)
	if rl.snap != nil && rl.snap.Seq >= snap.Seq {
		return nil
	}
	kept := rl.records[:0]
	for _, r := range rl.records {
		if r.Seq >= snap.Seq {
			kept = append(kept, r)
		}
	}
	rl.records = kept
	s := SnapshotRecord{Seq: snap.Seq, State: append([]byte(nil), snap.State...)}
	rl.snap = &s
	if rl.tail < snap.Seq {
		rl.tail = snap.Seq
	}
	return nil
}

func (m *MemoryLog) LoadSnapshot(ctx context.Context, roomID string) (SnapshotRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return SnapshotRecord{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rl, ok := m.rooms[roomID]
	if !ok || rl.snap == nil {
		return SnapshotRecord{}, false, nil
	}
	return *rl.snap, true, nil
}

func (m *MemoryLog) Exists(ctx context.Context, roomID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rl, ok := m.rooms[roomID]
	return ok && (rl.tail > 0 || rl.snap != nil), nil
}

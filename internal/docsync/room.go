package docsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"docsync/internal/middleware"

	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: ONE CRITICAL SECTION PER ROOM

seq assignment, the durable append and the ring slot write happen under
one mutex. Fan-out to subscribers happens under the same lock, so every
connection sees records in seq order, and a catch-up reply can never be
overtaken by a record committed after it was built.

Subscribers must therefore never block in DeliverUpdate: the gateway queues
into a buffered channel and drops the connection when it is full.
*/

// Subscriber receives committed records of a room.
type Subscriber interface {
	ID() string
	// DeliverUpdate is called with the room locked and must not block.
	DeliverUpdate(rec UpdateRecord)
}

// CommitHook observes records accepted by this process (used for relaying
// to other processes). Called with the room locked.
type CommitHook func(roomID string, rec UpdateRecord)

// RoomOptions configure a Room.
type RoomOptions struct {
	RingSize         int
	SnapshotInterval int
	Log              DurableLog
	OnCommit         CommitHook
}

// Room owns the DocumentState, ring buffer and subscribers of one room_id.
type Room struct {
	id string

	mu      sync.Mutex
	state   *DocumentState
	ring    *RingBuffer
	log     DurableLog
	snaps   *SnapshotManager
	catchup CatchUpCoordinator
	subs    map[string]Subscriber

	onCommit CommitHook
}

// RoomStats is a point-in-time view of a room.
type RoomStats struct {
	ID         string `json:"id"`
	Seq        uint64 `json:"seq"`
	BaseSeq    uint64 `json:"base_seq"`
	MinCovered uint64 `json:"min_covered"`
	RingSize   int    `json:"ring_size"`
	Members    int    `json:"members"`
}

// OpenRoom builds a room from the durable log: the current snapshot, if
// any, then every retained record after it.
func OpenRoom(ctx context.Context, id string, opts RoomOptions) (*Room, error) {
	if opts.Log == nil {
		opts.Log = NewMemoryLog()
	}
	r := &Room{
		id:       id,
		state:    NewDocumentState(),
		ring:     NewRingBuffer(opts.RingSize),
		log:      opts.Log,
		snaps:    NewSnapshotManager(opts.Log, opts.SnapshotInterval),
		subs:     make(map[string]Subscriber),
		onCommit: opts.OnCommit,
	}

	snap, found, err := r.log.LoadSnapshot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load snapshot for room %s: %w", id, err)
	}
	if found {
		if err := r.state.ApplySnapshot(snap.Seq, snap.State); err != nil {
			return nil, fmt.Errorf("restore room %s: %w", id, err)
		}
	}
	if err := r.replayLocked(ctx, false); err != nil {
		return nil, err
	}
	return r, nil
}

// ID returns the room_id.
func (r *Room) ID() string { return r.id }

// Join registers sub and returns the full state it starts from. deliver, when
// set, runs with the room locked so the state is queued before any record
// committed after Join.
func (r *Room) Join(sub Subscriber, deliver func(Reply)) Reply {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs[sub.ID()] = sub
	reply := full(r.state)
	if deliver != nil {
		deliver(reply)
	}
	return reply
}

// Leave removes sub. Room state is unaffected.
func (r *Room) Leave(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.subs, sub.ID())
}

// Accept appends one client update whose sender believes prevSeq is current.
//
// A malformed update, or one whose dependencies the room lacks, fails with
// ErrBadPayload. A stale predecessor fails with a *SeqMismatchError carrying
// the room's seq. Either way neither the log nor the document moves, and
// neither does anything when the durable append fails. The returned record
// has already been fanned out to every subscriber except origin.
func (r *Room) Accept(ctx context.Context, prevSeq uint64, update []byte, producer string, origin Subscriber) (UpdateRecord, error) {
	ctx, span := middleware.StartSpan(ctx, "Room.Accept",
		attribute.String("room.id", r.id),
		attribute.Int64("prev_seq", int64(prevSeq)),
		attribute.Int("update.size", len(update)),
	)
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur := r.state.Seq(); prevSeq != cur {
		return UpdateRecord{}, &SeqMismatchError{RoomID: r.id, Seq: cur, PrevSeq: prevSeq}
	}

	next, err := r.state.prepare(update)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return UpdateRecord{}, err
	}

	seq, err := r.log.AppendMany(ctx, r.id, prevSeq, [][]byte{update}, producer)
	if errors.Is(err, ErrSeqConflict) {
		// Another process got there first; pull what it wrote.
		middleware.AddSpanEvent(ctx, "log.conflict", attribute.Int64("local_seq", int64(prevSeq)))
		if syncErr := r.replayLocked(ctx, true); syncErr != nil {
			log.Printf("⚠️  room %s: resync after conflict failed: %v", r.id, syncErr)
		}
		return UpdateRecord{}, &SeqMismatchError{RoomID: r.id, Seq: r.state.Seq(), PrevSeq: prevSeq, Err: err}
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return UpdateRecord{}, fmt.Errorf("append to durable log: %w", err)
	}

	rec := UpdateRecord{Seq: seq, PrevSeq: prevSeq, Update: update, Producer: producer}
	r.state.commit(next, seq)
	r.ring.Put(rec)
	r.fanOutLocked(rec, origin)
	if r.onCommit != nil {
		r.onCommit(r.id, rec)
	}
	r.maybeCompactLocked(ctx, true)

	span.SetAttributes(attribute.Int64("seq", int64(seq)))
	return rec, nil
}

// CatchUp answers a client whose cursor is fromSeq. deliver, when set, is
// called with the room locked so the reply is queued ahead of any later record.
func (r *Room) CatchUp(ctx context.Context, fromSeq uint64, deliver func(Reply)) Reply {
	_, span := middleware.StartSpan(ctx, "Room.CatchUp",
		attribute.String("room.id", r.id),
		attribute.Int64("from_seq", int64(fromSeq)),
	)
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	reply := r.catchup.Resolve(r.state, r.ring, fromSeq)
	span.SetAttributes(attribute.String("reply.kind", reply.Kind.String()))
	if deliver != nil {
		deliver(reply)
	}
	return reply
}

// Follow applies a record committed by another process. Records at or below
// the current seq are ignored; a gap is filled from the durable log.
func (r *Room) Follow(ctx context.Context, rec UpdateRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch cur := r.state.Seq(); {
	case rec.Seq <= cur:
		return nil
	case rec.Seq == cur+1 && len(rec.Update) > 0:
		return r.applyRecordLocked(ctx, rec)
	default:
		return r.replayLocked(ctx, true)
	}
}

// Sync reads whatever the durable log holds past the current seq.
func (r *Room) Sync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.replayLocked(ctx, true)
}

// Flush compacts the room if anything was accepted since the last snapshot.
func (r *Room) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Seq() == r.state.BaseSeq() {
		return nil
	}
	_, err := r.snaps.Compact(ctx, r.id, r.state, r.ring, true)
	return err
}

// EncodeFull returns the current state and its seq.
func (r *Room) EncodeFull() (uint64, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state.EncodeFull()
}

// Stats returns counters for the room.
func (r *Room) Stats() RoomStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq, base := r.state.Seq(), r.state.BaseSeq()
	return RoomStats{
		ID:         r.id,
		Seq:        seq,
		BaseSeq:    base,
		MinCovered: r.ring.MinCovered(seq, base),
		RingSize:   r.ring.Cap(),
		Members:    len(r.subs),
	}
}

func (r *Room) fanOutLocked(rec UpdateRecord, origin Subscriber) {
	for id, sub := range r.subs {
		if origin != nil && id == origin.ID() {
			continue
		}
		sub.DeliverUpdate(rec)
	}
}

// applyRecordLocked applies and fans out a record that is already durable.
func (r *Room) applyRecordLocked(ctx context.Context, rec UpdateRecord) error {
	if err := r.mergeRecordLocked(rec); err != nil {
		return err
	}
	r.fanOutLocked(rec, nil)
	r.maybeCompactLocked(ctx, false)
	return nil
}

// mergeRecordLocked moves the document to rec.Seq. A durable record that does
// not merge stops the room where it is: the seq never runs ahead of what the
// document holds.
func (r *Room) mergeRecordLocked(rec UpdateRecord) error {
	next, err := r.state.prepare(rec.Update)
	if err != nil {
		return fmt.Errorf("room %s seq %d: %w", r.id, rec.Seq, err)
	}
	r.state.commit(next, rec.Seq)
	r.ring.Put(rec)
	return nil
}

// replayLocked catches the local replica up with the durable log. When the
// log was trimmed past the local seq, the stored snapshot is loaded first.
func (r *Room) replayLocked(ctx context.Context, fanOut bool) error {
	recs, err := r.log.ReadRange(ctx, r.id, r.state.Seq()+1)
	if err != nil {
		return fmt.Errorf("read log for room %s: %w", r.id, err)
	}
	if len(recs) > 0 && recs[0].Seq > r.state.Seq()+1 {
		snap, found, err := r.log.LoadSnapshot(ctx, r.id)
		if err != nil {
			return fmt.Errorf("load snapshot for room %s: %w", r.id, err)
		}
		if !found || snap.Seq+1 < recs[0].Seq {
			return fmt.Errorf("room %s: log starts at %d with no snapshot covering the gap", r.id, recs[0].Seq)
		}
		if snap.Seq > r.state.Seq() {
			if err := r.state.ApplySnapshot(snap.Seq, snap.State); err != nil {
				return err
			}
			r.ring.Reset()
		}
	}
	for _, rec := range recs {
		if rec.Seq <= r.state.Seq() {
			continue
		}
		if rec.Seq != r.state.Seq()+1 {
			return fmt.Errorf("room %s: log gap at %d (local seq %d)", r.id, rec.Seq, r.state.Seq())
		}
		if fanOut {
			if err := r.applyRecordLocked(ctx, rec); err != nil {
				return err
			}
			continue
		}
		if err := r.mergeRecordLocked(rec); err != nil {
			return err
		}
	}
	return nil
}

func (r *Room) maybeCompactLocked(ctx context.Context, persist bool) {
	if !r.snaps.Due(r.state.Seq()) {
		return
	}
	if _, err := r.snaps.Compact(ctx, r.id, r.state, r.ring, persist); err != nil {
		// The window stays as it was and the next interval retries.
		log.Printf("⚠️  room %s: snapshot failed: %v", r.id, err)
	}
}

package docsync

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// RegistryOptions configure how rooms are created and evicted.
type RegistryOptions struct {
	RingSize         int
	SnapshotInterval int
	Log              DurableLog
	OnCommit         CommitHook

	// IdleTimeout evicts rooms nobody references for this long. Zero keeps
	// rooms forever.
	IdleTimeout time.Duration
}

// Registry is the process-wide room index. Rooms are created lazily on first
// Acquire and reference counted; an unreferenced room is compacted into the
// durable log and dropped once it has been idle for IdleTimeout.
type Registry struct {
	opts RegistryOptions
	now  func() time.Time

	mu     sync.Mutex
	rooms  map[string]*roomEntry
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

type roomEntry struct {
	room      *Room
	err       error
	ready     chan struct{}
	refs      int
	idleSince time.Time
}

// NewRegistry returns a registry. Call Start to run idle eviction.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Log == nil {
		opts.Log = NewMemoryLog()
	}
	return &Registry{
		opts:  opts,
		now:   time.Now,
		rooms: make(map[string]*roomEntry),
		done:  make(chan struct{}),
	}
}

// Log returns the durable log rooms are backed by.
func (g *Registry) Log() DurableLog { return g.opts.Log }

// Start runs the eviction loop until Close.
func (g *Registry) Start() {
	if g.opts.IdleTimeout <= 0 {
		return
	}
	every := g.opts.IdleTimeout / 4
	if every < time.Second {
		every = time.Second
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-g.done:
				return
			case <-ticker.C:
				g.EvictIdle(context.Background())
			}
		}
	}()
}

// Acquire returns the room, loading it on first use, and takes a reference.
// Every successful Acquire must be paired with Release.
func (g *Registry) Acquire(ctx context.Context, roomID string) (*Room, error) {
	return g.get(ctx, roomID, true, false)
}

// Release drops a reference taken by Acquire.
func (g *Registry) Release(roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.rooms[roomID]; ok {
		g.unrefLocked(e)
	}
}

// Lookup returns a room without taking a reference and without creating an
// empty one: a room that is neither loaded nor in the durable log yields
// ErrRoomNotFound.
func (g *Registry) Lookup(ctx context.Context, roomID string) (*Room, error) {
	return g.get(ctx, roomID, false, true)
}

// Peek returns the room only if it is loaded in this process.
func (g *Registry) Peek(roomID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.rooms[roomID]
	if !ok || e.room == nil {
		return nil, false
	}
	return e.room, true
}

func (g *Registry) get(ctx context.Context, roomID string, ref, mustExist bool) (*Room, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrRegistryClosed
	}

	if e, ok := g.rooms[roomID]; ok {
		if ref {
			e.refs++
		}
		e.idleSince = g.now()
		g.mu.Unlock()
		return g.wait(ctx, e, ref)
	}

	if mustExist {
		g.mu.Unlock()
		exists, err := g.opts.Log.Exists(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrRoomNotFound
		}
		return g.get(ctx, roomID, ref, false)
	}

	e := &roomEntry{ready: make(chan struct{}), idleSince: g.now()}
	if ref {
		e.refs = 1
	}
	g.rooms[roomID] = e
	g.mu.Unlock()

	// The load must not die with the first caller's request.
	room, err := OpenRoom(context.WithoutCancel(ctx), roomID, RoomOptions{
		RingSize:         g.opts.RingSize,
		SnapshotInterval: g.opts.SnapshotInterval,
		Log:              g.opts.Log,
		OnCommit:         g.opts.OnCommit,
	})

	g.mu.Lock()
	e.room, e.err = room, err
	if err != nil && g.rooms[roomID] == e {
		delete(g.rooms, roomID)
	}
	close(e.ready)
	g.mu.Unlock()

	if err != nil {
		return nil, err
	}
	log.Printf("  Room %s loaded at seq %d", roomID, room.Stats().Seq)
	return room, nil
}

func (g *Registry) wait(ctx context.Context, e *roomEntry, ref bool) (*Room, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		if ref {
			g.mu.Lock()
			g.unrefLocked(e)
			g.mu.Unlock()
		}
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.room, nil
}

func (g *Registry) unrefLocked(e *roomEntry) {
	if e.refs > 0 {
		e.refs--
	}
	if e.refs == 0 {
		e.idleSince = g.now()
	}
}

// EvictIdle drops every unreferenced room idle for at least IdleTimeout and
// returns how many were evicted.
func (g *Registry) EvictIdle(ctx context.Context) int {
	if g.opts.IdleTimeout <= 0 {
		return 0
	}
	now := g.now()

	g.mu.Lock()
	var victims []*Room
	for id, e := range g.rooms {
		if e.room == nil || e.refs > 0 || now.Sub(e.idleSince) < g.opts.IdleTimeout {
			continue
		}
		delete(g.rooms, id)
		victims = append(victims, e.room)
	}
	g.mu.Unlock()

	// Every record is already in the durable log; flushing only shortens the
	// replay of the next load.
	for _, room := range victims {
		if err := room.Flush(ctx); err != nil {
			log.Printf("⚠️  room %s: flush on eviction failed: %v", room.ID(), err)
		}
		log.Printf("  Room %s evicted after %s idle", room.ID(), g.opts.IdleTimeout)
	}
	return len(victims)
}

// Rooms returns stats of every loaded room, sorted by ID.
func (g *Registry) Rooms() []RoomStats {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, e := range g.rooms {
		if e.room != nil {
			rooms = append(rooms, e.room)
		}
	}
	g.mu.Unlock()

	out := make([]RoomStats, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops eviction, flushes every room and refuses further use.
func (g *Registry) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	rooms := g.rooms
	g.rooms = make(map[string]*roomEntry)
	g.mu.Unlock()

	close(g.done)
	g.wg.Wait()

	var firstErr error
	for _, e := range rooms {
		if e.room == nil {
			continue
		}
		if err := e.room.Flush(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

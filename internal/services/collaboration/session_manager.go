package collaboration

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"docsync/internal/docsync"
	"docsync/internal/models"
)

/*
LEARNING: WEBSOCKET SESSION MANAGER

The manager is the RoomGateway's bookkeeping half:

1. **Room membership**: which sessions of this process sit in which room
2. **Presence fan-out**: join/leave and awareness, best effort, any order
3. **Relay**: records committed here go to other server processes and
   records committed elsewhere are applied to the local replica
4. **Cleanup**: idle sessions are closed; their room reference is released

Document updates never pass through the broadcast channel below. They are
fanned out by the Room itself under its lock, which is what keeps every
connection's view in seq order. Only volatile traffic uses the hub.
*/

// Options configure a SessionManager
type Options struct {
	InstanceID  string
	SendBuffer  int
	SessionIdle time.Duration
	Relay       Relay
}

// SessionManager manages all active WebSocket sessions of this process
type SessionManager struct {
	rooms      map[string]map[*Session]bool // roomID -> set of sessions
	register   chan *Session
	unregister chan *Session
	broadcast  chan *BroadcastMessage
	mu         sync.RWMutex

	registry  *docsync.Registry
	awareness *AwarenessChannel

	relay      Relay
	relayOut   chan Envelope
	instanceID string

	sendBuffer  int
	sessionIdle time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// BroadcastMessage is a volatile message for the sessions of one room
type BroadcastMessage struct {
	RoomID  string
	Message []byte
	Sender  *Session // Skip this session when broadcasting
}

// NewSessionManager creates a session manager over registry. The registry
// must have been built with the manager's CommitHook to relay commits.
func NewSessionManager(registry *docsync.Registry, opts Options) *SessionManager {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.SessionIdle <= 0 {
		opts.SessionIdle = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	sm := &SessionManager{
		rooms:       make(map[string]map[*Session]bool),
		register:    make(chan *Session),
		unregister:  make(chan *Session),
		broadcast:   make(chan *BroadcastMessage, 256),
		registry:    registry,
		relay:       opts.Relay,
		relayOut:    make(chan Envelope, 1024),
		instanceID:  opts.InstanceID,
		sendBuffer:  opts.SendBuffer,
		sessionIdle: opts.SessionIdle,
		ctx:         ctx,
		cancel:      cancel,
	}
	sm.awareness = NewAwarenessChannel(sm)
	return sm
}

// CommitHook returns the hook the registry calls for every record accepted
// by this process. It only enqueues; publishing happens on the relay loop.
func (sm *SessionManager) CommitHook() docsync.CommitHook {
	return func(roomID string, rec docsync.UpdateRecord) {
		sm.publish(Envelope{
			Kind:     EnvelopeUpdate,
			RoomID:   roomID,
			Seq:      rec.Seq,
			PrevSeq:  rec.PrevSeq,
			Update:   rec.Update,
			Producer: rec.Producer,
		})
	}
}

// Registry returns the room registry sessions join through
func (sm *SessionManager) Registry() *docsync.Registry { return sm.registry }

// Awareness returns the presence channel
func (sm *SessionManager) Awareness() *AwarenessChannel { return sm.awareness }

// Start begins the session manager event loop
func (sm *SessionManager) Start() {
	log.Println("🔄 Starting WebSocket session manager...")

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		for {
			select {
			case <-sm.ctx.Done():
				log.Println("Session manager shutting down...")
				return

			case session := <-sm.register:
				sm.handleRegister(session)

			case session := <-sm.unregister:
				sm.handleUnregister(session)

			case msg := <-sm.broadcast:
				sm.handleBroadcast(msg)
			}
		}
	}()

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		sm.cleanupLoop()
	}()

	if sm.relay != nil {
		sm.wg.Add(2)
		go func() {
			defer sm.wg.Done()
			sm.relayPublishLoop()
		}()
		go func() {
			defer sm.wg.Done()
			if err := sm.relay.Run(sm.ctx, sm.handleRelay); err != nil && sm.ctx.Err() == nil {
				log.Printf("⚠️  Relay stopped: %v", err)
			}
		}()
	}

	log.Println("✓ WebSocket session manager started")
}

// handleRegister adds a session to its room
func (sm *SessionManager) handleRegister(session *Session) {
	sm.mu.Lock()
	if sm.rooms[session.RoomID] == nil {
		sm.rooms[session.RoomID] = make(map[*Session]bool)
	}
	sm.rooms[session.RoomID][session] = true
	total := len(sm.rooms[session.RoomID])
	sm.mu.Unlock()

	log.Printf("  Session %s joined room %s (total: %d users)", session.ID(), session.RoomID, total)

	sm.handleBroadcast(&BroadcastMessage{
		RoomID:  session.RoomID,
		Message: mustMarshal(&models.Message{Type: models.MessageTypeJoin, User: session.userInfo()}),
		Sender:  session,
	})
}

// handleUnregister removes a session from its room and releases the room
func (sm *SessionManager) handleUnregister(session *Session) {
	sm.mu.Lock()
	sessions, ok := sm.rooms[session.RoomID]
	if !ok || !sessions[session] {
		sm.mu.Unlock()
		return
	}
	delete(sessions, session)
	if len(sessions) == 0 {
		delete(sm.rooms, session.RoomID)
	}
	remaining := len(sessions)
	sm.mu.Unlock()

	session.disconnect()
	sm.registry.Release(session.RoomID)

	log.Printf("  Session %s left room %s (remaining: %d users)", session.ID(), session.RoomID, remaining)

	sm.awareness.Remove(session)
	sm.handleBroadcast(&BroadcastMessage{
		RoomID:  session.RoomID,
		Message: mustMarshal(&models.Message{Type: models.MessageTypeLeave, User: session.userInfo()}),
	})
}

// handleBroadcast sends a volatile message to every session of a room.
// A full buffer drops the message; presence is best effort.
func (sm *SessionManager) handleBroadcast(msg *BroadcastMessage) {
	for _, session := range sm.GetSessions(msg.RoomID) {
		if msg.Sender != nil && session == msg.Sender {
			continue
		}
		session.enqueueRaw(msg.Message, false)
	}
}

// Broadcast queues a volatile message for a room
func (sm *SessionManager) Broadcast(roomID string, message []byte, sender *Session) {
	select {
	case sm.broadcast <- &BroadcastMessage{RoomID: roomID, Message: message, Sender: sender}:
	case <-sm.ctx.Done():
	}
}

// GetSessions returns all active sessions of a room in this process
func (sm *SessionManager) GetSessions(roomID string) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := sm.rooms[roomID]
	result := make([]*Session, 0, len(sessions))
	for session := range sessions {
		result = append(result, session)
	}
	return result
}

func (sm *SessionManager) publish(env Envelope) {
	if sm.relay == nil {
		return
	}
	env.Origin = sm.instanceID
	select {
	case sm.relayOut <- env:
	default:
		// Peers notice the gap on the next record and read it from the log.
		log.Printf("⚠️  Relay queue full, dropping %s for room %s", env.Kind, env.RoomID)
	}
}

// relayPublishLoop publishes in commit order
func (sm *SessionManager) relayPublishLoop() {
	for {
		select {
		case <-sm.ctx.Done():
			return
		case env := <-sm.relayOut:
			if err := sm.relay.Publish(sm.ctx, env); err != nil {
				log.Printf("⚠️  Relay publish for room %s failed: %v", env.RoomID, err)
			}
		}
	}
}

// handleRelay applies traffic from other processes to local state
func (sm *SessionManager) handleRelay(env Envelope) {
	if env.Origin == sm.instanceID {
		return
	}
	switch env.Kind {
	case EnvelopeUpdate:
		room, ok := sm.registry.Peek(env.RoomID)
		if !ok {
			return
		}
		rec := docsync.UpdateRecord{Seq: env.Seq, PrevSeq: env.PrevSeq, Update: env.Update, Producer: env.Producer}
		if err := room.Follow(sm.ctx, rec); err != nil {
			log.Printf("⚠️  Room %s: failed to follow seq %d: %v", env.RoomID, env.Seq, err)
		}
	case EnvelopeAwareness:
		sm.awareness.deliverRemote(env)
	case EnvelopeAwarenessRemove:
		sm.awareness.removeRemote(env)
	}
}

// cleanupLoop periodically closes inactive sessions
func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sm.ctx.Done():
			return
		case <-ticker.C:
			sm.cleanup()
		}
	}
}

// cleanup closes stale connections; their ReadPump unregisters them
func (sm *SessionManager) cleanup() {
	now := time.Now()

	sm.mu.RLock()
	var stale []*Session
	for _, sessions := range sm.rooms {
		for session := range sessions {
			if now.Sub(session.lastActive()) > sm.sessionIdle {
				stale = append(stale, session)
			}
		}
	}
	sm.mu.RUnlock()

	for _, session := range stale {
		log.Printf("  Cleaning up inactive session %s", session.ID())
		session.Conn.Close()
	}
}

// Shutdown gracefully closes all connections
func (sm *SessionManager) Shutdown() {
	log.Println("🛑 Shutting down session manager...")

	sm.cancel()
	sm.wg.Wait()

	sm.mu.Lock()
	rooms := sm.rooms
	sm.rooms = make(map[string]map[*Session]bool)
	sm.mu.Unlock()

	for roomID, sessions := range rooms {
		for session := range sessions {
			session.disconnect()
			session.Conn.Close()
			sm.registry.Release(roomID)
		}
	}

	if sm.relay != nil {
		if err := sm.relay.Close(); err != nil {
			log.Printf("⚠️  Relay close: %v", err)
		}
	}
	log.Println("✓ Session manager shutdown complete")
}

func mustMarshal(msg *models.Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		// Message only holds marshalable fields.
		panic(err)
	}
	return data
}

// enter hands a joined session to the event loop
func (sm *SessionManager) enter(session *Session) bool {
	select {
	case sm.register <- session:
		return true
	case <-sm.ctx.Done():
		return false
	}
}

// leave hands a finished session to the event loop
func (sm *SessionManager) leave(session *Session) {
	select {
	case sm.unregister <- session:
	case <-sm.ctx.Done():
	}
}

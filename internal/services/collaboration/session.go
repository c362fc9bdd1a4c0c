package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"docsync/internal/docsync"
	"docsync/internal/middleware"
	"docsync/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

// ConnState is the sync state of one connection
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateSynced
	StateCatchingUp
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateSynced:
		return "SYNCED"
	case StateCatchingUp:
		return "CATCHING_UP"
	default:
		return "DISCONNECTED"
	}
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	maxMessage = 8 << 20
)

// Session represents an active WebSocket connection
type Session struct {
	*models.Session
	Conn    *websocket.Conn
	Send    chan []byte // Buffered channel for outbound messages
	Manager *SessionManager

	room *docsync.Room

	// mu guards everything below. Lock order is room, then session: the
	// room calls DeliverUpdate with its lock held, so nothing here may call
	// into the room while holding mu.
	mu        sync.Mutex
	state     ConnState
	cursor    uint64 // last seq queued to this client
	replyOut  bool   // a catch-up reply was queued; the next message acks it
	closed    bool
	lastSeen  time.Time
	closeOnce sync.Once
}

func newSession(sm *SessionManager, conn *websocket.Conn, room *docsync.Room, info *models.Session) *Session {
	return &Session{
		Session:  info,
		Conn:     conn,
		Send:     make(chan []byte, sm.sendBuffer),
		Manager:  sm,
		room:     room,
		state:    StateConnecting,
		lastSeen: time.Now(),
	}
}

// ID identifies the session as a room subscriber
func (s *Session) ID() string { return s.Session.ID }

// State returns the connection state
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cursor returns the last seq queued to the client
func (s *Session) Cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Session) userInfo() *models.UserInfo {
	return &models.UserInfo{ID: s.UserID, Name: s.UserName}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// DeliverUpdate implements docsync.Subscriber
func (s *Session) DeliverUpdate(rec docsync.UpdateRecord) {
	msg := mustMarshal(&models.Message{
		Type:     models.MessageTypeUpdate,
		PrevSeq:  rec.PrevSeq,
		Seq:      rec.Seq,
		Update:   rec.Update,
		Producer: rec.Producer,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueueLocked(msg, true) && rec.Seq > s.cursor {
		s.cursor = rec.Seq
	}
}

// ReplyMessage renders a catch-up reply as a wire message. A full reply on
// join is sent as init.
func ReplyMessage(reply docsync.Reply, initial bool) *models.Message {
	msg := &models.Message{Seq: reply.Seq}
	switch {
	case reply.Kind == docsync.ReplyPatch:
		msg.Type = models.MessageTypePatch
		msg.FromSeq = reply.FromSeq
		msg.ToSeq = reply.ToSeq
		msg.Updates = docsync.Updates(reply.Updates)
	case initial:
		msg.Type = models.MessageTypeInit
		msg.Update = reply.State
	default:
		msg.Type = models.MessageTypeFull
		msg.Update = reply.State
	}
	return msg
}

// deliverReply queues an init/patch/full reply. Called with the room locked.
func (s *Session) deliverReply(reply docsync.Reply, initial bool) {
	data := mustMarshal(ReplyMessage(reply, initial))

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enqueueLocked(data, true) {
		return
	}
	s.cursor = reply.Seq
	if initial {
		s.state = StateSynced
	} else {
		s.replyOut = true
	}
}

func (s *Session) enqueue(msg *models.Message) {
	s.enqueueRaw(mustMarshal(msg), true)
}

// enqueueRaw queues data. Losing an ordered frame would leave a hole the
// client cannot see, so a full buffer closes the connection for ordered
// frames; volatile frames are simply dropped.
func (s *Session) enqueueRaw(data []byte, ordered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(data, ordered)
}

func (s *Session) enqueueLocked(data []byte, ordered bool) bool {
	if s.closed {
		return false
	}
	select {
	case s.Send <- data:
		return true
	default:
	}
	if ordered {
		log.Printf("⚠️  Session %s buffer full, closing connection", s.ID())
		s.closeOnce.Do(func() { go s.Conn.Close() })
	}
	return false
}

// disconnect leaves the room and closes the outbound queue
func (s *Session) disconnect() {
	if s.room != nil {
		s.room.Leave(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.state = StateDisconnected
	close(s.Send)
}

// join registers with the room and queues the init frame
func (s *Session) join() {
	s.room.Join(s, func(reply docsync.Reply) {
		s.deliverReply(reply, true)
	})
}

// ReadPump reads messages from the WebSocket connection
// Learning: Each session has its own goroutine reading from the WebSocket
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.Manager.leave(s)
		s.Conn.Close()
	}()

	s.Conn.SetReadLimit(maxMessage)
	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.touch()
		return nil
	})

	for {
		_, data, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		s.touch()
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
			attribute.String("session.id", s.ID()),
			attribute.String("room.id", s.RoomID),
			attribute.Int("message.size", len(data)),
		)
		s.handleMessage(msgCtx, data)
		span.End()
	}
}

func (s *Session) handleMessage(ctx context.Context, data []byte) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		middleware.AddSpanError(ctx, err)
		s.enqueue(&models.Message{Type: models.MessageTypeError, Code: docsync.CodeBadPayload})
		return
	}

	if msg.Type == models.MessageTypeAwareness {
		s.Manager.awareness.Publish(s, msg.Update)
		return
	}

	// Whatever the client sends after a catch-up reply means it has it.
	s.mu.Lock()
	if s.state == StateCatchingUp && s.replyOut {
		s.state = StateSynced
		s.replyOut = false
	}
	s.mu.Unlock()

	switch msg.Type {
	case models.MessageTypeUpdate:
		s.handleUpdate(ctx, &msg)
	case models.MessageTypePull:
		s.catchUp(ctx, msg.FromSeq)
	case models.MessageTypeAck:
		// Acks carry no work beyond the transition above.
	default:
		s.enqueue(models.Nack(msg.ID, docsync.CodeBadPayload, 0))
	}
}

func (s *Session) handleUpdate(ctx context.Context, msg *models.Message) {
	if s.State() == StateCatchingUp {
		// Held back until the pending reply has been acknowledged.
		s.enqueue(models.Nack(msg.ID, docsync.CodeSeqMismatch, s.Cursor()))
		return
	}

	rec, err := s.room.Accept(ctx, msg.PrevSeq, msg.Update, s.UserID, s)
	var mismatch *docsync.SeqMismatchError
	switch {
	case err == nil:
		s.mu.Lock()
		if rec.Seq > s.cursor {
			s.cursor = rec.Seq
		}
		s.mu.Unlock()
		s.enqueue(models.Ack(msg.ID, rec.Seq))

	case errors.As(err, &mismatch):
		s.enqueue(models.Nack(msg.ID, docsync.CodeSeqMismatch, mismatch.Seq))
		s.catchUp(ctx, msg.PrevSeq)

	case errors.Is(err, docsync.ErrBadPayload):
		s.enqueue(models.Nack(msg.ID, docsync.CodeBadPayload, 0))

	default:
		log.Printf("⚠️  Room %s: update from session %s failed: %v", s.RoomID, s.ID(), err)
		middleware.AddSpanError(ctx, err)
		s.enqueue(models.Nack(msg.ID, docsync.CodeInternal, 0))
	}
}

// catchUp moves the session to CATCHING_UP and queues a patch or full reply
func (s *Session) catchUp(ctx context.Context, fromSeq uint64) {
	s.mu.Lock()
	s.state = StateCatchingUp
	s.replyOut = false
	s.mu.Unlock()

	s.room.CatchUp(ctx, fromSeq, func(reply docsync.Reply) {
		s.deliverReply(reply, false)
	})
}

// WritePump writes messages to the WebSocket connection
// Learning: Separate goroutine for writing prevents blocking on slow clients
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One JSON document per frame.
			if err := s.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package replica is a client of the room sync protocol: it keeps a local
// automerge document in step with a room over one websocket.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"

	"docsync/internal/docsync"
	"docsync/internal/models"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
)

/*
LEARNING: CLIENT SIDE OF THE CURSOR PROTOCOL

The replica remembers one number, the seq it has applied up to. Every edit
it sends names that number as prevSeq:

  SYNCED      edit → update{prevSeq: seq}  →  ack ok, seq = ack.seq
  SYNCED      edit loses the race          →  ack SEQ_MISMATCH, CATCHING_UP
  CATCHING_UP patch/full arrives            →  apply, SYNCED, resend pending

Only one edit is in flight at a time; later edits wait in pending and are
sent with whatever seq the replica has reached by then.
*/

// State is the replica's view of its connection
type State int32

const (
	Connecting State = iota
	Synced
	CatchingUp
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Synced:
		return "SYNCED"
	case CatchingUp:
		return "CATCHING_UP"
	default:
		return "DISCONNECTED"
	}
}

// ErrClosed is returned by operations on a closed replica
var ErrClosed = errors.New("replica closed")

// Options configure a replica
type Options struct {
	UserID   string
	UserName string
	Dialer   *websocket.Dialer
}

type pendingEdit struct {
	id     uint64
	update []byte
	sent   bool
}

// Replica is one client's copy of a room document
type Replica struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	doc     *automerge.Doc
	seq     uint64
	state   State
	pending []*pendingEdit
	nextID  uint64
	peers   map[string][]byte // sessionID -> latest presence blob
	lastErr error
	changed chan struct{}

	done chan struct{}
}

// Dial connects to a room socket URL (ws://host/ws/rooms/{id}) and waits for
// the init frame.
func Dial(ctx context.Context, rawURL string, opts Options) (*Replica, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid room url: %w", err)
	}
	q := u.Query()
	if opts.UserID != "" {
		q.Set("user_id", opts.UserID)
	}
	if opts.UserName != "" {
		q.Set("user_name", opts.UserName)
	}
	u.RawQuery = q.Encode()

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("failed to dial %s: %s: %w", u.Redacted(), resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", u.Redacted(), err)
	}

	r := &Replica{
		conn:    conn,
		doc:     automerge.New(),
		state:   Connecting,
		peers:   make(map[string][]byte),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.readLoop()

	if err := r.Wait(ctx, func(r *Replica) bool { return r.State() != Connecting }); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Seq returns the seq the local document reflects
func (r *Replica) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// State returns the connection state
func (r *Replica) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Pending returns how many local edits the server has not acknowledged
func (r *Replica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Heads returns the heads of the local document
func (r *Replica) Heads() []automerge.ChangeHash {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Heads()
}

// Save encodes the local document
func (r *Replica) Save() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Save()
}

// View runs fn with the document locked. fn must not retain doc.
func (r *Replica) View(fn func(doc *automerge.Doc)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.doc)
}

// Peers returns the latest presence blob of every other session seen
func (r *Replica) Peers() map[string][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]byte, len(r.peers))
	for k, v := range r.peers {
		out[k] = v
	}
	return out
}

// Err returns the error that ended the connection, if any
func (r *Replica) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Edit applies fn locally, commits it and queues the change for the room.
func (r *Replica) Edit(message string, fn func(doc *automerge.Doc) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Disconnected {
		return ErrClosed
	}
	if err := fn(r.doc); err != nil {
		return err
	}
	if _, err := r.doc.Commit(message); err != nil {
		return fmt.Errorf("failed to commit edit: %w", err)
	}
	update := r.doc.SaveIncremental()
	if len(update) == 0 {
		return nil
	}
	r.nextID++
	r.pending = append(r.pending, &pendingEdit{id: r.nextID, update: update})
	r.notifyLocked()
	return r.flushLocked()
}

// Pull asks for everything after the local seq
func (r *Replica) Pull() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pullLocked()
}

// SetPresence publishes a volatile presence blob (cursor, selection...)
func (r *Replica) SetPresence(blob []byte) error {
	return r.send(&models.Message{Type: models.MessageTypeAwareness, Update: blob})
}

// Wait blocks until cond holds, the replica disconnects or ctx is done.
// cond is evaluated after every frame the replica handles.
func (r *Replica) Wait(ctx context.Context, cond func(r *Replica) bool) error {
	for {
		r.mu.Lock()
		changed := r.changed
		r.mu.Unlock()

		if cond(r) {
			return nil
		}

		r.mu.Lock()
		state, lastErr := r.state, r.lastErr
		r.mu.Unlock()
		if state == Disconnected {
			if lastErr != nil {
				return lastErr
			}
			return ErrClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitSeq waits until the local document reflects at least seq
func (r *Replica) WaitSeq(ctx context.Context, seq uint64) error {
	return r.Wait(ctx, func(r *Replica) bool { return r.Seq() >= seq })
}

// WaitIdle waits until every local edit has been acknowledged
func (r *Replica) WaitIdle(ctx context.Context) error {
	return r.Wait(ctx, func(r *Replica) bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.pending) == 0 && r.state == Synced
	})
}

// Close ends the connection
func (r *Replica) Close() error {
	r.writeMu.Lock()
	r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	r.writeMu.Unlock()
	err := r.conn.Close()
	<-r.done
	return err
}

func (r *Replica) readLoop() {
	defer close(r.done)
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			r.state = Disconnected
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !errors.Is(err, net.ErrClosed) {
				r.lastErr = err
			}
			r.notifyLocked()
			r.mu.Unlock()
			return
		}
		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("⚠️  replica: malformed frame: %v", err)
			continue
		}
		r.mu.Lock()
		if err := r.handleLocked(&msg); err != nil {
			log.Printf("⚠️  replica: %s frame: %v", msg.Type, err)
		}
		r.notifyLocked()
		r.mu.Unlock()
	}
}

func (r *Replica) handleLocked(msg *models.Message) error {
	switch msg.Type {
	case models.MessageTypeInit, models.MessageTypeFull:
		if err := r.loadLocked(msg.Seq, msg.Update); err != nil {
			return err
		}
		return r.syncedLocked()

	case models.MessageTypePatch:
		for i, update := range msg.Updates {
			seq := msg.FromSeq + uint64(i) + 1
			if seq <= r.seq {
				continue
			}
			if err := r.applyLocked(seq, update); err != nil {
				return err
			}
		}
		if msg.ToSeq > r.seq {
			r.seq = msg.ToSeq
		}
		return r.syncedLocked()

	case models.MessageTypeUpdate:
		switch {
		case msg.Seq <= r.seq:
			return nil
		case msg.PrevSeq == r.seq:
			return r.applyLocked(msg.Seq, msg.Update)
		case r.state == CatchingUp:
			// The pending reply covers it.
			return nil
		default:
			return r.pullLocked()
		}

	case models.MessageTypeAck:
		return r.ackLocked(msg)

	case models.MessageTypeAwareness:
		r.peers[msg.Producer] = msg.Update
	case models.MessageTypeAwarenessRemove:
		delete(r.peers, msg.Producer)
	case models.MessageTypeError:
		return fmt.Errorf("server error %s", msg.Code)
	}
	return nil
}

func (r *Replica) ackLocked(msg *models.Message) error {
	if len(r.pending) == 0 || r.pending[0].id != msg.ID || !r.pending[0].sent {
		return nil
	}
	head := r.pending[0]
	if !msg.Failed() {
		r.pending = r.pending[1:]
		if msg.Seq > r.seq {
			r.seq = msg.Seq
		}
		return r.flushLocked()
	}

	switch msg.Code {
	case docsync.CodeSeqMismatch:
		// The server queues a catch-up reply right behind the nack.
		head.sent = false
		r.state = CatchingUp
		return nil
	default:
		r.pending = r.pending[1:]
		err := fmt.Errorf("edit %d rejected: %s", head.id, msg.Code)
		if ferr := r.flushLocked(); ferr != nil {
			return ferr
		}
		return err
	}
}

// loadLocked replaces the document with state and replays unacknowledged
// local edits on top of it.
func (r *Replica) loadLocked(seq uint64, state []byte) error {
	doc := automerge.New()
	if len(state) > 0 {
		loaded, err := automerge.Load(state)
		if err != nil {
			return fmt.Errorf("failed to load state at seq %d: %w", seq, err)
		}
		doc = loaded
	}
	for _, p := range r.pending {
		if err := doc.LoadIncremental(p.update); err != nil {
			return fmt.Errorf("failed to replay edit %d: %w", p.id, err)
		}
	}
	doc.SaveIncremental()
	r.doc = doc
	r.seq = seq
	return nil
}

func (r *Replica) applyLocked(seq uint64, update []byte) error {
	if err := r.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("failed to apply seq %d: %w", seq, err)
	}
	// Keep remote changes out of the next local update.
	r.doc.SaveIncremental()
	r.seq = seq
	return nil
}

// syncedLocked finishes a reply: send the oldest pending edit or, with
// nothing to send, acknowledge the reply. An edit already in flight stays
// in flight; only a nack makes it eligible again.
func (r *Replica) syncedLocked() error {
	wasCatchingUp := r.state == CatchingUp
	r.state = Synced
	if len(r.pending) > 0 && !r.pending[0].sent {
		return r.flushLocked()
	}
	if wasCatchingUp {
		return r.send(&models.Message{Type: models.MessageTypeAck, Seq: r.seq})
	}
	return nil
}

// flushLocked sends the oldest pending edit if none is in flight
func (r *Replica) flushLocked() error {
	if r.state != Synced || len(r.pending) == 0 || r.pending[0].sent {
		return nil
	}
	head := r.pending[0]
	head.sent = true
	return r.send(&models.Message{
		Type:    models.MessageTypeUpdate,
		ID:      head.id,
		PrevSeq: r.seq,
		Update:  head.update,
	})
}

func (r *Replica) pullLocked() error {
	if r.state == Disconnected {
		return ErrClosed
	}
	r.state = CatchingUp
	r.nextID++
	return r.send(&models.Message{Type: models.MessageTypePull, ID: r.nextID, FromSeq: r.seq})
}

func (r *Replica) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Replica) send(msg *models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

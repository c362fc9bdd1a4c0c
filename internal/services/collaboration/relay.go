package collaboration

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"
)

/*
LEARNING: RELAYING ACROSS SERVER PROCESSES

When several gateway processes hold sockets for the same room, the durable
log decides seq (compare-and-append), and the relay only tells the other
processes that something was committed:

  process A: Room.Accept → log.AppendMany ok → CommitHook → relay.Publish
  process B: relay → Room.Follow(rec) → fan-out to B's sockets

A follower that sees a gap (a dropped relay message, a late subscription)
reads the missing records from the durable log instead of trusting the relay.
*/

// Envelope kinds
const (
	EnvelopeUpdate          = "update"
	EnvelopeAwareness       = "awareness"
	EnvelopeAwarenessRemove = "awareness-remove"
)

// Envelope is one relayed event
type Envelope struct {
	Origin   string `json:"origin"`
	Kind     string `json:"kind"`
	RoomID   string `json:"room"`
	Seq      uint64 `json:"seq,omitempty"`
	PrevSeq  uint64 `json:"prevSeq,omitempty"`
	Update   []byte `json:"update,omitempty"`
	Producer string `json:"producer,omitempty"`
	User     string `json:"user,omitempty"`
}

// Relay carries envelopes between processes serving the same rooms
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	// Run delivers envelopes to handle until ctx is done.
	Run(ctx context.Context, handle func(Envelope)) error
	Close() error
}

// RedisRelay relays over Redis pub/sub, one channel per room
type RedisRelay struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisRelay creates a relay publishing on <prefix>:relay:<room>
func NewRedisRelay(rdb redis.UniversalClient, prefix string) *RedisRelay {
	if prefix == "" {
		prefix = "docsync"
	}
	return &RedisRelay{rdb: rdb, prefix: prefix}
}

func (r *RedisRelay) channel(roomID string) string {
	return r.prefix + ":relay:" + roomID
}

// Publish sends env to every subscribed process
func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return r.rdb.Publish(ctx, r.channel(env.RoomID), payload).Err()
}

// Run subscribes to every room channel
func (r *RedisRelay) Run(ctx context.Context, handle func(Envelope)) error {
	pubsub := r.rdb.PSubscribe(ctx, r.prefix+":relay:*")
	defer pubsub.Close()

	// Wait for confirmation that subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	log.Printf("✓ Redis relay subscribed to %s:relay:*", r.prefix)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("relay subscription closed")
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("⚠️  Dropping malformed relay message on %s: %v", msg.Channel, err)
				continue
			}
			if env.RoomID == "" {
				env.RoomID = strings.TrimPrefix(msg.Channel, r.prefix+":relay:")
			}
			handle(env)
		}
	}
}

// Close is a no-op; the redis client is owned by the caller
func (r *RedisRelay) Close() error { return nil }

package collaboration

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// pgNotifyLimit keeps payloads under postgres' 8000 byte NOTIFY limit
const pgNotifyLimit = 7800

// PostgresRelay relays over LISTEN/NOTIFY. Updates travel as hints
// ({room, seq} without the bytes); followers read the record from the SQL
// log they share with the publisher.
type PostgresRelay struct {
	db       *gorm.DB
	channel  string
	listener *pq.Listener
}

// NewPostgresRelay listens on channel using its own connection to dsn
func NewPostgresRelay(db *gorm.DB, dsn, channel string) (*PostgresRelay, error) {
	if channel == "" {
		channel = "docsync_relay"
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("⚠️  Postgres relay listener: %v", err)
		}
	})
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}
	log.Printf("✓ Postgres relay listening on %s", channel)
	return &PostgresRelay{db: db, channel: channel, listener: listener}, nil
}

// Publish sends env through pg_notify
func (r *PostgresRelay) Publish(ctx context.Context, env Envelope) error {
	if env.Kind == EnvelopeUpdate {
		env.Update = nil
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if len(payload) > pgNotifyLimit {
		// Only awareness blobs can get here; they are best effort.
		return nil
	}
	return r.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", r.channel, string(payload)).Error
}

// Run delivers notifications until ctx is done
func (r *PostgresRelay) Run(ctx context.Context, handle func(Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-r.listener.Notify:
			if !ok {
				return fmt.Errorf("postgres listener closed")
			}
			if n == nil {
				// Reconnected; notifications in between are lost and
				// followers will recover from the log on the next record.
				continue
			}
			var env Envelope
			if err := json.Unmarshal([]byte(n.Extra), &env); err != nil {
				log.Printf("⚠️  Dropping malformed relay notification: %v", err)
				continue
			}
			handle(env)
		case <-time.After(90 * time.Second):
			go r.listener.Ping()
		}
	}
}

// Close stops listening
func (r *PostgresRelay) Close() error {
	return r.listener.Close()
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"docsync/internal/docsync"
	"docsync/internal/middleware"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: REDIS STREAMS AS A ROOM LOG

One stream per room. Entry IDs are assigned explicitly as "<seq>-0", so a
range read from a seq is simply XRANGE <seq>-0 +, and XTRIM MINID <seq>-0
drops exactly the prefix a snapshot covers.

Keys (hash tag keeps a room's keys on one cluster slot):

  <prefix>:{room}:log       stream: update, prevIdx, producer
  <prefix>:{room}:seq       tail counter, the compare-and-append target
  <prefix>:{room}:snapshot  hash: seq, update
*/

// appendScript appends ARGV[3..] after checking the tail equals ARGV[1].
// Returns {1, lastSeq} on success and {0, tail} on conflict.
var appendScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur ~= tonumber(ARGV[1]) then
  return {0, cur}
end
for i = 3, #ARGV do
  cur = cur + 1
  redis.call('XADD', KEYS[2], cur .. '-0', 'update', ARGV[i], 'prevIdx', tostring(cur - 1), 'producer', ARGV[2])
end
redis.call('SET', KEYS[1], tostring(cur))
return {1, cur}
`)

// RedisLog is a docsync.DurableLog on Redis Streams
type RedisLog struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisLog creates a stream-backed log; keys are namespaced by prefix
func NewRedisLog(rdb redis.UniversalClient, prefix string) *RedisLog {
	if prefix == "" {
		prefix = "docsync"
	}
	return &RedisLog{rdb: rdb, prefix: prefix}
}

var _ docsync.DurableLog = (*RedisLog)(nil)

func (l *RedisLog) key(roomID, suffix string) string {
	return fmt.Sprintf("%s:{%s}:%s", l.prefix, roomID, suffix)
}

func entryID(seq uint64) string {
	return strconv.FormatUint(seq, 10) + "-0"
}

// AppendMany writes each update as its own stream entry
func (l *RedisLog) AppendMany(ctx context.Context, roomID string, prevSeq uint64, updates [][]byte, producer string) (uint64, error) {
	ctx, span := middleware.StartSpan(ctx, "Log.AppendMany",
		attribute.String("log.backend", "redis"),
		attribute.String("room.id", roomID),
		attribute.Int("updates", len(updates)),
	)
	defer span.End()

	if len(updates) == 0 {
		return prevSeq, nil
	}
	args := make([]interface{}, 0, len(updates)+2)
	args = append(args, prevSeq, producer)
	for _, u := range updates {
		args = append(args, u)
	}

	res, err := appendScript.Run(ctx, l.rdb,
		[]string{l.key(roomID, "seq"), l.key(roomID, "log")}, args...).Int64Slice()
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return 0, fmt.Errorf("failed to append to stream: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("unexpected append reply %v", res)
	}
	if res[0] == 0 {
		return uint64(res[1]), fmt.Errorf("%w: room %s tail %d, expected %d", docsync.ErrSeqConflict, roomID, res[1], prevSeq)
	}
	return uint64(res[1]), nil
}

// ReadRange returns every entry from fromSeq to the current tail
func (l *RedisLog) ReadRange(ctx context.Context, roomID string, fromSeq uint64) ([]docsync.UpdateRecord, error) {
	msgs, err := l.rdb.XRange(ctx, l.key(roomID, "log"), entryID(fromSeq), "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	out := make([]docsync.UpdateRecord, 0, len(msgs))
	for _, m := range msgs {
		rec, err := decodeEntry(m)
		if err != nil {
			return nil, fmt.Errorf("room %s: %w", roomID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeEntry(m redis.XMessage) (docsync.UpdateRecord, error) {
	ms, _, _ := strings.Cut(m.ID, "-")
	seq, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return docsync.UpdateRecord{}, fmt.Errorf("bad entry id %q: %w", m.ID, err)
	}
	rec := docsync.UpdateRecord{Seq: seq}
	if v, ok := m.Values["update"].(string); ok {
		rec.Update = []byte(v)
	}
	if v, ok := m.Values["producer"].(string); ok {
		rec.Producer = v
	}
	if v, ok := m.Values["prevIdx"].(string); ok {
		if p, err := strconv.ParseUint(v, 10, 64); err == nil {
			rec.PrevSeq = p
		}
	}
	return rec, nil
}

// Compact stores the snapshot and trims the stream prefix in one MULTI.
// Learning: WATCH on the snapshot key makes the "never move backwards"
// check and the write a single optimistic transaction.
func (l *RedisLog) Compact(ctx context.Context, roomID string, snap docsync.SnapshotRecord) error {
	snapKey := l.key(roomID, "snapshot")
	logKey := l.key(roomID, "log")

	txf := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, snapKey, "seq").Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && cur >= snap.Seq {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, snapKey, "seq", snap.Seq, "update", snap.State)
			pipe.XTrimMinID(ctx, logKey, entryID(snap.Seq))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := l.rdb.Watch(ctx, txf, snapKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to compact stream: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to compact stream: %w", redis.TxFailedErr)
}

// LoadSnapshot returns the room's snapshot hash
func (l *RedisLog) LoadSnapshot(ctx context.Context, roomID string) (docsync.SnapshotRecord, bool, error) {
	vals, err := l.rdb.HGetAll(ctx, l.key(roomID, "snapshot")).Result()
	if err != nil {
		return docsync.SnapshotRecord{}, false, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if len(vals) == 0 {
		return docsync.SnapshotRecord{}, false, nil
	}
	seq, err := strconv.ParseUint(vals["seq"], 10, 64)
	if err != nil {
		return docsync.SnapshotRecord{}, false, fmt.Errorf("bad snapshot seq %q: %w", vals["seq"], err)
	}
	return docsync.SnapshotRecord{Seq: seq, State: []byte(vals["update"])}, true, nil
}

// Exists reports whether the room has a tail counter or a snapshot
func (l *RedisLog) Exists(ctx context.Context, roomID string) (bool, error) {
	n, err := l.rdb.Exists(ctx, l.key(roomID, "seq"), l.key(roomID, "snapshot")).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

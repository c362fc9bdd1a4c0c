package replica_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"docsync/internal/api"
	"docsync/internal/docsync"
	"docsync/internal/replica"
	"docsync/internal/services/collaboration"

	"github.com/alicebob/miniredis/v2"
	"github.com/automerge/automerge-go"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
)

type testServer struct {
	srv      *httptest.Server
	registry *docsync.Registry
}

func newTestServer(t *testing.T, durable docsync.DurableLog, relay collaboration.Relay, instanceID string) *testServer {
	t.Helper()

	var onCommit docsync.CommitHook
	registry := docsync.NewRegistry(docsync.RegistryOptions{
		RingSize: 64,
		Log:      durable,
		OnCommit: func(roomID string, rec docsync.UpdateRecord) {
			if onCommit != nil {
				onCommit(roomID, rec)
			}
		},
	})
	sm := collaboration.NewSessionManager(registry, collaboration.Options{InstanceID: instanceID, Relay: relay})
	onCommit = sm.CommitHook()
	registry.Start()
	sm.Start()

	handler := api.NewHandler(registry, collaboration.NewWebSocketHandler(sm), instanceID)
	srv := httptest.NewServer(api.SetupRoutes(handler))
	t.Cleanup(func() {
		srv.Close()
		sm.Shutdown()
		registry.Close(context.Background())
	})
	return &testServer{srv: srv, registry: registry}
}

func (s *testServer) roomURL(roomID string) string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/rooms/" + roomID
}

// serverHeads returns the sorted heads of the room as the server holds it.
func (s *testServer) serverHeads(t *testing.T, roomID string) []string {
	t.Helper()
	room, ok := s.registry.Peek(roomID)
	if !ok {
		t.Fatalf("room %s is not loaded", roomID)
	}
	_, state := room.EncodeFull()
	doc, err := automerge.Load(state)
	if err != nil {
		t.Fatalf("load server state: %v", err)
	}
	return sortedHashes(doc.Heads())
}

func sortedHashes(hs []automerge.ChangeHash) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.String()
	}
	sort.Strings(out)
	return out
}

func dial(t *testing.T, url, user string) *replica.Replica {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := replica.Dial(ctx, url, replica.Options{UserID: user, UserName: user})
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func set(key string, value int64) func(doc *automerge.Doc) error {
	return func(doc *automerge.Doc) error { return doc.Path(key).Set(value) }
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDialReceivesInit(t *testing.T) {
	s := newTestServer(t, docsync.NewMemoryLog(), nil, "a")
	alice := dial(t, s.roomURL("board"), "alice")

	if got := alice.State(); got != replica.Synced {
		t.Fatalf("state after dial = %v, want SYNCED", got)
	}
	if got := alice.Seq(); got != 0 {
		t.Errorf("seq of a new room = %d, want 0", got)
	}
}

func TestEditReachesOtherReplica(t *testing.T) {
	s := newTestServer(t, docsync.NewMemoryLog(), nil, "a")
	alice := dial(t, s.roomURL("board"), "alice")
	bob := dial(t, s.roomURL("board"), "bob")
	ctx := waitCtx(t)

	if err := alice.Edit("title", set("title", 1)); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := alice.WaitIdle(ctx); err != nil {
		t.Fatalf("alice idle: %v", err)
	}
	if got := alice.Seq(); got != 1 {
		t.Errorf("alice seq = %d, want 1", got)
	}
	if err := bob.WaitSeq(ctx, 1); err != nil {
		t.Fatalf("bob at seq 1: %v", err)
	}

	var got int64
	bob.View(func(doc *automerge.Doc) {
		v, err := doc.Path("title").Get()
		if err != nil {
			t.Errorf("get title: %v", err)
			return
		}
		got = v.Int64()
	})
	if got != 1 {
		t.Errorf("bob sees title = %d, want 1", got)
	}
}

func TestLateJoinerGetsCurrentState(t *testing.T) {
	s := newTestServer(t, docsync.NewMemoryLog(), nil, "a")
	alice := dial(t, s.roomURL("board"), "alice")
	ctx := waitCtx(t)

	for i := 0; i < 5; i++ {
		if err := alice.Edit("edit", set(fmt.Sprintf("k%d", i), int64(i))); err != nil {
			t.Fatalf("edit %d: %v", i, err)
		}
	}
	if err := alice.WaitIdle(ctx); err != nil {
		t.Fatalf("alice idle: %v", err)
	}

	carol := dial(t, s.roomURL("board"), "carol")
	if got := carol.Seq(); got != 5 {
		t.Errorf("late joiner seq = %d, want 5", got)
	}
	if diff := cmp.Diff(sortedHashes(alice.Heads()), sortedHashes(carol.Heads())); diff != "" {
		t.Errorf("late joiner heads differ (-alice +carol):\n%s", diff)
	}
}

func TestConcurrentEditorsConverge(t *testing.T) {
	s := newTestServer(t, docsync.NewMemoryLog(), nil, "a")
	const perReplica = 20
	replicas := []*replica.Replica{
		dial(t, s.roomURL("board"), "alice"),
		dial(t, s.roomURL("board"), "bob"),
		dial(t, s.roomURL("board"), "carol"),
	}
	ctx := waitCtx(t)

	var wg sync.WaitGroup
	for i, r := range replicas {
		wg.Add(1)
		go func(i int, r *replica.Replica) {
			defer wg.Done()
			for n := 0; n < perReplica; n++ {
				if err := r.Edit("edit", set(fmt.Sprintf("r%d-%d", i, n), int64(n))); err != nil {
					t.Errorf("replica %d edit %d: %v", i, n, err)
					return
				}
			}
		}(i, r)
	}
	wg.Wait()

	want := uint64(perReplica * len(replicas))
	for i, r := range replicas {
		if err := r.WaitIdle(ctx); err != nil {
			t.Fatalf("replica %d idle: %v", i, err)
		}
		if err := r.WaitSeq(ctx, want); err != nil {
			t.Fatalf("replica %d at seq %d: %v (seq %d)", i, want, err, r.Seq())
		}
	}

	serverHeads := s.serverHeads(t, "board")
	for i, r := range replicas {
		if diff := cmp.Diff(serverHeads, sortedHashes(r.Heads())); diff != "" {
			t.Errorf("replica %d heads differ from server (-server +replica):\n%s", i, diff)
		}
	}
	if got := s.registry.Rooms()[0].Seq; got != want {
		t.Errorf("server seq = %d, want %d", got, want)
	}
}

func TestPullOnCurrentReplicaIsEmptyPatch(t *testing.T) {
	s := newTestServer(t, docsync.NewMemoryLog(), nil, "a")
	alice := dial(t, s.roomURL("board"), "alice")
	ctx := waitCtx(t)

	if err := alice.Edit("edit", set("k", 1)); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := alice.WaitIdle(ctx); err != nil {
		t.Fatalf("idle: %v", err)
	}
	before := sortedHashes(alice.Heads())

	if err := alice.Pull(); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if err := alice.WaitIdle(ctx); err != nil {
		t.Fatalf("idle after pull: %v", err)
	}
	if got := alice.Seq(); got != 1 {
		t.Errorf("seq after pull = %d, want 1", got)
	}
	if diff := cmp.Diff(before, sortedHashes(alice.Heads())); diff != "" {
		t.Errorf("pull changed the document:\n%s", diff)
	}
}

func TestPresenceRelayedAndRemoved(t *testing.T) {
	s := newTestServer(t, docsync.NewMemoryLog(), nil, "a")
	alice := dial(t, s.roomURL("board"), "alice")
	bob := dial(t, s.roomURL("board"), "bob")
	ctx := waitCtx(t)

	blob := []byte(`{"cursor":{"x":3,"y":4},"color":"#ff0000"}`)
	if err := alice.SetPresence(blob); err != nil {
		t.Fatalf("presence: %v", err)
	}
	if err := bob.Wait(ctx, func(r *replica.Replica) bool { return len(r.Peers()) == 1 }); err != nil {
		t.Fatalf("bob sees alice: %v", err)
	}
	for _, got := range bob.Peers() {
		if string(got) != string(blob) {
			t.Errorf("relayed presence = %s, want %s", got, blob)
		}
	}
	if got := alice.Peers(); len(got) != 0 {
		t.Errorf("sender got its own presence back: %v", got)
	}

	carol := dial(t, s.roomURL("board"), "carol")
	if err := carol.Wait(ctx, func(r *replica.Replica) bool { return len(r.Peers()) == 1 }); err != nil {
		t.Fatalf("newcomer greeted with presence: %v", err)
	}

	alice.Close()
	if err := bob.Wait(ctx, func(r *replica.Replica) bool { return len(r.Peers()) == 0 }); err != nil {
		t.Fatalf("presence removed on disconnect: %v", err)
	}
}

func TestEditAfterCloseFails(t *testing.T) {
	s := newTestServer(t, docsync.NewMemoryLog(), nil, "a")
	alice := dial(t, s.roomURL("board"), "alice")
	alice.Close()

	if err := alice.Edit("edit", set("k", 1)); err != replica.ErrClosed {
		t.Errorf("edit after close = %v, want ErrClosed", err)
	}
}

func TestRedisRelayAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	// Both instances share the durable log, as they would share a database.
	durable := docsync.NewMemoryLog()
	east := newTestServer(t, durable, collaboration.NewRedisRelay(rdb, "test"), "east")
	west := newTestServer(t, durable, collaboration.NewRedisRelay(rdb, "test"), "west")
	ctx := waitCtx(t)

	for {
		n, err := rdb.PubSubNumPat(ctx).Result()
		if err != nil {
			t.Fatalf("numpat: %v", err)
		}
		if n == 2 {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("relays not subscribed: %d patterns", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	alice := dial(t, east.roomURL("board"), "alice")
	bob := dial(t, west.roomURL("board"), "bob")

	if err := alice.Edit("edit", set("from-east", 1)); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := bob.WaitSeq(ctx, 1); err != nil {
		t.Fatalf("west replica at seq 1: %v", err)
	}

	if err := bob.Edit("edit", set("from-west", 2)); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := bob.WaitIdle(ctx); err != nil {
		t.Fatalf("bob idle: %v", err)
	}
	if err := alice.WaitSeq(ctx, 2); err != nil {
		t.Fatalf("east replica at seq 2: %v", err)
	}

	if diff := cmp.Diff(sortedHashes(alice.Heads()), sortedHashes(bob.Heads())); diff != "" {
		t.Errorf("replicas on different instances differ (-east +west):\n%s", diff)
	}
	if diff := cmp.Diff(east.serverHeads(t, "board"), west.serverHeads(t, "board")); diff != "" {
		t.Errorf("instances differ (-east +west):\n%s", diff)
	}
}

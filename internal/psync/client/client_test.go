package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"psync/internal/psync"
	"psync/internal/psync/fetch"
	"psync/internal/psync/metrics"
	"psync/internal/psync/policystore"
)

// scriptedServer fakes the replica side of the stream: each accepted
// connection runs the script against the recorded hello.
type scriptedServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
	script   func(conn *websocket.Conn, connIndex int, hello psync.Hello)

	mu      sync.Mutex
	hellos  []psync.Hello
	entries []psync.DataSourceEntry
	fetches atomic.Int32
}

func newScriptedServer(t *testing.T, script func(conn *websocket.Conn, connIndex int, hello psync.Hello)) *scriptedServer {
	s := &scriptedServer{t: t, script: script}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var hello psync.Hello
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}

		s.mu.Lock()
		s.hellos = append(s.hellos, hello)
		idx := len(s.hellos) - 1
		s.mu.Unlock()

		s.script(conn, idx, hello)
	})
	mux.HandleFunc("/v1/data/config", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		entries := append([]psync.DataSourceEntry(nil), s.entries...)
		s.mu.Unlock()
		if entries == nil {
			entries = []psync.DataSourceEntry{
				{URL: s.srv.URL + "/data", Topic: "data/users", Fetcher: "http", DstPath: "users"},
			}
		}
		json.NewEncoder(w).Encode(psync.Manifest{Version: "v1", Entries: entries})
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		s.fetches.Add(1)
		w.Write([]byte(`{"alice":"admin"}`))
	})

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)

	return s
}

func (s *scriptedServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/v1/ws"
}

func (s *scriptedServer) setEntries(entries ...psync.DataSourceEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
}

func (s *scriptedServer) helloCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hellos)
}

func (s *scriptedServer) hello(i int) psync.Hello {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hellos[i]
}

func event(id uint64, topic, revision string) psync.Frame {
	return psync.Frame{Type: psync.FrameEvent, Event: &psync.ChangeEvent{ID: id, Topic: topic, Revision: revision}}
}

func readAck(t *testing.T, conn *websocket.Conn) psync.Ack {
	t.Helper()

	var frame psync.Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, psync.FrameAck, frame.Type)
	require.NotNil(t, frame.Ack)
	return *frame.Ack
}

func newTestClient(t *testing.T, serverURL string) (*Client, *policystore.MemoryStore) {
	t.Helper()

	store := policystore.NewMemoryStore()
	registry := metrics.NewRegistry()
	updater, err := policystore.NewUpdater(store, zap.NewNop(), registry)
	require.NoError(t, err)

	providers := fetch.NewRegistry()
	require.NoError(t, providers.Register("http", fetch.NewHTTPProvider()))
	engine, err := fetch.NewEngine(providers, updater, zap.NewNop(), registry, 2, 4)
	require.NoError(t, err)

	c, err := NewClient(
		Config{ServerURL: serverURL, Token: "secret", Topics: []string{"data"}},
		engine,
		updater,
		store,
		zap.NewNop(),
		registry,
	)
	require.NoError(t, err)

	return c, store
}

func TestClient_AppliesEventsInOrderAndAcks(t *testing.T) {
	acks := make(chan psync.Ack, 4)
	hold := make(chan struct{})

	srv := newScriptedServer(t, func(conn *websocket.Conn, idx int, hello psync.Hello) {
		assert.Equal(t, "secret", hello.Token)
		assert.Equal(t, []string{"data"}, hello.Topics)

		require.NoError(t, conn.WriteJSON(psync.Frame{Type: psync.FrameResume, SessionID: "s1"}))
		require.NoError(t, conn.WriteJSON(event(1, "data/users", "r1")))
		acks <- readAck(t, conn)
		require.NoError(t, conn.WriteJSON(event(2, "data/users", "r2")))
		acks <- readAck(t, conn)
		<-hold
	})
	defer close(hold)

	c, store := newTestClient(t, srv.wsURL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	var got []psync.Ack
	for i := 0; i < 2; i++ {
		select {
		case a := <-acks:
			got = append(got, a)
		case <-time.After(2 * time.Second):
			t.Fatal("missing ack")
		}
	}

	assert.Equal(t, psync.Ack{Topic: "data/users", ID: 1}, got[0])
	assert.Equal(t, psync.Ack{Topic: "data/users", ID: 2}, got[1])

	doc, ok := store.Data("users")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"alice": "admin"}, doc)

	assert.Equal(t, "s1", c.SessionID())
	assert.Equal(t, uint64(2), c.Cursors()["data/users"])
	assert.Equal(t, psync.SessionActive, c.State())
}

func TestClient_SkipsDuplicateDeliveries(t *testing.T) {
	acks := make(chan psync.Ack, 4)
	hold := make(chan struct{})

	srv := newScriptedServer(t, func(conn *websocket.Conn, idx int, hello psync.Hello) {
		require.NoError(t, conn.WriteJSON(psync.Frame{Type: psync.FrameResume, SessionID: "s1"}))
		require.NoError(t, conn.WriteJSON(event(1, "data/users", "r1")))
		acks <- readAck(t, conn)
		// Redelivery of the same event, then the next one.
		require.NoError(t, conn.WriteJSON(event(1, "data/users", "r1")))
		acks <- readAck(t, conn)
		require.NoError(t, conn.WriteJSON(event(2, "data/users", "r2")))
		acks <- readAck(t, conn)
		<-hold
	})
	defer close(hold)

	c, _ := newTestClient(t, srv.wsURL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	var got []psync.Ack
	for i := 0; i < 3; i++ {
		select {
		case a := <-acks:
			got = append(got, a)
		case <-time.After(2 * time.Second):
			t.Fatal("missing ack")
		}
	}

	// The duplicate is acknowledged at the current cursor, not re-applied.
	assert.Equal(t, uint64(1), got[1].ID)
	assert.Equal(t, uint64(2), got[2].ID)
	assert.Equal(t, int32(2), srv.fetches.Load(), "duplicate must not refetch")
}

func TestClient_GapForcesFreshSessionAndFullFetch(t *testing.T) {
	hold := make(chan struct{})

	srv := newScriptedServer(t, func(conn *websocket.Conn, idx int, hello psync.Hello) {
		if idx == 0 {
			require.NoError(t, conn.WriteJSON(psync.Frame{Type: psync.FrameResume, SessionID: "s1"}))
			require.NoError(t, conn.WriteJSON(event(1, "data/users", "r1")))
			readAck(t, conn)
			// Delivery jumps past ids 2..4: the client cannot trust
			// its incremental state anymore.
			require.NoError(t, conn.WriteJSON(event(5, "data/users", "r5")))
			conn.ReadJSON(&psync.Frame{})
			return
		}

		require.NoError(t, conn.WriteJSON(psync.Frame{Type: psync.FrameResume, SessionID: "s2"}))
		<-hold
	})
	defer close(hold)

	c, _ := newTestClient(t, srv.wsURL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return srv.helloCount() == 2
	}, 5*time.Second, 20*time.Millisecond)

	// The second hello starts over: no session identity, no cursors.
	hello := srv.hello(1)
	assert.Empty(t, hello.SessionID)
	assert.Empty(t, hello.Cursors)

	require.Eventually(t, func() bool {
		return c.State() == psync.SessionActive
	}, 5*time.Second, 20*time.Millisecond)

	// One fetch for the applied event plus the recovery's full fetch.
	assert.GreaterOrEqual(t, srv.fetches.Load(), int32(2))
	assert.Equal(t, "s2", c.SessionID())
}

func TestClient_ResyncDirectiveRefetchesAndJumpsCursors(t *testing.T) {
	acks := make(chan psync.Ack, 4)
	hold := make(chan struct{})

	srv := newScriptedServer(t, func(conn *websocket.Conn, idx int, hello psync.Hello) {
		require.NoError(t, conn.WriteJSON(psync.Frame{Type: psync.FrameResume, SessionID: "s1"}))
		require.NoError(t, conn.WriteJSON(event(1, "data/users", "r1")))
		acks <- readAck(t, conn)

		require.NoError(t, conn.WriteJSON(psync.Frame{
			Type: psync.FrameResync,
			Resync: &psync.ResyncInfo{
				Reason: psync.ResyncReasonTransport,
				Heads:  map[string]psync.TopicHead{"data/users": {ID: 7, Revision: "r7"}},
			},
		}))

		// The stream continues from the snapshot position.
		require.NoError(t, conn.WriteJSON(event(8, "data/users", "r8")))
		acks <- readAck(t, conn)
		<-hold
	})
	defer close(hold)

	c, _ := newTestClient(t, srv.wsURL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	var got []psync.Ack
	for i := 0; i < 2; i++ {
		select {
		case a := <-acks:
			got = append(got, a)
		case <-time.After(2 * time.Second):
			t.Fatal("missing ack")
		}
	}

	assert.Equal(t, uint64(8), got[1].ID)
	assert.Equal(t, uint64(8), c.Cursors()["data/users"])
	// Initial event fetch plus the resync's full refetch.
	assert.GreaterOrEqual(t, srv.fetches.Load(), int32(2))
}

func TestClient_ResyncHandshake(t *testing.T) {
	hold := make(chan struct{})

	srv := newScriptedServer(t, func(conn *websocket.Conn, idx int, hello psync.Hello) {
		require.NoError(t, conn.WriteJSON(psync.Frame{
			Type:      psync.FrameResync,
			SessionID: "s1",
			Resync: &psync.ResyncInfo{
				Reason: psync.ResyncReasonWindow,
				Heads:  map[string]psync.TopicHead{"data/users": {ID: 3, Revision: "r3"}},
			},
		}))
		<-hold
	})
	defer close(hold)

	c, store := newTestClient(t, srv.wsURL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return c.State() == psync.SessionActive
	}, 5*time.Second, 20*time.Millisecond)

	// The snapshot landed and the cursor sits at the head.
	_, ok := store.Data("users")
	assert.True(t, ok)
	assert.Equal(t, uint64(3), c.Cursors()["data/users"])
}

func TestClient_ResyncRecordsPerTopicRevisions(t *testing.T) {
	hold := make(chan struct{})

	srv := newScriptedServer(t, func(conn *websocket.Conn, idx int, hello psync.Hello) {
		require.NoError(t, conn.WriteJSON(psync.Frame{
			Type:      psync.FrameResync,
			SessionID: "s1",
			Resync: &psync.ResyncInfo{
				Reason: psync.ResyncReasonWindow,
				Heads: map[string]psync.TopicHead{
					"data/users":  {ID: 4, Revision: "u4"},
					"data/groups": {ID: 9, Revision: "g9"},
				},
			},
		}))
		<-hold
	})
	defer close(hold)

	srv.setEntries(
		psync.DataSourceEntry{URL: srv.srv.URL + "/data", Topic: "data/users", Fetcher: "http", DstPath: "users"},
		psync.DataSourceEntry{URL: srv.srv.URL + "/data", Topic: "data/groups", Fetcher: "http", DstPath: "groups"},
	)

	c, _ := newTestClient(t, srv.wsURL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return c.State() == psync.SessionActive
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, uint64(4), c.Cursors()["data/users"])
	assert.Equal(t, uint64(9), c.Cursors()["data/groups"])

	// Each topic reports the revision of its own head, never a sibling's.
	applied := c.updater.LastApplied()
	assert.Equal(t, "u4", applied["data/users"])
	assert.Equal(t, "g9", applied["data/groups"])
}

func TestAPI_StatusAndQuery(t *testing.T) {
	hold := make(chan struct{})
	srv := newScriptedServer(t, func(conn *websocket.Conn, idx int, hello psync.Hello) {
		require.NoError(t, conn.WriteJSON(psync.Frame{Type: psync.FrameResume, SessionID: "s1"}))
		<-hold
	})
	defer close(hold)

	c, store := newTestClient(t, srv.wsURL())

	// Seed the store directly.
	txn, err := store.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, txn.SetData("users", map[string]any{"alice": "admin"}))
	require.NoError(t, txn.Commit(context.Background()))

	api := NewAPI("127.0.0.1:0", c, zap.NewNop())
	ts := httptest.NewServer(api.Handler())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var status map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&status))
	assert.Equal(t, psync.SessionConnecting.String(), status["state"])

	res, err = http.Post(ts.URL+"/v1/query", "application/json", strings.NewReader(`{"path":"users"}`))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var result map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&result))
	assert.Equal(t, map[string]any{"alice": "admin"}, result["result"])

	res, err = http.Post(ts.URL+"/v1/query", "application/json", strings.NewReader(`{"path":"missing"}`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

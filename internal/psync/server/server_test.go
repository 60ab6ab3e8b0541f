package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"psync/internal/psync"
	"psync/internal/psync/detector"
	"psync/internal/psync/metrics"
	"psync/internal/psync/replica"
	"psync/internal/psync/transport"
)

type staticSource struct {
	mu       sync.Mutex
	revision string
}

func (s *staticSource) Revision(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision, nil
}

type testServer struct {
	srv    *httptest.Server
	rep    *replica.Replica
	cancel context.CancelFunc
}

func newTestServer(t *testing.T, cfg Config, runDetector bool) *testServer {
	t.Helper()

	if cfg.ClientToken == "" {
		cfg.ClientToken = "client-secret"
	}
	if cfg.MasterToken == "" {
		cfg.MasterToken = "master-secret"
	}
	cfg.Addr = "127.0.0.1:0"

	bus := transport.NewMemory()
	registry := metrics.NewRegistry()

	rep, err := replica.NewReplica(replica.Config{Topics: []string{"policy", "data"}}, bus, zap.NewNop(), registry)
	require.NoError(t, err)

	det, err := detector.NewDetector(
		detector.Config{Topic: "policy", Interval: 10 * time.Millisecond},
		&staticSource{revision: "r1"},
		rep,
		zap.NewNop(),
		registry,
	)
	require.NoError(t, err)

	manifest := psync.Manifest{
		Version: "v1",
		Entries: []psync.DataSourceEntry{{URL: "http://source/users", Topic: "data/users", Fetcher: "http"}},
	}

	s, err := NewServer(cfg, rep, det, manifest, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go rep.Run(ctx)
	if runDetector {
		go det.Run(ctx)
	}
	time.Sleep(20 * time.Millisecond)

	ts := &testServer{
		srv:    httptest.NewServer(s.Handler()),
		rep:    rep,
		cancel: cancel,
	}
	t.Cleanup(func() {
		ts.srv.Close()
		cancel()
		bus.Close()
	})

	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/v1/ws"
}

func dialStream(t *testing.T, ts *testServer, hello psync.Hello) (*websocket.Conn, psync.Frame) {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(hello))

	var first psync.Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&first))
	conn.SetReadDeadline(time.Time{})

	return conn, first
}

func TestServer_StreamHandshakeAndDelivery(t *testing.T) {
	ts := newTestServer(t, Config{}, false)

	conn, first := dialStream(t, ts, psync.Hello{Token: "client-secret", Topics: []string{"policy"}})
	require.Equal(t, psync.FrameResume, first.Type)
	require.NotEmpty(t, first.SessionID)

	require.NoError(t, ts.rep.PublishChange(context.Background(), psync.ChangeEvent{Topic: "policy", Revision: "r1"}))

	var frame psync.Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, psync.FrameEvent, frame.Type)
	assert.Equal(t, "r1", frame.Event.Revision)
	assert.Equal(t, uint64(1), frame.Event.ID)
}

func TestServer_StreamRejectsBadToken(t *testing.T) {
	ts := newTestServer(t, Config{}, false)

	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(psync.Hello{Token: "wrong", Topics: []string{"policy"}}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame psync.Frame
	err = conn.ReadJSON(&frame)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestServer_TakeoverMovesStreamToNewConnection(t *testing.T) {
	ts := newTestServer(t, Config{}, false)

	conn1, first := dialStream(t, ts, psync.Hello{Token: "client-secret", Topics: []string{"policy"}})
	sessionID := first.SessionID

	// A second connection resumes the session while the first is still up.
	conn2, second := dialStream(t, ts, psync.Hello{
		SessionID: sessionID,
		Token:     "client-secret",
		Topics:    []string{"policy"},
	})
	require.Equal(t, psync.FrameResume, second.Type)
	require.Equal(t, sessionID, second.SessionID)

	// The superseded connection is told to go away, not handed frames.
	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame psync.Frame
	err := conn1.ReadJSON(&frame)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	conn1.Close()

	// Frames published after the takeover land on the new connection, and
	// the old handler unwinding must not suspend the resumed session.
	require.NoError(t, ts.rep.PublishChange(context.Background(), psync.ChangeEvent{Topic: "policy", Revision: "r1"}))

	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn2.ReadJSON(&frame))
	require.Equal(t, psync.FrameEvent, frame.Type)
	assert.Equal(t, "r1", frame.Event.Revision)

	session, ok := ts.rep.Session(sessionID)
	require.True(t, ok)
	assert.Equal(t, psync.SessionActive, session.State())
}

func TestServer_StreamAcksAdvanceSessionCursor(t *testing.T) {
	ts := newTestServer(t, Config{}, false)

	conn, first := dialStream(t, ts, psync.Hello{Token: "client-secret", Topics: []string{"policy"}})

	require.NoError(t, ts.rep.PublishChange(context.Background(), psync.ChangeEvent{Topic: "policy", Revision: "r1"}))

	var frame psync.Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&frame))

	require.NoError(t, conn.WriteJSON(psync.Frame{
		Type: psync.FrameAck,
		Ack:  &psync.Ack{Topic: "policy", ID: frame.Event.ID},
	}))

	session, ok := ts.rep.Session(first.SessionID)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return session.Cursors()["policy"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_TriggerRequiresMasterToken(t *testing.T) {
	ts := newTestServer(t, Config{}, false)

	body := bytes.NewBufferString(`{"topic":"policy"}`)
	res, err := http.Post(ts.srv.URL+"/v1/data/config", "application/json", body)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestServer_TriggerPublishesChange(t *testing.T) {
	ts := newTestServer(t, Config{}, false)

	conn, _ := dialStream(t, ts, psync.Hello{Token: "client-secret", Topics: []string{"policy"}})

	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/v1/data/config",
		bytes.NewBufferString(`{"topic":"policy","revision":"manual-1"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer master-secret")

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	var accepted map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&accepted))
	assert.Equal(t, "queued", accepted["status"])
	assert.Equal(t, "manual-1", accepted["revision"])

	var frame psync.Frame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, psync.FrameEvent, frame.Type)
	assert.Equal(t, "manual-1", frame.Event.Revision)
}

func TestServer_TriggerRateLimited(t *testing.T) {
	ts := newTestServer(t, Config{TriggerPerMinute: 1}, false)

	send := func() int {
		req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/v1/data/config",
			bytes.NewBufferString(`{"topic":"policy"}`))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer master-secret")
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		return res.StatusCode
	}

	assert.Equal(t, http.StatusAccepted, send())
	assert.Equal(t, http.StatusTooManyRequests, send())
}

func TestServer_TriggerRejectsBadBody(t *testing.T) {
	ts := newTestServer(t, Config{}, false)

	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/v1/data/config",
		bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer master-secret")

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestServer_ManifestEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{}, false)

	res, err := http.Get(ts.srv.URL + "/v1/data/config")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/v1/data/config", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer client-secret")

	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var manifest psync.Manifest
	require.NoError(t, json.NewDecoder(res.Body).Decode(&manifest))
	assert.Equal(t, "v1", manifest.Version)
	require.Len(t, manifest.Entries, 1)
	assert.Equal(t, "data/users", manifest.Entries[0].Topic)
}

func TestServer_ReadyGatedOnDetector(t *testing.T) {
	ts := newTestServer(t, Config{}, false)

	res, err := http.Get(ts.srv.URL + "/readyz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestServer_ReadyAfterInitialPoll(t *testing.T) {
	ts := newTestServer(t, Config{}, true)

	require.Eventually(t, func() bool {
		res, err := http.Get(ts.srv.URL + "/readyz")
		if err != nil {
			return false
		}
		res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServer_Healthz(t *testing.T) {
	ts := newTestServer(t, Config{}, false)

	res, err := http.Get(ts.srv.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
}

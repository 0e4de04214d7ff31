package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/sentinel/internal/ingest"
	"github.com/mbd888/sentinel/internal/protocol"
	"github.com/mbd888/sentinel/internal/realtime"
	"github.com/mbd888/sentinel/internal/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startHub serves a real hub backed by a memory store.
func startHub(t *testing.T) (string, *sessions.MemoryStore, context.CancelFunc) {
	t.Helper()
	store := sessions.NewMemoryStore()
	hub := realtime.NewHub(ingest.NewService(store, quietLogger()), realtime.DefaultConfig(), quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return wsURL(srv), store, cancel
}

// scripted serves a single connection that writes frames then waits.
func scripted(t *testing.T, frames ...string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return wsURL(srv)
}

func TestClient_ReportRoundTrip(t *testing.T) {
	url, _, _ := startHub(t)

	updates := make(chan protocol.RiskUpdate, 4)
	c, err := Dial(context.Background(), url,
		WithLogger(quietLogger()),
		WithOnUpdate(func(u protocol.RiskUpdate) { updates <- u }),
	)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, ok := c.Latest()
	assert.False(t, ok, "no update before the first report")

	require.NoError(t, c.SendReport(protocol.BehaviorReport{TypingSpeed: 600, MouseJitter: 0.9, SessionToken: "abc"}))

	select {
	case u := <-updates:
		assert.Equal(t, 70, u.RiskScore)
		assert.Equal(t, "Anomalous interaction detected", u.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}

	latest, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, 70, latest.RiskScore)
}

func TestClient_LatestIsLastWriteWins(t *testing.T) {
	url, _, _ := startHub(t)

	updates := make(chan protocol.RiskUpdate, 4)
	c, err := Dial(context.Background(), url,
		WithLogger(quietLogger()),
		WithOnUpdate(func(u protocol.RiskUpdate) { updates <- u }),
	)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.SendReport(protocol.BehaviorReport{TypingSpeed: 600, MouseJitter: 0.9}))
	require.NoError(t, c.SendReport(protocol.BehaviorReport{}))

	for i := 0; i < 2; i++ {
		select {
		case <-updates:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for update")
		}
	}

	latest, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, protocol.RiskUpdate{RiskScore: 0, Reason: "Normal"}, latest)
	assert.Equal(t, int64(2), c.Updates())
}

func TestClient_SessionInitReachesStore(t *testing.T) {
	url, store, _ := startHub(t)

	updates := make(chan protocol.RiskUpdate, 1)
	c, err := Dial(context.Background(), url,
		WithLogger(quietLogger()),
		WithHeader(http.Header{"User-Agent": {"sentinel-monitor-test"}}),
		WithOnUpdate(func(u protocol.RiskUpdate) { updates <- u }),
	)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.SendSessionInit("tok-xyz"))
	require.NoError(t, c.SendReport(protocol.BehaviorReport{}))
	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}

	rec, err := store.Get(context.Background(), "tok-xyz")
	require.NoError(t, err)
	assert.Equal(t, "sentinel-monitor-test", rec.UserAgent)
}

func TestClient_IgnoresUnknownFrames(t *testing.T) {
	url := scripted(t,
		`{"type":"HELLO"}`,
		`garbage`,
		`{"type":"RISK_UPDATE","riskScore":40,"reason":"Normal"}`,
	)

	updates := make(chan protocol.RiskUpdate, 4)
	c, err := Dial(context.Background(), url,
		WithLogger(quietLogger()),
		WithOnUpdate(func(u protocol.RiskUpdate) { updates <- u }),
	)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	select {
	case u := <-updates:
		assert.Equal(t, 40, u.RiskScore)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	assert.Equal(t, int64(1), c.Updates())
}

func TestDial_FailureIsFinal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), wsURL(srv), WithLogger(quietLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestClient_CloseEndsChannel(t *testing.T) {
	url, _, _ := startHub(t)

	c, err := Dial(context.Background(), url, WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.NoError(t, c.Err())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	assert.Equal(t, ErrClosed, c.Err())

	err = c.SendReport(protocol.BehaviorReport{})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestClient_ServerShutdownEndsChannel(t *testing.T) {
	url, _, stopHub := startHub(t)

	c, err := Dial(context.Background(), url, WithLogger(quietLogger()))
	require.NoError(t, err)

	stopHub()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after server shutdown")
	}
	assert.True(t, errors.Is(c.Err(), ErrClosed))
	assert.True(t, errors.Is(c.SendReport(protocol.BehaviorReport{}), ErrClosed))
}

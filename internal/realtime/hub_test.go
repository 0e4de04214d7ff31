package realtime

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/sentinel/internal/ingest"
	"github.com/mbd888/sentinel/internal/protocol"
	"github.com/mbd888/sentinel/internal/sessions"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testHub(cfg Config) (*Hub, *sessions.MemoryStore) {
	store := sessions.NewMemoryStore()
	svc := ingest.NewService(store, discardLogger())
	return NewHub(svc, cfg, discardLogger()), store
}

// runHub starts h and serves it over httptest. Returns the ws:// URL.
func runHub(t *testing.T, h *Hub) (string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), cancel
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) protocol.RiskUpdate {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Kind != protocol.KindRiskUpdate {
		t.Fatalf("kind = %q, want %q", msg.Kind, protocol.KindRiskUpdate)
	}
	return msg.Update
}

func sendReport(t *testing.T, conn *websocket.Conn, r protocol.BehaviorReport) {
	t.Helper()
	data, err := protocol.EncodeReport(r)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h, _ := testHub(DefaultConfig())

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalFrames"].(int64) != 0 {
		t.Errorf("Expected 0 total frames, got %v", stats["totalFrames"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h, _ := testHub(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	clientCtx, clientCancel := context.WithCancel(context.Background())
	client := &Client{
		hub:    h,
		send:   make(chan []byte, 1),
		info:   ingest.ConnInfo{ID: "c1"},
		ctx:    clientCtx,
		cancel: clientCancel,
	}

	h.register <- client
	waitFor(t, func() bool { return h.ClientCount() == 1 })

	if h.Stats()["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", h.Stats()["peakClients"])
	}

	h.unregister <- client
	waitFor(t, func() bool { return h.ClientCount() == 0 })

	if clientCtx.Err() == nil {
		t.Error("unregister should cancel the client context")
	}
	// Peak should still be 1
	if h.Stats()["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", h.Stats()["peakClients"])
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h, _ := testHub(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	go h.Run(ctx)
	cancel()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

// ---------------------------------------------------------------------------
// Connection tests
// ---------------------------------------------------------------------------

func TestHub_ReportGetsUpdate(t *testing.T) {
	h, _ := testHub(DefaultConfig())
	url, _ := runHub(t, h)
	conn := dial(t, url, nil)

	sendReport(t, conn, protocol.BehaviorReport{TypingSpeed: 600, MouseJitter: 0.9, SessionToken: "abc"})

	got := readUpdate(t, conn)
	if got.RiskScore != 70 {
		t.Errorf("RiskScore = %d, want 70", got.RiskScore)
	}
	if got.Reason != "Anomalous interaction detected" {
		t.Errorf("Reason = %q", got.Reason)
	}
}

func TestHub_UpdatesPreserveReportOrder(t *testing.T) {
	h, _ := testHub(DefaultConfig())
	url, _ := runHub(t, h)
	conn := dial(t, url, nil)

	reports := []protocol.BehaviorReport{
		{TypingSpeed: 600, MouseJitter: 0.9},
		{},
		{MouseJitter: 0.9},
		{TypingSpeed: 600},
		{TypingSpeed: 601, MouseJitter: 1},
	}
	want := []int{70, 0, 40, 30, 70}

	for _, r := range reports {
		sendReport(t, conn, r)
	}
	for i, w := range want {
		if got := readUpdate(t, conn); got.RiskScore != w {
			t.Errorf("update %d: RiskScore = %d, want %d", i, got.RiskScore, w)
		}
	}
}

func TestHub_SkipsUnscoredFrames(t *testing.T) {
	h, _ := testHub(DefaultConfig())
	url, _ := runHub(t, h)
	conn := dial(t, url, nil)

	for _, frame := range []string{`{"type":"HEARTBEAT"}`, `not json`, `[1,2,3]`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	sendReport(t, conn, protocol.BehaviorReport{MouseJitter: 0.9})

	// The first update on the wire belongs to the report.
	if got := readUpdate(t, conn); got.RiskScore != 40 {
		t.Errorf("RiskScore = %d, want 40", got.RiskScore)
	}
	stats := h.Stats()
	if stats["totalFrames"].(int64) != 4 {
		t.Errorf("totalFrames = %v, want 4", stats["totalFrames"])
	}
	if stats["totalUpdates"].(int64) != 1 {
		t.Errorf("totalUpdates = %v, want 1", stats["totalUpdates"])
	}
}

func TestHub_SessionInitRecordsCorrelation(t *testing.T) {
	h, store := testHub(DefaultConfig())
	url, _ := runHub(t, h)
	conn := dial(t, url, http.Header{"User-Agent": {"sentinel-test/1.0"}})

	init, err := protocol.EncodeSessionInit("tok-1")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, init); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Frames are handled in order, so the update proves the init was stored.
	sendReport(t, conn, protocol.BehaviorReport{})
	readUpdate(t, conn)

	rec, err := store.Get(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.SourceAddress != "127.0.0.1" {
		t.Errorf("SourceAddress = %q, want 127.0.0.1", rec.SourceAddress)
	}
	if rec.UserAgent != "sentinel-test/1.0" {
		t.Errorf("UserAgent = %q", rec.UserAgent)
	}
	if rec.StartTime.IsZero() {
		t.Error("StartTime should be set")
	}
}

func TestHub_ConnectionsAreIndependent(t *testing.T) {
	h, _ := testHub(DefaultConfig())
	url, _ := runHub(t, h)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		conn := dial(t, url, nil)
		wg.Add(1)
		go func(conn *websocket.Conn, jitter float64, want int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				data, _ := protocol.EncodeReport(protocol.BehaviorReport{MouseJitter: jitter})
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					t.Errorf("write: %v", err)
					return
				}
				_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
				_, raw, err := conn.ReadMessage()
				if err != nil {
					t.Errorf("read: %v", err)
					return
				}
				msg, _ := protocol.Decode(raw)
				if msg.Update.RiskScore != want {
					t.Errorf("RiskScore = %d, want %d", msg.Update.RiskScore, want)
				}
			}
		}(conn, float64(i%2), (i%2)*40)
	}
	wg.Wait()
}

func TestHub_RejectsOverCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 1
	h, _ := testHub(cfg)
	url, _ := runHub(t, h)

	dial(t, url, nil)
	waitFor(t, func() bool { return h.ClientCount() == 1 })

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected second dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %v", resp)
	}
}

func TestHub_RegisterRechecksCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 1
	h, _ := testHub(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	newClient := func(id string) (*Client, context.Context) {
		clientCtx, clientCancel := context.WithCancel(context.Background())
		t.Cleanup(clientCancel)
		return &Client{
			hub:    h,
			send:   make(chan []byte, 1),
			info:   ingest.ConnInfo{ID: id},
			ctx:    clientCtx,
			cancel: clientCancel,
		}, clientCtx
	}

	// Both passed the upgrade-time check before either registered.
	first, firstCtx := newClient("c1")
	second, secondCtx := newClient("c2")
	h.register <- first
	h.register <- second

	waitFor(t, func() bool { return secondCtx.Err() != nil })
	if h.ClientCount() != 1 {
		t.Errorf("Expected 1 client, got %d", h.ClientCount())
	}
	if firstCtx.Err() != nil {
		t.Error("first client should stay registered")
	}
}

// lockedBuffer is a goroutine-safe log sink.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestHub_ConnectionErrorsUseHubLogger(t *testing.T) {
	var hubOut, defaultOut lockedBuffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&defaultOut, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := DefaultConfig()
	cfg.MaxFrameBytes = 128
	store := sessions.NewMemoryStore()
	h := NewHub(ingest.NewService(store, discardLogger()), cfg, slog.New(slog.NewJSONHandler(&hubOut, nil)))
	url, _ := runHub(t, h)
	conn := dial(t, url, nil)
	waitFor(t, func() bool { return h.ClientCount() == 1 })

	big := `{"type":"BEHAVIOR_REPORT","sessionToken":"` + strings.Repeat("x", 1024) + `"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(big)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return h.ClientCount() == 0 })

	if !strings.Contains(hubOut.String(), `"msg":"websocket read error"`) {
		t.Errorf("read error missing from hub log: %s", hubOut.String())
	}
	if !strings.Contains(hubOut.String(), `"conn_id"`) {
		t.Error("read error should carry conn_id")
	}
	if strings.Contains(defaultOut.String(), "websocket read error") {
		t.Errorf("read error leaked to default logger: %s", defaultOut.String())
	}
}

func TestHub_OriginCheck(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://app.example"}
	h, _ := testHub(cfg)
	url, _ := runHub(t, h)

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("foreign origin should be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}

	dial(t, url, http.Header{"Origin": {"https://app.example"}})
}

func TestCheckOrigin_SameHost(t *testing.T) {
	h, _ := testHub(DefaultConfig())

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://sentinel.local:8080", true},
		{"https://sentinel.local:8080", true},
		{"https://elsewhere.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://sentinel.local:8080/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := h.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestHub_OversizedFrameClosesConnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFrameBytes = 128
	h, _ := testHub(cfg)
	url, _ := runHub(t, h)
	conn := dial(t, url, nil)

	big := `{"type":"BEHAVIOR_REPORT","sessionToken":"` + strings.Repeat("x", 1024) + `"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(big)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to be closed")
	}
	waitFor(t, func() bool { return h.ClientCount() == 0 })
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	h, _ := testHub(DefaultConfig())
	url, cancel := runHub(t, h)
	conn := dial(t, url, nil)
	waitFor(t, func() bool { return h.ClientCount() == 1 })

	cancel()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}

	<-h.Done()
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("upgrade after shutdown should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %v", resp)
	}
}

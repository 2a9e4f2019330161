package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"darwinbox/api/internal/changes"
)

type wsServer struct {
	url  string
	done chan error
}

func startWSServer(t *testing.T, b *changes.Broadcaster, opts Options) *wsServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	s := &wsServer{done: make(chan error, 1)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub := b.Subscribe()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			sub.Close()
			s.done <- err
			return
		}
		s.done <- New(conn, sub, opts).Serve(r.Context())
	}))
	t.Cleanup(srv.Close)

	s.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return s
}

func (s *wsServer) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestForwardsEventsAsTextFrames(t *testing.T) {
	b := changes.NewBroadcaster(10)
	s := startWSServer(t, b, Options{ID: "t1", HeartbeatInterval: time.Hour})
	client := dial(t, s.url)

	payloads := []string{
		`{"action":"INSERT","id":1,"name":"util","parent_id":null}`,
		`{"action":"UPDATE","id":1,"name":"utils","parent_id":null}`,
	}
	for _, p := range payloads {
		b.Publish(p)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range payloads {
		messageType, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if messageType != websocket.TextMessage {
			t.Errorf("expected text frame, got %d", messageType)
		}
		if string(data) != want {
			t.Errorf("expected %s, got %s", want, data)
		}
	}
}

func TestHeartbeatSendsPings(t *testing.T) {
	b := changes.NewBroadcaster(10)
	s := startWSServer(t, b, Options{HeartbeatInterval: 20 * time.Millisecond})
	client := dial(t, s.url)

	var pings atomic.Int32
	client.SetPingHandler(func(data string) error {
		if data != "" {
			t.Errorf("expected empty ping payload, got %q", data)
		}
		pings.Add(1)
		return nil
	})

	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pings.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pings.Load() < 3 {
		t.Fatalf("expected at least 3 pings, got %d", pings.Load())
	}
}

func TestClientDisconnectEndsSession(t *testing.T) {
	b := changes.NewBroadcaster(10)
	s := startWSServer(t, b, Options{HeartbeatInterval: 20 * time.Millisecond})
	client := dial(t, s.url)

	if b.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.Subscribers())
	}
	_ = client.Close()

	if err := s.wait(t); !errors.Is(err, ErrSessionIO) {
		t.Fatalf("expected ErrSessionIO, got %v", err)
	}
	if b.Subscribers() != 0 {
		t.Errorf("subscription leaked, %d subscribers left", b.Subscribers())
	}
}

func TestFeedCloseEndsSession(t *testing.T) {
	b := changes.NewBroadcaster(10)
	s := startWSServer(t, b, Options{HeartbeatInterval: time.Hour})
	client := dial(t, s.url)

	b.Close()
	if err := s.wait(t); !errors.Is(err, ErrFeedClosed) {
		t.Fatalf("expected ErrFeedClosed, got %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Error("expected connection to be closed")
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	b := changes.NewBroadcaster(10)
	s := startWSServer(t, b, Options{HeartbeatInterval: time.Hour})
	first := dial(t, s.url)
	second := dial(t, s.url)

	_ = first.Close()
	if err := s.wait(t); !errors.Is(err, ErrSessionIO) {
		t.Fatalf("expected ErrSessionIO, got %v", err)
	}

	payload := `{"action":"DELETE","id":5,"name":"usr","parent_id":3}`
	b.Publish(payload)

	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := second.ReadMessage()
	if err != nil {
		t.Fatalf("surviving session read: %v", err)
	}
	if string(data) != payload {
		t.Errorf("expected %s, got %s", payload, data)
	}
}

// fakeConn records writes and can fail on demand. ReadMessage blocks until
// Close is called.
type fakeConn struct {
	mu          sync.Mutex
	texts       []string
	pings       int
	failPing    bool
	failText    bool
	writeDelay  time.Duration
	inflight    atomic.Int32
	overlapped  atomic.Bool
	closed      chan struct{}
	closeOnce   sync.Once
	closedCalls atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) enter() {
	if c.inflight.Add(1) > 1 {
		c.overlapped.Store(true)
	}
	if c.writeDelay > 0 {
		time.Sleep(c.writeDelay)
	}
}

func (c *fakeConn) leave() {
	c.inflight.Add(-1)
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.enter()
	defer c.leave()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failText {
		return errors.New("broken pipe")
	}
	c.texts = append(c.texts, string(data))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	c.enter()
	defer c.leave()
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType != websocket.PingMessage {
		return errors.New("unexpected control frame")
	}
	if c.failPing {
		return errors.New("broken pipe")
	}
	c.pings++
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("use of closed network connection")
}

func (c *fakeConn) Close() error {
	c.closedCalls.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func serveAsync(h *Handler, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestHeartbeatFailureStopsForwardLoop(t *testing.T) {
	b := changes.NewBroadcaster(10)
	sub := b.Subscribe()
	conn := newFakeConn()
	conn.failPing = true

	done := serveAsync(New(conn, sub, Options{HeartbeatInterval: 10 * time.Millisecond}), context.Background())
	if err := waitErr(t, done); !errors.Is(err, ErrSessionIO) {
		t.Fatalf("expected ErrSessionIO, got %v", err)
	}
	if conn.closedCalls.Load() == 0 {
		t.Error("connection was not closed")
	}
	if b.Subscribers() != 0 {
		t.Error("subscription was not released")
	}
}

func TestForwardFailureStopsHeartbeatLoop(t *testing.T) {
	b := changes.NewBroadcaster(10)
	sub := b.Subscribe()
	conn := newFakeConn()
	conn.failText = true

	done := serveAsync(New(conn, sub, Options{HeartbeatInterval: 5 * time.Millisecond}), context.Background())
	b.Publish(`{"action":"INSERT","id":1,"name":"a","parent_id":null}`)

	if err := waitErr(t, done); !errors.Is(err, ErrSessionIO) {
		t.Fatalf("expected ErrSessionIO, got %v", err)
	}

	conn.mu.Lock()
	pingsAtStop := conn.pings
	conn.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.pings != pingsAtStop {
		t.Errorf("heartbeat kept running after session stopped (%d -> %d pings)", pingsAtStop, conn.pings)
	}
}

func TestWritesAreMutuallyExclusive(t *testing.T) {
	b := changes.NewBroadcaster(200)
	sub := b.Subscribe()
	conn := newFakeConn()
	conn.writeDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := serveAsync(New(conn, sub, Options{HeartbeatInterval: time.Millisecond}), ctx)

	for i := 0; i < 50; i++ {
		b.Publish(`{"action":"UPDATE","id":1,"name":"a","parent_id":null}`)
		time.Sleep(time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.mu.Lock()
		n := len(conn.texts)
		conn.mu.Unlock()
		if n == 50 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := waitErr(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if conn.overlapped.Load() {
		t.Error("heartbeat and forward writes overlapped")
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.texts) != 50 {
		t.Errorf("expected 50 forwarded events, got %d", len(conn.texts))
	}
	if conn.pings == 0 {
		t.Error("expected heartbeat pings during the run")
	}
}

func TestLagDoesNotEndSession(t *testing.T) {
	b := changes.NewBroadcaster(2)
	sub := b.Subscribe()
	for _, p := range []string{"a", "b", "c", "d"} {
		b.Publish(p)
	}

	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	done := serveAsync(New(conn, sub, Options{HeartbeatInterval: time.Hour}), ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.mu.Lock()
		n := len(conn.texts)
		conn.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	_ = waitErr(t, done)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if strings.Join(conn.texts, ",") != "c,d" {
		t.Errorf("expected only the retained events c,d, got %v", conn.texts)
	}
}

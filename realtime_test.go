package marketchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test broker
// ============================================================================

// testBroker is an in-process WebSocket endpoint that records frames sent by
// the client and can push message frames back, standing in for the
// marketplace backend's broker.
type testBroker struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []Frame
	subs     map[string]int
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	b := &testBroker{t: t, subs: make(map[string]int)}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var frame Frame
			if json.Unmarshal(data, &frame) != nil {
				continue
			}
			b.mu.Lock()
			b.received = append(b.received, frame)
			switch frame.Type {
			case frameSubscribe:
				b.subs[frame.Destination]++
			case frameUnsubscribe:
				b.subs[frame.Destination]--
			}
			b.mu.Unlock()
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *testBroker) lastConn() *websocket.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

func (b *testBroker) connCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *testBroker) subCount(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[destination]
}

func (b *testBroker) frames() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Frame{}, b.received...)
}

// push sends a message frame to the most recent client connection.
func (b *testBroker) push(destination string, body any) {
	b.t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		b.t.Fatalf("marshal push body: %v", err)
	}
	frame := Frame{Type: frameMessage, Destination: destination, Body: raw}
	data, _ := json.Marshal(frame)
	b.pushRaw(data)
}

func (b *testBroker) pushRaw(data []byte) {
	b.t.Helper()
	waitFor(b.t, time.Second, func() bool { return b.lastConn() != nil }, "no broker connection to push on")
	conn := b.lastConn()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		b.t.Fatalf("push frame: %v", err)
	}
}

// dropConn closes the current connection from the server side, simulating
// an unexpected transport loss.
func (b *testBroker) dropConn() {
	if conn := b.lastConn(); conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "server drop")
	}
}

// ============================================================================
// Helpers
// ============================================================================

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newConnectedRealtime(t *testing.T, b *testBroker, autoReconnect bool) *RealtimeClient {
	t.Helper()
	client := NewClient(b.srv.URL)
	rt := client.Realtime(&RealtimeConfig{
		AutoReconnect:  autoReconnect,
		ReconnectDelay: 30 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = rt.Disconnect() })
	return rt
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestRealtimeConnect(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		b := newTestBroker(t)
		rt := newConnectedRealtime(t, b, false)

		if err := rt.Connect(context.Background()); err != nil {
			t.Fatalf("second connect: %v", err)
		}
		if got := b.connCount(); got != 1 {
			t.Fatalf("expected 1 connection, got %d", got)
		}
		if !rt.IsConnected() {
			t.Fatal("expected connected state")
		}
	})

	t.Run("dial failure leaves disconnected", func(t *testing.T) {
		b := newTestBroker(t)
		b.srv.Close()

		client := NewClient(b.srv.URL)
		rt := client.Realtime(nil)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rt.Connect(ctx); err == nil {
			t.Fatal("expected dial error")
		}
		if rt.State() != StateDisconnected {
			t.Fatalf("expected disconnected, got %s", rt.State())
		}
	})

	t.Run("disconnect twice is safe", func(t *testing.T) {
		b := newTestBroker(t)
		rt := newConnectedRealtime(t, b, false)
		if err := rt.Disconnect(); err != nil {
			t.Fatalf("disconnect: %v", err)
		}
		if err := rt.Disconnect(); err != nil {
			t.Fatalf("second disconnect: %v", err)
		}
	})
}

func TestRealtimeSendWhileDisconnected(t *testing.T) {
	client := NewClient("http://localhost:1")
	rt := client.Realtime(nil)

	err := rt.SendMessage(context.Background(), 42, "hello", MessageChat)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := rt.EnterRoom(context.Background(), 42); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := rt.Subscribe(context.Background(), RoomTopic(42), func(json.RawMessage) {}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

// ============================================================================
// Subscription registry
// ============================================================================

func TestRealtimeSubscribeReplace(t *testing.T) {
	b := newTestBroker(t)
	rt := newConnectedRealtime(t, b, false)
	dest := RoomTopic(42)

	first := make(chan json.RawMessage, 4)
	second := make(chan json.RawMessage, 4)

	if err := rt.Subscribe(context.Background(), dest, func(body json.RawMessage) { first <- body }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, time.Second, func() bool { return b.subCount(dest) == 1 }, "first subscribe not seen")

	if err := rt.Subscribe(context.Background(), dest, func(body json.RawMessage) { second <- body }); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	// Replace semantics: the broker sees unsubscribe+subscribe, netting one.
	waitFor(t, time.Second, func() bool {
		unsubs := 0
		for _, f := range b.frames() {
			if f.Type == frameUnsubscribe && f.Destination == dest {
				unsubs++
			}
		}
		return unsubs == 1 && b.subCount(dest) == 1
	}, "replace did not unsubscribe prior subscription")

	if got := len(rt.Subscriptions()); got != 1 {
		t.Fatalf("expected 1 registered subscription, got %d", got)
	}

	b.push(dest, ChatMessage{ID: 1, RoomID: 42, Content: "hi"})

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("replacement handler never fired")
	}
	select {
	case <-first:
		t.Fatal("replaced handler still fired")
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case <-second:
		t.Fatal("single frame delivered twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRealtimeUnsubscribe(t *testing.T) {
	b := newTestBroker(t)
	rt := newConnectedRealtime(t, b, false)
	dest := RoomTopic(7)

	if err := rt.Subscribe(context.Background(), dest, func(json.RawMessage) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := rt.Unsubscribe(context.Background(), dest); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if got := len(rt.Subscriptions()); got != 0 {
		t.Fatalf("expected empty registry, got %d", got)
	}

	// No-op when absent.
	if err := rt.Unsubscribe(context.Background(), dest); err != nil {
		t.Fatalf("unsubscribe absent: %v", err)
	}
}

func TestRealtimeDisconnectClearsRegistry(t *testing.T) {
	b := newTestBroker(t)
	rt := newConnectedRealtime(t, b, false)

	for _, roomID := range []int64{1, 2, 3} {
		if err := rt.Subscribe(context.Background(), RoomTopic(roomID), func(json.RawMessage) {}); err != nil {
			t.Fatalf("subscribe room %d: %v", roomID, err)
		}
	}
	if got := len(rt.Subscriptions()); got != 3 {
		t.Fatalf("expected 3 subscriptions, got %d", got)
	}

	if err := rt.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if got := len(rt.Subscriptions()); got != 0 {
		t.Fatalf("expected empty registry after disconnect, got %d", got)
	}

	// Re-subscription is caller-driven, never automatic.
	if err := rt.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := len(rt.Subscriptions()); got != 0 {
		t.Fatalf("expected no automatic resubscription, got %d", got)
	}
}

// ============================================================================
// Inbound router
// ============================================================================

func TestRealtimeMalformedFrameDropped(t *testing.T) {
	b := newTestBroker(t)
	rt := newConnectedRealtime(t, b, false)
	dest := RoomTopic(42)

	got := make(chan json.RawMessage, 2)
	if err := rt.Subscribe(context.Background(), dest, func(body json.RawMessage) { got <- body }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, time.Second, func() bool { return b.subCount(dest) == 1 }, "subscribe not seen")

	b.pushRaw([]byte("this is not a frame"))
	b.push(dest, ChatMessage{ID: 9, RoomID: 42, Content: "still alive"})

	select {
	case body := <-got:
		var msg ChatMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			t.Fatalf("unmarshal delivered body: %v", err)
		}
		if msg.ID != 9 {
			t.Fatalf("expected message 9, got %d", msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("router died after malformed frame")
	}
}

func TestRealtimeUnsubscribedDestinationDropped(t *testing.T) {
	b := newTestBroker(t)
	rt := newConnectedRealtime(t, b, false)

	got := make(chan json.RawMessage, 2)
	if err := rt.Subscribe(context.Background(), RoomTopic(1), func(body json.RawMessage) { got <- body }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitFor(t, time.Second, func() bool { return b.subCount(RoomTopic(1)) == 1 }, "subscribe not seen")

	b.push(RoomTopic(2), ChatMessage{ID: 1})
	b.push(RoomTopic(1), ChatMessage{ID: 2})

	select {
	case body := <-got:
		var msg ChatMessage
		_ = json.Unmarshal(body, &msg)
		if msg.ID != 2 {
			t.Fatalf("expected message for subscribed room only, got id %d", msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribed frame never delivered")
	}
}

// ============================================================================
// Outbound commands
// ============================================================================

func TestRealtimeCommands(t *testing.T) {
	b := newTestBroker(t)
	rt := newConnectedRealtime(t, b, false)
	ctx := context.Background()

	if err := rt.SendMessage(ctx, 42, "price?", MessageChat); err != nil {
		t.Fatalf("send message: %v", err)
	}
	if err := rt.EnterRoom(ctx, 42); err != nil {
		t.Fatalf("enter room: %v", err)
	}
	if err := rt.MarkAsRead(ctx, 42); err != nil {
		t.Fatalf("mark as read: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(b.frames()) >= 3 }, "commands not received")

	var destinations []string
	for _, f := range b.frames() {
		if f.Type == frameSend {
			destinations = append(destinations, f.Destination)
		}
	}
	want := []string{"/app/chat/send/42", "/app/chat/enter/42", "/app/chat/read/42"}
	if len(destinations) != len(want) {
		t.Fatalf("expected %d send frames, got %d", len(want), len(destinations))
	}
	for i, dest := range want {
		if destinations[i] != dest {
			t.Fatalf("frame %d: expected destination %s, got %s", i, dest, destinations[i])
		}
	}

	var body sendMessageBody
	if err := json.Unmarshal(b.frames()[0].Body, &body); err != nil {
		t.Fatalf("unmarshal send body: %v", err)
	}
	if body.Content != "price?" || body.MessageType != MessageChat {
		t.Fatalf("unexpected send body: %+v", body)
	}
}

// ============================================================================
// Reconnect
// ============================================================================

func TestRealtimeAutoReconnect(t *testing.T) {
	b := newTestBroker(t)
	rt := newConnectedRealtime(t, b, true)

	reconnected := make(chan struct{}, 1)
	rt.OnConnected(func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})

	if err := rt.Subscribe(context.Background(), RoomTopic(5), func(json.RawMessage) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.dropConn()

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("never reconnected")
	}
	waitFor(t, time.Second, func() bool { return rt.IsConnected() }, "state never returned to connected")

	if got := b.connCount(); got < 2 {
		t.Fatalf("expected a second connection, got %d", got)
	}
	// Subscriptions do not survive a transport loss.
	if got := len(rt.Subscriptions()); got != 0 {
		t.Fatalf("expected empty registry after reconnect, got %d", got)
	}
}

func TestRealtimeNoReconnectAfterDisconnect(t *testing.T) {
	b := newTestBroker(t)
	rt := newConnectedRealtime(t, b, true)

	if err := rt.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if rt.IsConnected() {
		t.Fatal("reconnected after explicit disconnect")
	}
	if got := b.connCount(); got != 1 {
		t.Fatalf("expected no new connection after disconnect, got %d", got)
	}
}

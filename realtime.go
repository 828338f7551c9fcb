package marketchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by send operations and Subscribe while the
// transport is down. Callers surface it to the user; nothing is queued or
// retried on their behalf.
var ErrNotConnected = errors.New("marketchat: not connected")

// ============================================================================
// Destinations
// ============================================================================

const (
	// NotificationQueue is the per-user destination for room-traffic
	// notifications. The server resolves the user from the session.
	NotificationQueue = "/user/queue/notifications"

	// ReadReceiptQueue is the per-user destination for counterparty
	// read receipts.
	ReadReceiptQueue = "/user/queue/read"
)

// RoomTopic returns the broadcast destination for a chat room.
func RoomTopic(roomID int64) string {
	return fmt.Sprintf("/topic/room/%d", roomID)
}

// ============================================================================
// Wire format
// ============================================================================

// Frame is the broker-style wire format. Inbound events are classified by
// destination, not by payload shape.
type Frame struct {
	Type        string          `json:"type"`
	Destination string          `json:"destination"`
	ID          string          `json:"id,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameSend        = "send"
	frameMessage     = "message"
)

// FrameHandler receives the body of every inbound frame on a subscribed
// destination. Handlers run sequentially on the read loop; a handler that
// blocks stalls delivery for the whole connection.
type FrameHandler func(body json.RawMessage)

// ============================================================================
// Configuration
// ============================================================================

// ConnState represents the transport connection state.
type ConnState string

const (
	StateDisconnected     ConnState = "disconnected"
	StateConnecting       ConnState = "connecting"
	StateConnected        ConnState = "connected"
	StateReconnectPending ConnState = "reconnect_pending"
)

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	// AutoReconnect retries after an unexpected close, at a fixed
	// ReconnectDelay, indefinitely, until Disconnect is called.
	AutoReconnect  bool
	ReconnectDelay time.Duration
	HTTPClient     *http.Client
	Logger         zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ============================================================================
// Meta-event dispatcher
// ============================================================================

type metaDispatcher struct {
	mu             sync.RWMutex
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func newMetaDispatcher() *metaDispatcher {
	return &metaDispatcher{}
}

func (d *metaDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *metaDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (d *metaDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// RealtimeClient
// ============================================================================

type subscription struct {
	id          string
	destination string
	handler     FrameHandler
}

// RealtimeClient owns the single persistent WebSocket connection and the
// registry of destination subscriptions. One instance exists per logged-in
// session; connect/disconnect is expected to be driven by one lifecycle
// owner, while any consumer may subscribe and send.
type RealtimeClient struct {
	wsURL  string
	cookie string
	config *RealtimeConfig
	logger zerolog.Logger

	mu               sync.Mutex
	writeMu          sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc
	subs             map[string]*subscription

	dispatcher *metaDispatcher
}

// OnConnected registers a handler invoked after every successful connect,
// including reconnects.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler invoked when the transport closes.
func (rt *RealtimeClient) OnDisconnected(h func(reason string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler invoked before each reconnect attempt.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReconnecting = append(rt.dispatcher.onReconnecting, h)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() ConnState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// IsConnected reports whether the transport is up. Consumers use it to gate
// send operations and render a connection indicator.
func (rt *RealtimeClient) IsConnected() bool {
	return rt.State() == StateConnected
}

// Subscriptions returns the destinations with a live subscription, sorted.
func (rt *RealtimeClient) Subscriptions() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	dests := make([]string, 0, len(rt.subs))
	for d := range rt.subs {
		dests = append(dests, d)
	}
	sort.Strings(dests)
	return dests
}

// Connect establishes the WebSocket connection. Idempotent: if already
// connected or connecting it returns nil without opening a second
// connection. Handshake failure leaves the client disconnected.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	opts := &websocket.DialOptions{HTTPClient: rt.config.HTTPClient}
	if rt.cookie != "" {
		opts.HTTPHeader = http.Header{"Cookie": []string{rt.cookie}}
	}

	conn, _, err := websocket.Dial(ctx, rt.wsURL, opts)
	if err != nil {
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancel
	rt.mu.Unlock()

	rt.logger.Debug().Str("url", rt.wsURL).Msg("realtime connected")
	rt.dispatcher.emitConnected()

	go rt.readLoop(connCtx, conn)

	return nil
}

// Disconnect unsubscribes all registered destinations, clears the registry,
// and closes the transport. No reconnect is attempted afterward. Safe to
// call when already disconnected.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	subs := rt.subs
	rt.conn = nil
	rt.subs = make(map[string]*subscription)
	rt.state = StateDisconnected
	rt.mu.Unlock()

	if conn == nil {
		return nil
	}

	// Best-effort unsubscribe frames before closing.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, sub := range subs {
		frame := Frame{Type: frameUnsubscribe, Destination: sub.destination, ID: sub.id}
		if data, err := json.Marshal(frame); err == nil {
			rt.writeMu.Lock()
			_ = conn.Write(ctx, websocket.MessageText, data)
			rt.writeMu.Unlock()
		}
	}

	err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
	rt.dispatcher.emitDisconnected("client disconnect")
	return err
}

// ============================================================================
// Subscription registry
// ============================================================================

// Subscribe registers handler for every inbound frame on destination.
// At most one subscription exists per destination: subscribing again
// replaces the prior handler instead of stacking a duplicate. Fails with
// ErrNotConnected while the transport is down.
func (rt *RealtimeClient) Subscribe(ctx context.Context, destination string, handler FrameHandler) error {
	rt.mu.Lock()
	if rt.state != StateConnected || rt.conn == nil {
		rt.mu.Unlock()
		return ErrNotConnected
	}
	prior := rt.subs[destination]
	sub := &subscription{
		id:          uuid.NewString(),
		destination: destination,
		handler:     handler,
	}
	rt.subs[destination] = sub
	conn := rt.conn
	rt.mu.Unlock()

	if prior != nil {
		rt.logger.Debug().Str("destination", destination).Msg("replacing subscription")
		frame := Frame{Type: frameUnsubscribe, Destination: destination, ID: prior.id}
		if err := rt.writeFrame(ctx, conn, frame); err != nil {
			return fmt.Errorf("unsubscribe prior: %w", err)
		}
	}

	frame := Frame{Type: frameSubscribe, Destination: destination, ID: sub.id}
	if err := rt.writeFrame(ctx, conn, frame); err != nil {
		rt.mu.Lock()
		if rt.subs[destination] == sub {
			delete(rt.subs, destination)
		}
		rt.mu.Unlock()
		return fmt.Errorf("subscribe: %w", err)
	}

	rt.logger.Debug().Str("destination", destination).Msg("subscribed")
	return nil
}

// Unsubscribe removes and disposes the subscription for destination.
// No-op when the destination is not subscribed.
func (rt *RealtimeClient) Unsubscribe(ctx context.Context, destination string) error {
	rt.mu.Lock()
	sub, ok := rt.subs[destination]
	if !ok {
		rt.mu.Unlock()
		return nil
	}
	delete(rt.subs, destination)
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return nil
	}
	frame := Frame{Type: frameUnsubscribe, Destination: destination, ID: sub.id}
	if err := rt.writeFrame(ctx, conn, frame); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	rt.logger.Debug().Str("destination", destination).Msg("unsubscribed")
	return nil
}

// ============================================================================
// Outbound commands
// ============================================================================

type sendMessageBody struct {
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType"`
}

// SendMessage publishes a chat message to a room. Fails with
// ErrNotConnected while the transport is down; messages typed while offline
// are rejected, never buffered for later delivery.
func (rt *RealtimeClient) SendMessage(ctx context.Context, roomID int64, content string, kind MessageType) error {
	if kind == "" {
		kind = MessageChat
	}
	return rt.publish(ctx, fmt.Sprintf("/app/chat/send/%d", roomID), sendMessageBody{
		Content:     content,
		MessageType: kind,
	})
}

// EnterRoom announces presence in a room so the server can suppress
// notifications for it. Fire-and-forget; no acknowledgement is expected.
func (rt *RealtimeClient) EnterRoom(ctx context.Context, roomID int64) error {
	return rt.publish(ctx, fmt.Sprintf("/app/chat/enter/%d", roomID), struct{}{})
}

// MarkAsRead announces that all messages in the room up to now are read.
// Idempotent server-side; safe to send on every room entry.
func (rt *RealtimeClient) MarkAsRead(ctx context.Context, roomID int64) error {
	return rt.publish(ctx, fmt.Sprintf("/app/chat/read/%d", roomID), struct{}{})
}

func (rt *RealtimeClient) publish(ctx context.Context, destination string, body interface{}) error {
	rt.mu.Lock()
	conn := rt.conn
	connected := rt.state == StateConnected
	rt.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}
	frame := Frame{Type: frameSend, Destination: destination, ID: uuid.NewString(), Body: raw}
	return rt.writeFrame(ctx, conn, frame)
}

func (rt *RealtimeClient) writeFrame(ctx context.Context, conn *websocket.Conn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ============================================================================
// Inbound event router
// ============================================================================

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.handleTransportLoss(err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			rt.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		if frame.Type != "" && frame.Type != frameMessage {
			continue
		}

		rt.mu.Lock()
		sub := rt.subs[frame.Destination]
		rt.mu.Unlock()
		if sub == nil {
			rt.logger.Debug().Str("destination", frame.Destination).
				Msg("dropping frame for unsubscribed destination")
			continue
		}

		rt.dispatch(sub, frame.Body)
	}
}

// dispatch invokes the handler sequentially so events apply in arrival
// order. A panicking handler must not take down the read loop.
func (rt *RealtimeClient) dispatch(sub *subscription, body json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error().Interface("panic", r).
				Str("destination", sub.destination).Msg("handler panicked")
		}
	}()
	sub.handler(body)
}

func (rt *RealtimeClient) handleTransportLoss(cause error) {
	rt.mu.Lock()
	if rt.intentionalClose {
		rt.mu.Unlock()
		return
	}
	rt.conn = nil
	// Stale handlers must not fire after a reconnect with fresh state;
	// re-subscription after reconnect is caller-driven.
	rt.subs = make(map[string]*subscription)
	if rt.config.AutoReconnect {
		rt.state = StateReconnectPending
	} else {
		rt.state = StateDisconnected
	}
	rt.mu.Unlock()

	rt.logger.Warn().Err(cause).Msg("realtime connection lost")
	rt.dispatcher.emitDisconnected(cause.Error())

	if rt.config.AutoReconnect {
		go rt.reconnectLoop()
	}
}

// reconnectLoop retries at a fixed delay indefinitely until the connection
// is re-established or Disconnect is called.
func (rt *RealtimeClient) reconnectLoop() {
	for attempt := 1; ; attempt++ {
		rt.dispatcher.emitReconnecting(attempt, rt.config.ReconnectDelay)
		time.Sleep(rt.config.ReconnectDelay)

		rt.mu.Lock()
		if rt.intentionalClose {
			rt.mu.Unlock()
			return
		}
		rt.state = StateDisconnected
		rt.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := rt.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		rt.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")

		rt.mu.Lock()
		if rt.intentionalClose {
			rt.mu.Unlock()
			return
		}
		rt.state = StateReconnectPending
		rt.mu.Unlock()
	}
}

package marketchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoActiveRoom is returned by Session.SendMessage when no room is open.
var ErrNoActiveRoom = errors.New("marketchat: no active room")

// ============================================================================
// Events
// ============================================================================

// Session event names. Payloads: transcript.changed carries []ChatMessage,
// rooms.changed carries []ChatRoom, unread.changed carries int.
const (
	EventTranscriptChanged = "transcript.changed"
	EventRoomsChanged      = "rooms.changed"
	EventUnreadChanged     = "unread.changed"
)

// SessionEventHandler handles session events.
type SessionEventHandler func(event string, payload any)

type sessionEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]SessionEventHandler
}

func (e *sessionEmitter) On(event string, handler SessionEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *sessionEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *sessionEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]SessionEventHandler)
}

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a Session.
type SessionConfig struct {
	// PollInterval is the fixed interval of the background unread-count
	// poll. The poll runs regardless of transport state; it is the
	// recovery path when the transport is silently dead.
	PollInterval time.Duration

	// LeaveRefreshDelay is how long after leaving a room the counters are
	// refreshed, to catch events that arrived in the teardown window.
	LeaveRefreshDelay time.Duration

	// HistoryPageSize is the page size of the history fetch on room entry.
	HistoryPageSize int

	Logger zerolog.Logger
}

func (c *SessionConfig) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.LeaveRefreshDelay == 0 {
		c.LeaveRefreshDelay = time.Second
	}
	if c.HistoryPageSize == 0 {
		c.HistoryPageSize = 50
	}
}

// ViewState is the state of the active chat room view.
type ViewState string

const (
	ViewIdle    ViewState = "idle"
	ViewLoading ViewState = "loading"
	ViewReady   ViewState = "ready"
)

// ============================================================================
// Unread counter
// ============================================================================

// unreadCounter keeps the server-confirmed value and a local optimistic
// adjustment separately. Optimistic updates are a latency hint only: any
// authoritative signal overwrites the server value and clears the
// adjustment, so the counter always converges to the server's view.
type unreadCounter struct {
	server          int
	localAdjustment int
}

func (c *unreadCounter) value() int {
	v := c.server + c.localAdjustment
	if v < 0 {
		return 0
	}
	return v
}

func (c *unreadCounter) setServer(v int) {
	c.server = v
	c.localAdjustment = 0
}

func (c *unreadCounter) adjust(delta int) {
	c.localAdjustment += delta
}

// ============================================================================
// Session
// ============================================================================

// Session reconciles realtime events with REST-fetched state across three
// consumers: the active room transcript, the room list, and the global
// unread badge. One Session exists per logged-in session; create it after
// Connect succeeds and Close it on logout.
type Session struct {
	sessionEmitter
	rest   *Client
	rt     *RealtimeClient
	config *SessionConfig
	logger zerolog.Logger

	mu           sync.Mutex
	rooms        []ChatRoom
	total        unreadCounter
	activeRoomID int64
	viewState    ViewState
	transcript   []ChatMessage
	pendingLive  []ChatMessage
	loadSeq      int

	stopCh  chan struct{}
	started bool
	stopped bool
}

// NewSession creates a session over an established realtime client and the
// REST client sharing its credentials.
func NewSession(rest *Client, rt *RealtimeClient, config *SessionConfig) *Session {
	cfg := SessionConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Session{
		sessionEmitter: sessionEmitter{listeners: make(map[string][]SessionEventHandler)},
		rest:           rest,
		rt:             rt,
		config:         &cfg,
		logger:         cfg.Logger,
		viewState:      ViewIdle,
		stopCh:         make(chan struct{}),
	}
}

// Start subscribes the per-user queues, loads the initial room list and
// unread total, and starts the background poll. Requires a connected
// realtime client for the subscriptions; the REST loads and the poll work
// either way.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.rt.Subscribe(ctx, NotificationQueue, s.handleNotificationFrame); err != nil {
		return fmt.Errorf("subscribe notifications: %w", err)
	}
	if err := s.rt.Subscribe(ctx, ReadReceiptQueue, s.handleReadReceiptFrame); err != nil {
		return fmt.Errorf("subscribe read receipts: %w", err)
	}

	// The registry never resubscribes by itself after a reconnect; the
	// session owns its subscriptions and restores them here.
	s.rt.OnConnected(func() { s.restoreSubscriptions() })

	if err := s.RefreshRooms(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial room list load failed")
	}
	if err := s.RefreshUnread(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial unread load failed")
	}

	go s.pollLoop()
	return nil
}

// Close stops the background poll and removes all event listeners.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.mu.Unlock()
	s.removeAll()
}

// ============================================================================
// Snapshots
// ============================================================================

// Transcript returns a copy of the active room's message list, ordered by
// sent time ascending.
func (s *Session) Transcript() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatMessage{}, s.transcript...)
}

// RoomList returns a copy of the cached room list.
func (s *Session) RoomList() []ChatRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatRoom{}, s.rooms...)
}

// TotalUnread returns the global unread total including any optimistic
// local adjustment.
func (s *Session) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total.value()
}

// ActiveRoomID returns the room currently being viewed, 0 if none.
func (s *Session) ActiveRoomID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRoomID
}

// State returns the active room view state.
func (s *Session) State() ViewState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewState
}

// ============================================================================
// Room entry / exit
// ============================================================================

// EnterRoom opens a room: marks it active, optimistically zeroes its unread
// count (subtracting it from the global total before the server confirms),
// subscribes to its topic, announces entry, and replaces the transcript
// with a fresh history fetch. Live messages delivered while the fetch is in
// flight are buffered and applied through dedup once it resolves.
func (s *Session) EnterRoom(ctx context.Context, roomID int64) error {
	s.mu.Lock()
	if s.activeRoomID == roomID && s.viewState != ViewIdle {
		s.mu.Unlock()
		return nil
	}
	prev := s.activeRoomID

	optimistic := 0
	for i := range s.rooms {
		if s.rooms[i].RoomID == roomID {
			optimistic = s.rooms[i].UnreadCount
			s.rooms[i].UnreadCount = 0
		}
	}
	if optimistic > 0 {
		s.total.adjust(-optimistic)
	}

	s.activeRoomID = roomID
	s.viewState = ViewLoading
	s.transcript = nil
	s.pendingLive = nil
	s.loadSeq++
	seq := s.loadSeq
	total := s.total.value()
	rooms := append([]ChatRoom{}, s.rooms...)
	s.mu.Unlock()

	if prev != 0 && prev != roomID {
		_ = s.rt.Unsubscribe(ctx, RoomTopic(prev))
	}
	if optimistic > 0 {
		s.emit(EventUnreadChanged, total)
		s.emit(EventRoomsChanged, rooms)
	}

	if err := s.rt.Subscribe(ctx, RoomTopic(roomID), s.roomFrameHandler(roomID)); err != nil {
		// Degraded but not fatal: history still loads and the poll keeps
		// the badge converging.
		s.logger.Warn().Err(err).Int64("room", roomID).Msg("room subscribe failed")
	}
	if err := s.rt.EnterRoom(ctx, roomID); err != nil {
		s.logger.Debug().Err(err).Int64("room", roomID).Msg("enter announcement failed")
	}
	if err := s.rt.MarkAsRead(ctx, roomID); err != nil {
		// Transport down: fall back to the REST mark-as-read.
		if restErr := s.rest.MarkRoomRead(ctx, roomID); restErr != nil {
			s.logger.Warn().Err(restErr).Int64("room", roomID).Msg("mark-as-read failed")
		}
	}

	return s.loadHistory(ctx, roomID, seq)
}

// LeaveRoom closes the active room view: clears the marker, unsubscribes
// the room topic, and schedules a short-delayed counter refresh to catch
// events that arrived during teardown.
func (s *Session) LeaveRoom(ctx context.Context) {
	s.mu.Lock()
	roomID := s.activeRoomID
	if roomID == 0 {
		s.mu.Unlock()
		return
	}
	s.activeRoomID = 0
	s.viewState = ViewIdle
	s.transcript = nil
	s.pendingLive = nil
	s.loadSeq++
	s.mu.Unlock()

	_ = s.rt.Unsubscribe(ctx, RoomTopic(roomID))

	time.AfterFunc(s.config.LeaveRefreshDelay, func() {
		select {
		case <-s.stopCh:
			return
		default:
		}
		refreshCtx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := s.RefreshUnread(refreshCtx); err != nil {
			s.logger.Debug().Err(err).Msg("post-leave unread refresh failed")
		}
		if err := s.RefreshRooms(refreshCtx); err != nil {
			s.logger.Debug().Err(err).Msg("post-leave room refresh failed")
		}
	})
}

// SendMessage sends a chat message to the active room over the transport.
func (s *Session) SendMessage(ctx context.Context, content string, kind MessageType) error {
	s.mu.Lock()
	roomID := s.activeRoomID
	s.mu.Unlock()
	if roomID == 0 {
		return ErrNoActiveRoom
	}
	return s.rt.SendMessage(ctx, roomID, content, kind)
}

func (s *Session) loadHistory(ctx context.Context, roomID int64, seq int) error {
	page, err := s.rest.Messages(ctx, roomID, 0, s.config.HistoryPageSize)
	if err != nil {
		s.mu.Lock()
		if s.loadSeq == seq {
			s.viewState = ViewIdle
		}
		s.mu.Unlock()
		return fmt.Errorf("load history: %w", err)
	}

	s.mu.Lock()
	if s.loadSeq != seq || s.activeRoomID != roomID {
		// The user switched rooms while the fetch was in flight.
		s.mu.Unlock()
		return nil
	}
	msgs := append([]ChatMessage{}, page.Content...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SentAt.Before(msgs[j].SentAt) })
	s.transcript = msgs
	for _, m := range s.pendingLive {
		s.insertMessageLocked(m)
	}
	s.pendingLive = nil
	s.viewState = ViewReady
	snapshot := append([]ChatMessage{}, s.transcript...)
	s.mu.Unlock()

	s.emit(EventTranscriptChanged, snapshot)
	return nil
}

// ============================================================================
// Refresh (authoritative REST state)
// ============================================================================

// RefreshRooms refetches the room list, replacing the cache. The active
// room's unread count is forced to zero: the user is looking at it, and the
// fetched value may predate the mark-as-read.
func (s *Session) RefreshRooms(ctx context.Context) error {
	rooms, err := s.rest.Rooms(ctx)
	if err != nil {
		return fmt.Errorf("refresh rooms: %w", err)
	}

	s.mu.Lock()
	if s.activeRoomID != 0 {
		for i := range rooms {
			if rooms[i].RoomID == s.activeRoomID {
				rooms[i].UnreadCount = 0
			}
		}
	}
	s.rooms = rooms
	snapshot := append([]ChatRoom{}, rooms...)
	s.mu.Unlock()

	s.emit(EventRoomsChanged, snapshot)
	return nil
}

// RefreshUnread refetches the global unread total. The server value
// overwrites any optimistic adjustment.
func (s *Session) RefreshUnread(ctx context.Context) error {
	count, err := s.rest.UnreadCount(ctx)
	if err != nil {
		return fmt.Errorf("refresh unread: %w", err)
	}

	s.mu.Lock()
	s.total.setServer(count)
	total := s.total.value()
	s.mu.Unlock()

	s.emit(EventUnreadChanged, total)
	return nil
}

// ============================================================================
// Inbound event application
// ============================================================================

func (s *Session) roomFrameHandler(roomID int64) FrameHandler {
	return func(body json.RawMessage) {
		var msg ChatMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			s.logger.Warn().Err(err).Int64("room", roomID).Msg("dropping malformed room message")
			return
		}
		s.applyRoomMessage(roomID, msg)
	}
}

func (s *Session) applyRoomMessage(roomID int64, msg ChatMessage) {
	s.mu.Lock()
	if s.activeRoomID != roomID {
		s.mu.Unlock()
		return
	}
	if s.viewState == ViewLoading {
		s.pendingLive = append(s.pendingLive, msg)
		s.mu.Unlock()
		return
	}
	inserted := s.insertMessageLocked(msg)
	s.updateRoomPreviewLocked(roomID, msg.Content, msg.SentAt)
	var transcript []ChatMessage
	var rooms []ChatRoom
	if inserted {
		transcript = append([]ChatMessage{}, s.transcript...)
		rooms = append([]ChatRoom{}, s.rooms...)
	}
	s.mu.Unlock()

	if inserted {
		s.emit(EventTranscriptChanged, transcript)
		s.emit(EventRoomsChanged, rooms)
	}
}

// insertMessageLocked appends msg keeping the transcript sorted by sent
// time ascending. The server-assigned id is the sole dedup key: a second
// delivery of the same id is discarded.
func (s *Session) insertMessageLocked(msg ChatMessage) bool {
	for i := range s.transcript {
		if s.transcript[i].ID == msg.ID {
			return false
		}
	}
	i := sort.Search(len(s.transcript), func(i int) bool {
		return s.transcript[i].SentAt.After(msg.SentAt)
	})
	s.transcript = append(s.transcript, ChatMessage{})
	copy(s.transcript[i+1:], s.transcript[i:])
	s.transcript[i] = msg
	return true
}

func (s *Session) updateRoomPreviewLocked(roomID int64, preview string, sentAt time.Time) bool {
	for i := range s.rooms {
		if s.rooms[i].RoomID == roomID {
			s.rooms[i].LastMessage = preview
			if !sentAt.IsZero() {
				s.rooms[i].LastMessageTime = sentAt
			}
			return true
		}
	}
	return false
}

func (s *Session) handleNotificationFrame(body json.RawMessage) {
	var n RoomNotification
	if err := json.Unmarshal(body, &n); err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed notification")
		return
	}

	s.mu.Lock()
	if s.activeRoomID != 0 && n.RoomID == s.activeRoomID {
		// Already on screen: counters stay put, only the room list
		// preview is refreshed.
		s.mu.Unlock()
		go s.backgroundRefreshRooms()
		return
	}

	unreadChanged := false
	if n.TotalUnreadCount != nil {
		s.total.setServer(*n.TotalUnreadCount)
		unreadChanged = true
	}
	total := s.total.value()

	known := s.updateRoomPreviewLocked(n.RoomID, n.Preview, n.SentAt)
	if known {
		for i := range s.rooms {
			if s.rooms[i].RoomID == n.RoomID {
				s.rooms[i].UnreadCount++
			}
		}
	}
	rooms := append([]ChatRoom{}, s.rooms...)
	s.mu.Unlock()

	if unreadChanged {
		s.emit(EventUnreadChanged, total)
	}
	if known {
		s.emit(EventRoomsChanged, rooms)
	} else {
		// A room we have never seen: the in-place update has nothing to
		// update, fetch the full list.
		go s.backgroundRefreshRooms()
	}
}

func (s *Session) handleReadReceiptFrame(body json.RawMessage) {
	var r ReadReceipt
	if err := json.Unmarshal(body, &r); err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed read receipt")
		return
	}

	if r.TotalUnreadCount != nil {
		s.mu.Lock()
		s.total.setServer(*r.TotalUnreadCount)
		total := s.total.value()
		s.mu.Unlock()
		s.emit(EventUnreadChanged, total)
	}
	go s.backgroundRefreshRooms()
}

func (s *Session) backgroundRefreshRooms() {
	select {
	case <-s.stopCh:
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := s.RefreshRooms(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("room refresh failed")
	}
}

// ============================================================================
// Reconnect restoration
// ============================================================================

// restoreSubscriptions re-registers the per-user queues and the active room
// topic after a reconnect, re-announces presence, and reloads state that
// may have changed while the transport was down.
func (s *Session) restoreSubscriptions() {
	select {
	case <-s.stopCh:
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	if err := s.rt.Subscribe(ctx, NotificationQueue, s.handleNotificationFrame); err != nil {
		s.logger.Warn().Err(err).Msg("restore notification subscription failed")
	}
	if err := s.rt.Subscribe(ctx, ReadReceiptQueue, s.handleReadReceiptFrame); err != nil {
		s.logger.Warn().Err(err).Msg("restore read-receipt subscription failed")
	}

	s.mu.Lock()
	roomID := s.activeRoomID
	var seq int
	if roomID != 0 {
		s.viewState = ViewLoading
		s.loadSeq++
		seq = s.loadSeq
	}
	s.mu.Unlock()

	if roomID != 0 {
		if err := s.rt.Subscribe(ctx, RoomTopic(roomID), s.roomFrameHandler(roomID)); err != nil {
			s.logger.Warn().Err(err).Int64("room", roomID).Msg("restore room subscription failed")
		}
		_ = s.rt.EnterRoom(ctx, roomID)
		_ = s.rt.MarkAsRead(ctx, roomID)
		if err := s.loadHistory(ctx, roomID, seq); err != nil {
			s.logger.Warn().Err(err).Int64("room", roomID).Msg("transcript reload failed")
		}
	}

	if err := s.RefreshUnread(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("post-reconnect unread refresh failed")
	}
	if err := s.RefreshRooms(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("post-reconnect room refresh failed")
	}
}

// ============================================================================
// Background poll
// ============================================================================

// pollLoop refetches the global unread total at a fixed interval and feeds
// it through the authoritative-overwrite path. This bounds how long the
// badge can diverge from the server when the transport is silently dead.
func (s *Session) pollLoop() {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
			if err := s.RefreshUnread(ctx); err != nil {
				s.logger.Debug().Err(err).Msg("unread poll failed")
			}
			cancel()
		}
	}
}

package marketchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientRooms(t *testing.T) {
	var gotCookie, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode([]ChatRoom{
			{RoomID: 1, PostID: 10, PostTitle: "keyboard", PostPrice: 30000, UnreadCount: 2, IAmBuyer: true},
			{RoomID: 2, PostID: 11, PostTitle: "monitor", PostPrice: 90000},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithSessionCookie("JSESSIONID=abc123"))
	rooms, err := client.Rooms(context.Background())
	if err != nil {
		t.Fatalf("rooms: %v", err)
	}

	if gotPath != "/api/chat/rooms" {
		t.Errorf("expected path /api/chat/rooms, got %s", gotPath)
	}
	if gotCookie != "JSESSIONID=abc123" {
		t.Errorf("session cookie not sent, got %q", gotCookie)
	}
	if len(rooms) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(rooms))
	}
	if rooms[0].PostTitle != "keyboard" || !rooms[0].IAmBuyer {
		t.Errorf("unexpected first room: %+v", rooms[0])
	}
}

func TestClientMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/rooms/42/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("page") != "0" || r.URL.Query().Get("size") != "30" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(MessagePage{
			Content: []ChatMessage{
				{ID: 100, RoomID: 42, Content: "hi", MessageType: MessageChat, SentAt: time.Now().UTC()},
			},
			TotalElements: 1,
			Last:          true,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	page, err := client.Messages(context.Background(), 42, 0, 30)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(page.Content) != 1 || page.Content[0].ID != 100 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if !page.Last {
		t.Error("expected last page")
	}
}

func TestClientMarkRoomRead(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_, _ = w.Write([]byte("{}"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	if err := client.MarkRoomRead(context.Background(), 42); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/api/chat/rooms/42/read" {
		t.Errorf("expected PUT /api/chat/rooms/42/read, got %s %s", gotMethod, gotPath)
	}
}

func TestClientUnreadCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"totalUnreadCount": 17}`))
	}))
	defer srv.Close()

	count, err := NewClient(srv.URL).UnreadCount(context.Background())
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if count != 17 {
		t.Fatalf("expected 17, got %d", count)
	}
}

func TestClientCreateRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chat/room/create" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]int64
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["postId"] != 5 {
			t.Errorf("expected postId 5, got %d", body["postId"])
		}
		_ = json.NewEncoder(w).Encode(ChatRoom{RoomID: 99, PostID: 5})
	}))
	defer srv.Close()

	room, err := NewClient(srv.URL).CreateRoom(context.Background(), 5)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if room.RoomID != 99 {
		t.Fatalf("expected room 99, got %d", room.RoomID)
	}
}

func TestClientAPIError(t *testing.T) {
	t.Run("structured payload", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"ROOM_NOT_FOUND","message":"no such room"}`))
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL).Room(context.Background(), 12345)
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected APIError, got %v", err)
		}
		if apiErr.Status != http.StatusNotFound || apiErr.Code != "ROOM_NOT_FOUND" {
			t.Fatalf("unexpected error: %+v", apiErr)
		}
		if apiErr.Error() != "ROOM_NOT_FOUND: no such room" {
			t.Fatalf("unexpected error string: %s", apiErr.Error())
		}
	})

	t.Run("opaque payload", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("boom"))
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL).Rooms(context.Background())
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected APIError, got %v", err)
		}
		if apiErr.Status != http.StatusInternalServerError {
			t.Fatalf("expected status 500, got %d", apiErr.Status)
		}
		if apiErr.Message == "" {
			t.Fatal("expected fallback message")
		}
	})
}

func TestRealtimeURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://market.example.com", "wss://market.example.com/ws"},
		{"http://localhost:8080", "ws://localhost:8080/ws"},
		{"https://market.example.com/", "wss://market.example.com/ws"},
	}
	for _, tc := range cases {
		if got := NewClient(tc.base).RealtimeURL(); got != tc.want {
			t.Errorf("RealtimeURL(%s) = %s, want %s", tc.base, got, tc.want)
		}
	}
}

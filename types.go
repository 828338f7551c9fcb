package marketchat

import "time"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error response from the marketplace backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ============================================================================
// Message Types
// ============================================================================

// MessageType classifies a chat message.
type MessageType string

const (
	MessageChat   MessageType = "CHAT"
	MessageEnter  MessageType = "ENTER"
	MessageLeave  MessageType = "LEAVE"
	MessageSystem MessageType = "SYSTEM"
	MessageImage  MessageType = "IMAGE"
	MessageOffer  MessageType = "OFFER"
)

// ChatMessage is a single message in a chat room. Messages are immutable
// once created; only the read-state fields change after delivery.
// The server-assigned ID is the deduplication key.
type ChatMessage struct {
	ID          int64       `json:"id"`
	RoomID      int64       `json:"roomId"`
	SenderID    string      `json:"senderId"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType"`
	SentAt      time.Time   `json:"sentAt"`
	IsRead      bool        `json:"isRead"`
	ReadAt      *time.Time  `json:"readAt,omitempty"`
	ImageURL    string      `json:"imageUrl,omitempty"`
}

// ============================================================================
// Room Types
// ============================================================================

// ChatRoom is a conversation between a buyer and a seller about one listing.
type ChatRoom struct {
	RoomID          int64     `json:"roomId"`
	PostID          int64     `json:"postId"`
	PostTitle       string    `json:"postTitle"`
	PostImage       string    `json:"postImage,omitempty"`
	PostPrice       int64     `json:"postPrice"`
	BuyerID         string    `json:"buyerId"`
	BuyerName       string    `json:"buyerName"`
	SellerID        string    `json:"sellerId"`
	SellerName      string    `json:"sellerName"`
	LastMessage     string    `json:"lastMessage,omitempty"`
	LastMessageTime time.Time `json:"lastMessageTime,omitempty"`
	UnreadCount     int       `json:"unreadCount"`
	IAmBuyer        bool      `json:"iAmBuyer"`
	CreatedAt       time.Time `json:"createdAt"`
}

// MessagePage is one page of a room's message history.
type MessagePage struct {
	Content       []ChatMessage `json:"content"`
	Page          int           `json:"page"`
	Size          int           `json:"size"`
	TotalPages    int           `json:"totalPages"`
	TotalElements int64         `json:"totalElements"`
	Last          bool          `json:"last"`
}

// UnreadCountResult is the response of the global unread-count endpoint.
type UnreadCountResult struct {
	TotalUnreadCount int `json:"totalUnreadCount"`
}

// ============================================================================
// Realtime Event Payloads
// ============================================================================

// RoomNotification is pushed on the per-user notification queue whenever any
// of the user's rooms receives traffic. TotalUnreadCount is nil when the
// server chose not to include an updated total.
type RoomNotification struct {
	RoomID           int64       `json:"roomId"`
	Preview          string      `json:"preview,omitempty"`
	MessageType      MessageType `json:"messageType,omitempty"`
	SentAt           time.Time   `json:"sentAt,omitempty"`
	TotalUnreadCount *int        `json:"totalUnreadCount,omitempty"`
}

// ReadReceipt is pushed on the per-user read queue when the counterparty
// reads messages the user sent.
type ReadReceipt struct {
	RoomID           int64 `json:"roomId"`
	TotalUnreadCount *int  `json:"totalUnreadCount,omitempty"`
}

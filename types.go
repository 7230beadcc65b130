package hellodev

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Identity
// ============================================================================

// Identity is the locally held representation of the authenticated user. It never carries
// secrets; access and refresh tokens live in transport cookies.
type Identity struct {
	ID          string `json:"id" toml:"id"`
	Handle      string `json:"handle" toml:"handle"`
	DisplayName string `json:"displayName" toml:"display_name"`
	AvatarRef   string `json:"avatarRef,omitempty" toml:"avatar_ref"`
}

func (i *Identity) clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// ============================================================================
// Chat Types
// ============================================================================

// Message is immutable once created. ID is server-assigned and unique within a Conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Participant is a member of a chat as listed by the REST API.
type Participant struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// ChatSummary is one entry of GET /chats.
type ChatSummary struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Peer returns the first participant that is not self.
func (c *ChatSummary) Peer(self string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].ID != self {
			return &c.Participants[i]
		}
	}
	return nil
}

// ChatHistory is the result of GET /chats/:id, messages ordered oldest to newest.
type ChatHistory struct {
	ChatSummary
	Messages []Message `json:"messages"`
}

// ============================================================================
// Channel Wire Types
// ============================================================================

// Inbound channel events.
const (
	EventConnect           = "connect"
	EventConnectError      = "connect_error"
	EventDisconnect        = "disconnect"
	EventReceiveMessage    = "receiveMessage"
	EventUserTyping        = "userTyping"
	EventUnreadCountUpdate = "unreadCountUpdate"
	EventMessageError      = "messageError"
)

// Outbound channel commands.
const (
	CmdJoinChat    = "joinChat"
	CmdLeaveChat   = "leaveChat"
	CmdSendMessage = "sendMessage"
	CmdTyping      = "typing"
	CmdStopTyping  = "stopTyping"
	CmdMarkAsRead  = "markAsRead"
)

// Envelope is the wire format of every channel frame in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// ChatRef is the payload of joinChat, leaveChat and markAsRead.
type ChatRef struct {
	ChatID string `json:"chatId"`
}

// SendMessagePayload is the payload of sendMessage.
type SendMessagePayload struct {
	ChatID      string `json:"chatId"`
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
}

// TypingPayload is the payload of typing and stopTyping.
type TypingPayload struct {
	ChatID      string `json:"chatId"`
	RecipientID string `json:"recipientId"`
}

// UserTypingEvent is the inbound userTyping payload.
type UserTypingEvent struct {
	UserID   string `json:"userId"`
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

// UnreadCountEvent is the inbound unreadCountUpdate payload. ChatID and UnreadCount are
// present when the server attributes the change to one chat.
type UnreadCountEvent struct {
	TotalUnreadCount int       `json:"totalUnreadCount"`
	ChatID           string    `json:"chatId,omitempty"`
	UnreadCount      *int      `json:"unreadCount,omitempty"`
	At               time.Time `json:"at,omitempty"`
}

// ConnectErrorEvent is the payload of connect_error.
type ConnectErrorEvent struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// DisconnectEvent is published locally when the channel drops.
type DisconnectEvent struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
	Server bool   `json:"server"`
}

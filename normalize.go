package hellodev

import (
	"time"

	"github.com/tidwall/gjson"
)

// The REST API and the push channel disagree on field names (`_id` vs `id`, populated
// `sender` objects vs bare ids, `content` vs `body`). Everything is normalized here so the
// synchronizer only ever sees the canonical types.

func first(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// refID reads an id that may be a bare string or a populated object.
func refID(r gjson.Result, paths ...string) string {
	v := first(r, paths...)
	if v.IsObject() {
		return first(v, "_id", "id").String()
	}
	return v.String()
}

func parseTime(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		return time.UnixMilli(r.Int()).UTC()
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, r.Str); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func identityFrom(r gjson.Result) *Identity {
	id := first(r, "_id", "id", "userId").String()
	if id == "" {
		return nil
	}
	return &Identity{
		ID:          id,
		Handle:      first(r, "username", "handle").String(),
		DisplayName: first(r, "nickname", "displayName", "name").String(),
		AvatarRef:   first(r, "avatar", "avatarRef").String(),
	}
}

// parseIdentity extracts the user from auth responses: {user:{...}}, {data:{user:{...}}} or the bare object.
func parseIdentity(data []byte) *Identity {
	root := gjson.ParseBytes(data)
	for _, p := range []string{"user", "data.user", "data"} {
		if v := root.Get(p); v.IsObject() {
			if id := identityFrom(v); id != nil {
				return id
			}
		}
	}
	return identityFrom(root)
}

func messageFrom(r gjson.Result, chatID string) (Message, bool) {
	m := Message{
		ID:             first(r, "_id", "id").String(),
		ConversationID: refID(r, "chatId", "chat", "conversationId"),
		SenderID:       refID(r, "sender", "senderId"),
		Body:           first(r, "content", "body").String(),
		CreatedAt:      parseTime(first(r, "createdAt", "timestamp")),
	}
	if m.ConversationID == "" {
		m.ConversationID = chatID
	}
	return m, m.ID != ""
}

// parsePushMessage accepts receiveMessage payloads shaped {message:{...}, chatId} or the bare message.
func parsePushMessage(data []byte) (Message, bool) {
	root := gjson.ParseBytes(data)
	chatID := refID(root, "chatId", "chat")
	if v := root.Get("message"); v.IsObject() {
		return messageFrom(v, chatID)
	}
	return messageFrom(root, "")
}

func participantFrom(r gjson.Result) Participant {
	if !r.IsObject() {
		return Participant{ID: r.String()}
	}
	return Participant{
		ID:          first(r, "_id", "id").String(),
		Handle:      first(r, "username", "handle").String(),
		DisplayName: first(r, "nickname", "displayName", "name").String(),
		AvatarRef:   first(r, "avatar", "avatarRef").String(),
	}
}

func chatSummaryFrom(r gjson.Result) ChatSummary {
	c := ChatSummary{
		ID:          first(r, "_id", "id").String(),
		UnreadCount: int(first(r, "unreadCount", "unread").Int()),
		UpdatedAt:   parseTime(first(r, "updatedAt", "lastMessageAt")),
	}
	for _, p := range first(r, "participants", "members").Array() {
		c.Participants = append(c.Participants, participantFrom(p))
	}
	if lm := r.Get("lastMessage"); lm.IsObject() {
		if m, ok := messageFrom(lm, c.ID); ok {
			c.LastMessage = &m
		}
	}
	return c
}

// parseChatList accepts a bare array or {chats:[...]} / {data:[...]}.
func parseChatList(data []byte) []ChatSummary {
	root := gjson.ParseBytes(data)
	list := root
	if !root.IsArray() {
		list = first(root, "chats", "data")
	}
	var out []ChatSummary
	for _, r := range list.Array() {
		out = append(out, chatSummaryFrom(r))
	}
	return out
}

func parseChatSummary(data []byte) ChatSummary {
	root := gjson.ParseBytes(data)
	if v := first(root, "chat", "data"); v.IsObject() {
		root = v
	}
	return chatSummaryFrom(root)
}

// parseChatHistory reads GET /chats/:id. Messages are returned oldest first regardless of
// the order the server used.
func parseChatHistory(data []byte) *ChatHistory {
	root := gjson.ParseBytes(data)
	if v := first(root, "chat", "data"); v.IsObject() {
		root = v
	}
	h := &ChatHistory{ChatSummary: chatSummaryFrom(root)}
	for _, r := range first(root, "messages").Array() {
		if m, ok := messageFrom(r, h.ID); ok {
			h.Messages = append(h.Messages, m)
		}
	}
	n := len(h.Messages)
	if n > 1 && h.Messages[0].CreatedAt.After(h.Messages[n-1].CreatedAt) {
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			h.Messages[i], h.Messages[j] = h.Messages[j], h.Messages[i]
		}
	}
	return h
}

func parseUnreadTotal(data []byte) int {
	return int(first(gjson.ParseBytes(data), "totalUnreadCount", "count", "unreadCount").Int())
}

func parseUnreadEvent(data []byte) UnreadCountEvent {
	root := gjson.ParseBytes(data)
	ev := UnreadCountEvent{
		TotalUnreadCount: int(root.Get("totalUnreadCount").Int()),
		ChatID:           refID(root, "chatId", "chat"),
		At:               parseTime(first(root, "at", "timestamp")),
	}
	if v := root.Get("unreadCount"); v.Exists() && v.Type == gjson.Number {
		n := int(v.Int())
		ev.UnreadCount = &n
	}
	return ev
}

func parseTypingEvent(data []byte) UserTypingEvent {
	root := gjson.ParseBytes(data)
	return UserTypingEvent{
		UserID:   refID(root, "userId", "user"),
		ChatID:   refID(root, "chatId", "chat"),
		IsTyping: root.Get("isTyping").Bool(),
	}
}

func parsePolicyError(data []byte) *PolicyError {
	root := gjson.ParseBytes(data)
	return &PolicyError{
		Type:    root.Get("type").String(),
		Message: first(root, "error", "message").String(),
	}
}

// policyChatID returns the chat a messageError refers to, when the server says.
func policyChatID(data []byte) string {
	return refID(gjson.ParseBytes(data), "chatId", "chat")
}

// parseErrorBody fills a RequestError from a JSON error body, if there is one.
func parseErrorBody(status int, data []byte) *RequestError {
	re := &RequestError{Status: status}
	if gjson.ValidBytes(data) {
		root := gjson.ParseBytes(data)
		if e := root.Get("error"); e.IsObject() {
			root = e
		} else if e.Type == gjson.String {
			re.Message = e.Str
		}
		re.Code = first(root, "code").String()
		if re.Message == "" {
			re.Message = first(root, "message", "msg").String()
		}
	}
	return re
}

package hellodev

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Run("identity shapes", func(t *testing.T) {
		for name, body := range map[string]string{
			"user":      `{"authenticated":true,"user":{"_id":"u1","username":"ada","nickname":"Ada","avatar":"a.png"}}`,
			"data.user": `{"data":{"user":{"id":"u1","handle":"ada","displayName":"Ada","avatarRef":"a.png"}}}`,
			"bare":      `{"userId":"u1","username":"ada","name":"Ada","avatar":"a.png"}`,
		} {
			t.Run(name, func(t *testing.T) {
				id := parseIdentity([]byte(body))
				require.NotNil(t, id)
				assert.Equal(t, Identity{ID: "u1", Handle: "ada", DisplayName: "Ada", AvatarRef: "a.png"}, *id)
			})
		}
		assert.Nil(t, parseIdentity([]byte(`{"message":"ok"}`)))
	})

	t.Run("rest and push messages normalize alike", func(t *testing.T) {
		at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		push, ok := parsePushMessage([]byte(`{"chatId":"c1","message":{"_id":"m1","sender":{"_id":"u2","username":"bob"},"content":"hi","createdAt":"2026-01-02T03:04:05Z"}}`))
		require.True(t, ok)
		bare, ok := parsePushMessage([]byte(`{"id":"m1","conversationId":"c1","senderId":"u2","body":"hi","timestamp":1767323045000}`))
		require.True(t, ok)

		want := Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Body: "hi", CreatedAt: at}
		assert.Equal(t, want, push)
		assert.Equal(t, want, bare)

		_, ok = parsePushMessage([]byte(`{"message":{"content":"no id"}}`))
		assert.False(t, ok)
	})

	t.Run("history is returned oldest first", func(t *testing.T) {
		h := parseChatHistory([]byte(`{"chat":{"_id":"c1","participants":["u1",{"_id":"u2","username":"bob"}],"messages":[
			{"_id":"m2","sender":"u2","content":"b","createdAt":"2026-01-02T00:00:02Z"},
			{"_id":"m1","sender":"u1","content":"a","createdAt":"2026-01-02T00:00:01Z"}]}}`))
		assert.Equal(t, "c1", h.ID)
		assert.Equal(t, []string{"m1", "m2"}, messageIDs(h.Messages))
		assert.Equal(t, "c1", h.Messages[0].ConversationID)
		require.Len(t, h.Participants, 2)
		assert.Equal(t, "bob", h.Peer("u1").Handle)
	})

	t.Run("chat list shapes", func(t *testing.T) {
		arr := parseChatList([]byte(`[{"_id":"c1","unreadCount":2}]`))
		obj := parseChatList([]byte(`{"chats":[{"id":"c1","unread":2}]}`))
		require.Len(t, arr, 1)
		require.Len(t, obj, 1)
		assert.Equal(t, arr[0].UnreadCount, obj[0].UnreadCount)
		assert.Equal(t, arr[0].ID, obj[0].ID)
	})

	t.Run("unread events", func(t *testing.T) {
		total := parseUnreadEvent([]byte(`{"totalUnreadCount":4}`))
		assert.Equal(t, 4, total.TotalUnreadCount)
		assert.Empty(t, total.ChatID)
		assert.Nil(t, total.UnreadCount)

		chat := parseUnreadEvent([]byte(`{"totalUnreadCount":4,"chatId":"c1","unreadCount":0,"at":"2026-01-02T00:00:00Z"}`))
		require.NotNil(t, chat.UnreadCount)
		assert.Equal(t, 0, *chat.UnreadCount)
		assert.False(t, chat.At.IsZero())
	})

	t.Run("error bodies", func(t *testing.T) {
		re := parseErrorBody(400, []byte(`{"error":"Message content is required"}`))
		assert.Equal(t, "Message content is required", re.Message)

		re = parseErrorBody(502, []byte(`<html>bad gateway</html>`))
		assert.Equal(t, 502, re.Status)
		assert.Empty(t, re.Message)
	})
}

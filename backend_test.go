package hellodev

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// ============================================================================
// Fake HelloDev backend
// ============================================================================

// fakeBackend serves the REST endpoints and the push channel. Credentials are JWT cookies;
// expireAccess invalidates every access token issued so far.
type fakeBackend struct {
	t      *testing.T
	server *httptest.Server
	key    []byte

	mu          sync.Mutex
	users       map[string]Identity
	minVersion  int64
	version     int64
	refreshCode int
	// rejectChannel makes every channel handshake fail auth, whatever the token.
	rejectChannel bool
	chats       map[string][]map[string]any
	unread      map[string]int
	conns       []*backendConn
	commands    []Envelope

	// holdRefresh, when set, blocks /refresh until closed.
	holdRefresh chan struct{}

	logins       atomic.Int32
	refreshes    atomic.Int32
	unauthorized atomic.Int32
	handshakes   atomic.Int32
}

type backendConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *backendConn) send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(env)
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		t:   t,
		key: []byte("test-signing-key"),
		users: map[string]Identity{
			"ada": {ID: "u-ada", Handle: "ada", DisplayName: "Ada"},
			"bob": {ID: "u-bob", Handle: "bob", DisplayName: "Bob"},
		},
		refreshCode: http.StatusOK,
		chats:       make(map[string][]map[string]any),
		unread:      make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", b.handleLogin)
	mux.HandleFunc("/api/logout", b.handleLogout)
	mux.HandleFunc("/api/refresh", b.handleRefresh)
	mux.HandleFunc("/api/auth-status", b.authed(b.handleAuthStatus))
	mux.HandleFunc("/api/chats", b.authed(b.handleChats))
	mux.HandleFunc("/api/chats/", b.authed(b.handleChat))
	mux.HandleFunc("/api/ws", b.handleWS)

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.close)
	return b
}

func (b *fakeBackend) URL() string { return b.server.URL + "/api" }

func (b *fakeBackend) close() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		c.conn.Close()
	}
	b.server.Close()
}

// expireAccess makes every access token issued so far fail with 401.
func (b *fakeBackend) expireAccess() {
	b.mu.Lock()
	b.minVersion = b.version + 1
	b.mu.Unlock()
}

func (b *fakeBackend) setRefreshStatus(code int) {
	b.mu.Lock()
	b.refreshCode = code
	b.mu.Unlock()
}

func (b *fakeBackend) rejectChannelAuth() {
	b.mu.Lock()
	b.rejectChannel = true
	b.mu.Unlock()
}

func (b *fakeBackend) addChat(id string, unread int, msgs ...map[string]any) {
	b.mu.Lock()
	b.chats[id] = msgs
	b.unread[id] = unread
	b.mu.Unlock()
}

// push sends an event to every open channel.
func (b *fakeBackend) push(eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.t.Fatalf("marshal push: %v", err)
	}
	b.mu.Lock()
	conns := append([]*backendConn(nil), b.conns...)
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.send(Envelope{Type: eventType, Payload: raw})
	}
}

// dropAll closes every open channel with code.
func (b *fakeBackend) dropAll(code int, reason string) {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.mu.Unlock()
		c.conn.Close()
	}
}

func (b *fakeBackend) openConns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBackend) received(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, env := range b.commands {
		if env.Type == eventType {
			n++
		}
	}
	return n
}

// ============================================================================
// Tokens
// ============================================================================

func (b *fakeBackend) issue(w http.ResponseWriter, userID string) {
	b.mu.Lock()
	b.version++
	ver := b.version
	b.mu.Unlock()

	sign := func(kind string, ttl time.Duration) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": userID,
			"typ": kind,
			"ver": ver,
			"exp": time.Now().Add(ttl).Unix(),
		})
		s, err := tok.SignedString(b.key)
		if err != nil {
			b.t.Fatalf("sign token: %v", err)
		}
		return s
	}
	http.SetCookie(w, &http.Cookie{Name: "accessToken", Value: sign("access", 15*time.Minute), Path: "/", HttpOnly: true})
	http.SetCookie(w, &http.Cookie{Name: "refreshToken", Value: sign("refresh", 24*time.Hour), Path: "/", HttpOnly: true})
}

func (b *fakeBackend) verify(r *http.Request, name, kind string, checkVersion bool) (string, bool) {
	c, err := r.Cookie(name)
	if err != nil {
		return "", false
	}
	tok, err := jwt.Parse(c.Value, func(*jwt.Token) (any, error) { return b.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return "", false
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || claims["typ"] != kind {
		return "", false
	}
	if checkVersion {
		ver, _ := claims["ver"].(float64)
		b.mu.Lock()
		stale := int64(ver) < b.minVersion
		b.mu.Unlock()
		if stale {
			return "", false
		}
	}
	sub, _ := claims.GetSubject()
	return sub, sub != ""
}

func (b *fakeBackend) userByID(id string) Identity {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range b.users {
		if u.ID == id {
			return u
		}
	}
	return Identity{ID: id}
}

func userJSON(u Identity) map[string]any {
	return map[string]any{"_id": u.ID, "username": u.Handle, "nickname": u.DisplayName}
}

// ============================================================================
// Handlers
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *fakeBackend) authed(h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := b.verify(r, "accessToken", "access", true)
		if !ok {
			b.unauthorized.Add(1)
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "access token expired"})
			return
		}
		h(w, r, userID)
	}
}

func (b *fakeBackend) handleLogin(w http.ResponseWriter, r *http.Request) {
	b.logins.Add(1)
	var body LoginOptions
	_ = json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	u, ok := b.users[body.Login]
	b.mu.Unlock()
	if !ok || body.Password != "secret" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		return
	}
	b.issue(w, u.ID)
	writeJSON(w, http.StatusOK, map[string]any{"user": userJSON(u)})
}

func (b *fakeBackend) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: "accessToken", Value: "", Path: "/", MaxAge: -1})
	http.SetCookie(w, &http.Cookie{Name: "refreshToken", Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]any{"message": "logged out"})
}

func (b *fakeBackend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.refreshes.Add(1)
	b.mu.Lock()
	hold := b.holdRefresh
	code := b.refreshCode
	b.mu.Unlock()
	if hold != nil {
		<-hold
	}
	if code != http.StatusOK {
		writeJSON(w, code, map[string]any{"error": "refresh token revoked"})
		return
	}
	userID, ok := b.verify(r, "refreshToken", "refresh", false)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid refresh token"})
		return
	}
	b.issue(w, userID)
	writeJSON(w, http.StatusOK, map[string]any{"message": "refreshed"})
}

func (b *fakeBackend) handleAuthStatus(w http.ResponseWriter, r *http.Request, userID string) {
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "user": userJSON(b.userByID(userID))})
}

func (b *fakeBackend) handleChats(w http.ResponseWriter, r *http.Request, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := make([]map[string]any, 0, len(b.chats))
	for id := range b.chats {
		list = append(list, map[string]any{
			"_id":          id,
			"participants": []any{map[string]any{"_id": userID}, map[string]any{"_id": "u-bob", "username": "bob"}},
			"unreadCount":  b.unread[id],
		})
	}
	writeJSON(w, http.StatusOK, list)
}

func (b *fakeBackend) handleChat(w http.ResponseWriter, r *http.Request, userID string) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/chats/")
	switch {
	case rest == "unread-count":
		b.mu.Lock()
		total := 0
		for _, n := range b.unread {
			total += n
		}
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"totalUnreadCount": total})
	case rest == "createGet" && r.Method == http.MethodPost:
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		id := fmt.Sprintf("chat-%s", body["participantId"])
		b.mu.Lock()
		if _, ok := b.chats[id]; !ok {
			b.chats[id] = nil
		}
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"_id": id, "participants": []any{userID, body["participantId"]}})
	case strings.HasSuffix(rest, "/mark-read") && r.Method == http.MethodPatch:
		id := strings.TrimSuffix(rest, "/mark-read")
		b.mu.Lock()
		b.unread[id] = 0
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"message": "marked as read"})
	default:
		b.mu.Lock()
		msgs, ok := b.chats[rest]
		b.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "chat not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"_id":          rest,
			"participants": []any{map[string]any{"_id": userID}, map[string]any{"_id": "u-bob", "username": "bob"}},
			"messages":     msgs,
		})
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (b *fakeBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	b.handshakes.Add(1)
	_, authOK := b.verify(r, "accessToken", "access", true)
	b.mu.Lock()
	authOK = authOK && !b.rejectChannel
	b.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	bc := &backendConn{conn: conn}
	if !authOK {
		raw, _ := json.Marshal(ConnectErrorEvent{Message: "Authentication error: token expired", Code: 401})
		_ = bc.send(Envelope{Type: EventConnectError, Payload: raw})
		bc.mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(4401, "unauthorized"), time.Now().Add(time.Second))
		bc.mu.Unlock()
		conn.Close()
		return
	}
	if err := bc.send(Envelope{Type: EventConnect, Payload: json.RawMessage(`{}`)}); err != nil {
		conn.Close()
		return
	}

	b.mu.Lock()
	b.conns = append(b.conns, bc)
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			for i, c := range b.conns {
				if c == bc {
					b.conns = append(b.conns[:i], b.conns[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			conn.Close()
		}()
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			b.mu.Lock()
			b.commands = append(b.commands, env)
			b.mu.Unlock()
		}
	}()
}

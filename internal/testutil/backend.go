package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/blyss-chat/internal/types"
)

// Route patterns served by FakeBackend, usable with FailNext and Requests.
const (
	RouteListThreads   = "GET /api/chat/threads"
	RouteCreateThread  = "POST /api/chat/threads"
	RouteListMessages  = "GET /api/chat/threads/{id}/messages"
	RouteCreateMessage = "POST /api/chat/threads/{id}/messages"
	RouteMarkRead      = "POST /api/chat/threads/{id}/read"
	RouteUnread        = "GET /api/chat/unread"
	RouteSearchUsers   = "GET /api/chat/users/search"
	RouteWebSocket     = "GET /ws"
)

// RecordedRequest is a request observed by FakeBackend.
type RecordedRequest struct {
	Route       string
	Path        string
	Query       string
	Body        string
	ContentType string
	RequestId   string
	Cookie      string
}

// Frame is a push frame received from a client.
type Frame struct {
	Type     string `json:"type"`
	UserId   string `json:"userId,omitempty"`
	ThreadId string `json:"threadId,omitempty"`
	Content  string `json:"content,omitempty"`
}

type failure struct {
	status int
	times  int
}

// FakeBackend is an httptest server that speaks the chat REST routes and the
// /ws push protocol closely enough to drive the client end to end.
type FakeBackend struct {
	Server *httptest.Server
	Self   types.User

	mu       sync.Mutex
	threads  []types.Thread
	messages map[string][]types.Message
	unread   types.UnreadCounts
	users    []types.User
	requests []RecordedRequest
	frames   []Frame
	conns    map[*websocket.Conn]struct{}
	connects int
	failures map[string]*failure
	stalls   map[string]chan struct{}
	upgrader websocket.Upgrader
}

func NewFakeBackend(t *testing.T, self types.User) *FakeBackend {
	b := &FakeBackend{
		Self:     self,
		messages: make(map[string][]types.Message),
		unread:   types.UnreadCounts{},
		conns:    make(map[*websocket.Conn]struct{}),
		failures: make(map[string]*failure),
		stalls:   make(map[string]chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(RouteListThreads, b.wrap(b.listThreads))
	mux.HandleFunc(RouteCreateThread, b.wrap(b.createThread))
	mux.HandleFunc(RouteListMessages, b.wrap(b.listMessages))
	mux.HandleFunc(RouteCreateMessage, b.wrap(b.createMessage))
	mux.HandleFunc(RouteMarkRead, b.wrap(b.markRead))
	mux.HandleFunc(RouteUnread, b.wrap(b.listUnread))
	mux.HandleFunc(RouteSearchUsers, b.wrap(b.searchUsers))
	mux.HandleFunc(RouteWebSocket, b.wrap(b.serveWs))

	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Close)
	return b
}

func (b *FakeBackend) Close() {
	b.DropConnections()
	b.Server.Close()
}

func (b *FakeBackend) writeJson(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func (b *FakeBackend) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil && r.Method == http.MethodPost {
			body, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		cookie := ""
		if c, err := r.Cookie("token"); err == nil {
			cookie = c.Value
		}

		b.mu.Lock()
		b.requests = append(b.requests, RecordedRequest{
			Route:       r.Pattern,
			Path:        r.URL.Path,
			Query:       r.URL.RawQuery,
			Body:        string(body),
			ContentType: r.Header.Get("Content-Type"),
			RequestId:   r.Header.Get("X-Request-Id"),
			Cookie:      cookie,
		})
		var status int
		if f, ok := b.failures[r.Pattern]; ok && f.times > 0 {
			f.times--
			status = f.status
		}
		stall := b.stalls[r.Pattern]
		b.mu.Unlock()

		if stall != nil {
			<-stall
		}

		if status != 0 {
			b.writeJson(w, status, map[string]string{"message": http.StatusText(status)})
			return
		}

		if cookie == "" {
			b.writeJson(w, http.StatusUnauthorized, map[string]string{"message": "missing session"})
			return
		}

		next(w, r)
	}
}

// FailNext makes the next `times` requests to route answer with status.
func (b *FakeBackend) FailNext(route string, status, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[route] = &failure{status: status, times: times}
}

// Stall blocks requests to route until the returned function is called.
func (b *FakeBackend) Stall(route string) func() {
	ch := make(chan struct{})
	b.mu.Lock()
	b.stalls[route] = ch
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.stalls, route)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *FakeBackend) SetThreads(threads ...types.Thread) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threads = slices.Clone(threads)
}

func (b *FakeBackend) SetMessages(threadId string, messages ...types.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[threadId] = slices.Clone(messages)
}

func (b *FakeBackend) SetUnread(counts types.UnreadCounts) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unread = counts.Clone()
}

func (b *FakeBackend) SetUsers(users ...types.User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users = slices.Clone(users)
}

func (b *FakeBackend) Threads() []types.Thread {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.threads)
}

// Requests returns the requests recorded for route, or all requests when
// route is empty.
func (b *FakeBackend) Requests(route string) []RecordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []RecordedRequest
	for _, r := range b.requests {
		if route == "" || r.Route == route {
			out = append(out, r)
		}
	}
	return out
}

func (b *FakeBackend) Frames() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.frames)
}

// Connects returns the number of push connections accepted so far.
func (b *FakeBackend) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func (b *FakeBackend) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Broadcast writes v as a text frame to every open push connection.
func (b *FakeBackend) Broadcast(v any) {
	raw, _ := json.Marshal(v)
	b.BroadcastRaw(raw)
}

func (b *FakeBackend) BroadcastRaw(raw []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.WriteMessage(websocket.TextMessage, raw)
	}
}

// DropConnections closes every open push connection from the server side.
func (b *FakeBackend) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		conn.Close()
		delete(b.conns, conn)
	}
}

func (b *FakeBackend) listThreads(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	threads := slices.Clone(b.threads)
	b.mu.Unlock()
	if threads == nil {
		threads = []types.Thread{}
	}
	b.writeJson(w, http.StatusOK, threads)
}

type createThreadRequest struct {
	Type           types.ThreadType `json:"type"`
	Title          string           `json:"title"`
	ParticipantIds []string         `json:"participantIds"`
}

func (b *FakeBackend) createThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.ParticipantIds) == 0 {
		b.writeJson(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if req.Type == types.ThreadTypeDirect {
		for _, th := range b.threads {
			if th.Type == types.ThreadTypeDirect && th.OtherParticipant(b.Self.Id) != nil &&
				th.OtherParticipant(b.Self.Id).UserId == req.ParticipantIds[0] {
				b.writeJson(w, http.StatusOK, th)
				return
			}
		}
	}

	now := time.Now().UTC()
	self := b.Self
	th := types.Thread{
		Id:           uuid.NewString(),
		Type:         req.Type,
		CreatedBy:    b.Self.Id,
		CreatedAt:    now,
		UpdatedAt:    now,
		Participants: []types.Participant{{UserId: b.Self.Id, Role: "owner", User: &self}},
	}
	if req.Title != "" {
		title := req.Title
		th.Title = &title
	}
	for _, id := range req.ParticipantIds {
		p := types.Participant{UserId: id, Role: "member"}
		for _, u := range b.users {
			if u.Id == id {
				u := u
				p.User = &u
			}
		}
		th.Participants = append(th.Participants, p)
	}

	b.threads = append([]types.Thread{th}, b.threads...)
	b.writeJson(w, http.StatusCreated, th)
}

func (b *FakeBackend) listMessages(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	messages := slices.Clone(b.messages[r.PathValue("id")])
	b.mu.Unlock()
	if messages == nil {
		messages = []types.Message{}
	}
	b.writeJson(w, http.StatusOK, messages)
}

// newMessage must be called with b.mu held.
func (b *FakeBackend) newMessage(threadId, content string) types.Message {
	msg := types.Message{
		Id:          uuid.NewString(),
		ThreadId:    threadId,
		SenderId:    b.Self.Id,
		Content:     content,
		MessageType: "text",
		CreatedAt:   time.Now().UTC(),
		Sender:      b.Self,
	}
	b.messages[threadId] = append(b.messages[threadId], msg)
	return msg
}

func (b *FakeBackend) createMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.writeJson(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}

	b.mu.Lock()
	msg := b.newMessage(r.PathValue("id"), req.Content)
	b.mu.Unlock()

	b.writeJson(w, http.StatusCreated, msg)
}

func (b *FakeBackend) markRead(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	delete(b.unread, r.PathValue("id"))
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (b *FakeBackend) listUnread(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	counts := b.unread.Clone()
	b.mu.Unlock()
	b.writeJson(w, http.StatusOK, counts)
}

func (b *FakeBackend) searchUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("q"))

	b.mu.Lock()
	defer b.mu.Unlock()

	users := []types.User{}
	for _, u := range b.users {
		if strings.Contains(strings.ToLower(u.Username), q) {
			users = append(users, u)
		}
	}
	b.writeJson(w, http.StatusOK, users)
}

func (b *FakeBackend) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.connects++
	b.mu.Unlock()

	go b.readFrames(conn)
}

func (b *FakeBackend) readFrames(conn *websocket.Conn) {
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}

		b.mu.Lock()
		b.frames = append(b.frames, f)
		var echo []byte
		if f.Type == "send_message" {
			msg := b.newMessage(f.ThreadId, f.Content)
			echo, _ = json.Marshal(map[string]any{"type": "message", "message": msg})
		}
		b.mu.Unlock()

		if echo != nil {
			b.BroadcastRaw(echo)
		}
	}
}

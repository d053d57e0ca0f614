package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"codecollab/internal/usertoken"
	"codecollab/pkg/ai"
	"codecollab/pkg/domain"
	"codecollab/pkg/store"
	"codecollab/services/realtime/internal/chat"
	"codecollab/services/realtime/internal/gate"
	"codecollab/services/realtime/internal/rooms"
)

var identities = map[string]domain.Identity{
	"tok-alice": {UserID: "u-alice", Email: "alice@example.com"},
	"tok-bob":   {UserID: "u-bob", Email: "bob@example.com"},
	"tok-eve":   {UserID: "u-eve", Email: "eve@example.com"},
}

type tokenTable struct{}

func (tokenTable) Verify(_ context.Context, token string) (usertoken.Claims, error) {
	who, ok := identities[token]
	if !ok {
		return usertoken.Claims{}, usertoken.ErrInvalidToken
	}
	return usertoken.Claims{Subject: who.UserID, TokenID: token}, nil
}

func (tokenTable) Me(_ context.Context, token string) (domain.Identity, error) {
	who, ok := identities[token]
	if !ok {
		return domain.Identity{}, errors.New("unknown token")
	}
	return who, nil
}

type harness struct {
	url       string
	projectID string
	srv       *Server
	coord     *chat.Coordinator
}

func newHarness(t *testing.T, gen ai.Generator) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	projectID := domain.NewProjectID()
	err := st.CreateProject(context.Background(), domain.Project{
		ID:      projectID,
		Name:    "demo",
		Members: []string{"u-alice", "u-bob"},
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	var srv *Server
	reg := rooms.NewRegistry(func(projectID string, m rooms.Member) { srv.DropSlow(projectID, m) })
	coord, err := chat.New(chat.Config{Store: st, Rooms: reg, Generator: gen, Logger: slog.Default()})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	srv = New(Config{
		Gate:        gate.New(tokenTable{}, tokenTable{}, st, nil),
		Coordinator: coord,
		Rooms:       reg,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = coord.Close(ctx)
		ts.Close()
	})
	return &harness{url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", projectID: projectID, srv: srv, coord: coord}
}

func (h *harness) dial(t *testing.T, token, projectID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(h.url+"?projectId="+projectID, header)
}

func (h *harness) connect(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := h.dial(t, token, h.projectID)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := chat.EncodeEvent(event, data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expect(t *testing.T, conn *websocket.Conn, event string) chat.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read %s: %v", event, err)
	}
	var env chat.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Event != event {
		t.Fatalf("expected %s, got %s: %s", event, env.Event, env.Data)
	}
	return env
}

func join(t *testing.T, conn *websocket.Conn, projectID string) []domain.ChatEntry {
	t.Helper()
	send(t, conn, chat.EventJoinProject, map[string]string{"projectId": projectID})
	env := expect(t, conn, chat.EventChatHistory)
	var history []domain.ChatEntry
	if err := json.Unmarshal(env.Data, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	return history
}

func entryOf(t *testing.T, env chat.Envelope) domain.ChatEntry {
	t.Helper()
	var e domain.ChatEntry
	if err := json.Unmarshal(env.Data, &e); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	return e
}

func TestAdmissionRejectedBeforeUpgrade(t *testing.T) {
	h := newHarness(t, nil)
	cases := []struct {
		name      string
		token     string
		projectID string
		status    int
	}{
		{"no credential", "", h.projectID, http.StatusUnauthorized},
		{"bad credential", "forged", h.projectID, http.StatusUnauthorized},
		{"bad project id", "tok-alice", "nope", http.StatusBadRequest},
		{"unknown project", "tok-alice", domain.NewProjectID(), http.StatusNotFound},
		{"not a member", "tok-eve", h.projectID, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, resp, err := h.dial(t, tc.token, tc.projectID)
			if err == nil {
				conn.Close()
				t.Fatalf("expected handshake failure")
			}
			if resp == nil || resp.StatusCode != tc.status {
				t.Fatalf("expected status %d, got %+v", tc.status, resp)
			}
			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Fatalf("expected json error body, got %v %v", body, err)
			}
		})
	}
}

func TestChatRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "tok-alice")
	if history := join(t, alice, h.projectID); len(history) != 0 {
		t.Fatalf("expected empty history, got %+v", history)
	}

	send(t, alice, chat.EventProjectMessage, map[string]any{
		"id":        "m1",
		"message":   "hello",
		"projectId": h.projectID,
		"sender":    map[string]string{"_id": "someone-else"},
	})
	got := entryOf(t, expect(t, alice, chat.EventProjectMessage))
	if got.ID != "m1" || got.Author.UserID != "u-alice" || got.Author.Kind != domain.AuthorUser {
		t.Fatalf("unexpected entry %+v", got)
	}

	bob := h.connect(t, "tok-bob")
	history := join(t, bob, h.projectID)
	if len(history) != 1 || history[0].ID != "m1" {
		t.Fatalf("late joiner should replay m1, got %+v", history)
	}

	send(t, alice, chat.EventUserJoined, map[string]string{"userId": "u-alice", "email": "alice@example.com"})
	presence := expect(t, bob, chat.EventUserJoined)
	if !strings.Contains(string(presence.Data), "u-alice") {
		t.Fatalf("presence should be forwarded verbatim, got %s", presence.Data)
	}

	// Resending the same id is ignored; the next frame alice sees is m2.
	send(t, bob, chat.EventProjectMessage, map[string]any{"id": "m1", "message": "dup"})
	send(t, bob, chat.EventProjectMessage, map[string]any{"id": "m2", "message": "second"})
	if e := entryOf(t, expect(t, alice, chat.EventProjectMessage)); e.ID != "m2" || e.Author.UserID != "u-bob" {
		t.Fatalf("expected m2 from bob, got %+v", e)
	}

	_ = bob.Close()
	left := expect(t, alice, chat.EventUserLeft)
	var p chat.PresencePayload
	if err := json.Unmarshal(left.Data, &p); err != nil || p.UserID != "u-bob" {
		t.Fatalf("unexpected user-left payload %s", left.Data)
	}
}

func TestMessageBeforeJoin(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "tok-alice")
	send(t, alice, chat.EventProjectMessage, map[string]any{"id": "m1", "message": "hi"})
	env := expect(t, alice, chat.EventError)
	if !strings.Contains(string(env.Data), "join the project first") {
		t.Fatalf("unexpected error %s", env.Data)
	}
}

func TestJoinDuringShutdownReportsError(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "tok-alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.coord.Close(ctx); err != nil {
		t.Fatalf("close coordinator: %v", err)
	}

	send(t, alice, chat.EventJoinProject, map[string]string{"projectId": h.projectID})
	env := expect(t, alice, chat.EventError)
	if !strings.Contains(string(env.Data), "server shutting down") {
		t.Fatalf("unexpected error %s", env.Data)
	}
}

func TestInvalidFramesGetSessionError(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect(t, "tok-alice")
	join(t, alice, h.projectID)

	if err := alice.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expect(t, alice, chat.EventError)

	send(t, alice, chat.EventProjectMessage, map[string]any{"id": "m1", "message": "x", "projectId": domain.NewProjectID()})
	env := expect(t, alice, chat.EventError)
	var p chat.ErrorPayload
	if err := json.Unmarshal(env.Data, &p); err != nil || p.ID != "m1" {
		t.Fatalf("expected error tied to m1, got %s", env.Data)
	}

	send(t, alice, chat.EventJoinProject, map[string]string{"projectId": domain.NewProjectID()})
	expect(t, alice, chat.EventError)
}

func TestAIReplyReachesRoom(t *testing.T) {
	h := newHarness(t, ai.GeneratorFunc(func(_ context.Context, prompt string) (string, error) {
		return "answer to " + prompt, nil
	}))
	alice := h.connect(t, "tok-alice")
	join(t, alice, h.projectID)

	send(t, alice, chat.EventProjectMessage, map[string]any{"id": "m1", "message": "@ai scaffold a go service"})
	expect(t, alice, chat.EventProjectMessage)
	reply := entryOf(t, expect(t, alice, chat.EventProjectMessage))
	if reply.Author.Kind != domain.AuthorAI || reply.Body != "answer to scaffold a go service" {
		t.Fatalf("unexpected ai entry %+v", reply)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	rec := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("unexpected healthz response %d %v", rec.Code, rec.Header())
	}
}

func TestSessionEnqueueRefusesWhenFull(t *testing.T) {
	sess := newSession(gate.Session{ID: "s1"}, nil, 1, nil, slog.Default())
	if !sess.Enqueue([]byte("a")) {
		t.Fatalf("first frame should fit")
	}
	if sess.Enqueue([]byte("b")) {
		t.Fatalf("second frame should be refused")
	}
	if !sess.close(websocket.ClosePolicyViolation, "too slow") {
		t.Fatalf("first close should initiate")
	}
	if sess.close(websocket.CloseNormalClosure, "") {
		t.Fatalf("second close must be a no-op")
	}
	<-sess.send
	if sess.Enqueue([]byte("c")) {
		t.Fatalf("closed session must refuse frames")
	}
}

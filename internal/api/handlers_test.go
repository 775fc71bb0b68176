package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"coachchat/internal/auth"
	"coachchat/internal/config"
	"coachchat/internal/models"
	"coachchat/internal/service/account"
	"coachchat/internal/service/transcript"
	"coachchat/internal/storage"
)

type mockCompleter struct {
	mu  sync.Mutex
	err error
}

func (m *mockCompleter) Complete(ctx context.Context, turns []models.Turn, onChunk func(string) error) (string, error) {
	m.mu.Lock()
	err := m.err
	m.err = nil
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	last := turns[len(turns)-1].Content
	chunks := []string{"<p>Mock response", fmt.Sprintf(" to %q</p>", last)}
	for _, chunk := range chunks {
		if onChunk != nil {
			if err := onChunk(chunk); err != nil {
				return "", err
			}
		}
	}
	return strings.Join(chunks, ""), nil
}

func (m *mockCompleter) failNext(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

type testServer struct {
	router    *gin.Engine
	store     *storage.SQLStore
	completer *mockCompleter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	store := storage.NewSQLStore(db, "sqlite3")
	t.Cleanup(func() { store.Close(context.Background()) })

	completer := &mockCompleter{}
	authSvc := auth.NewService(config.SessionConfig{Secret: "test-secret", CookieName: "session", TTL: config.Duration(time.Hour)}, nil)
	handler := NewHandler(
		account.NewService(store),
		transcript.NewService(store, store, completer, "be a brief coach"),
		authSvc,
	)
	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{router: router, store: store, completer: completer}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) postForm(t *testing.T, path string, form url.Values, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// signup creates an account and returns its id and session cookies.
func (s *testServer) signup(t *testing.T, email string) (string, []*http.Cookie) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/signup", map[string]string{
		"email": email, "password": "p", "confirm": "p",
	}, nil)
	assertStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "success" {
		t.Fatalf("unexpected signup body %q", rec.Body.String())
	}
	cookies := sessionCookies(rec)
	if len(cookies) == 0 {
		t.Fatalf("signup did not set a session cookie")
	}
	acc, err := s.store.AccountByEmail(context.Background(), strings.ToLower(email))
	if err != nil {
		t.Fatalf("lookup account: %v", err)
	}
	return acc.ID, cookies
}

func (s *testServer) newChat(t *testing.T, userID string, cookies []*http.Cookie) int64 {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/new_chat", map[string]string{"user_id": userID}, cookies)
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		ChatID int64 `json:"chat_id"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.ChatID == 0 {
		t.Fatalf("expected chat id")
	}
	return body.ChatID
}

func TestHandlersEndToEndFlow(t *testing.T) {
	srv := newTestServer(t)
	userID, cookies := srv.signup(t, "a@x.com")

	chatID := srv.newChat(t, userID, cookies)

	rec := srv.do(t, http.MethodPost, "/all_chats_ids", map[string]string{"user_id": userID}, cookies)
	assertStatus(t, rec, http.StatusOK)
	var ids []int64
	decodeJSON(t, rec.Body.Bytes(), &ids)
	if len(ids) != 1 || ids[0] != chatID {
		t.Fatalf("expected [%d], got %v", chatID, ids)
	}

	rec = srv.do(t, http.MethodPost, "/chatmessage", map[string]any{
		"chat_id": chatID, "user_id": userID, "chat_text": "hello", "date": "Tue 09:30",
	}, cookies)
	assertStatus(t, rec, http.StatusOK)
	var reply struct {
		Role    string `json:"role"`
		Content string `json:"content"`
		Time    string `json:"Time"`
	}
	decodeJSON(t, rec.Body.Bytes(), &reply)
	if reply.Role != "assistant" || reply.Content == "" || reply.Time == "" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	rec = srv.do(t, http.MethodPost, "/acquire_messages", map[string]any{"chat_id": chatID, "user_id": userID}, cookies)
	assertStatus(t, rec, http.StatusOK)
	var turns []models.Turn
	decodeJSON(t, rec.Body.Bytes(), &turns)
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %+v", turns)
	}
	if turns[0].Role != models.RoleUser || turns[0].Content != "hello" || turns[0].Time != "Tue 09:30" {
		t.Fatalf("unexpected user turn %+v", turns[0])
	}
	if turns[1].Role != models.RoleAssistant || turns[1].Content != reply.Content {
		t.Fatalf("unexpected assistant turn %+v", turns[1])
	}

	rec = srv.do(t, http.MethodPost, "/chat_details", map[string]any{"chat_id": chatID, "user_id": userID}, cookies)
	assertStatus(t, rec, http.StatusOK)
	var details struct {
		Title  string `json:"title"`
		Status string `json:"status"`
	}
	decodeJSON(t, rec.Body.Bytes(), &details)
	if details.Status != string(models.StatusIdle) || details.Title != fmt.Sprintf("Conversation Id: %d", chatID) {
		t.Fatalf("unexpected details %+v", details)
	}
}

func TestLandingPageDependsOnSession(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodGet, "/", nil, nil)
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `action="/login"`) {
		t.Fatalf("expected login form, got %s", rec.Body.String())
	}

	userID, cookies := srv.signup(t, "home@x.com")
	rec = srv.do(t, http.MethodGet, "/", nil, cookies)
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), userID) {
		t.Fatalf("expected chat page for %s", userID)
	}
	if !strings.Contains(rec.Body.String(), `data-csrf-header="X-CSRF-Token"`) {
		t.Fatalf("chat page should name the csrf header")
	}

	rec = srv.do(t, http.MethodGet, "/signup", nil, nil)
	assertStatus(t, rec, http.StatusOK)
}

func TestLoginRedirectsEitherWay(t *testing.T) {
	srv := newTestServer(t)
	srv.signup(t, "b@x.com")

	rec := srv.postForm(t, "/login", url.Values{"email": {"b@x.com"}, "password": {"wrong"}}, nil)
	assertRedirect(t, rec, "/")
	if len(sessionCookies(rec)) != 0 {
		t.Fatalf("failed login must not set a session")
	}

	rec = srv.postForm(t, "/login", url.Values{"email": {"B@X.com"}, "password": {"p"}}, nil)
	assertRedirect(t, rec, "/")
	cookies := sessionCookies(rec)
	if len(cookies) == 0 {
		t.Fatalf("successful login should set a session")
	}
	rec = srv.do(t, http.MethodGet, "/", nil, cookies)
	if !strings.Contains(rec.Body.String(), "Sign out") {
		t.Fatalf("expected authenticated landing page")
	}
}

func TestSignupErrors(t *testing.T) {
	srv := newTestServer(t)
	srv.signup(t, "dup@x.com")

	rec := srv.do(t, http.MethodPost, "/signup", map[string]string{"email": "DUP@x.com", "password": "q", "confirm": "q"}, nil)
	assertStatus(t, rec, http.StatusConflict)

	rec = srv.do(t, http.MethodPost, "/signup", map[string]string{"email": "new@x.com", "password": "q", "confirm": "r"}, nil)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestSignoutClearsSession(t *testing.T) {
	srv := newTestServer(t)
	userID, cookies := srv.signup(t, "c@x.com")

	rec := srv.do(t, http.MethodGet, "/signout", nil, cookies)
	assertRedirect(t, rec, "/")
	cleared := false
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == "session" && ck.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("signout should expire the session cookie")
	}

	rec = srv.do(t, http.MethodPost, "/all_chats_ids", map[string]string{"user_id": userID}, nil)
	assertStatus(t, rec, http.StatusUnauthorized)
}

func TestAuthorizationFailures(t *testing.T) {
	srv := newTestServer(t)
	alice, aliceCookies := srv.signup(t, "alice@x.com")
	bob, bobCookies := srv.signup(t, "bob@x.com")
	chatID := srv.newChat(t, alice, aliceCookies)

	rec := srv.do(t, http.MethodPost, "/acquire_messages", map[string]any{"chat_id": chatID, "user_id": bob}, bobCookies)
	assertStatus(t, rec, http.StatusUnauthorized)

	rec = srv.do(t, http.MethodPost, "/acquire_messages", map[string]any{"chat_id": chatID, "user_id": alice}, bobCookies)
	assertStatus(t, rec, http.StatusUnauthorized)

	rec = srv.do(t, http.MethodPost, "/chatmessage", map[string]any{"chat_id": chatID, "user_id": bob, "chat_text": "hi"}, bobCookies)
	assertStatus(t, rec, http.StatusUnauthorized)

	rec = srv.do(t, http.MethodPost, "/all_chats_ids", map[string]string{"user_id": alice}, bobCookies)
	assertStatus(t, rec, http.StatusUnauthorized)

	rec = srv.do(t, http.MethodPost, "/new_chat", map[string]string{"user_id": alice}, bobCookies)
	assertStatus(t, rec, http.StatusUnauthorized)

	rec = srv.do(t, http.MethodPost, "/all_chats_ids", map[string]string{"user_id": bob}, bobCookies)
	assertStatus(t, rec, http.StatusNotFound)

	rec = srv.do(t, http.MethodPost, "/acquire_messages", map[string]any{"chat_id": chatID, "user_id": alice}, aliceCookies)
	assertStatus(t, rec, http.StatusNotFound)

	rec = srv.do(t, http.MethodPost, "/chatmessage", map[string]any{"chat_id": 1, "user_id": alice, "chat_text": "hi"}, aliceCookies)
	assertStatus(t, rec, http.StatusNotFound)
}

func TestNewChatAnonymous(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodPost, "/new_chat", nil, nil)
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		ChatID int64 `json:"chat_id"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	tr, err := srv.store.GetTranscript(context.Background(), body.ChatID)
	if err != nil {
		t.Fatalf("get transcript: %v", err)
	}
	if tr.OwnerID != "" || len(tr.Turns) != 1 || tr.Turns[0].Role != models.RoleSystem {
		t.Fatalf("unexpected anonymous transcript %+v", tr)
	}
}

func TestChatMessageUpstreamFailure(t *testing.T) {
	srv := newTestServer(t)
	userID, cookies := srv.signup(t, "d@x.com")
	chatID := srv.newChat(t, userID, cookies)

	srv.completer.failNext(errors.New("provider unavailable"))
	rec := srv.do(t, http.MethodPost, "/chatmessage", map[string]any{"chat_id": chatID, "user_id": userID, "chat_text": "hi"}, cookies)
	assertStatus(t, rec, http.StatusBadGateway)

	srv.completer.failNext(models.ErrBusy)
	rec = srv.do(t, http.MethodPost, "/chatmessage", map[string]any{"chat_id": chatID, "user_id": userID, "chat_text": "hi"}, cookies)
	assertStatus(t, rec, http.StatusTooManyRequests)

	tr, err := srv.store.GetTranscript(context.Background(), chatID)
	if err != nil {
		t.Fatalf("get transcript: %v", err)
	}
	if tr.Status != models.StatusInterrupted || len(tr.Turns) != 3 {
		t.Fatalf("expected user turns kept and interrupted status, got %+v", tr)
	}
}

func TestChatMessageStream(t *testing.T) {
	srv := newTestServer(t)
	userID, cookies := srv.signup(t, "e@x.com")
	chatID := srv.newChat(t, userID, cookies)

	rec := srv.do(t, http.MethodPost, "/chatmessage/stream", map[string]any{
		"chat_id": chatID, "user_id": userID, "chat_text": "  sprint drills?\n", "date": "Wed 18:00",
	}, cookies)
	assertStatus(t, rec, http.StatusOK)
	events := parseSSE(t, rec.Body.String())
	var names []string
	for _, evt := range events {
		names = append(names, evt.Name)
	}
	if strings.Join(names, ",") != "ack,stream,stream,done" {
		t.Fatalf("unexpected events %v", names)
	}
	var ack struct {
		Message models.Turn `json:"message"`
	}
	decodeJSON(t, []byte(events[0].Data), &ack)
	rec = srv.do(t, http.MethodPost, "/acquire_messages", map[string]any{"chat_id": chatID, "user_id": userID}, cookies)
	var stored []models.Turn
	decodeJSON(t, rec.Body.Bytes(), &stored)
	if len(stored) != 2 || ack.Message != stored[0] || ack.Message.Content != "sprint drills?" {
		t.Fatalf("ack %+v should match stored turn %+v", ack.Message, stored)
	}
	var done struct {
		Message models.Turn `json:"message"`
	}
	decodeJSON(t, []byte(events[3].Data), &done)
	if done.Message.Role != models.RoleAssistant || !strings.Contains(done.Message.Content, "sprint drills?") {
		t.Fatalf("unexpected done payload %+v", done)
	}

	rec = srv.do(t, http.MethodPost, "/chatmessage/stream", map[string]any{
		"chat_id": chatID, "user_id": "someone", "chat_text": "x",
	}, cookies)
	assertStatus(t, rec, http.StatusUnauthorized)

	rec = srv.do(t, http.MethodPost, "/chatmessage/stream", map[string]any{
		"chat_id": chatID, "user_id": userID, "chat_text": "   ",
	}, cookies)
	events = parseSSE(t, rec.Body.String())
	if len(events) != 1 || events[0].Name != "error" || !strings.Contains(events[0].Data, "400") {
		t.Fatalf("blank message should only produce an error event, got %+v", events)
	}

	srv.completer.failNext(errors.New("boom"))
	rec = srv.do(t, http.MethodPost, "/chatmessage/stream", map[string]any{
		"chat_id": chatID, "user_id": userID, "chat_text": "again",
	}, cookies)
	events = parseSSE(t, rec.Body.String())
	if len(events) != 2 || events[1].Name != "error" {
		t.Fatalf("expected ack then error, got %+v", events)
	}
}

func TestConcurrentChatMessagesOnTwoTranscripts(t *testing.T) {
	srv := newTestServer(t)
	userID, cookies := srv.signup(t, "f@x.com")
	first := srv.newChat(t, userID, cookies)
	second := srv.newChat(t, userID, cookies)

	const rounds = 4
	var wg sync.WaitGroup
	for _, id := range []int64{first, second} {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				rec := srv.do(t, http.MethodPost, "/chatmessage", map[string]any{
					"chat_id": id, "user_id": userID, "chat_text": fmt.Sprintf("%d/%d", id, i),
				}, cookies)
				if rec.Code != http.StatusOK {
					t.Errorf("chat %d round %d: status %d %s", id, i, rec.Code, rec.Body.String())
				}
			}
		}(id)
	}
	wg.Wait()

	for _, id := range []int64{first, second} {
		rec := srv.do(t, http.MethodPost, "/acquire_messages", map[string]any{"chat_id": id, "user_id": userID}, cookies)
		assertStatus(t, rec, http.StatusOK)
		var turns []models.Turn
		decodeJSON(t, rec.Body.Bytes(), &turns)
		if len(turns) != 2*rounds {
			t.Fatalf("chat %d: expected %d turns, got %d", id, 2*rounds, len(turns))
		}
		for i := 0; i < rounds; i++ {
			want := fmt.Sprintf("%d/%d", id, i)
			if turns[2*i].Content != want || !strings.Contains(turns[2*i+1].Content, want) {
				t.Fatalf("chat %d: turns interleaved at round %d: %+v", id, i, turns[2*i:2*i+2])
			}
		}
	}
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		if len(lines) == 0 {
			continue
		}
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

func sessionCookies(rec *httptest.ResponseRecorder) []*http.Cookie {
	var out []*http.Cookie
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == "session" && ck.Value != "" {
			out = append(out, ck)
		}
	}
	return out
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v (%s)", err, data)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, want %d, body: %s", rec.Code, want, rec.Body.String())
	}
}

func assertRedirect(t *testing.T, rec *httptest.ResponseRecorder, location string) {
	t.Helper()
	if rec.Code != http.StatusSeeOther && rec.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != location {
		t.Fatalf("expected redirect to %s, got %s", location, got)
	}
}
